package core

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
)

var ErrUserNotFound = errors.New("user not found")

type UserStorer interface {
	FindByUID(ctx context.Context, uid string) (*Identity, error)
	HasRole(ctx context.Context, userID string, role UserRoleName) (bool, error)
}

type UserRepository struct {
	db *sqlx.DB
}

func NewUserRepository(db *sqlx.DB) *UserRepository {
	return &UserRepository{
		db: db,
	}
}

// FindByUID maps an identity provider uid onto the stored user
func (r *UserRepository) FindByUID(ctx context.Context, uid string) (*Identity, error) {
	identity := &Identity{}

	err := r.db.GetContext(ctx, identity,
		`SELECT id, name AS display_name, COALESCE(email, '') AS email FROM users WHERE uid = $1 LIMIT 1`,
		uid,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	return identity, nil
}

func (r *UserRepository) HasRole(ctx context.Context, userID string, role UserRoleName) (bool, error) {
	var exists bool

	err := r.db.GetContext(ctx, &exists,
		`SELECT EXISTS(SELECT 1 FROM users_roles WHERE user_id = $1 AND name = $2)`,
		userID,
		string(role),
	)
	if err != nil {
		return false, err
	}

	return exists, nil
}
