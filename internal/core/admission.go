package core

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"
)

type AdmissionState string

const (
	AdmissionPending  AdmissionState = "pending"
	AdmissionApproved AdmissionState = "approved"
	AdmissionDenied   AdmissionState = "denied"

	admissionColumns = `meeting_id, user_id, display_name, state, resolved_by, created_at, updated_at`
)

// AdmissionRequest backs the request-to-join holding state of an unprivileged caller
type AdmissionRequest struct {
	MeetingID   string         `json:"meeting_id" db:"meeting_id"`
	UserID      string         `json:"user_id" db:"user_id"`
	DisplayName string         `json:"display_name" db:"display_name"`
	State       AdmissionState `json:"state" db:"state"`
	ResolvedBy  *string        `json:"resolved_by,omitempty" db:"resolved_by"`
	CreatedAt   time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at" db:"updated_at"`
}

func (r *AdmissionRequest) IsApproved() bool {
	return r.State == AdmissionApproved
}

func (r *AdmissionRequest) IsResolved() bool {
	return r.State != AdmissionPending
}

type AdmissionsStorer interface {
	Request(ctx context.Context, req *AdmissionRequest) (*AdmissionRequest, error)
	Find(ctx context.Context, meetingID, userID string) (*AdmissionRequest, error)
	Resolve(ctx context.Context, meetingID, userID string, state AdmissionState, by string, at time.Time) (*AdmissionRequest, error)
	ListPending(ctx context.Context, meetingID string) ([]*AdmissionRequest, error)
}

type AdmissionsRepository struct {
	db *sqlx.DB
}

func NewAdmissionsRepository(db *sqlx.DB) *AdmissionsRepository {
	return &AdmissionsRepository{
		db: db,
	}
}

// Request records a pending request. An existing approved request is kept as is,
// a denied one goes back to pending.
func (r *AdmissionsRepository) Request(ctx context.Context, req *AdmissionRequest) (*AdmissionRequest, error) {
	stored := &AdmissionRequest{}

	err := r.db.GetContext(ctx, stored,
		`INSERT INTO admission_requests
			(meeting_id, user_id, display_name, state, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6) ON CONFLICT (meeting_id, user_id) DO UPDATE
			SET
				display_name = EXCLUDED.display_name,
				updated_at = EXCLUDED.updated_at,
				state = CASE WHEN admission_requests.state = 'denied'
					THEN EXCLUDED.state ELSE admission_requests.state END
		RETURNING `+admissionColumns,
		req.MeetingID,
		req.UserID,
		req.DisplayName,
		string(AdmissionPending),
		req.CreatedAt.UTC(),
		req.UpdatedAt.UTC(),
	)
	if err != nil {
		return nil, err
	}

	return stored, nil
}

// Find returns nil without error when the caller never asked to join
func (r *AdmissionsRepository) Find(ctx context.Context, meetingID, userID string) (*AdmissionRequest, error) {
	req := &AdmissionRequest{}

	err := r.db.GetContext(ctx, req,
		`SELECT `+admissionColumns+` FROM admission_requests
		WHERE meeting_id = $1 AND user_id = $2 LIMIT 1`,
		meetingID,
		userID,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return req, nil
}

func (r *AdmissionsRepository) Resolve(
	ctx context.Context,
	meetingID, userID string,
	state AdmissionState,
	by string,
	at time.Time,
) (*AdmissionRequest, error) {
	req := &AdmissionRequest{}

	err := r.db.GetContext(ctx, req,
		`UPDATE admission_requests SET
			state = $1,
			resolved_by = $2,
			updated_at = $3
		WHERE meeting_id = $4 AND user_id = $5 AND state = $6
		RETURNING `+admissionColumns,
		string(state),
		by,
		at.UTC(),
		meetingID,
		userID,
		string(AdmissionPending),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAdmissionNotFound
	}
	if err != nil {
		return nil, err
	}

	return req, nil
}

func (r *AdmissionsRepository) ListPending(ctx context.Context, meetingID string) ([]*AdmissionRequest, error) {
	reqs := []*AdmissionRequest{}

	err := r.db.SelectContext(ctx, &reqs,
		`SELECT `+admissionColumns+` FROM admission_requests
		WHERE meeting_id = $1 AND state = $2
		ORDER BY created_at ASC`,
		meetingID,
		string(AdmissionPending),
	)
	if err != nil {
		return nil, err
	}

	return reqs, nil
}
