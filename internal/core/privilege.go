package core

import (
	"context"
	"strings"
)

// UserRoleName is type of user role
type UserRoleName string

const (
	// RoleUser is user
	RoleUser UserRoleName = "user"
	// RoleAdmin is recognized across the whole system as elevated
	RoleAdmin UserRoleName = "admin"
)

// Privilege gates admission bypass, ending a meeting and management affordances
type Privilege int

const (
	PrivilegeNone Privilege = iota
	PrivilegeHost
	PrivilegeElevated
)

func (p Privilege) IsPrivileged() bool {
	return p == PrivilegeHost || p == PrivilegeElevated
}

func (p Privilege) String() string {
	switch p {
	case PrivilegeHost:
		return "host"
	case PrivilegeElevated:
		return "elevated"
	default:
		return "none"
	}
}

type RoleFinder interface {
	HasRole(ctx context.Context, userID string, role UserRoleName) (bool, error)
}

// PrivilegeResolver is the single place where a caller's privilege is computed
type PrivilegeResolver struct {
	elevatedEmails map[string]struct{}
	roles          RoleFinder
}

// NewPrivilegeResolver builds a resolver from an email allow-list and an optional role store
func NewPrivilegeResolver(elevatedEmails []string, roles RoleFinder) *PrivilegeResolver {
	emails := make(map[string]struct{}, len(elevatedEmails))
	for _, e := range elevatedEmails {
		e = strings.ToLower(strings.TrimSpace(e))
		if e != "" {
			emails[e] = struct{}{}
		}
	}

	return &PrivilegeResolver{
		elevatedEmails: emails,
		roles:          roles,
	}
}

func (r *PrivilegeResolver) Resolve(ctx context.Context, identity *Identity, meeting *Meeting) (Privilege, error) {
	if identity == nil {
		return PrivilegeNone, nil
	}

	if meeting != nil && identity.ID == meeting.HostID {
		return PrivilegeHost, nil
	}

	if _, ok := r.elevatedEmails[strings.ToLower(identity.Email)]; ok && identity.Email != "" {
		return PrivilegeElevated, nil
	}

	if identity.Guest || r.roles == nil {
		return PrivilegeNone, nil
	}

	isAdmin, err := r.roles.HasRole(ctx, identity.ID, RoleAdmin)
	if err != nil {
		return PrivilegeNone, err
	}
	if isAdmin {
		return PrivilegeElevated, nil
	}

	return PrivilegeNone, nil
}
