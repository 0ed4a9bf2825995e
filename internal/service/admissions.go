package service

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/eventbus"
)

type AdmissionBus interface {
	eventbus.AdmissionPublisher
	eventbus.AdmissionSubscriber
}

// Admissions keeps the request-to-join queue of meetings whose policy is not auto-admit
type Admissions struct {
	store core.AdmissionsStorer
	bus   AdmissionBus
	now   func() time.Time
}

func NewAdmissions(store core.AdmissionsStorer, bus AdmissionBus) *Admissions {
	return &Admissions{
		store: store,
		bus:   bus,
		now:   time.Now,
	}
}

// Approved reports whether caller already holds an approved request
func (a *Admissions) Approved(ctx context.Context, meetingID, userID string) (bool, error) {
	req, err := a.store.Find(ctx, meetingID, userID)
	if err != nil {
		return false, err
	}

	return req != nil && req.IsApproved(), nil
}

// Request puts caller into the holding state and returns the stored request
func (a *Admissions) Request(ctx context.Context, meetingID string, caller *core.Identity) (*core.AdmissionRequest, error) {
	now := a.now().UTC()

	return a.store.Request(ctx, &core.AdmissionRequest{
		MeetingID:   meetingID,
		UserID:      caller.ID,
		DisplayName: caller.DisplayName,
		State:       core.AdmissionPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// Subscribe delivers the resolution of the caller's request
func (a *Admissions) Subscribe(meetingID, userID string, handler func(*core.AdmissionRequest)) (*eventbus.Subscription, error) {
	return a.bus.SubscribeAdmission(meetingID, userID, handler)
}

// Resolve approves or denies a pending request and pushes the outcome to the requester
func (a *Admissions) Resolve(
	ctx context.Context,
	meetingID, userID string,
	privilege core.Privilege,
	resolver string,
	approve bool,
) (*core.AdmissionRequest, error) {
	if !privilege.IsPrivileged() {
		return nil, core.ErrPrivilegeDenied
	}

	state := core.AdmissionDenied
	if approve {
		state = core.AdmissionApproved
	}

	req, err := a.store.Resolve(ctx, meetingID, userID, state, resolver, a.now())
	if err != nil {
		return nil, err
	}

	if err := a.bus.PublishAdmission(req); err != nil {
		log.Error().Err(err).Str("service", "admissions").Str("meeting", meetingID).Str("user", userID).Msg("publish admission")
	}

	return req, nil
}

func (a *Admissions) Pending(ctx context.Context, meetingID string, privilege core.Privilege) ([]*core.AdmissionRequest, error) {
	if !privilege.IsPrivileged() {
		return nil, core.ErrPrivilegeDenied
	}

	return a.store.ListPending(ctx, meetingID)
}
