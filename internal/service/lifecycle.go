package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/eventbus"
	"github.com/isqad/livelook-conf/internal/telemetry"
)

const (
	DefaultStaleAfter        = 300 * time.Second
	DefaultHeartbeatInterval = 60 * time.Second
)

type MeetingBus interface {
	eventbus.MeetingPublisher
	eventbus.MeetingSubscriber
}

// Lifecycle moves meetings from active to ended. Nothing moves them back.
type Lifecycle struct {
	meetings   core.MeetingsStorer
	bus        MeetingBus
	staleAfter time.Duration
	heartbeat  time.Duration
	now        func() time.Time
}

func NewLifecycle(meetings core.MeetingsStorer, bus MeetingBus, staleAfter, heartbeat time.Duration) *Lifecycle {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeatInterval
	}

	return &Lifecycle{
		meetings:   meetings,
		bus:        bus,
		staleAfter: staleAfter,
		heartbeat:  heartbeat,
		now:        time.Now,
	}
}

func (l *Lifecycle) Create(ctx context.Context, host *core.Identity, title string, autoAdmit bool, media core.MediaSettings) (*core.Meeting, error) {
	if host == nil || host.Guest {
		return nil, core.ErrPrivilegeDenied
	}

	meeting, err := core.NewMeeting(host.ID, title, autoAdmit, media, l.now())
	if err != nil {
		return nil, err
	}

	if err := l.meetings.Create(ctx, meeting); err != nil {
		return nil, fmt.Errorf("create meeting: %w", err)
	}

	return meeting, nil
}

func (l *Lifecycle) List(ctx context.Context, limit int) ([]*core.Meeting, error) {
	return l.meetings.ListActive(ctx, limit)
}

// Load fetches a meeting. An active meeting idle for longer than the stale
// period is ended on the spot and returned as ended.
func (l *Lifecycle) Load(ctx context.Context, id string) (*core.Meeting, error) {
	meeting, err := l.meetings.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	now := l.now()
	if !meeting.IsStale(now, l.staleAfter) {
		return meeting, nil
	}

	expired, err := l.meetings.ExpireIfStale(ctx, id, now.Add(-l.staleAfter), core.InactiveEndReason, now)
	if err != nil {
		return nil, fmt.Errorf("expire meeting %s: %w", id, err)
	}

	// either way the stored record now tells the truth
	meeting, err = l.meetings.Find(ctx, id)
	if err != nil {
		return nil, err
	}

	if expired {
		log.Info().Str("service", "lifecycle").Str("meeting", id).Msg("meeting expired due to inactivity")
		l.publish(meeting)
	}

	return meeting, nil
}

// Touch marks activity at join time
func (l *Lifecycle) Touch(ctx context.Context, id string) error {
	return l.meetings.Touch(ctx, id, l.now())
}

// StartHeartbeat keeps the meeting alive until stop is called or ctx is done.
// A failed beat is retried on the next tick.
func (l *Lifecycle) StartHeartbeat(ctx context.Context, id string) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)

		ticker := time.NewTicker(l.heartbeat)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Touch(ctx, id); err != nil {
					if ctx.Err() != nil {
						return
					}
					telemetry.ServiceOperationCounter.WithLabelValues("heartbeat", "error", "touch").Inc()
					log.Warn().Err(err).Str("service", "lifecycle").Str("meeting", id).Msg("heartbeat failed")
					continue
				}
				telemetry.ServiceOperationCounter.WithLabelValues("heartbeat", "success", "").Inc()
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// End terminates an active meeting on behalf of a privileged caller
func (l *Lifecycle) End(ctx context.Context, id string, privilege core.Privilege, reason string) error {
	if !privilege.IsPrivileged() {
		return core.ErrPrivilegeDenied
	}
	if reason == "" {
		reason = core.DefaultEndReason
	}

	ended, err := l.meetings.End(ctx, id, reason, l.now())
	if err != nil {
		return fmt.Errorf("end meeting %s: %w", id, err)
	}

	meeting, err := l.meetings.Find(ctx, id)
	if err != nil {
		return err
	}

	if ended {
		l.publish(meeting)
	}

	return nil
}

// Watch calls onEnded once, with the end reason, when the meeting is seen ended
func (l *Lifecycle) Watch(ctx context.Context, id string, onEnded func(reason string)) (*eventbus.Subscription, error) {
	var once sync.Once
	fire := func(m *core.Meeting) {
		if m.IsEnded() {
			once.Do(func() { onEnded(m.Reason()) })
		}
	}

	sub, err := l.bus.SubscribeMeeting(id, fire)
	if err != nil {
		return nil, err
	}

	// it may have ended between load and subscribe
	meeting, err := l.meetings.Find(ctx, id)
	if err != nil && !errors.Is(err, core.ErrSessionNotFound) {
		_ = sub.Close()
		return nil, err
	}
	if meeting != nil {
		fire(meeting)
	}

	return sub, nil
}

func (l *Lifecycle) publish(meeting *core.Meeting) {
	if err := l.bus.PublishMeeting(meeting); err != nil {
		log.Error().Err(err).Str("service", "lifecycle").Str("meeting", meeting.ID).Msg("publish meeting update")
	}
}
