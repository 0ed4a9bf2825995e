package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/telemetry"
)

const (
	defaultTTL  = 15 * time.Second
	minInterval = 10 * time.Millisecond

	eventJoined = "joined"
	eventLeft   = "left"
)

// Record announces a participant in a session. Its existence is the announcement.
// Token differs on every Join, so a rejoin under the same id is told apart.
type Record struct {
	ParticipantID string    `json:"participant_id"`
	DisplayName   string    `json:"display_name"`
	Token         string    `json:"token"`
	JoinedAt      time.Time `json:"joined_at"`
}

type event struct {
	Kind   string `json:"kind"`
	Record Record `json:"record"`
}

type keys struct {
	roster  string
	records string
	events  string
}

func sessionKeys(sessionID string) keys {
	prefix := "presence:" + sessionID + ":"
	return keys{
		roster:  prefix + "roster",
		records: prefix + "records",
		events:  prefix + "events",
	}
}

// Tracker keeps presence records in redis. Liveness is a deadline score in a
// sorted set which the owner refreshes and any observer reaps.
type Tracker struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewTracker(rdb *redis.Client, ttl time.Duration) *Tracker {
	if ttl <= 0 {
		ttl = defaultTTL
	}

	return &Tracker{rdb: rdb, ttl: ttl}
}

func (t *Tracker) interval(div time.Duration) time.Duration {
	if d := t.ttl / div; d > minInterval {
		return d
	}
	return minInterval
}

func (t *Tracker) deadline() float64 {
	return float64(time.Now().Add(t.ttl).UnixMilli())
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", core.ErrPresenceUnavailable, err)
}

func (t *Tracker) publish(ctx context.Context, k keys, kind string, rec Record) error {
	data, err := json.Marshal(event{Kind: kind, Record: rec})
	if err != nil {
		return err
	}

	return t.rdb.Publish(ctx, k.events, data).Err()
}

// write stores rec and its deadline, it reports whether rec was absent from the roster
func (t *Tracker) write(ctx context.Context, k keys, rec Record) (bool, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return false, err
	}

	var added *redis.IntCmd
	_, err = t.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, k.records, rec.ParticipantID, data)
		added = pipe.ZAdd(ctx, k.roster, &redis.Z{Score: t.deadline(), Member: rec.ParticipantID})
		pipe.Expire(ctx, k.records, 3*t.ttl)
		pipe.Expire(ctx, k.roster, 3*t.ttl)
		return nil
	})
	if err != nil {
		return false, err
	}

	return added.Val() == 1, nil
}

// Join announces participantID in sessionID and keeps the announcement alive
// until Leave is called or ctx is cancelled.
func (t *Tracker) Join(ctx context.Context, sessionID, participantID, displayName string) (*Membership, error) {
	if err := t.rdb.Ping(ctx).Err(); err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("presence", "error", "unavailable").Inc()
		return nil, unavailable(err)
	}

	k := sessionKeys(sessionID)
	rec := Record{
		ParticipantID: participantID,
		DisplayName:   displayName,
		Token:         uuid.NewString(),
		JoinedAt:      time.Now().UTC(),
	}

	if _, err := t.write(ctx, k, rec); err != nil {
		return nil, unavailable(err)
	}
	if err := t.publish(ctx, k, eventJoined, rec); err != nil {
		return nil, unavailable(err)
	}

	kctx, cancel := context.WithCancel(ctx)
	m := &Membership{
		tracker: t,
		keys:    k,
		record:  rec,
		cancel:  cancel,
		done:    make(chan struct{}),
		logger:  log.With().Str("service", "presence").Str("session", sessionID).Str("participant", participantID).Logger(),
	}
	go m.keepalive(kctx)

	return m, nil
}

type Membership struct {
	tracker *Tracker
	keys    keys
	record  Record
	cancel  context.CancelFunc
	done    chan struct{}
	logger  zerolog.Logger
}

func (m *Membership) Record() Record {
	return m.record
}

func (m *Membership) keepalive(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.tracker.interval(3))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			added, err := m.tracker.write(ctx, m.keys, m.record)
			if err != nil {
				if ctx.Err() == nil {
					m.logger.Warn().Err(err).Msg("keepalive failed")
				}
				continue
			}
			// reaped while we were unreachable, announce again
			if added {
				if err := m.tracker.publish(ctx, m.keys, eventJoined, m.record); err != nil {
					m.logger.Warn().Err(err).Msg("re-announce failed")
				}
			}
		}
	}
}

// Leave stops the keepalive and removes the record. Peers notice a missing
// Leave through the deadline lapsing. A record written by a later Join of the
// same participant is left alone.
func (m *Membership) Leave(ctx context.Context) error {
	m.cancel()
	<-m.done

	t := m.tracker
	id := m.record.ParticipantID
	removed := false
	err := t.rdb.Watch(ctx, func(tx *redis.Tx) error {
		current, err := currentRecord(ctx, tx, m.keys, id)
		if err != nil {
			return err
		}
		if current != nil && current.Token != m.record.Token {
			return nil
		}

		var zrem *redis.IntCmd
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			zrem = pipe.ZRem(ctx, m.keys.roster, id)
			pipe.HDel(ctx, m.keys.records, id)
			return nil
		})
		if err != nil {
			return err
		}
		removed = zrem.Val() == 1
		return nil
	}, m.keys.roster, m.keys.records)
	if err != nil {
		return err
	}

	if removed {
		return t.publish(ctx, m.keys, eventLeft, m.record)
	}

	return nil
}

func currentRecord(ctx context.Context, tx *redis.Tx, k keys, id string) (*Record, error) {
	data, err := tx.HGet(ctx, k.records, id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, nil
	}
	return rec, nil
}
