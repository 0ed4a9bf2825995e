package presence

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type (
	JoinedFunc func(rec Record)
	LeftFunc   func(participantID string)
)

// Observer delivers presence changes of a session to a single participant.
// Callbacks run on one goroutine: a participant's join is always reported
// before its leave and duplicates are suppressed. A participant joining again
// before its old entry lapsed is reported as a leave followed by a join.
type Observer struct {
	tracker *Tracker
	keys    keys
	selfID  string
	pubsub  *redis.PubSub

	onJoined JoinedFunc
	onLeft   LeftFunc

	known  map[string]string // participant id to join token
	cancel context.CancelFunc
	done   chan struct{}
	logger zerolog.Logger
}

// Observe reports every other live participant of sessionID, first as a
// snapshot and then as changes happen.
func (t *Tracker) Observe(ctx context.Context, sessionID, selfID string, onJoined JoinedFunc, onLeft LeftFunc) (*Observer, error) {
	k := sessionKeys(sessionID)

	// subscribe before reading the snapshot so no change falls in between
	pubsub := t.rdb.Subscribe(ctx, k.events)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, unavailable(err)
	}

	snapshot, err := t.snapshot(ctx, k)
	if err != nil {
		_ = pubsub.Close()
		return nil, unavailable(err)
	}

	octx, cancel := context.WithCancel(ctx)
	o := &Observer{
		tracker:  t,
		keys:     k,
		selfID:   selfID,
		pubsub:   pubsub,
		onJoined: onJoined,
		onLeft:   onLeft,
		known:    make(map[string]string),
		cancel:   cancel,
		done:     make(chan struct{}),
		logger:   log.With().Str("service", "presence").Str("session", sessionID).Str("participant", selfID).Logger(),
	}
	go o.run(octx, snapshot)

	return o, nil
}

func (o *Observer) Close() {
	o.cancel()
	<-o.done
	_ = o.pubsub.Close()
}

// snapshot returns the records whose deadline has not passed yet
func (t *Tracker) snapshot(ctx context.Context, k keys) ([]Record, error) {
	ids, err := t.rdb.ZRangeByScore(ctx, k.roster, &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(time.Now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := t.rdb.HMGet(ctx, k.records, ids...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec := Record{}
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}

	return records, nil
}

func (o *Observer) run(ctx context.Context, snapshot []Record) {
	defer close(o.done)

	for _, rec := range snapshot {
		o.joined(rec)
	}

	reaper := time.NewTicker(o.tracker.interval(3))
	defer reaper.Stop()

	messages := o.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			ev := event{}
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				o.logger.Warn().Err(err).Msg("bad presence event")
				continue
			}
			switch ev.Kind {
			case eventJoined:
				o.joined(ev.Record)
			case eventLeft:
				o.left(ev.Record)
			}
		case <-reaper.C:
			o.reap(ctx)
		}
	}
}

func (o *Observer) joined(rec Record) {
	if rec.ParticipantID == o.selfID || rec.ParticipantID == "" {
		return
	}
	if token, ok := o.known[rec.ParticipantID]; ok {
		if token == rec.Token {
			return
		}
		delete(o.known, rec.ParticipantID)
		o.onLeft(rec.ParticipantID)
	}
	o.known[rec.ParticipantID] = rec.Token
	o.onJoined(rec)
}

// left ignores the departure of an earlier join. A reaped entry carries no
// token and always counts.
func (o *Observer) left(rec Record) {
	token, ok := o.known[rec.ParticipantID]
	if !ok {
		return
	}
	if rec.Token != "" && rec.Token != token {
		return
	}
	delete(o.known, rec.ParticipantID)
	o.onLeft(rec.ParticipantID)
}

// reap removes lapsed records. Whoever removes the roster entry first
// announces the departure.
func (o *Observer) reap(ctx context.Context) {
	t := o.tracker
	expired, err := t.rdb.ZRangeByScore(ctx, o.keys.roster, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		if ctx.Err() == nil {
			o.logger.Warn().Err(err).Msg("reap failed")
		}
		return
	}

	for _, id := range expired {
		if id == o.selfID {
			continue
		}
		removed, err := t.rdb.ZRem(ctx, o.keys.roster, id).Result()
		if err != nil || removed == 0 {
			continue
		}
		t.rdb.HDel(ctx, o.keys.records, id)
		o.logger.Debug().Str("lapsed", id).Msg("presence lapsed")
		if err := t.publish(ctx, o.keys, eventLeft, Record{ParticipantID: id}); err != nil {
			o.logger.Warn().Err(err).Msg("publish left failed")
		}
	}
}
