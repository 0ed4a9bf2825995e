package signal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/telemetry"
)

const (
	defaultQueueTTL = 5 * time.Minute
	popTimeout      = time.Second
	processedWindow = 1024
)

// Handler receives each message addressed to the subscriber once
type Handler func(ctx context.Context, msg *Message)

type Sender interface {
	Send(ctx context.Context, sessionID, toID string, msg *Message) error
}

type Exchange struct {
	rdb      *redis.Client
	queueTTL time.Duration
	now      func() time.Time
}

func NewExchange(rdb *redis.Client, queueTTL time.Duration) *Exchange {
	if queueTTL <= 0 {
		queueTTL = defaultQueueTTL
	}

	return &Exchange{
		rdb:      rdb,
		queueTTL: queueTTL,
		now:      time.Now,
	}
}

func queueKey(sessionID, participantID string) string {
	return "signal:" + sessionID + ":" + participantID
}

// Send stamps msg and appends it to the recipient's queue
func (e *Exchange) Send(ctx context.Context, sessionID, toID string, msg *Message) error {
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.SessionID = sessionID
	msg.To = toID
	msg.SentAt = e.now().UTC()

	body, err := Encode(msg)
	if err != nil {
		return err
	}

	key := queueKey(sessionID, toID)
	_, err = e.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, key, body)
		pipe.Expire(ctx, key, e.queueTTL)
		return nil
	})
	if err != nil {
		telemetry.ServiceOperationCounter.WithLabelValues("signal", "error", "send").Inc()
		return fmt.Errorf("send %s to %s: %w", msg.Payload.Method(), toID, err)
	}

	return nil
}

type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close stops consuming and waits for the pending handler to return
func (s *Subscription) Close() {
	s.cancel()
	<-s.done
}

// Subscribe consumes the queue of myID. Every message is removed from the
// store before the handler sees it.
func (e *Exchange) Subscribe(ctx context.Context, sessionID, myID string, handler Handler) (*Subscription, error) {
	if err := e.rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		e.consume(ctx, queueKey(sessionID, myID), handler)
	}()

	return sub, nil
}

func (e *Exchange) consume(ctx context.Context, key string, handler Handler) {
	logger := log.With().Str("service", "signal").Str("queue", key).Logger()
	seen := newProcessedSet(processedWindow)

	for {
		if ctx.Err() != nil {
			return
		}

		res, err := e.rdb.BLPop(ctx, popTimeout, key).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Msg("pop failed")
			telemetry.ServiceOperationCounter.WithLabelValues("signal", "error", "pop").Inc()
			select {
			case <-ctx.Done():
				return
			case <-time.After(popTimeout):
			}
			continue
		}

		// res holds the key followed by the value
		if len(res) != 2 {
			continue
		}

		msg, err := Decode(bytes.NewBufferString(res[1]))
		if err != nil {
			logger.Warn().Err(err).Msg("dropping undecodable message")
			continue
		}

		if !seen.add(msg.ID) {
			logger.Debug().Str("id", msg.ID.String()).Msg("duplicate message ignored")
			continue
		}

		telemetry.ServiceOperationCounter.WithLabelValues("signal", "success", "").Inc()
		handler(ctx, msg)
	}
}

// processedSet remembers the last n message ids
type processedSet struct {
	mu    sync.Mutex
	ids   map[uuid.UUID]struct{}
	order []uuid.UUID
	next  int
}

func newProcessedSet(n int) *processedSet {
	return &processedSet{
		ids:   make(map[uuid.UUID]struct{}, n),
		order: make([]uuid.UUID, n),
	}
}

// add reports false when id was already recorded
func (p *processedSet) add(id uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.ids[id]; ok {
		return false
	}

	if old := p.order[p.next]; old != uuid.Nil {
		delete(p.ids, old)
	}
	p.order[p.next] = id
	p.next = (p.next + 1) % len(p.order)
	p.ids[id] = struct{}{}

	return true
}
