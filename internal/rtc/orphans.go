package rtc

import (
	"time"

	"github.com/pion/webrtc/v3"
)

const (
	orphanLimit  = 64
	orphanWindow = 30 * time.Second
)

type orphanCandidate struct {
	candidate  webrtc.ICECandidateInit
	receivedAt time.Time
}

// orphanQueue holds candidates that arrived before their connection existed.
// It is bounded per sender and forgets entries older than the window.
type orphanQueue struct {
	limit  int
	window time.Duration
	queues map[string][]orphanCandidate
}

func newOrphanQueue(limit int, window time.Duration) *orphanQueue {
	return &orphanQueue{
		limit:  limit,
		window: window,
		queues: make(map[string][]orphanCandidate),
	}
}

func (q *orphanQueue) push(from string, candidate webrtc.ICECandidateInit, now time.Time) {
	queue := q.fresh(q.queues[from], now)
	if len(queue) >= q.limit {
		queue = queue[1:]
	}
	q.queues[from] = append(queue, orphanCandidate{candidate: candidate, receivedAt: now})
}

// take removes and returns the live candidates of from
func (q *orphanQueue) take(from string, now time.Time) []webrtc.ICECandidateInit {
	queue := q.fresh(q.queues[from], now)
	delete(q.queues, from)

	candidates := make([]webrtc.ICECandidateInit, 0, len(queue))
	for _, o := range queue {
		candidates = append(candidates, o.candidate)
	}

	return candidates
}

func (q *orphanQueue) drop(from string) {
	delete(q.queues, from)
}

func (q *orphanQueue) size(from string) int {
	return len(q.queues[from])
}

func (q *orphanQueue) fresh(queue []orphanCandidate, now time.Time) []orphanCandidate {
	i := 0
	for i < len(queue) && now.Sub(queue[i].receivedAt) > q.window {
		i++
	}
	return queue[i:]
}
