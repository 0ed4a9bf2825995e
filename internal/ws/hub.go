package ws

import (
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/isqad/melody"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/eventbus"
)

const (
	meetingKey     = "meeting"
	maxMessageSize = 1024

	MeetingUpdatedMethod = "meetingUpdated"
)

var errNoMeeting = errors.New("no meeting for websocket session")

type MeetingSubscriber interface {
	SubscribeMeeting(meetingID string, handler func(*core.Meeting)) (*eventbus.Subscription, error)
}

// Notification is what browsers receive on every meeting change
type Notification struct {
	JSONRPC string        `json:"jsonrpc"`
	Method  string        `json:"method"`
	Params  *core.Meeting `json:"params"`
}

// Hub pushes meeting records to connected browsers so they can leave as
// soon as the meeting ends
type Hub struct {
	websocket *melody.Melody
	bus       MeetingSubscriber

	mu   sync.Mutex
	subs map[*melody.Session]*eventbus.Subscription
}

func NewHub(bus MeetingSubscriber) *Hub {
	h := &Hub{
		websocket: melody.New(),
		bus:       bus,
		subs:      make(map[*melody.Session]*eventbus.Subscription),
	}
	h.websocket.Config.MaxMessageSize = maxMessageSize

	h.websocket.HandleConnect(h.connect)
	h.websocket.HandleDisconnect(h.disconnect)
	h.websocket.HandleError(func(s *melody.Session, err error) {
		log.Error().Err(err).Str("service", "ws").Msg("error in websocket session")
	})

	return h
}

// ServeMeeting upgrades the request and streams meeting to it, starting with
// its current state
func (h *Hub) ServeMeeting(w http.ResponseWriter, r *http.Request, meeting *core.Meeting) error {
	return h.websocket.HandleRequestWithKeys(w, r, map[string]interface{}{
		meetingKey: meeting,
	})
}

func (h *Hub) connect(s *melody.Session) {
	meeting, ok := s.Keys[meetingKey].(*core.Meeting)
	if !ok {
		log.Error().Err(errNoMeeting).Str("service", "ws").Msg("close session")
		_ = s.Close()
		return
	}

	sub, err := h.bus.SubscribeMeeting(meeting.ID, func(m *core.Meeting) {
		h.write(s, m)
	})
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Str("meeting", meeting.ID).Msg("can't subscribe to meeting updates")
		_ = s.Close()
		return
	}

	h.mu.Lock()
	h.subs[s] = sub
	h.mu.Unlock()

	h.write(s, meeting)
}

func (h *Hub) disconnect(s *melody.Session) {
	h.mu.Lock()
	sub, ok := h.subs[s]
	delete(h.subs, s)
	h.mu.Unlock()

	if !ok {
		return
	}
	if err := sub.Close(); err != nil {
		log.Warn().Err(err).Str("service", "ws").Msg("close subscription")
	}
}

func (h *Hub) write(s *melody.Session, meeting *core.Meeting) {
	msg, err := json.Marshal(&Notification{
		JSONRPC: "2.0",
		Method:  MeetingUpdatedMethod,
		Params:  meeting,
	})
	if err != nil {
		log.Error().Err(err).Str("service", "ws").Msg("can't encode meeting")
		return
	}

	if err := s.Write(msg); err != nil {
		log.Debug().Err(err).Str("service", "ws").Str("meeting", meeting.ID).Msg("write to closed session")
	}
}

// Close disconnects every browser
func (h *Hub) Close() error {
	return h.websocket.Close()
}
