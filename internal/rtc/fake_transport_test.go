package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-conf/internal/signal"
)

type fakeSender struct {
	track webrtc.TrackLocal
}

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.track = track
	return nil
}

func (s *fakeSender) Track() webrtc.TrackLocal {
	return s.track
}

type fakeTransport struct {
	mu sync.Mutex

	name       string
	state      webrtc.SignalingState
	remote     *webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	pending    []webrtc.ICECandidateInit
	senders    []*fakeSender
	closed     bool
	failRemote bool

	onCandidate func(webrtc.ICECandidateInit)
	onState     func(webrtc.PeerConnectionState)
}

func (t *fakeTransport) AddTrack(track webrtc.TrackLocal) (TrackSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := &fakeSender{track: track}
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != webrtc.SignalingStateStable {
		return webrtc.SessionDescription{}, errors.New("offer in wrong state")
	}
	t.state = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "offer from " + t.name}, nil
}

func (t *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("answer in wrong state")
	}
	t.state = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer from " + t.name}, nil
}

func (t *fakeTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.failRemote {
		return errors.New("malformed description")
	}

	switch sdp.Type {
	case webrtc.SDPTypeOffer:
		if t.state != webrtc.SignalingStateStable {
			return errors.New("offer in wrong state")
		}
		t.state = webrtc.SignalingStateHaveRemoteOffer
	case webrtc.SDPTypeAnswer:
		if t.state != webrtc.SignalingStateHaveLocalOffer {
			return errors.New("answer in wrong state")
		}
		t.state = webrtc.SignalingStateStable
	}
	t.remote = &sdp
	t.applied = append(t.applied, t.pending...)
	t.pending = nil

	return nil
}

func (t *fakeTransport) AddICECandidate(c webrtc.ICECandidateInit) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.remote == nil {
		t.pending = append(t.pending, c)
		return nil
	}
	t.applied = append(t.applied, c)
	return nil
}

func (t *fakeTransport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *fakeTransport) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCandidate = f
}

func (t *fakeTransport) OnConnectionStateChange(f func(webrtc.PeerConnectionState)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onState = f
}

func (t *fakeTransport) OnTrack(func(*webrtc.TrackRemote)) {}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

func (t *fakeTransport) appliedCandidates() []webrtc.ICECandidateInit {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), t.applied...)
}

// fakeFactory records every transport it builds
type fakeFactory struct {
	mu         sync.Mutex
	name       string
	built      []*fakeTransport
	failRemote bool
}

func (f *fakeFactory) new() (Transport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	t := &fakeTransport{
		name:       fmt.Sprintf("%s#%d", f.name, len(f.built)),
		state:      webrtc.SignalingStateStable,
		failRemote: f.failRemote,
	}
	f.built = append(f.built, t)
	return t, nil
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.built)
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.built[len(f.built)-1]
}

// fakeNetwork queues sent messages until delivered explicitly, like the
// real exchange does between two clients
type fakeNetwork struct {
	mu       sync.Mutex
	queue    []*signal.Message
	sent     []*signal.Message
	managers map[string]*Manager
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{managers: make(map[string]*Manager)}
}

func (n *fakeNetwork) Send(_ context.Context, sessionID, toID string, msg *signal.Message) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	msg.ID = uuid.New()
	msg.SessionID = sessionID
	msg.To = toID
	n.queue = append(n.queue, msg)
	n.sent = append(n.sent, msg)
	return nil
}

func (n *fakeNetwork) deliverAll(t *testing.T) {
	t.Helper()

	for i := 0; i < 100; i++ {
		n.mu.Lock()
		if len(n.queue) == 0 {
			n.mu.Unlock()
			return
		}
		msg := n.queue[0]
		n.queue = n.queue[1:]
		m, ok := n.managers[msg.To]
		n.mu.Unlock()

		if ok {
			m.HandleSignal(context.Background(), msg)
		}
	}
	t.Fatal("signal storm")
}

func (n *fakeNetwork) count(method signal.Method, from string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	c := 0
	for _, msg := range n.sent {
		if msg.Payload.Method() == method && msg.From == from {
			c++
		}
	}
	return c
}

func (n *fakeNetwork) join(t *testing.T, id string, factory *fakeFactory) *Manager {
	t.Helper()

	m := NewManager(context.Background(), ManagerParams{
		SessionID:    "abc-defg-hij",
		SelfID:       id,
		Signals:      n,
		NewTransport: factory.new,
	})
	t.Cleanup(m.Close)

	n.mu.Lock()
	n.managers[id] = m
	n.mu.Unlock()

	require.NotNil(t, m)
	return m
}

func (t *fakeTransport) emitCandidate(c webrtc.ICECandidateInit) {
	t.mu.Lock()
	f := t.onCandidate
	t.mu.Unlock()
	f(c)
}

func (t *fakeTransport) emitState(s webrtc.PeerConnectionState) {
	t.mu.Lock()
	f := t.onState
	t.mu.Unlock()
	f(s)
}
