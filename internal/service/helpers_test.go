package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	natsserver "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/require"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/eventbus"
	"github.com/isqad/livelook-conf/internal/presence"
	"github.com/isqad/livelook-conf/internal/rtc"
	"github.com/isqad/livelook-conf/internal/signal"
)

// memoryMeetings keeps the conditional update rules of the sql store
type memoryMeetings struct {
	mu        sync.Mutex
	meetings  map[string]*core.Meeting
	touches   int
	touchErrs int
}

func newMemoryMeetings() *memoryMeetings {
	return &memoryMeetings{meetings: make(map[string]*core.Meeting)}
}

func (s *memoryMeetings) Create(_ context.Context, m *core.Meeting) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *m
	s.meetings[m.ID] = &c
	return nil
}

func (s *memoryMeetings) Find(_ context.Context, id string) (*core.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok {
		return nil, core.ErrSessionNotFound
	}
	c := *m
	return &c, nil
}

func (s *memoryMeetings) ListActive(_ context.Context, limit int) ([]*core.Meeting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := []*core.Meeting{}
	for _, m := range s.meetings {
		if !m.IsEnded() && len(res) < limit {
			c := *m
			res = append(res, &c)
		}
	}
	return res, nil
}

func (s *memoryMeetings) Touch(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touches++
	if s.touchErrs > 0 {
		s.touchErrs--
		return errors.New("connection reset")
	}
	m, ok := s.meetings[id]
	if ok && !m.IsEnded() && at.After(m.LastActivityAt) {
		m.LastActivityAt = at
	}
	return nil
}

func (s *memoryMeetings) End(_ context.Context, id, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok || m.IsEnded() {
		return false, nil
	}
	m.Status = core.MeetingEnded
	m.EndReason = &reason
	m.EndedAt = &at
	return true, nil
}

func (s *memoryMeetings) ExpireIfStale(_ context.Context, id string, cutoff time.Time, reason string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.meetings[id]
	if !ok || m.IsEnded() || !m.LastActivityAt.Before(cutoff) {
		return false, nil
	}
	m.Status = core.MeetingEnded
	m.EndReason = &reason
	m.EndedAt = &at
	return true, nil
}

func (s *memoryMeetings) get(id string) *core.Meeting {
	m, _ := s.Find(context.Background(), id)
	return m
}

func (s *memoryMeetings) touchCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touches
}

type memoryAdmissions struct {
	mu   sync.Mutex
	reqs map[string]*core.AdmissionRequest
}

func newMemoryAdmissions() *memoryAdmissions {
	return &memoryAdmissions{reqs: make(map[string]*core.AdmissionRequest)}
}

func (s *memoryAdmissions) Request(_ context.Context, req *core.AdmissionRequest) (*core.AdmissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := req.MeetingID + "/" + req.UserID
	if stored, ok := s.reqs[key]; ok && stored.State != core.AdmissionDenied {
		c := *stored
		return &c, nil
	}
	c := *req
	c.State = core.AdmissionPending
	s.reqs[key] = &c
	r := c
	return &r, nil
}

func (s *memoryAdmissions) Find(_ context.Context, meetingID, userID string) (*core.AdmissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.reqs[meetingID+"/"+userID]
	if !ok {
		return nil, nil
	}
	c := *stored
	return &c, nil
}

func (s *memoryAdmissions) Resolve(_ context.Context, meetingID, userID string, state core.AdmissionState, by string, at time.Time) (*core.AdmissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.reqs[meetingID+"/"+userID]
	if !ok || stored.State != core.AdmissionPending {
		return nil, core.ErrAdmissionNotFound
	}
	stored.State = state
	stored.ResolvedBy = &by
	stored.UpdatedAt = at
	c := *stored
	return &c, nil
}

func (s *memoryAdmissions) ListPending(_ context.Context, meetingID string) ([]*core.AdmissionRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := []*core.AdmissionRequest{}
	for _, r := range s.reqs {
		if r.MeetingID == meetingID && r.State == core.AdmissionPending {
			c := *r
			res = append(res, &c)
		}
	}
	return res, nil
}

func newTestBus(t *testing.T) *eventbus.Eventbus {
	t.Helper()

	opts := natsserver.DefaultTestOptions
	opts.Port = -1
	s := natsserver.RunServer(&opts)
	t.Cleanup(s.Shutdown)

	nc, err := nats.Connect(s.ClientURL())
	require.Nil(t, err)
	t.Cleanup(nc.Close)

	return eventbus.New(nc)
}

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	return rdb
}

// countingExchange records every message handed to the exchange
type countingExchange struct {
	*signal.Exchange

	mu   sync.Mutex
	sent []signal.Message
}

func (e *countingExchange) Send(ctx context.Context, sessionID, toID string, msg *signal.Message) error {
	if err := e.Exchange.Send(ctx, sessionID, toID, msg); err != nil {
		return err
	}
	e.mu.Lock()
	e.sent = append(e.sent, *msg)
	e.mu.Unlock()
	return nil
}

func (e *countingExchange) count(method signal.Method, from string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := 0
	for _, msg := range e.sent {
		if msg.Payload.Method() == method && msg.From == from {
			c++
		}
	}
	return c
}

type stubSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *stubSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.track = track
	return nil
}

func (s *stubSender) Track() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}

// stubTransport follows the offer/answer state machine without any media
type stubTransport struct {
	mu      sync.Mutex
	state   webrtc.SignalingState
	senders []*stubSender
}

func newStubTransport() (rtc.Transport, error) {
	return &stubTransport{state: webrtc.SignalingStateStable}, nil
}

func (t *stubTransport) AddTrack(track webrtc.TrackLocal) (rtc.TrackSender, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := &stubSender{track: track}
	t.senders = append(t.senders, s)
	return s, nil
}

func (t *stubTransport) CreateOffer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.state = webrtc.SignalingStateHaveLocalOffer
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"}, nil
}

func (t *stubTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, errors.New("no remote offer")
	}
	t.state = webrtc.SignalingStateStable
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}, nil
}

func (t *stubTransport) SetRemoteDescription(sdp webrtc.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if sdp.Type == webrtc.SDPTypeOffer {
		t.state = webrtc.SignalingStateHaveRemoteOffer
	} else {
		t.state = webrtc.SignalingStateStable
	}
	return nil
}

func (t *stubTransport) AddICECandidate(webrtc.ICECandidateInit) error { return nil }

func (t *stubTransport) SignalingState() webrtc.SignalingState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *stubTransport) OnICECandidate(func(webrtc.ICECandidateInit))          {}
func (t *stubTransport) OnConnectionStateChange(func(webrtc.PeerConnectionState)) {}
func (t *stubTransport) OnTrack(func(*webrtc.TrackRemote))                        {}
func (t *stubTransport) Close() error                                             { return nil }

// silence is an endless PCM source
type silence struct{}

func (silence) ReadFrame(ctx context.Context, frame []float32) (int, error) {
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-time.After(5 * time.Millisecond):
	}
	for i := range frame {
		frame[i] = 0
	}
	return len(frame), nil
}

type stubMixTarget struct {
	track webrtc.TrackLocal
}

func (m *stubMixTarget) WriteFrame([]float32) error { return nil }
func (m *stubMixTarget) Track() webrtc.TrackLocal   { return m.track }
func (m *stubMixTarget) FrameSize() int             { return 960 }
func (m *stubMixTarget) Close() error               { return nil }

type stubCapturer struct {
	t *testing.T

	mu          sync.Mutex
	enabled     map[webrtc.RTPCodecType]bool
	media       *rtc.LocalMedia
	screen      *rtc.ScreenShare
	mixTarget   *stubMixTarget
	releases    int
	cancelShare bool
}

func newStubCapturer(t *testing.T) *stubCapturer {
	mkTrack := func(mime, id string) webrtc.TrackLocal {
		track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mime}, id, "local")
		require.Nil(t, err)
		return track
	}

	return &stubCapturer{
		t:       t,
		enabled: make(map[webrtc.RTPCodecType]bool),
		media: &rtc.LocalMedia{
			Audio: mkTrack(webrtc.MimeTypeOpus, "mic"),
			Video: mkTrack(webrtc.MimeTypeVP8, "camera"),
			Mic:   silence{},
		},
		screen: &rtc.ScreenShare{
			Video:       mkTrack(webrtc.MimeTypeVP8, "screen"),
			SystemAudio: silence{},
		},
		mixTarget: &stubMixTarget{track: mkTrack(webrtc.MimeTypeOpus, "mixed")},
	}
}

func (c *stubCapturer) Acquire(context.Context, core.MediaSettings) (*rtc.LocalMedia, error) {
	return c.media, nil
}

func (c *stubCapturer) CaptureScreen(context.Context) (*rtc.ScreenShare, error) {
	if c.cancelShare {
		return nil, nil
	}
	return c.screen, nil
}

func (c *stubCapturer) NewMixTarget() (rtc.MixTarget, error) {
	return c.mixTarget, nil
}

func (c *stubCapturer) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled[kind] = enabled
}

func (c *stubCapturer) isEnabled(kind webrtc.RTPCodecType) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled[kind]
}

func (c *stubCapturer) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.releases++
}

type recordingNavigator struct {
	mu        sync.Mutex
	messages  []string
	redirects int
}

func (n *recordingNavigator) ShowMessage(message string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, message)
}

func (n *recordingNavigator) RedirectHome() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.redirects++
}

func (n *recordingNavigator) redirected() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.redirects
}

func (n *recordingNavigator) lastMessage() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.messages) == 0 {
		return ""
	}
	return n.messages[len(n.messages)-1]
}

type fixedName string

func (f fixedName) DisplayName(context.Context) (string, error) {
	return string(f), nil
}

// rolesNone grants no stored roles
type rolesNone struct{}

func (rolesNone) HasRole(context.Context, string, core.UserRoleName) (bool, error) {
	return false, nil
}

// testWorld wires the shared backends every participant of a test talks to
type testWorld struct {
	t          *testing.T
	meetings   *memoryMeetings
	admissions *memoryAdmissions
	bus        *eventbus.Eventbus
	rdb        *redis.Client
	exchange   *countingExchange
	lifecycle  *Lifecycle
	desk       *Admissions
	tracker    *presence.Tracker
}

func newTestWorld(t *testing.T) *testWorld {
	t.Helper()

	w := &testWorld{
		t:          t,
		meetings:   newMemoryMeetings(),
		admissions: newMemoryAdmissions(),
		bus:        newTestBus(t),
		rdb:        newTestRedis(t),
	}
	w.exchange = &countingExchange{Exchange: signal.NewExchange(w.rdb, time.Minute)}
	w.lifecycle = NewLifecycle(w.meetings, w.bus, DefaultStaleAfter, 50*time.Millisecond)
	w.desk = NewAdmissions(w.admissions, w.bus)
	w.tracker = presence.NewTracker(w.rdb, time.Second)

	return w
}

func (w *testWorld) meeting(host string, autoAdmit bool, lastActivity time.Time) *core.Meeting {
	m := &core.Meeting{
		ID:             "abc-defg-hij",
		Title:          "standup",
		HostID:         host,
		CreatedAt:      lastActivity,
		LastActivityAt: lastActivity,
		Status:         core.MeetingActive,
		AutoAdmit:      autoAdmit,
		MediaSettings:  core.MediaSettings{AudioOn: true, VideoOn: true},
	}
	require.Nil(w.t, w.meetings.Create(context.Background(), m))
	return m
}

type participant struct {
	*Orchestrator
	capturer  *stubCapturer
	navigator *recordingNavigator
}

func (w *testWorld) participant(guestName string) *participant {
	p := &participant{
		capturer:  newStubCapturer(w.t),
		navigator: &recordingNavigator{},
	}
	p.Orchestrator = NewOrchestrator(context.Background(), OrchestratorParams{
		Lifecycle:     w.lifecycle,
		Admissions:    w.desk,
		Privileges:    core.NewPrivilegeResolver([]string{"ops@example.com"}, rolesNone{}),
		Presence:      w.tracker,
		Signals:       w.exchange,
		Capturer:      p.capturer,
		NewTransport:  newStubTransport,
		Guests:        fixedName(guestName),
		Navigator:     p.navigator,
		RedirectDelay: 10 * time.Millisecond,
		GraceDelay:    10 * time.Millisecond,
	})
	w.t.Cleanup(p.Close)

	return p
}
