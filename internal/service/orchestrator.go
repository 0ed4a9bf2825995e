package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/eventbus"
	"github.com/isqad/livelook-conf/internal/presence"
	"github.com/isqad/livelook-conf/internal/rtc"
	"github.com/isqad/livelook-conf/internal/signal"
	"github.com/isqad/livelook-conf/internal/telemetry"
)

const (
	DefaultRedirectDelay = 3 * time.Second
	DefaultGraceDelay    = 3 * time.Second
)

var (
	errAdmissionDenied = errors.New("admission denied")
	errAlreadyInCall   = errors.New("already in another meeting")
)

type JoinStatus string

const (
	JoinAdmitted JoinStatus = "admitted"
	JoinPending  JoinStatus = "pendingApproval"
	JoinRejected JoinStatus = "rejected"
)

type JoinResult struct {
	Status JoinStatus
	Reason string
	Err    error
}

func admitted() JoinResult {
	return JoinResult{Status: JoinAdmitted}
}

// GuestPrompt asks an unidentified caller for a display name. It blocks
// until the caller answers or ctx is done.
type GuestPrompt interface {
	DisplayName(ctx context.Context) (string, error)
}

// Navigator is the surface the participant sees
type Navigator interface {
	ShowMessage(message string)
	RedirectHome()
}

type PrivilegeResolver interface {
	Resolve(ctx context.Context, identity *core.Identity, meeting *core.Meeting) (core.Privilege, error)
}

type SignalExchange interface {
	signal.Sender
	Subscribe(ctx context.Context, sessionID, myID string, handler signal.Handler) (*signal.Subscription, error)
}

type OrchestratorParams struct {
	Lifecycle    *Lifecycle
	Admissions   *Admissions
	Privileges   PrivilegeResolver
	Presence     *presence.Tracker
	Signals      SignalExchange
	Capturer     rtc.Capturer
	NewTransport rtc.TransportFactory
	Guests       GuestPrompt
	Navigator    Navigator

	RedirectDelay time.Duration
	GraceDelay    time.Duration
}

type pendingAdmission struct {
	meeting  *core.Meeting
	identity *core.Identity
	sub      *eventbus.Subscription
}

// Orchestrator drives one participant through joining, living in and
// leaving a meeting
type Orchestrator struct {
	ctx context.Context
	OrchestratorParams

	// admitMu serializes admissions coming from a join and from an approval push
	admitMu sync.Mutex

	mu        sync.Mutex
	call      *Call
	pending   *pendingAdmission
	onEnded   []func(reason string)
	onAdmit   []func(call *Call)
	redirects []*time.Timer
}

func NewOrchestrator(ctx context.Context, params OrchestratorParams) *Orchestrator {
	if params.RedirectDelay <= 0 {
		params.RedirectDelay = DefaultRedirectDelay
	}
	if params.GraceDelay <= 0 {
		params.GraceDelay = DefaultGraceDelay
	}

	return &Orchestrator{
		ctx:                ctx,
		OrchestratorParams: params,
	}
}

func (o *Orchestrator) OnSessionEnded(f func(reason string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onEnded = append(o.onEnded, f)
}

// OnAdmitted fires each time the participant gets into a call, including
// admissions that arrive later as a host approval
func (o *Orchestrator) OnAdmitted(f func(call *Call)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onAdmit = append(o.onAdmit, f)
}

// Call returns the active call or nil
func (o *Orchestrator) Call() *Call {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.call
}

func (o *Orchestrator) logger(meetingID string) *zerolog.Logger {
	logger := log.With().Str("service", "orchestrator").Str("meeting", meetingID).Logger()
	return &logger
}

// JoinSession walks caller into meetingID. A nil caller is asked for a
// display name first and joins as a guest.
func (o *Orchestrator) JoinSession(ctx context.Context, meetingID string, caller *core.Identity) JoinResult {
	logger := o.logger(meetingID)

	if caller == nil {
		name, err := o.Guests.DisplayName(ctx)
		if err != nil {
			return JoinResult{Status: JoinRejected, Reason: "no display name given", Err: err}
		}
		caller = core.NewGuestIdentity(name)
	}

	o.mu.Lock()
	if o.call != nil {
		sameMeeting := o.call.Meeting.ID == meetingID
		o.mu.Unlock()
		if sameMeeting {
			return admitted()
		}
		return JoinResult{Status: JoinRejected, Reason: "Leave the current meeting first", Err: errAlreadyInCall}
	}
	o.mu.Unlock()

	// lazy inactivity expiry happens inside Load
	meeting, err := o.Lifecycle.Load(ctx, meetingID)
	if err != nil {
		if errors.Is(err, core.ErrSessionNotFound) {
			return o.reject(meetingID, "This meeting does not exist", err)
		}
		return o.reject(meetingID, "Could not load the meeting", err)
	}

	privilege, err := o.Privileges.Resolve(ctx, caller, meeting)
	if err != nil {
		logger.Warn().Err(err).Str("caller", caller.ID).Msg("role lookup failed, treating as unprivileged")
		privilege = core.PrivilegeNone
	}

	if meeting.IsEnded() {
		return o.reject(meetingID, meeting.Reason(), core.ErrSessionEnded)
	}

	if err := o.Lifecycle.Touch(ctx, meetingID); err != nil {
		logger.Warn().Err(err).Msg("join touch failed")
	}

	if !privilege.IsPrivileged() && !meeting.AutoAdmit {
		ok, err := o.Admissions.Approved(ctx, meetingID, caller.ID)
		if err != nil {
			return o.reject(meetingID, "Could not check admission", err)
		}
		if !ok {
			return o.requestAdmission(ctx, meeting, caller)
		}
	}

	return o.admit(ctx, meeting, caller, privilege)
}

func (o *Orchestrator) requestAdmission(ctx context.Context, meeting *core.Meeting, caller *core.Identity) JoinResult {
	o.mu.Lock()
	if o.pending != nil && o.pending.meeting.ID == meeting.ID {
		o.mu.Unlock()
		return JoinResult{Status: JoinPending}
	}
	o.mu.Unlock()

	sub, err := o.Admissions.Subscribe(meeting.ID, caller.ID, func(req *core.AdmissionRequest) {
		o.handleAdmission(meeting, caller, req)
	})
	if err != nil {
		return o.reject(meeting.ID, "Could not request admission", err)
	}

	// pending before the request exists, a resolution can be pushed right after it
	pending := &pendingAdmission{meeting: meeting, identity: caller, sub: sub}
	o.mu.Lock()
	o.pending = pending
	o.mu.Unlock()

	req, err := o.Admissions.Request(ctx, meeting.ID, caller)
	if err != nil {
		o.dropPending(pending)
		return o.reject(meeting.ID, "Could not request admission", err)
	}

	// approved between the check and the request
	if req.IsApproved() {
		return o.admit(ctx, meeting, caller, core.PrivilegeNone)
	}
	// the pushed approval already got us in
	if o.Call() != nil {
		return admitted()
	}

	o.Navigator.ShowMessage("Asking to join...")
	telemetry.ServiceOperationCounter.WithLabelValues("join", "pending", "").Inc()

	return JoinResult{Status: JoinPending}
}

func (o *Orchestrator) dropPending(pending *pendingAdmission) {
	o.mu.Lock()
	if o.pending == pending {
		o.pending = nil
	}
	o.mu.Unlock()
	_ = pending.sub.Close()
}

// handleAdmission runs on the push of a resolved request
func (o *Orchestrator) handleAdmission(meeting *core.Meeting, caller *core.Identity, req *core.AdmissionRequest) {
	if !req.IsResolved() {
		return
	}

	o.mu.Lock()
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	if pending == nil {
		return
	}
	_ = pending.sub.Close()

	if !req.IsApproved() {
		o.reject(meeting.ID, "Your request to join was declined", errAdmissionDenied)
		return
	}

	// the meeting may have ended while waiting
	current, err := o.Lifecycle.Load(o.ctx, meeting.ID)
	if err != nil {
		o.reject(meeting.ID, "Could not load the meeting", err)
		return
	}
	if current.IsEnded() {
		o.reject(meeting.ID, current.Reason(), core.ErrSessionEnded)
		return
	}

	o.admit(o.ctx, current, caller, core.PrivilegeNone)
}

// admit builds the call: local media, signaling, presence and lifecycle watch
func (o *Orchestrator) admit(ctx context.Context, meeting *core.Meeting, caller *core.Identity, privilege core.Privilege) JoinResult {
	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	o.mu.Lock()
	if o.call != nil {
		o.mu.Unlock()
		return admitted()
	}
	pending := o.pending
	o.pending = nil
	o.mu.Unlock()

	if pending != nil {
		_ = pending.sub.Close()
	}

	logger := o.logger(meeting.ID).With().Str("participant", caller.ID).Logger()

	media, err := o.Capturer.Acquire(ctx, meeting.MediaSettings)
	if err != nil {
		return o.reject(meeting.ID, "Could not access camera or microphone", err)
	}

	callCtx, cancel := context.WithCancel(o.ctx)
	call := &Call{
		Meeting:       meeting,
		Identity:      caller,
		Privilege:     privilege,
		ctx:           callCtx,
		cancel:        cancel,
		media:         media,
		micEnabled:    meeting.AudioOn,
		cameraEnabled: meeting.VideoOn,
		manager: rtc.NewManager(callCtx, rtc.ManagerParams{
			SessionID:    meeting.ID,
			SelfID:       caller.ID,
			Signals:      o.Signals,
			NewTransport: o.NewTransport,
		}),
	}
	telemetry.CallStarted()

	call.manager.ReplaceOutbound(webrtc.RTPCodecTypeAudio, media.Audio)
	call.manager.ReplaceOutbound(webrtc.RTPCodecTypeVideo, media.Video)
	o.Capturer.SetTrackEnabled(webrtc.RTPCodecTypeAudio, meeting.AudioOn)
	o.Capturer.SetTrackEnabled(webrtc.RTPCodecTypeVideo, meeting.VideoOn)

	fail := func(reason string, err error) JoinResult {
		call.close(context.Background(), o.Capturer)
		return o.reject(meeting.ID, reason, err)
	}

	if call.signals, err = o.Signals.Subscribe(callCtx, meeting.ID, caller.ID, call.manager.HandleSignal); err != nil {
		return fail("Could not connect to the meeting", fmt.Errorf("%w: %v", core.ErrPresenceUnavailable, err))
	}

	call.observer, err = o.Presence.Observe(callCtx, meeting.ID, caller.ID,
		func(rec presence.Record) { call.manager.PeerJoined(callCtx, rec.ParticipantID) },
		call.manager.PeerLeft,
	)
	if err != nil {
		return fail("Could not connect to the meeting", err)
	}

	if call.membership, err = o.Presence.Join(callCtx, meeting.ID, caller.ID, caller.DisplayName); err != nil {
		return fail("Could not connect to the meeting", err)
	}

	if call.watch, err = o.Lifecycle.Watch(callCtx, meeting.ID, func(reason string) {
		o.callEnded(call, reason)
	}); err != nil {
		return fail("Could not connect to the meeting", err)
	}

	if privilege.IsPrivileged() {
		call.stopHeartbeat = o.Lifecycle.StartHeartbeat(callCtx, meeting.ID)
	}

	o.mu.Lock()
	if call.endReason != "" {
		reason := call.endReason
		o.mu.Unlock()
		return fail(reason, core.ErrSessionEnded)
	}
	o.call = call
	callbacks := append([]func(*Call){}, o.onAdmit...)
	o.mu.Unlock()

	logger.Info().Str("privilege", privilege.String()).Msg("admitted")
	telemetry.ServiceOperationCounter.WithLabelValues("join", "success", "").Inc()

	for _, f := range callbacks {
		f(call)
	}

	return admitted()
}

// reject tells the participant why and sends them away after the redirect delay
func (o *Orchestrator) reject(meetingID, reason string, err error) JoinResult {
	o.logger(meetingID).Warn().Err(err).Str("reason", reason).Msg("join rejected")
	telemetry.ServiceOperationCounter.WithLabelValues("join", "error", errorType(err)).Inc()

	o.Navigator.ShowMessage(reason)
	o.redirectAfter(o.RedirectDelay)

	return JoinResult{Status: JoinRejected, Reason: reason, Err: err}
}

func (o *Orchestrator) redirectAfter(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.redirects = append(o.redirects, time.AfterFunc(d, o.Navigator.RedirectHome))
}

func errorType(err error) string {
	switch {
	case errors.Is(err, core.ErrSessionNotFound):
		return "not_found"
	case errors.Is(err, core.ErrSessionEnded):
		return "ended"
	case errors.Is(err, core.ErrPresenceUnavailable):
		return "presence"
	case errors.Is(err, errAdmissionDenied):
		return "denied"
	}
	return "other"
}

// callEnded tears call down once its meeting record shows ended
func (o *Orchestrator) callEnded(call *Call, reason string) {
	o.mu.Lock()
	if o.call != call {
		// admit is still wiring the call up and will back out
		call.endReason = reason
		o.mu.Unlock()
		return
	}
	o.call = nil
	callbacks := append([]func(string){}, o.onEnded...)
	o.mu.Unlock()

	o.logger(call.Meeting.ID).Info().Str("reason", reason).Msg("meeting ended")
	call.close(context.Background(), o.Capturer)

	o.Navigator.ShowMessage(reason)
	for _, f := range callbacks {
		f(reason)
	}
	o.redirectAfter(o.GraceDelay)
}

func (o *Orchestrator) activeCall() (*Call, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.call == nil {
		return nil, core.ErrNotInSession
	}
	return o.call, nil
}

func (o *Orchestrator) ToggleMic(enabled bool) error {
	call, err := o.activeCall()
	if err != nil {
		return err
	}

	call.mu.Lock()
	defer call.mu.Unlock()

	call.micEnabled = enabled
	o.Capturer.SetTrackEnabled(webrtc.RTPCodecTypeAudio, enabled)
	if call.share != nil && call.share.mixer != nil {
		call.share.mixer.SetMuted(!enabled)
	}

	return nil
}

func (o *Orchestrator) ToggleCamera(enabled bool) error {
	call, err := o.activeCall()
	if err != nil {
		return err
	}

	call.mu.Lock()
	defer call.mu.Unlock()

	call.cameraEnabled = enabled
	o.Capturer.SetTrackEnabled(webrtc.RTPCodecTypeVideo, enabled)

	return nil
}

// StartScreenShare swaps the outbound video for the screen on every peer. When
// the screen carries system audio it is mixed with the microphone. A nil share
// means the user cancelled.
func (o *Orchestrator) StartScreenShare(ctx context.Context) (*rtc.ScreenShare, error) {
	call, err := o.activeCall()
	if err != nil {
		return nil, err
	}

	call.mu.Lock()
	if call.share != nil {
		share := call.share.share
		call.mu.Unlock()
		return share, nil
	}
	call.mu.Unlock()

	share, err := o.Capturer.CaptureScreen(ctx)
	if err != nil || share == nil {
		return nil, err
	}

	call.mu.Lock()
	defer call.mu.Unlock()

	state := &screenShare{share: share}
	call.manager.ReplaceOutbound(webrtc.RTPCodecTypeVideo, share.Video)

	if share.HasAudio() && call.media.Mic != nil {
		if err := o.startMix(call, state); err != nil {
			o.logger(call.Meeting.ID).Warn().Err(err).Msg("sharing without system audio")
		}
	}
	call.share = state

	return share, nil
}

func (o *Orchestrator) startMix(call *Call, state *screenShare) error {
	target, err := o.Capturer.NewMixTarget()
	if err != nil {
		return err
	}

	mixer := rtc.NewMixer(call.media.Mic, state.share.SystemAudio, target, target.FrameSize())
	mixer.SetMuted(!call.micEnabled)

	ctx, cancel := context.WithCancel(call.ctx)
	state.mixer = mixer
	state.target = target
	state.cancel = cancel
	state.done = make(chan struct{})

	go func() {
		defer close(state.done)
		if err := mixer.Run(ctx); err != nil {
			o.logger(call.Meeting.ID).Error().Err(err).Msg("mixer stopped")
		}
	}()

	call.manager.ReplaceOutbound(webrtc.RTPCodecTypeAudio, target.Track())

	return nil
}

// StopScreenShare restores the camera and the unmixed microphone
func (o *Orchestrator) StopScreenShare() error {
	call, err := o.activeCall()
	if err != nil {
		return err
	}

	call.mu.Lock()
	defer call.mu.Unlock()
	call.stopShareLocked()

	return nil
}

func (o *Orchestrator) LeaveSession(ctx context.Context) error {
	o.mu.Lock()
	call := o.call
	pending := o.pending
	o.call = nil
	o.pending = nil
	o.mu.Unlock()

	if pending != nil {
		_ = pending.sub.Close()
	}
	if call == nil {
		if pending != nil {
			return nil
		}
		return core.ErrNotInSession
	}

	call.close(ctx, o.Capturer)

	return nil
}

// EndSession terminates the meeting for everyone. Only privileged callers may.
func (o *Orchestrator) EndSession(ctx context.Context, reason string) error {
	call, err := o.activeCall()
	if err != nil {
		return err
	}

	if err := o.Lifecycle.End(ctx, call.Meeting.ID, call.Privilege, reason); err != nil {
		return err
	}

	if reason == "" {
		reason = core.DefaultEndReason
	}
	o.callEnded(call, reason)

	return nil
}

func (o *Orchestrator) ApproveAdmission(ctx context.Context, userID string, approve bool) error {
	call, err := o.activeCall()
	if err != nil {
		return err
	}

	_, err = o.Admissions.Resolve(ctx, call.Meeting.ID, userID, call.Privilege, call.Identity.ID, approve)
	return err
}

func (o *Orchestrator) PendingAdmissions(ctx context.Context) ([]*core.AdmissionRequest, error) {
	call, err := o.activeCall()
	if err != nil {
		return nil, err
	}

	return o.Admissions.Pending(ctx, call.Meeting.ID, call.Privilege)
}

// Close leaves any call and cancels pending redirects
func (o *Orchestrator) Close() {
	_ = o.LeaveSession(context.Background())

	o.mu.Lock()
	defer o.mu.Unlock()
	for _, t := range o.redirects {
		t.Stop()
	}
	o.redirects = nil
}
