package rtc

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/isqad/livelook-conf/internal/core"
	"github.com/isqad/livelook-conf/internal/signal"
	"github.com/isqad/livelook-conf/internal/telemetry"
)

var errManagerClosed = errors.New("peer manager closed")

type ManagerParams struct {
	SessionID    string
	SelfID       string
	Signals      signal.Sender
	NewTransport TransportFactory
}

// Manager owns the connections of one local participant, keyed by remote id.
// Presence and signal events are handled one at a time.
type Manager struct {
	mu sync.Mutex

	ctx          context.Context
	sessionID    string
	selfID       string
	signals      signal.Sender
	newTransport TransportFactory

	peers    map[string]*Peer
	orphans  *orphanQueue
	outbound map[webrtc.RTPCodecType]webrtc.TrackLocal
	closed   bool

	onRemoteTrack func(remoteID string, track *webrtc.TrackRemote)
	onPeerState   func(remoteID string, state PeerState)

	now    func() time.Time
	logger zerolog.Logger
}

// NewManager creates a manager whose background sends are bound to ctx
func NewManager(ctx context.Context, params ManagerParams) *Manager {
	return &Manager{
		ctx:          ctx,
		sessionID:    params.SessionID,
		selfID:       params.SelfID,
		signals:      params.Signals,
		newTransport: params.NewTransport,
		peers:        make(map[string]*Peer),
		orphans:      newOrphanQueue(orphanLimit, orphanWindow),
		outbound:     make(map[webrtc.RTPCodecType]webrtc.TrackLocal),
		now:          time.Now,
		logger: log.With().
			Str("service", "peer_manager").
			Str("session", params.SessionID).
			Str("self", params.SelfID).
			Logger(),
	}
}

func (m *Manager) OnRemoteTrack(f func(remoteID string, track *webrtc.TrackRemote)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteTrack = f
}

func (m *Manager) OnPeerStateChange(f func(remoteID string, state PeerState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onPeerState = f
}

// PeerJoined reacts to a presence join. Only the initiator of the pair opens
// the connection, the other side waits for the offer.
func (m *Manager) PeerJoined(ctx context.Context, remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || remoteID == m.selfID {
		return
	}

	if !IsInitiator(m.selfID, remoteID) {
		m.logger.Debug().Str("remote", remoteID).Msg("waiting for offer")
		return
	}

	peer, err := m.ensurePeerLocked(remoteID, true)
	if err != nil {
		m.failLocked(remoteID, "create", err)
		return
	}
	// redelivered join or a negotiation already under way
	if peer.state != PeerNew {
		return
	}

	offer, err := peer.transport.CreateOffer()
	if err != nil {
		m.failLocked(remoteID, "offer", err)
		return
	}
	m.setStateLocked(peer, PeerNegotiating)

	if err := m.signals.Send(ctx, m.sessionID, remoteID, &signal.Message{
		From:    m.selfID,
		Payload: signal.Offer{SDP: offer.SDP},
	}); err != nil {
		m.failLocked(remoteID, "send_offer", err)
	}
}

// PeerLeft closes the connection to remoteID and forgets everything about it
func (m *Manager) PeerLeft(remoteID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.orphans.drop(remoteID)
	if peer, ok := m.peers[remoteID]; ok {
		m.removeLocked(peer)
		m.logger.Debug().Str("remote", remoteID).Msg("peer left")
	}
}

// EnsurePeer returns the connection to remoteID, creating it when absent.
// Repeated calls leave exactly one connection.
func (m *Manager) EnsurePeer(remoteID string) (*Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.ensurePeerLocked(remoteID, IsInitiator(m.selfID, remoteID))
}

func (m *Manager) ensurePeerLocked(remoteID string, initiator bool) (*Peer, error) {
	if m.closed {
		return nil, errManagerClosed
	}
	if peer, ok := m.peers[remoteID]; ok {
		return peer, nil
	}

	transport, err := m.newTransport()
	if err != nil {
		return nil, err
	}

	peer := newPeer(remoteID, initiator, transport)
	if err := peer.attach(m.outbound); err != nil {
		_ = transport.Close()
		return nil, err
	}
	m.peers[remoteID] = peer
	telemetry.PeerAdded()
	m.wireLocked(peer)

	m.logger.Debug().Str("remote", remoteID).Bool("initiator", initiator).Msg("peer created")

	return peer, nil
}

// HandleSignal applies one message received from the signal exchange
func (m *Manager) HandleSignal(ctx context.Context, msg *signal.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed || msg.From == m.selfID {
		return
	}
	if msg.SessionID != "" && msg.SessionID != m.sessionID {
		return
	}

	switch payload := msg.Payload.(type) {
	case signal.Offer:
		m.handleOfferLocked(ctx, msg.From, payload)
	case signal.Answer:
		m.handleAnswerLocked(msg.From, payload)
	case signal.Candidate:
		m.handleCandidateLocked(msg.From, payload.ICECandidateInit)
	}
}

func (m *Manager) handleOfferLocked(ctx context.Context, from string, offer signal.Offer) {
	if peer, ok := m.peers[from]; ok {
		switch {
		case peer.Initiator:
			m.logger.Debug().Str("remote", from).Msg("offer ignored, connection exists")
			return
		case peer.state != PeerNew:
			// the offering side joined again, its old connection is gone
			m.logger.Info().Str("remote", from).Msg("fresh offer, replacing connection")
			m.removeLocked(peer)
		}
	}

	peer, err := m.ensurePeerLocked(from, false)
	if err != nil {
		m.failLocked(from, "create", err)
		return
	}

	if err := peer.transport.SetRemoteDescription(offer.Description()); err != nil {
		m.failLocked(from, "offer", err)
		return
	}

	// candidates that raced ahead of the offer
	for _, c := range m.orphans.take(from, m.now()) {
		m.applyCandidateLocked(peer, c)
	}

	answer, err := peer.transport.CreateAnswer()
	if err != nil {
		m.failLocked(from, "answer", err)
		return
	}
	m.setStateLocked(peer, PeerNegotiating)

	if err := m.signals.Send(ctx, m.sessionID, from, &signal.Message{
		From:    m.selfID,
		Payload: signal.Answer{SDP: answer.SDP},
	}); err != nil {
		m.failLocked(from, "send_answer", err)
	}
}

func (m *Manager) wireLocked(peer *Peer) {
	remoteID := peer.RemoteID
	peer.transport.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if err := m.signals.Send(m.ctx, m.sessionID, remoteID, &signal.Message{
			From:    m.selfID,
			Payload: signal.Candidate{ICECandidateInit: c},
		}); err != nil {
			m.logger.Warn().Err(err).Str("remote", remoteID).Msg("send candidate failed")
		}
	})
	peer.transport.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.handleConnectionState(peer, state)
	})
	peer.transport.OnTrack(func(track *webrtc.TrackRemote) {
		m.handleRemoteTrack(remoteID, track)
	})
}

func (m *Manager) handleAnswerLocked(from string, answer signal.Answer) {
	peer, ok := m.peers[from]
	if !ok || peer.transport.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		m.logger.Debug().Str("remote", from).Msg("answer ignored, not awaiting one")
		return
	}

	if err := peer.transport.SetRemoteDescription(answer.Description()); err != nil {
		m.failLocked(from, "answer", err)
		return
	}

	for _, c := range m.orphans.take(from, m.now()) {
		m.applyCandidateLocked(peer, c)
	}
}

func (m *Manager) handleCandidateLocked(from string, candidate webrtc.ICECandidateInit) {
	peer, ok := m.peers[from]
	if !ok {
		m.orphans.push(from, candidate, m.now())
		return
	}

	m.applyCandidateLocked(peer, candidate)
}

func (m *Manager) applyCandidateLocked(peer *Peer, candidate webrtc.ICECandidateInit) {
	if err := peer.transport.AddICECandidate(candidate); err != nil {
		if !errors.Is(err, core.ErrCandidateApplicationFailed) {
			err = fmt.Errorf("%w: %v", core.ErrCandidateApplicationFailed, err)
		}
		telemetry.ServiceOperationCounter.WithLabelValues("ice_candidate", "error", "apply").Inc()
		m.logger.Warn().Err(err).Str("remote", peer.RemoteID).Msg("")
	}
}

func (m *Manager) handleConnectionState(peer *Peer, state webrtc.PeerConnectionState) {
	m.mu.Lock()
	defer m.mu.Unlock()

	// a replaced or removed peer reports no more
	if current, ok := m.peers[peer.RemoteID]; !ok || current != peer {
		return
	}

	m.logger.Debug().Str("remote", peer.RemoteID).Str("state", state.String()).Msg("connection state changed")

	switch state {
	case webrtc.PeerConnectionStateConnected:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "success", "").Inc()
		m.setStateLocked(peer, PeerConnected)
	case webrtc.PeerConnectionStateFailed:
		telemetry.ServiceOperationCounter.WithLabelValues("ice_connection", "error", "state_failed").Inc()
		m.removeLocked(peer)
	}
}

func (m *Manager) handleRemoteTrack(remoteID string, track *webrtc.TrackRemote) {
	m.mu.Lock()
	f := m.onRemoteTrack
	m.mu.Unlock()

	if f != nil {
		f(remoteID, track)
		return
	}

	// nobody renders it, keep the receive path flowing
	go func() {
		buf := make([]byte, mtu)
		for {
			if _, _, err := track.Read(buf); err != nil {
				return
			}
		}
	}()
}

// failLocked abandons the connection to remoteID without touching other peers
func (m *Manager) failLocked(remoteID, stage string, err error) {
	m.countFailure(stage, err)
	if peer, ok := m.peers[remoteID]; ok {
		m.removeLocked(peer)
	}
	m.logger.Error().Err(fmt.Errorf("%w: %v", core.ErrNegotiationFailed, err)).Str("remote", remoteID).Str("stage", stage).Msg("peer abandoned")
}

func (m *Manager) countFailure(stage string, err error) {
	telemetry.ServiceOperationCounter.WithLabelValues("negotiation", "error", stage).Inc()
	m.logger.Debug().Err(err).Str("stage", stage).Msg("negotiation failure")
}

func (m *Manager) removeLocked(peer *Peer) {
	delete(m.peers, peer.RemoteID)
	peer.close()
	telemetry.PeerRemoved()
	m.notifyLocked(peer)
}

func (m *Manager) setStateLocked(peer *Peer, state PeerState) {
	if peer.state == state || peer.state == PeerClosed {
		return
	}
	peer.state = state
	m.notifyLocked(peer)
}

func (m *Manager) notifyLocked(peer *Peer) {
	if m.onPeerState != nil {
		go m.onPeerState(peer.RemoteID, peer.state)
	}
}

// ReplaceOutbound swaps the outbound track of kind on every connection
// without renegotiation. Connections created later start with it.
func (m *Manager) ReplaceOutbound(kind webrtc.RTPCodecType, track webrtc.TrackLocal) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.outbound[kind] = track

	for _, peer := range m.peers {
		sender, ok := peer.senders[kind]
		if !ok {
			m.logger.Warn().Str("remote", peer.RemoteID).Str("kind", kind.String()).Msg("no sender to replace")
			continue
		}
		if err := sender.ReplaceTrack(track); err != nil {
			m.logger.Error().Err(err).Str("remote", peer.RemoteID).Str("kind", kind.String()).Msg("replace track failed")
		}
	}
}

// Outbound returns the track currently sent for kind
func (m *Manager) Outbound(kind webrtc.RTPCodecType) webrtc.TrackLocal {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.outbound[kind]
}

func (m *Manager) PeerState(remoteID string) (PeerState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	peer, ok := m.peers[remoteID]
	if !ok {
		return PeerClosed, false
	}
	return peer.state, true
}

// Peers returns the remote ids with a live connection, sorted
func (m *Manager) Peers() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := make([]string, 0, len(m.peers))
	for id := range m.peers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	return ids
}

// Close tears down every connection. The manager accepts no events afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return
	}
	m.closed = true

	for _, peer := range m.peers {
		m.removeLocked(peer)
	}
	m.orphans = newOrphanQueue(orphanLimit, orphanWindow)
}
