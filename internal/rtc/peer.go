package rtc

import (
	"github.com/pion/webrtc/v3"
)

type PeerState int

const (
	PeerNew PeerState = iota
	PeerNegotiating
	PeerConnected
	PeerClosed
)

func (s PeerState) String() string {
	switch s {
	case PeerNew:
		return "new"
	case PeerNegotiating:
		return "negotiating"
	case PeerConnected:
		return "connected"
	case PeerClosed:
		return "closed"
	}
	return "unknown"
}

// IsInitiator reports whether self opens the connection to remote. Of any
// two participants only the lexicographically smaller id sends an offer.
func IsInitiator(self, remote string) bool {
	return self < remote
}

// outboundKinds fixes the order tracks are attached in
var outboundKinds = []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo}

// Peer is the connection to one remote participant
type Peer struct {
	RemoteID  string
	Initiator bool

	transport Transport
	senders   map[webrtc.RTPCodecType]TrackSender
	state     PeerState
}

func newPeer(remoteID string, initiator bool, transport Transport) *Peer {
	return &Peer{
		RemoteID:  remoteID,
		Initiator: initiator,
		transport: transport,
		senders:   make(map[webrtc.RTPCodecType]TrackSender),
		state:     PeerNew,
	}
}

func (p *Peer) attach(outbound map[webrtc.RTPCodecType]webrtc.TrackLocal) error {
	for _, kind := range outboundKinds {
		track, ok := outbound[kind]
		if !ok || track == nil {
			continue
		}
		sender, err := p.transport.AddTrack(track)
		if err != nil {
			return err
		}
		p.senders[kind] = sender
	}

	return nil
}

func (p *Peer) close() {
	if p.state == PeerClosed {
		return
	}
	p.state = PeerClosed
	_ = p.transport.Close()
}
