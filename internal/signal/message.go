package signal

import (
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
)

type Method string

const (
	OfferMethod        Method = "offer"
	AnswerMethod       Method = "answer"
	ICECandidateMethod Method = "iceCandidate"
)

// Payload is one of Offer, Answer or Candidate
type Payload interface {
	Method() Method
	isPayload()
}

type Offer struct {
	SDP string `json:"sdp"`
}

func (Offer) Method() Method { return OfferMethod }
func (Offer) isPayload()     {}

func (o Offer) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}
}

type Answer struct {
	SDP string `json:"sdp"`
}

func (Answer) Method() Method { return AnswerMethod }
func (Answer) isPayload()     {}

func (a Answer) Description() webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}
}

type Candidate struct {
	webrtc.ICECandidateInit
}

func (Candidate) Method() Method { return ICECandidateMethod }
func (Candidate) isPayload()     {}

// Message is a single signaling unit addressed from one participant to another.
// It is consumed exactly once by its recipient.
type Message struct {
	ID        uuid.UUID
	SessionID string
	From      string
	To        string
	SentAt    time.Time
	Payload   Payload
}
