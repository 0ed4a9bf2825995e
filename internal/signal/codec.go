package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
)

const jsonRpcVersion = "2.0"

var (
	ErrUnknownMethod    = errors.New("unknown signal method")
	ErrMalformedMessage = errors.New("malformed signal message")
)

type jsonRpcHead struct {
	Version string `json:"jsonrpc"`
	Method  Method `json:"method"`
	ID      string `json:"id"`
}

type envelope struct {
	SessionID string    `json:"session_id"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	SentAt    time.Time `json:"sent_at"`
}

type outgoingParams struct {
	envelope
	Payload Payload `json:"payload"`
}

type incomingParams struct {
	envelope
	Payload json.RawMessage `json:"payload"`
}

type outgoingRpc struct {
	jsonRpcHead
	Params outgoingParams `json:"params"`
}

type incomingRpc struct {
	jsonRpcHead
	Params incomingParams `json:"params"`
}

// Encode renders msg as a JSON-RPC notification whose method names the payload variant
func Encode(msg *Message) ([]byte, error) {
	if msg == nil || msg.Payload == nil {
		return nil, ErrMalformedMessage
	}

	return json.Marshal(outgoingRpc{
		jsonRpcHead: jsonRpcHead{
			Version: jsonRpcVersion,
			Method:  msg.Payload.Method(),
			ID:      msg.ID.String(),
		},
		Params: outgoingParams{
			envelope: envelope{
				SessionID: msg.SessionID,
				From:      msg.From,
				To:        msg.To,
				SentAt:    msg.SentAt,
			},
			Payload: msg.Payload,
		},
	})
}

func Decode(reader io.Reader) (*Message, error) {
	rpc := &incomingRpc{}
	if err := json.NewDecoder(reader).Decode(rpc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if rpc.Version != jsonRpcVersion {
		return nil, fmt.Errorf("%w: jsonrpc version %q", ErrMalformedMessage, rpc.Version)
	}

	id, err := uuid.Parse(rpc.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: id: %v", ErrMalformedMessage, err)
	}

	if rpc.Params.From == "" || rpc.Params.To == "" {
		return nil, fmt.Errorf("%w: missing addressing", ErrMalformedMessage)
	}

	payload, err := decodePayload(rpc.Method, rpc.Params.Payload)
	if err != nil {
		return nil, err
	}

	return &Message{
		ID:        id,
		SessionID: rpc.Params.SessionID,
		From:      rpc.Params.From,
		To:        rpc.Params.To,
		SentAt:    rpc.Params.SentAt,
		Payload:   payload,
	}, nil
}

func decodePayload(method Method, raw json.RawMessage) (Payload, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrMalformedMessage)
	}

	switch method {
	case OfferMethod:
		p := Offer{}
		if err := json.Unmarshal(raw, &p); err != nil || p.SDP == "" {
			return nil, fmt.Errorf("%w: offer", ErrMalformedMessage)
		}
		return p, nil
	case AnswerMethod:
		p := Answer{}
		if err := json.Unmarshal(raw, &p); err != nil || p.SDP == "" {
			return nil, fmt.Errorf("%w: answer", ErrMalformedMessage)
		}
		return p, nil
	case ICECandidateMethod:
		p := Candidate{}
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("%w: candidate", ErrMalformedMessage)
		}
		return p, nil
	default:
		return nil, ErrUnknownMethod
	}
}
