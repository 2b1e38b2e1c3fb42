package relay

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/crossview/crossview/pkg/input"
	pion "github.com/pion/webrtc/v3"
)

// Signaling envelope types. The set is closed: anything else is
// skipped with a log line, never an error back to the client.
const (
	TypeOffer     = "webrtc_offer"
	TypeAnswer    = "webrtc_answer"
	TypeCandidate = "webrtc_ice_candidate"
	TypeInput     = "input"
)

var (
	ErrUnknownType = errors.New("unknown message type")
	ErrMalformed   = errors.New("malformed message")
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type sdpPayload struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type offerPayload struct {
	Offer sdpPayload `json:"offer"`
}

// Message is a fully validated inbound envelope. Exactly one of the
// typed fields is set, selected by Type.
type Message struct {
	Type      string
	Offer     pion.SessionDescription
	Candidate pion.ICECandidateInit
	Input     input.Event
}

// Parse validates an inbound envelope at the channel boundary so
// downstream code never probes loose JSON.
func Parse(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg := Message{Type: env.Type}
	switch env.Type {
	case TypeOffer:
		var p offerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return Message{}, fmt.Errorf("%w: offer: %v", ErrMalformed, err)
		}
		if p.Offer.SDP == "" {
			return Message{}, fmt.Errorf("%w: offer without sdp", ErrMalformed)
		}
		msg.Offer = pion.SessionDescription{SDP: p.Offer.SDP, Type: pion.NewSDPType(p.Offer.Type)}
	case TypeCandidate:
		if err := json.Unmarshal(env.Data, &msg.Candidate); err != nil {
			return Message{}, fmt.Errorf("%w: candidate: %v", ErrMalformed, err)
		}
		if msg.Candidate.Candidate == "" {
			return Message{}, fmt.Errorf("%w: empty candidate", ErrMalformed)
		}
	case TypeInput:
		if err := json.Unmarshal(env.Data, &msg.Input); err != nil {
			return Message{}, fmt.Errorf("%w: input: %v", ErrMalformed, err)
		}
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
	return msg, nil
}

func EncodeAnswer(answer pion.SessionDescription) []byte {
	return encode(TypeAnswer, sdpPayload{SDP: answer.SDP, Type: answer.Type.String()})
}

func EncodeCandidate(c pion.ICECandidateInit) []byte {
	return encode(TypeCandidate, c)
}

func encode(kind string, data any) []byte {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	out, err := json.Marshal(envelope{Type: kind, Data: raw})
	if err != nil {
		return nil
	}
	return out
}
