package signaling

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"
)

// Kind discriminates the signal payload shape on the wire.
type Kind string

const (
	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindChat      Kind = "chat"
)

// DescriptionPayload carries a session description for offer and answer
// signals. The wire shape is {"sdp": <session-description-object>}.
type DescriptionPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

// CandidatePayload carries one trickled ICE candidate. The wire shape is
// {"candidate": <ice-candidate-object>}.
type CandidatePayload struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

// ChatMessage is both the chat signal payload and the message held in local
// session state; the full object travels on the wire.
type ChatMessage struct {
	ID          string    `json:"id"`
	FromPeerID  string    `json:"fromPeerId"`
	FromUserID  string    `json:"fromUserId"`
	DisplayName string    `json:"displayName"`
	Text        string    `json:"text"`
	SentAt      time.Time `json:"sentAt"`
}

// EncodePayload serializes a payload value to the signal row's string form.
func EncodePayload(payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("error encoding signal payload: %w", err)
	}
	return string(data), nil
}

// DecodePayload is the single deserialization boundary for inbound signals.
// It returns *DescriptionPayload, *CandidatePayload or *ChatMessage depending
// on kind. Some backends normalize payloads into a doubly-encoded JSON
// string; both representations are accepted here so call sites never re-parse.
func DecodePayload(kind Kind, raw string) (any, error) {
	data := []byte(raw)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return nil, fmt.Errorf("error unwrapping %s payload: %w", kind, err)
		}
		data = []byte(inner)
	}

	switch kind {
	case KindOffer, KindAnswer:
		var p DescriptionPayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("error decoding %s payload: %w", kind, err)
		}
		return &p, nil
	case KindCandidate:
		var p CandidatePayload
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("error decoding candidate payload: %w", err)
		}
		return &p, nil
	case KindChat:
		var p ChatMessage
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, fmt.Errorf("error decoding chat payload: %w", err)
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown signal kind %q", kind)
	}
}
