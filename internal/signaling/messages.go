package signaling

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

type messageType string

// Client to server.
const (
	messageTypeAuth      messageType = "auth"
	messageTypeJoin      messageType = "join"
	messageTypeLeave     messageType = "leave"
	messageTypeOffer     messageType = "offer"
	messageTypeAnswer    messageType = "answer"
	messageTypeCandidate messageType = "candidate"
)

// Server to client. Offer/answer/candidate are reused for forwarded
// negotiation messages, with From stamped by the relay.
const (
	messageTypeJoined     messageType = "joined"
	messageTypePeerJoined messageType = "peer-joined"
	messageTypePeerLeft   messageType = "peer-left"
	messageTypeError      messageType = "error"
)

// signalMessage is the single wire envelope for both directions. Payload is
// opaque to the relay; offers, answers and candidates pass through untouched.
type signalMessage struct {
	Type messageType `json:"type"`

	// Room is the session token for join.
	Room string `json:"room,omitempty"`

	// Target addresses a specific room member for offer/answer/candidate.
	// Empty means broadcast to every other member.
	Target string `json:"target,omitempty"`

	// From is stamped by the relay on forwarded negotiation messages and on
	// peer-joined/peer-left notifications (as Peer).
	From string `json:"from,omitempty"`

	// Peer carries the subject peer ID for joined/peer-joined/peer-left.
	Peer string `json:"peer,omitempty"`

	// Peers lists the members already present, sent with joined.
	Peers []string `json:"peers,omitempty"`

	Payload json.RawMessage `json:"payload,omitempty"`

	// Credentials for auth.
	APIKey string `json:"apiKey,omitempty"`
	Token  string `json:"token,omitempty"`

	// Error details.
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// parseSignalMessage strictly decodes a client frame: unknown fields and
// trailing data are rejected, and each message type allows only its own
// fields.
func parseSignalMessage(data []byte) (signalMessage, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg signalMessage
	if err := dec.Decode(&msg); err != nil {
		return signalMessage{}, err
	}
	if err := msg.validateInbound(); err != nil {
		return signalMessage{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return signalMessage{}, fmt.Errorf("unexpected trailing data")
	}
	return msg, nil
}

func (m signalMessage) validateInbound() error {
	// Server-assigned fields are never accepted from clients.
	if m.From != "" || m.Peer != "" || len(m.Peers) != 0 || m.Code != "" || m.Message != "" {
		return fmt.Errorf("%s message has server-assigned fields", m.Type)
	}

	switch m.Type {
	case messageTypeAuth:
		if m.APIKey == "" && m.Token == "" {
			return fmt.Errorf("auth message missing apiKey/token")
		}
		if m.Room != "" || m.Target != "" || m.Payload != nil {
			return fmt.Errorf("auth message has unexpected fields")
		}
	case messageTypeJoin:
		if m.Room == "" {
			return fmt.Errorf("join message missing room")
		}
		if m.Target != "" || m.Payload != nil || m.APIKey != "" || m.Token != "" {
			return fmt.Errorf("join message has unexpected fields")
		}
	case messageTypeLeave:
		if m.Room != "" || m.Target != "" || m.Payload != nil || m.APIKey != "" || m.Token != "" {
			return fmt.Errorf("leave message has unexpected fields")
		}
	case messageTypeOffer, messageTypeAnswer, messageTypeCandidate:
		if len(m.Payload) == 0 {
			return fmt.Errorf("%s message missing payload", m.Type)
		}
		if m.Room != "" || m.APIKey != "" || m.Token != "" {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}
	return nil
}
