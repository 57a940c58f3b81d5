// Package signaling carries call negotiation messages between two peers over
// a relayed publish/subscribe channel addressed by username topics. It holds
// the wire message, the transport contract the call core consumes, an
// in-process broker, and the WebSocket client and relay server.
package signaling

import (
	"fmt"
)

// MessageType identifies the kind of signaling message.
type MessageType string

const (
	TypeJoin      MessageType = "join"
	TypeLeave     MessageType = "leave"
	TypeOffer     MessageType = "offer"
	TypeAnswer    MessageType = "answer"
	TypeCandidate MessageType = "candidate"
)

// Valid reports whether t is one of the known message types.
func (t MessageType) Valid() bool {
	switch t {
	case TypeJoin, TypeLeave, TypeOffer, TypeAnswer, TypeCandidate:
		return true
	}
	return false
}

// Message is the unit exchanged over the signaling transport. SDP is set
// only for offers and answers; Candidate, SDPMid and SDPMLineIndex only for
// candidates.
type Message struct {
	Type          MessageType `json:"type"`
	From          string      `json:"from"`
	To            string      `json:"to"`
	SessionID     string      `json:"sessionId"`
	SDP           string      `json:"sdp,omitempty"`
	Candidate     string      `json:"candidate,omitempty"`
	SDPMid        *string     `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16     `json:"sdpMLineIndex,omitempty"`

	// ICERestart marks an offer created with the ICE-restart flag, which the
	// receiver applies even though it already holds a remote offer.
	ICERestart bool `json:"iceRestart,omitempty"`
}

// Validate checks the per-type field invariants.
func (m Message) Validate() error {
	if !m.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, m.Type)
	}
	if m.From == "" || m.To == "" {
		return fmt.Errorf("%w: %s without from/to", ErrInvalidMessage, m.Type)
	}
	switch m.Type {
	case TypeOffer, TypeAnswer:
		if m.SDP == "" {
			return fmt.Errorf("%w: %s without sdp", ErrInvalidMessage, m.Type)
		}
	case TypeCandidate:
		if m.Candidate == "" {
			return fmt.Errorf("%w: candidate without candidate line", ErrInvalidMessage)
		}
	}
	return nil
}

// String renders a compact description for logs. SDP bodies are omitted.
func (m Message) String() string {
	return fmt.Sprintf("%s %s→%s session=%s", m.Type, m.From, m.To, m.SessionID)
}
