package core

import (
	"github.com/goccy/go-json"

	"github.com/dkeye/tutorcall/internal/domain"
)

type EventType string

// Server-originated events.
const (
	EventWelcome      EventType = "welcome"
	EventAck          EventType = "ack"
	EventPong         EventType = "pong"
	EventIncomingCall EventType = "incoming_call"
	EventCallOffer    EventType = "call_offer"
	EventCallAccepted EventType = "call_accepted"
	EventCallRejected EventType = "call_rejected"
	EventCallAnswer   EventType = "call_answer"
	EventICECandidate EventType = "ice_candidate"
	EventCallFailed   EventType = "call_failed"
	EventCallTimeout  EventType = "call_timeout"
	EventCallEnded    EventType = "call_ended"
)

// Event is the flat wire shape of every server-originated message.
type Event struct {
	Type       EventType        `json:"type"`
	SessionID  domain.SessionID `json:"session_id,omitempty"`
	CallerID   domain.UserID    `json:"caller_id,omitempty"`
	CallerRole domain.Role      `json:"caller_role,omitempty"`
	Kind       domain.CallKind  `json:"kind,omitempty"`
	Offer      domain.Blob      `json:"offer,omitempty"`
	Answer     domain.Blob      `json:"answer,omitempty"`
	Candidate  domain.Blob      `json:"candidate,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

func (e Event) Encode() (Frame, error) {
	return json.Marshal(e)
}
