package domain

import (
	"encoding/json"
	"errors"
	"time"
)

type SessionID string

type CallKind string

const (
	CallAudio CallKind = "audio"
	CallVideo CallKind = "video"
)

var ErrUnknownCallKind = errors.New("unknown call kind")

func ParseCallKind(s string) (CallKind, error) {
	switch k := CallKind(s); k {
	case CallAudio, CallVideo:
		return k, nil
	case "":
		return CallVideo, nil
	}
	return "", ErrUnknownCallKind
}

type CallState string

const (
	StateInitiated CallState = "INITIATED"
	StateRinging   CallState = "RINGING"
	StateAccepted  CallState = "ACCEPTED"
	StateConnected CallState = "CONNECTED"

	StateRejected CallState = "REJECTED"
	StateFailed   CallState = "FAILED"
	StateTimeout  CallState = "TIMEOUT"
	StateEnded    CallState = "ENDED"
)

func (s CallState) Terminal() bool {
	switch s {
	case StateRejected, StateFailed, StateTimeout, StateEnded:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is an edge of the call state graph.
// A state may always stay where it is.
func (s CallState) CanTransition(to CallState) bool {
	if s == to {
		return true
	}
	if s.Terminal() {
		return false
	}
	if to.Terminal() {
		return true
	}
	switch s {
	case StateInitiated:
		return to == StateRinging
	case StateRinging:
		return to == StateAccepted
	case StateAccepted:
		return to == StateConnected
	}
	return false
}

// Blob is an opaque SDP or ICE payload relayed verbatim.
type Blob = json.RawMessage

// End reasons carried by terminal sessions.
const (
	ReasonHangup           = "hangup"
	ReasonRejected         = "rejected"
	ReasonPeerDisconnected = "peer_disconnected"
	ReasonNotConnected     = "not_connected"
	ReasonDeliveryTimeout  = "delivery_timeout"
	ReasonRingTimeout      = "ring_timeout"
	ReasonAnswerTimeout    = "answer_timeout"
)

// CallSession is one call negotiation attempt between two users.
type CallSession struct {
	ID           SessionID `json:"session_id"`
	Caller       UserID    `json:"caller_id"`
	Callee       UserID    `json:"callee_id"`
	Kind         CallKind  `json:"kind"`
	State        CallState `json:"state"`
	Reason       string    `json:"reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	EndedAt      time.Time `json:"ended_at"`
}

func (s CallSession) HasParticipant(u UserID) bool {
	return u != SystemActor && (u == s.Caller || u == s.Callee)
}

// Peer returns the other participant, or "" if u is not a participant.
func (s CallSession) Peer(u UserID) UserID {
	switch u {
	case s.Caller:
		return s.Callee
	case s.Callee:
		return s.Caller
	}
	return ""
}

// PairKey identifies the unordered pair {a, b}.
type PairKey struct{ Lo, Hi UserID }

func NewPairKey(a, b UserID) PairKey {
	if a > b {
		a, b = b, a
	}
	return PairKey{Lo: a, Hi: b}
}
