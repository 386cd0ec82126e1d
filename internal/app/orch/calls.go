package orch

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/tutorcall/internal/app"
	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
)

var (
	liveStates   = []domain.CallState{domain.StateInitiated, domain.StateRinging, domain.StateAccepted, domain.StateConnected}
	iceStates    = []domain.CallState{domain.StateRinging, domain.StateAccepted, domain.StateConnected}
	ringing      = []domain.CallState{domain.StateRinging}
	acceptedOnly = []domain.CallState{domain.StateAccepted}
)

// CallUser opens a session from caller to callee and rings the callee.
// An offline callee gets no session: the caller receives call_failed and
// ErrNotConnected.
func (o *Orchestrator) CallUser(ctx context.Context, caller domain.Identity, callee domain.UserID, kind domain.CallKind, offer domain.Blob) (domain.CallSession, error) {
	if caller.UserID == callee {
		return domain.CallSession{}, ErrSelfCall
	}
	target, ok := o.Registry.Lookup(callee)
	if !ok {
		o.notify(ctx, caller.UserID, core.Event{
			Type:   core.EventCallFailed,
			Reason: domain.ReasonNotConnected,
		})
		return domain.CallSession{}, app.ErrNotConnected
	}
	if o.Policy != nil && !o.Policy.Allow(caller, target.Identity()) {
		log.Info().
			Str("module", "orch").
			Str("caller", string(caller.UserID)).
			Str("callee", string(callee)).
			Msg("call refused by policy")
		return domain.CallSession{}, ErrForbidden
	}

	sess, err := o.Calls.Create(caller.UserID, callee, kind)
	if err != nil {
		return sess, err
	}
	return o.relay(ctx, caller.UserID, sess.ID, relayStep{
		from:   callerOnly,
		states: []domain.CallState{domain.StateInitiated},
		next:   domain.StateRinging,
		event: func(s domain.CallSession) core.Event {
			return core.Event{
				Type:       core.EventIncomingCall,
				SessionID:  s.ID,
				CallerID:   caller.UserID,
				CallerRole: caller.Role,
				Kind:       s.Kind,
				Offer:      offer,
			}
		},
	})
}

// RelayOffer forwards a (re)offer from the caller while the callee is ringing.
func (o *Orchestrator) RelayOffer(ctx context.Context, actor domain.UserID, id domain.SessionID, offer domain.Blob) (domain.CallSession, error) {
	return o.relay(ctx, actor, id, relayStep{
		from:   callerOnly,
		states: ringing,
		next:   domain.StateRinging,
		event: func(s domain.CallSession) core.Event {
			return core.Event{Type: core.EventCallOffer, SessionID: s.ID, Offer: offer}
		},
	})
}

func (o *Orchestrator) Accept(ctx context.Context, actor domain.UserID, id domain.SessionID) (domain.CallSession, error) {
	return o.relay(ctx, actor, id, relayStep{
		from:   calleeOnly,
		states: ringing,
		next:   domain.StateAccepted,
		event: func(s domain.CallSession) core.Event {
			return core.Event{Type: core.EventCallAccepted, SessionID: s.ID}
		},
	})
}

func (o *Orchestrator) Reject(ctx context.Context, actor domain.UserID, id domain.SessionID, reason string) (domain.CallSession, error) {
	if reason == "" {
		reason = domain.ReasonRejected
	}
	return o.relay(ctx, actor, id, relayStep{
		from:   calleeOnly,
		states: ringing,
		next:   domain.StateRejected,
		reason: reason,
		event: func(s domain.CallSession) core.Event {
			return core.Event{Type: core.EventCallRejected, SessionID: s.ID, Reason: reason}
		},
	})
}

// Answer relays the callee's SDP answer and marks the call connected.
func (o *Orchestrator) Answer(ctx context.Context, actor domain.UserID, id domain.SessionID, answer domain.Blob) (domain.CallSession, error) {
	return o.relay(ctx, actor, id, relayStep{
		from:   calleeOnly,
		states: acceptedOnly,
		next:   domain.StateConnected,
		event: func(s domain.CallSession) core.Event {
			return core.Event{Type: core.EventCallAnswer, SessionID: s.ID, Answer: answer}
		},
	})
}

// Candidate relays an ICE candidate in either direction. The session state
// does not change.
func (o *Orchestrator) Candidate(ctx context.Context, actor domain.UserID, id domain.SessionID, candidate domain.Blob) (domain.CallSession, error) {
	return o.relay(ctx, actor, id, relayStep{
		from:   anyParty,
		states: iceStates,
		event: func(s domain.CallSession) core.Event {
			return core.Event{Type: core.EventICECandidate, SessionID: s.ID, Candidate: candidate}
		},
	})
}

func (o *Orchestrator) End(ctx context.Context, actor domain.UserID, id domain.SessionID, reason string) (domain.CallSession, error) {
	if reason == "" {
		reason = domain.ReasonHangup
	}
	return o.relay(ctx, actor, id, relayStep{
		from:   anyParty,
		states: liveStates,
		next:   domain.StateEnded,
		reason: reason,
		event: func(s domain.CallSession) core.Event {
			return core.Event{Type: core.EventCallEnded, SessionID: s.ID, Reason: reason}
		},
	})
}
