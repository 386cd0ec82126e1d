// Package orch is the signaling router. It validates every client message
// against the session state machine and relays it to the peer.
package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/tutorcall/internal/app"
	"github.com/dkeye/tutorcall/internal/app/calls"
	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
	"github.com/dkeye/tutorcall/internal/metrics"
)

var (
	ErrSelfCall  = errors.New("cannot call yourself")
	ErrForbidden = errors.New("call not permitted")
)

const defaultSendTimeout = 2 * time.Second

type Orchestrator struct {
	Registry *app.Registry
	Calls    *calls.Store
	Policy   app.CallPolicy
	Metrics  *metrics.Metrics
	// SendTimeout bounds every enqueue to a peer connection.
	SendTimeout time.Duration
}

// party restricts which participant may send a message.
type party int

const (
	anyParty party = iota
	callerOnly
	calleeOnly
)

func (p party) check(sess domain.CallSession, actor domain.UserID) error {
	switch {
	case p == callerOnly && actor != sess.Caller:
		return fmt.Errorf("%w: only the caller may send this", calls.ErrInvalidTransition)
	case p == calleeOnly && actor != sess.Callee:
		return fmt.Errorf("%w: only the callee may send this", calls.ErrInvalidTransition)
	}
	return nil
}

// relayStep describes one client message. An empty next leaves the state as
// it is.
type relayStep struct {
	from   party
	states []domain.CallState
	next   domain.CallState
	reason string
	event  func(sess domain.CallSession) core.Event
}

// relay validates the message and forwards it to the peer inside the session's
// critical section, so per-session delivery order matches processing order.
// An unreachable peer fails the session and the sender is told so.
func (o *Orchestrator) relay(ctx context.Context, actor domain.UserID, id domain.SessionID, step relayStep) (domain.CallSession, error) {
	sess, err := o.Calls.Get(id)
	if err != nil {
		return sess, err
	}
	if err := calls.Expect(sess, actor, step.states...); err != nil {
		return sess, err
	}
	if err := step.from.check(sess, actor); err != nil {
		return sess, err
	}
	// Registry lookups happen before the session lock is taken.
	peer, resolveErr := o.Registry.Resolve(sess.Peer(actor))

	var unreachable error
	sess, err = o.Calls.Apply(id, func(cs *domain.CallSession) error {
		if err := calls.Expect(*cs, actor, step.states...); err != nil {
			return err
		}
		if resolveErr != nil {
			unreachable = resolveErr
		} else if err := o.deliver(ctx, peer, step.event(*cs)); err != nil {
			unreachable = err
		}
		if unreachable != nil {
			cs.State = domain.StateFailed
			cs.Reason = failureReason(unreachable)
			return unreachable
		}
		if step.next != "" {
			cs.State = step.next
		}
		if step.reason != "" {
			cs.Reason = step.reason
		}
		return nil
	})
	if unreachable != nil && sess.State == domain.StateFailed {
		o.notify(ctx, actor, core.Event{
			Type:      core.EventCallFailed,
			SessionID: sess.ID,
			Reason:    sess.Reason,
		})
	}
	return sess, err
}

// deliver enqueues ev on sig, bounded by SendTimeout.
func (o *Orchestrator) deliver(ctx context.Context, sig core.SignalConnection, ev core.Event) error {
	frame, err := ev.Encode()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, o.DeliveryTimeout())
	defer cancel()
	if err := sig.Send(ctx, frame); err != nil {
		o.Metrics.DeliveryFailed(failureReason(err))
		log.Warn().
			Str("module", "orch").
			Str("conn", string(sig.ID())).
			Str("event", string(ev.Type)).
			Str("session", string(ev.SessionID)).
			Err(err).
			Msg("delivery failed")
		if errors.Is(err, core.ErrConnClosed) {
			return app.ErrNotConnected
		}
		return err
	}
	o.Metrics.Relayed(string(ev.Type))
	return nil
}

// notify is a best-effort delivery to whatever connection uid has now.
func (o *Orchestrator) notify(ctx context.Context, uid domain.UserID, ev core.Event) {
	sig, err := o.Registry.Resolve(uid)
	if err != nil {
		log.Debug().
			Str("module", "orch").
			Str("user", string(uid)).
			Str("event", string(ev.Type)).
			Msg("notify skipped, user offline")
		return
	}
	_ = o.deliver(ctx, sig, ev)
}

// DeliveryTimeout is the bound applied to every enqueue.
func (o *Orchestrator) DeliveryTimeout() time.Duration {
	if o.SendTimeout > 0 {
		return o.SendTimeout
	}
	return defaultSendTimeout
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, core.ErrDeliveryTimeout):
		return domain.ReasonDeliveryTimeout
	case errors.Is(err, app.ErrNotConnected), errors.Is(err, core.ErrConnClosed):
		return domain.ReasonNotConnected
	}
	return domain.ReasonDeliveryTimeout
}
