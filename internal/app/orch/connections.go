package orch

import (
	"context"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
)

// Connect makes sig the live connection of conn.UserID, closing any previous
// one. Sessions of the user survive the eviction.
func (o *Orchestrator) Connect(conn domain.Connection, sig core.SignalConnection) {
	if o.Registry.Register(conn, sig) {
		o.Metrics.Evicted()
	}
	o.Metrics.SetConnections(o.Registry.Count())
}

// Disconnect removes sig and fails every live session of its user. A stale
// handle, already replaced by a newer connection, is a no-op.
func (o *Orchestrator) Disconnect(ctx context.Context, uid domain.UserID, sig core.SignalConnection) {
	if !o.Registry.Unregister(uid, sig) {
		return
	}
	o.Metrics.SetConnections(o.Registry.Count())

	ids := o.Calls.ActiveFor(uid)
	if len(ids) == 0 {
		return
	}
	log.Info().Str("module", "orch").Str("user", string(uid)).Int("sessions", len(ids)).Msg("failing sessions of disconnected user")
	var wg conc.WaitGroup
	for _, id := range ids {
		wg.Go(func() { o.failOnDisconnect(ctx, uid, id) })
	}
	wg.Wait()
}

func (o *Orchestrator) failOnDisconnect(ctx context.Context, uid domain.UserID, id domain.SessionID) {
	sess, err := o.Calls.Transition(id, liveStates, domain.StateFailed, uid, domain.ReasonPeerDisconnected)
	if err != nil {
		// Already terminal: someone else won the race and notified.
		return
	}
	o.notify(ctx, sess.Peer(uid), core.Event{
		Type:      core.EventCallFailed,
		SessionID: sess.ID,
		Reason:    domain.ReasonPeerDisconnected,
	})
}
