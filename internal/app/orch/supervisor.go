package orch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
)

// Supervisor periodically times out sessions stuck waiting for a ring or an
// answer and purges terminal sessions past their grace window.
type Supervisor struct {
	Orch     *Orchestrator
	Interval time.Duration
	Now      func() time.Time
}

func (s *Supervisor) Run(ctx context.Context) error {
	interval := s.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	log.Info().Str("module", "orch.supervisor").Dur("interval", interval).Msg("started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "orch.supervisor").Msg("stopped")
			return nil
		case <-ticker.C:
			s.Orch.Expire(ctx, s.now())
		}
	}
}

func (s *Supervisor) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

// Expire moves every session whose deadline passed at now to TIMEOUT and
// tells both participants. It returns how many sessions it timed out.
func (o *Orchestrator) Expire(ctx context.Context, now time.Time) int {
	expired := o.Calls.Sweep(now)
	if len(expired) == 0 {
		return 0
	}
	results := make([]bool, len(expired))
	var wg conc.WaitGroup
	for i, sess := range expired {
		wg.Go(func() { results[i] = o.timeout(ctx, sess) })
	}
	wg.Wait()

	n := 0
	for _, ok := range results {
		if ok {
			n++
		}
	}
	return n
}

// timeout applies only if the session is still in the state Sweep saw, so a
// concurrent accept or hangup wins and no one is notified twice.
func (o *Orchestrator) timeout(ctx context.Context, seen domain.CallSession) bool {
	reason := domain.ReasonRingTimeout
	if seen.State == domain.StateAccepted {
		reason = domain.ReasonAnswerTimeout
	}
	sess, err := o.Calls.Transition(seen.ID, []domain.CallState{seen.State}, domain.StateTimeout, domain.SystemActor, reason)
	if err != nil {
		return false
	}
	for _, uid := range []domain.UserID{sess.Caller, sess.Callee} {
		o.notify(ctx, uid, core.Event{
			Type:      core.EventCallTimeout,
			SessionID: sess.ID,
			Reason:    reason,
		})
	}
	return true
}
