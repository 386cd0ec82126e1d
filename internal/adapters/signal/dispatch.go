package signal

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/tutorcall/internal/core"
	"github.com/dkeye/tutorcall/internal/domain"
)

// Client message types.
const (
	msgPing      = "ping"
	msgCallUser  = "call_user"
	msgCallOffer = "call_offer"
	msgAccept    = "accept_call"
	msgReject    = "reject_call"
	msgAnswer    = "call_answer"
	msgCandidate = "ice_candidate"
	msgEnd       = "end_call"
)

// inbound is the flat shape of every client message; each type reads the
// fields it needs.
type inbound struct {
	Type      string           `json:"type"`
	SessionID domain.SessionID `json:"session_id"`
	CalleeID  domain.UserID    `json:"callee_id"`
	Kind      string           `json:"kind"`
	Offer     domain.Blob      `json:"offer"`
	Answer    domain.Blob      `json:"answer"`
	Candidate domain.Blob      `json:"candidate"`
	Reason    string           `json:"reason"`
}

type ack struct {
	Type      core.EventType   `json:"type"`
	Seq       uint64           `json:"seq"`
	OK        bool             `json:"ok"`
	SessionID domain.SessionID `json:"session_id,omitempty"`
	Error     string           `json:"error,omitempty"`
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, user domain.Connection, c *WsSignalConn, seq uint64, data []byte) {
	var msg inbound
	if err := json.Unmarshal(data, &msg); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("conn", string(c.id)).Msg("bad json")
		ctl.reply(ctx, c, seq, "", fmt.Errorf("%w: %v", ErrBadPayload, err))
		return
	}

	sid, err := ctl.dispatch(ctx, user, c, msg)
	if err != nil {
		log.Info().
			Str("module", "signal").
			Str("user", string(user.UserID)).
			Str("type", msg.Type).
			Str("session", string(msg.SessionID)).
			Err(err).
			Msg("message rejected")
	}
	ctl.reply(ctx, c, seq, sid, err)
}

func (ctl *SignalWSController) dispatch(ctx context.Context, user domain.Connection, c *WsSignalConn, msg inbound) (domain.SessionID, error) {
	o := ctl.Orch
	switch msg.Type {
	case msgPing:
		ctl.sendJSON(ctx, c, core.Event{Type: core.EventPong})
		return "", nil

	case msgCallUser:
		if err := msg.CalleeID.Validate(); err != nil {
			return "", fmt.Errorf("%w: callee_id: %v", ErrBadPayload, err)
		}
		kind, err := domain.ParseCallKind(msg.Kind)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		if !ctl.Limiter.Allow(user.UserID) {
			return "", ErrRateLimited
		}
		sess, err := o.CallUser(ctx, user.Identity(), msg.CalleeID, kind, msg.Offer)
		return sess.ID, err
	}

	if msg.SessionID == "" {
		return "", fmt.Errorf("%w: session_id required", ErrBadPayload)
	}
	var (
		sess domain.CallSession
		err  error
	)
	switch msg.Type {
	case msgCallOffer:
		if len(msg.Offer) == 0 {
			return msg.SessionID, fmt.Errorf("%w: offer required", ErrBadPayload)
		}
		sess, err = o.RelayOffer(ctx, user.UserID, msg.SessionID, msg.Offer)
	case msgAccept:
		sess, err = o.Accept(ctx, user.UserID, msg.SessionID)
	case msgReject:
		sess, err = o.Reject(ctx, user.UserID, msg.SessionID, msg.Reason)
	case msgAnswer:
		if len(msg.Answer) == 0 {
			return msg.SessionID, fmt.Errorf("%w: answer required", ErrBadPayload)
		}
		sess, err = o.Answer(ctx, user.UserID, msg.SessionID, msg.Answer)
	case msgCandidate:
		if len(msg.Candidate) == 0 {
			return msg.SessionID, fmt.Errorf("%w: candidate required", ErrBadPayload)
		}
		sess, err = o.Candidate(ctx, user.UserID, msg.SessionID, msg.Candidate)
	case msgEnd:
		sess, err = o.End(ctx, user.UserID, msg.SessionID, msg.Reason)
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrBadPayload, msg.Type)
	}
	if sess.ID == "" {
		sess.ID = msg.SessionID
	}
	return sess.ID, err
}

func (ctl *SignalWSController) reply(ctx context.Context, c *WsSignalConn, seq uint64, sid domain.SessionID, err error) {
	a := ack{Type: core.EventAck, Seq: seq, OK: err == nil, SessionID: sid}
	if err != nil {
		a.Error = ErrorCode(err)
		ctl.Metrics.Rejected(a.Error)
	}
	ctl.sendJSON(ctx, c, a)
}
