package signal

import (
	"errors"

	"github.com/dkeye/tutorcall/internal/app"
	"github.com/dkeye/tutorcall/internal/app/calls"
	"github.com/dkeye/tutorcall/internal/app/orch"
	"github.com/dkeye/tutorcall/internal/auth"
	"github.com/dkeye/tutorcall/internal/core"
)

var (
	ErrBadPayload  = errors.New("bad payload")
	ErrRateLimited = errors.New("too many call attempts")
)

// Wire error codes.
const (
	CodeInvalidCredential = "invalid_credential"
	CodeExpiredCredential = "expired_credential"
	CodeConflict          = "conflict"
	CodeNotConnected      = "not_connected"
	CodeInvalidTransition = "invalid_transition"
	CodeNotFound          = "not_found"
	CodeDeliveryTimeout   = "delivery_timeout"
	CodeBadPayload        = "bad_payload"
	CodeForbidden         = "forbidden"
	CodeRateLimited       = "rate_limited"
	CodeInternal          = "internal"
)

// ErrorCode maps an error to its wire code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, auth.ErrExpiredCredential):
		return CodeExpiredCredential
	case errors.Is(err, auth.ErrInvalidCredential):
		return CodeInvalidCredential
	case errors.Is(err, calls.ErrConflict):
		return CodeConflict
	case errors.Is(err, app.ErrNotConnected), errors.Is(err, core.ErrConnClosed):
		return CodeNotConnected
	case errors.Is(err, calls.ErrInvalidTransition):
		return CodeInvalidTransition
	case errors.Is(err, calls.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, core.ErrDeliveryTimeout):
		return CodeDeliveryTimeout
	case errors.Is(err, ErrBadPayload), errors.Is(err, orch.ErrSelfCall):
		return CodeBadPayload
	case errors.Is(err, orch.ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	}
	return CodeInternal
}
