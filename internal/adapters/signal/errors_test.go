package signal

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/tutorcall/internal/app"
	"github.com/dkeye/tutorcall/internal/app/calls"
	"github.com/dkeye/tutorcall/internal/app/orch"
	"github.com/dkeye/tutorcall/internal/auth"
	"github.com/dkeye/tutorcall/internal/core"
)

func TestErrorCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{auth.ErrExpiredCredential, CodeExpiredCredential},
		{fmt.Errorf("%w: bad sig", auth.ErrInvalidCredential), CodeInvalidCredential},
		{fmt.Errorf("%w: s1", calls.ErrConflict), CodeConflict},
		{app.ErrNotConnected, CodeNotConnected},
		{core.ErrConnClosed, CodeNotConnected},
		{fmt.Errorf("%w: session is ENDED", calls.ErrInvalidTransition), CodeInvalidTransition},
		{calls.ErrNotFound, CodeNotFound},
		{core.ErrDeliveryTimeout, CodeDeliveryTimeout},
		{ErrBadPayload, CodeBadPayload},
		{orch.ErrSelfCall, CodeBadPayload},
		{orch.ErrForbidden, CodeForbidden},
		{ErrRateLimited, CodeRateLimited},
		{errors.New("boom"), CodeInternal},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ErrorCode(tc.err), tc.err.Error())
	}
}
