package signal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/tutorcall/internal/core"
)

func newBareConn(buffer int) *WsSignalConn {
	return &WsSignalConn{
		id:   "conn-1",
		send: make(chan core.Frame, buffer),
		done: make(chan struct{}),
	}
}

func TestWsSignalConn_SendQueuesWhileOpen(t *testing.T) {
	c := newBareConn(1)
	require.NoError(t, c.Send(context.Background(), core.Frame(`{"type":"pong"}`)))
	assert.Len(t, c.send, 1)
}

func TestWsSignalConn_SendAfterCloseIsUndelivered(t *testing.T) {
	c := newBareConn(4)
	close(c.done)

	err := c.Send(context.Background(), core.Frame(`{"type":"pong"}`))
	assert.ErrorIs(t, err, core.ErrConnClosed)
	assert.ErrorIs(t, c.queued(), core.ErrConnClosed, "a frame enqueued after close is not reported as sent")
}

func TestWsSignalConn_SendTimesOutOnFullBuffer(t *testing.T) {
	c := newBareConn(1)
	require.NoError(t, c.Send(context.Background(), core.Frame(`{}`)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Send(ctx, core.Frame(`{}`)), core.ErrDeliveryTimeout)
}
