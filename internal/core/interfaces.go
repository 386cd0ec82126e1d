package core

import (
	"context"
	"errors"

	"github.com/dkeye/tutorcall/internal/domain"
)

//go:generate mockgen -destination=mocks/signal_connection.go -package=mocks github.com/dkeye/tutorcall/internal/core SignalConnection

var (
	ErrDeliveryTimeout = errors.New("delivery timeout")
	ErrConnClosed      = errors.New("connection closed")
)

// Frame is one encoded signaling message.
type Frame []byte

// SignalConnection abstracts a message-framed transport handle.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	ID() domain.ConnID
	// Send enqueues f for delivery. It blocks at most until ctx is done and
	// then fails with ErrDeliveryTimeout.
	Send(ctx context.Context, f Frame) error
	Close()
}
