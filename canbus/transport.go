package canbus

import (
	"context"
	"time"
)

// Transport is the receive side of one open CAN channel as supplied by a
// driver. A Handle is the only user of its Transport.
type Transport interface {
	// Receive blocks until a frame arrives, the timeout elapses or the
	// transport is closed. A timeout <= 0 waits indefinitely.
	//
	// It returns ErrTimeout when the window elapsed, ErrClosed once Close was
	// called, and any other error for a fault of the bus or the device.
	Receive(timeout time.Duration) (Frame, error)

	// Close releases the channel. It must unblock a pending Receive and may
	// be called from another goroutine.
	Close() error
}

// Driver opens transports. It is the boundary to the hardware or OS stack.
type Driver interface {
	// Open claims the channel described by cfg. It fails with an error
	// wrapping ErrInterfaceUnavailable, ErrChannelClaimed or
	// ErrUnsupportedBitrate when the channel cannot be used.
	Open(ctx context.Context, cfg Config) (Transport, error)
}

// DriverFunc adapts a function to the Driver interface.
type DriverFunc func(ctx context.Context, cfg Config) (Transport, error)

// Open calls fn(ctx, cfg).
func (fn DriverFunc) Open(ctx context.Context, cfg Config) (Transport, error) {
	return fn(ctx, cfg)
}
