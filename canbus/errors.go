package canbus

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed indicates the handle or transport has been closed. It is the
	// end-of-stream marker, not a failure.
	ErrClosed = errors.New("canbus: closed")

	// ErrTimeout is returned by Receive when the wait window elapsed without a
	// frame. It is a liveness signal only.
	ErrTimeout = errors.New("canbus: receive timeout")

	// ErrBusOff is the cause of a BusFault raised by a bus-off error frame.
	ErrBusOff = errors.New("canbus: controller is bus-off")
)

// Causes of a ConnectError.
var (
	ErrInvalidConfig        = errors.New("canbus: invalid configuration")
	ErrInterfaceUnavailable = errors.New("canbus: interface unavailable")
	ErrChannelClaimed       = errors.New("canbus: channel already claimed")
	ErrUnsupportedBitrate   = errors.New("canbus: unsupported bitrate")
)

// ConnectError reports why Open failed. No handle exists when it is returned.
type ConnectError struct {
	Config Config
	Err    error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("canbus: connect %s: %v", e.Config, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// BusFault reports a fatal receive failure: a bus-off condition or a
// transport-level I/O error. The handle that produced it is in StateError.
type BusFault struct {
	Err error
}

func (e *BusFault) Error() string {
	return "canbus: bus fault: " + e.Err.Error()
}

func (e *BusFault) Unwrap() error { return e.Err }

// IsBusFault reports whether err is or wraps a *BusFault.
func IsBusFault(err error) bool {
	var bf *BusFault
	return errors.As(err, &bf)
}
