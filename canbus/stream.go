package canbus

import (
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Action tells a Stream whether to keep receiving.
type Action uint8

const (
	Continue Action = iota
	Stop
)

// Event is handed to a Handler for every received frame and, when the
// stream has a receive timeout, for every window that passed without one.
type Event struct {
	Frame Frame
	// Idle is set when the receive timeout elapsed; Frame is zero.
	Idle bool
}

// Handler consumes stream events in arrival order.
type Handler func(Event) Action

// StopKind says why a stream ended.
type StopKind uint8

const (
	// StopHandlerRequested: the handler returned Stop.
	StopHandlerRequested StopKind = iota + 1
	// StopBusFault: Receive failed with a *BusFault.
	StopBusFault
	// StopExternalClose: the handle was closed from another goroutine or by
	// its transport.
	StopExternalClose
)

func (k StopKind) String() string {
	switch k {
	case StopHandlerRequested:
		return "handler requested"
	case StopBusFault:
		return "bus fault"
	case StopExternalClose:
		return "external close"
	default:
		return "unknown"
	}
}

// StopReason is the result of Stream.Run. A stopped stream always has one.
type StopReason struct {
	Kind StopKind
	// Err holds the *BusFault for StopBusFault and is nil otherwise.
	Err error
}

func (r StopReason) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%s: %v", r.Kind, r.Err)
	}
	return r.Kind.String()
}

// StreamOption configures a Stream.
type StreamOption func(*Stream)

// WithTimeout sets the receive window. Windows that pass without a frame
// are delivered to the handler as idle events. The default of zero blocks
// until a frame arrives.
func WithTimeout(d time.Duration) StreamOption {
	return func(s *Stream) { s.timeout = d }
}

// WithStreamLogger logs the stop reason of the stream.
func WithStreamLogger(logger *slog.Logger) StreamOption {
	return func(s *Stream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Stream is a lazy, unbuffered sequence of frames received from a Handle.
// It is produced, not stored: frames reach the handler strictly in arrival
// order and a stopped stream cannot be restarted. Open a new Handle to
// resume reception.
type Stream struct {
	h       *Handle
	timeout time.Duration
	logger  *slog.Logger

	stopped bool
	reason  StopReason
}

// NewStream builds a stream over h. The stream takes over closing h.
func NewStream(h *Handle, opts ...StreamOption) *Stream {
	s := &Stream{h: h, logger: discardLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run receives until the handler returns Stop, the handle is closed or the
// bus faults. The handle is closed before Run returns on every path,
// including a panicking handler.
//
// Calling Run on a stopped stream returns the original reason without
// receiving.
func (s *Stream) Run(fn Handler) (reason StopReason) {
	if s.stopped {
		return s.reason
	}
	defer func() {
		_ = s.h.Close()
		if reason.Kind == 0 {
			// handler panicked
			reason = StopReason{Kind: StopExternalClose}
		}
		s.stopped, s.reason = true, reason
		s.logger.Info("canbus stream stopped", "reason", reason.Kind.String(), "error", reason.Err)
	}()

	for {
		f, err := s.h.Receive(s.timeout)
		switch {
		case err == nil:
			if fn(Event{Frame: f}) == Stop {
				return StopReason{Kind: StopHandlerRequested}
			}
		case errors.Is(err, ErrTimeout):
			if fn(Event{Idle: true}) == Stop {
				return StopReason{Kind: StopHandlerRequested}
			}
		case errors.Is(err, ErrClosed):
			return StopReason{Kind: StopExternalClose}
		default:
			return StopReason{Kind: StopBusFault, Err: err}
		}
	}
}

// Run drives a new Stream over h with fn. See Stream.Run.
func Run(h *Handle, fn Handler, opts ...StreamOption) StopReason {
	return NewStream(h, opts...).Run(fn)
}
