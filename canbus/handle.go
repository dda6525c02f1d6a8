package canbus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of a Handle.
//
//	UNOPENED -> OPEN -> {CLOSED, ERROR}
//
// CLOSED and ERROR are terminal.
type State uint8

const (
	StateUnopened State = iota
	StateOpen
	StateClosed
	StateError
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Option configures a Handle.
type Option func(*Handle)

// WithLogger sets the logger for lifecycle events. Frames are not logged;
// wrap the driver with NewLoggedDriver for that.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Handle) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Handle is the single open connection to one CAN channel. It owns its
// Transport exclusively.
//
// One goroutine is expected to call Receive. Close may be called from any
// goroutine, any number of times, and unblocks a pending Receive.
type Handle struct {
	id     uuid.UUID
	cfg    Config
	t      Transport
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	fault    *BusFault
	errState ErrorState
	counters ErrorCounters
}

// Open validates cfg and claims the channel through drv. On failure it
// returns a *ConnectError and no handle; the driver is never asked to open
// an invalid configuration.
func Open(ctx context.Context, drv Driver, cfg Config, opts ...Option) (*Handle, error) {
	if err := cfg.Validate(); err != nil {
		return nil, &ConnectError{Config: cfg, Err: err}
	}
	if drv == nil {
		return nil, &ConnectError{Config: cfg, Err: ErrInterfaceUnavailable}
	}
	if err := ctx.Err(); err != nil {
		return nil, &ConnectError{Config: cfg, Err: err}
	}
	h := &Handle{
		id:     uuid.New(),
		cfg:    cfg,
		logger: discardLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	t, err := drv.Open(ctx, cfg)
	if err != nil {
		h.logger.Warn("canbus open failed", "config", cfg.String(), "error", err)
		return nil, &ConnectError{Config: cfg, Err: err}
	}
	if t == nil {
		return nil, &ConnectError{Config: cfg, Err: ErrInterfaceUnavailable}
	}
	h.t = t
	h.state = StateOpen
	h.logger = h.logger.With("handle", h.id.String(), "interface", cfg.Interface, "channel", cfg.Channel)
	h.logger.Info("canbus open", "bitrate", cfg.Bitrate, "app", cfg.AppLabel, "fd", cfg.FD)
	return h, nil
}

// ID identifies the handle in logs.
func (h *Handle) ID() uuid.UUID { return h.id }

// Config returns the configuration the handle was opened with.
func (h *Handle) Config() Config { return h.cfg }

// State returns the current lifecycle state.
func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// ErrorState returns the controller state last reported by an error frame.
func (h *Handle) ErrorState() ErrorState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.errState
}

// ErrorCounters returns the error counters last reported by an error frame.
func (h *Handle) ErrorCounters() ErrorCounters {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.counters
}

// Receive blocks until a frame arrives, the timeout elapses or the handle
// is closed. A timeout <= 0 waits indefinitely.
//
// The result is one of:
//   - a frame and a nil error
//   - ErrTimeout: nothing arrived in the window; the handle stays open
//   - ErrClosed: the handle was closed, here or by the transport
//   - *BusFault: the bus or device failed; the handle moves to StateError
//     and its transport is released
//
// Once closed or faulted, Receive returns ErrClosed or the same *BusFault
// without touching the transport.
func (h *Handle) Receive(timeout time.Duration) (Frame, error) {
	h.mu.Lock()
	switch h.state {
	case StateOpen:
	case StateError:
		fault := h.fault
		h.mu.Unlock()
		return Frame{}, fault
	default:
		h.mu.Unlock()
		return Frame{}, ErrClosed
	}
	t := h.t
	h.mu.Unlock()

	f, err := t.Receive(timeout)
	if err == nil {
		if info, ok := ParseErrorFrame(f); ok {
			if info.BusOff() {
				return Frame{}, h.fail(ErrBusOff)
			}
			h.observe(info)
		}
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}
		return f, nil
	}
	if errors.Is(err, ErrTimeout) {
		return Frame{}, ErrTimeout
	}
	return Frame{}, h.fail(err)
}

// fail settles a receive error. Errors caused by a concurrent Close, or a
// transport that reports itself closed, end the stream; anything else is a
// fault.
func (h *Handle) fail(cause error) error {
	h.mu.Lock()
	switch h.state {
	case StateClosed:
		h.mu.Unlock()
		return ErrClosed
	case StateError:
		fault := h.fault
		h.mu.Unlock()
		return fault
	}
	var ret error
	if errors.Is(cause, ErrClosed) {
		h.state = StateClosed
		ret = ErrClosed
	} else {
		h.state = StateError
		h.fault = &BusFault{Err: cause}
		if errors.Is(cause, ErrBusOff) {
			h.errState = BusOff
		}
		ret = h.fault
	}
	t := h.t
	h.mu.Unlock()

	_ = t.Close()
	if ret == ErrClosed {
		h.logger.Info("canbus closed by transport")
	} else {
		h.logger.Error("canbus fault", "error", cause)
	}
	return ret
}

func (h *Handle) observe(info ErrorInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if info.HasState && info.State != h.errState {
		h.logger.Warn("canbus controller state", "from", h.errState.String(), "to", info.State.String())
		h.errState = info.State
	}
	if info.HasCounters {
		h.counters = info.Counters
	}
}

// Close releases the transport. It is idempotent: closing a closed or
// faulted handle is a no-op and returns nil.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.state != StateOpen {
		h.mu.Unlock()
		return nil
	}
	h.state = StateClosed
	t := h.t
	h.mu.Unlock()

	err := t.Close()
	if err != nil && !errors.Is(err, ErrClosed) {
		h.logger.Warn("canbus close", "error", err)
		return err
	}
	h.logger.Info("canbus close")
	return nil
}
