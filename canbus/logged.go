package canbus

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// LogOption is a bitmask for selecting which events to log.
type LogOption uint8

const (
	LogNone   LogOption = 0
	LogFrames LogOption = 1 << iota
	LogErrors
	LogIdle
	LogAll = LogFrames | LogErrors | LogIdle
)

// NewLoggedDriver wraps drv so that every transport it opens is a logged
// transport (see NewLoggedTransport). Open failures are logged at error
// level when LogErrors is set.
func NewLoggedDriver(drv Driver, logger *slog.Logger, level slog.Level, opts LogOption) Driver {
	return DriverFunc(func(ctx context.Context, cfg Config) (Transport, error) {
		t, err := drv.Open(ctx, cfg)
		if err != nil {
			if opts&LogErrors != 0 {
				logger.Log(ctx, slog.LevelError, "canbus open error",
					"config", cfg.String(),
					"error", err,
				)
			}
			return nil, err
		}
		return NewLoggedTransport(t, logger.With("interface", cfg.Interface, "channel", cfg.Channel), level, opts), nil
	})
}

// NewLoggedTransport wraps the given Transport and logs selected receive
// events at the given level. Receive errors are logged at error level.
func NewLoggedTransport(inner Transport, logger *slog.Logger, level slog.Level, opts LogOption) Transport {
	return &loggedTransport{
		inner:  inner,
		logger: logger,
		level:  level,
		opts:   opts,
	}
}

type loggedTransport struct {
	inner  Transport
	logger *slog.Logger
	level  slog.Level
	opts   LogOption
}

// Receive logs the received frame, timeout or error when enabled.
func (l *loggedTransport) Receive(timeout time.Duration) (Frame, error) {
	f, err := l.inner.Receive(timeout)
	switch {
	case err == nil:
		if l.opts&LogFrames != 0 {
			l.logger.Log(context.Background(), l.level, "canbus receive",
				"id", f.ID,
				"extended", f.Extended,
				"rtr", f.RTR,
				"error_frame", f.Error,
				"fd", f.FD,
				"brs", f.BRS,
				"len", int(f.Len),
				"data", f.Data[:f.Len],
				"string", f.String(),
			)
		}
	case errors.Is(err, ErrTimeout):
		if l.opts&LogIdle != 0 {
			l.logger.Log(context.Background(), l.level, "canbus receive timeout",
				"timeout", timeout,
			)
		}
	case errors.Is(err, ErrClosed):
	default:
		if l.opts&LogErrors != 0 {
			l.logger.Log(context.Background(), slog.LevelError, "canbus receive error",
				"error", err,
			)
		}
	}
	return f, err
}

// Close forwards to the inner Transport without logging.
func (l *loggedTransport) Close() error {
	return l.inner.Close()
}
