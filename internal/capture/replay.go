package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/notnil/canlisten/canbus"
)

// Replay is a canbus.Driver that plays back a capture file. Once the
// capture is exhausted the transport reports itself closed, so a stream
// over it ends with StopExternalClose.
type Replay struct {
	Path string
	// Pace delays each frame by its recorded distance to the previous one.
	Pace bool
}

// ReadHeader returns the header of the capture at path.
func ReadHeader(path string) (Header, error) {
	f, err := os.Open(path)
	if err != nil {
		return Header{}, err
	}
	defer f.Close()
	r, err := NewReader(f)
	if err != nil {
		return Header{}, err
	}
	return r.Header(), nil
}

// Open opens the capture. The configuration is not checked against the
// header; use Header.Config to replay with the recorded settings.
func (rp Replay) Open(ctx context.Context, cfg canbus.Config) (canbus.Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(rp.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", canbus.ErrInterfaceUnavailable, err)
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: %v", canbus.ErrInterfaceUnavailable, err)
	}
	return &replayTransport{
		file:   f,
		r:      r,
		pace:   rp.Pace,
		closed: make(chan struct{}),
	}, nil
}

type replayTransport struct {
	file io.Closer
	r    *Reader
	pace bool

	pending *canbus.Frame
	prev    time.Time
	due     time.Time

	once   sync.Once
	closed chan struct{}
}

func (t *replayTransport) Receive(timeout time.Duration) (canbus.Frame, error) {
	select {
	case <-t.closed:
		return canbus.Frame{}, canbus.ErrClosed
	default:
	}
	if t.pending == nil {
		f, err := t.r.Next()
		if errors.Is(err, io.EOF) {
			return canbus.Frame{}, canbus.ErrClosed
		}
		if err != nil {
			return canbus.Frame{}, err
		}
		t.pending = &f
		t.due = time.Now()
		if t.pace && !t.prev.IsZero() {
			t.due = t.due.Add(f.Timestamp.Sub(t.prev))
		}
	}

	wait := time.Until(t.due)
	timedOut := false
	if timeout > 0 && wait > timeout {
		wait, timedOut = timeout, true
	}
	if wait > 0 {
		tm := time.NewTimer(wait)
		defer tm.Stop()
		select {
		case <-tm.C:
		case <-t.closed:
			return canbus.Frame{}, canbus.ErrClosed
		}
	}
	if timedOut {
		return canbus.Frame{}, canbus.ErrTimeout
	}
	f := *t.pending
	t.pending = nil
	t.prev = f.Timestamp
	return f, nil
}

func (t *replayTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.closed)
		err = t.file.Close()
	})
	return err
}
