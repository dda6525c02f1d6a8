package canbus

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MaxBitrate is the highest arbitration bitrate of classical CAN and CAN FD.
const MaxBitrate = 1_000_000

// VirtualBus is an in-memory CAN network for tests and simulations. It is
// a Driver: each (interface, channel) pair can be claimed by one open
// transport at a time, and Inject plays the part of the other nodes on the
// bus.
type VirtualBus struct {
	mu        sync.Mutex
	closed    bool
	endpoints map[channelKey]*virtualEndpoint
	stats     VirtualStats
}

type channelKey struct {
	iface   string
	channel int
}

// VirtualStats counts transports opened and closed on a VirtualBus.
type VirtualStats struct {
	Opens  int
	Closes int
}

// Active is the number of transports currently open.
func (s VirtualStats) Active() int { return s.Opens - s.Closes }

// NewVirtualBus creates a new virtual bus.
func NewVirtualBus() *VirtualBus {
	return &VirtualBus{endpoints: make(map[channelKey]*virtualEndpoint)}
}

// Open claims cfg's channel.
func (b *VirtualBus) Open(ctx context.Context, cfg Config) (Transport, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Bitrate > MaxBitrate {
		return nil, fmt.Errorf("%w: %d bit/s", ErrUnsupportedBitrate, cfg.Bitrate)
	}
	key := channelKey{cfg.Interface, cfg.Channel}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("%w: virtual bus is closed", ErrInterfaceUnavailable)
	}
	if _, taken := b.endpoints[key]; taken {
		return nil, fmt.Errorf("%w: %s/%d", ErrChannelClaimed, cfg.Interface, cfg.Channel)
	}
	ep := &virtualEndpoint{
		bus:    b,
		key:    key,
		fd:     cfg.FD,
		ch:     make(chan virtualItem, 64),
		closed: make(chan struct{}),
	}
	b.endpoints[key] = ep
	b.stats.Opens++
	return ep, nil
}

// Inject delivers frames, in order, to the transport that claims the
// channel. It blocks while the transport's queue is full and returns
// ErrClosed if no transport has the channel open.
func (b *VirtualBus) Inject(iface string, channel int, frames ...Frame) error {
	for _, f := range frames {
		if err := f.Validate(); err != nil {
			return err
		}
		if f.Timestamp.IsZero() {
			f.Timestamp = time.Now()
		}
		if err := b.deliver(channelKey{iface, channel}, virtualItem{frame: f}); err != nil {
			return err
		}
	}
	return nil
}

// Fault makes the transport on the channel fail with err once it has
// drained the frames injected before.
func (b *VirtualBus) Fault(iface string, channel int, err error) error {
	return b.deliver(channelKey{iface, channel}, virtualItem{err: err})
}

func (b *VirtualBus) deliver(key channelKey, it virtualItem) error {
	b.mu.Lock()
	ep, ok := b.endpoints[key]
	b.mu.Unlock()
	if !ok {
		return ErrClosed
	}
	if it.err == nil && it.frame.FD && !ep.fd {
		// A classical controller does not see FD frames.
		return nil
	}
	return ep.push(it)
}

// Stats returns open/close counts.
func (b *VirtualBus) Stats() VirtualStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Close closes the bus and every transport open on it. Pending and future
// Receive calls return ErrClosed.
func (b *VirtualBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, ep := range b.endpoints {
		ep.closeNoLock()
	}
	b.endpoints = nil
	b.mu.Unlock()
	return nil
}

type virtualItem struct {
	frame Frame
	err   error
}

type virtualEndpoint struct {
	bus  *VirtualBus
	key  channelKey
	fd   bool
	ch   chan virtualItem
	dead bool // guarded by bus.mu
	// closed is closed once the endpoint is detached.
	closed chan struct{}
}

// push queues it for Receive. An endpoint closed before or during the send
// reports ErrClosed, even when the queue had room.
func (e *virtualEndpoint) push(it virtualItem) error {
	select {
	case <-e.closed:
		return ErrClosed
	default:
	}
	select {
	case e.ch <- it:
	case <-e.closed:
		return ErrClosed
	}
	select {
	case <-e.closed:
		return ErrClosed
	default:
		return nil
	}
}

// Receive waits for the next frame.
func (e *virtualEndpoint) Receive(timeout time.Duration) (Frame, error) {
	select {
	case <-e.closed:
		return Frame{}, ErrClosed
	default:
	}
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}
	select {
	case it := <-e.ch:
		if it.err != nil {
			return Frame{}, it.err
		}
		return it.frame, nil
	case <-e.closed:
		return Frame{}, ErrClosed
	case <-expired:
		return Frame{}, ErrTimeout
	}
}

// Close detaches the endpoint from the bus and releases its channel.
func (e *virtualEndpoint) Close() error {
	e.bus.mu.Lock()
	e.closeNoLock()
	e.bus.mu.Unlock()
	return nil
}

func (e *virtualEndpoint) closeNoLock() {
	if e.dead {
		return
	}
	e.dead = true
	close(e.closed)
	if e.bus.endpoints != nil {
		delete(e.bus.endpoints, e.key)
	}
	e.bus.stats.Closes++
}
