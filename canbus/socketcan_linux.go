//go:build linux

package canbus

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Open binds a raw CAN socket to cfg.Interface. Error frames are always
// requested so that the Handle can track the controller state and detect
// bus-off.
func (d SocketCAN) Open(ctx context.Context, cfg Config) (Transport, error) {
	if cfg.Channel != 0 {
		return nil, fmt.Errorf("%w: socketcan interface %s has no channel %d", ErrInterfaceUnavailable, cfg.Interface, cfg.Channel)
	}
	if cfg.Bitrate > MaxBitrate {
		return nil, fmt.Errorf("%w: %d bit/s", ErrUnsupportedBitrate, cfg.Bitrate)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.ConfigureLink {
		if err := d.configureLink(cfg); err != nil {
			return nil, err
		}
	}

	netIf, err := net.InterfaceByName(cfg.Interface)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterfaceUnavailable, err)
	}
	if up, err := IsInterfaceUp(cfg.Interface); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInterfaceUnavailable, err)
	} else if !up {
		return nil, fmt.Errorf("%w: %s is down", ErrInterfaceUnavailable, cfg.Interface)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %v", ErrInterfaceUnavailable, err)
	}
	setup := func() error {
		if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_ERR_FILTER, unix.CAN_ERR_MASK); err != nil {
			return fmt.Errorf("error filter: %w", err)
		}
		if cfg.FD {
			if err := unix.SetsockoptInt(fd, unix.SOL_CAN_RAW, unix.CAN_RAW_FD_FRAMES, 1); err != nil {
				return fmt.Errorf("%w: fd frames: %v", ErrUnsupportedBitrate, err)
			}
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_TIMESTAMP, 1); err != nil {
			return fmt.Errorf("timestamp: %w", err)
		}
		if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: netIf.Index}); err != nil {
			return fmt.Errorf("bind %s: %w", cfg.Interface, err)
		}
		return nil
	}
	if err := setup(); err != nil {
		unix.Close(fd)
		if errors.Is(err, ErrUnsupportedBitrate) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrInterfaceUnavailable, err)
	}

	wake, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: eventfd: %v", ErrInterfaceUnavailable, err)
	}
	return &socketCAN{fd: fd, wake: wake, closed: make(chan struct{})}, nil
}

func (d SocketCAN) configureLink(cfg Config) error {
	bitrate := uint32(cfg.Bitrate)
	opts := LinuxCANInterfaceOptions{Bitrate: &bitrate}
	if d.RestartMs > 0 {
		opts.RestartMs = &d.RestartMs
	}
	if err := SetInterfaceDown(cfg.Interface); err != nil {
		return fmt.Errorf("%w: %v", ErrInterfaceUnavailable, RequireRootOrCapNetAdmin(err))
	}
	if err := ConfigureLinuxCANInterface(cfg.Interface, opts); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedBitrate, err)
	}
	if err := SetInterfaceUp(cfg.Interface); err != nil {
		return fmt.Errorf("%w: %v", ErrInterfaceUnavailable, RequireRootOrCapNetAdmin(err))
	}
	return nil
}

// socketCAN implements Transport over a raw CAN socket. An eventfd wakes a
// pending poll on Close; mu keeps the descriptors alive while Receive uses
// them.
type socketCAN struct {
	fd   int
	wake int

	mu     sync.RWMutex
	once   sync.Once
	closed chan struct{}
	err    error
}

func (s *socketCAN) Close() error {
	s.once.Do(func() {
		close(s.closed)
		var one [8]byte
		binary.LittleEndian.PutUint64(one[:], 1)
		_, _ = unix.Write(s.wake, one[:])

		s.mu.Lock()
		s.err = unix.Close(s.fd)
		unix.Close(s.wake)
		s.mu.Unlock()
	})
	return s.err
}

// Receive reads one frame, waiting at most timeout (forever if <= 0).
func (s *socketCAN) Receive(timeout time.Duration) (Frame, error) {
	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	buf := make([]byte, FDFrameSize)
	oob := make([]byte, unix.CmsgSpace(int(unsafe.Sizeof(unix.Timeval{}))))
	for {
		select {
		case <-s.closed:
			return Frame{}, ErrClosed
		default:
		}

		n, oobn, _, _, err := unix.Recvmsg(s.fd, buf, oob, 0)
		switch {
		case err == nil:
			var f Frame
			if n != FrameSize && n != FDFrameSize {
				return Frame{}, fmt.Errorf("canbus: short read of %d bytes", n)
			}
			if err := f.UnmarshalBinary(buf[:n]); err != nil {
				return Frame{}, err
			}
			f.Timestamp = recvTimestamp(oob[:oobn])
			return f, nil
		case err == unix.EAGAIN || err == unix.EINTR:
		case err == unix.ENETDOWN:
			return Frame{}, fmt.Errorf("canbus: interface went down: %w", err)
		default:
			return Frame{}, err
		}

		ms := -1
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return Frame{}, ErrTimeout
			}
			ms = int((d + time.Millisecond - 1) / time.Millisecond)
		}
		fds := []unix.PollFd{
			{Fd: int32(s.fd), Events: unix.POLLIN},
			{Fd: int32(s.wake), Events: unix.POLLIN},
		}
		if _, err := unix.Poll(fds, ms); err != nil && err != unix.EINTR {
			return Frame{}, err
		}
		if fds[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 && fds[0].Revents&unix.POLLIN == 0 {
			return Frame{}, fmt.Errorf("canbus: socket error (revents %#x)", fds[0].Revents)
		}
	}
}

// recvTimestamp extracts the SO_TIMESTAMP control message, falling back to
// the current time.
func recvTimestamp(oob []byte) time.Time {
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return time.Now()
	}
	for _, m := range msgs {
		if m.Header.Level == unix.SOL_SOCKET && m.Header.Type == unix.SCM_TIMESTAMP && len(m.Data) >= int(unsafe.Sizeof(unix.Timeval{})) {
			tv := (*unix.Timeval)(unsafe.Pointer(&m.Data[0]))
			return time.Unix(tv.Unix())
		}
	}
	return time.Now()
}
