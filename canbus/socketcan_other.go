//go:build !linux

package canbus

import (
	"context"
	"fmt"
)

// Open fails: SocketCAN is Linux only.
func (d SocketCAN) Open(ctx context.Context, cfg Config) (Transport, error) {
	return nil, fmt.Errorf("%w: socketcan requires linux", ErrInterfaceUnavailable)
}
