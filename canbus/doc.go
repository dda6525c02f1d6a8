// Package canbus receives frames from a Controller Area Network (CAN)
// interface.
//
// It includes:
//   - A Frame type with validation and SocketCAN binary layouts (classic and FD)
//   - Handle, the open/receive/close lifecycle of one CAN channel
//   - Stream, which feeds received frames to a handler until it stops, the
//     handle is closed or the bus faults
//   - Drivers: Linux SocketCAN (via golang.org/x/sys/unix) and an in-memory
//     VirtualBus for tests and simulations
//
// A typical receiver:
//
//	h, err := canbus.Open(ctx, canbus.SocketCAN{}, canbus.Config{Interface: "can0", Bitrate: 500000})
//	if err != nil {
//		return err
//	}
//	reason := canbus.Run(h, func(ev canbus.Event) canbus.Action {
//		fmt.Printf("% X\n", ev.Frame.Payload())
//		return canbus.Continue
//	})
//
// Run closes the handle on return. To stop it from elsewhere, call
// h.Close from another goroutine.
package canbus
