package canbus

// SocketCAN is a Driver for Linux SocketCAN network interfaces such as
// can0 or vcan0. Each interface exposes a single channel, so Config.Channel
// must be 0.
//
// On other platforms Open always fails with ErrInterfaceUnavailable.
type SocketCAN struct {
	// ConfigureLink applies Config.Bitrate to the interface with iproute2
	// before binding, taking the link down and up again. It requires
	// CAP_NET_ADMIN and is pointless for vcan interfaces.
	ConfigureLink bool

	// RestartMs sets automatic bus-off recovery when ConfigureLink is set.
	// Zero leaves the current setting.
	RestartMs uint32
}
