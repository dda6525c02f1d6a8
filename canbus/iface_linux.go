//go:build linux

package canbus

import (
	"errors"
	"fmt"
	"os/exec"
	"strconv"

	"golang.org/x/sys/unix"
)

// Linux network interface helpers. Bringing interfaces up or down and
// changing CAN parameters requires CAP_NET_ADMIN; without it the calls
// return EPERM.

func ifreqIoctl(name string, fn func(fd int, ifr *unix.Ifreq) error) error {
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		return fmt.Errorf("canbus: invalid interface name %q: %w", name, err)
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	defer unix.Close(fd)
	return fn(fd, ifr)
}

func getInterfaceFlags(name string) (uint16, error) {
	var flags uint16
	err := ifreqIoctl(name, func(fd int, ifr *unix.Ifreq) error {
		if err := unix.IoctlIfreq(fd, unix.SIOCGIFFLAGS, ifr); err != nil {
			return err
		}
		flags = ifr.Uint16()
		return nil
	})
	return flags, err
}

func setInterfaceFlags(name string, flags uint16) error {
	return ifreqIoctl(name, func(fd int, ifr *unix.Ifreq) error {
		ifr.SetUint16(flags)
		return unix.IoctlIfreq(fd, unix.SIOCSIFFLAGS, ifr)
	})
}

// IsInterfaceUp returns true if the Linux network interface has IFF_UP set.
func IsInterfaceUp(name string) (bool, error) {
	flags, err := getInterfaceFlags(name)
	if err != nil {
		return false, err
	}
	return flags&unix.IFF_UP != 0, nil
}

// SetInterfaceUp sets IFF_UP on the given interface.
func SetInterfaceUp(name string) error {
	flags, err := getInterfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP != 0 {
		return nil
	}
	return setInterfaceFlags(name, flags|unix.IFF_UP)
}

// SetInterfaceDown clears IFF_UP on the given interface.
func SetInterfaceDown(name string) error {
	flags, err := getInterfaceFlags(name)
	if err != nil {
		return err
	}
	if flags&unix.IFF_UP == 0 {
		return nil
	}
	return setInterfaceFlags(name, flags&^unix.IFF_UP)
}

// RequireRootOrCapNetAdmin maps EPERM to an error advising to grant
// CAP_NET_ADMIN to the binary.
func RequireRootOrCapNetAdmin(err error) error {
	if errors.Is(err, unix.EPERM) {
		return fmt.Errorf("operation requires CAP_NET_ADMIN (or root): %w", err)
	}
	return err
}

// LinuxCANInterfaceOptions controls CAN interface parameters set through
// the iproute2 `ip` tool. Nil fields are left unchanged. Bitrate and
// restart-ms can only be changed while the interface is down.
type LinuxCANInterfaceOptions struct {
	// Bitrate is the arbitration bitrate in bits per second.
	Bitrate *uint32
	// RestartMs is the automatic bus-off recovery delay; 0 disables it.
	RestartMs *uint32
}

// ConfigureLinuxCANInterface applies opts to a CAN network interface by
// invoking `ip link set`.
func ConfigureLinuxCANInterface(name string, opts LinuxCANInterfaceOptions) error {
	if _, err := unix.NewIfreq(name); err != nil {
		return fmt.Errorf("canbus: invalid interface name %q: %w", name, err)
	}

	if opts.Bitrate != nil || opts.RestartMs != nil {
		args := []string{"link", "set", "dev", name, "type", "can"}
		if opts.Bitrate != nil {
			args = append(args, "bitrate", strconv.FormatUint(uint64(*opts.Bitrate), 10))
		}
		if opts.RestartMs != nil {
			args = append(args, "restart-ms", strconv.FormatUint(uint64(*opts.RestartMs), 10))
		}
		cmd := exec.Command("ip", args...)
		if out, err := cmd.CombinedOutput(); err != nil {
			return RequireRootOrCapNetAdmin(fmt.Errorf("ip link set type can failed: %w; output: %s", err, out))
		}
	}
	return nil
}
