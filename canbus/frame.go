package canbus

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Frame is an immutable snapshot of one received CAN frame.
//
// Supported features:
//   - Standard (11-bit) and Extended (29-bit) identifiers
//   - Data frames and Remote Transmission Request (RTR)
//   - Error frames reported by the controller (see ParseErrorFrame)
//   - Classical CAN payloads of 0-8 bytes and CAN FD payloads of up to 64 bytes
//
// Frames are plain values: they hold no reference to the Handle that produced
// them and may be retained indefinitely.
type Frame struct {
	ID        uint32 // 11-bit (std) or 29-bit (ext)
	Extended  bool   // true for 29-bit identifier
	RTR       bool   // remote transmission request
	Error     bool   // controller error frame
	FD        bool   // CAN FD frame
	BRS       bool   // FD bit rate switch
	ESI       bool   // FD error state indicator: sender is error-passive
	Len       uint8  // 0..8 classic, 0..64 FD
	Data      [MaxFDLen]byte
	Timestamp time.Time // receive time
}

// Validation limits.
const (
	maxStdID = 0x7FF
	maxExtID = 0x1FFFFFFF

	// MaxLen is the payload limit of a classical CAN frame.
	MaxLen = 8
	// MaxFDLen is the payload limit of a CAN FD frame.
	MaxFDLen = 64
)

var (
	ErrInvalidID    = errors.New("canbus: invalid identifier")
	ErrInvalidLen   = errors.New("canbus: invalid data length")
	ErrInvalidFlags = errors.New("canbus: invalid frame flags")
)

// Validate returns an error if the frame is not valid.
func (f Frame) Validate() error {
	if f.FD {
		if f.Len > MaxFDLen || DLCToLen(LenToDLC(f.Len)) != f.Len {
			return ErrInvalidLen
		}
		if f.RTR {
			return fmt.Errorf("%w: remote request on FD frame", ErrInvalidFlags)
		}
	} else {
		if f.Len > MaxLen {
			return ErrInvalidLen
		}
		if f.BRS || f.ESI {
			return fmt.Errorf("%w: BRS/ESI on classical frame", ErrInvalidFlags)
		}
	}
	if f.Error {
		// Error frames carry an error class, not an arbitration id.
		if f.ID > maxExtID {
			return ErrInvalidID
		}
		return nil
	}
	if f.Extended {
		if f.ID > maxExtID {
			return ErrInvalidID
		}
	} else {
		if f.ID > maxStdID {
			return ErrInvalidID
		}
	}
	return nil
}

// Payload returns a copy of the frame's data bytes.
func (f Frame) Payload() []byte {
	out := make([]byte, f.Len)
	copy(out, f.Data[:f.Len])
	return out
}

// String renders the frame in candump-like form, e.g. "123 [2] DE AD".
func (f Frame) String() string {
	var b strings.Builder
	if f.Extended {
		fmt.Fprintf(&b, "%08X", f.ID)
	} else {
		fmt.Fprintf(&b, "%03X", f.ID)
	}
	if f.FD {
		fmt.Fprintf(&b, " [%02d]", f.Len)
	} else {
		fmt.Fprintf(&b, " [%d]", f.Len)
	}
	switch {
	case f.Error:
		b.WriteString(" ERR")
	case f.RTR:
		b.WriteString(" RTR")
		return b.String()
	}
	for _, c := range f.Data[:f.Len] {
		fmt.Fprintf(&b, " %02X", c)
	}
	return b.String()
}

// MustFrame constructs a classical Frame and panics if invalid. Convenience for examples.
func MustFrame(id uint32, data []byte) Frame {
	var f Frame
	f.ID = id
	if id > maxStdID {
		f.Extended = true
	}
	if len(data) > MaxLen {
		panic(ErrInvalidLen)
	}
	f.Len = uint8(len(data))
	copy(f.Data[:], data)
	if err := f.Validate(); err != nil {
		panic(err)
	}
	return f
}

// Linux SocketCAN wire layout.
const (
	canEffFlag = 0x80000000
	canRtrFlag = 0x40000000
	canErrFlag = 0x20000000
	canEffMask = 0x1FFFFFFF
	canStdMask = 0x7FF

	canfdBRS = 0x01
	canfdESI = 0x02

	// FrameSize is sizeof(struct can_frame).
	FrameSize = 16
	// FDFrameSize is sizeof(struct canfd_frame).
	FDFrameSize = 72
)

// MarshalBinary encodes the frame to the Linux SocketCAN "struct can_frame"
// layout (16 bytes), or "struct canfd_frame" (72 bytes) for FD frames.
// The timestamp is not part of either layout.
//
// Layout (little-endian):
//
//	0..3  can_id (with flags: EFF/RTR/ERR)
//	4     can_dlc / len
//	5     padding (classic) or FD flags (BRS, ESI)
//	6..7  reserved (zero)
//	8..   data bytes
func (f Frame) MarshalBinary() ([]byte, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	id := f.ID
	if f.Extended {
		id |= canEffFlag
	}
	if f.RTR {
		id |= canRtrFlag
	}
	if f.Error {
		id |= canErrFlag
	}
	size := FrameSize
	if f.FD {
		size = FDFrameSize
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], id)
	buf[4] = f.Len
	if f.BRS {
		buf[5] |= canfdBRS
	}
	if f.ESI {
		buf[5] |= canfdESI
	}
	copy(buf[8:], f.Data[:size-8])
	return buf, nil
}

// UnmarshalBinary decodes a frame from the Linux can_frame or canfd_frame
// layout, chosen by the buffer length.
func (f *Frame) UnmarshalBinary(data []byte) error {
	var fd bool
	switch len(data) {
	case FrameSize:
	case FDFrameSize:
		fd = true
	default:
		return fmt.Errorf("canbus: need %d or %d bytes, got %d", FrameSize, FDFrameSize, len(data))
	}
	id := binary.LittleEndian.Uint32(data[0:4])
	f.FD = fd
	f.BRS = fd && data[5]&canfdBRS != 0
	f.ESI = fd && data[5]&canfdESI != 0
	f.Extended = id&canEffFlag != 0
	f.RTR = id&canRtrFlag != 0
	f.Error = id&canErrFlag != 0
	if f.Extended || f.Error {
		f.ID = id & canEffMask
	} else {
		f.ID = id & canStdMask
	}
	f.Len = data[4]
	f.Data = [MaxFDLen]byte{}
	copy(f.Data[:], data[8:])
	return f.Validate()
}

// DLCToLen maps a 4-bit data length code to a payload length. Codes 9..15
// are only meaningful for CAN FD; classical controllers cap them at 8.
func DLCToLen(dlc uint8) uint8 {
	switch {
	case dlc <= 8:
		return dlc
	case dlc == 9:
		return 12
	case dlc == 10:
		return 16
	case dlc == 11:
		return 20
	case dlc == 12:
		return 24
	case dlc == 13:
		return 32
	case dlc == 14:
		return 48
	case dlc == 15:
		return 64
	default:
		return 0
	}
}

// LenToDLC returns the smallest data length code whose payload holds n bytes.
func LenToDLC(n uint8) uint8 {
	switch {
	case n <= 8:
		return n
	case n <= 12:
		return 9
	case n <= 16:
		return 10
	case n <= 20:
		return 11
	case n <= 24:
		return 12
	case n <= 32:
		return 13
	case n <= 48:
		return 14
	default:
		return 15
	}
}
