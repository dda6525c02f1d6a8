package canbus

// Error frame layout as reported by Linux SocketCAN (linux/can/error.h).
// The error class lives in the identifier, details in the payload.
const (
	ErrClassTxTimeout = 0x00000001
	ErrClassLostArb   = 0x00000002
	ErrClassCtrl      = 0x00000004 // details in Data[1]
	ErrClassProt      = 0x00000008
	ErrClassTrx       = 0x00000010
	ErrClassAck       = 0x00000020
	ErrClassBusOff    = 0x00000040
	ErrClassBusError  = 0x00000080
	ErrClassRestarted = 0x00000100
	ErrClassCounters  = 0x00000200 // Data[6] tx, Data[7] rx

	errClassAll = 0x1FFFFFFF

	ctrlRxOverflow = 0x01
	ctrlTxOverflow = 0x02
	ctrlRxWarning  = 0x04
	ctrlTxWarning  = 0x08
	ctrlRxPassive  = 0x10
	ctrlTxPassive  = 0x20
	ctrlActive     = 0x40
)

// ErrorState is the fault confinement state of the CAN controller.
type ErrorState uint8

const (
	ErrorActive ErrorState = iota
	ErrorWarning
	ErrorPassive
	BusOff
)

func (s ErrorState) String() string {
	switch s {
	case ErrorActive:
		return "error-active"
	case ErrorWarning:
		return "error-warning"
	case ErrorPassive:
		return "error-passive"
	case BusOff:
		return "bus-off"
	default:
		return "unknown"
	}
}

// ErrorCounters holds the controller's transmit and receive error counters.
type ErrorCounters struct {
	Tx uint8
	Rx uint8
}

// ErrorInfo is the decoded content of an error frame.
type ErrorInfo struct {
	Class       uint32
	State       ErrorState
	HasState    bool
	Counters    ErrorCounters
	HasCounters bool
	RxOverflow  bool
	TxOverflow  bool
}

// BusOff reports whether the controller left the bus.
func (e ErrorInfo) BusOff() bool { return e.Class&ErrClassBusOff != 0 }

// Restarted reports whether the controller recovered from bus-off.
func (e ErrorInfo) Restarted() bool { return e.Class&ErrClassRestarted != 0 }

// ParseErrorFrame decodes an error frame. ok is false for data and RTR frames.
func ParseErrorFrame(f Frame) (info ErrorInfo, ok bool) {
	if !f.Error {
		return ErrorInfo{}, false
	}
	info.Class = f.ID & errClassAll
	if info.Class&ErrClassCtrl != 0 && f.Len > 1 {
		c := f.Data[1]
		info.RxOverflow = c&ctrlRxOverflow != 0
		info.TxOverflow = c&ctrlTxOverflow != 0
		info.HasState = true
		switch {
		case c&(ctrlRxPassive|ctrlTxPassive) != 0:
			info.State = ErrorPassive
		case c&(ctrlRxWarning|ctrlTxWarning) != 0:
			info.State = ErrorWarning
		case c&ctrlActive != 0:
			info.State = ErrorActive
		default:
			// overflow only
			info.HasState = false
		}
	}
	if info.Class&ErrClassCounters != 0 && f.Len > 7 {
		info.HasCounters = true
		info.Counters = ErrorCounters{Tx: f.Data[6], Rx: f.Data[7]}
	}
	switch {
	case info.BusOff():
		info.State, info.HasState = BusOff, true
	case info.Restarted():
		info.State, info.HasState = ErrorActive, true
	}
	return info, true
}
