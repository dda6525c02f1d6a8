// Package capture records received CAN frames to a CBOR stream and plays
// them back as a canbus.Driver.
//
// A capture is a sequence of CBOR data items: one Header followed by one
// record per frame.
package capture

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/notnil/canlisten/canbus"
)

// Version of the capture layout written by Writer.
const Version = 1

// Header describes the channel a capture was taken from.
type Header struct {
	Version   int       `cbor:"1,keyasint"`
	Interface string    `cbor:"2,keyasint"`
	Channel   int       `cbor:"3,keyasint"`
	Bitrate   int       `cbor:"4,keyasint"`
	AppLabel  string    `cbor:"5,keyasint,omitempty"`
	FD        bool      `cbor:"6,keyasint,omitempty"`
	Started   time.Time `cbor:"7,keyasint"`
}

// Config rebuilds the configuration the capture was recorded with.
func (h Header) Config() canbus.Config {
	return canbus.Config{
		Interface: h.Interface,
		Channel:   h.Channel,
		Bitrate:   h.Bitrate,
		AppLabel:  h.AppLabel,
		FD:        h.FD,
	}
}

const (
	flagExtended = 1 << iota
	flagRTR
	flagError
	flagFD
	flagBRS
	flagESI
)

type record struct {
	_     struct{} `cbor:",toarray"`
	ID    uint32
	Flags uint8
	Data  []byte
	Nanos int64
}

func toRecord(f canbus.Frame) record {
	var flags uint8
	if f.Extended {
		flags |= flagExtended
	}
	if f.RTR {
		flags |= flagRTR
	}
	if f.Error {
		flags |= flagError
	}
	if f.FD {
		flags |= flagFD
	}
	if f.BRS {
		flags |= flagBRS
	}
	if f.ESI {
		flags |= flagESI
	}
	var nanos int64
	if !f.Timestamp.IsZero() {
		nanos = f.Timestamp.UnixNano()
	}
	return record{ID: f.ID, Flags: flags, Data: f.Payload(), Nanos: nanos}
}

func (r record) frame() (canbus.Frame, error) {
	if len(r.Data) > canbus.MaxFDLen {
		return canbus.Frame{}, canbus.ErrInvalidLen
	}
	f := canbus.Frame{
		ID:        r.ID,
		Extended:  r.Flags&flagExtended != 0,
		RTR:       r.Flags&flagRTR != 0,
		Error:     r.Flags&flagError != 0,
		FD:        r.Flags&flagFD != 0,
		BRS:       r.Flags&flagBRS != 0,
		ESI:       r.Flags&flagESI != 0,
		Len:       uint8(len(r.Data)),
	}
	// Zero marks a frame recorded without a receive time.
	if r.Nanos != 0 {
		f.Timestamp = time.Unix(0, r.Nanos)
	}
	copy(f.Data[:], r.Data)
	return f, f.Validate()
}

// Writer appends frames to a capture.
type Writer struct {
	enc *cbor.Encoder
}

// NewWriter writes the header for cfg to w.
func NewWriter(w io.Writer, cfg canbus.Config) (*Writer, error) {
	enc := cbor.NewEncoder(w)
	hdr := Header{
		Version:   Version,
		Interface: cfg.Interface,
		Channel:   cfg.Channel,
		Bitrate:   cfg.Bitrate,
		AppLabel:  cfg.AppLabel,
		FD:        cfg.FD,
		Started:   time.Now().UTC(),
	}
	if err := enc.Encode(hdr); err != nil {
		return nil, fmt.Errorf("capture: write header: %w", err)
	}
	return &Writer{enc: enc}, nil
}

// Write appends one frame.
func (w *Writer) Write(f canbus.Frame) error {
	if err := w.enc.Encode(toRecord(f)); err != nil {
		return fmt.Errorf("capture: write frame: %w", err)
	}
	return nil
}

// Handler returns a canbus.Handler that records every frame before passing
// the event to next. Idle events are passed through unrecorded. A failed
// write stops the stream and is reported through errp, if non-nil.
func (w *Writer) Handler(next canbus.Handler, errp *error) canbus.Handler {
	return func(ev canbus.Event) canbus.Action {
		if !ev.Idle {
			if err := w.Write(ev.Frame); err != nil {
				if errp != nil {
					*errp = err
				}
				return canbus.Stop
			}
		}
		if next == nil {
			return canbus.Continue
		}
		return next(ev)
	}
}

// Reader reads frames from a capture.
type Reader struct {
	dec *cbor.Decoder
	hdr Header
}

// ErrVersion is returned for captures written by an unknown layout version.
var ErrVersion = errors.New("capture: unsupported version")

// NewReader reads and checks the header from r.
func NewReader(r io.Reader) (*Reader, error) {
	dec := cbor.NewDecoder(r)
	var hdr Header
	if err := dec.Decode(&hdr); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("capture: missing header: %w", io.ErrUnexpectedEOF)
		}
		return nil, fmt.Errorf("capture: read header: %w", err)
	}
	if hdr.Version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, hdr.Version)
	}
	return &Reader{dec: dec, hdr: hdr}, nil
}

// Header returns the capture header.
func (r *Reader) Header() Header { return r.hdr }

// Next returns the next frame, or io.EOF at the end of the capture.
func (r *Reader) Next() (canbus.Frame, error) {
	var rec record
	if err := r.dec.Decode(&rec); err != nil {
		if errors.Is(err, io.EOF) {
			return canbus.Frame{}, io.EOF
		}
		return canbus.Frame{}, fmt.Errorf("capture: read frame: %w", err)
	}
	return rec.frame()
}
