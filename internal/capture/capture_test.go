package capture

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/notnil/canlisten/canbus"
)

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testConfig() canbus.Config {
	return canbus.Config{Interface: "vcan0", Bitrate: 500000, AppLabel: "bench", FD: true}
}

func testFrames() []canbus.Frame {
	std := canbus.MustFrame(0x100, []byte{0x01, 0x02})
	std.Timestamp = base

	ext := canbus.Frame{ID: 0x1ABCDEFF, Extended: true, RTR: true, Timestamp: base.Add(50 * time.Millisecond)}

	fd := canbus.Frame{ID: 0x200, FD: true, BRS: true, ESI: true, Len: 12, Timestamp: base.Add(80 * time.Millisecond)}
	for i := 0; i < 12; i++ {
		fd.Data[i] = byte(0xA0 + i)
	}

	errf := canbus.Frame{ID: canbus.ErrClassCtrl, Error: true, Len: 8, Timestamp: base.Add(90 * time.Millisecond)}
	errf.Data[1] = 0x10
	return []canbus.Frame{std, ext, fd, errf}
}

func writeCapture(t *testing.T, frames []canbus.Frame) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bus.cbor")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	w, err := NewWriter(f, testConfig())
	require.NoError(t, err)
	for _, fr := range frames {
		require.NoError(t, w.Write(fr))
	}
	return path
}

func sameFrame(t *testing.T, want, got canbus.Frame) {
	t.Helper()
	assert.True(t, want.Timestamp.Equal(got.Timestamp), "timestamp %v != %v", got.Timestamp, want.Timestamp)
	want.Timestamp, got.Timestamp = time.Time{}, time.Time{}
	assert.Equal(t, want, got)
}

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testConfig())
	require.NoError(t, err)
	frames := testFrames()
	for _, f := range frames {
		require.NoError(t, w.Write(f))
	}

	r, err := NewReader(&buf)
	require.NoError(t, err)
	assert.Equal(t, Version, r.Header().Version)
	assert.Equal(t, testConfig(), r.Header().Config())
	assert.False(t, r.Header().Started.IsZero())

	for _, want := range frames {
		got, err := r.Next()
		require.NoError(t, err)
		sameFrame(t, want, got)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestZeroTimestampSurvivesRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testConfig())
	require.NoError(t, err)

	unstamped := canbus.MustFrame(0x321, []byte{0xAB})
	require.True(t, unstamped.Timestamp.IsZero())
	require.NoError(t, w.Write(unstamped))

	r, err := NewReader(&buf)
	require.NoError(t, err)
	got, err := r.Next()
	require.NoError(t, err)
	assert.True(t, got.Timestamp.IsZero(), "got %v", got.Timestamp)
	assert.Equal(t, unstamped, got)
	assert.Zero(t, toRecord(unstamped).Nanos)
}

func TestReaderRejectsUnknownVersion(t *testing.T) {
	data, err := cbor.Marshal(Header{Version: Version + 1, Interface: "vcan0", Bitrate: 500000})
	require.NoError(t, err)

	_, err = NewReader(bytes.NewReader(data))
	assert.ErrorIs(t, err, ErrVersion)

	_, err = NewReader(bytes.NewReader(nil))
	assert.Error(t, err)
}

func TestHandlerRecordsFramesOnly(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, testConfig())
	require.NoError(t, err)

	var seen int
	var werr error
	h := w.Handler(func(canbus.Event) canbus.Action { seen++; return canbus.Continue }, &werr)

	frames := testFrames()
	assert.Equal(t, canbus.Continue, h(canbus.Event{Frame: frames[0]}))
	assert.Equal(t, canbus.Continue, h(canbus.Event{Idle: true}))
	assert.Equal(t, canbus.Continue, h(canbus.Event{Frame: frames[1]}))
	assert.Equal(t, 3, seen)
	assert.NoError(t, werr)

	r, err := NewReader(&buf)
	require.NoError(t, err)
	for _, want := range frames[:2] {
		got, err := r.Next()
		require.NoError(t, err)
		sameFrame(t, want, got)
	}
	_, err = r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReplayEndsWithExternalClose(t *testing.T) {
	frames := testFrames()
	path := writeCapture(t, frames)

	hdr, err := ReadHeader(path)
	require.NoError(t, err)
	h, err := canbus.Open(context.Background(), Replay{Path: path}, hdr.Config())
	require.NoError(t, err)

	var got []canbus.Frame
	reason := canbus.Run(h, func(ev canbus.Event) canbus.Action {
		got = append(got, ev.Frame)
		return canbus.Continue
	})

	assert.Equal(t, canbus.StopReason{Kind: canbus.StopExternalClose}, reason)
	require.Len(t, got, len(frames))
	for i := range frames {
		sameFrame(t, frames[i], got[i])
	}
	assert.Equal(t, canbus.ErrorPassive, h.ErrorState())
}

func TestReplayPaceProducesIdleEvents(t *testing.T) {
	a := canbus.MustFrame(0x1, nil)
	a.Timestamp = base
	b := canbus.MustFrame(0x2, nil)
	b.Timestamp = base.Add(60 * time.Millisecond)
	path := writeCapture(t, []canbus.Frame{a, b})

	h, err := canbus.Open(context.Background(), Replay{Path: path, Pace: true}, testConfig())
	require.NoError(t, err)

	var ids []uint32
	idle := 0
	start := time.Now()
	reason := canbus.Run(h, func(ev canbus.Event) canbus.Action {
		if ev.Idle {
			idle++
			return canbus.Continue
		}
		ids = append(ids, ev.Frame.ID)
		return canbus.Continue
	}, canbus.WithTimeout(10*time.Millisecond))

	assert.Equal(t, canbus.StopExternalClose, reason.Kind)
	assert.Equal(t, []uint32{1, 2}, ids)
	assert.GreaterOrEqual(t, idle, 2)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestReplayMissingFile(t *testing.T) {
	_, err := canbus.Open(context.Background(), Replay{Path: filepath.Join(t.TempDir(), "nope.cbor")}, testConfig())
	assert.ErrorIs(t, err, canbus.ErrInterfaceUnavailable)
}
