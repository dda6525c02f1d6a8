package canbus

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openVirtual(t *testing.T, cfg Config) (*VirtualBus, *Handle) {
	t.Helper()
	bus := NewVirtualBus()
	t.Cleanup(func() { _ = bus.Close() })
	h, err := Open(context.Background(), bus, cfg)
	require.NoError(t, err)
	return bus, h
}

func TestOpenCloseReleasesTransport(t *testing.T) {
	configs := []Config{
		{Interface: "vcan0", Bitrate: 500000},
		{Interface: "vcan1", Channel: 3, Bitrate: 125000, AppLabel: "CANoe"},
		{Interface: "can0", Bitrate: MaxBitrate, FD: true},
	}
	for _, cfg := range configs {
		t.Run(cfg.String(), func(t *testing.T) {
			bus, h := openVirtual(t, cfg)
			assert.Equal(t, StateOpen, h.State())
			assert.Equal(t, cfg, h.Config())
			require.NoError(t, h.Close())

			assert.Equal(t, StateClosed, h.State())
			st := bus.Stats()
			assert.Equal(t, 1, st.Opens)
			assert.Equal(t, 1, st.Closes)
			assert.Zero(t, st.Active())
		})
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	for n := 1; n <= 5; n++ {
		bus, h := openVirtual(t, vcan0())
		for i := 0; i < n; i++ {
			assert.NoError(t, h.Close())
		}
		assert.Equal(t, StateClosed, h.State())
		assert.Equal(t, VirtualStats{Opens: 1, Closes: 1}, bus.Stats(), "n=%d", n)

		_, err := h.Receive(time.Millisecond)
		assert.ErrorIs(t, err, ErrClosed)
	}
}

func TestCloseIsSafeFromManyGoroutines(t *testing.T) {
	bus, h := openVirtual(t, vcan0())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = h.Close()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, bus.Stats().Closes)
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
	}{
		{"zero bitrate", Config{Interface: "vcan0", Channel: 0, Bitrate: 0}},
		{"negative bitrate", Config{Interface: "vcan0", Bitrate: -1}},
		{"negative channel", Config{Interface: "vcan0", Channel: -1, Bitrate: 500000}},
		{"empty interface", Config{Bitrate: 500000}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			bus := NewVirtualBus()
			defer bus.Close()

			h, err := Open(context.Background(), bus, tc.cfg)
			require.Error(t, err)
			assert.Nil(t, h)

			var ce *ConnectError
			require.ErrorAs(t, err, &ce)
			assert.Equal(t, tc.cfg, ce.Config)
			assert.ErrorIs(t, err, ErrInvalidConfig)
			assert.Zero(t, bus.Stats().Opens, "driver must not be asked to open")
		})
	}
}

func TestOpenWrapsDriverFailures(t *testing.T) {
	bus, h := openVirtual(t, vcan0())
	defer h.Close()

	_, err := Open(context.Background(), bus, vcan0())
	var ce *ConnectError
	require.ErrorAs(t, err, &ce)
	assert.ErrorIs(t, err, ErrChannelClaimed)

	fast := vcan0()
	fast.Channel, fast.Bitrate = 1, 5*MaxBitrate
	_, err = Open(context.Background(), bus, fast)
	assert.ErrorIs(t, err, ErrUnsupportedBitrate)

	_, err = Open(context.Background(), nil, vcan0())
	assert.ErrorIs(t, err, ErrInterfaceUnavailable)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	other := vcan0()
	other.Channel = 2
	_, err = Open(ctx, bus, other)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestReceiveTimeoutKeepsHandleOpen(t *testing.T) {
	bus, h := openVirtual(t, vcan0())
	defer h.Close()

	_, err := h.Receive(5 * time.Millisecond)
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateOpen, h.State())

	require.NoError(t, bus.Inject("vcan0", 0, MustFrame(0x100, []byte{1})))
	f, err := h.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x100), f.ID)
	assert.False(t, f.Timestamp.IsZero())
}

func TestReceiveFaultMovesToError(t *testing.T) {
	bus, h := openVirtual(t, vcan0())
	cause := io.ErrUnexpectedEOF
	require.NoError(t, bus.Fault("vcan0", 0, cause))

	_, err := h.Receive(0)
	var bf *BusFault
	require.ErrorAs(t, err, &bf)
	assert.ErrorIs(t, err, cause)
	assert.True(t, IsBusFault(err))
	assert.Equal(t, StateError, h.State())
	assert.Zero(t, bus.Stats().Active(), "faulted handle must release its transport")

	// Further receives repeat the fault without touching the transport.
	_, again := h.Receive(0)
	assert.Same(t, bf, again)

	assert.NoError(t, h.Close())
	assert.Equal(t, StateError, h.State())
	assert.Equal(t, 1, bus.Stats().Closes)
}

func TestTransportCloseEndsWithClosed(t *testing.T) {
	bus, h := openVirtual(t, vcan0())
	require.NoError(t, bus.Close())

	_, err := h.Receive(0)
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, IsBusFault(err))
	assert.Equal(t, StateClosed, h.State())
}

func TestCloseUnblocksReceive(t *testing.T) {
	_, h := openVirtual(t, vcan0())

	done := make(chan error, 1)
	go func() {
		_, err := h.Receive(0)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, h.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("close did not unblock receive")
	}
}

func TestErrorFramesTrackControllerState(t *testing.T) {
	bus, h := openVirtual(t, vcan0())
	assert.Equal(t, ErrorActive, h.ErrorState())

	passive := Frame{ID: ErrClassCtrl | ErrClassCounters, Error: true, Len: 8}
	passive.Data[1] = ctrlRxPassive
	passive.Data[6], passive.Data[7] = 12, 130
	require.NoError(t, bus.Inject("vcan0", 0, passive))

	f, err := h.Receive(time.Second)
	require.NoError(t, err, "error frames are delivered")
	assert.True(t, f.Error)
	assert.Equal(t, ErrorPassive, h.ErrorState())
	assert.Equal(t, ErrorCounters{Tx: 12, Rx: 130}, h.ErrorCounters())

	// Protocol errors without controller details leave the state alone.
	require.NoError(t, bus.Inject("vcan0", 0, Frame{ID: ErrClassProt, Error: true, Len: 8}))
	_, err = h.Receive(time.Second)
	require.NoError(t, err)
	assert.Equal(t, ErrorPassive, h.ErrorState())

	require.NoError(t, bus.Inject("vcan0", 0, Frame{ID: ErrClassBusOff, Error: true, Len: 8}))
	_, err = h.Receive(time.Second)
	assert.ErrorIs(t, err, ErrBusOff)
	assert.True(t, IsBusFault(err))
	assert.Equal(t, StateError, h.State())
	assert.Equal(t, BusOff, h.ErrorState())
}

func TestZeroHandleIsClosed(t *testing.T) {
	var h Handle
	assert.Equal(t, StateUnopened, h.State())
	_, err := h.Receive(0)
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, h.Close())
}
