package canbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func errFrame(class uint32, data ...byte) Frame {
	f := Frame{ID: class, Error: true, Len: 8}
	copy(f.Data[:], data)
	return f
}

func TestParseErrorFrame(t *testing.T) {
	cases := []struct {
		name  string
		frame Frame
		want  ErrorInfo
	}{
		{
			name:  "warning with counters",
			frame: errFrame(ErrClassCtrl|ErrClassCounters, 0, ctrlTxWarning, 0, 0, 0, 0, 97, 3),
			want: ErrorInfo{
				Class: ErrClassCtrl | ErrClassCounters, State: ErrorWarning, HasState: true,
				Counters: ErrorCounters{Tx: 97, Rx: 3}, HasCounters: true,
			},
		},
		{
			name:  "passive wins over warning",
			frame: errFrame(ErrClassCtrl, 0, ctrlRxWarning|ctrlRxPassive),
			want:  ErrorInfo{Class: ErrClassCtrl, State: ErrorPassive, HasState: true},
		},
		{
			name:  "back to active",
			frame: errFrame(ErrClassCtrl, 0, ctrlActive),
			want:  ErrorInfo{Class: ErrClassCtrl, State: ErrorActive, HasState: true},
		},
		{
			name:  "rx overflow keeps state",
			frame: errFrame(ErrClassCtrl, 0, ctrlRxOverflow),
			want:  ErrorInfo{Class: ErrClassCtrl, RxOverflow: true},
		},
		{
			name:  "bus off",
			frame: errFrame(ErrClassBusOff),
			want:  ErrorInfo{Class: ErrClassBusOff, State: BusOff, HasState: true},
		},
		{
			name:  "restarted",
			frame: errFrame(ErrClassRestarted),
			want:  ErrorInfo{Class: ErrClassRestarted, State: ErrorActive, HasState: true},
		},
		{
			name:  "arbitration lost",
			frame: errFrame(ErrClassLostArb, 5),
			want:  ErrorInfo{Class: ErrClassLostArb},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := ParseErrorFrame(tc.frame)
			assert.True(t, ok)
			assert.Equal(t, tc.want, got)
		})
	}

	_, ok := ParseErrorFrame(MustFrame(ErrClassBusOff, nil))
	assert.False(t, ok, "data frames are not error frames")
}

func TestErrorInfoFlags(t *testing.T) {
	info, _ := ParseErrorFrame(errFrame(ErrClassBusOff | ErrClassRestarted))
	assert.True(t, info.BusOff())
	assert.True(t, info.Restarted())
	assert.Equal(t, BusOff, info.State)
	assert.Equal(t, "bus-off", info.State.String())
	assert.Equal(t, "error-passive", ErrorPassive.String())
}
