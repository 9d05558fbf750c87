package debounce

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestDebouncer_FirstEventAlwaysAdmitted(t *testing.T) {
	d := New(50 * time.Millisecond)
	require.True(t, d.Admit("005930", 8100, 10))
}

func TestDebouncer_SuppressesBurstWithinDelay(t *testing.T) {
	d := New(50 * time.Millisecond)
	require.True(t, d.Admit("005930", 8100, 10))
	require.False(t, d.Admit("005930", 8110, 20))
	require.False(t, d.Admit("005930", 8120, 30))

	price, volume, ok := d.Latest("005930")
	require.True(t, ok)
	require.Equal(t, int64(8120), price)
	require.Equal(t, int64(30), volume)
}

func TestDebouncer_AdmitsAgainAfterDelayElapses(t *testing.T) {
	d := New(20 * time.Millisecond)
	require.True(t, d.Admit("005930", 8100, 10))
	require.False(t, d.Admit("005930", 8110, 20))

	time.Sleep(30 * time.Millisecond)
	require.True(t, d.Admit("005930", 8120, 30))
}

func TestDebouncer_InstrumentsAreIndependent(t *testing.T) {
	d := New(50 * time.Millisecond)
	require.True(t, d.Admit("005930", 8100, 10))
	require.True(t, d.Admit("000660", 50000, 5))
	require.False(t, d.Admit("005930", 8110, 20))
}

func TestDebouncer_LatestUnknownInstrument(t *testing.T) {
	d := New(50 * time.Millisecond)
	_, _, ok := d.Latest("005930")
	require.False(t, ok)
}

func TestDebouncer_ResetRestartsAdmissionWindow(t *testing.T) {
	d := New(time.Hour)
	require.True(t, d.Admit("005930", 8100, 10))
	require.False(t, d.Admit("005930", 8110, 20))

	d.Reset("005930")
	require.True(t, d.Admit("005930", 8120, 30))
}

func TestDebouncer_ZeroDelayFallsBackToDefault(t *testing.T) {
	d := New(0)
	require.Equal(t, DefaultDelay, d.delay)
}
