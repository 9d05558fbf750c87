package subscription

import (
	"testing"

	"github.com/kiwoom-envelope/engine/internal/broker"
	"github.com/stretchr/testify/require"
)

func instruments(n int, prefix string) []broker.InstrumentKey {
	out := make([]broker.InstrumentKey, n)
	for i := 0; i < n; i++ {
		out[i] = broker.InstrumentKey(prefix + string(rune('0'+i%10)) + string(rune('A'+i/10%26)))
	}
	return out
}

func TestAllocator_FirstReconcileRegistersEverythingUpToCapacity(t *testing.T) {
	a := New()
	watchlist := instruments(150, "W")

	diffs, polling := a.Reconcile(watchlist, nil)
	require.Len(t, diffs, 2)
	require.Len(t, diffs[0].Register, 100)
	require.Len(t, diffs[1].Register, 50)
	require.Empty(t, polling)
}

func TestAllocator_HoldersAreAlwaysPlacedFirst(t *testing.T) {
	a := New()
	watchlist := instruments(250, "W")
	holders := []broker.InstrumentKey{"HOLDER1", "HOLDER2"}

	_, polling := a.Reconcile(watchlist, holders)

	require.NotContains(t, polling, broker.InstrumentKey("HOLDER1"))
	require.NotContains(t, polling, broker.InstrumentKey("HOLDER2"))
	require.Len(t, polling, 250+2-200)
}

func TestAllocator_ReconcileEmitsDiffOnMembershipChange(t *testing.T) {
	a := New()
	watchlist := instruments(5, "W")
	a.Reconcile(watchlist, nil)

	changed := append([]broker.InstrumentKey{}, watchlist[1:]...)
	changed = append(changed, "NEW1")
	diffs, _ := a.Reconcile(changed, nil)

	require.Len(t, diffs, 1)
	require.Contains(t, diffs[0].Register, broker.InstrumentKey("NEW1"))
	require.Contains(t, diffs[0].Unregister, watchlist[0])
}

func TestAllocator_NoChangeProducesNoDiff(t *testing.T) {
	a := New()
	watchlist := instruments(10, "W")
	a.Reconcile(watchlist, nil)

	diffs, _ := a.Reconcile(watchlist, nil)
	require.Empty(t, diffs)
}

func TestAllocator_PartitionsBySlotBoundary(t *testing.T) {
	a := New()
	watchlist := instruments(120, "W")
	a.Reconcile(watchlist, nil)

	require.Len(t, a.SlotMembers(0), 100)
	require.Len(t, a.SlotMembers(1), 20)
}

func TestAllocator_InvalidSlotReturnsNil(t *testing.T) {
	a := New()
	require.Nil(t, a.SlotMembers(5))
	require.Nil(t, a.SlotMembers(-1))
}

func TestAllocator_HoldersDeduplicatedWithWatchlist(t *testing.T) {
	a := New()
	watchlist := []broker.InstrumentKey{"A", "B", "C"}
	holders := []broker.InstrumentKey{"B"}

	diffs, _ := a.Reconcile(watchlist, holders)
	require.Len(t, diffs[0].Register, 3)
}
