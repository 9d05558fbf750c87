// Package subscription partitions a watchlist across fixed-capacity
// realtime subscription slots, prioritizing current position holders, per
// spec.md §4.5. It is grounded on the teacher's SymbolManager's
// active-symbol-set bookkeeping under a single mutex, generalized from an
// enable/disable API into a diff-emitting reconciler.
package subscription

import (
	"sort"
	"sync"

	"github.com/kiwoom-envelope/engine/internal/broker"
)

// SlotCount is the number of fixed-capacity subscription slots.
const SlotCount = 2

// SlotCapacity is the number of instruments each slot can carry.
const SlotCapacity = 100

// Diff describes the instruments a slot must register and unregister to
// move from its previous membership to its new one.
type Diff struct {
	Slot       int
	Register   []broker.InstrumentKey
	Unregister []broker.InstrumentKey
}

// Allocator computes slot membership diffs across watchlist/holder changes
// and reports the polling-rotation set (instruments beyond slot capacity)
// from each Reconcile call; it does not store that set.
type Allocator struct {
	mu      sync.Mutex
	members [SlotCount]map[broker.InstrumentKey]struct{}
}

// New creates an empty Allocator with no current slot membership.
func New() *Allocator {
	a := &Allocator{}
	for i := range a.members {
		a.members[i] = make(map[broker.InstrumentKey]struct{})
	}
	return a
}

// Reconcile computes the active set from watchlist and holders — holders
// are placed first, then the remaining watchlist instruments in stable
// order, up to SlotCount*SlotCapacity. It partitions the active set into
// slots by 100-block index, diffs each slot against its previous
// membership, and returns the polling-rotation set (instruments beyond the
// active set). The Allocator's internal membership is updated to the new
// state as a side effect.
func (a *Allocator) Reconcile(watchlist, holders []broker.InstrumentKey) (diffs []Diff, polling []broker.InstrumentKey) {
	a.mu.Lock()
	defer a.mu.Unlock()

	active := buildActiveSet(watchlist, holders)

	activeLimit := SlotCount * SlotCapacity
	if len(active) > activeLimit {
		polling = append(polling, active[activeLimit:]...)
		active = active[:activeLimit]
	}

	diffs = make([]Diff, 0, SlotCount)
	for slot := 0; slot < SlotCount; slot++ {
		start := slot * SlotCapacity
		end := start + SlotCapacity
		if start > len(active) {
			start = len(active)
		}
		if end > len(active) {
			end = len(active)
		}
		newMembers := toSet(active[start:end])

		register := setDifference(newMembers, a.members[slot])
		unregister := setDifference(a.members[slot], newMembers)

		if len(register) > 0 || len(unregister) > 0 {
			diffs = append(diffs, Diff{Slot: slot, Register: register, Unregister: unregister})
		}
		a.members[slot] = newMembers
	}

	return diffs, polling
}

// SlotMembers returns a snapshot of the current membership of slot.
func (a *Allocator) SlotMembers(slot int) []broker.InstrumentKey {
	a.mu.Lock()
	defer a.mu.Unlock()
	if slot < 0 || slot >= SlotCount {
		return nil
	}
	out := make([]broker.InstrumentKey, 0, len(a.members[slot]))
	for inst := range a.members[slot] {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// buildActiveSet places holders first (in holder order, deduplicated),
// followed by the remaining watchlist instruments in their given order.
func buildActiveSet(watchlist, holders []broker.InstrumentKey) []broker.InstrumentKey {
	seen := make(map[broker.InstrumentKey]struct{}, len(watchlist))
	active := make([]broker.InstrumentKey, 0, len(watchlist))

	for _, h := range holders {
		if _, ok := seen[h]; ok {
			continue
		}
		seen[h] = struct{}{}
		active = append(active, h)
	}
	for _, w := range watchlist {
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		active = append(active, w)
	}
	return active
}

func toSet(instruments []broker.InstrumentKey) map[broker.InstrumentKey]struct{} {
	set := make(map[broker.InstrumentKey]struct{}, len(instruments))
	for _, inst := range instruments {
		set[inst] = struct{}{}
	}
	return set
}

// setDifference returns the sorted elements present in a but not in b.
func setDifference(a, b map[broker.InstrumentKey]struct{}) []broker.InstrumentKey {
	out := make([]broker.InstrumentKey, 0)
	for inst := range a {
		if _, ok := b[inst]; !ok {
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
