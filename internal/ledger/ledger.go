// Package ledger is the durable record of pending (unfilled) orders keyed
// by instrument, per spec.md §4.8. Every mutation writes through to the
// backing config.Store atomically; the ledger itself holds no state beyond
// that document, mirroring the teacher's order.Manager treating its
// in-memory slice as the single source of truth for "what's outstanding".
package ledger

import (
	"time"

	"github.com/kiwoom-envelope/engine/internal/config"
)

// PendingOrder is the in-memory representation of one outstanding order.
type PendingOrder struct {
	Side       string
	Quantity   int64
	LimitPrice int64
	BuyCount   int
	TargetName string
	Persist    bool
}

// Ledger provides save/remove/clear/all operations against a config.Store's
// pending_orders section, keyed by instrument.
type Ledger struct {
	store *config.Store
}

// New creates a Ledger backed by store.
func New(store *config.Store) *Ledger {
	return &Ledger{store: store}
}

// Save inserts po under instrument, deduplicating by (side, limitPrice,
// buyCount) — a repeat save for the same triple is a no-op, per spec.md
// §4.8 and the round-trip law in §8.
func (l *Ledger) Save(instrument string, po PendingOrder) error {
	return l.store.Mutate(func(doc *config.TradingDocument) error {
		existing := doc.PendingOrders[instrument]
		for _, e := range existing {
			if e.Side == po.Side && e.LimitPrice == po.LimitPrice && e.BuyCount == po.BuyCount {
				return nil
			}
		}
		doc.PendingOrders[instrument] = append(existing, toRecord(po))
		return nil
	})
}

// RemoveMatching deletes entries for instrument matching side, and
// optionally price and buyCount when non-nil/non-zero filters are given.
// Passing side="" matches any side.
func (l *Ledger) RemoveMatching(instrument string, side string, price *int64, buyCount *int) error {
	return l.store.Mutate(func(doc *config.TradingDocument) error {
		existing := doc.PendingOrders[instrument]
		kept := existing[:0:0]
		for _, e := range existing {
			if matches(e, side, price, buyCount) {
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(doc.PendingOrders, instrument)
		} else {
			doc.PendingOrders[instrument] = kept
		}
		return nil
	})
}

// ClearFor removes all pending orders for instrument. If side is non-empty,
// only that side is cleared; persist=true entries survive same-day
// housekeeping but are still cleared by an explicit ClearFor call.
func (l *Ledger) ClearFor(instrument string, side string) error {
	return l.store.Mutate(func(doc *config.TradingDocument) error {
		if side == "" {
			delete(doc.PendingOrders, instrument)
			return nil
		}
		existing := doc.PendingOrders[instrument]
		kept := existing[:0:0]
		for _, e := range existing {
			if e.Side != side {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(doc.PendingOrders, instrument)
		} else {
			doc.PendingOrders[instrument] = kept
		}
		return nil
	})
}

// HousekeepStale drops non-persisted entries for instruments not present in
// openPositions — same-day housekeeping per spec.md §4.11's startup sync,
// which must not touch persist=true entries (e.g. an active stop-loss).
func (l *Ledger) HousekeepStale(openPositions map[string]bool) error {
	return l.store.Mutate(func(doc *config.TradingDocument) error {
		for inst, entries := range doc.PendingOrders {
			if openPositions[inst] {
				continue
			}
			kept := entries[:0:0]
			for _, e := range entries {
				if e.Persist {
					kept = append(kept, e)
				}
			}
			if len(kept) == 0 {
				delete(doc.PendingOrders, inst)
			} else {
				doc.PendingOrders[inst] = kept
			}
		}
		return nil
	})
}

// All returns a snapshot of every instrument's pending orders.
func (l *Ledger) All() (map[string][]PendingOrder, error) {
	doc, err := l.store.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make(map[string][]PendingOrder, len(doc.PendingOrders))
	for inst, records := range doc.PendingOrders {
		orders := make([]PendingOrder, 0, len(records))
		for _, r := range records {
			orders = append(orders, fromRecord(r))
		}
		out[inst] = orders
	}
	return out, nil
}

// ForInstrument returns the pending orders for a single instrument.
func (l *Ledger) ForInstrument(instrument string) ([]PendingOrder, error) {
	doc, err := l.store.Snapshot()
	if err != nil {
		return nil, err
	}
	records := doc.PendingOrders[instrument]
	orders := make([]PendingOrder, 0, len(records))
	for _, r := range records {
		orders = append(orders, fromRecord(r))
	}
	return orders, nil
}

func matches(e config.PendingOrderRecord, side string, price *int64, buyCount *int) bool {
	if side != "" && e.Side != side {
		return false
	}
	if price != nil && e.LimitPrice != *price {
		return false
	}
	if buyCount != nil && e.BuyCount != *buyCount {
		return false
	}
	return true
}

func toRecord(po PendingOrder) config.PendingOrderRecord {
	return config.PendingOrderRecord{
		Side:       po.Side,
		Quantity:   po.Quantity,
		LimitPrice: po.LimitPrice,
		BuyCount:   po.BuyCount,
		TargetName: po.TargetName,
		CreatedAt:  time.Now(),
		Persist:    po.Persist,
	}
}

func fromRecord(r config.PendingOrderRecord) PendingOrder {
	return PendingOrder{
		Side:       r.Side,
		Quantity:   r.Quantity,
		LimitPrice: r.LimitPrice,
		BuyCount:   r.BuyCount,
		TargetName: r.TargetName,
		Persist:    r.Persist,
	}
}
