// Package position is the per-instrument position state machine, backed by
// a config.Store document, per spec.md §4.9. Illegal transitions are
// rejected with a logged error rather than silently corrected, per the
// package's core invariant-enforcement mandate.
package position

import (
	"time"

	"github.com/kiwoom-envelope/engine/internal/config"
	"github.com/kiwoom-envelope/engine/internal/engineerr"
	"github.com/kiwoom-envelope/engine/internal/logger"
)

// Phase is the derived FSM state for a position: it is never stored
// directly, but computed from the record's quantity/flags so there is only
// one source of truth for "what state am I in".
type Phase string

const (
	PhaseEmpty         Phase = "empty"
	PhaseOpen          Phase = "open"
	PhaseStopLossActive Phase = "stoploss_active"
	PhaseClosed        Phase = "closed"
)

// Position mirrors config.PositionRecord with a derived Phase.
type Position struct {
	Quantity                int64
	AvgPrice                int64
	InitialQuantity         int64
	OriginalInitialQuantity int64
	BuyCount                int
	FirstBuyPrice           int64
	SoldTargets             map[string]bool
	SellOccurred            bool
	StoplossTriggered       bool
	StoplossPrice           int64
	LastUpdate              time.Time
}

// Phase derives the FSM phase from the record's fields, per spec.md §4.9's
// transition table: Empty has no quantity and has never sold; Closed has no
// quantity but carries sellOccurred=true to block same-day re-entry; Open
// and StopLossActive both have quantity, distinguished by the stop-loss
// flag.
func (p Position) Phase() Phase {
	switch {
	case p.Quantity == 0 && !p.SellOccurred:
		return PhaseEmpty
	case p.Quantity == 0 && p.SellOccurred:
		return PhaseClosed
	case p.StoplossTriggered:
		return PhaseStopLossActive
	default:
		return PhaseOpen
	}
}

// Store owns the position-state mutations against a config.Store.
type Store struct {
	cs  *config.Store
	log *logger.Logger
}

// New creates a position Store backed by cs.
func New(cs *config.Store) *Store {
	return &Store{cs: cs, log: logger.Component("position")}
}

// Get returns the current position for instrument, or the zero (Empty)
// position if none is recorded.
func (s *Store) Get(instrument string) (Position, error) {
	doc, err := s.cs.Snapshot()
	if err != nil {
		return Position{}, err
	}
	rec, ok := doc.Positions[instrument]
	if !ok {
		return Position{}, nil
	}
	return fromRecord(rec), nil
}

// Iterate returns a snapshot of every recorded position.
func (s *Store) Iterate() (map[string]Position, error) {
	doc, err := s.cs.Snapshot()
	if err != nil {
		return nil, err
	}
	out := make(map[string]Position, len(doc.Positions))
	for inst, rec := range doc.Positions {
		out[inst] = fromRecord(rec)
	}
	return out, nil
}

// Clear removes instrument's position record entirely (used for session
// rollover when a position has been Empty for a full day and need not be
// tracked further).
func (s *Store) Clear(instrument string) error {
	return s.cs.Mutate(func(doc *config.TradingDocument) error {
		delete(doc.Positions, instrument)
		return nil
	})
}

// ApplyBalanceEvent handles an authoritative balance update from the
// broker: Empty->Open on the first qty>0 report, Open->Open with
// buyCount++ on a quantity increase, and any->Closed on qty==0. Rejects a
// quantity increase once sellOccurred is true, enforcing I2 (no
// pyramiding after any sell).
func (s *Store) ApplyBalanceEvent(instrument string, quantity, avgPrice int64) (Position, error) {
	var result Position
	err := s.cs.Mutate(func(doc *config.TradingDocument) error {
		rec := doc.Positions[instrument]
		cur := fromRecord(rec)
		phase := cur.Phase()

		switch {
		case quantity == 0:
			cur.SoldTargets = map[string]bool{}
			cur.StoplossTriggered = false
			cur.StoplossPrice = 0
			cur.Quantity = 0
			cur.AvgPrice = 0
			// SellOccurred is preserved per I4, blocking same-day re-entry.

		case phase == PhaseEmpty:
			cur.Quantity = quantity
			cur.AvgPrice = avgPrice
			cur.InitialQuantity = quantity
			cur.OriginalInitialQuantity = quantity
			cur.BuyCount = 1
			cur.FirstBuyPrice = avgPrice
			cur.SellOccurred = false
			cur.SoldTargets = map[string]bool{}

		case quantity > cur.Quantity:
			if cur.SellOccurred {
				s.log.Error("rejected illegal transition: pyramiding after sell",
					"instrument", instrument, "quantity", quantity, "current", cur.Quantity)
				return engineerr.New(engineerr.KindInvariantViolation, "ApplyBalanceEvent", instrument, nil)
			}
			cur.Quantity = quantity
			cur.AvgPrice = avgPrice
			cur.InitialQuantity = quantity
			cur.BuyCount++

		case quantity < cur.Quantity:
			cur.Quantity = quantity
			cur.AvgPrice = avgPrice

		default:
			cur.AvgPrice = avgPrice
		}

		cur.LastUpdate = s.now()
		doc.Positions[instrument] = toRecord(cur)
		result = cur
		return nil
	})
	return result, err
}

// ApplySellFill records a sell fill against target, growing soldTargets
// monotonically (I1) and marking sellOccurred. It must be called before the
// corresponding balance event's quantity update (ApplyBalanceEvent), while
// the position is still Open/StopLossActive, so sellOccurred lands before
// a full exit would otherwise close the position with sellOccurred unset.
// target is empty for a manual sell that matches no known ladder rung; in
// that case sellOccurred is still set but soldTargets is left untouched,
// matching the caller's classification at HandleOrderEvent/HandleBalanceEvent.
func (s *Store) ApplySellFill(instrument, target string) (Position, error) {
	var result Position
	err := s.cs.Mutate(func(doc *config.TradingDocument) error {
		rec := doc.Positions[instrument]
		cur := fromRecord(rec)

		if cur.Phase() != PhaseOpen && cur.Phase() != PhaseStopLossActive {
			s.log.Error("rejected sell fill on non-open position",
				"instrument", instrument, "target", target)
			return engineerr.New(engineerr.KindInvariantViolation, "ApplySellFill", instrument, nil)
		}

		if target != "" {
			if cur.SoldTargets == nil {
				cur.SoldTargets = map[string]bool{}
			}
			cur.SoldTargets[target] = true
		}
		cur.SellOccurred = true
		cur.LastUpdate = s.now()

		doc.Positions[instrument] = toRecord(cur)
		result = cur
		return nil
	})
	return result, err
}

// TriggerStopLoss transitions Open(soldTargets non-empty, qty>0) into
// StopLossActive at the given floor-rounded price. Rejects the call if the
// preconditions in spec.md §4.7's stop-loss intent aren't met.
func (s *Store) TriggerStopLoss(instrument string, price int64) (Position, error) {
	var result Position
	err := s.cs.Mutate(func(doc *config.TradingDocument) error {
		rec := doc.Positions[instrument]
		cur := fromRecord(rec)

		if cur.Phase() != PhaseOpen || cur.Quantity <= 0 || len(cur.SoldTargets) == 0 || cur.SoldTargets["스탑로스"] {
			s.log.Error("rejected illegal stop-loss transition",
				"instrument", instrument, "phase", cur.Phase())
			return engineerr.New(engineerr.KindInvariantViolation, "TriggerStopLoss", instrument, nil)
		}

		cur.StoplossTriggered = true
		cur.StoplossPrice = price
		cur.LastUpdate = s.now()

		doc.Positions[instrument] = toRecord(cur)
		result = cur
		return nil
	})
	return result, err
}

// RolloverNewDay resets a Closed position back to Empty, clearing
// sellOccurred so same-day re-entry blocking no longer applies.
func (s *Store) RolloverNewDay(instrument string) (Position, error) {
	var result Position
	err := s.cs.Mutate(func(doc *config.TradingDocument) error {
		rec := doc.Positions[instrument]
		cur := fromRecord(rec)

		if cur.Phase() != PhaseClosed {
			s.log.Error("rejected rollover on non-closed position",
				"instrument", instrument, "phase", cur.Phase())
			return engineerr.New(engineerr.KindInvariantViolation, "RolloverNewDay", instrument, nil)
		}

		cur.SellOccurred = false
		cur.BuyCount = 0
		cur.LastUpdate = s.now()

		doc.Positions[instrument] = toRecord(cur)
		result = cur
		return nil
	})
	return result, err
}

func (s *Store) now() time.Time { return time.Now() }

func fromRecord(r config.PositionRecord) Position {
	targets := r.SoldTargets
	if targets == nil {
		targets = map[string]bool{}
	}
	return Position{
		Quantity:                r.Quantity,
		AvgPrice:                r.AvgPrice,
		InitialQuantity:         r.InitialQuantity,
		OriginalInitialQuantity: r.OriginalInitialQuantity,
		BuyCount:                r.BuyCount,
		FirstBuyPrice:           r.FirstBuyPrice,
		SoldTargets:             targets,
		SellOccurred:            r.SellOccurred,
		StoplossTriggered:       r.StoplossTriggered,
		StoplossPrice:           r.StoplossPrice,
		LastUpdate:              r.LastUpdate,
	}
}

func toRecord(p Position) config.PositionRecord {
	return config.PositionRecord{
		Quantity:                p.Quantity,
		AvgPrice:                p.AvgPrice,
		InitialQuantity:         p.InitialQuantity,
		OriginalInitialQuantity: p.OriginalInitialQuantity,
		BuyCount:                p.BuyCount,
		FirstBuyPrice:           p.FirstBuyPrice,
		SoldTargets:             p.SoldTargets,
		SellOccurred:            p.SellOccurred,
		StoplossTriggered:       p.StoplossTriggered,
		StoplossPrice:           p.StoplossPrice,
		LastUpdate:              p.LastUpdate,
	}
}
