// Package candlecache maintains a TTL-bounded cache of daily OHLC candles
// per instrument and a round-robin background scheduler that keeps it warm,
// per spec.md §4.3. It is grounded on the teacher's ScalpingStrategy capped
// price/volume slices and its ticker-driven run loop shape.
package candlecache

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/kiwoom-envelope/engine/internal/broker"
	"github.com/kiwoom-envelope/engine/internal/logger"
	"github.com/kiwoom-envelope/engine/internal/requestqueue"
)

const (
	// TTL is how long a cached entry is considered fresh.
	TTL = 60 * time.Second
	// BatchInterval is how often the scheduler picks its next batch.
	BatchInterval = 3 * time.Second
	// BatchSize is the number of instruments refreshed per batch.
	BatchSize = 10
	// PerInstrumentInterval is the spacing between fetches within a batch.
	PerInstrumentInterval = 350 * time.Millisecond
	// historyCount is how many daily candles are requested per fetch.
	historyCount = 30
)

type entry struct {
	candles   []broker.Candle
	updatedAt time.Time
}

// Cache is a {instrument -> candles} map with a TTL freshness check (an
// entry older than TTL is refetched on read; entries are never evicted) and
// an attached round-robin BatchScheduler that keeps entries warm via a
// requestqueue.Queue.
type Cache struct {
	adapter broker.Adapter
	queue   *requestqueue.Queue
	log     *logger.Logger

	mu      sync.Mutex
	entries map[broker.InstrumentKey]entry

	schedMu     sync.Mutex
	watchlist   []broker.InstrumentKey
	cursor      int
	running     bool
	done        chan struct{}
}

// New creates a Cache that fetches candles through queue against adapter.
func New(adapter broker.Adapter, queue *requestqueue.Queue) *Cache {
	return &Cache{
		adapter: adapter,
		queue:   queue,
		log:     logger.Component("candlecache"),
		entries: make(map[broker.InstrumentKey]entry),
		done:    make(chan struct{}),
	}
}

// SetWatchlist replaces the ordered instrument list the scheduler rotates
// over. The round-robin cursor is clamped into the new list's bounds.
func (c *Cache) SetWatchlist(instruments []broker.InstrumentKey) {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	sorted := make([]broker.InstrumentKey, len(instruments))
	copy(sorted, instruments)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	c.watchlist = sorted
	if len(c.watchlist) == 0 {
		c.cursor = 0
	} else {
		c.cursor %= len(c.watchlist)
	}
}

// GetCandles returns the cached candles for inst if fresh (updated within
// TTL), otherwise performs an on-demand synchronous fetch through the queue
// and populates the cache before returning.
func (c *Cache) GetCandles(ctx context.Context, inst broker.InstrumentKey) ([]broker.Candle, error) {
	c.mu.Lock()
	e, ok := c.entries[inst]
	c.mu.Unlock()

	if ok && time.Since(e.updatedAt) < TTL {
		out := make([]broker.Candle, len(e.candles))
		copy(out, e.candles)
		return out, nil
	}

	return c.fetchOnDemand(ctx, inst)
}

func (c *Cache) fetchOnDemand(ctx context.Context, inst broker.InstrumentKey) ([]broker.Candle, error) {
	type fetchResult struct {
		candles []broker.Candle
		err     error
	}
	resCh := make(chan fetchResult, 1)

	c.queue.Enqueue(func(opCtx context.Context) (any, error) {
		return c.adapter.GetDailyCandles(opCtx, inst, historyCount)
	}, func(result any, err error) {
		if err != nil {
			resCh <- fetchResult{err: err}
			return
		}
		candles, _ := result.([]broker.Candle)
		c.store(inst, candles)
		resCh <- fetchResult{candles: candles}
	})

	select {
	case res := <-resCh:
		return res.candles, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) store(inst broker.InstrumentKey, candles []broker.Candle) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[inst] = entry{candles: candles, updatedAt: time.Now()}
}

// Start begins the background batch scheduler: every BatchInterval it picks
// the next BatchSize instruments from the round-robin cursor, then fires one
// candle-fetch every PerInstrumentInterval within that batch. A full
// rotation of 200 instruments completes in ~60s.
func (c *Cache) Start(ctx context.Context) {
	c.schedMu.Lock()
	if c.running {
		c.schedMu.Unlock()
		return
	}
	select {
	case <-c.done:
		c.done = make(chan struct{})
	default:
	}
	doneCh := c.done
	c.running = true
	c.schedMu.Unlock()

	go c.run(ctx, doneCh)
}

// Stop halts the background scheduler. The cache itself remains queryable.
func (c *Cache) Stop() {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()
	if !c.running {
		return
	}
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	c.running = false
}

func (c *Cache) run(ctx context.Context, done <-chan struct{}) {
	batchTicker := time.NewTicker(BatchInterval)
	defer batchTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-batchTicker.C:
			c.refreshNextBatch(ctx, done)
		}
	}
}

func (c *Cache) nextBatch() []broker.InstrumentKey {
	c.schedMu.Lock()
	defer c.schedMu.Unlock()

	n := len(c.watchlist)
	if n == 0 {
		return nil
	}
	size := BatchSize
	if size > n {
		size = n
	}
	batch := make([]broker.InstrumentKey, 0, size)
	for i := 0; i < size; i++ {
		batch = append(batch, c.watchlist[(c.cursor+i)%n])
	}
	c.cursor = (c.cursor + size) % n
	return batch
}

func (c *Cache) refreshNextBatch(ctx context.Context, done <-chan struct{}) {
	batch := c.nextBatch()
	if len(batch) == 0 {
		return
	}

	perInstrumentTicker := time.NewTicker(PerInstrumentInterval)
	defer perInstrumentTicker.Stop()

	idx := 0
	c.enqueueRefresh(ctx, batch[idx])
	idx++

	for idx < len(batch) {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-perInstrumentTicker.C:
			c.enqueueRefresh(ctx, batch[idx])
			idx++
		}
	}
}

func (c *Cache) enqueueRefresh(ctx context.Context, inst broker.InstrumentKey) {
	c.queue.Enqueue(func(opCtx context.Context) (any, error) {
		return c.adapter.GetDailyCandles(opCtx, inst, historyCount)
	}, func(result any, err error) {
		if err != nil {
			c.log.WithError(err).Debug("batch candle refresh failed", "instrument", string(inst))
			return
		}
		candles, _ := result.([]broker.Candle)
		c.store(inst, candles)
	})
}
