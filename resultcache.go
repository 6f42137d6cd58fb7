package capture

import (
	"sync"
	"sync/atomic"

	"github.com/edaniels/golog"
)

const defaultResultCacheSize = 8

// A ResultCache matches asynchronous per-frame metadata records, delivered on
// the capture-callback path, to frame-available events carrying hardware
// timestamps. Matched and evicted records are released immediately rather
// than left to the garbage collector; sustained capture otherwise piles up
// heavyweight native metadata between collections.
type ResultCache struct {
	logger golog.Logger

	mu       sync.Mutex
	capacity int
	records  map[int64]*CaptureResultRecord
	order    []int64

	evicted   atomic.Int64
	unmatched atomic.Int64
}

// NewResultCache returns a cache bounded to the given number of pending
// records; capacity <= 0 uses a small default.
func NewResultCache(capacity int, logger golog.Logger) *ResultCache {
	if capacity <= 0 {
		capacity = defaultResultCacheSize
	}
	return &ResultCache{
		logger:   logger,
		capacity: capacity,
		records:  map[int64]*CaptureResultRecord{},
		order:    make([]int64, 0, capacity),
	}
}

// Put stores a record under its timestamp. If a record with the same
// timestamp is already pending it is released and replaced. If the cache is
// full, the oldest pending record is released and evicted.
func (c *ResultCache) Put(rec *CaptureResultRecord) {
	if rec == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.records[rec.Timestamp]; ok {
		prev.Release()
		c.records[rec.Timestamp] = rec
		return
	}
	if len(c.order) >= c.capacity {
		oldest := c.order[0]
		c.order = c.order[1:]
		if prev, ok := c.records[oldest]; ok {
			delete(c.records, oldest)
			prev.Release()
			c.evicted.Add(1)
		}
	}
	c.records[rec.Timestamp] = rec
	c.order = append(c.order, rec.Timestamp)
}

// Match removes and returns the record with exactly the given timestamp, or
// nil if none is pending. Ownership of the returned record passes to the
// caller, who must release it when done with the frame.
func (c *ResultCache) Match(timestamp int64) *CaptureResultRecord {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[timestamp]
	if !ok {
		c.unmatched.Add(1)
		return nil
	}
	delete(c.records, timestamp)
	for i, ts := range c.order {
		if ts == timestamp {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	return rec
}

// Clear releases every still-pending record. Called when the owning session
// closes so unmatched records are dropped, never leaked.
func (c *ResultCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for ts, rec := range c.records {
		delete(c.records, ts)
		rec.Release()
	}
	c.order = c.order[:0]
}

// Len returns the number of pending records.
func (c *ResultCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Evicted returns how many records were dropped to keep the cache bounded.
func (c *ResultCache) Evicted() int64 {
	return c.evicted.Load()
}
