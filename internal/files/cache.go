package files

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharedrop_record_cache_hits_total",
		Help: "Record cache hits on the download path.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sharedrop_record_cache_misses_total",
		Help: "Record cache misses on the download path.",
	})
)

// RecordCache is a per-process LRU of records with a TTL. The coordinator
// invalidates an entry whenever it changes permissions.
//
// Fills race with invalidations: a reader that loaded a record before a
// permission change must not put the old copy back afterwards. Readers
// take a Generation before loading and Set drops the fill if any
// invalidation happened since.
type RecordCache struct {
	lru *expirable.LRU[string, *FileRecord]

	mu  sync.Mutex
	gen uint64
}

// NewRecordCache returns nil when size or ttl is not positive, which
// disables caching.
func NewRecordCache(size int, ttl time.Duration) *RecordCache {
	if size <= 0 || ttl <= 0 {
		return nil
	}
	return &RecordCache{lru: expirable.NewLRU[string, *FileRecord](size, nil, ttl)}
}

func (c *RecordCache) Get(id string) (*FileRecord, bool) {
	if c == nil {
		return nil, false
	}
	rec, ok := c.lru.Get(id)
	if !ok {
		cacheMissesTotal.Inc()
		return nil, false
	}
	cacheHitsTotal.Inc()
	return rec.Clone(), true
}

// Generation returns the current invalidation generation.
func (c *RecordCache) Generation() uint64 {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen
}

// Set stores rec if no invalidation happened since gen was taken and
// reports whether it did.
func (c *RecordCache) Set(rec *FileRecord, gen uint64) bool {
	if c == nil || rec == nil {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != gen {
		return false
	}
	c.lru.Add(rec.ID, rec.Clone())
	return true
}

func (c *RecordCache) Invalidate(id string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gen++
	c.lru.Remove(id)
}
