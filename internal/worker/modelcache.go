package worker

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"
)

// ModelLoadFunc materialises a model and reports its resident size.
type ModelLoadFunc func(ctx context.Context, modelID string) (handle any, sizeBytes int64, err error)

type cacheEntry struct {
	modelID   string
	handle    any
	sizeBytes int64
	pinned    bool
	loadedAt  time.Time
	lastUsed  time.Time
	elem      *list.Element
}

type inflightLoad struct {
	done chan struct{}
	res  any
	err  error
}

// Eviction records one model leaving the cache.
type Eviction struct {
	ModelID   string
	SizeBytes int64
	Resident  time.Duration
	At        time.Time
}

const evictionHistoryCap = 100

// ModelCache keeps up to capacity models resident, evicting the least
// recently used unpinned model on overflow. Concurrent loads of the same
// model are deduplicated so the loader runs once.
type ModelCache struct {
	capacity int
	load     ModelLoadFunc

	mu        sync.Mutex
	entries   map[string]*cacheEntry
	order     *list.List // front is most recently used
	loading   map[string]*inflightLoad
	evictions []Eviction

	hits   int64
	misses int64
}

func NewModelCache(capacity int, load ModelLoadFunc) *ModelCache {
	if capacity <= 0 {
		capacity = 1
	}
	return &ModelCache{
		capacity: capacity,
		load:     load,
		entries:  make(map[string]*cacheEntry),
		order:    list.New(),
		loading:  make(map[string]*inflightLoad),
	}
}

// Get returns the model handle, loading it on a miss. Callers racing on the
// same cold model share one load.
func (c *ModelCache) Get(ctx context.Context, modelID string) (any, error) {
	c.mu.Lock()

	if e, ok := c.entries[modelID]; ok {
		e.lastUsed = time.Now()
		c.order.MoveToFront(e.elem)
		c.hits++
		c.mu.Unlock()
		return e.handle, nil
	}

	if fl, ok := c.loading[modelID]; ok {
		c.mu.Unlock()
		select {
		case <-fl.done:
			return fl.res, fl.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.misses++
	fl := &inflightLoad{done: make(chan struct{})}
	c.loading[modelID] = fl
	c.mu.Unlock()

	handle, size, err := c.load(ctx, modelID)

	c.mu.Lock()
	delete(c.loading, modelID)
	if err == nil {
		err = c.insertLocked(modelID, handle, size)
	}
	c.mu.Unlock()

	if err != nil {
		fl.err = err
		close(fl.done)
		return nil, err
	}
	fl.res = handle
	close(fl.done)
	return handle, nil
}

// insertLocked stores a loaded model, evicting LRU unpinned entries to make
// room. Fails if every resident model is pinned.
func (c *ModelCache) insertLocked(modelID string, handle any, size int64) error {
	for len(c.entries) >= c.capacity {
		if !c.evictOneLocked() {
			return fmt.Errorf("model cache full and all %d entries pinned", len(c.entries))
		}
	}

	now := time.Now()
	e := &cacheEntry{
		modelID:   modelID,
		handle:    handle,
		sizeBytes: size,
		loadedAt:  now,
		lastUsed:  now,
	}
	e.elem = c.order.PushFront(e)
	c.entries[modelID] = e
	return nil
}

// evictOneLocked removes the least recently used unpinned entry.
func (c *ModelCache) evictOneLocked() bool {
	for el := c.order.Back(); el != nil; el = el.Prev() {
		e := el.Value.(*cacheEntry)
		if e.pinned {
			continue
		}
		c.order.Remove(el)
		delete(c.entries, e.modelID)
		c.evictions = append(c.evictions, Eviction{
			ModelID:   e.modelID,
			SizeBytes: e.sizeBytes,
			Resident:  time.Since(e.loadedAt),
			At:        time.Now(),
		})
		if len(c.evictions) > evictionHistoryCap {
			c.evictions = c.evictions[len(c.evictions)-evictionHistoryCap:]
		}
		return true
	}
	return false
}

// Pin protects a resident model from eviction.
func (c *ModelCache) Pin(modelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok {
		return fmt.Errorf("model %s not resident", modelID)
	}
	e.pinned = true
	return nil
}

func (c *ModelCache) Unpin(modelID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[modelID]
	if !ok {
		return fmt.Errorf("model %s not resident", modelID)
	}
	e.pinned = false
	return nil
}

// Resident lists the models currently loaded, most recent first.
func (c *ModelCache) Resident() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(*cacheEntry).modelID)
	}
	return out
}

func (c *ModelCache) Contains(modelID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[modelID]
	return ok
}

// EvictionHistory returns recent evictions, oldest first.
func (c *ModelCache) EvictionHistory() []Eviction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Eviction(nil), c.evictions...)
}

// HitRate reports cache effectiveness since startup.
func (c *ModelCache) HitRate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := c.hits + c.misses
	if total == 0 {
		return 0
	}
	return float64(c.hits) / float64(total)
}
