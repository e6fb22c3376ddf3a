package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingLoader(loads *atomic.Int64) ModelLoadFunc {
	return func(ctx context.Context, modelID string) (any, int64, error) {
		loads.Add(1)
		return "handle-" + modelID, 1 << 20, nil
	}
}

func TestModelCacheHitAvoidsReload(t *testing.T) {
	var loads atomic.Int64
	c := NewModelCache(2, countingLoader(&loads))

	ctx := context.Background()
	h, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, "handle-m1", h)

	_, err = c.Get(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), loads.Load(), "second Get must be a cache hit")
	assert.InDelta(t, 0.5, c.HitRate(), 0.001)
}

func TestModelCacheEvictsLRU(t *testing.T) {
	var loads atomic.Int64
	c := NewModelCache(2, countingLoader(&loads))

	ctx := context.Background()
	_, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	_, err = c.Get(ctx, "m2")
	require.NoError(t, err)

	// Touch m1 so m2 becomes the LRU victim.
	_, err = c.Get(ctx, "m1")
	require.NoError(t, err)

	_, err = c.Get(ctx, "m3")
	require.NoError(t, err)

	assert.True(t, c.Contains("m1"))
	assert.False(t, c.Contains("m2"))
	assert.True(t, c.Contains("m3"))

	history := c.EvictionHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "m2", history[0].ModelID)
	assert.Equal(t, int64(1<<20), history[0].SizeBytes)
}

func TestModelCachePinBlocksEviction(t *testing.T) {
	var loads atomic.Int64
	c := NewModelCache(2, countingLoader(&loads))

	ctx := context.Background()
	_, err := c.Get(ctx, "pinned")
	require.NoError(t, err)
	require.NoError(t, c.Pin("pinned"))

	_, err = c.Get(ctx, "m2")
	require.NoError(t, err)

	// The pinned entry is the LRU but must survive.
	_, err = c.Get(ctx, "m3")
	require.NoError(t, err)
	assert.True(t, c.Contains("pinned"))
	assert.False(t, c.Contains("m2"))
}

func TestModelCacheAllPinnedFails(t *testing.T) {
	var loads atomic.Int64
	c := NewModelCache(1, countingLoader(&loads))

	ctx := context.Background()
	_, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, c.Pin("m1"))

	_, err = c.Get(ctx, "m2")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pinned")
}

func TestModelCacheUnpinRestoresEvictability(t *testing.T) {
	var loads atomic.Int64
	c := NewModelCache(1, countingLoader(&loads))

	ctx := context.Background()
	_, err := c.Get(ctx, "m1")
	require.NoError(t, err)
	require.NoError(t, c.Pin("m1"))
	require.NoError(t, c.Unpin("m1"))

	_, err = c.Get(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, c.Contains("m1"))
}

func TestModelCachePinUnknownModel(t *testing.T) {
	c := NewModelCache(1, countingLoader(&atomic.Int64{}))
	assert.Error(t, c.Pin("ghost"))
	assert.Error(t, c.Unpin("ghost"))
}

func TestModelCacheDeduplicatesConcurrentLoads(t *testing.T) {
	var loads atomic.Int64
	started := make(chan struct{})
	release := make(chan struct{})

	c := NewModelCache(2, func(ctx context.Context, modelID string) (any, int64, error) {
		if loads.Add(1) == 1 {
			close(started)
			<-release
		}
		return "handle", 1, nil
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	results := make([]error, 8)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, results[0] = c.Get(ctx, "m1")
	}()
	<-started

	for i := 1; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, results[i] = c.Get(ctx, "m1")
		}(i)
	}
	close(release)
	wg.Wait()

	for i, err := range results {
		require.NoError(t, err, "waiter %d", i)
	}
	assert.Equal(t, int64(1), loads.Load(), "racing Gets must share one load")
}

func TestModelCacheLoadErrorNotCached(t *testing.T) {
	var loads atomic.Int64
	c := NewModelCache(2, func(ctx context.Context, modelID string) (any, int64, error) {
		if loads.Add(1) == 1 {
			return nil, 0, errors.New("disk full")
		}
		return "handle", 1, nil
	})

	ctx := context.Background()
	_, err := c.Get(ctx, "m1")
	require.Error(t, err)
	assert.False(t, c.Contains("m1"))

	// The retry loads again instead of replaying the failure.
	_, err = c.Get(ctx, "m1")
	require.NoError(t, err)
}

func TestModelCacheResidentOrder(t *testing.T) {
	var loads atomic.Int64
	c := NewModelCache(3, countingLoader(&loads))

	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		_, err := c.Get(ctx, id)
		require.NoError(t, err)
	}
	_, err := c.Get(ctx, "a")
	require.NoError(t, err)

	assert.Equal(t, []string{"a", "c", "b"}, c.Resident())
}

func TestModelCacheEvictionHistoryBounded(t *testing.T) {
	var loads atomic.Int64
	c := NewModelCache(1, countingLoader(&loads))

	ctx := context.Background()
	for i := 0; i < evictionHistoryCap+20; i++ {
		_, err := c.Get(ctx, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
	}
	assert.Len(t, c.EvictionHistory(), evictionHistoryCap)
}
