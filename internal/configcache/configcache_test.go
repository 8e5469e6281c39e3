package configcache

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_HitSkipsProducer(t *testing.T) {
	c := New(10, time.Minute)
	ctx := context.Background()

	var calls atomic.Int32
	produce := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "config", nil
	}

	v, err := c.GetOrLoad(ctx, "user1", produce)
	require.NoError(t, err)
	assert.Equal(t, "config", v)

	v, err = c.GetOrLoad(ctx, "user1", produce)
	require.NoError(t, err)
	assert.Equal(t, "config", v)
	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_StampedeProtection(t *testing.T) {
	c := New(10, time.Minute)

	var calls atomic.Int32
	produce := func(ctx context.Context) (any, error) {
		calls.Add(1)
		time.Sleep(100 * time.Millisecond)
		return "shared", nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := c.GetOrLoad(context.Background(), "user1", produce)
			assert.NoError(t, err)
			assert.Equal(t, "shared", v)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
}

func TestCache_TTLExpiry(t *testing.T) {
	c := New(10, 50*time.Millisecond)
	ctx := context.Background()

	var calls atomic.Int32
	produce := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return calls.Load(), nil
	}

	v, _ := c.GetOrLoad(ctx, "user1", produce)
	assert.Equal(t, int32(1), v)

	time.Sleep(80 * time.Millisecond)
	v, _ = c.GetOrLoad(ctx, "user1", produce)
	assert.Equal(t, int32(2), v)
}

func TestCache_ExplicitInvalidate(t *testing.T) {
	c := New(10, time.Hour)
	ctx := context.Background()

	var calls atomic.Int32
	produce := func(ctx context.Context) (any, error) {
		calls.Add(1)
		return calls.Load(), nil
	}

	c.GetOrLoad(ctx, "user1", produce)
	c.Invalidate("user1")
	v, _ := c.GetOrLoad(ctx, "user1", produce)
	assert.Equal(t, int32(2), v)
}

func TestCache_LRUCap(t *testing.T) {
	c := New(5, time.Hour)
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		key := fmt.Sprintf("user%d", i)
		c.GetOrLoad(ctx, key, func(ctx context.Context) (any, error) { return i, nil })
	}
	assert.Equal(t, 5, c.Len())

	// Oldest users were evicted; a reload runs the producer again.
	var reloaded bool
	c.GetOrLoad(ctx, "user0", func(ctx context.Context) (any, error) {
		reloaded = true
		return 0, nil
	})
	assert.True(t, reloaded)
}

func TestCache_ProducerErrorNotCached(t *testing.T) {
	c := New(10, time.Minute)
	ctx := context.Background()

	var calls atomic.Int32
	_, err := c.GetOrLoad(ctx, "user1", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return nil, fmt.Errorf("store down")
	})
	require.Error(t, err)

	_, err = c.GetOrLoad(ctx, "user1", func(ctx context.Context) (any, error) {
		calls.Add(1)
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}
