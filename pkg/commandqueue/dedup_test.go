package commandqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDedupCache_GetSet(t *testing.T) {
	cache := newDedupCache(context.Background(), time.Minute)
	defer cache.Stop()

	_, ok := cache.Get("req-1")
	assert.False(t, ok)

	cache.Set("req-1", taskResult{value: "done"})

	cached, ok := cache.Get("req-1")
	assert.True(t, ok)
	assert.Equal(t, "done", cached.value)
	assert.Equal(t, 1, cache.Size())

	cache.Clear()
	assert.Equal(t, 0, cache.Size())
}

func TestDedupCache_Expiry(t *testing.T) {
	cache := newDedupCache(context.Background(), 10*time.Millisecond)
	defer cache.Stop()

	cache.Set("req-1", taskResult{value: "done"})
	time.Sleep(20 * time.Millisecond)

	_, ok := cache.Get("req-1")
	assert.False(t, ok, "expired entry should not be served")
}

func TestDedupCache_Shutdown(t *testing.T) {
	cache := newDedupCache(context.Background(), 50*time.Millisecond)
	cache.Stop()

	select {
	case <-cache.done:
		// ok
	case <-time.After(1 * time.Second):
		t.Fatalf("dedup cache eviction loop did not stop within timeout")
	}
}
