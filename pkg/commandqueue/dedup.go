package commandqueue

import (
	"context"
	"sync"
	"time"
)

// defaultDedupTTL bounds how long a request id keeps returning its
// cached result. Long enough to absorb client retries after a dropped
// response, short enough that a deliberate resubmission works.
const defaultDedupTTL = 5 * time.Minute

// dedupCache remembers recent task results by request id so a retried
// submission returns the original outcome instead of running twice.
type dedupCache struct {
	mu      sync.RWMutex
	results map[string]cachedResult
	ttl     time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

type cachedResult struct {
	result   taskResult
	storedAt time.Time
}

// newDedupCache starts a cache whose eviction goroutine lives until ctx
// is cancelled or Stop is called. A non-positive ttl gets the default.
func newDedupCache(ctx context.Context, ttl time.Duration) *dedupCache {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}

	ctx, cancel := context.WithCancel(ctx)
	dc := &dedupCache{
		results: make(map[string]cachedResult),
		ttl:     ttl,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go dc.evictLoop()

	return dc
}

// Stop ends the eviction goroutine. Cached entries stay readable until
// they expire.
func (dc *dedupCache) Stop() {
	dc.cancel()
}

// Get returns the cached result for requestID if one exists and has not
// expired.
func (dc *dedupCache) Get(requestID string) (taskResult, bool) {
	dc.mu.RLock()
	defer dc.mu.RUnlock()

	entry, ok := dc.results[requestID]
	if !ok || time.Since(entry.storedAt) > dc.ttl {
		return taskResult{}, false
	}
	return entry.result, true
}

// Set records the result of a completed task under its request id.
func (dc *dedupCache) Set(requestID string, result taskResult) {
	dc.mu.Lock()
	dc.results[requestID] = cachedResult{result: result, storedAt: time.Now()}
	dc.mu.Unlock()
}

// Size returns the number of cached results, expired ones included
// until the eviction loop removes them.
func (dc *dedupCache) Size() int {
	dc.mu.RLock()
	defer dc.mu.RUnlock()
	return len(dc.results)
}

// Clear drops every cached result.
func (dc *dedupCache) Clear() {
	dc.mu.Lock()
	dc.results = make(map[string]cachedResult)
	dc.mu.Unlock()
}

// evictLoop drops expired entries once a minute.
func (dc *dedupCache) evictLoop() {
	defer close(dc.done)

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-dc.ctx.Done():
			return
		case now := <-ticker.C:
			dc.mu.Lock()
			for id, entry := range dc.results {
				if now.Sub(entry.storedAt) > dc.ttl {
					delete(dc.results, id)
				}
			}
			dc.mu.Unlock()
		}
	}
}
