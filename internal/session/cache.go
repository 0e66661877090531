package session

import (
	"sync"
	"time"

	"github.com/punchamoorthee/unfollowops/internal/diff"
	"github.com/punchamoorthee/unfollowops/internal/domain"
)

// ScanCache holds the latest scan result per token. Each scan overwrites the entry;
// entries expire after the TTL.
type ScanCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cachedScan
	now     func() time.Time
}

type cachedScan struct {
	result  diff.Result
	scanned time.Time
}

func NewScanCache(ttl time.Duration) *ScanCache {
	return &ScanCache{ttl: ttl, entries: make(map[string]cachedScan), now: time.Now}
}

func (c *ScanCache) Put(token string, r diff.Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweep()
	c.entries[token] = cachedScan{result: r, scanned: c.now()}
}

// Get returns a copy of the cached result and when it was computed.
func (c *ScanCache) Get(token string) (diff.Result, time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return diff.Result{}, time.Time{}, false
	}
	if c.expired(e) {
		delete(c.entries, token)
		return diff.Result{}, time.Time{}, false
	}
	out := e.result
	out.Candidates = append(out.Candidates[:0:0], e.result.Candidates...)
	return out, e.scanned, true
}

// DropCandidate removes one target from a token's cached result.
func (c *ScanCache) DropCandidate(token, targetID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[token]
	if !ok {
		return
	}
	kept := make([]domain.Candidate, 0, len(e.result.Candidates))
	for _, cand := range e.result.Candidates {
		if cand.ID != targetID {
			kept = append(kept, cand)
		}
	}
	e.result.Candidates = kept
	c.entries[token] = e
}

func (c *ScanCache) Delete(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, token)
}

func (c *ScanCache) expired(e cachedScan) bool {
	return c.ttl > 0 && c.now().Sub(e.scanned) > c.ttl
}

// sweep drops expired entries. Caller holds mu.
func (c *ScanCache) sweep() {
	for token, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, token)
		}
	}
}
