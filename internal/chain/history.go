package chain

import (
	"fmt"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	defaultHistorySize = 128
	defaultHistoryTTL  = time.Hour
)

// History retains recent chain runs in an in-memory LRU so callers can
// inspect what a multi-step workflow did without re-running it. Entries are
// process-lifetime only.
type History struct {
	cache *lru.Cache[string, historyEntry]
	ttl   time.Duration
	seq   atomic.Int64
}

type historyEntry struct {
	result   *Result
	storedAt time.Time
}

// NewHistory creates a history buffer. size <= 0 and ttl <= 0 fall back to
// defaults.
func NewHistory(size int, ttl time.Duration) (*History, error) {
	if size <= 0 {
		size = defaultHistorySize
	}
	if ttl <= 0 {
		ttl = defaultHistoryTTL
	}
	cache, err := lru.New[string, historyEntry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create history cache: %w", err)
	}
	return &History{cache: cache, ttl: ttl}, nil
}

// Add stores a completed run.
func (h *History) Add(result *Result) {
	key := fmt.Sprintf("%s#%d", result.ChainName, h.seq.Add(1))
	h.cache.Add(key, historyEntry{result: result, storedAt: time.Now()})
}

// Recent returns retained runs, oldest first, dropping expired entries.
func (h *History) Recent() []*Result {
	cutoff := time.Now().Add(-h.ttl)
	out := make([]*Result, 0, h.cache.Len())
	for _, key := range h.cache.Keys() {
		entry, ok := h.cache.Peek(key)
		if !ok {
			continue
		}
		if entry.storedAt.Before(cutoff) {
			h.cache.Remove(key)
			continue
		}
		out = append(out, entry.result)
	}
	return out
}

// Len returns the number of retained runs, including not-yet-swept expired
// ones.
func (h *History) Len() int {
	return h.cache.Len()
}
