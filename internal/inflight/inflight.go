// Package inflight limits an operation to one outstanding call per key.
package inflight

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/patrickmn/go-cache"
)

// Guard hands out per-key markers. A marker lives until released or until its
// TTL passes, so a caller that never releases cannot block a key forever.
type Guard struct {
	markers *cache.Cache
	ttl     time.Duration
	seq     atomic.Uint64
}

// New returns a Guard whose markers expire after ttl.
func New(ttl time.Duration) *Guard {
	return &Guard{
		markers: cache.New(ttl, ttl),
		ttl:     ttl,
	}
}

// TryAcquire claims key. ok is false when another caller holds it.
// release is idempotent and only clears the marker this call created.
func (g *Guard) TryAcquire(key string) (release func(), ok bool) {
	token := g.seq.Add(1)
	if err := g.markers.Add(key, token, g.ttl); err != nil {
		return nil, false
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			if v, found := g.markers.Get(key); found && v.(uint64) == token {
				g.markers.Delete(key)
			}
		})
	}, true
}

// Busy reports whether key is currently held.
func (g *Guard) Busy(key string) bool {
	_, found := g.markers.Get(key)
	return found
}

// Held returns the number of keys currently held.
func (g *Guard) Held() int {
	return g.markers.ItemCount()
}
