package client

import (
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	expirable "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/wudi/scgate/internal/servicecontrol"
)

// CheckCache remembers allowed Check outcomes for a short TTL so repeated
// calls with the same key skip the policy backend.
type CheckCache struct {
	lru    *expirable.LRU[uint64, servicecontrol.CheckOutcome]
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCheckCache returns nil when ttl is not positive; a nil cache never hits.
func NewCheckCache(size int, ttl time.Duration) *CheckCache {
	if ttl <= 0 {
		return nil
	}
	if size <= 0 {
		size = 10000
	}
	return &CheckCache{
		lru: expirable.NewLRU[uint64, servicecontrol.CheckOutcome](size, nil, ttl),
	}
}

// Key hashes the fields that decide a Check outcome.
func Key(info *servicecontrol.RequestInfo) uint64 {
	d := xxhash.New()
	d.WriteString(info.Operation.ServiceName)
	d.WriteString("\x00")
	d.WriteString(info.Operation.Name)
	d.WriteString("\x00")
	d.WriteString(info.APIKey)
	d.WriteString("\x00")
	d.WriteString(info.Operation.ConsumerProjectID)
	return d.Sum64()
}

// Get returns a cached allowed outcome.
func (c *CheckCache) Get(info *servicecontrol.RequestInfo) (servicecontrol.CheckOutcome, bool) {
	if c == nil {
		return servicecontrol.CheckOutcome{}, false
	}
	out, ok := c.lru.Get(Key(info))
	if !ok {
		c.misses.Add(1)
		return servicecontrol.CheckOutcome{}, false
	}
	c.hits.Add(1)
	return out, true
}

// Add stores outcome if it allowed the request. Denials are never cached.
func (c *CheckCache) Add(info *servicecontrol.RequestInfo, outcome servicecontrol.CheckOutcome) {
	if c == nil || !outcome.Allowed {
		return
	}
	c.lru.Add(Key(info), outcome)
}

// Len returns the number of cached outcomes.
func (c *CheckCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}

// Stats returns hit and miss counts.
func (c *CheckCache) Stats() map[string]interface{} {
	if c == nil {
		return map[string]interface{}{"enabled": false}
	}
	return map[string]interface{}{
		"enabled": true,
		"size":    c.lru.Len(),
		"hits":    c.hits.Load(),
		"misses":  c.misses.Load(),
	}
}
