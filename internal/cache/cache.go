// Package cache mirrors share record status by token. It is advisory only:
// download admission never reads from it.
package cache

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"tempshare/internal/models"
)

var (
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempshare_cache_hits_total",
		Help: "Status cache hits.",
	})
	cacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tempshare_cache_misses_total",
		Help: "Status cache misses, including entries past their deadline.",
	})
)

// Cache is the narrow interface handed to services.
type Cache interface {
	Get(token string) (*models.ShareRecord, bool)
	Set(token string, snapshot *models.ShareRecord, ttl time.Duration)
	Invalidate(token string)
}

type entry struct {
	record   models.ShareRecord
	deadline time.Time
}

// LRUCache is a size bounded in-memory Cache. The underlying LRU applies one
// global TTL; each entry additionally carries its own deadline.
type LRUCache struct {
	lru *expirable.LRU[string, entry]
	now func() time.Time
}

// NewLRUCache creates a cache holding at most size entries for at most maxTTL each.
func NewLRUCache(size int, maxTTL time.Duration) *LRUCache {
	return &LRUCache{
		lru: expirable.NewLRU[string, entry](size, nil, maxTTL),
		now: time.Now,
	}
}

// Get returns a copy of the cached snapshot.
func (c *LRUCache) Get(token string) (*models.ShareRecord, bool) {
	e, ok := c.lru.Get(token)
	if ok && c.now().Before(e.deadline) {
		cacheHitsTotal.Inc()
		r := e.record
		return &r, true
	}
	if ok {
		c.lru.Remove(token)
	}
	cacheMissesTotal.Inc()
	return nil, false
}

// Set stores a copy of snapshot until ttl elapses. Non-positive ttl is a no-op.
func (c *LRUCache) Set(token string, snapshot *models.ShareRecord, ttl time.Duration) {
	if snapshot == nil || ttl <= 0 {
		return
	}
	c.lru.Add(token, entry{record: *snapshot, deadline: c.now().Add(ttl)})
}

// Invalidate drops the entry for token.
func (c *LRUCache) Invalidate(token string) {
	c.lru.Remove(token)
}

// Len reports the number of entries, expired ones included until evicted.
func (c *LRUCache) Len() int {
	return c.lru.Len()
}

// Nop is a Cache that stores nothing.
type Nop struct{}

func (Nop) Get(string) (*models.ShareRecord, bool)         { return nil, false }
func (Nop) Set(string, *models.ShareRecord, time.Duration) {}
func (Nop) Invalidate(string)                              {}
