// Package cache guards the authoritative store against cache penetration:
// a growable Bloom filter remembers keys known to exist, a TTL'd null-cache
// remembers keys known not to. Both are consulted before any store hit.
package cache

import (
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"
)

const (
	defaultBloomCapacity = 100_000
	defaultFalsePositive = 0.01

	nullCacheCapacity = 10_000
	nullCacheTTL      = 5 * time.Minute
)

// Stats is a point-in-time snapshot of the guard's counters.
type Stats struct {
	BloomEntries    uint64
	BloomGenerations int
	NullCacheSize   int
	DefiniteMisses  uint64
	StoreReferrals  uint64
}

// Protected is the penetration guard. Lookups answer "definitely absent"
// cheaply; only uncertain keys reach the store.
type Protected struct {
	mu        sync.RWMutex
	filters   []*bloom.BloomFilter // newest last; grown by doubling
	capacity  uint
	inserted  uint
	total     uint64

	nullCache *expirable.LRU[string, struct{}]

	definiteMisses uint64
	storeReferrals uint64
	statMu         sync.Mutex

	logger *zap.Logger
}

// NewProtected creates the guard with the default 1% false-positive target.
func NewProtected(logger *zap.Logger) *Protected {
	return NewProtectedWithCapacity(defaultBloomCapacity, logger)
}

// NewProtectedWithCapacity sizes the first Bloom generation explicitly.
func NewProtectedWithCapacity(capacity uint, logger *zap.Logger) *Protected {
	if capacity == 0 {
		capacity = defaultBloomCapacity
	}
	return &Protected{
		filters:   []*bloom.BloomFilter{bloom.NewWithEstimates(capacity, defaultFalsePositive)},
		capacity:  capacity,
		nullCache: expirable.NewLRU[string, struct{}](nullCacheCapacity, nil, nullCacheTTL),
		logger:    logger.With(zap.String("component", "protected_cache")),
	}
}

// CheckExists answers from the guard alone:
//   - exists=false, known=true: the key is definitely absent (null-cached,
//     or missing from every Bloom generation); skip the store.
//   - known=false: the guard cannot decide; the caller must query the
//     store and then call MarkExists or MarkNotExists with the outcome.
func (p *Protected) CheckExists(key string) (exists bool, known bool) {
	if _, nullHit := p.nullCache.Get(key); nullHit {
		p.bumpDefinite()
		return false, true
	}

	p.mu.RLock()
	inBloom := false
	for _, f := range p.filters {
		if f.TestString(key) {
			inBloom = true
			break
		}
	}
	p.mu.RUnlock()

	if !inBloom {
		p.bumpDefinite()
		return false, true
	}
	// Bloom said "maybe": false positives force a store round trip.
	p.statMu.Lock()
	p.storeReferrals++
	p.statMu.Unlock()
	return false, false
}

// MarkExists records a confirmed-existing key and clears any stale
// null-cache entry.
func (p *Protected) MarkExists(key string) {
	p.nullCache.Remove(key)

	p.mu.Lock()
	defer p.mu.Unlock()
	newest := p.filters[len(p.filters)-1]
	if newest.TestString(key) {
		return
	}
	newest.AddString(key)
	p.inserted++
	p.total++
	if p.inserted >= p.capacity {
		// The generation is at its design fill; past it the false-positive
		// rate degrades, so start a fresh, doubled generation.
		p.capacity *= 2
		p.inserted = 0
		p.filters = append(p.filters, bloom.NewWithEstimates(p.capacity, defaultFalsePositive))
		p.logger.Info("bloom filter grown",
			zap.Int("generations", len(p.filters)),
			zap.Uint("next_capacity", p.capacity))
	}
}

// MarkNotExists records a confirmed-absent key in the null-cache.
func (p *Protected) MarkNotExists(key string) {
	p.nullCache.Add(key, struct{}{})
}

// Snapshot returns guard statistics.
func (p *Protected) Snapshot() Stats {
	p.mu.RLock()
	generations := len(p.filters)
	total := p.total
	p.mu.RUnlock()
	p.statMu.Lock()
	defer p.statMu.Unlock()
	return Stats{
		BloomEntries:     total,
		BloomGenerations: generations,
		NullCacheSize:    p.nullCache.Len(),
		DefiniteMisses:   p.definiteMisses,
		StoreReferrals:   p.storeReferrals,
	}
}

func (p *Protected) bumpDefinite() {
	p.statMu.Lock()
	p.definiteMisses++
	p.statMu.Unlock()
}
