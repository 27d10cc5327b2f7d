package cache

import (
	"fmt"
	"testing"

	"go.uber.org/zap"
)

func TestUnknownKeyIsDefinitelyAbsent(t *testing.T) {
	p := NewProtected(zap.NewNop())
	exists, known := p.CheckExists("never-seen")
	if !known || exists {
		t.Fatalf("got exists=%v known=%v, want definite absence", exists, known)
	}
}

func TestMarkExistsForcesStoreReferral(t *testing.T) {
	p := NewProtected(zap.NewNop())
	p.MarkExists("room-1")
	_, known := p.CheckExists("room-1")
	if known {
		t.Fatal("existing key answered without store referral")
	}
}

func TestNullCacheShortCircuits(t *testing.T) {
	p := NewProtected(zap.NewNop())
	p.MarkExists("room-1") // in bloom
	p.MarkNotExists("room-1")
	exists, known := p.CheckExists("room-1")
	if !known || exists {
		t.Fatalf("null-cached key not short-circuited: exists=%v known=%v", exists, known)
	}
}

func TestMarkExistsClearsNullCache(t *testing.T) {
	p := NewProtected(zap.NewNop())
	p.MarkNotExists("room-1")
	p.MarkExists("room-1")
	_, known := p.CheckExists("room-1")
	if known {
		t.Fatal("null-cache entry survived MarkExists")
	}
}

func TestBloomGrowsPastCapacity(t *testing.T) {
	p := NewProtectedWithCapacity(100, zap.NewNop())
	for i := 0; i < 250; i++ {
		p.MarkExists(fmt.Sprintf("key-%d", i))
	}
	stats := p.Snapshot()
	if stats.BloomGenerations < 2 {
		t.Fatalf("generations = %d, want growth", stats.BloomGenerations)
	}
	// Keys from the first generation must still be recognized.
	if _, known := p.CheckExists("key-0"); known {
		t.Fatal("old generation key forgotten after growth")
	}
	if _, known := p.CheckExists("key-249"); known {
		t.Fatal("new generation key missing")
	}
}

func TestStatsCounters(t *testing.T) {
	p := NewProtected(zap.NewNop())
	p.CheckExists("absent")
	p.MarkExists("present")
	p.CheckExists("present")
	stats := p.Snapshot()
	if stats.DefiniteMisses != 1 {
		t.Fatalf("definite misses = %d", stats.DefiniteMisses)
	}
	if stats.StoreReferrals != 1 {
		t.Fatalf("store referrals = %d", stats.StoreReferrals)
	}
	if stats.BloomEntries != 1 {
		t.Fatalf("bloom entries = %d", stats.BloomEntries)
	}
}
