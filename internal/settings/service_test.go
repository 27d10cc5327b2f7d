package settings

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

// memStore is a CAS-faithful in-memory Store.
type memStore struct {
	mu    sync.Mutex
	rows  map[models.RoomID]models.RoomSettings
	loads int
	// conflictsToInject makes the next n Saves fail with a version conflict.
	conflictsToInject int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[models.RoomID]models.RoomSettings)}
}

func (m *memStore) Load(_ context.Context, roomID models.RoomID) (models.RoomSettings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	s, ok := m.rows[roomID]
	if !ok {
		return models.RoomSettings{}, synctverr.ErrNotFound
	}
	return s, nil
}

func (m *memStore) Save(_ context.Context, roomID models.RoomID, s models.RoomSettings, expectedVersion int64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conflictsToInject > 0 {
		m.conflictsToInject--
		return 0, synctverr.ErrOptimisticLockConflict
	}
	cur, ok := m.rows[roomID]
	if !ok {
		if expectedVersion != 0 {
			return 0, synctverr.ErrOptimisticLockConflict
		}
		s.Version = 1
		m.rows[roomID] = s
		return 1, nil
	}
	if cur.Version != expectedVersion {
		return 0, synctverr.ErrOptimisticLockConflict
	}
	s.Version = expectedVersion + 1
	m.rows[roomID] = s
	return s.Version, nil
}

func (m *memStore) Delete(_ context.Context, roomID models.RoomID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, roomID)
	return nil
}

func (m *memStore) seed(roomID models.RoomID) models.RoomSettings {
	s := models.DefaultRoomSettings(roomID)
	m.mu.Lock()
	m.rows[roomID] = s
	m.mu.Unlock()
	return s
}

// memBus is a process-local InvalidationBus.
type memBus struct {
	mu   sync.Mutex
	subs []chan []byte
}

func (b *memBus) Publish(_ context.Context, _ string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- payload:
		default:
		}
	}
	return nil
}

func (b *memBus) Subscribe(_ context.Context, _ string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)
	b.mu.Lock()
	b.subs = append(b.subs, ch)
	b.mu.Unlock()
	return ch, nil
}

func TestGetLoadsOnceThenCaches(t *testing.T) {
	store := newMemStore()
	store.seed("r1")
	svc := NewService(store, nil, nil, zap.NewNop())
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := svc.Get(ctx, "r1"); err != nil {
			t.Fatalf("get: %v", err)
		}
	}
	store.mu.Lock()
	loads := store.loads
	store.mu.Unlock()
	if loads != 1 {
		t.Fatalf("store loads = %d, want 1", loads)
	}
}

func TestGetMissingRoom(t *testing.T) {
	svc := NewService(newMemStore(), nil, nil, zap.NewNop())
	if _, err := svc.Get(context.Background(), "nope"); err != synctverr.ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestSetIncrementsVersionAndReadsOwnWrite(t *testing.T) {
	store := newMemStore()
	initial := store.seed("r1")
	svc := NewService(store, nil, nil, zap.NewNop())
	ctx := context.Background()

	next := initial
	next.ChatEnabled = false
	saved, err := svc.Set(ctx, "r1", next)
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if saved.Version != initial.Version+1 {
		t.Fatalf("version = %d, want %d", saved.Version, initial.Version+1)
	}
	got, err := svc.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ChatEnabled || got.Version != saved.Version {
		t.Fatalf("read-your-writes violated: %+v", got)
	}
}

func TestUpdateFieldRetriesOnConflict(t *testing.T) {
	store := newMemStore()
	store.seed("r1")
	store.conflictsToInject = 2
	svc := NewService(store, nil, nil, zap.NewNop())

	saved, err := svc.UpdateField(context.Background(), "r1", func(s *models.RoomSettings) {
		s.DanmakuEnabled = false
	})
	if err != nil {
		t.Fatalf("update after conflicts: %v", err)
	}
	if saved.DanmakuEnabled {
		t.Fatal("updater result lost")
	}
}

func TestUpdateFieldGivesUpAfterMaxRetries(t *testing.T) {
	store := newMemStore()
	store.seed("r1")
	store.conflictsToInject = 100
	svc := NewService(store, nil, nil, zap.NewNop())

	_, err := svc.UpdateField(context.Background(), "r1", func(s *models.RoomSettings) {
		s.ChatEnabled = false
	})
	if err != synctverr.ErrOptimisticLockConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
}

func TestConcurrentUpdatersBothLand(t *testing.T) {
	store := newMemStore()
	initial := store.seed("r1")
	svc := NewService(store, nil, nil, zap.NewNop())
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = svc.UpdateField(ctx, "r1", func(s *models.RoomSettings) { s.ChatEnabled = false })
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = svc.UpdateField(ctx, "r1", func(s *models.RoomSettings) { s.DanmakuEnabled = false })
	}()
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("updater %d: %v", i, err)
		}
	}
	final, err := svc.GetRefresh(ctx, "r1")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if final.ChatEnabled || final.DanmakuEnabled {
		t.Fatalf("lost update: %+v", final)
	}
	if final.Version != initial.Version+2 {
		t.Fatalf("version = %d, want %d", final.Version, initial.Version+2)
	}
}

func TestForeignInvalidationEvictsCache(t *testing.T) {
	store := newMemStore()
	seeded := store.seed("r1")
	bus := &memBus{}
	svc := NewService(store, bus, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := svc.Get(ctx, "r1"); err != nil {
		t.Fatalf("get: %v", err)
	}

	// Simulate another replica writing version+1 directly to the store.
	store.mu.Lock()
	updated := store.rows["r1"]
	updated.ChatEnabled = false
	updated.Version = seeded.Version + 1
	store.rows["r1"] = updated
	store.mu.Unlock()

	payload, _ := json.Marshal(UpdateMessage{RoomID: "r1", Version: updated.Version})
	_ = bus.Publish(ctx, PubSubChannel, payload)

	deadline := time.After(time.Second)
	for {
		got, err := svc.Get(ctx, "r1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !got.ChatEnabled && got.Version == updated.Version {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("cache never invalidated, still at %+v", got)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestStaleInvalidationIgnored(t *testing.T) {
	store := newMemStore()
	store.seed("r1")
	bus := &memBus{}
	svc := NewService(store, bus, nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	_ = svc.Start(ctx)

	saved, err := svc.UpdateField(ctx, "r1", func(s *models.RoomSettings) { s.AutoPlay = false })
	if err != nil {
		t.Fatalf("update: %v", err)
	}

	// A reordered invalidation for an older version must not evict.
	payload, _ := json.Marshal(UpdateMessage{RoomID: "r1", Version: saved.Version - 1})
	svc.handleInvalidation(payload)

	store.mu.Lock()
	loadsBefore := store.loads
	store.mu.Unlock()
	if _, err := svc.Get(ctx, "r1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	store.mu.Lock()
	loadsAfter := store.loads
	store.mu.Unlock()
	if loadsAfter != loadsBefore {
		t.Fatal("stale invalidation evicted the cache")
	}
}

func TestOnUpdatedCallback(t *testing.T) {
	store := newMemStore()
	store.seed("r1")
	var gotRoom models.RoomID
	var gotVersion int64
	svc := NewService(store, nil, func(roomID models.RoomID, _ models.RoomSettings, version int64) {
		gotRoom, gotVersion = roomID, version
	}, zap.NewNop())

	saved, err := svc.UpdateField(context.Background(), "r1", func(s *models.RoomSettings) { s.MaxMembers = 5 })
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if gotRoom != "r1" || gotVersion != saved.Version {
		t.Fatalf("callback got (%s, %d)", gotRoom, gotVersion)
	}
}
