package connections

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/models"
	"github.com/synctv-org/synctv/internal/synctverr"
)

func newTestManager(limits Limits) *Manager {
	return NewManager(limits, zap.NewNop())
}

func TestRegisterAndUnregisterRestoresState(t *testing.T) {
	m := newTestManager(DefaultLimits())
	if err := m.Register("c1", "u1"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.JoinRoom("c1", "r1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	m.Unregister("c1")

	if m.ConnectionCount() != 0 {
		t.Fatalf("connection count = %d", m.ConnectionCount())
	}
	if m.UserConnectionCount("u1") != 0 {
		t.Fatalf("user count = %d", m.UserConnectionCount("u1"))
	}
	if m.RoomConnectionCount("r1") != 0 {
		t.Fatalf("room count = %d", m.RoomConnectionCount("r1"))
	}
	snap := m.Snapshot()
	if snap.ActiveUsers != 0 || snap.ActiveRooms != 0 {
		t.Fatalf("leaked index entries: %+v", snap)
	}
}

func TestPerUserLimit(t *testing.T) {
	m := newTestManager(Limits{MaxPerUser: 2, MaxTotal: 100})
	if err := m.Register("c1", "u"); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := m.Register("c2", "u"); err != nil {
		t.Fatalf("second register: %v", err)
	}
	err := m.Register("c3", "u")
	var capErr *synctverr.AtCapacityError
	if !errors.As(err, &capErr) || capErr.Scope != synctverr.ScopePerUser {
		t.Fatalf("err = %v, want per_user capacity error", err)
	}
	if m.UserConnectionCount("u") != 2 {
		t.Fatalf("user count = %d, want 2", m.UserConnectionCount("u"))
	}
}

func TestPerUserLimitOfOne(t *testing.T) {
	m := newTestManager(Limits{MaxPerUser: 1})
	if err := m.Register("c1", "u"); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := m.Register("c2", "u"); !synctverr.IsAtCapacity(err) {
		t.Fatalf("second register err = %v", err)
	}
}

func TestGlobalLimitUnderConcurrency(t *testing.T) {
	const limit = 50
	m := newTestManager(Limits{MaxTotal: limit})
	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := m.Register(models.ConnectionID(fmt.Sprintf("c%d", i)), "u"); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if accepted != limit {
		t.Fatalf("accepted = %d, want %d", accepted, limit)
	}
	if m.ConnectionCount() != limit {
		t.Fatalf("table size = %d, want %d", m.ConnectionCount(), limit)
	}
}

func TestPerRoomLimit(t *testing.T) {
	m := newTestManager(Limits{MaxPerRoom: 1})
	_ = m.Register("c1", "u1")
	_ = m.Register("c2", "u2")
	if err := m.JoinRoom("c1", "r1"); err != nil {
		t.Fatalf("join: %v", err)
	}
	err := m.JoinRoom("c2", "r1")
	var capErr *synctverr.AtCapacityError
	if !errors.As(err, &capErr) || capErr.Scope != synctverr.ScopePerRoom {
		t.Fatalf("err = %v, want per_room capacity error", err)
	}
}

func TestJoinRoomMovesBetweenRooms(t *testing.T) {
	m := newTestManager(DefaultLimits())
	_ = m.Register("c1", "u1")
	_ = m.JoinRoom("c1", "r1")
	_ = m.JoinRoom("c1", "r2")
	if m.RoomConnectionCount("r1") != 0 {
		t.Fatal("old room index not cleaned")
	}
	if m.RoomConnectionCount("r2") != 1 {
		t.Fatal("new room index missing")
	}
}

func TestRecordMessageAdvancesActivity(t *testing.T) {
	m := newTestManager(DefaultLimits())
	_ = m.Register("c1", "u1")
	before, _ := m.GetConnection("c1")
	time.Sleep(2 * time.Millisecond)
	m.RecordMessage("c1")
	after, _ := m.GetConnection("c1")
	if !after.LastActivity.After(before.LastActivity) {
		t.Fatal("last activity did not advance")
	}
	if after.MessageCount != 1 {
		t.Fatalf("message count = %d", after.MessageCount)
	}
	if after.LastActivity.Before(after.ConnectedAt) {
		t.Fatal("last_activity < connected_at")
	}
}

func TestCheckTimeoutsIdle(t *testing.T) {
	m := newTestManager(Limits{IdleTimeout: 5 * time.Millisecond})
	_ = m.Register("c1", "u1")
	_ = m.Register("c2", "u2")
	time.Sleep(10 * time.Millisecond)
	m.RecordMessage("c2")
	expired := m.CheckTimeouts()
	if len(expired) != 1 || expired[0] != "c1" {
		t.Fatalf("expired = %v, want [c1]", expired)
	}
}

func TestMarkRTCJoinedOwnershipGate(t *testing.T) {
	m := newTestManager(DefaultLimits())
	_ = m.Register("c1", "u1")
	_ = m.JoinRoom("c1", "r1")

	if m.MarkRTCJoined("r1", "u2", "c1", true) {
		t.Fatal("wrong user allowed to mark rtc")
	}
	if m.MarkRTCJoined("r2", "u1", "c1", true) {
		t.Fatal("wrong room allowed to mark rtc")
	}
	if !m.MarkRTCJoined("r1", "u1", "c1", true) {
		t.Fatal("owner denied")
	}
	rtc := m.GetRTCConnections("r1")
	if len(rtc) != 1 || !rtc[0].RTCJoined {
		t.Fatalf("rtc connections = %+v", rtc)
	}
}

func TestGetConnectionIDFindsUserInRoom(t *testing.T) {
	m := newTestManager(DefaultLimits())
	_ = m.Register("c1", "u1")
	_ = m.Register("c2", "u2")
	_ = m.JoinRoom("c1", "r1")
	_ = m.JoinRoom("c2", "r1")

	id, ok := m.GetConnectionID("r1", "u2")
	if !ok || id != "c2" {
		t.Fatalf("got %q %v", id, ok)
	}
	if _, ok := m.GetConnectionID("r1", "u3"); ok {
		t.Fatal("found connection for absent user")
	}
}

