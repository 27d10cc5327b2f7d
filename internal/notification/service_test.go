package notification

import (
	"context"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/synctv-org/synctv/internal/event"
	"github.com/synctv-org/synctv/internal/models"
)

// recordingBroadcaster captures every call for assertions.
type recordingBroadcaster struct {
	mu      sync.Mutex
	room    []event.Event
	direct  []event.Event
	cluster []event.Event
}

func (b *recordingBroadcaster) BroadcastToRoom(_ context.Context, _ models.RoomID, e event.Event) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.room = append(b.room, e)
	return 1, nil
}

func (b *recordingBroadcaster) SendToUser(_ context.Context, _ models.RoomID, _ models.UserID, e event.Event) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.direct = append(b.direct, e)
	return true, nil
}

func (b *recordingBroadcaster) BroadcastToCluster(_ context.Context, _ models.RoomID, e event.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cluster = append(b.cluster, e)
	return nil
}

func TestNilBroadcasterDefaultsToNoop(t *testing.T) {
	s := NewService(nil, zap.NewNop())
	if err := s.NotifyUserLeft(context.Background(), "r1", "u1"); err != nil {
		t.Fatalf("noop broadcast: %v", err)
	}
}

func TestTypedNotifiersUseClusterPath(t *testing.T) {
	b := &recordingBroadcaster{}
	s := NewService(b, zap.NewNop())
	ctx := context.Background()

	_ = s.NotifyChatMessage(ctx, "r1", "u1", "alice", "hi")
	_ = s.NotifyUserJoined(ctx, "r1", "u2", "bob", models.MemberRoleMember)
	_ = s.NotifyRoomDeleted(ctx, "r1")
	_ = s.KickAllGuests(ctx, "r1", event.GuestKickPasswordAdded)

	if len(b.cluster) != 4 {
		t.Fatalf("cluster events = %d, want 4", len(b.cluster))
	}
	wantTypes := []event.Type{event.TypeChatMessage, event.TypeMemberJoined, event.TypeRoomDeleted, event.TypeGuestKicked}
	for i, want := range wantTypes {
		if b.cluster[i].EventType() != want {
			t.Fatalf("event %d type = %s, want %s", i, b.cluster[i].EventType(), want)
		}
	}
}

func TestMemberKickedAlsoTargetsVictim(t *testing.T) {
	b := &recordingBroadcaster{}
	s := NewService(b, zap.NewNop())
	if err := s.NotifyMemberKicked(context.Background(), "r1", "victim", "admin", "spam"); err != nil {
		t.Fatal(err)
	}
	if len(b.direct) != 1 || len(b.cluster) != 1 {
		t.Fatalf("direct=%d cluster=%d, want 1/1", len(b.direct), len(b.cluster))
	}
}

func TestLocalObserversSeeOutgoingEvents(t *testing.T) {
	s := NewService(&recordingBroadcaster{}, zap.NewNop())
	obs, cancel := s.Subscribe()
	defer cancel()

	_ = s.NotifyUserLeft(context.Background(), "r1", "u1")

	select {
	case o := <-obs:
		if o.RoomID != "r1" || o.Event.EventType() != event.TypeMemberLeft {
			t.Fatalf("observation = %+v", o)
		}
	default:
		t.Fatal("observer saw nothing")
	}

	cancel()
	if _, open := <-obs; open {
		t.Fatal("observer channel not closed on cancel")
	}
}
