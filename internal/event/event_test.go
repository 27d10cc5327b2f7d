package event

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"

	"github.com/synctv-org/synctv/internal/models"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	ts := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	pos := 0.25
	color := "#ff0000"
	media := models.MediaID("m1")

	cases := []Event{
		&ChatMessage{RoomID: "r1", UserID: "u1", Username: "alice", Message: "hi", Timestamp: ts},
		&Danmaku{RoomID: "r1", UserID: "u1", Username: "alice", Message: "fly", Timestamp: ts, Position: &pos, Color: &color},
		&PlaybackStateChanged{RoomID: "r1", Playing: true, PositionMS: 1500, Speed: 1.25, MediaID: &media, Version: 7},
		&MemberJoined{RoomID: "r1", UserID: "u2", Username: "bob", Role: models.MemberRoleMember},
		&MemberLeft{RoomID: "r1", UserID: "u2"},
		&MemberKicked{RoomID: "r1", UserID: "u2", KickedBy: "u1", Reason: "spam"},
		&PermissionChanged{RoomID: "r1", UserID: "u2", Role: models.MemberRoleAdmin, Permissions: models.DefaultAdminPermissions},
		&MediaAdded{RoomID: "r1", MediaID: "m1", Name: "movie", AddedBy: "u1"},
		&MediaRemoved{RoomID: "r1", MediaID: "m1"},
		&PlaylistReordered{RoomID: "r1", Order: []models.MediaID{"m2", "m1"}},
		&SettingsUpdated{RoomID: "r1", Version: 3, Snapshot: models.DefaultRoomSettings("r1")},
		&KickPublisher{RoomID: "r1", MediaID: "m1"},
		&RoomDeleted{RoomID: "r1"},
		&GuestKicked{RoomID: "r1", Reason: GuestKickAdmin},
	}

	for _, e := range cases {
		t.Run(string(e.EventType()), func(t *testing.T) {
			raw, err := Marshal(e)
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			got, err := Unmarshal(raw)
			if err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if !reflect.DeepEqual(e, got) {
				t.Fatalf("round trip mismatch:\nwant %#v\ngot  %#v", e, got)
			}
		})
	}
}

func TestWireFormUsesTypeDataDiscriminator(t *testing.T) {
	raw, err := Marshal(&ChatMessage{RoomID: "r1", UserID: "u1", Username: "a", Message: "hi", Timestamp: time.Unix(0, 0).UTC()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]json.RawMessage
	if err := json.Unmarshal(raw, &m); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := m["type"]; !ok {
		t.Fatal("missing type field")
	}
	if _, ok := m["data"]; !ok {
		t.Fatal("missing data field")
	}
	var typ string
	_ = json.Unmarshal(m["type"], &typ)
	if typ != "chat_message" {
		t.Fatalf("type = %q, want chat_message", typ)
	}
}

func TestUnmarshalUnknownType(t *testing.T) {
	if _, err := Unmarshal([]byte(`{"type":"nope","data":{}}`)); err == nil {
		t.Fatal("expected error for unknown type")
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	e := &RoomDeleted{RoomID: "r9"}
	raw, err := MarshalEnvelope("node-a", e)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	env, err := UnmarshalEnvelope(raw)
	if err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.NodeID != "node-a" {
		t.Fatalf("node id = %q", env.NodeID)
	}
	if !reflect.DeepEqual(env.Event, e) {
		t.Fatalf("event mismatch: %#v", env.Event)
	}
}

func TestGuestKickReasonMessages(t *testing.T) {
	reasons := []GuestKickReason{
		GuestKickGlobalDisabled, GuestKickRoomDisabled, GuestKickPasswordAdded, GuestKickAdmin,
	}
	seen := map[string]bool{}
	for _, r := range reasons {
		msg := r.Message()
		if msg == "" {
			t.Fatalf("empty message for %s", r)
		}
		if seen[msg] {
			t.Fatalf("duplicate message %q", msg)
		}
		seen[msg] = true
	}
}
