package stream

import (
	"testing"
)

func TestTrackerLookup(t *testing.T) {
	tr := NewUserStreamTracker()
	id := NewStreamID("r1", "m1")
	tr.Track("r1", "m1", "u1", id)

	ref, ok := tr.Lookup("r1", "m1")
	if !ok || ref.UserID != "u1" || ref.Stream != id {
		t.Fatalf("lookup = %+v, %v", ref, ok)
	}
	if _, ok := tr.Lookup("r1", "m2"); ok {
		t.Fatal("lookup of untracked stream succeeded")
	}
}

func TestTrackerUntrackCleansAllIndexes(t *testing.T) {
	tr := NewUserStreamTracker()
	tr.Track("r1", "m1", "u1", NewStreamID("r1", "m1"))
	tr.Untrack("r1", "m1")

	if _, ok := tr.Lookup("r1", "m1"); ok {
		t.Fatal("stream still tracked")
	}
	if len(tr.UserStreams("u1")) != 0 {
		t.Fatal("user index leaked")
	}
	if len(tr.RoomStreams("r1")) != 0 {
		t.Fatal("room index leaked")
	}
}

func TestTrackerRemoveUserReturnsAllStreams(t *testing.T) {
	tr := NewUserStreamTracker()
	tr.Track("r1", "m1", "u1", NewStreamID("r1", "m1"))
	tr.Track("r2", "m2", "u1", NewStreamID("r2", "m2"))
	tr.Track("r1", "m3", "u2", NewStreamID("r1", "m3"))

	removed := tr.RemoveUser("u1")
	if len(removed) != 2 {
		t.Fatalf("removed = %d streams, want 2", len(removed))
	}
	if _, ok := tr.Lookup("r1", "m1"); ok {
		t.Fatal("u1 stream survived removal")
	}
	// Other users untouched.
	if _, ok := tr.Lookup("r1", "m3"); !ok {
		t.Fatal("u2 stream vanished")
	}
	if len(tr.RoomStreams("r1")) != 1 {
		t.Fatalf("room r1 streams = %d", len(tr.RoomStreams("r1")))
	}
}
