package rooms

import (
	"testing"

	"github.com/synctv-org/synctv/internal/models"
)

func TestPlaybackVersionMonotonic(t *testing.T) {
	tr := NewPlaybackTracker()

	s1 := tr.Update("r1", func(s *models.PlaybackState) { s.Playing = true })
	if s1.Version != 1 || !s1.Playing {
		t.Fatalf("first update = %+v", s1)
	}
	s2 := tr.Update("r1", func(s *models.PlaybackState) { s.PositionMS = 5000 })
	if s2.Version != 2 {
		t.Fatalf("version = %d, want 2", s2.Version)
	}
	if !s2.Playing {
		t.Fatal("previous field lost across updates")
	}
	if s2.Speed != 1.0 {
		t.Fatalf("default speed = %v", s2.Speed)
	}
}

func TestApplyRemoteDropsStaleVersions(t *testing.T) {
	tr := NewPlaybackTracker()
	tr.Update("r1", func(s *models.PlaybackState) { s.PositionMS = 100 })
	tr.Update("r1", func(s *models.PlaybackState) { s.PositionMS = 200 })

	stale := models.PlaybackState{RoomID: "r1", PositionMS: 50, Version: 1}
	if tr.ApplyRemote(stale) {
		t.Fatal("stale remote state applied")
	}
	got, _ := tr.Get("r1")
	if got.PositionMS != 200 {
		t.Fatalf("position = %d", got.PositionMS)
	}

	newer := models.PlaybackState{RoomID: "r1", PositionMS: 900, Version: 9}
	if !tr.ApplyRemote(newer) {
		t.Fatal("newer remote state rejected")
	}
	got, _ = tr.Get("r1")
	if got.PositionMS != 900 || got.Version != 9 {
		t.Fatalf("state = %+v", got)
	}
}

func TestRemoveClearsState(t *testing.T) {
	tr := NewPlaybackTracker()
	tr.Update("r1", func(s *models.PlaybackState) { s.Playing = true })
	tr.Remove("r1")
	if _, ok := tr.Get("r1"); ok {
		t.Fatal("state survived removal")
	}
}
