package plugin

import (
	"context"
	"fmt"
	"math/rand"
	"testing"

	"github.com/OnePlanDan/radiodan/pkg/types"
)

func newTestFeeder(noRepeat int) *ShuffleFeeder {
	return &ShuffleFeeder{
		Base:     Base{InstanceID: "default-simple_playlist_feeder"},
		noRepeat: noRepeat,
		rand:     rand.New(rand.NewSource(1)),
	}
}

func library(n int) []types.Track {
	lib := make([]types.Track, n)
	for i := range lib {
		lib[i] = types.Track{FilePath: fmt.Sprintf("/music/track%02d.mp3", i)}
	}
	return lib
}

func TestFeederRegistersWithPlanner(t *testing.T) {
	planner := &fakePlanner{}
	f := &ShuffleFeeder{
		Base: Base{Services: Services{Planner: planner}, Config: map[string]any{
			"no_repeat_count": float64(4),
		}},
		rand: rand.New(rand.NewSource(1)),
	}

	if err := f.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if planner.strategy == nil {
		t.Fatal("feeder did not register with the planner")
	}
	if f.noRepeat != 4 {
		t.Errorf("no_repeat_count = %d, want 4", f.noRepeat)
	}

	if err := f.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if !planner.cleared {
		t.Error("feeder did not clear the planner registration")
	}
}

func TestSelectNextExcludesRecentAndQueued(t *testing.T) {
	f := newTestFeeder(3)
	lib := library(10)

	history := []types.HistoryEntry{
		{FilePath: lib[0].FilePath},
		{FilePath: lib[1].FilePath},
		{FilePath: lib[2].FilePath},
		{FilePath: lib[3].FilePath}, // beyond no_repeat_count, eligible again
	}
	upcoming := []types.QueueEntry{
		{Track: lib[4]},
		{Track: lib[5]},
	}
	excluded := map[string]bool{
		lib[0].FilePath: true, lib[1].FilePath: true, lib[2].FilePath: true,
		lib[4].FilePath: true, lib[5].FilePath: true,
	}

	for i := 0; i < 200; i++ {
		track, ok := f.SelectNext(context.Background(), lib, history, upcoming)
		if !ok {
			t.Fatal("SelectNext returned no track from a non-empty library")
		}
		if excluded[track.FilePath] {
			t.Fatalf("picked excluded track %s", track.FilePath)
		}
	}
}

func TestSelectNextRelaxesQueuedExclusionFirst(t *testing.T) {
	f := newTestFeeder(2)
	lib := library(3)

	// Everything is either recent or queued; only the queued track should be
	// readmitted.
	history := []types.HistoryEntry{
		{FilePath: lib[0].FilePath},
		{FilePath: lib[1].FilePath},
	}
	upcoming := []types.QueueEntry{{Track: lib[2]}}

	for i := 0; i < 50; i++ {
		track, ok := f.SelectNext(context.Background(), lib, history, upcoming)
		if !ok {
			t.Fatal("SelectNext returned no track")
		}
		if track.FilePath != lib[2].FilePath {
			t.Fatalf("picked %s, want the queued track readmitted first", track.FilePath)
		}
	}
}

func TestSelectNextFallsBackToWholeLibrary(t *testing.T) {
	f := newTestFeeder(5)
	lib := library(2)

	// Both tracks are in recent history: anything goes.
	history := []types.HistoryEntry{
		{FilePath: lib[0].FilePath},
		{FilePath: lib[1].FilePath},
	}

	if _, ok := f.SelectNext(context.Background(), lib, history, nil); !ok {
		t.Fatal("SelectNext gave up instead of relaxing all exclusions")
	}
}

func TestSelectNextEmptyLibrary(t *testing.T) {
	f := newTestFeeder(5)
	if _, ok := f.SelectNext(context.Background(), nil, nil, nil); ok {
		t.Fatal("SelectNext produced a track from an empty library")
	}
}
