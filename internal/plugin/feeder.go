package plugin

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/OnePlanDan/radiodan/pkg/types"
)

func init() {
	Register("simple_playlist_feeder", func(base Base) Plugin {
		return &ShuffleFeeder{
			Base: base,
			rand: rand.New(rand.NewSource(time.Now().UnixNano())),
		}
	})
}

// ShuffleFeeder is the built-in track selection strategy: random picks with
// no-repeat protection against recent history and the upcoming queue.
type ShuffleFeeder struct {
	Base

	noRepeat int
	rand     *rand.Rand
}

// Start reads the config and registers with the planner.
func (f *ShuffleFeeder) Start(ctx context.Context) error {
	f.noRepeat = f.ConfigInt("no_repeat_count", 10)
	if f.Planner == nil {
		slog.Warn("no playlist planner available, feeder not registered", "instance", f.InstanceID)
		return nil
	}
	f.Planner.SetFeeder(f)
	slog.Info("feeder registered", "instance", f.InstanceID, "no_repeat_count", f.noRepeat)
	return nil
}

// Stop unregisters from the planner.
func (f *ShuffleFeeder) Stop(ctx context.Context) error {
	if f.Planner != nil {
		f.Planner.ClearFeeder()
	}
	return nil
}

// SelectNext picks a random track, excluding the last noRepeat history
// entries and everything already queued. Small libraries relax the
// exclusions in two steps: first readmitting queued tracks, then as a last
// resort the whole library.
func (f *ShuffleFeeder) SelectNext(ctx context.Context, lib []types.Track, history []types.HistoryEntry, upcoming []types.QueueEntry) (types.Track, bool) {
	if len(lib) == 0 {
		return types.Track{}, false
	}

	recent := map[string]bool{}
	for i, h := range history {
		if i >= f.noRepeat {
			break
		}
		recent[h.FilePath] = true
	}
	queued := map[string]bool{}
	for _, entry := range upcoming {
		queued[entry.FilePath] = true
	}

	var candidates []types.Track
	for _, t := range lib {
		if !recent[t.FilePath] && !queued[t.FilePath] {
			candidates = append(candidates, t)
		}
	}
	if len(candidates) == 0 {
		for _, t := range lib {
			if !recent[t.FilePath] {
				candidates = append(candidates, t)
			}
		}
	}
	if len(candidates) == 0 {
		candidates = lib
	}

	return candidates[f.rand.Intn(len(candidates))], true
}
