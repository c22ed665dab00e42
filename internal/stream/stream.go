// Package stream implements the real-time "what's playing" monitor.
//
// A single polling loop reads track metadata and timing from the engine and
// publishes two events: a track change whenever the reported filename
// differs from the previous poll, and a one-shot track-ending notice when
// the remaining time drops below a threshold. The engine's own metadata is
// stale during crossfades, so change notifications are enriched from the
// planner's tag-sourced records before they go out.
package stream

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/OnePlanDan/radiodan/internal/store"
	"github.com/OnePlanDan/radiodan/pkg/types"
)

// Mixer is the slice of the engine client the monitor polls.
type Mixer interface {
	TrackInfo(ctx context.Context) types.TrackInfo
	Remaining(ctx context.Context) float64
	Elapsed(ctx context.Context) float64
}

// Planner supplies the authoritative metadata used for enrichment.
type Planner interface {
	Upcoming() []types.QueueEntry
	Library() []types.Track
}

// Config assembles a [Context]. Mixer and Events are required.
type Config struct {
	Mixer  Mixer
	Events *store.EventStore

	PollInterval    time.Duration // default 2s
	EndingThreshold float64       // seconds, default 30
}

// Context monitors engine playback state.
//
// Two auxiliary maps ride along with the playback state: Enrichments hold
// single-song context written by plugins and are cleared on every track
// change; FeederContext persists across tracks for data-feeder plugins.
//
// All methods are safe for concurrent use.
type Context struct {
	mixer     Mixer
	events    *store.EventStore
	pollEvery time.Duration
	threshold float64

	mu            sync.Mutex
	planner       Planner
	current       types.TrackInfo
	remaining     float64
	elapsed       float64
	enrichments   map[string]any
	feederContext map[string]any
	lastFilename  string
	endingFired   bool
	trackEventID  int64

	changedListeners []func(info types.TrackInfo)
	endingListeners  []func(remaining float64)

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a stream monitor. Call [Context.Start] to begin polling.
func New(cfg Config) *Context {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.EndingThreshold <= 0 {
		cfg.EndingThreshold = 30
	}
	return &Context{
		mixer:         cfg.Mixer,
		events:        cfg.Events,
		pollEvery:     cfg.PollInterval,
		threshold:     cfg.EndingThreshold,
		enrichments:   map[string]any{},
		feederContext: map[string]any{},
		trackEventID:  store.NoEvent,
		done:          make(chan struct{}),
	}
}

// SetPlanner attaches the planner used for metadata enrichment and upcoming
// queries.
func (c *Context) SetPlanner(p Planner) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.planner = p
}

// OnTrackChanged registers a callback for track changes. Callbacks run
// sequentially on the poll goroutine, outside the monitor lock.
func (c *Context) OnTrackChanged(fn func(info types.TrackInfo)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.changedListeners = append(c.changedListeners, fn)
}

// OnTrackEnding registers a callback fired once per track when remaining
// time drops below the threshold.
func (c *Context) OnTrackEnding(fn func(remaining float64)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.endingListeners = append(c.endingListeners, fn)
}

// Start launches the polling loop.
func (c *Context) Start(ctx context.Context) error {
	c.wg.Add(1)
	go c.pollLoop()
	slog.Info("stream context started", "poll_interval", c.pollEvery)
	return nil
}

// Stop ends the polling loop and closes the current track's timeline event.
func (c *Context) Stop(ctx context.Context) error {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()

	c.mu.Lock()
	id := c.trackEventID
	c.trackEventID = store.NoEvent
	c.mu.Unlock()
	c.events.EndEvent(ctx, id, store.StatusCompleted, nil)

	slog.Info("stream context stopped")
	return nil
}

func (c *Context) pollLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.Poll(context.Background())
		}
	}
}

// Poll runs one monitor iteration: query the engine, detect a track change,
// and fire any due notifications. The background loop calls this on its
// cadence; it is exported so operators (and tests) can force a refresh.
func (c *Context) Poll(ctx context.Context) {
	info := c.mixer.TrackInfo(ctx)
	remaining := c.mixer.Remaining(ctx)
	elapsed := c.mixer.Elapsed(ctx)

	c.mu.Lock()
	c.current = info
	c.remaining = remaining
	c.elapsed = elapsed

	var (
		changed     bool
		enriched    types.TrackInfo
		fireEnding  bool
		endPrevious = store.NoEvent
	)

	if info.Filename != "" && info.Filename != c.lastFilename {
		c.lastFilename = info.Filename
		c.endingFired = false
		c.enrichments = map[string]any{}

		enriched = c.enrichLocked(info)
		c.current = enriched
		changed = true

		endPrevious = c.trackEventID
		c.trackEventID = store.NoEvent
	}

	if remaining > 0 && remaining < c.threshold && !c.endingFired {
		c.endingFired = true
		fireEnding = true
	}

	changedListeners := append(([]func(types.TrackInfo))(nil), c.changedListeners...)
	endingListeners := append(([]func(float64))(nil), c.endingListeners...)
	c.mu.Unlock()

	if changed {
		slog.Info("track changed", "artist", enriched.Artist, "title", enriched.Title)

		c.events.EndEvent(ctx, endPrevious, store.StatusCompleted, nil)
		id := c.events.StartEvent(ctx, store.EventSpec{
			Type:  store.EventTrackPlay,
			Lane:  store.LaneMusic,
			Title: enriched.Artist + " — " + enriched.Title,
			Details: map[string]any{
				"filename":         enriched.Filename,
				"artist":           enriched.Artist,
				"title":            enriched.Title,
				"duration_seconds": remaining + elapsed,
			},
		})
		c.mu.Lock()
		c.trackEventID = id
		c.mu.Unlock()

		for _, fn := range changedListeners {
			fn(enriched)
		}
	}

	if fireEnding {
		slog.Info("track ending", "remaining", remaining)
		for _, fn := range endingListeners {
			fn(remaining)
		}
	}
}

// enrichLocked overlays planner metadata onto the engine's report. The
// just-started track is usually still at the head of the upcoming queue, so
// that is searched before the full library. Caller holds c.mu.
func (c *Context) enrichLocked(info types.TrackInfo) types.TrackInfo {
	if c.planner == nil || info.Filename == "" {
		return info
	}

	target := filepath.Base(info.Filename)
	var match *types.Track
	for _, entry := range c.planner.Upcoming() {
		if entry.Basename() == target {
			t := entry.Track
			match = &t
			break
		}
	}
	if match == nil {
		for _, track := range c.planner.Library() {
			if track.Basename() == target {
				t := track
				match = &t
				break
			}
		}
	}
	if match == nil {
		return info
	}

	if match.Artist != "" {
		info.Artist = match.Artist
	}
	if match.Title != "" {
		info.Title = match.Title
	}
	if match.Album != "" {
		info.Album = match.Album
	}
	if match.Genre != "" {
		info.Genre = match.Genre
	}
	if match.Year != "" {
		info.Year = match.Year
	}
	if match.DurationSeconds > 0 {
		info.DurationSeconds = match.DurationSeconds
	}
	return info
}

// ── State accessors ──────────────────────────────────────────────────────────

// CurrentTrack returns the latest (enriched) now-playing metadata.
func (c *Context) CurrentTrack() types.TrackInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// RemainingSeconds reports seconds left in the current track from the last
// poll, or -1 when the engine was unreachable.
func (c *Context) RemainingSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// ElapsedSeconds reports seconds played of the current track from the last
// poll, or -1 when the engine was unreachable.
func (c *Context) ElapsedSeconds() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// UpcomingTracks returns the planner's upcoming queue, or nil before a
// planner is attached.
func (c *Context) UpcomingTracks() []types.QueueEntry {
	c.mu.Lock()
	p := c.planner
	c.mu.Unlock()
	if p == nil {
		return nil
	}
	return p.Upcoming()
}

// NextTrack returns the head of the upcoming queue.
func (c *Context) NextTrack() (types.QueueEntry, bool) {
	upcoming := c.UpcomingTracks()
	if len(upcoming) == 0 {
		return types.QueueEntry{}, false
	}
	return upcoming[0], true
}

// SetEnrichment stores single-song context; it disappears on the next track
// change.
func (c *Context) SetEnrichment(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enrichments[key] = value
}

// Enrichments returns a copy of the current track's enrichment map.
func (c *Context) Enrichments() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.enrichments))
	for k, v := range c.enrichments {
		out[k] = v
	}
	return out
}

// SetFeederContext stores data-feeder context; it persists across track
// changes.
func (c *Context) SetFeederContext(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.feederContext[key] = value
}

// FeederContext returns a copy of the persistent feeder context map.
func (c *Context) FeederContext() map[string]any {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]any, len(c.feederContext))
	for k, v := range c.feederContext {
		out[k] = v
	}
	return out
}
