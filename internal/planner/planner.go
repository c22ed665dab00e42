// Package planner maintains the lookahead queue of upcoming tracks.
//
// The planner is the control-plane mirror of the engine's music_q request
// queue: it decides what plays next (through a pluggable [SelectionStrategy]
// supplied by a feeder plugin), pushes those decisions to the engine, and
// projects start/end times for every queued track so the timeline can show
// the future, not just the past.
//
// When the engine actually starts a track, the stream context calls
// [Planner.Advance], which shifts the queue, promotes the track's scheduled
// timeline event to active, refills the queue, and announces which upcoming
// track needs speech pre-generation.
package planner

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/OnePlanDan/radiodan/internal/library"
	"github.com/OnePlanDan/radiodan/internal/store"
	"github.com/OnePlanDan/radiodan/pkg/types"
)

// ErrNotInLibrary is returned by InsertTrack for paths the scanner has not
// seen.
var ErrNotInLibrary = errors.New("planner: track not in library")

// ErrBadPosition is returned by queue mutations when an index is out of
// range.
var ErrBadPosition = errors.New("planner: position out of range")

const (
	// DefaultLookahead is how many tracks the planner keeps queued ahead.
	DefaultLookahead = 5

	// DefaultScanInterval is the periodic library rescan cadence.
	DefaultScanInterval = 5 * time.Minute

	// historyLimit bounds the in-memory recent-play list handed to feeders.
	historyLimit = 50

	// fallbackDuration stands in for tracks whose length is unknown when
	// projecting queue timing.
	fallbackDuration = 180.0
)

const playlistSchema = `
CREATE TABLE IF NOT EXISTS music_library (
    file_path TEXT PRIMARY KEY,
    artist TEXT,
    title TEXT,
    album TEXT,
    genre TEXT,
    year TEXT,
    duration_seconds REAL,
    file_hash TEXT,
    last_scanned TEXT
);

CREATE TABLE IF NOT EXISTS playlist_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    file_path TEXT NOT NULL,
    played_at TEXT NOT NULL,
    planned_position INTEGER DEFAULT 0
);

CREATE TABLE IF NOT EXISTS playlist_queue (
    position INTEGER PRIMARY KEY,
    file_path TEXT NOT NULL,
    metadata TEXT DEFAULT '{}',
    tts_status TEXT DEFAULT 'pending',
    tts_path TEXT
);
`

// Mixer is the slice of the engine client the planner drives.
type Mixer interface {
	QueueMusic(ctx context.Context, path string) error
	FlushMusicQueue(ctx context.Context) error
	MusicQueueLength(ctx context.Context) int
}

// Timing exposes the playback clock the stream context polls from the
// engine. Zero values mean "unknown".
type Timing interface {
	ElapsedSeconds() float64
	RemainingSeconds() float64
}

// SelectionStrategy picks the next track to enqueue. Feeder plugins
// implement this and register via [Planner.SetFeeder].
//
// SelectNext runs with the planner lock held; implementations must not call
// back into the planner.
type SelectionStrategy interface {
	SelectNext(ctx context.Context, lib []types.Track, history []types.HistoryEntry, upcoming []types.QueueEntry) (types.Track, bool)
}

// Config assembles a [Planner]. Mixer, DB, Scanner, and Events are required;
// zero values elsewhere pick the defaults above.
type Config struct {
	Mixer   Mixer
	DB      *sql.DB
	Scanner *library.Scanner
	Events  *store.EventStore

	Lookahead    int
	ScanInterval time.Duration // negative disables the periodic rescan
	Crossfade    float64
}

// Planner owns the upcoming queue, the library cache, and the play history.
// All exported methods are safe for concurrent use.
type Planner struct {
	mixer     Mixer
	db        *sql.DB
	scanner   *library.Scanner
	events    *store.EventStore
	lookahead int
	scanEvery time.Duration
	crossfade float64
	now       func() float64

	mu             sync.Mutex
	libraryTracks  []types.Track
	upcoming       []types.QueueEntry
	history        []types.HistoryEntry
	strategy       SelectionStrategy
	timing         Timing
	noFeederWarned bool
	activeEventID  int64
	skipPending    bool

	queueListeners []func(upcoming []types.QueueEntry)
	scanListeners  []func(trackCount int)
	ttsListeners   []func(entry types.QueueEntry, position int)

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a planner. Call [Planner.Start] before use.
func New(cfg Config) *Planner {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.ScanInterval == 0 {
		cfg.ScanInterval = DefaultScanInterval
	}
	if cfg.Crossfade <= 0 {
		cfg.Crossfade = 5
	}
	return &Planner{
		mixer:         cfg.Mixer,
		db:            cfg.DB,
		scanner:       cfg.Scanner,
		events:        cfg.Events,
		lookahead:     cfg.Lookahead,
		scanEvery:     cfg.ScanInterval,
		crossfade:     cfg.Crossfade,
		now:           func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
		activeEventID: store.NoEvent,
		done:          make(chan struct{}),
	}
}

// SetTiming attaches the playback clock. Without it, time projection anchors
// at "now".
func (p *Planner) SetTiming(t Timing) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timing = t
}

// ── Listeners ────────────────────────────────────────────────────────────────

// OnQueueChanged registers a callback invoked with a snapshot of the
// upcoming queue after every mutation. Callbacks run outside the planner
// lock; calling back into the planner is safe.
func (p *Planner) OnQueueChanged(fn func(upcoming []types.QueueEntry)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queueListeners = append(p.queueListeners, fn)
}

// OnLibraryScanned registers a callback invoked with the track count after
// every completed scan.
func (p *Planner) OnLibraryScanned(fn func(trackCount int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanListeners = append(p.scanListeners, fn)
}

// OnTTSNeeded registers a callback invoked when a track settles into the
// position whose announcement should be pre-generated.
func (p *Planner) OnTTSNeeded(fn func(entry types.QueueEntry, position int)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ttsListeners = append(p.ttsListeners, fn)
}

// ── Lifecycle ────────────────────────────────────────────────────────────────

// Start opens the playlist tables, restores persisted state, scans the
// library, and pushes the restored queue back to the engine. Filling the
// queue waits until a feeder registers.
func (p *Planner) Start(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, playlistSchema); err != nil {
		return fmt.Errorf("planner: schema: %w", err)
	}

	p.mu.Lock()

	lib, err := p.loadLibrary(ctx)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.libraryTracks = lib

	queue, hadStagger, err := p.loadQueue(ctx)
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.upcoming = queue

	// Queues persisted by older versions predate z-stagger; rebuild the
	// alternation from the last music event.
	if len(p.upcoming) > 0 && !hadStagger {
		prev := p.events.LastMusicZStagger()
		for i := range p.upcoming {
			p.upcoming[i].ZStagger = 1 - prev
			prev = p.upcoming[i].ZStagger
		}
		p.saveQueue(ctx)
		slog.Info("backfilled z-stagger on persisted queue", "entries", len(p.upcoming))
	}

	// Persisted event ids point at rows the event store just cancelled as
	// orphans. Drop them and schedule fresh events.
	if len(p.upcoming) > 0 {
		for i := range p.upcoming {
			p.upcoming[i].EventID = store.NoEvent
		}
		p.createEventsForQueue(ctx)
		p.saveQueue(ctx)
	}

	p.history = p.loadHistory(ctx, historyLimit)
	p.mu.Unlock()

	if err := p.Rescan(ctx); err != nil {
		slog.Warn("initial library scan failed", "err", err)
	}

	p.mu.Lock()
	p.pushAll(ctx)
	trackCount, queueCount := len(p.libraryTracks), len(p.upcoming)
	p.mu.Unlock()

	if p.scanEvery > 0 {
		p.wg.Add(1)
		go p.scanLoop()
	}

	slog.Info("playlist planner started", "tracks", trackCount, "queued", queueCount)
	return nil
}

// Stop ends the rescan loop and persists the queue. The database handle is
// owned by the caller and stays open.
func (p *Planner) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()

	p.mu.Lock()
	p.saveQueue(ctx)
	p.mu.Unlock()
	slog.Info("playlist planner stopped")
	return nil
}

func (p *Planner) scanLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.scanEvery)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			if err := p.Rescan(context.Background()); err != nil {
				slog.Error("library rescan failed", "err", err)
			}
		}
	}
}

// ── Feeder registration ──────────────────────────────────────────────────────

// SetFeeder registers the track selection strategy and kicks off a deferred
// queue fill.
func (p *Planner) SetFeeder(strategy SelectionStrategy) {
	p.mu.Lock()
	if p.strategy != nil {
		slog.Warn("replacing feeder strategy")
	}
	p.strategy = strategy
	p.noFeederWarned = false
	p.mu.Unlock()

	slog.Info("feeder registered")
	p.wg.Add(1)
	go p.deferredFill()
}

// ClearFeeder unregisters the current strategy. The queue stops refilling
// but keeps playing out.
func (p *Planner) ClearFeeder() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.strategy != nil {
		p.strategy = nil
		slog.Info("feeder cleared")
	}
}

// deferredFill fills and pushes the queue after a feeder registers,
// retrying with backoff for the startup race where the engine's control
// socket is not accepting pushes yet. Each attempt is verified against the
// engine's real queue length.
func (p *Planner) deferredFill() {
	defer p.wg.Done()
	ctx := context.Background()

	const maxAttempts = 5
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		p.mu.Lock()
		added := p.fillQueue(ctx)
		if len(added) > 0 {
			p.saveQueue(ctx)
		}
		p.pushAll(ctx)
		total := len(p.upcoming)
		snapshot := p.snapshotQueue()
		p.mu.Unlock()

		if len(added) > 0 {
			p.emitQueueChanged(snapshot)
		}

		engineCount := p.mixer.MusicQueueLength(ctx)
		slog.Info("deferred queue fill",
			"attempt", attempt, "added", len(added), "queued", total, "engine", engineCount)

		if engineCount > 0 || total == 0 {
			return
		}

		delay := time.Duration(2*attempt) * time.Second
		slog.Warn("engine queue empty after push, retrying", "delay", delay)
		select {
		case <-p.done:
			return
		case <-time.After(delay):
		}
	}
}

// ── Advance ──────────────────────────────────────────────────────────────────

// Advance is called by the stream context when the engine starts a new
// track. It closes out the previous play, records history, shifts the
// queue, promotes the new track's scheduled event to active with real
// timing, refills, and re-projects the rest of the queue.
func (p *Planner) Advance(ctx context.Context, info types.TrackInfo) {
	p.mu.Lock()

	// Close the previous play with the right verdict.
	if p.activeEventID != store.NoEvent {
		status := store.StatusCompleted
		if p.skipPending {
			status = store.StatusSkipped
		}
		p.events.EndEvent(ctx, p.activeEventID, status, nil)
		p.activeEventID = store.NoEvent
	}
	p.skipPending = false

	p.recordHistory(ctx, info.Filename)

	// Pop the entry that just started. Head first; a basename search covers
	// queues that drifted out of order.
	var popped *types.QueueEntry
	if len(p.upcoming) > 0 && sameTrack(p.upcoming[0], info.Filename) {
		entry := p.upcoming[0]
		p.upcoming = p.upcoming[1:]
		popped = &entry
	} else {
		for i := range p.upcoming {
			if sameTrack(p.upcoming[i], info.Filename) {
				entry := p.upcoming[i]
				p.upcoming = append(p.upcoming[:i], p.upcoming[i+1:]...)
				popped = &entry
				break
			}
		}
	}

	// The scheduled event becomes the live one, re-anchored to the real
	// playback clock.
	if popped != nil && popped.EventID != store.NoEvent {
		now := p.now()
		var elapsed, remaining float64
		if p.timing != nil {
			elapsed = p.timing.ElapsedSeconds()
			remaining = p.timing.RemainingSeconds()
		}
		realStart := now - elapsed
		active := store.StatusActive
		upd := store.EventUpdate{Status: &active, StartedAt: &realStart}
		if remaining > 0 {
			realEnd := now + remaining
			upd.EndedAt = &realEnd
		}
		p.events.UpdateEvent(ctx, popped.EventID, upd)
		p.activeEventID = popped.EventID
	}

	added := p.fillQueue(ctx)
	for _, entry := range added {
		p.pushTrack(ctx, entry)
	}
	p.updateScheduledTimes(ctx)
	p.saveQueue(ctx)

	snapshot := p.snapshotQueue()
	var ttsEntry *types.QueueEntry
	if len(p.upcoming) > 1 {
		entry := p.upcoming[1]
		ttsEntry = &entry
	}
	p.mu.Unlock()

	p.emitQueueChanged(snapshot)
	if ttsEntry != nil {
		p.emitTTSNeeded(*ttsEntry, 1)
		slog.Info("announcement needed for upcoming track",
			"artist", ttsEntry.Artist, "title", ttsEntry.Title)
	}
}

// NotifySkip marks the next Advance as the result of an operator skip, so
// the closing event reads skipped instead of completed.
func (p *Planner) NotifySkip() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.skipPending = true
}

// ── Queue management ─────────────────────────────────────────────────────────

// Upcoming returns a snapshot of the queue.
func (p *Planner) Upcoming() []types.QueueEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snapshotQueue()
}

// Library returns a snapshot of the known tracks.
func (p *Planner) Library() []types.Track {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Track(nil), p.libraryTracks...)
}

// InsertTrack adds a library track to the queue. position is a 0-based
// index; -1 or anything past the end appends. The engine queue is flushed
// and re-pushed so playback order matches.
func (p *Planner) InsertTrack(ctx context.Context, filePath string, position int) error {
	p.mu.Lock()

	var track *types.Track
	for i := range p.libraryTracks {
		if p.libraryTracks[i].FilePath == filePath {
			t := p.libraryTracks[i]
			track = &t
			break
		}
	}
	if track == nil {
		p.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotInLibrary, filePath)
	}

	if position < 0 || position >= len(p.upcoming) {
		position = len(p.upcoming)
	}

	entry := types.QueueEntry{Track: *track, EventID: store.NoEvent, TTSStatus: "pending"}
	entry.ZStagger = 1 - p.prevStagger(position)

	p.upcoming = append(p.upcoming, types.QueueEntry{})
	copy(p.upcoming[position+1:], p.upcoming[position:])
	p.upcoming[position] = entry

	times := p.predictStartTimes()
	if position < len(times) {
		p.upcoming[position].EventID = p.createScheduledEvent(ctx, p.upcoming[position], times[position])
	}
	p.updateScheduledTimes(ctx)

	p.syncEngineQueue(ctx)
	p.saveQueue(ctx)
	snapshot := p.snapshotQueue()
	p.mu.Unlock()

	p.emitQueueChanged(snapshot)
	slog.Info("inserted track", "position", position, "artist", track.Artist, "title", track.Title)
	return nil
}

// RemoveTrack drops the queue entry at position and marks its scheduled
// event skipped.
func (p *Planner) RemoveTrack(ctx context.Context, position int) (types.QueueEntry, error) {
	p.mu.Lock()

	if position < 0 || position >= len(p.upcoming) {
		n := len(p.upcoming)
		p.mu.Unlock()
		return types.QueueEntry{}, fmt.Errorf("%w: %d of %d", ErrBadPosition, position, n)
	}

	removed := p.upcoming[position]
	p.upcoming = append(p.upcoming[:position], p.upcoming[position+1:]...)

	if removed.EventID != store.NoEvent {
		p.events.EndEvent(ctx, removed.EventID, store.StatusSkipped, nil)
	}

	p.syncEngineQueue(ctx)
	p.updateScheduledTimes(ctx)
	p.saveQueue(ctx)
	snapshot := p.snapshotQueue()
	p.mu.Unlock()

	p.emitQueueChanged(snapshot)
	slog.Info("removed track", "position", position, "artist", removed.Artist, "title", removed.Title)
	return removed, nil
}

// MoveTrack reorders the queue, moving the entry at from to index to.
func (p *Planner) MoveTrack(ctx context.Context, from, to int) error {
	p.mu.Lock()

	n := len(p.upcoming)
	if from < 0 || from >= n || to < 0 || to >= n {
		p.mu.Unlock()
		return fmt.Errorf("%w: %d -> %d of %d", ErrBadPosition, from, to, n)
	}
	if from == to {
		p.mu.Unlock()
		return nil
	}

	entry := p.upcoming[from]
	p.upcoming = append(p.upcoming[:from], p.upcoming[from+1:]...)
	p.upcoming = append(p.upcoming, types.QueueEntry{})
	copy(p.upcoming[to+1:], p.upcoming[to:])
	p.upcoming[to] = entry

	p.syncEngineQueue(ctx)
	p.updateScheduledTimes(ctx)
	p.saveQueue(ctx)
	snapshot := p.snapshotQueue()
	p.mu.Unlock()

	p.emitQueueChanged(snapshot)
	slog.Info("moved track", "from", from, "to", to, "artist", entry.Artist, "title", entry.Title)
	return nil
}

// SetTTSResult records pre-generated announcement audio for the queue entry
// matching filePath.
func (p *Planner) SetTTSResult(ctx context.Context, filePath, status, ttsPath string) {
	p.mu.Lock()
	for i := range p.upcoming {
		if p.upcoming[i].FilePath == filePath {
			p.upcoming[i].TTSStatus = status
			p.upcoming[i].TTSPath = ttsPath
			break
		}
	}
	p.saveQueue(ctx)
	p.mu.Unlock()
}

// prevStagger returns the z-stagger of the entry before position, falling
// back to the last music event across restarts. Caller holds p.mu.
func (p *Planner) prevStagger(position int) int {
	if position > 0 {
		return p.upcoming[position-1].ZStagger
	}
	return p.events.LastMusicZStagger()
}

// fillQueue tops the queue up to the lookahead depth. Caller holds p.mu.
func (p *Planner) fillQueue(ctx context.Context) []types.QueueEntry {
	if p.strategy == nil {
		if len(p.libraryTracks) > 0 && !p.noFeederWarned {
			slog.Warn("no feeder plugin active, queue will not refill")
			p.noFeederWarned = true
		}
		return nil
	}

	var added []types.QueueEntry
	for len(p.upcoming) < p.lookahead {
		track, ok := p.strategy.SelectNext(ctx, p.libraryTracks, p.history, p.snapshotQueue())
		if !ok {
			break
		}
		entry := types.QueueEntry{Track: track, EventID: store.NoEvent, TTSStatus: "pending"}
		entry.ZStagger = 1 - p.prevStagger(len(p.upcoming))
		p.upcoming = append(p.upcoming, entry)
		added = append(added, entry)
	}

	if len(added) > 0 {
		times := p.predictStartTimes()
		offset := len(p.upcoming) - len(added)
		for i := range added {
			idx := offset + i
			if idx < len(times) {
				id := p.createScheduledEvent(ctx, p.upcoming[idx], times[idx])
				p.upcoming[idx].EventID = id
				added[i].EventID = id
			}
		}
	}
	return added
}

// syncEngineQueue flushes the engine's music_q and re-pushes the whole
// queue, keeping engine playback order equal to ours after a mutation.
// Caller holds p.mu.
func (p *Planner) syncEngineQueue(ctx context.Context) {
	if err := p.mixer.FlushMusicQueue(ctx); err != nil {
		slog.Warn("could not flush engine queue", "err", err)
	}
	p.pushAll(ctx)
}

func (p *Planner) pushAll(ctx context.Context) {
	for _, entry := range p.upcoming {
		p.pushTrack(ctx, entry)
	}
}

func (p *Planner) pushTrack(ctx context.Context, entry types.QueueEntry) {
	if err := p.mixer.QueueMusic(ctx, entry.FilePath); err != nil {
		slog.Warn("could not push track to engine", "path", entry.FilePath, "err", err)
	}
}

// ── Time projection ──────────────────────────────────────────────────────────

// timeSpan is a projected [start, end] for one queued track.
type timeSpan struct {
	start, end float64
}

// predictStartTimes chains projected times through the queue: the first
// queued track starts when the current one crossfades out, and each
// subsequent start overlaps the previous end by the crossfade. Caller holds
// p.mu.
func (p *Planner) predictStartTimes() []timeSpan {
	now := p.now()

	anchor := now
	if p.timing != nil {
		if remaining := p.timing.RemainingSeconds(); remaining > 0 {
			anchor = now + remaining - p.crossfade
		}
	}

	spans := make([]timeSpan, 0, len(p.upcoming))
	cursor := anchor
	for _, entry := range p.upcoming {
		dur := entry.DurationSeconds
		if dur <= 0 {
			dur = fallbackDuration
		}
		span := timeSpan{start: cursor, end: cursor + dur}
		spans = append(spans, span)
		cursor = span.end - p.crossfade
	}
	return spans
}

// createScheduledEvent writes a scheduled timeline event for a queued
// track. Caller holds p.mu.
func (p *Planner) createScheduledEvent(ctx context.Context, entry types.QueueEntry, span timeSpan) int64 {
	id := p.events.StartEvent(ctx, store.EventSpec{
		Type:      store.EventTrackPlay,
		Lane:      store.LaneMusic,
		Title:     entry.Artist + " — " + entry.Title,
		Status:    store.StatusScheduled,
		StartedAt: span.start,
		Details: map[string]any{
			"filename":         entry.FilePath,
			"artist":           entry.Artist,
			"title":            entry.Title,
			"duration_seconds": entry.DurationSeconds,
			"z_stagger":        entry.ZStagger,
		},
	})
	end := span.end
	p.events.UpdateEvent(ctx, id, store.EventUpdate{EndedAt: &end})
	return id
}

// updateScheduledTimes re-projects every scheduled event after the queue or
// the clock moved. Caller holds p.mu.
func (p *Planner) updateScheduledTimes(ctx context.Context) {
	times := p.predictStartTimes()
	for i := range p.upcoming {
		id := p.upcoming[i].EventID
		if id == store.NoEvent || i >= len(times) {
			continue
		}
		start, end := times[i].start, times[i].end
		p.events.UpdateEvent(ctx, id, store.EventUpdate{StartedAt: &start, EndedAt: &end})
	}
}

// createEventsForQueue schedules fresh events for every persisted entry at
// startup. Caller holds p.mu.
func (p *Planner) createEventsForQueue(ctx context.Context) {
	times := p.predictStartTimes()
	for i := range p.upcoming {
		if i < len(times) {
			p.upcoming[i].EventID = p.createScheduledEvent(ctx, p.upcoming[i], times[i])
		}
	}
	slog.Info("scheduled events for persisted queue", "entries", len(p.upcoming))
}

// ── History ──────────────────────────────────────────────────────────────────

// History returns the most recent plays, newest first.
func (p *Planner) History(ctx context.Context, limit int) ([]types.HistoryEntry, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT file_path, played_at, planned_position FROM playlist_history
		 ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("planner: history query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []types.HistoryEntry
	for rows.Next() {
		var (
			entry  types.HistoryEntry
			played string
		)
		if err := rows.Scan(&entry.FilePath, &played, &entry.PlannedPosition); err != nil {
			return nil, fmt.Errorf("planner: history scan: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, played); err == nil {
			entry.PlayedAt = ts
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

// recordHistory appends a play. The engine reports container paths, so the
// host path is resolved through the library by basename. Caller holds p.mu.
func (p *Planner) recordHistory(ctx context.Context, filename string) {
	if filename == "" {
		return
	}

	filePath := filename
	base := filepath.Base(filename)
	for _, track := range p.libraryTracks {
		if track.Basename() == base {
			filePath = track.FilePath
			break
		}
	}

	playedAt := time.Unix(0, int64(p.now()*1e9)).UTC()
	if _, err := p.db.ExecContext(ctx,
		`INSERT INTO playlist_history (file_path, played_at) VALUES (?, ?)`,
		filePath, playedAt.Format(time.RFC3339Nano)); err != nil {
		slog.Warn("could not record history", "path", filePath, "err", err)
	}

	p.history = append([]types.HistoryEntry{{FilePath: filePath, PlayedAt: playedAt}}, p.history...)
	if len(p.history) > historyLimit {
		p.history = p.history[:historyLimit]
	}
}

// ── Library scanning ─────────────────────────────────────────────────────────

// Rescan walks the music directory, refreshes the library cache, and
// notifies scan listeners. Safe to call at any time; the filesystem watcher
// and the periodic loop both funnel through here.
func (p *Planner) Rescan(ctx context.Context) error {
	scanned, err := p.scanner.Scan(ctx)
	if err != nil {
		return fmt.Errorf("planner: scan: %w", err)
	}

	p.mu.Lock()
	if len(scanned) == 0 {
		if len(p.libraryTracks) == 0 {
			slog.Warn("no tracks found in music directory")
		}
		p.mu.Unlock()
		return nil
	}

	for _, track := range scanned {
		if _, err := p.db.ExecContext(ctx,
			`INSERT OR REPLACE INTO music_library
			 (file_path, artist, title, album, genre, year, duration_seconds, file_hash, last_scanned)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			track.FilePath, track.Artist, track.Title, track.Album, track.Genre,
			track.Year, track.DurationSeconds, track.FileHash,
			track.LastScanned.Format(time.RFC3339Nano)); err != nil {
			slog.Warn("could not cache track", "path", track.FilePath, "err", err)
		}
	}
	p.libraryTracks = scanned
	count := len(scanned)
	listeners := append(([]func(int))(nil), p.scanListeners...)
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(count)
	}
	return nil
}

// ── Persistence ──────────────────────────────────────────────────────────────

// saveQueue rewrites the playlist_queue table from memory. Caller holds
// p.mu.
func (p *Planner) saveQueue(ctx context.Context) {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM playlist_queue`); err != nil {
		slog.Warn("could not clear persisted queue", "err", err)
		return
	}
	for i, entry := range p.upcoming {
		meta, err := json.Marshal(entry)
		if err != nil {
			continue
		}
		if _, err := p.db.ExecContext(ctx,
			`INSERT INTO playlist_queue (position, file_path, metadata, tts_status, tts_path)
			 VALUES (?, ?, ?, ?, ?)`,
			i, entry.FilePath, string(meta), entry.TTSStatus, entry.TTSPath); err != nil {
			slog.Warn("could not persist queue entry", "position", i, "err", err)
		}
	}
}

// loadQueue restores the persisted queue. hadStagger reports whether the
// persisted metadata carried z-stagger values. Caller holds p.mu.
func (p *Planner) loadQueue(ctx context.Context) (entries []types.QueueEntry, hadStagger bool, err error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT file_path, metadata, tts_status, COALESCE(tts_path, '')
		 FROM playlist_queue ORDER BY position`)
	if err != nil {
		return nil, false, fmt.Errorf("planner: load queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	hadStagger = true
	for rows.Next() {
		var (
			filePath, meta, ttsStatus, ttsPath string
		)
		if err := rows.Scan(&filePath, &meta, &ttsStatus, &ttsPath); err != nil {
			return nil, false, fmt.Errorf("planner: queue scan: %w", err)
		}

		var entry types.QueueEntry
		if err := json.Unmarshal([]byte(meta), &entry); err != nil {
			slog.Warn("dropping unparseable queue entry", "path", filePath)
			continue
		}
		entry.FilePath = filePath
		entry.TTSStatus = ttsStatus
		entry.TTSPath = ttsPath

		if len(entries) == 0 {
			var raw map[string]json.RawMessage
			if json.Unmarshal([]byte(meta), &raw) == nil {
				_, hadStagger = raw["z_stagger"]
			}
		}
		entries = append(entries, entry)
	}
	return entries, hadStagger, rows.Err()
}

// loadLibrary restores the cached library for fast startup before the first
// scan completes. Caller holds p.mu.
func (p *Planner) loadLibrary(ctx context.Context) ([]types.Track, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT file_path, COALESCE(artist,''), COALESCE(title,''), COALESCE(album,''),
		        COALESCE(genre,''), COALESCE(year,''), COALESCE(duration_seconds,0),
		        COALESCE(file_hash,''), COALESCE(last_scanned,'')
		 FROM music_library`)
	if err != nil {
		return nil, fmt.Errorf("planner: load library: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tracks []types.Track
	for rows.Next() {
		var (
			track   types.Track
			scanned string
		)
		if err := rows.Scan(&track.FilePath, &track.Artist, &track.Title, &track.Album,
			&track.Genre, &track.Year, &track.DurationSeconds, &track.FileHash, &scanned); err != nil {
			return nil, fmt.Errorf("planner: library scan: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, scanned); err == nil {
			track.LastScanned = ts
		}
		tracks = append(tracks, track)
	}
	return tracks, rows.Err()
}

func (p *Planner) loadHistory(ctx context.Context, limit int) []types.HistoryEntry {
	history, err := p.History(ctx, limit)
	if err != nil {
		slog.Warn("could not load history", "err", err)
		return nil
	}
	return history
}

// ── Helpers ──────────────────────────────────────────────────────────────────

func (p *Planner) snapshotQueue() []types.QueueEntry {
	return append([]types.QueueEntry(nil), p.upcoming...)
}

func (p *Planner) emitQueueChanged(snapshot []types.QueueEntry) {
	p.mu.Lock()
	listeners := append(([]func([]types.QueueEntry))(nil), p.queueListeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(snapshot)
	}
}

func (p *Planner) emitTTSNeeded(entry types.QueueEntry, position int) {
	p.mu.Lock()
	listeners := append(([]func(types.QueueEntry, int))(nil), p.ttsListeners...)
	p.mu.Unlock()
	for _, fn := range listeners {
		fn(entry, position)
	}
}

// sameTrack compares a queue entry against an engine-reported filename by
// basename, since the engine sees container paths.
func sameTrack(entry types.QueueEntry, filename string) bool {
	return entry.Basename() == filepath.Base(filename)
}
