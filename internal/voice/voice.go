// Package voice is the central timing engine for spoken segments.
//
// Plugins submit a [Segment] with a trigger describing when it should play
// relative to the music stream. The scheduler owns the translation from
// trigger to wall-clock moment: it subscribes to the stream monitor's
// track-change and track-ending notifications, runs a periodic check for
// elapsed-time triggers, and routes the finished audio into the engine with
// the segment's mix mode.
package voice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OnePlanDan/radiodan/internal/store"
	"github.com/OnePlanDan/radiodan/pkg/types"
)

// ErrBadTrigger is returned by Submit for trigger strings that do not parse.
var ErrBadTrigger = errors.New("voice: invalid trigger")

// Trigger modes.
const (
	TriggerASAP         = "asap"
	TriggerBetweenSongs = "between_songs"
	TriggerBridge       = "bridge"

	beforeEndPrefix  = "before_end:"
	afterStartPrefix = "after_start:"
)

// Mix modes: how the voice routes through the engine.
const (
	// MixDuck plays through the speech bus; music attenuates to the duck
	// amount. The default.
	MixDuck = "duck"

	// MixGentleDuck is the speech bus with the duck amount temporarily
	// raised to 0.25 so music stays more present, restored afterwards.
	MixGentleDuck = "gentle_duck"

	// MixOverlay plays through the earcon bus with no ducking at all.
	MixOverlay = "overlay"
)

// gentleDuckLevel is the temporary duck amount for MixGentleDuck.
const gentleDuckLevel = 0.25

// Segment is one piece of voice to put on air.
type Segment struct {
	Text string

	// Trigger is one of asap, between_songs, bridge, before_end:X, or
	// after_start:X (X in seconds). Empty means asap.
	Trigger string

	// Priority orders the between-songs queue: lower plays first. An asap
	// submission with negative priority is an interrupt.
	Priority int

	// LeadingSilence and TrailingSilence pad the segment, in seconds.
	LeadingSilence  float64
	TrailingSilence float64

	// SourcePlugin names the submitter; it becomes the timeline lane.
	SourcePlugin string

	// PreGeneratedAudio skips synthesis when it names an existing file.
	// AudioDuration (seconds) feeds the bridge timing math.
	PreGeneratedAudio string
	AudioDuration     float64

	// MixMode selects the engine route. Empty means MixDuck.
	MixMode string

	// Speaker and Instruct override the synthesis defaults per segment.
	Speaker string
	Instruct string
}

// Speaker synthesizes text to an audio file and returns its path.
type Speaker interface {
	Speak(ctx context.Context, text, speaker, instruct string) (string, error)
}

// Mixer is the slice of the engine client the scheduler plays through.
type Mixer interface {
	QueueTTS(ctx context.Context, path string) error
	QueueEarcon(ctx context.Context, path string) error
	FlushTTS(ctx context.Context) error
	DuckAmount(ctx context.Context) float64
	SetDuckAmount(ctx context.Context, amount float64, persist bool) error
	Crossfade(ctx context.Context) float64
}

// Stream is the monitor the scheduler keys its triggers off.
type Stream interface {
	ElapsedSeconds() float64
	OnTrackChanged(fn func(info types.TrackInfo))
	OnTrackEnding(fn func(remaining float64))
}

// Config assembles a [Scheduler]. TTS, Mixer, Stream, and Events are
// required.
type Config struct {
	TTS    Speaker
	Mixer  Mixer
	Stream Stream
	Events *store.EventStore

	// MonitorInterval is the after-start check cadence. Default 2s.
	MonitorInterval time.Duration

	// DuckRestoreDelay is how long a gentle-duck override stays before the
	// previous duck amount comes back. Default 10s.
	DuckRestoreDelay time.Duration
}

// pending wraps a submitted segment with its timeline event.
type pending struct {
	seg     Segment
	eventID int64
}

// timedTrigger is a pending segment waiting on a playback-clock threshold.
type timedTrigger struct {
	threshold float64
	p         *pending
}

// Scheduler plays voice segments at the right musical moment. All exported
// methods are safe for concurrent use.
type Scheduler struct {
	tts          Speaker
	mixer        Mixer
	stream       Stream
	events       *store.EventStore
	monitorEvery time.Duration
	restoreDelay time.Duration

	mu           sync.Mutex
	betweenQueue []*pending
	beforeEnd    []timedTrigger
	afterStart   []timedTrigger
	firedBefore  map[int]bool
	firedAfter   map[int]bool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a voice scheduler. Call [Scheduler.Start] to subscribe to the
// stream and begin the trigger monitor.
func New(cfg Config) *Scheduler {
	if cfg.MonitorInterval <= 0 {
		cfg.MonitorInterval = 2 * time.Second
	}
	if cfg.DuckRestoreDelay <= 0 {
		cfg.DuckRestoreDelay = 10 * time.Second
	}
	return &Scheduler{
		tts:          cfg.TTS,
		mixer:        cfg.Mixer,
		stream:       cfg.Stream,
		events:       cfg.Events,
		monitorEvery: cfg.MonitorInterval,
		restoreDelay: cfg.DuckRestoreDelay,
		firedBefore:  map[int]bool{},
		firedAfter:   map[int]bool{},
		done:         make(chan struct{}),
	}
}

// Start subscribes to stream events and launches the after-start monitor.
func (s *Scheduler) Start(ctx context.Context) error {
	s.stream.OnTrackChanged(func(types.TrackInfo) { s.handleTrackChanged(context.Background()) })
	s.stream.OnTrackEnding(func(remaining float64) { s.handleTrackEnding(context.Background(), remaining) })

	s.wg.Add(1)
	go s.monitorLoop()
	slog.Info("voice scheduler started")
	return nil
}

// Stop ends the monitor loop. Queued segments stay queued; their events
// become orphans the store closes on the next run.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })
	s.wg.Wait()
	slog.Info("voice scheduler stopped")
	return nil
}

// Submit schedules a voice segment. Unknown or unparseable triggers return
// [ErrBadTrigger] and the segment is dropped.
func (s *Scheduler) Submit(ctx context.Context, seg Segment) error {
	trigger := seg.Trigger
	if trigger == "" {
		trigger = TriggerASAP
	}
	source := seg.SourcePlugin
	if source == "" {
		source = "unknown"
	}
	title := preview(seg.Text)

	// Urgent interrupt: negative-priority asap preempts queued voice.
	if trigger == TriggerASAP && seg.Priority < 0 {
		slog.Info("voice interrupt", "plugin", source, "priority", seg.Priority, "text", title)
		p := &pending{seg: seg, eventID: s.startSegmentEvent(ctx, seg, source, title, "interrupt", store.StatusActive)}
		return s.interruptFor(ctx, p)
	}

	switch {
	case trigger == TriggerASAP:
		slog.Info("voice asap", "plugin", source, "text", title)
		p := &pending{seg: seg, eventID: s.startSegmentEvent(ctx, seg, source, title, trigger, store.StatusActive)}
		return s.play(ctx, p)

	case trigger == TriggerBetweenSongs:
		p := &pending{seg: seg, eventID: s.startSegmentEvent(ctx, seg, source, title, trigger, store.StatusScheduled)}
		s.mu.Lock()
		s.betweenQueue = append(s.betweenQueue, p)
		s.mu.Unlock()
		slog.Info("voice queued between songs", "plugin", source, "priority", seg.Priority, "text", title)
		return nil

	case trigger == TriggerBridge:
		p := &pending{seg: seg, eventID: s.startSegmentEvent(ctx, seg, source, title, trigger, store.StatusScheduled)}
		s.scheduleBridge(ctx, p, source)
		return nil

	case strings.HasPrefix(trigger, beforeEndPrefix):
		seconds, err := strconv.ParseFloat(strings.TrimPrefix(trigger, beforeEndPrefix), 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadTrigger, trigger)
		}
		p := &pending{seg: seg, eventID: s.startSegmentEvent(ctx, seg, source, title, trigger, store.StatusScheduled)}
		s.mu.Lock()
		s.beforeEnd = append(s.beforeEnd, timedTrigger{threshold: seconds, p: p})
		s.mu.Unlock()
		slog.Info("voice timed before end", "plugin", source, "seconds", seconds, "text", title)
		return nil

	case strings.HasPrefix(trigger, afterStartPrefix):
		seconds, err := strconv.ParseFloat(strings.TrimPrefix(trigger, afterStartPrefix), 64)
		if err != nil {
			return fmt.Errorf("%w: %q", ErrBadTrigger, trigger)
		}
		p := &pending{seg: seg, eventID: s.startSegmentEvent(ctx, seg, source, title, trigger, store.StatusScheduled)}
		s.mu.Lock()
		s.afterStart = append(s.afterStart, timedTrigger{threshold: seconds, p: p})
		s.mu.Unlock()
		slog.Info("voice timed after start", "plugin", source, "seconds", seconds, "text", title)
		return nil

	default:
		return fmt.Errorf("%w: %q", ErrBadTrigger, trigger)
	}
}

func (s *Scheduler) startSegmentEvent(ctx context.Context, seg Segment, source, title, trigger string, status store.Status) int64 {
	return s.events.StartEvent(ctx, store.EventSpec{
		Type:   store.EventVoiceSegment,
		Lane:   source,
		Title:  title,
		Status: status,
		Details: map[string]any{
			"trigger":          trigger,
			"priority":         seg.Priority,
			"text":             seg.Text,
			"duration_seconds": seg.AudioDuration,
		},
	})
}

// scheduleBridge aims the voice midpoint at the crossfade midpoint:
// trigger (voice_duration + crossfade) / 2 seconds before the song ends.
// With an 8s voice over a 5s crossfade, the voice starts at 6.5s remaining
// and runs 1.5s into the next song; both midpoints land 2.5s before the
// boundary. Without a known duration, fall back to firing at the crossfade
// start.
func (s *Scheduler) scheduleBridge(ctx context.Context, p *pending, source string) {
	crossfade := s.mixer.Crossfade(ctx)

	var triggerAt float64
	if p.seg.AudioDuration <= 0 {
		slog.Warn("bridge segment has no audio duration, firing at crossfade start")
		triggerAt = crossfade
	} else {
		triggerAt = (p.seg.AudioDuration + crossfade) / 2
	}

	slog.Info("bridge scheduled", "plugin", source,
		"voice", p.seg.AudioDuration, "crossfade", crossfade, "trigger_at", triggerAt)

	s.mu.Lock()
	s.beforeEnd = append(s.beforeEnd, timedTrigger{threshold: triggerAt, p: p})
	s.mu.Unlock()
}

// interruptFor flushes the engine's speech queue, cancels queued segments
// with a strictly higher priority number, and plays the interrupt.
func (s *Scheduler) interruptFor(ctx context.Context, p *pending) error {
	if err := s.mixer.FlushTTS(ctx); err != nil {
		slog.Warn("could not flush speech queue for interrupt", "err", err)
	}

	s.mu.Lock()
	var kept, cancelled []*pending
	for _, queued := range s.betweenQueue {
		if queued.seg.Priority <= p.seg.Priority {
			kept = append(kept, queued)
		} else {
			cancelled = append(cancelled, queued)
		}
	}
	s.betweenQueue = kept
	s.mu.Unlock()

	for _, c := range cancelled {
		s.events.EndEvent(ctx, c.eventID, store.StatusCancelled, nil)
	}
	slog.Info("interrupt preempted queued voice", "cancelled", len(cancelled))

	return s.play(ctx, p)
}

// play takes a segment on air: activate its event, obtain audio, pad with
// silence, route by mix mode, and close the event with the outcome.
func (s *Scheduler) play(ctx context.Context, p *pending) error {
	active := store.StatusActive
	s.events.UpdateEvent(ctx, p.eventID, store.EventUpdate{Status: &active})

	audioPath := p.seg.PreGeneratedAudio
	if audioPath != "" {
		if _, err := os.Stat(audioPath); err != nil {
			audioPath = ""
		} else {
			slog.Info("using pre-generated audio", "path", audioPath)
		}
	}
	if audioPath == "" {
		var err error
		audioPath, err = s.tts.Speak(ctx, p.seg.Text, p.seg.Speaker, p.seg.Instruct)
		if err != nil {
			s.events.EndEvent(ctx, p.eventID, store.StatusFailed, map[string]any{"error": err.Error()})
			return fmt.Errorf("voice: synthesize segment from %s: %w", p.seg.SourcePlugin, err)
		}
	}

	s.pause(p.seg.LeadingSilence)

	if err := s.queueWithMixMode(ctx, audioPath, p.seg.MixMode); err != nil {
		s.events.EndEvent(ctx, p.eventID, store.StatusFailed, map[string]any{"error": err.Error()})
		return fmt.Errorf("voice: queue segment from %s: %w", p.seg.SourcePlugin, err)
	}

	s.pause(p.seg.TrailingSilence)

	s.events.EndEvent(ctx, p.eventID, store.StatusCompleted, nil)
	return nil
}

func (s *Scheduler) queueWithMixMode(ctx context.Context, audioPath, mixMode string) error {
	switch mixMode {
	case MixOverlay:
		return s.mixer.QueueEarcon(ctx, audioPath)

	case MixGentleDuck:
		// Temporary override; never persisted.
		original := s.mixer.DuckAmount(ctx)
		if err := s.mixer.SetDuckAmount(ctx, gentleDuckLevel, false); err != nil {
			return err
		}
		if err := s.mixer.QueueTTS(ctx, audioPath); err != nil {
			return err
		}
		time.AfterFunc(s.restoreDelay, func() {
			if err := s.mixer.SetDuckAmount(context.Background(), original, false); err != nil {
				slog.Warn("could not restore duck amount", "err", err)
			}
		})
		return nil

	default:
		return s.mixer.QueueTTS(ctx, audioPath)
	}
}

// pause sleeps for a silence pad unless the scheduler is stopping.
func (s *Scheduler) pause(seconds float64) {
	if seconds <= 0 {
		return
	}
	select {
	case <-s.done:
	case <-time.After(time.Duration(seconds * float64(time.Second))):
	}
}

// handleTrackChanged clears the per-track trigger state and flushes the
// between-songs queue in ascending priority order.
func (s *Scheduler) handleTrackChanged(ctx context.Context) {
	s.mu.Lock()
	s.beforeEnd = nil
	s.afterStart = nil
	s.firedBefore = map[int]bool{}
	s.firedAfter = map[int]bool{}

	queue := s.betweenQueue
	s.betweenQueue = nil
	s.mu.Unlock()

	if len(queue) == 0 {
		return
	}
	sort.SliceStable(queue, func(i, j int) bool { return queue[i].seg.Priority < queue[j].seg.Priority })

	slog.Info("flushing between-songs voice queue", "segments", len(queue))
	for _, p := range queue {
		if err := s.play(ctx, p); err != nil {
			slog.Error("between-songs segment failed", "err", err)
		}
	}
}

// handleTrackEnding fires before-end triggers whose threshold has been
// reached, each at most once per track.
func (s *Scheduler) handleTrackEnding(ctx context.Context, remaining float64) {
	s.mu.Lock()
	var due []*pending
	for i, t := range s.beforeEnd {
		if remaining <= t.threshold && !s.firedBefore[i] {
			s.firedBefore[i] = true
			due = append(due, t.p)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		if err := s.play(ctx, p); err != nil {
			slog.Error("before-end segment failed", "err", err)
		}
	}
}

// checkAfterStart fires after-start triggers whose threshold the playback
// clock has crossed.
func (s *Scheduler) checkAfterStart(ctx context.Context) {
	elapsed := s.stream.ElapsedSeconds()
	if elapsed <= 0 {
		return
	}

	s.mu.Lock()
	var due []*pending
	for i, t := range s.afterStart {
		if elapsed >= t.threshold && !s.firedAfter[i] {
			s.firedAfter[i] = true
			due = append(due, t.p)
		}
	}
	s.mu.Unlock()

	for _, p := range due {
		if err := s.play(ctx, p); err != nil {
			slog.Error("after-start segment failed", "err", err)
		}
	}
}

func (s *Scheduler) monitorLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.monitorEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			s.checkAfterStart(context.Background())
		}
	}
}

func preview(text string) string {
	if len(text) > 40 {
		return text[:40] + "..."
	}
	return text
}
