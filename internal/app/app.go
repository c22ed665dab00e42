// Package app wires all RadioDan subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the store and connects
// all subsystems, Run starts them and blocks until the context is cancelled,
// and Shutdown tears everything down in order.
package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/OnePlanDan/radiodan/internal/config"
	"github.com/OnePlanDan/radiodan/internal/library"
	"github.com/OnePlanDan/radiodan/internal/llm"
	"github.com/OnePlanDan/radiodan/internal/mixer"
	"github.com/OnePlanDan/radiodan/internal/observe"
	"github.com/OnePlanDan/radiodan/internal/planner"
	"github.com/OnePlanDan/radiodan/internal/plugin"
	"github.com/OnePlanDan/radiodan/internal/store"
	"github.com/OnePlanDan/radiodan/internal/stream"
	"github.com/OnePlanDan/radiodan/internal/tts"
	"github.com/OnePlanDan/radiodan/internal/voice"
	"github.com/OnePlanDan/radiodan/pkg/types"
)

// App owns all subsystem lifetimes.
type App struct {
	cfg *config.Config

	db       *sql.DB
	events   *store.EventStore
	cfgStore *store.ConfigStore
	mixer    *mixer.Client
	scanner  *library.Scanner
	planner  *planner.Planner
	stream   *stream.Context
	voice    *voice.Scheduler
	tts      *tts.Service
	llm      *llm.Service
	plugins  []plugin.Plugin

	metrics      *observe.Metrics
	otelShutdown func(context.Context) error
	ops          *http.Server

	// closers are called in order during Shutdown, after the subsystems
	// have been stopped.
	closers []func() error

	stopOnce sync.Once
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Nothing starts
// running until [App.Run]; New only opens the database and constructs the
// component graph.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg}

	// ── 1. Store ─────────────────────────────────────────────────────────
	db, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("app: open database: %w", err)
	}
	a.db = db

	a.events, err = store.OpenEvents(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("app: open event store: %w", err)
	}
	a.cfgStore, err = store.OpenConfig(db)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("app: open config store: %w", err)
	}
	a.closers = append(a.closers, func() error {
		a.events.Close()
		return a.db.Close()
	})

	// ── 2. Telemetry ─────────────────────────────────────────────────────
	a.otelShutdown, err = observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "radiodan"})
	if err != nil {
		return nil, fmt.Errorf("app: init telemetry: %w", err)
	}
	a.closers = append(a.closers, func() error { return a.otelShutdown(context.Background()) })

	a.metrics, err = observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		return nil, fmt.Errorf("app: create metrics: %w", err)
	}

	// ── 3. Mixer client ──────────────────────────────────────────────────
	var mappings []mixer.PathMapping
	for _, m := range cfg.Mixer.PathMappings {
		mappings = append(mappings, mixer.PathMapping{
			HostPrefix:      m.HostPrefix,
			ContainerPrefix: m.EnginePrefix,
		})
	}
	a.mixer = mixer.NewClient(cfg.Mixer.Host, cfg.Mixer.Port,
		mixer.WithPathMappings(mappings),
		mixer.WithSettings(a.cfgStore),
	)
	engine := &timedMixer{Client: a.mixer, metrics: a.metrics}

	// ── 4. Library + planner ─────────────────────────────────────────────
	a.scanner = library.NewScanner(cfg.Playlist.MusicDir)
	a.planner = planner.New(planner.Config{
		Mixer:        engine,
		DB:           db,
		Scanner:      a.scanner,
		Events:       a.events,
		Lookahead:    cfg.Playlist.Lookahead,
		ScanInterval: time.Duration(cfg.Playlist.ScanInterval * float64(time.Second)),
		Crossfade:    cfg.Mixer.CrossfadeDuration,
	})
	a.planner.OnQueueChanged(func(upcoming []types.QueueEntry) {
		a.metrics.QueueDepth.Record(context.Background(), int64(len(upcoming)))
	})
	a.planner.OnLibraryScanned(func(trackCount int) {
		a.metrics.LibraryTracks.Record(context.Background(), int64(trackCount))
	})

	// ── 5. Stream monitor ────────────────────────────────────────────────
	a.stream = stream.New(stream.Config{Mixer: engine, Events: a.events})
	a.stream.SetPlanner(a.planner)
	a.planner.SetTiming(a.stream)
	// The engine starting a track is what moves the queue forward.
	a.stream.OnTrackChanged(func(info types.TrackInfo) {
		a.planner.Advance(context.Background(), info)
	})

	// ── 6. Speech + chat back-ends ───────────────────────────────────────
	a.tts, err = tts.New(tts.Config{
		Endpoint: cfg.TTS.Endpoint,
		CacheDir: cfg.TTS.CacheDir,
		Speaker:  cfg.TTS.Speaker,
		Language: cfg.TTS.Language,
		Instruct: cfg.TTS.Instruct,
		Events:   a.events,
	})
	if err != nil {
		return nil, fmt.Errorf("app: create tts service: %w", err)
	}

	a.llm, err = llm.New(cfg.LLM.Model,
		llm.WithBaseURL(cfg.LLM.BaseURL),
		llm.WithAPIKey(cfg.LLM.APIKey),
		llm.WithSystemPrompt(cfg.LLM.SystemPrompt),
		llm.WithEvents(a.events),
	)
	if err != nil {
		return nil, fmt.Errorf("app: create llm service: %w", err)
	}

	// ── 7. Voice scheduler ───────────────────────────────────────────────
	a.voice = voice.New(voice.Config{
		TTS:    a.tts,
		Mixer:  engine,
		Stream: a.stream,
		Events: a.events,
	})

	// ── 8. Plugins ───────────────────────────────────────────────────────
	a.plugins, err = plugin.LoadInstances(ctx, a.cfgStore, cfg.Plugins, plugin.Services{
		Voice:   a.voice,
		Chat:    a.llm,
		Stream:  a.stream,
		Planner: a.planner,
	})
	if err != nil {
		return nil, fmt.Errorf("app: load plugins: %w", err)
	}

	// ── 9. Ops endpoint ──────────────────────────────────────────────────
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", a.handleHealthz)
	a.ops = &http.Server{
		Addr:    cfg.Server.ListenAddr,
		Handler: observe.Middleware(a.metrics)(mux),
	}

	return a, nil
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts every subsystem and blocks until ctx is cancelled or a fatal
// error occurs. An unreachable engine is not fatal: the mixer reconnects per
// command, so the station comes up as soon as the engine does.
func (a *App) Run(ctx context.Context) error {
	if err := a.mixer.Start(ctx); err != nil {
		slog.Warn("engine not reachable yet, continuing", "err", err)
	}
	if err := a.mixer.SetCrossfade(ctx, a.cfg.Mixer.CrossfadeDuration); err != nil {
		slog.Warn("could not push crossfade to engine", "err", err)
	}

	if err := a.planner.Start(ctx); err != nil {
		return fmt.Errorf("app: start planner: %w", err)
	}
	if err := a.stream.Start(ctx); err != nil {
		return fmt.Errorf("app: start stream monitor: %w", err)
	}
	if err := a.voice.Start(ctx); err != nil {
		return fmt.Errorf("app: start voice scheduler: %w", err)
	}

	for _, p := range a.plugins {
		if err := p.Start(ctx); err != nil {
			slog.Error("plugin failed to start", "instance", p.ID(), "err", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		slog.Info("ops endpoint listening", "addr", a.ops.Addr)
		if err := a.ops.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: ops server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return a.ops.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return a.watchMusicDir(gctx) })
	g.Go(func() error { return a.recordEventMetrics(gctx) })

	slog.Info("radiodan running",
		"station", a.cfg.StationName,
		"plugins", len(a.plugins),
		"music_dir", a.cfg.Playlist.MusicDir,
	)

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return ctx.Err()
}

// watchMusicDir triggers a rescan whenever the music directory changes, so
// new albums show up before the next periodic sweep.
func (a *App) watchMusicDir(ctx context.Context) error {
	w, err := library.NewWatcher(a.cfg.Playlist.MusicDir, 2*time.Second)
	if err != nil {
		slog.Warn("music directory watch unavailable", "dir", a.cfg.Playlist.MusicDir, "err", err)
		<-ctx.Done()
		return nil
	}
	defer w.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-w.C():
			start := time.Now()
			if err := a.planner.Rescan(ctx); err != nil {
				slog.Warn("rescan after directory change failed", "err", err)
				continue
			}
			a.metrics.LibraryScanDuration.Record(ctx, time.Since(start).Seconds())
		}
	}
}

// recordEventMetrics drives the counters and latency histograms off the
// event store's pub/sub feed. End messages carry only the id and status, so
// start messages are remembered until their end arrives.
func (a *App) recordEventMetrics(ctx context.Context) error {
	ch := a.events.Subscribe()
	defer a.events.Unsubscribe(ch)

	a.metrics.TimelineSubscribers.Add(ctx, 1)
	defer a.metrics.TimelineSubscribers.Add(context.Background(), -1)

	type openEvent struct {
		eventType string
		lane      string
		startedAt float64
	}
	open := map[int64]openEvent{}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			switch msg.Action {
			case "start":
				open[msg.Event.ID] = openEvent{
					eventType: msg.Event.Type,
					lane:      msg.Event.Lane,
					startedAt: msg.Event.StartedAt,
				}
				if msg.Event.Type == store.EventTrackPlay && msg.Event.Status == store.StatusActive {
					a.metrics.RecordTrackPlayed(ctx)
				}
			case "end":
				ev, known := open[msg.Event.ID]
				if !known {
					continue
				}
				delete(open, msg.Event.ID)

				var seconds float64
				if msg.Event.EndedAt != nil {
					seconds = *msg.Event.EndedAt - ev.startedAt
				}
				switch ev.eventType {
				case store.EventVoiceSegment:
					a.metrics.RecordVoiceSegment(ctx, ev.lane, string(msg.Event.Status))
				case store.EventTTSGenerate:
					a.metrics.TTSDuration.Record(ctx, seconds)
				case store.EventLLMRequest:
					a.metrics.LLMDuration.Record(ctx, seconds)
				}
			}
		}
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

// handleHealthz reports the reachability of the engine and the speech/chat
// back-ends. The process itself being up is already implied by the response.
func (a *App) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	health := map[string]bool{
		"mixer": a.mixer.HealthCheck(ctx),
		"tts":   a.tts.Healthy(ctx),
		"llm":   a.llm.Healthy(ctx),
	}
	status := "ok"
	for _, up := range health {
		if !up {
			status = "degraded"
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     status,
		"station":    a.cfg.StationName,
		"components": health,
	})
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown stops plugins and subsystems in reverse-start order, then runs
// the closers. It respects the context deadline: if ctx expires before all
// closers finish, remaining closers are skipped and the context error is
// returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "plugins", len(a.plugins), "closers", len(a.closers))

		for i := len(a.plugins) - 1; i >= 0; i-- {
			if err := a.plugins[i].Stop(ctx); err != nil {
				slog.Warn("plugin stop error", "instance", a.plugins[i].ID(), "err", err)
			}
		}
		if err := a.voice.Stop(ctx); err != nil {
			slog.Warn("voice scheduler stop error", "err", err)
		}
		if err := a.stream.Stop(ctx); err != nil {
			slog.Warn("stream monitor stop error", "err", err)
		}
		if err := a.planner.Stop(ctx); err != nil {
			slog.Warn("planner stop error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// SetCrossfade pushes a new crossfade duration to the engine. Used by the
// config watcher; crossfade is one of the two hot-reloadable settings.
func (a *App) SetCrossfade(ctx context.Context, seconds float64) error {
	a.cfg.Mixer.CrossfadeDuration = seconds
	return a.mixer.SetCrossfade(ctx, seconds)
}

// ─── Engine instrumentation ──────────────────────────────────────────────────

// timedMixer wraps the engine client so queue-affecting commands land in the
// mixer latency histogram. All other methods pass through the embedded
// client.
type timedMixer struct {
	*mixer.Client
	metrics *observe.Metrics
}

func (t *timedMixer) QueueMusic(ctx context.Context, path string) error {
	return t.timed(ctx, "music_q.push", func() error { return t.Client.QueueMusic(ctx, path) })
}

func (t *timedMixer) QueueTTS(ctx context.Context, path string) error {
	return t.timed(ctx, "tts_q.push", func() error { return t.Client.QueueTTS(ctx, path) })
}

func (t *timedMixer) QueueEarcon(ctx context.Context, path string) error {
	return t.timed(ctx, "earcon_q.push", func() error { return t.Client.QueueEarcon(ctx, path) })
}

func (t *timedMixer) FlushTTS(ctx context.Context) error {
	return t.timed(ctx, "tts.flush_and_skip", func() error { return t.Client.FlushTTS(ctx) })
}

func (t *timedMixer) FlushMusicQueue(ctx context.Context) error {
	return t.timed(ctx, "music_q.flush_and_skip", func() error { return t.Client.FlushMusicQueue(ctx) })
}

func (t *timedMixer) timed(ctx context.Context, command string, fn func() error) error {
	start := time.Now()
	err := fn()
	t.metrics.RecordMixerCommand(ctx, command, time.Since(start).Seconds(), err != nil)
	return err
}
