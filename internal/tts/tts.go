// Package tts turns text into WAV files through an HTTP speech synthesis
// back-end (Qwen3-TTS style API).
package tts

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/OnePlanDan/radiodan/internal/resilience"
	"github.com/OnePlanDan/radiodan/internal/store"
)

// Synthesis defaults, overridable per request and per station config.
const (
	DefaultSpeaker  = "Aiden"
	DefaultLanguage = "English"
	DefaultInstruct = "Speak calmly and clearly"
)

// Config assembles a [Service]. Endpoint and CacheDir are required.
type Config struct {
	// Endpoint is the synthesis URL, e.g.
	// http://localhost:42001/tts/custom-voice.
	Endpoint string

	// CacheDir receives the generated msg_<millis>.wav files. It is
	// created if missing.
	CacheDir string

	// Station-level voice defaults. Zero values fall back to the package
	// defaults above.
	Speaker  string
	Language string
	Instruct string

	// Events receives tts_generate timeline entries; optional.
	Events *store.EventStore

	// Timeout bounds one synthesis request. Default 60s.
	Timeout time.Duration
}

// Service is an HTTP client for the speech synthesis back-end. Safe for
// concurrent use.
type Service struct {
	endpoint string
	cacheDir string
	speaker  string
	language string
	instruct string
	events   *store.EventStore
	client   *http.Client
	breaker  *resilience.Breaker

	now func() time.Time
}

// New creates a TTS service and ensures the cache directory exists.
func New(cfg Config) (*Service, error) {
	if cfg.Speaker == "" {
		cfg.Speaker = DefaultSpeaker
	}
	if cfg.Language == "" {
		cfg.Language = DefaultLanguage
	}
	if cfg.Instruct == "" {
		cfg.Instruct = DefaultInstruct
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if err := os.MkdirAll(cfg.CacheDir, 0o755); err != nil {
		return nil, fmt.Errorf("tts: create cache dir: %w", err)
	}
	slog.Info("tts service ready", "endpoint", cfg.Endpoint, "cache_dir", cfg.CacheDir)
	return &Service{
		endpoint: cfg.Endpoint,
		cacheDir: cfg.CacheDir,
		speaker:  cfg.Speaker,
		language: cfg.Language,
		instruct: cfg.Instruct,
		events:   cfg.Events,
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  resilience.NewBreaker(resilience.BreakerConfig{Name: "tts"}),
		now:      time.Now,
	}, nil
}

// Speak synthesizes text and returns the path of the written WAV file.
// Empty speaker or instruct fall back to the service defaults.
func (s *Service) Speak(ctx context.Context, text, speaker, instruct string) (string, error) {
	if speaker == "" {
		speaker = s.speaker
	}
	if instruct == "" {
		instruct = s.instruct
	}
	outputPath := filepath.Join(s.cacheDir, fmt.Sprintf("msg_%d.wav", s.now().UnixMilli()))

	slog.Info("generating speech", "text", preview(text, 50), "speaker", speaker)
	eid := s.startEvent(ctx, text, speaker)

	body := &bytes.Buffer{}
	form := multipart.NewWriter(body)
	for field, value := range map[string]string{
		"text":     text,
		"language": s.language,
		"speaker":  speaker,
		"instruct": instruct,
	} {
		if err := form.WriteField(field, value); err != nil {
			return "", fmt.Errorf("tts: build form: %w", err)
		}
	}
	if err := form.Close(); err != nil {
		return "", fmt.Errorf("tts: build form: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, body)
	if err != nil {
		return "", fmt.Errorf("tts: build request: %w", err)
	}
	req.Header.Set("Content-Type", form.FormDataContentType())

	var resp *http.Response
	if err := s.breaker.Do(func() error {
		var derr error
		resp, derr = s.client.Do(req)
		return derr
	}); err != nil {
		s.endEvent(ctx, eid, store.StatusFailed, map[string]any{"error": err.Error()})
		return "", fmt.Errorf("tts: reach synthesis back-end: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.endEvent(ctx, eid, store.StatusFailed, map[string]any{"error": fmt.Sprintf("status %d", resp.StatusCode)})
		return "", fmt.Errorf("tts: back-end returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		s.endEvent(ctx, eid, store.StatusFailed, map[string]any{"error": err.Error()})
		return "", fmt.Errorf("tts: read audio: %w", err)
	}
	if err := os.WriteFile(outputPath, audio, 0o644); err != nil {
		s.endEvent(ctx, eid, store.StatusFailed, map[string]any{"error": err.Error()})
		return "", fmt.Errorf("tts: write audio: %w", err)
	}

	slog.Info("speech generated", "path", outputPath, "bytes", len(audio))
	s.endEvent(ctx, eid, store.StatusCompleted, map[string]any{
		"size_bytes": len(audio),
		"path":       outputPath,
	})
	return outputPath, nil
}

// Healthy probes the back-end's speakers listing next to the synthesis
// endpoint.
func (s *Service) Healthy(ctx context.Context) bool {
	base := s.endpoint
	if i := strings.LastIndex(base, "/"); i > 0 {
		base = base[:i]
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/speakers", nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Service) startEvent(ctx context.Context, text, speaker string) int64 {
	if s.events == nil {
		return store.NoEvent
	}
	return s.events.StartEvent(ctx, store.EventSpec{
		Type:    store.EventTTSGenerate,
		Lane:    store.LaneSystem,
		Title:   "TTS: " + preview(text, 30),
		Details: map[string]any{"text": text, "speaker": speaker},
	})
}

func (s *Service) endEvent(ctx context.Context, id int64, status store.Status, extra map[string]any) {
	if s.events == nil {
		return
	}
	s.events.EndEvent(ctx, id, status, extra)
}

func preview(text string, n int) string {
	if len(text) > n {
		return text[:n] + "..."
	}
	return text
}
