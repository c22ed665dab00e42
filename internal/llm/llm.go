// Package llm is the station's chat back-end: a thin client over any
// OpenAI-compatible completions API (Ollama by default) that plugins use to
// write announcements.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/OnePlanDan/radiodan/internal/resilience"
	"github.com/OnePlanDan/radiodan/internal/store"
)

// DefaultBaseURL targets a local Ollama in OpenAI-compatibility mode.
const DefaultBaseURL = "http://localhost:11434/v1"

// DefaultSystemPrompt keeps answers short enough to speak on air.
const DefaultSystemPrompt = "You are a friendly AI radio assistant. " +
	"Keep responses concise (1-2 sentences) since they'll be spoken aloud."

// config holds optional configuration for the service.
type config struct {
	baseURL      string
	apiKey       string
	systemPrompt string
	timeout      time.Duration
	events       *store.EventStore
}

// Option is a functional option for Service.
type Option func(*config)

// WithBaseURL overrides the default Ollama base URL.
func WithBaseURL(url string) Option {
	return func(c *config) { c.baseURL = url }
}

// WithAPIKey sets the bearer token. Local Ollama ignores it; hosted
// back-ends need a real key.
func WithAPIKey(key string) Option {
	return func(c *config) { c.apiKey = key }
}

// WithSystemPrompt replaces the default radio-assistant prompt.
func WithSystemPrompt(prompt string) Option {
	return func(c *config) { c.systemPrompt = prompt }
}

// WithTimeout sets a per-request HTTP timeout. Default 120s; local models
// can be slow to load.
func WithTimeout(d time.Duration) Option {
	return func(c *config) { c.timeout = d }
}

// WithEvents attaches the timeline store for llm_request instrumentation.
func WithEvents(events *store.EventStore) Option {
	return func(c *config) { c.events = events }
}

// Service is the chat client. Safe for concurrent use.
type Service struct {
	client       oai.Client
	model        string
	baseURL      string
	systemPrompt string
	events       *store.EventStore
	probe        *http.Client
	breaker      *resilience.Breaker
}

// New constructs a chat service for the given model.
func New(model string, opts ...Option) (*Service, error) {
	if model == "" {
		return nil, fmt.Errorf("llm: model must not be empty")
	}

	cfg := &config{
		baseURL:      DefaultBaseURL,
		apiKey:       "ollama",
		systemPrompt: DefaultSystemPrompt,
		timeout:      120 * time.Second,
	}
	for _, o := range opts {
		o(cfg)
	}

	client := oai.NewClient(
		option.WithAPIKey(cfg.apiKey),
		option.WithBaseURL(cfg.baseURL),
		option.WithHTTPClient(&http.Client{Timeout: cfg.timeout}),
	)
	slog.Info("llm service ready", "base_url", cfg.baseURL, "model", model)
	return &Service{
		client:       client,
		model:        model,
		baseURL:      cfg.baseURL,
		systemPrompt: cfg.systemPrompt,
		events:       cfg.events,
		probe:        &http.Client{Timeout: 5 * time.Second},
		breaker:      resilience.NewBreaker(resilience.BreakerConfig{Name: "llm"}),
	}, nil
}

// Chat sends one user message and returns the assistant's reply. An empty
// systemPrompt falls back to the service default.
func (s *Service) Chat(ctx context.Context, userMessage, systemPrompt string) (string, error) {
	if systemPrompt == "" {
		systemPrompt = s.systemPrompt
	}
	slog.Info("llm chat", "message", preview(userMessage, 50))
	eid := s.startEvent(ctx, userMessage)

	var resp *oai.ChatCompletion
	err := s.breaker.Do(func() error {
		var err error
		resp, err = s.client.Chat.Completions.New(ctx, oai.ChatCompletionNewParams{
			Model: shared.ChatModel(s.model),
			Messages: []oai.ChatCompletionMessageParamUnion{
				oai.SystemMessage(systemPrompt),
				oai.UserMessage(userMessage),
			},
		})
		return err
	})
	if err != nil {
		s.endEvent(ctx, eid, store.StatusFailed, map[string]any{"error": err.Error()})
		if errors.Is(err, resilience.ErrOpen) {
			return "", fmt.Errorf("llm: chat back-end unavailable: %w", err)
		}
		return "", fmt.Errorf("llm: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		s.endEvent(ctx, eid, store.StatusFailed, map[string]any{"error": "empty choices"})
		return "", fmt.Errorf("llm: empty choices in response")
	}

	reply := strings.TrimSpace(resp.Choices[0].Message.Content)
	slog.Info("llm response", "reply", preview(reply, 50))
	s.endEvent(ctx, eid, store.StatusCompleted, map[string]any{"response": preview(reply, 200)})
	return reply, nil
}

// Healthy probes Ollama's tag listing next to the completions API.
func (s *Service) Healthy(ctx context.Context) bool {
	base := strings.TrimSuffix(s.baseURL, "/")
	base = strings.TrimSuffix(base, "/v1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := s.probe.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (s *Service) startEvent(ctx context.Context, message string) int64 {
	if s.events == nil {
		return store.NoEvent
	}
	return s.events.StartEvent(ctx, store.EventSpec{
		Type:    store.EventLLMRequest,
		Lane:    store.LaneSystem,
		Title:   "LLM: " + preview(message, 30),
		Details: map[string]any{"message": message},
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
