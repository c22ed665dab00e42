package llm_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/OnePlanDan/radiodan/internal/llm"
	"github.com/OnePlanDan/radiodan/internal/store"
)

func openEvents(t *testing.T) *store.EventStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "radiodan.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	events, err := store.OpenEvents(db)
	if err != nil {
		t.Fatalf("open events: %v", err)
	}
	return events
}

// chatBackend fakes an OpenAI-compatible completions endpoint and records
// the last request payload.
type chatBackend struct {
	last    map[string]any
	reply   string
	status  int
	noReply bool
}

func newChatBackend(reply string) *chatBackend {
	return &chatBackend{reply: reply, status: http.StatusOK}
}

func (b *chatBackend) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		var payload map[string]any
		if err := json.NewDecoder(r.Body).Decode(&payload); err == nil {
			b.last = payload
		}
		if b.status != http.StatusOK {
			http.Error(w, "backend error", b.status)
			return
		}
		choices := []any{}
		if !b.noReply {
			choices = append(choices, map[string]any{
				"message": map[string]any{"role": "assistant", "content": b.reply},
			})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"model":   "mistral",
			"choices": choices,
		})
	}
}

func (b *chatBackend) messages(t *testing.T) []map[string]any {
	t.Helper()
	raw, ok := b.last["messages"].([]any)
	if !ok {
		t.Fatalf("payload has no messages: %v", b.last)
	}
	var out []map[string]any
	for _, m := range raw {
		out = append(out, m.(map[string]any))
	}
	return out
}

func TestChatSendsSystemAndUserMessages(t *testing.T) {
	backend := newChatBackend("  The weather is lovely today.  ")
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	events := openEvents(t)
	service, err := llm.New("mistral", llm.WithBaseURL(server.URL+"/v1"), llm.WithEvents(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	reply, err := service.Chat(context.Background(), "How's the weather?", "")
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if reply != "The weather is lovely today." {
		t.Errorf("reply = %q, want trimmed assistant text", reply)
	}

	if backend.last["model"] != "mistral" {
		t.Errorf("model = %v", backend.last["model"])
	}
	msgs := backend.messages(t)
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want system + user", len(msgs))
	}
	if msgs[0]["role"] != "system" || msgs[0]["content"] != llm.DefaultSystemPrompt {
		t.Errorf("system message = %v", msgs[0])
	}
	if msgs[1]["role"] != "user" || msgs[1]["content"] != "How's the weather?" {
		t.Errorf("user message = %v", msgs[1])
	}

	got, err := events.Window(context.Background(), 0, 1e12, store.LaneSystem)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("system events = %d, want 1", len(got))
	}
	ev := got[0]
	if ev.Type != store.EventLLMRequest || ev.Status != store.StatusCompleted {
		t.Errorf("event = %q/%q, want llm_request completed", ev.Type, ev.Status)
	}
	if ev.Details["response"] != "The weather is lovely today." {
		t.Errorf("response detail = %v", ev.Details["response"])
	}
}

func TestChatSystemPromptOverride(t *testing.T) {
	backend := newChatBackend("ok")
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	service, err := llm.New("mistral", llm.WithBaseURL(server.URL+"/v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := service.Chat(context.Background(), "hi", "You are a pirate DJ."); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got := backend.messages(t)[0]["content"]; got != "You are a pirate DJ." {
		t.Errorf("system prompt = %v", got)
	}
}

func TestChatEmptyChoices(t *testing.T) {
	backend := newChatBackend("")
	backend.noReply = true
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	events := openEvents(t)
	service, err := llm.New("mistral", llm.WithBaseURL(server.URL+"/v1"), llm.WithEvents(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := service.Chat(context.Background(), "hi", ""); err == nil {
		t.Fatal("Chat succeeded on empty choices")
	}

	got, err := events.Window(context.Background(), 0, 1e12, store.LaneSystem)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(got) != 1 || got[0].Status != store.StatusFailed {
		t.Fatalf("events = %+v, want one failed", got)
	}
}

func TestChatBackendError(t *testing.T) {
	backend := newChatBackend("")
	backend.status = http.StatusInternalServerError
	server := httptest.NewServer(backend.handler())
	defer server.Close()

	events := openEvents(t)
	service, err := llm.New("mistral", llm.WithBaseURL(server.URL+"/v1"), llm.WithEvents(events))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := service.Chat(context.Background(), "hi", ""); err == nil {
		t.Fatal("Chat succeeded against failing back-end")
	}

	got, err := events.Window(context.Background(), 0, 1e12, store.LaneSystem)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if len(got) != 1 || got[0].Status != store.StatusFailed {
		t.Fatalf("events = %+v, want one failed", got)
	}
}

func TestHealthyProbesTags(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	service, err := llm.New("mistral", llm.WithBaseURL(server.URL+"/v1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !service.Healthy(context.Background()) {
		t.Error("Healthy = false against live back-end")
	}

	server.Close()
	if service.Healthy(context.Background()) {
		t.Error("Healthy = true against closed back-end")
	}
}
