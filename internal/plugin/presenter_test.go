package plugin

import (
	"context"
	"math/rand"
	"strings"
	"testing"

	"github.com/OnePlanDan/radiodan/pkg/types"
)

func startPresenter(t *testing.T, cfg map[string]any) (*Presenter, *fakeVoice, *fakeChat, *fakeStream) {
	t.Helper()
	v := &fakeVoice{}
	c := &fakeChat{reply: "And that was a lovely one."}
	s := newFakeStream()
	p := &Presenter{
		Base: Base{
			Services:   Services{Voice: v, Chat: c, Stream: s},
			InstanceID: "default-presenter",
			Config:     cfg,
		},
		active: true,
		rand:   rand.New(rand.NewSource(1)),
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = p.Stop(context.Background()) })
	return p, v, c, s
}

func TestPresenterIntroAnnouncement(t *testing.T) {
	_, v, c, s := startPresenter(t, map[string]any{
		"styles":       []any{"intro"},
		"persona_name": "DJ Nova",
	})
	s.SetEnrichment("lyrics", strings.Repeat("la ", 100)) // 300 chars, must be clipped
	s.SetEnrichment("geo", "Recorded in Reykjavik")

	s.fire(types.TrackInfo{Artist: "Boards of Canada", Title: "Roygbiv", Year: "1998", Genre: "IDM"})
	waitFor(t, "intro announcement", func() bool { return len(v.submitted()) == 1 })

	seg := v.submitted()[0]
	if seg.Trigger != "asap" || seg.Priority != 50 {
		t.Errorf("segment = trigger %q priority %d, want asap/50", seg.Trigger, seg.Priority)
	}
	if seg.LeadingSilence != 0.5 || seg.TrailingSilence != 0.3 {
		t.Errorf("silences = %v/%v", seg.LeadingSilence, seg.TrailingSilence)
	}
	if seg.Text != "And that was a lovely one." {
		t.Errorf("segment text = %q, want the generated announcement", seg.Text)
	}
	if seg.SourcePlugin != "default-presenter" {
		t.Errorf("source plugin = %q", seg.SourcePlugin)
	}

	prompts, systems := c.asked()
	if len(prompts) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(prompts))
	}
	for _, want := range []string{
		"Artist: Boards of Canada", "Title: Roygbiv", "Year: 1998", "Genre: IDM",
		"Geographic context: Recorded in Reykjavik",
	} {
		if !strings.Contains(prompts[0], want) {
			t.Errorf("prompt missing %q:\n%s", want, prompts[0])
		}
	}
	if strings.Contains(prompts[0], strings.Repeat("la ", 100)) {
		t.Error("lyrics snippet was not clipped")
	}
	if !strings.Contains(systems[0], "DJ Nova") {
		t.Errorf("system prompt missing persona: %s", systems[0])
	}
}

func TestPresenterOutroTrigger(t *testing.T) {
	_, v, _, s := startPresenter(t, map[string]any{
		"styles":           []any{"outro"},
		"outro_before_end": float64(20),
	})

	s.fire(types.TrackInfo{Artist: "Aphex Twin", Title: "Rhubarb"})
	waitFor(t, "outro announcement", func() bool { return len(v.submitted()) == 1 })

	seg := v.submitted()[0]
	if seg.Trigger != "before_end:20" || seg.Priority != 40 {
		t.Errorf("segment = trigger %q priority %d, want before_end:20/40", seg.Trigger, seg.Priority)
	}
}

func TestPresenterMidSongDelayRange(t *testing.T) {
	_, v, _, s := startPresenter(t, map[string]any{
		"styles":       []any{"mid_song"},
		"mid_song_min": float64(45),
		"mid_song_max": float64(45),
	})

	s.fire(types.TrackInfo{Artist: "Tycho", Title: "Awake"})
	waitFor(t, "mid-song announcement", func() bool { return len(v.submitted()) == 1 })

	seg := v.submitted()[0]
	if seg.Trigger != "after_start:45" || seg.Priority != 70 {
		t.Errorf("segment = trigger %q priority %d, want after_start:45/70", seg.Trigger, seg.Priority)
	}
}

func TestPresenterSilentStyleSaysNothing(t *testing.T) {
	_, v, c, s := startPresenter(t, map[string]any{"styles": []any{"silent"}})

	s.fire(types.TrackInfo{Artist: "Eno", Title: "1/1"})

	// The silent path never leaves the callback, so this check is not racy.
	if got := len(v.submitted()); got != 0 {
		t.Errorf("segments = %d, want silence", got)
	}
	if prompts, _ := c.asked(); len(prompts) != 0 {
		t.Errorf("chat calls = %d, want none", len(prompts))
	}
}

func TestPresenterSkipsUntaggedTracks(t *testing.T) {
	p, v, _, s := startPresenter(t, map[string]any{"styles": []any{"intro"}})

	s.fire(types.TrackInfo{Filename: "untitled.mp3"})
	if got := len(v.submitted()); got != 0 {
		t.Errorf("announced a track without metadata: %d segments", got)
	}

	p.mu.Lock()
	prev := p.prevTrack
	p.mu.Unlock()
	if prev == nil || prev.Filename != "untitled.mp3" {
		t.Error("untagged track was not remembered as the previous track")
	}
}

func TestPresenterInactiveSkips(t *testing.T) {
	p, v, _, s := startPresenter(t, map[string]any{"styles": []any{"intro"}})

	if p.Toggle() {
		t.Fatal("Toggle did not deactivate")
	}
	s.fire(types.TrackInfo{Artist: "Moby", Title: "Porcelain"})
	if got := len(v.submitted()); got != 0 {
		t.Errorf("inactive presenter announced %d segments", got)
	}

	if !p.Toggle() {
		t.Fatal("Toggle did not reactivate")
	}
	s.fire(types.TrackInfo{Artist: "Moby", Title: "Natural Blues"})
	waitFor(t, "announcement after reactivation", func() bool { return len(v.submitted()) == 1 })
}

func TestPickStyleAvoidsOutroAfterIntro(t *testing.T) {
	p, _, _, _ := startPresenter(t, map[string]any{"styles": []any{"intro", "outro"}})

	p.mu.Lock()
	p.prevStyle = styleIntro
	for i := 0; i < 100; i++ {
		if got := p.pickStyle(); got == styleOutro {
			p.mu.Unlock()
			t.Fatal("picked an outro right after an intro")
		}
	}
	p.mu.Unlock()
}

func TestPickStyleReadmitsExcludedWhenAlone(t *testing.T) {
	p, _, _, _ := startPresenter(t, map[string]any{"styles": []any{"outro"}})

	p.mu.Lock()
	p.prevStyle = styleIntro
	got := p.pickStyle()
	p.mu.Unlock()
	if got != styleOutro {
		t.Errorf("pickStyle = %q, want the only configured style", got)
	}
}

func TestConfiguredWeightsOverridesAndFallback(t *testing.T) {
	p, _, _, _ := startPresenter(t, map[string]any{
		"styles":        []any{"intro", "mid_song", "moonwalk"},
		"style_weights": map[string]any{"mid_song": float64(9)},
	})

	if len(p.weights) != 2 {
		t.Fatalf("weights = %v, want the two known styles", p.weights)
	}
	if p.weights[styleIntro] != 3 || p.weights[styleMidSong] != 9 {
		t.Errorf("weights = %v", p.weights)
	}

	// All-unknown style lists fall back to intro + silent.
	q, _, _, _ := startPresenter(t, map[string]any{"styles": []any{"moonwalk"}})
	if _, ok := q.weights[styleIntro]; !ok {
		t.Errorf("fallback weights = %v, want intro present", q.weights)
	}
	if _, ok := q.weights[styleSilent]; !ok {
		t.Errorf("fallback weights = %v, want silent present", q.weights)
	}
}

func TestFillTemplateSubstitutions(t *testing.T) {
	p, _, _, _ := startPresenter(t, map[string]any{"persona_name": "DJ Nova"})

	prev := &types.TrackInfo{Artist: "Air", Title: "La Femme d'Argent"}
	got := p.fillTemplate(
		"{persona_name} follows {prev_title} by {prev_artist} with {title} by {artist} ({year})",
		types.TrackInfo{Title: "Alpha", Artist: "Vangelis", Year: "1976"}, prev)
	want := "DJ Nova follows La Femme d'Argent by Air with Alpha by Vangelis (1976)"
	if got != want {
		t.Errorf("fillTemplate = %q, want %q", got, want)
	}

	got = p.fillTemplate("{title} by {artist}", types.TrackInfo{}, nil)
	if got != "Unknown Title by Unknown Artist" {
		t.Errorf("fillTemplate without metadata = %q", got)
	}
}

func TestPeriodicAnnouncement(t *testing.T) {
	p, v, c, s := startPresenter(t, map[string]any{"styles": []any{"silent"}})
	s.current = types.TrackInfo{Artist: "Tycho", Title: "Awake"}
	s.SetEnrichment("geo", "San Francisco")

	p.periodicAnnounce(context.Background())

	prompts, _ := c.asked()
	if len(prompts) != 1 {
		t.Fatalf("chat calls = %d, want 1", len(prompts))
	}
	if !strings.Contains(prompts[0], "Currently playing: Tycho -- Awake") {
		t.Errorf("prompt missing current track:\n%s", prompts[0])
	}
	if !strings.Contains(prompts[0], "geo: San Francisco") {
		t.Errorf("prompt missing enrichment:\n%s", prompts[0])
	}

	segs := v.submitted()
	if len(segs) != 1 {
		t.Fatalf("segments = %d, want 1", len(segs))
	}
	if segs[0].Trigger != "between_songs" || segs[0].Priority != 90 {
		t.Errorf("segment = trigger %q priority %d, want between_songs/90",
			segs[0].Trigger, segs[0].Priority)
	}
}

func TestPresenterCustomStylePrompt(t *testing.T) {
	_, _, c, s := startPresenter(t, map[string]any{
		"styles":        []any{"outro"},
		"style_prompts": map[string]any{"outro": "Wave goodbye to {title}."},
	})

	s.fire(types.TrackInfo{Artist: "Aphex Twin", Title: "Rhubarb"})
	waitFor(t, "custom outro prompt", func() bool {
		prompts, _ := c.asked()
		return len(prompts) == 1
	})

	prompts, _ := c.asked()
	if prompts[0] != "Wave goodbye to Rhubarb." {
		t.Errorf("prompt = %q", prompts[0])
	}
}
