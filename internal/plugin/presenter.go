package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/OnePlanDan/radiodan/internal/voice"
	"github.com/OnePlanDan/radiodan/pkg/types"
)

func init() {
	Register("presenter", func(base Base) Plugin {
		return &Presenter{
			Base:   base,
			active: true,
			rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
		}
	})
}

// DefaultPersona is the presenter's on-air name.
const DefaultPersona = "Radio Dan"

const defaultSystemPrompt = "You are {persona_name}, a chill and friendly radio presenter " +
	"on an ambient music stream. Keep announcements brief (1-3 sentences). Be warm, " +
	"conversational, and occasionally witty. Never use hashtags, emojis, or markdown " +
	"formatting -- your words will be spoken aloud. If given song info, weave it " +
	"naturally into your announcement."

// Announcement styles. Silent is a real style: it creates breathing room by
// winning the weighted pick and doing nothing.
const (
	styleIntro   = "intro"
	styleOutro   = "outro"
	styleMidSong = "mid_song"
	styleSilent  = "silent"
)

var defaultStyleWeights = map[string]int{
	styleIntro:   3,
	styleOutro:   2,
	styleMidSong: 1,
	styleSilent:  1,
}

var defaultStylePrompts = map[string]string{
	styleIntro: "Announce this song that just started playing on the radio. " +
		"Here's what you know:\n{context}",
	styleOutro: "The song {title} by {artist} is wrapping up. " +
		"Give a brief, warm sendoff as the song fades out. Keep it to 1-2 sentences.",
	styleMidSong: "We're listening to {title} by {artist}. " +
		"Drop in with a brief, interesting comment about the song, artist, or vibe. " +
		"Keep it to 1 sentence -- don't interrupt the flow too much.",
}

// Presenter is the built-in DJ: it reacts to track changes with a weighted
// random announcement style and writes the announcement with the LLM.
//
// Style awareness prevents double-talking: a track that got an intro will
// not be followed by an outro at the same transition boundary.
type Presenter struct {
	Base

	persona      string
	systemPrompt string
	weights      map[string]int
	prompts      map[string]string
	midSongMin   int
	midSongMax   int
	outroLead    int
	periodic     time.Duration

	mu        sync.Mutex
	active    bool
	prevTrack *types.TrackInfo
	prevStyle string
	rand      *rand.Rand

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Start reads the instance config and subscribes to track changes.
func (p *Presenter) Start(ctx context.Context) error {
	p.persona = p.ConfigString("persona_name", DefaultPersona)
	p.systemPrompt = strings.ReplaceAll(
		p.ConfigString("system_prompt", defaultSystemPrompt), "{persona_name}", p.persona)
	p.weights = p.configuredWeights()
	p.prompts = p.configuredPrompts()
	p.midSongMin = p.ConfigInt("mid_song_min", 30)
	p.midSongMax = p.ConfigInt("mid_song_max", 120)
	p.outroLead = p.ConfigInt("outro_before_end", 30)
	p.periodic = time.Duration(p.ConfigFloat("periodic_interval", 0) * float64(time.Second))
	p.done = make(chan struct{})

	p.Stream.OnTrackChanged(p.onTrackChanged)

	if p.periodic > 0 {
		p.wg.Add(1)
		go p.periodicLoop()
	}

	styles := make([]string, 0, len(p.weights))
	for s := range p.weights {
		styles = append(styles, s)
	}
	slog.Info("presenter started", "instance", p.InstanceID, "persona", p.persona, "styles", styles)
	return nil
}

// Stop silences the presenter and ends its background work. The track-change
// subscription stays registered but becomes a no-op.
func (p *Presenter) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.active = false
	p.mu.Unlock()
	p.stopOnce.Do(func() { close(p.done) })
	p.wg.Wait()
	return nil
}

// Toggle flips the on-air state and reports the new one.
func (p *Presenter) Toggle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.active = !p.active
	slog.Info("presenter toggled", "instance", p.InstanceID, "active", p.active)
	return p.active
}

// Active reports whether the presenter is announcing.
func (p *Presenter) Active() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// configuredWeights resolves the style set and weights from config, keeping
// only known styles. An empty result falls back to intro + silent.
func (p *Presenter) configuredWeights() map[string]int {
	selected := map[string]bool{}
	if raw, ok := p.Config["styles"].([]any); ok {
		for _, s := range raw {
			if name, ok := s.(string); ok {
				if _, known := defaultStyleWeights[name]; known {
					selected[name] = true
				}
			}
		}
	} else {
		for s := range defaultStyleWeights {
			selected[s] = true
		}
	}
	if len(selected) == 0 {
		selected[styleIntro] = true
		selected[styleSilent] = true
	}

	configured, _ := p.Config["style_weights"].(map[string]any)
	weights := map[string]int{}
	for s := range selected {
		weights[s] = defaultStyleWeights[s]
		if w, ok := configured[s].(float64); ok {
			weights[s] = int(w)
		}
	}
	return weights
}

func (p *Presenter) configuredPrompts() map[string]string {
	prompts := map[string]string{}
	for k, v := range defaultStylePrompts {
		prompts[k] = v
	}
	if custom, ok := p.Config["style_prompts"].(map[string]any); ok {
		for k, v := range custom {
			if s, ok := v.(string); ok {
				prompts[k] = s
			}
		}
	}
	return prompts
}

// pickStyle makes the weighted random choice. Caller holds p.mu.
func (p *Presenter) pickStyle() string {
	exclude := ""
	if p.prevStyle == styleIntro {
		exclude = styleOutro
	}

	var styles []string
	total := 0
	for s, w := range p.weights {
		if s == exclude || w <= 0 {
			continue
		}
		styles = append(styles, s)
		total += w
	}
	if len(styles) == 0 {
		for s, w := range p.weights {
			styles = append(styles, s)
			total += w
		}
	}
	if total <= 0 {
		return styleSilent
	}

	n := p.rand.Intn(total)
	for _, s := range styles {
		n -= p.weights[s]
		if n < 0 {
			return s
		}
	}
	return styles[len(styles)-1]
}

func (p *Presenter) onTrackChanged(info types.TrackInfo) {
	p.mu.Lock()
	if !p.active || (strings.TrimSpace(info.Artist) == "" && strings.TrimSpace(info.Title) == "") {
		t := info
		p.prevTrack = &t
		p.mu.Unlock()
		return
	}

	style := p.pickStyle()
	prev := p.prevTrack
	t := info
	p.prevTrack = &t
	p.prevStyle = style
	midSongDelay := 0
	if style == styleMidSong {
		midSongDelay = p.midSongMin
		if p.midSongMax > p.midSongMin {
			midSongDelay += p.rand.Intn(p.midSongMax - p.midSongMin + 1)
		}
	}
	p.mu.Unlock()

	slog.Info("presenter style chosen", "style", style, "artist", info.Artist, "title", info.Title)

	switch style {
	case styleSilent:
		// Breathing room.

	case styleIntro:
		p.announce(info, prev, styleIntro, voice.Segment{
			Trigger:         voice.TriggerASAP,
			Priority:        50,
			LeadingSilence:  0.5,
			TrailingSilence: 0.3,
		})

	case styleOutro:
		p.announce(info, prev, styleOutro, voice.Segment{
			Trigger:         fmt.Sprintf("before_end:%d", p.outroLead),
			Priority:        40,
			LeadingSilence:  0.2,
			TrailingSilence: 0.2,
		})

	case styleMidSong:
		p.announce(info, prev, styleMidSong, voice.Segment{
			Trigger:         fmt.Sprintf("after_start:%d", midSongDelay),
			Priority:        70,
			LeadingSilence:  0.3,
			TrailingSilence: 0.2,
		})
	}
}

// announce generates the announcement off the stream goroutine and submits
// it with the given segment settings.
func (p *Presenter) announce(info types.TrackInfo, prev *types.TrackInfo, style string, seg voice.Segment) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ctx := context.Background()

		prompt := p.fillTemplate(p.prompts[style], info, prev)
		text, err := p.Chat.Chat(ctx, prompt, p.systemPrompt)
		if err != nil {
			slog.Error("presenter announcement failed", "style", style, "err", err)
			return
		}
		if err := p.Say(ctx, text, seg); err != nil {
			slog.Error("presenter could not speak", "style", style, "err", err)
		}
	}()
}

// fillTemplate substitutes the prompt template variables.
func (p *Presenter) fillTemplate(template string, info types.TrackInfo, prev *types.TrackInfo) string {
	artist := strings.TrimSpace(info.Artist)
	if artist == "" {
		artist = "Unknown Artist"
	}
	title := strings.TrimSpace(info.Title)
	if title == "" {
		title = "Unknown Title"
	}
	prevArtist, prevTitle := "", ""
	if prev != nil {
		prevArtist = strings.TrimSpace(prev.Artist)
		prevTitle = strings.TrimSpace(prev.Title)
	}

	return strings.NewReplacer(
		"{artist}", artist,
		"{title}", title,
		"{year}", strings.TrimSpace(info.Year),
		"{genre}", strings.TrimSpace(info.Genre),
		"{persona_name}", p.persona,
		"{prev_artist}", prevArtist,
		"{prev_title}", prevTitle,
		"{context}", p.contextBlock(info),
	).Replace(template)
}

// contextBlock assembles the multi-line context for the intro prompt: tag
// metadata plus whatever other plugins contributed.
func (p *Presenter) contextBlock(info types.TrackInfo) string {
	var parts []string
	add := func(label, value string) {
		if v := strings.TrimSpace(value); v != "" {
			parts = append(parts, label+": "+v)
		}
	}
	add("Artist", info.Artist)
	add("Title", info.Title)
	add("Year", info.Year)
	add("Genre", info.Genre)

	enrichments := p.Stream.Enrichments()
	if lyrics, ok := enrichments["lyrics"].(string); ok && lyrics != "" {
		parts = append(parts, "Lyrics snippet: "+clip(lyrics, 200))
	}
	if geo, ok := enrichments["geo"].(string); ok && geo != "" {
		parts = append(parts, "Geographic context: "+geo)
	}
	for key, value := range p.Stream.FeederContext() {
		if value == nil {
			continue
		}
		parts = append(parts, key+": "+clip(fmt.Sprint(value), 100))
	}
	return strings.Join(parts, "\n")
}

func (p *Presenter) periodicLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.periodic)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			p.periodicAnnounce(context.Background())
		}
	}
}

// periodicAnnounce drops an ambient interlude into the between-songs queue.
func (p *Presenter) periodicAnnounce(ctx context.Context) {
	if !p.Active() {
		return
	}

	var parts []string
	track := p.Stream.CurrentTrack()
	if strings.TrimSpace(track.Artist) != "" && strings.TrimSpace(track.Title) != "" {
		parts = append(parts, "Currently playing: "+track.Artist+" -- "+track.Title)
	}
	for key, value := range p.Stream.Enrichments() {
		if value == nil {
			continue
		}
		parts = append(parts, key+": "+clip(fmt.Sprint(value), 100))
	}
	block := "No specific context available."
	if len(parts) > 0 {
		block = strings.Join(parts, "\n")
	}

	prompt := "Give a brief ambient radio interlude. " +
		"Maybe mention the time, the vibe, or something interesting. " + block

	text, err := p.Chat.Chat(ctx, prompt, p.systemPrompt)
	if err != nil {
		slog.Error("periodic announcement failed", "err", err)
		return
	}
	if err := p.Say(ctx, text, voice.Segment{
		Trigger:        voice.TriggerBetweenSongs,
		Priority:       90,
		LeadingSilence: 0.5,
	}); err != nil {
		slog.Error("periodic announcement could not speak", "err", err)
	}
}

func clip(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
