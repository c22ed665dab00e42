package mixer_test

import (
	"bufio"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/OnePlanDan/radiodan/internal/mixer"
)

// fakeEngine is an in-process stand-in for the Liquidsoap control server:
// one command per connection, response lines terminated by END.
type fakeEngine struct {
	ln net.Listener

	mu        sync.Mutex
	commands  []string
	responses map[string][]string
	vars      map[string]string
}

func newFakeEngine(t *testing.T) (*fakeEngine, string, int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeEngine{
		ln:        ln,
		responses: map[string][]string{},
		vars:      map[string]string{},
	}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })

	addr := ln.Addr().(*net.TCPAddr)
	return f, addr.IP.String(), addr.Port
}

func (f *fakeEngine) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.handle(conn)
	}
}

func (f *fakeEngine) handle(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		cmd := strings.TrimSpace(scanner.Text())
		if cmd == "quit" {
			return
		}

		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		var lines []string
		switch {
		case cmd == "version":
			lines = []string{"Liquidsoap 2.2.5"}
		case strings.HasPrefix(cmd, "var.set "):
			name, value, _ := strings.Cut(strings.TrimPrefix(cmd, "var.set "), " = ")
			f.vars[strings.TrimSpace(name)] = strings.TrimSpace(value)
			lines = []string{"Variable " + name + " set"}
		case strings.HasPrefix(cmd, "var.get "):
			if v, ok := f.vars[strings.TrimPrefix(cmd, "var.get ")]; ok {
				lines = []string{v}
			}
		default:
			lines = f.responses[cmd]
		}
		f.mu.Unlock()

		for _, line := range lines {
			_, _ = conn.Write([]byte(line + "\n"))
		}
		_, _ = conn.Write([]byte("END\n"))
	}
}

func (f *fakeEngine) respond(cmd string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[cmd] = lines
}

func (f *fakeEngine) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeEngine) varValue(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.vars[name]
}

// memSettings is an in-memory Settings implementation.
type memSettings struct {
	mu   sync.Mutex
	vals map[string]any
}

func (m *memSettings) Set(_ context.Context, section, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.vals == nil {
		m.vals = map[string]any{}
	}
	m.vals[section+"."+key] = value
	return nil
}

func (m *memSettings) Section(_ context.Context, section string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := map[string]any{}
	for k, v := range m.vals {
		if name, ok := strings.CutPrefix(k, section+"."); ok {
			out[name] = v
		}
	}
	return out, nil
}

func TestQueueMusicPathMapping(t *testing.T) {
	engine, host, port := newFakeEngine(t)
	client := mixer.NewClient(host, port, mixer.WithPathMappings([]mixer.PathMapping{
		{HostPrefix: "/srv/radio/music", ContainerPrefix: "/music"},
	}))

	if err := client.QueueMusic(context.Background(), "/srv/radio/music/album/track.mp3"); err != nil {
		t.Fatalf("QueueMusic: %v", err)
	}
	got := engine.received()
	if len(got) != 1 || got[0] != "music_q.push /music/album/track.mp3" {
		t.Errorf("engine received %v", got)
	}

	// Paths outside every mapping pass through unchanged.
	if err := client.QueueTTS(context.Background(), "/tmp/tts/msg.wav"); err != nil {
		t.Fatalf("QueueTTS: %v", err)
	}
	got = engine.received()
	if got[len(got)-1] != "tts.push /tmp/tts/msg.wav" {
		t.Errorf("unmapped path rewritten: %v", got[len(got)-1])
	}
}

func TestTrackInfoParsing(t *testing.T) {
	engine, host, port := newFakeEngine(t)
	engine.respond("music.info",
		"artist=Miles Davis",
		"title=So What",
		"filename=/music/kind_of_blue/01.flac",
		"genre=Jazz",
		"year=1959",
		"album=Kind of Blue",
		"bitrate=320", // unknown keys are ignored
		"not a key value line",
	)
	client := mixer.NewClient(host, port)

	info := client.TrackInfo(context.Background())
	if info.Artist != "Miles Davis" || info.Title != "So What" {
		t.Errorf("artist/title = %q/%q", info.Artist, info.Title)
	}
	if info.Filename != "/music/kind_of_blue/01.flac" {
		t.Errorf("filename = %q", info.Filename)
	}
	if info.Album != "Kind of Blue" || info.Genre != "Jazz" || info.Year != "1959" {
		t.Errorf("album/genre/year = %q/%q/%q", info.Album, info.Genre, info.Year)
	}
}

func TestMusicQueueLength(t *testing.T) {
	engine, host, port := newFakeEngine(t)
	client := mixer.NewClient(host, port)
	ctx := context.Background()

	engine.respond("music_q.queue_length", "3")
	if n := client.MusicQueueLength(ctx); n != 3 {
		t.Errorf("queue length = %d, want 3", n)
	}

	engine.respond("music_q.queue_length", "not a number")
	if n := client.MusicQueueLength(ctx); n != 0 {
		t.Errorf("queue length on garbage = %d, want 0", n)
	}
}

func TestVolumeClampAndPersist(t *testing.T) {
	engine, host, port := newFakeEngine(t)
	settings := &memSettings{}
	client := mixer.NewClient(host, port, mixer.WithSettings(settings))
	ctx := context.Background()

	if err := client.SetMusicVolume(ctx, 1.5); err != nil {
		t.Fatalf("SetMusicVolume: %v", err)
	}
	if v := engine.varValue("music_vol"); v != "1" {
		t.Errorf("music_vol sent as %q, want 1", v)
	}
	if got := settings.vals["audio.music_vol"]; got != 1.0 {
		t.Errorf("persisted music_vol = %v, want 1", got)
	}

	if err := client.SetCrossfade(ctx, 0.2); err != nil {
		t.Fatalf("SetCrossfade: %v", err)
	}
	if v := engine.varValue("crossfade_duration"); v != "1" {
		t.Errorf("crossfade clamped to %q, want 1", v)
	}

	if err := client.SetDuckInDuration(ctx, 10); err != nil {
		t.Fatalf("SetDuckInDuration: %v", err)
	}
	if v := engine.varValue("duck_in_duration"); v != "5" {
		t.Errorf("duck_in_duration clamped to %q, want 5", v)
	}

	// persist=false must not reach the settings store.
	if err := client.SetDuckAmount(ctx, 0.25, false); err != nil {
		t.Fatalf("SetDuckAmount: %v", err)
	}
	if _, ok := settings.vals["audio.duck_amount"]; ok {
		t.Error("temporary duck amount was persisted")
	}
}

func TestMuteToggleRestoresVolume(t *testing.T) {
	_, host, port := newFakeEngine(t)
	client := mixer.NewClient(host, port)
	ctx := context.Background()

	if err := client.SetMusicVolume(ctx, 0.7); err != nil {
		t.Fatalf("SetMusicVolume: %v", err)
	}

	muted, vol, err := client.ToggleMusicMute(ctx)
	if err != nil {
		t.Fatalf("ToggleMusicMute: %v", err)
	}
	if !muted || vol != 0 {
		t.Errorf("first toggle = (%v, %v), want (true, 0)", muted, vol)
	}
	if !client.MusicMuted() {
		t.Error("MusicMuted = false after mute")
	}

	muted, vol, err = client.ToggleMusicMute(ctx)
	if err != nil {
		t.Fatalf("ToggleMusicMute: %v", err)
	}
	if muted || vol != 0.7 {
		t.Errorf("second toggle = (%v, %v), want (false, 0.7)", muted, vol)
	}
}

func TestStartRestoresSavedLevels(t *testing.T) {
	engine, host, port := newFakeEngine(t)
	settings := &memSettings{}
	ctx := context.Background()
	_ = settings.Set(ctx, "audio", "music_vol", 0.6)
	_ = settings.Set(ctx, "audio", "crossfade_duration", 8.0)

	client := mixer.NewClient(host, port, mixer.WithSettings(settings))
	if err := client.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	if v := engine.varValue("music_vol"); v != "0.6" {
		t.Errorf("restored music_vol = %q, want 0.6", v)
	}
	if v := engine.varValue("crossfade_duration"); v != "8" {
		t.Errorf("restored crossfade_duration = %q, want 8", v)
	}

	// The restored volume is the unmute target.
	if _, _, err := client.ToggleMusicMute(ctx); err != nil {
		t.Fatalf("mute: %v", err)
	}
	_, vol, err := client.ToggleMusicMute(ctx)
	if err != nil {
		t.Fatalf("unmute: %v", err)
	}
	if vol != 0.6 {
		t.Errorf("unmute restored %v, want 0.6", vol)
	}
}

func TestUnreachableEngine(t *testing.T) {
	// Grab a port and close it so nothing is listening.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	_ = ln.Close()

	client := mixer.NewClient(addr.IP.String(), addr.Port, mixer.WithTimeout(200*time.Millisecond))
	ctx := context.Background()

	if got := client.Remaining(ctx); got != -1 {
		t.Errorf("Remaining = %v, want -1", got)
	}
	if got := client.Elapsed(ctx); got != -1 {
		t.Errorf("Elapsed = %v, want -1", got)
	}
	if client.HealthCheck(ctx) {
		t.Error("HealthCheck = true for closed port")
	}
	if n := client.MusicQueueLength(ctx); n != 0 {
		t.Errorf("MusicQueueLength = %d, want 0", n)
	}
}

func TestToggleRandomLocalOnly(t *testing.T) {
	engine, host, port := newFakeEngine(t)
	client := mixer.NewClient(host, port)

	if !client.RandomMode() {
		t.Fatal("random mode should default to true")
	}
	if got := client.ToggleRandom(); got {
		t.Error("first toggle should report false")
	}
	if got := client.ToggleRandom(); !got {
		t.Error("second toggle should report true")
	}
	// Toggling never talks to the engine.
	if got := engine.received(); len(got) != 0 {
		t.Errorf("engine received %v, want none", got)
	}
}

func TestVolumesDefaultsOnMissing(t *testing.T) {
	_, host, port := newFakeEngine(t)
	client := mixer.NewClient(host, port)

	levels := client.Volumes(context.Background())
	if levels.MusicVol != mixer.DefaultMusicVol {
		t.Errorf("MusicVol = %v, want default %v", levels.MusicVol, mixer.DefaultMusicVol)
	}
	if levels.TTSVol != mixer.DefaultTTSVol {
		t.Errorf("TTSVol = %v, want default %v", levels.TTSVol, mixer.DefaultTTSVol)
	}
	if levels.Crossfade != mixer.DefaultCrossfade {
		t.Errorf("Crossfade = %v, want default %v", levels.Crossfade, mixer.DefaultCrossfade)
	}
}
