// Package mixer implements the line-oriented control client for the
// Liquidsoap streaming engine.
//
// Liquidsoap exposes a telnet-style server: the client writes one command
// per line and reads response lines until the terminator "END". Liquidsoap
// closes idle connections, so the [Client] opens a fresh connection for every
// command instead of pooling.
//
// The client is a thin typed façade over that protocol: request-queue pushes
// for the tts, earcons, and music_q queues, interactive variable reads and
// writes for the volume and crossfade scalars, and the now-playing metadata
// queries the stream context polls.
package mixer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OnePlanDan/radiodan/pkg/types"
)

// ErrUnreachable wraps every transport-level failure talking to Liquidsoap.
// Callers that degrade gracefully on engine outages match it with
// [errors.Is].
var ErrUnreachable = errors.New("mixer: liquidsoap unreachable")

// Engine-side defaults for the interactive variables, used when a var.get
// fails or returns garbage. They mirror the station script's initial values.
const (
	DefaultMusicVol        = 1.0
	DefaultTTSVol          = 0.85
	DefaultEarconVol       = 0.5
	DefaultDuckAmount      = 0.15
	DefaultCrossfade       = 5.0
	DefaultDuckInDuration  = 0.8
	DefaultDuckOutDuration = 0.6
	DefaultDuckInCurve     = 0.7
	DefaultDuckOutCurve    = 0.3
)

// persistedVars are the interactive variables mirrored into the settings
// store under the "audio" section, restored on Start.
var persistedVars = []string{
	"music_vol", "tts_vol", "earcon_vol", "duck_amount", "crossfade_duration",
	"duck_in_duration", "duck_out_duration", "duck_in_curve", "duck_out_curve",
}

// Settings is the slice of the config store the mixer needs to persist and
// restore audio scalars across restarts. May be nil, in which case settings
// only live in the engine.
type Settings interface {
	Set(ctx context.Context, section, key string, value any) error
	Section(ctx context.Context, section string) (map[string]any, error)
}

// PathMapping rewrites a host filesystem prefix to the prefix the engine
// sees inside its container. Paths outside every mapping pass through
// unchanged.
type PathMapping struct {
	HostPrefix      string
	ContainerPrefix string
}

// Levels is a snapshot of the engine's audio scalars.
type Levels struct {
	MusicVol        float64 `json:"music_vol"`
	TTSVol          float64 `json:"tts_vol"`
	EarconVol       float64 `json:"earcon_vol"`
	DuckAmount      float64 `json:"duck_amount"`
	Crossfade       float64 `json:"crossfade_duration"`
	DuckInDuration  float64 `json:"duck_in_duration"`
	DuckOutDuration float64 `json:"duck_out_duration"`
	DuckInCurve     float64 `json:"duck_in_curve"`
	DuckOutCurve    float64 `json:"duck_out_curve"`
}

// Client talks to one Liquidsoap instance. Commands are serialized; the
// engine handles one control command at a time anyway and interleaving
// var.set calls would race.
//
// All methods are safe for concurrent use.
type Client struct {
	addr     string
	timeout  time.Duration
	mappings []PathMapping
	settings Settings

	mu sync.Mutex

	musicMuted  bool
	ttsMuted    bool
	earconMuted bool

	preMuteMusic  float64
	preMuteTTS    float64
	preMuteEarcon float64

	// The playlist mode is fixed in the station script, so random mode is
	// tracked locally for display until a reload mechanism exists.
	randomMode bool
}

// Option configures a [Client].
type Option func(*Client)

// WithTimeout sets the per-command connect and read deadline. Default 5s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithPathMappings sets the host-to-container path rewrites applied to every
// queued file path.
func WithPathMappings(mappings []PathMapping) Option {
	return func(c *Client) { c.mappings = mappings }
}

// WithSettings attaches the store used to persist audio scalars.
func WithSettings(s Settings) Option {
	return func(c *Client) { c.settings = s }
}

// NewClient creates a client for the engine at host:port. No connection is
// made until the first command.
func NewClient(host string, port int, opts ...Option) *Client {
	c := &Client{
		addr:          net.JoinHostPort(host, strconv.Itoa(port)),
		timeout:       5 * time.Second,
		preMuteMusic:  DefaultMusicVol,
		preMuteTTS:    DefaultTTSVol,
		preMuteEarcon: DefaultEarconVol,
		randomMode:    true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start verifies the engine is reachable and restores persisted audio
// settings. An unreachable engine is returned as an error wrapping
// [ErrUnreachable]; the caller may keep running and rely on per-command
// reconnects.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := c.send(ctx, "version"); err != nil {
		return err
	}
	slog.Info("connected to liquidsoap", "addr", c.addr)
	c.restoreSavedLevels(ctx)
	return nil
}

// restoreSavedLevels pushes persisted audio scalars back into the engine.
// Caller holds c.mu.
func (c *Client) restoreSavedLevels(ctx context.Context) {
	if c.settings == nil {
		return
	}
	saved, err := c.settings.Section(ctx, "audio")
	if err != nil {
		slog.Warn("could not load saved audio settings", "err", err)
		return
	}
	for _, key := range persistedVars {
		raw, ok := saved[key]
		if !ok {
			continue
		}
		v, ok := raw.(float64)
		if !ok {
			continue
		}
		if _, err := c.send(ctx, fmt.Sprintf("var.set %s = %s", key, formatFloat(v))); err != nil {
			slog.Warn("could not restore audio setting", "key", key, "err", err)
			continue
		}
		slog.Info("restored audio setting", "key", key, "value", v)
		// Volumes restored above zero become the unmute target.
		if v > 0 {
			switch key {
			case "music_vol":
				c.preMuteMusic = v
			case "tts_vol":
				c.preMuteTTS = v
			case "earcon_vol":
				c.preMuteEarcon = v
			}
		}
	}
}

// HealthCheck reports whether the engine answers a version query.
func (c *Client) HealthCheck(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.send(ctx, "version")
	return err == nil
}

// ── Request queues ───────────────────────────────────────────────────────────

// QueueTTS pushes a speech audio file onto the tts request queue.
func (c *Client) QueueTTS(ctx context.Context, path string) error {
	return c.push(ctx, "tts", path)
}

// QueueEarcon pushes a notification sound onto the earcons request queue.
func (c *Client) QueueEarcon(ctx context.Context, path string) error {
	return c.push(ctx, "earcons", path)
}

// QueueMusic pushes a music track onto the music_q request queue.
func (c *Client) QueueMusic(ctx context.Context, path string) error {
	return c.push(ctx, "music_q", path)
}

func (c *Client) push(ctx context.Context, queue, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	containerPath := c.toContainerPath(path)
	resp, err := c.send(ctx, queue+".push "+containerPath)
	if err != nil {
		return fmt.Errorf("push to %s: %w", queue, err)
	}
	slog.Info("queued audio", "queue", queue, "path", containerPath, "response", strings.Join(resp, " "))
	return nil
}

// MusicQueueLength returns the number of requests pending in music_q, or 0
// when the engine is unreachable or returns garbage.
func (c *Client) MusicQueueLength(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.send(ctx, "music_q.queue_length")
	if err != nil {
		slog.Error("music queue length query failed", "err", err)
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(firstLine(resp)))
	if err != nil {
		slog.Error("unparseable music queue length", "response", resp)
		return 0
	}
	return n
}

// FlushMusicQueue clears every pending request in music_q and skips the
// track it is currently feeding. The planner uses this to resynchronize the
// engine queue after a reorder.
func (c *Client) FlushMusicQueue(ctx context.Context) error {
	return c.simple(ctx, "music_q.flush_and_skip", "flushed music queue")
}

// FlushTTS clears pending speech and skips whatever is playing.
func (c *Client) FlushTTS(ctx context.Context) error {
	return c.simple(ctx, "tts.flush_and_skip", "flushed tts queue")
}

// SkipTTS skips the currently playing speech segment.
func (c *Client) SkipTTS(ctx context.Context) error {
	return c.simple(ctx, "tts.skip", "skipped tts")
}

// SkipMusic skips to the next music track.
func (c *Client) SkipMusic(ctx context.Context) error {
	return c.simple(ctx, "music.skip", "skipped track")
}

func (c *Client) simple(ctx context.Context, cmd, logMsg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.send(ctx, cmd); err != nil {
		return err
	}
	slog.Info(logMsg)
	return nil
}

// ── Volumes and transitions ──────────────────────────────────────────────────

// SetMusicVolume sets the music bus volume, clamped to [0,1]. Zero counts as
// muted.
func (c *Client) SetMusicVolume(ctx context.Context, vol float64) error {
	vol = clamp(vol, 0, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setVarLocked(ctx, "music_vol", vol, true); err != nil {
		return err
	}
	c.musicMuted = vol == 0
	if vol > 0 {
		c.preMuteMusic = vol
	}
	return nil
}

// SetTTSVolume sets the speech bus volume, clamped to [0,1].
func (c *Client) SetTTSVolume(ctx context.Context, vol float64) error {
	vol = clamp(vol, 0, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setVarLocked(ctx, "tts_vol", vol, true); err != nil {
		return err
	}
	c.ttsMuted = vol == 0
	if vol > 0 {
		c.preMuteTTS = vol
	}
	return nil
}

// SetEarconVolume sets the notification bus volume, clamped to [0,1].
func (c *Client) SetEarconVolume(ctx context.Context, vol float64) error {
	vol = clamp(vol, 0, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.setVarLocked(ctx, "earcon_vol", vol, true); err != nil {
		return err
	}
	c.earconMuted = vol == 0
	if vol > 0 {
		c.preMuteEarcon = vol
	}
	return nil
}

// SetDuckAmount sets how much music bleeds through while speech plays
// (0 = silence, 1 = no ducking), clamped to [0,1]. persist=false applies a
// temporary override that is not written to the settings store, used for
// per-segment mix modes.
func (c *Client) SetDuckAmount(ctx context.Context, amount float64, persist bool) error {
	amount = clamp(amount, 0, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setVarLocked(ctx, "duck_amount", amount, persist)
}

// SetCrossfade sets the music crossfade duration, clamped to [1,15] seconds.
func (c *Client) SetCrossfade(ctx context.Context, seconds float64) error {
	seconds = clamp(seconds, 1, 15)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setVarLocked(ctx, "crossfade_duration", seconds, true)
}

// Crossfade reads the current crossfade duration, falling back to the
// default on error.
func (c *Client) Crossfade(ctx context.Context) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getFloatLocked(ctx, "crossfade_duration", DefaultCrossfade)
}

// SetDuckInDuration sets the duck-in transition time, clamped to
// [0.05,5] seconds.
func (c *Client) SetDuckInDuration(ctx context.Context, seconds float64) error {
	seconds = clamp(seconds, 0.05, 5)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setVarLocked(ctx, "duck_in_duration", seconds, true)
}

// SetDuckOutDuration sets the duck-out transition time, clamped to
// [0.05,5] seconds.
func (c *Client) SetDuckOutDuration(ctx context.Context, seconds float64) error {
	seconds = clamp(seconds, 0.05, 5)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setVarLocked(ctx, "duck_out_duration", seconds, true)
}

// SetDuckInCurve sets the duck-in bezier control point, clamped to [0,1].
func (c *Client) SetDuckInCurve(ctx context.Context, cy float64) error {
	cy = clamp(cy, 0, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setVarLocked(ctx, "duck_in_curve", cy, true)
}

// SetDuckOutCurve sets the duck-out bezier control point, clamped to [0,1].
func (c *Client) SetDuckOutCurve(ctx context.Context, cy float64) error {
	cy = clamp(cy, 0, 1)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.setVarLocked(ctx, "duck_out_curve", cy, true)
}

// DuckAmount reads the current duck amount, falling back to the default on
// error.
func (c *Client) DuckAmount(ctx context.Context) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getFloatLocked(ctx, "duck_amount", DefaultDuckAmount)
}

// Volumes reads all audio scalars from the engine. Individual read failures
// leave the corresponding default in place.
func (c *Client) Volumes(ctx context.Context) Levels {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Levels{
		MusicVol:        c.getFloatLocked(ctx, "music_vol", DefaultMusicVol),
		TTSVol:          c.getFloatLocked(ctx, "tts_vol", DefaultTTSVol),
		EarconVol:       c.getFloatLocked(ctx, "earcon_vol", DefaultEarconVol),
		DuckAmount:      c.getFloatLocked(ctx, "duck_amount", DefaultDuckAmount),
		Crossfade:       c.getFloatLocked(ctx, "crossfade_duration", DefaultCrossfade),
		DuckInDuration:  c.getFloatLocked(ctx, "duck_in_duration", DefaultDuckInDuration),
		DuckOutDuration: c.getFloatLocked(ctx, "duck_out_duration", DefaultDuckOutDuration),
		DuckInCurve:     c.getFloatLocked(ctx, "duck_in_curve", DefaultDuckInCurve),
		DuckOutCurve:    c.getFloatLocked(ctx, "duck_out_curve", DefaultDuckOutCurve),
	}
}

// ToggleMusicMute flips the music mute state, restoring the last nonzero
// volume on unmute. Returns the new state and the applied volume.
func (c *Client) ToggleMusicMute(ctx context.Context) (muted bool, vol float64, err error) {
	c.mu.Lock()
	wasMuted, restore := c.musicMuted, c.preMuteMusic
	c.mu.Unlock()

	if wasMuted {
		return false, restore, c.SetMusicVolume(ctx, restore)
	}
	return true, 0, c.SetMusicVolume(ctx, 0)
}

// ToggleTTSMute flips the speech mute state, restoring the last nonzero
// volume on unmute. Returns the new state and the applied volume.
func (c *Client) ToggleTTSMute(ctx context.Context) (muted bool, vol float64, err error) {
	c.mu.Lock()
	wasMuted, restore := c.ttsMuted, c.preMuteTTS
	c.mu.Unlock()

	if wasMuted {
		return false, restore, c.SetTTSVolume(ctx, restore)
	}
	return true, 0, c.SetTTSVolume(ctx, 0)
}

// MusicMuted reports the tracked music mute state.
func (c *Client) MusicMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.musicMuted
}

// TTSMuted reports the tracked speech mute state.
func (c *Client) TTSMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ttsMuted
}

// ToggleRandom flips the tracked random-mode flag and returns the new state.
// The engine's playlist mode is fixed at startup, so this only affects what
// is displayed until a playlist reload path exists.
func (c *Client) ToggleRandom() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.randomMode = !c.randomMode
	slog.Info("random mode toggled", "random", c.randomMode)
	return c.randomMode
}

// RandomMode reports the tracked random-mode flag.
func (c *Client) RandomMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.randomMode
}

// ── Now-playing queries ──────────────────────────────────────────────────────

// TrackInfo queries the current track metadata. Unreachable engines return
// the zero value; unknown keys in the response are ignored.
func (c *Client) TrackInfo(ctx context.Context) types.TrackInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	var info types.TrackInfo
	lines, err := c.send(ctx, "music.info")
	if err != nil {
		slog.Error("track info query failed", "err", err)
		return info
	}
	for _, line := range lines {
		key, value, found := strings.Cut(line, "=")
		if !found {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.TrimSpace(key) {
		case "artist":
			info.Artist = value
		case "title":
			info.Title = value
		case "filename":
			info.Filename = value
		case "genre":
			info.Genre = value
		case "year":
			info.Year = value
		case "album":
			info.Album = value
		}
	}
	return info
}

// Remaining returns seconds left in the current track, or -1 on error.
func (c *Client) Remaining(ctx context.Context) float64 {
	return c.timeQuery(ctx, "music.remaining")
}

// Elapsed returns seconds played of the current track, or -1 on error.
func (c *Client) Elapsed(ctx context.Context) float64 {
	return c.timeQuery(ctx, "music.elapsed")
}

func (c *Client) timeQuery(ctx context.Context, cmd string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	resp, err := c.send(ctx, cmd)
	if err != nil {
		return -1
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(firstLine(resp)), 64)
	if err != nil {
		return -1
	}
	return v
}

// ── Wire protocol ────────────────────────────────────────────────────────────

// setVarLocked writes an interactive variable and optionally persists it.
// Caller holds c.mu.
func (c *Client) setVarLocked(ctx context.Context, name string, value float64, persist bool) error {
	if _, err := c.send(ctx, fmt.Sprintf("var.set %s = %s", name, formatFloat(value))); err != nil {
		return fmt.Errorf("set %s: %w", name, err)
	}
	if persist && c.settings != nil {
		if err := c.settings.Set(ctx, "audio", name, value); err != nil {
			slog.Warn("could not persist audio setting", "key", name, "err", err)
		}
	}
	slog.Info("set audio variable", "name", name, "value", value)
	return nil
}

// getFloatLocked reads an interactive variable, returning def when the
// engine is unreachable or the value does not parse. Caller holds c.mu.
func (c *Client) getFloatLocked(ctx context.Context, name string, def float64) float64 {
	resp, err := c.send(ctx, "var.get "+name)
	if err != nil {
		return def
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(firstLine(resp)), 64)
	if err != nil {
		slog.Warn("unparseable engine variable", "name", name, "response", resp)
		return def
	}
	return v
}

// send opens a fresh connection, writes one command, and reads response
// lines until END. A trailing quit gives the engine a clean disconnect
// instead of an RST race.
func (c *Client) send(ctx context.Context, command string) ([]string, error) {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrUnreachable, c.addr, err)
	}
	defer func() { _ = conn.Close() }()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	if _, err := fmt.Fprintf(conn, "%s\n", command); err != nil {
		return nil, fmt.Errorf("%w: write: %w", ErrUnreachable, err)
	}

	var lines []string
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "END" {
			break
		}
		lines = append(lines, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: read: %w", ErrUnreachable, err)
	}

	_, _ = fmt.Fprint(conn, "quit\n")
	return lines, nil
}

// toContainerPath rewrites a host path through the first matching mapping.
func (c *Client) toContainerPath(path string) string {
	for _, m := range c.mappings {
		if rel, ok := strings.CutPrefix(path, m.HostPrefix); ok {
			return m.ContainerPrefix + rel
		}
	}
	return path
}

func firstLine(lines []string) string {
	if len(lines) == 0 {
		return ""
	}
	return lines[0]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}
