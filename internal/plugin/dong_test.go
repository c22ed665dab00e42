package plugin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OnePlanDan/radiodan/pkg/types"
)

func startDong(t *testing.T, cfg map[string]any, c *fakeChat, clock time.Time) (*Dong, *fakeVoice, *fakeStream) {
	t.Helper()
	v := &fakeVoice{}
	s := newFakeStream()
	if c == nil {
		c = &fakeChat{reply: "ok"}
	}
	d := &Dong{
		Base: Base{
			Services:   Services{Voice: v, Chat: c, Stream: s},
			InstanceID: "default-dong",
			Config:     cfg,
		},
		now: func() time.Time { return clock },
	}
	if err := d.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = d.Stop(context.Background()) })
	return d, v, s
}

var dongClock = time.Date(2024, 3, 15, 14, 5, 0, 0, time.Local)

func TestDongBetweenSongsSubstitutesTime(t *testing.T) {
	_, v, s := startDong(t, map[string]any{
		"mode":     "between_songs",
		"say_text": "Bong! {time} o'clock",
	}, nil, dongClock)

	s.fire(types.TrackInfo{Artist: "Tycho", Title: "Awake"})

	segs := v.submitted()
	if len(segs) != 1 {
		t.Fatalf("segments = %d, want 1", len(segs))
	}
	seg := segs[0]
	if seg.Text != "Bong! 14:05 o'clock" {
		t.Errorf("text = %q", seg.Text)
	}
	if seg.Trigger != "between_songs" || seg.Priority != 30 {
		t.Errorf("segment = trigger %q priority %d, want between_songs/30", seg.Trigger, seg.Priority)
	}
	if seg.SourcePlugin != "time" {
		t.Errorf("source plugin = %q, want time", seg.SourcePlugin)
	}
}

func TestDongDefaultText(t *testing.T) {
	d, v, _ := startDong(t, map[string]any{"mode": "between_songs"}, nil, dongClock)

	d.Fire(context.Background())

	segs := v.submitted()
	if len(segs) != 1 || segs[0].Text != "Dooong! The time is 14:05" {
		t.Fatalf("segments = %+v, want the default chime text", segs)
	}
}

func TestDongPromptUsesChat(t *testing.T) {
	c := &fakeChat{reply: "  It's five past two, friends.  "}
	d, v, _ := startDong(t, map[string]any{
		"mode":   "between_songs",
		"prompt": "Announce that it is {time} in a fun way",
	}, c, dongClock)

	d.Fire(context.Background())

	prompts, _ := c.asked()
	if len(prompts) != 1 || prompts[0] != "Announce that it is 14:05 in a fun way" {
		t.Fatalf("chat prompts = %v", prompts)
	}
	segs := v.submitted()
	if len(segs) != 1 || segs[0].Text != c.reply {
		t.Fatalf("segments = %+v, want the generated line", segs)
	}
}

func TestDongChatFailureFallsBackToPlainTime(t *testing.T) {
	c := &fakeChat{err: errors.New("model offline")}
	d, v, _ := startDong(t, map[string]any{
		"mode":   "between_songs",
		"prompt": "Announce {time}",
	}, c, dongClock)

	d.Fire(context.Background())

	segs := v.submitted()
	if len(segs) != 1 || segs[0].Text != "The time is 14:05" {
		t.Fatalf("segments = %+v, want the plain fallback", segs)
	}
}

func TestDongInactiveAndToggle(t *testing.T) {
	d, v, _ := startDong(t, map[string]any{
		"mode":            "between_songs",
		"active_on_start": false,
	}, nil, dongClock)

	d.Fire(context.Background())
	if got := len(v.submitted()); got != 0 {
		t.Fatalf("inactive dong fired %d segments", got)
	}

	if !d.Toggle() {
		t.Fatal("Toggle did not activate")
	}
	d.Fire(context.Background())
	if got := len(v.submitted()); got != 1 {
		t.Fatalf("segments after toggle = %d, want 1", got)
	}
}

func TestDongOneshotInPastDoesNotFire(t *testing.T) {
	d, v, _ := startDong(t, map[string]any{
		"mode":             "oneshot",
		"oneshot_datetime": "2020-01-01T09:00",
	}, nil, dongClock)

	// Start declines past datetimes; Stop must not hang on a goroutine that
	// was never launched.
	if err := d.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if got := len(v.submitted()); got != 0 {
		t.Fatalf("past oneshot fired %d segments", got)
	}
}

func TestNextHourly(t *testing.T) {
	tests := []struct {
		now  time.Time
		want time.Time
	}{
		{time.Date(2024, 3, 15, 14, 5, 0, 0, time.UTC), time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC), time.Date(2024, 3, 15, 15, 0, 0, 0, time.UTC)},
		{time.Date(2024, 3, 15, 23, 59, 59, 0, time.UTC), time.Date(2024, 3, 16, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := nextHourly(tt.now); !got.Equal(tt.want) {
			t.Errorf("nextHourly(%v) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestNextDaily(t *testing.T) {
	now := time.Date(2024, 3, 15, 14, 5, 0, 0, time.UTC)
	tests := []struct {
		hour, minute int
		want         time.Time
	}{
		{18, 30, time.Date(2024, 3, 15, 18, 30, 0, 0, time.UTC)},
		{9, 0, time.Date(2024, 3, 16, 9, 0, 0, 0, time.UTC)},
		{14, 5, time.Date(2024, 3, 16, 14, 5, 0, 0, time.UTC)}, // exactly now rolls over
	}
	for _, tt := range tests {
		if got := nextDaily(now, tt.hour, tt.minute); !got.Equal(tt.want) {
			t.Errorf("nextDaily(%d:%02d) = %v, want %v", tt.hour, tt.minute, got, tt.want)
		}
	}
}

func TestParseDailyTime(t *testing.T) {
	tests := []struct {
		in           string
		hour, minute int
	}{
		{"09:30", 9, 30},
		{"23:59", 23, 59},
		{" 7:05 ", 7, 5},
		{"24:00", 12, 0},
		{"12:60", 12, 0},
		{"noonish", 12, 0},
		{"", 12, 0},
	}
	for _, tt := range tests {
		hour, minute := parseDailyTime(tt.in)
		if hour != tt.hour || minute != tt.minute {
			t.Errorf("parseDailyTime(%q) = %d:%02d, want %d:%02d",
				tt.in, hour, minute, tt.hour, tt.minute)
		}
	}
}
