package plugin

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/OnePlanDan/radiodan/internal/voice"
	"github.com/OnePlanDan/radiodan/pkg/types"
)

func init() {
	Register("dong", func(base Base) Plugin {
		return &Dong{Base: base, now: time.Now}
	})
}

// Dong modes, mutually exclusive per instance.
const (
	dongRecurring    = "recurring"
	dongOneshot      = "oneshot"
	dongBetweenSongs = "between_songs"
)

const defaultDongText = "Dooong! The time is {time}"

// Dong fires time-based announcements: hourly or daily chimes, a one-shot
// alert at a set datetime, or a line between every song.
type Dong struct {
	Base

	mode    string
	sayText string
	prompt  string
	now     func() time.Time

	mu     sync.Mutex
	active bool

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// Start reads the config and launches the configured schedule.
func (d *Dong) Start(ctx context.Context) error {
	d.mode = d.ConfigString("mode", dongRecurring)
	d.sayText = d.ConfigString("say_text", "")
	d.prompt = d.ConfigString("prompt", "")
	if d.sayText == "" && d.prompt == "" {
		d.sayText = defaultDongText
	}
	d.done = make(chan struct{})

	d.mu.Lock()
	d.active = d.ConfigBool("active_on_start", true)
	active := d.active
	d.mu.Unlock()
	if !active {
		slog.Info("dong started in standby", "instance", d.InstanceID)
	}

	switch d.mode {
	case dongRecurring:
		switch d.ConfigString("recurring_type", "hourly") {
		case "daily":
			hour, minute := parseDailyTime(d.ConfigString("daily_time", "12:00"))
			d.wg.Add(1)
			go d.scheduleLoop(func(now time.Time) time.Time { return nextDaily(now, hour, minute) })
			slog.Info("dong schedule", "instance", d.InstanceID, "mode", "daily",
				"at", padClock(hour, minute))
		default:
			d.wg.Add(1)
			go d.scheduleLoop(nextHourly)
			slog.Info("dong schedule", "instance", d.InstanceID, "mode", "hourly")
		}

	case dongOneshot:
		raw := d.ConfigString("oneshot_datetime", "")
		if raw == "" {
			slog.Warn("dong in oneshot mode without a datetime", "instance", d.InstanceID)
			return nil
		}
		target, err := time.ParseInLocation("2006-01-02T15:04:05", raw, time.Local)
		if err != nil {
			target, err = time.ParseInLocation("2006-01-02T15:04", raw, time.Local)
		}
		if err != nil {
			slog.Error("dong has invalid oneshot datetime", "instance", d.InstanceID, "value", raw)
			return nil
		}
		if !target.After(d.now()) {
			slog.Warn("dong oneshot datetime is in the past", "instance", d.InstanceID, "value", raw)
			return nil
		}
		d.wg.Add(1)
		go d.oneshotFire(target)
		slog.Info("dong schedule", "instance", d.InstanceID, "mode", "oneshot", "at", raw)

	case dongBetweenSongs:
		d.Stream.OnTrackChanged(func(types.TrackInfo) {
			d.Fire(context.Background())
		})
		slog.Info("dong schedule", "instance", d.InstanceID, "mode", "between every song")

	default:
		slog.Warn("dong has unknown mode", "instance", d.InstanceID, "mode", d.mode)
	}
	return nil
}

// Stop ends the schedule loops.
func (d *Dong) Stop(ctx context.Context) error {
	d.mu.Lock()
	d.active = false
	d.mu.Unlock()
	d.stopOnce.Do(func() { close(d.done) })
	d.wg.Wait()
	return nil
}

// Toggle flips the announcing state and reports the new one.
func (d *Dong) Toggle() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.active = !d.active
	slog.Info("dong toggled", "instance", d.InstanceID, "active", d.active)
	return d.active
}

// Fire speaks one announcement now (subject to the active flag): the
// configured text with {time} substituted, or the LLM prompt when no text is
// configured.
func (d *Dong) Fire(ctx context.Context) {
	d.mu.Lock()
	active := d.active
	d.mu.Unlock()
	if !active {
		return
	}

	timeStr := d.now().Format("15:04")
	var text string
	switch {
	case d.sayText != "":
		text = strings.ReplaceAll(d.sayText, "{time}", timeStr)
	case d.prompt != "":
		reply, err := d.Chat.Chat(ctx, strings.ReplaceAll(d.prompt, "{time}", timeStr), "")
		if err != nil {
			slog.Warn("dong announcement failed, using plain text",
				"instance", d.InstanceID, "err", err)
			reply = "The time is " + timeStr
		}
		text = reply
	default:
		text = "The time is " + timeStr
	}

	err := d.Say(ctx, text, voice.Segment{
		Trigger:      voice.TriggerBetweenSongs,
		Priority:     30,
		SourcePlugin: "time",
	})
	if err != nil {
		slog.Error("dong could not speak", "instance", d.InstanceID, "err", err)
		return
	}
	slog.Info("dong fired", "instance", d.InstanceID, "text", clip(text, 60))
}

// scheduleLoop sleeps until each next firing time computed by next.
func (d *Dong) scheduleLoop(next func(now time.Time) time.Time) {
	defer d.wg.Done()
	for {
		delay := time.Until(next(d.now()))
		select {
		case <-d.done:
			return
		case <-time.After(delay):
			d.Fire(context.Background())
		}
	}
}

func (d *Dong) oneshotFire(target time.Time) {
	defer d.wg.Done()
	select {
	case <-d.done:
	case <-time.After(time.Until(target)):
		d.Fire(context.Background())
	}
}

// nextHourly returns the next top of the hour after now.
func nextHourly(now time.Time) time.Time {
	next := now.Truncate(time.Hour)
	if !next.After(now) {
		next = next.Add(time.Hour)
	}
	return next
}

// nextDaily returns the next occurrence of hour:minute after now.
func nextDaily(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// parseDailyTime parses "HH:MM", defaulting to noon on any malformed input.
func parseDailyTime(s string) (hour, minute int) {
	h, m, ok := strings.Cut(strings.TrimSpace(s), ":")
	if ok {
		hh, errH := strconv.Atoi(h)
		mm, errM := strconv.Atoi(m)
		if errH == nil && errM == nil && hh >= 0 && hh < 24 && mm >= 0 && mm < 60 {
			return hh, mm
		}
	}
	slog.Warn("invalid daily time, defaulting to 12:00", "value", s)
	return 12, 0
}

func padClock(hour, minute int) string {
	return time.Date(0, 1, 1, hour, minute, 0, 0, time.UTC).Format("15:04")
}
