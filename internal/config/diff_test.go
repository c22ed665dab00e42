package config_test

import (
	"slices"
	"testing"

	"github.com/OnePlanDan/radiodan/internal/config"
)

func TestDiffNoChanges(t *testing.T) {
	old, new := config.Default(), config.Default()
	if d := config.Diff(old, new); d.Changed() {
		t.Errorf("identical configs produced diff %+v", d)
	}
}

func TestDiffHotReloadableFields(t *testing.T) {
	old, new := config.Default(), config.Default()
	new.Server.LogLevel = config.LogDebug
	new.Mixer.CrossfadeDuration = 8.5

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %+v", d)
	}
	if !d.CrossfadeChanged || d.NewCrossfade != 8.5 {
		t.Errorf("crossfade diff = %+v", d)
	}
	if len(d.RestartNeeded) != 0 {
		t.Errorf("hot-reloadable changes flagged for restart: %v", d.RestartNeeded)
	}
}

func TestDiffRestartSections(t *testing.T) {
	old, new := config.Default(), config.Default()
	new.Database.Path = "/var/lib/radiodan/radiodan.db"
	new.Playlist.MusicDir = "/srv/music"
	new.Plugins = map[string]map[string]any{"dong": {"mode": "recurring"}}

	d := config.Diff(old, new)
	for _, want := range []string{"database", "playlist", "plugins"} {
		if !slices.Contains(d.RestartNeeded, want) {
			t.Errorf("RestartNeeded = %v, missing %s", d.RestartNeeded, want)
		}
	}
	if d.LogLevelChanged || d.CrossfadeChanged {
		t.Errorf("unrelated hot fields flagged: %+v", d)
	}
}
