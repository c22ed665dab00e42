package config

import "reflect"

// ConfigDiff describes what changed between two configs. Only fields that
// can be hot-reloaded without a restart are tracked individually; everything
// else lands in RestartNeeded.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	CrossfadeChanged bool
	NewCrossfade     float64

	// RestartNeeded lists the top-level sections whose changes only take
	// effect on the next start.
	RestartNeeded []string
}

// Changed reports whether the diff contains anything at all.
func (d ConfigDiff) Changed() bool {
	return d.LogLevelChanged || d.CrossfadeChanged || len(d.RestartNeeded) > 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	if old.Mixer.CrossfadeDuration != new.Mixer.CrossfadeDuration {
		d.CrossfadeChanged = true
		d.NewCrossfade = new.Mixer.CrossfadeDuration
	}

	restart := func(section string, changed bool) {
		if changed {
			d.RestartNeeded = append(d.RestartNeeded, section)
		}
	}
	restart("station_name", old.StationName != new.StationName)
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("mixer", old.Mixer.Host != new.Mixer.Host ||
		old.Mixer.Port != new.Mixer.Port ||
		!reflect.DeepEqual(old.Mixer.PathMappings, new.Mixer.PathMappings))
	restart("playlist", old.Playlist != new.Playlist)
	restart("database", old.Database != new.Database)
	restart("tts", old.TTS != new.TTS)
	restart("llm", old.LLM != new.LLM)
	restart("plugins", !reflect.DeepEqual(old.Plugins, new.Plugins))

	return d
}
