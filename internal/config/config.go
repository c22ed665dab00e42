// Package config provides the configuration schema, loader, and file watcher
// for the RadioDan control plane.
package config

import (
	"log/slog"
	"strings"
)

// LogLevel controls log verbosity for the RadioDan process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l onto the slog level, defaulting to info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for RadioDan.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
type Config struct {
	// StationName is the station's on-air identity, interpolated into the
	// default LLM system prompt.
	StationName string `yaml:"station_name"`

	Server   ServerConfig   `yaml:"server"`
	Mixer    MixerConfig    `yaml:"mixer"`
	Playlist PlaylistConfig `yaml:"playlist"`
	Database DatabaseConfig `yaml:"database"`
	TTS      TTSConfig      `yaml:"tts"`
	LLM      LLMConfig      `yaml:"llm"`

	// Plugins holds per-type plugin sections, used only as a seed: once a
	// type has stored instances the database wins.
	Plugins map[string]map[string]any `yaml:"plugins"`
}

// ServerConfig holds the ops HTTP endpoint and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the ops server (health, metrics) listens
	// on (e.g., ":8484").
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// MixerConfig holds the streaming engine's control connection settings.
type MixerConfig struct {
	// Host and Port address the engine's telnet-style control socket.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CrossfadeDuration is the music crossfade in seconds, pushed to the
	// engine on startup.
	CrossfadeDuration float64 `yaml:"crossfade_duration"`

	// PathMappings rewrite host filesystem prefixes to the prefixes the
	// engine sees, for containerised engines with different mounts.
	PathMappings []PathMappingConfig `yaml:"path_mappings"`
}

// PathMappingConfig is one host-to-engine path prefix rewrite.
type PathMappingConfig struct {
	HostPrefix   string `yaml:"host_prefix"`
	EnginePrefix string `yaml:"engine_prefix"`
}

// PlaylistConfig holds the music library and planner settings.
type PlaylistConfig struct {
	// MusicDir is the root directory scanned for audio files.
	MusicDir string `yaml:"music_dir"`

	// Lookahead is how many tracks the planner keeps queued ahead.
	Lookahead int `yaml:"lookahead"`

	// ScanInterval is the periodic library rescan interval in seconds.
	ScanInterval float64 `yaml:"scan_interval"`
}

// DatabaseConfig locates the embedded SQLite database.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// TTSConfig holds the speech synthesis back-end settings.
type TTSConfig struct {
	// Endpoint is the synthesis HTTP endpoint.
	Endpoint string `yaml:"endpoint"`

	// Speaker, Language, and Instruct are the station's default voice
	// profile; plugins may override speaker and instruct per segment.
	Speaker  string `yaml:"speaker"`
	Language string `yaml:"language"`
	Instruct string `yaml:"instruct"`

	// CacheDir is where generated wav files are written.
	CacheDir string `yaml:"cache_dir"`
}

// LLMConfig holds the chat completion back-end settings. Any
// OpenAI-compatible endpoint works; the default targets a local Ollama.
type LLMConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// SystemPrompt overrides the default station persona prompt. The
	// {station_name} placeholder is substituted in either case.
	SystemPrompt string `yaml:"system_prompt"`
}

const defaultSystemPrompt = "You are {station_name}, a friendly AI assistant. " +
	"Keep responses concise (1-2 sentences) since they'll be spoken aloud."

// Default returns the configuration RadioDan runs with when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// applyDefaults fills every zero-valued field a component needs.
func applyDefaults(cfg *Config) {
	if cfg.StationName == "" {
		cfg.StationName = "Radio Dan"
	}
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = ":8484"
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Mixer.Host == "" {
		cfg.Mixer.Host = "localhost"
	}
	if cfg.Mixer.Port == 0 {
		cfg.Mixer.Port = 1234
	}
	if cfg.Mixer.CrossfadeDuration == 0 {
		cfg.Mixer.CrossfadeDuration = 5.0
	}
	if cfg.Playlist.MusicDir == "" {
		cfg.Playlist.MusicDir = "./music"
	}
	if cfg.Playlist.Lookahead == 0 {
		cfg.Playlist.Lookahead = 5
	}
	if cfg.Playlist.ScanInterval == 0 {
		cfg.Playlist.ScanInterval = 300
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "radiodan.db"
	}
	if cfg.TTS.Endpoint == "" {
		cfg.TTS.Endpoint = "http://localhost:42001/tts/custom-voice"
	}
	if cfg.TTS.Speaker == "" {
		cfg.TTS.Speaker = "Aiden"
	}
	if cfg.TTS.Language == "" {
		cfg.TTS.Language = "English"
	}
	if cfg.TTS.Instruct == "" {
		cfg.TTS.Instruct = "Speak calmly and clearly"
	}
	if cfg.TTS.CacheDir == "" {
		cfg.TTS.CacheDir = "/tmp/tts_cache"
	}
	if cfg.LLM.BaseURL == "" {
		cfg.LLM.BaseURL = "http://localhost:11434/v1"
	}
	if cfg.LLM.APIKey == "" {
		cfg.LLM.APIKey = "ollama"
	}
	if cfg.LLM.Model == "" {
		cfg.LLM.Model = "gpt-oss:20b"
	}
	if cfg.LLM.SystemPrompt == "" {
		cfg.LLM.SystemPrompt = defaultSystemPrompt
	}
	cfg.LLM.SystemPrompt = strings.ReplaceAll(cfg.LLM.SystemPrompt, "{station_name}", cfg.StationName)
}
