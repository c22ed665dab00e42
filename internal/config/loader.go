package config

import (
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. Deployment-specific endpoints may be
// overridden through the environment:
//
//	RADIODAN_TTS_ENDPOINT   overrides tts.endpoint
//	RADIODAN_LLM_BASE_URL   overrides llm.base_url
//	RADIODAN_LLM_MODEL      overrides llm.model
//	RADIODAN_LLM_API_KEY    overrides llm.api_key
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies environment overrides
// and defaults, and validates the result. Useful in tests where configs are
// constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	for env, field := range map[string]*string{
		"RADIODAN_TTS_ENDPOINT": &cfg.TTS.Endpoint,
		"RADIODAN_LLM_BASE_URL": &cfg.LLM.BaseURL,
		"RADIODAN_LLM_MODEL":    &cfg.LLM.Model,
		"RADIODAN_LLM_API_KEY":  &cfg.LLM.APIKey,
	} {
		if v := os.Getenv(env); v != "" {
			*field = v
		}
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Mixer.Port < 1 || cfg.Mixer.Port > 65535 {
		errs = append(errs, fmt.Errorf("mixer.port %d is out of range [1, 65535]", cfg.Mixer.Port))
	}
	if cfg.Mixer.CrossfadeDuration < 0 {
		errs = append(errs, fmt.Errorf("mixer.crossfade_duration %.2f must not be negative", cfg.Mixer.CrossfadeDuration))
	}
	for i, m := range cfg.Mixer.PathMappings {
		if m.HostPrefix == "" || m.EnginePrefix == "" {
			errs = append(errs, fmt.Errorf("mixer.path_mappings[%d]: both host_prefix and engine_prefix are required", i))
		}
	}
	if cfg.Playlist.Lookahead < 1 {
		errs = append(errs, fmt.Errorf("playlist.lookahead %d must be at least 1", cfg.Playlist.Lookahead))
	}
	if cfg.Playlist.ScanInterval <= 0 {
		errs = append(errs, fmt.Errorf("playlist.scan_interval %.1f must be positive", cfg.Playlist.ScanInterval))
	}

	return errors.Join(errs...)
}
