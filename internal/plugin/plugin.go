// Package plugin defines the station's plugin system and its built-in
// plugins.
//
// Plugin types are templates registered by name; operators create named
// instances with independent configs through the [store.ConfigStore]. The
// loader resolves instances from the database first and falls back to the
// YAML plugin section for types with no stored instances, migrating those
// into the database so the next run finds them there.
package plugin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/OnePlanDan/radiodan/internal/planner"
	"github.com/OnePlanDan/radiodan/internal/store"
	"github.com/OnePlanDan/radiodan/internal/voice"
	"github.com/OnePlanDan/radiodan/pkg/types"
)

// ErrUnknownType is returned when an instance references an unregistered
// plugin type.
var ErrUnknownType = errors.New("plugin: unknown plugin type")

// Voice is the slice of the voice scheduler plugins speak through.
type Voice interface {
	Submit(ctx context.Context, seg voice.Segment) error
}

// Chat is the slice of the LLM service plugins write announcements with.
type Chat interface {
	Chat(ctx context.Context, userMessage, systemPrompt string) (string, error)
}

// Stream is the slice of the stream monitor plugins observe and enrich.
type Stream interface {
	OnTrackChanged(fn func(info types.TrackInfo))
	CurrentTrack() types.TrackInfo
	Enrichments() map[string]any
	FeederContext() map[string]any
	SetEnrichment(key string, value any)
}

// Planner is the slice of the playlist planner feeder plugins register with.
type Planner interface {
	SetFeeder(strategy planner.SelectionStrategy)
	ClearFeeder()
}

// Services bundles everything a plugin instance may need. Individual plugins
// use only the slices relevant to them.
type Services struct {
	Voice   Voice
	Chat    Chat
	Stream  Stream
	Planner Planner
}

// Plugin is one runnable plugin instance.
type Plugin interface {
	// ID returns the instance identifier, e.g. "default-presenter".
	ID() string

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Factory builds a plugin instance from its stored definition.
type Factory func(base Base) Plugin

// Base carries the per-instance state every plugin embeds.
type Base struct {
	Services

	InstanceID  string
	DisplayName string
	Config      map[string]any
}

// ID implements [Plugin].
func (b *Base) ID() string { return b.InstanceID }

// Say submits a voice segment with this instance as the source plugin.
func (b *Base) Say(ctx context.Context, text string, seg voice.Segment) error {
	seg.Text = text
	if seg.SourcePlugin == "" {
		seg.SourcePlugin = b.InstanceID
	}
	return b.Voice.Submit(ctx, seg)
}

// ── Config helpers ───────────────────────────────────────────────────────────
//
// Instance configs come from JSON, so numbers arrive as float64 and any key
// may be missing or mistyped. These return the fallback in both cases.

func (b *Base) ConfigString(key, fallback string) string {
	if v, ok := b.Config[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

func (b *Base) ConfigInt(key string, fallback int) int {
	switch v := b.Config[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return fallback
}

func (b *Base) ConfigFloat(key string, fallback float64) float64 {
	switch v := b.Config[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func (b *Base) ConfigBool(key string, fallback bool) bool {
	if v, ok := b.Config[key].(bool); ok {
		return v
	}
	return fallback
}

// ── Registry ─────────────────────────────────────────────────────────────────

var (
	registryMu sync.Mutex
	registry   = map[string]Factory{}
)

// Register makes a plugin type available to the loader. Built-ins call this
// from init.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = f
}

// Registered returns the sorted names of all registered plugin types.
func Registered() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func factoryFor(name string) (Factory, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	f, ok := registry[name]
	return f, ok
}

// ── Loader ───────────────────────────────────────────────────────────────────

// LoadInstances resolves plugin instances and builds them.
//
// Stored instances win. For any registered type with no stored instances, an
// enabled YAML section creates a "default-<type>" instance, which is written
// back to the store so the operator can edit it later. Disabled instances
// and unknown types are skipped with a log line, never an error.
func LoadInstances(ctx context.Context, cfgStore *store.ConfigStore, yamlConfigs map[string]map[string]any, services Services) ([]Plugin, error) {
	instances, err := cfgStore.ListInstances(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("plugin: list instances: %w", err)
	}

	var plugins []Plugin
	typesWithInstances := map[string]bool{}

	for _, inst := range instances {
		typesWithInstances[inst.PluginType] = true
		if !inst.Enabled {
			slog.Info("plugin instance disabled, skipping", "instance", inst.ID)
			continue
		}
		factory, ok := factoryFor(inst.PluginType)
		if !ok {
			slog.Warn("unknown plugin type for instance, skipping",
				"type", inst.PluginType, "instance", inst.ID)
			continue
		}
		plugins = append(plugins, factory(Base{
			Services:    services,
			InstanceID:  inst.ID,
			DisplayName: inst.DisplayName,
			Config:      inst.Config,
		}))
		slog.Info("loaded plugin instance", "instance", inst.ID, "type", inst.PluginType)
	}

	// YAML fallback for types the store does not know yet.
	for _, name := range Registered() {
		if typesWithInstances[name] {
			continue
		}
		cfg := yamlConfigs[name]
		if enabled, ok := cfg["enabled"].(bool); ok && !enabled {
			slog.Info("plugin disabled in config file, skipping", "type", name)
			continue
		}

		instanceID := "default-" + name
		displayName := "Default " + titleCase(name)
		if _, err := cfgStore.GetInstance(ctx, instanceID); errors.Is(err, store.ErrInstanceNotFound) {
			_, err := cfgStore.CreateInstance(ctx, store.PluginInstance{
				ID:          instanceID,
				PluginType:  name,
				DisplayName: displayName,
				Enabled:     true,
				Config:      cfg,
			})
			if err != nil {
				return nil, fmt.Errorf("plugin: migrate %s config: %w", name, err)
			}
			slog.Info("migrated config file plugin to stored instance", "instance", instanceID)
		} else if err != nil {
			return nil, fmt.Errorf("plugin: lookup %s: %w", instanceID, err)
		}

		factory, _ := factoryFor(name)
		plugins = append(plugins, factory(Base{
			Services:    services,
			InstanceID:  instanceID,
			DisplayName: displayName,
			Config:      cfg,
		}))
		slog.Info("loaded plugin instance", "instance", instanceID, "type", name, "source", "config file")
	}

	return plugins, nil
}

// titleCase turns "simple_playlist_feeder" into "Simple Playlist Feeder".
func titleCase(name string) string {
	words := strings.Split(name, "_")
	for i, w := range words {
		if w != "" {
			words[i] = strings.ToUpper(w[:1]) + w[1:]
		}
	}
	return strings.Join(words, " ")
}
