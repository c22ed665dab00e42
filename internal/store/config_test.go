package store_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/OnePlanDan/radiodan/internal/store"
)

func openTestConfig(t *testing.T) *store.ConfigStore {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "radiodan.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	cfg, err := store.OpenConfig(db)
	if err != nil {
		t.Fatalf("open config: %v", err)
	}
	return cfg
}

func TestConfigRoundTrip(t *testing.T) {
	cfg := openTestConfig(t)
	ctx := context.Background()

	if err := cfg.Set(ctx, "audio", "music_vol", 0.8); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := cfg.Set(ctx, "audio", "crossfade_duration", 5.0); err != nil {
		t.Fatalf("Set: %v", err)
	}

	var vol float64
	ok, err := cfg.Get(ctx, "audio", "music_vol", &vol)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if vol != 0.8 {
		t.Errorf("music_vol = %v, want 0.8", vol)
	}

	// Overwrite.
	if err := cfg.Set(ctx, "audio", "music_vol", 0.5); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	if got := cfg.GetFloat(ctx, "audio", "music_vol", 1.0); got != 0.5 {
		t.Errorf("after overwrite music_vol = %v, want 0.5", got)
	}

	// Missing keys fall back to the default.
	if got := cfg.GetFloat(ctx, "audio", "tts_vol", 0.85); got != 0.85 {
		t.Errorf("missing key GetFloat = %v, want default 0.85", got)
	}

	section, err := cfg.Section(ctx, "audio")
	if err != nil {
		t.Fatalf("Section: %v", err)
	}
	if len(section) != 2 {
		t.Errorf("Section has %d keys, want 2: %v", len(section), section)
	}

	if err := cfg.Delete(ctx, "audio", "music_vol"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	ok, err = cfg.Get(ctx, "audio", "music_vol", &vol)
	if err != nil {
		t.Fatalf("Get after delete: %v", err)
	}
	if ok {
		t.Error("deleted key still present")
	}
}

func TestConfigStructuredValues(t *testing.T) {
	cfg := openTestConfig(t)
	ctx := context.Background()

	in := map[string]any{"styles": []any{"intro", "outro"}, "weight": 3.0}
	if err := cfg.Set(ctx, "presenter", "options", in); err != nil {
		t.Fatalf("Set: %v", err)
	}
	var out map[string]any
	ok, err := cfg.Get(ctx, "presenter", "options", &out)
	if err != nil || !ok {
		t.Fatalf("Get = %v, %v", ok, err)
	}
	if out["weight"] != 3.0 {
		t.Errorf("weight = %v, want 3", out["weight"])
	}
	styles, _ := out["styles"].([]any)
	if len(styles) != 2 || styles[0] != "intro" {
		t.Errorf("styles = %v", out["styles"])
	}
}

func TestPluginInstanceCRUD(t *testing.T) {
	cfg := openTestConfig(t)
	ctx := context.Background()

	created, err := cfg.CreateInstance(ctx, store.PluginInstance{
		ID:          "dong-hourly",
		PluginType:  "dong",
		DisplayName: "Hourly chime",
		Enabled:     true,
		Config:      map[string]any{"mode": "recurring"},
		SortOrder:   2,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
	if created.CreatedAt == "" || created.UpdatedAt == "" {
		t.Error("timestamps not populated on create")
	}

	if _, err := cfg.CreateInstance(ctx, store.PluginInstance{
		ID: "presenter-main", PluginType: "presenter", DisplayName: "Main presenter",
		Enabled: true, SortOrder: 1,
	}); err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}

	all, err := cfg.ListInstances(ctx, "")
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(all) != 2 || all[0].ID != "presenter-main" || all[1].ID != "dong-hourly" {
		t.Fatalf("list order wrong: %+v", all)
	}

	dongs, err := cfg.ListInstances(ctx, "dong")
	if err != nil {
		t.Fatalf("ListInstances filtered: %v", err)
	}
	if len(dongs) != 1 || dongs[0].ID != "dong-hourly" {
		t.Fatalf("type filter returned %+v", dongs)
	}

	name := "Hourly dong"
	updated, err := cfg.UpdateInstance(ctx, "dong-hourly", store.InstanceUpdate{
		DisplayName: &name,
		Config:      map[string]any{"mode": "daily", "daily_time": "08:00"},
	})
	if err != nil {
		t.Fatalf("UpdateInstance: %v", err)
	}
	if updated.DisplayName != "Hourly dong" {
		t.Errorf("display name = %q", updated.DisplayName)
	}
	if updated.Config["mode"] != "daily" {
		t.Errorf("config mode = %v, want daily", updated.Config["mode"])
	}
	if !updated.Enabled {
		t.Error("partial update changed enabled flag")
	}

	enabled, err := cfg.ToggleInstance(ctx, "dong-hourly")
	if err != nil {
		t.Fatalf("ToggleInstance: %v", err)
	}
	if enabled {
		t.Error("toggle from enabled reported true")
	}

	if err := cfg.DeleteInstance(ctx, "dong-hourly"); err != nil {
		t.Fatalf("DeleteInstance: %v", err)
	}
	if _, err := cfg.GetInstance(ctx, "dong-hourly"); !errors.Is(err, store.ErrInstanceNotFound) {
		t.Errorf("GetInstance after delete = %v, want ErrInstanceNotFound", err)
	}
}
