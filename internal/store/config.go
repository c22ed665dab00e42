package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrInstanceNotFound is returned by plugin-instance operations when no row
// matches the given id.
var ErrInstanceNotFound = errors.New("store: plugin instance not found")

const configSchema = `
CREATE TABLE IF NOT EXISTS config (
    section TEXT NOT NULL,
    key     TEXT NOT NULL,
    value   TEXT,
    PRIMARY KEY (section, key)
);

CREATE TABLE IF NOT EXISTS plugin_instances (
    id           TEXT PRIMARY KEY,
    plugin_type  TEXT NOT NULL,
    display_name TEXT NOT NULL,
    enabled      INTEGER DEFAULT 1,
    config       TEXT DEFAULT '{}',
    sort_order   INTEGER DEFAULT 0,
    created_at   TEXT DEFAULT (datetime('now')),
    updated_at   TEXT DEFAULT (datetime('now'))
);
`

// ConfigStore holds user overrides on top of the YAML defaults: plain
// section/key values written by the admin surface, and named plugin
// instances with independent configs.
//
// Values are JSON-encoded in the database so numbers, booleans, and nested
// structures round-trip. All methods are safe for concurrent use.
type ConfigStore struct {
	db *sql.DB
	mu sync.Mutex
}

// PluginInstance is one configured instance of a plugin template.
type PluginInstance struct {
	ID          string         `json:"id"`
	PluginType  string         `json:"plugin_type"`
	DisplayName string         `json:"display_name"`
	Enabled     bool           `json:"enabled"`
	Config      map[string]any `json:"config"`
	SortOrder   int            `json:"sort_order"`
	CreatedAt   string         `json:"created_at"`
	UpdatedAt   string         `json:"updated_at"`
}

// OpenConfig creates the config store on the shared database handle,
// ensuring its tables exist.
func OpenConfig(db *sql.DB) (*ConfigStore, error) {
	if _, err := db.Exec(configSchema); err != nil {
		return nil, fmt.Errorf("store: config schema: %w", err)
	}
	return &ConfigStore{db: db}, nil
}

// Get unmarshals the value at (section, key) into out. ok reports whether a
// value was present.
func (c *ConfigStore) Get(ctx context.Context, section, key string, out any) (ok bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	row := c.db.QueryRowContext(ctx,
		`SELECT value FROM config WHERE section = ? AND key = ?`, section, key)
	var raw string
	if err := row.Scan(&raw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("store: config get %s.%s: %w", section, key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("store: config decode %s.%s: %w", section, key, err)
	}
	return true, nil
}

// GetFloat is a convenience wrapper for numeric settings.
func (c *ConfigStore) GetFloat(ctx context.Context, section, key string, def float64) float64 {
	var v float64
	ok, err := c.Get(ctx, section, key, &v)
	if err != nil || !ok {
		return def
	}
	return v
}

// Set stores value (JSON-encoded) at (section, key), replacing any previous
// value.
func (c *ConfigStore) Set(ctx context.Context, section, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("store: config encode %s.%s: %w", section, key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO config (section, key, value) VALUES (?, ?, ?)`,
		section, key, string(raw))
	if err != nil {
		return fmt.Errorf("store: config set %s.%s: %w", section, key, err)
	}
	return nil
}

// Section returns all key/value pairs in a section, values JSON-decoded.
func (c *ConfigStore) Section(ctx context.Context, section string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.QueryContext(ctx,
		`SELECT key, value FROM config WHERE section = ?`, section)
	if err != nil {
		return nil, fmt.Errorf("store: config section %s: %w", section, err)
	}
	defer func() { _ = rows.Close() }()

	result := map[string]any{}
	for rows.Next() {
		var key, raw string
		if err := rows.Scan(&key, &raw); err != nil {
			return nil, fmt.Errorf("store: config section scan: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			slog.Warn("unparseable config value", "section", section, "key", key)
			continue
		}
		result[key] = v
	}
	return result, rows.Err()
}

// Delete removes a single config value. Deleting a missing key is not an
// error.
func (c *ConfigStore) Delete(ctx context.Context, section, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx,
		`DELETE FROM config WHERE section = ? AND key = ?`, section, key)
	if err != nil {
		return fmt.Errorf("store: config delete %s.%s: %w", section, key, err)
	}
	return nil
}

// ── Plugin instances ─────────────────────────────────────────────────────────

// ListInstances returns plugin instances ordered by sort_order. An empty
// pluginType returns all instances.
func (c *ConfigStore) ListInstances(ctx context.Context, pluginType string) ([]PluginInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	query := `SELECT id, plugin_type, display_name, enabled, config, sort_order, created_at, updated_at
	          FROM plugin_instances`
	var args []any
	if pluginType != "" {
		query += ` WHERE plugin_type = ? ORDER BY sort_order, id`
		args = append(args, pluginType)
	} else {
		query += ` ORDER BY sort_order, plugin_type, id`
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list instances: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []PluginInstance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

// GetInstance returns a single plugin instance by id.
func (c *ConfigStore) GetInstance(ctx context.Context, id string) (PluginInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.getInstanceLocked(ctx, id)
}

func (c *ConfigStore) getInstanceLocked(ctx context.Context, id string) (PluginInstance, error) {
	row := c.db.QueryRowContext(ctx,
		`SELECT id, plugin_type, display_name, enabled, config, sort_order, created_at, updated_at
		 FROM plugin_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if errors.Is(err, sql.ErrNoRows) {
		return PluginInstance{}, fmt.Errorf("%w: %s", ErrInstanceNotFound, id)
	}
	return inst, err
}

// CreateInstance inserts a new plugin instance and returns it.
func (c *ConfigStore) CreateInstance(ctx context.Context, inst PluginInstance) (PluginInstance, error) {
	cfg := inst.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	raw, err := json.Marshal(cfg)
	if err != nil {
		return PluginInstance{}, fmt.Errorf("store: encode instance config: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.db.ExecContext(ctx,
		`INSERT INTO plugin_instances (id, plugin_type, display_name, enabled, config, sort_order)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.PluginType, inst.DisplayName, boolToInt(inst.Enabled), string(raw), inst.SortOrder)
	if err != nil {
		return PluginInstance{}, fmt.Errorf("store: create instance %s: %w", inst.ID, err)
	}
	slog.Info("created plugin instance", "id", inst.ID, "type", inst.PluginType)
	return c.getInstanceLocked(ctx, inst.ID)
}

// InstanceUpdate holds the fields UpdateInstance may change. Nil fields are
// left untouched.
type InstanceUpdate struct {
	DisplayName *string
	Enabled     *bool
	Config      map[string]any
	SortOrder   *int
}

// UpdateInstance applies the non-nil fields of upd and returns the updated
// instance.
func (c *ConfigStore) UpdateInstance(ctx context.Context, id string, upd InstanceUpdate) (PluginInstance, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		sets []string
		args []any
	)
	if upd.DisplayName != nil {
		sets, args = append(sets, "display_name = ?"), append(args, *upd.DisplayName)
	}
	if upd.Enabled != nil {
		sets, args = append(sets, "enabled = ?"), append(args, boolToInt(*upd.Enabled))
	}
	if upd.SortOrder != nil {
		sets, args = append(sets, "sort_order = ?"), append(args, *upd.SortOrder)
	}
	if upd.Config != nil {
		raw, err := json.Marshal(upd.Config)
		if err != nil {
			return PluginInstance{}, fmt.Errorf("store: encode instance config: %w", err)
		}
		sets, args = append(sets, "config = ?"), append(args, string(raw))
	}
	if len(sets) == 0 {
		return c.getInstanceLocked(ctx, id)
	}

	sets = append(sets, "updated_at = datetime('now')")
	args = append(args, id)
	query := "UPDATE plugin_instances SET "
	for i, set := range sets {
		if i > 0 {
			query += ", "
		}
		query += set
	}
	query += " WHERE id = ?"
	if _, err := c.db.ExecContext(ctx, query, args...); err != nil {
		return PluginInstance{}, fmt.Errorf("store: update instance %s: %w", id, err)
	}
	return c.getInstanceLocked(ctx, id)
}

// DeleteInstance removes a plugin instance.
func (c *ConfigStore) DeleteInstance(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err := c.db.ExecContext(ctx, `DELETE FROM plugin_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete instance %s: %w", id, err)
	}
	return nil
}

// ToggleInstance flips an instance's enabled flag and returns the new state.
func (c *ConfigStore) ToggleInstance(ctx context.Context, id string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	inst, err := c.getInstanceLocked(ctx, id)
	if err != nil {
		return false, err
	}
	next := !inst.Enabled
	_, err = c.db.ExecContext(ctx,
		`UPDATE plugin_instances SET enabled = ?, updated_at = datetime('now') WHERE id = ?`,
		boolToInt(next), id)
	if err != nil {
		return false, fmt.Errorf("store: toggle instance %s: %w", id, err)
	}
	return next, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanInstance(row scanner) (PluginInstance, error) {
	var (
		inst    PluginInstance
		enabled int
		raw     string
	)
	err := row.Scan(&inst.ID, &inst.PluginType, &inst.DisplayName, &enabled,
		&raw, &inst.SortOrder, &inst.CreatedAt, &inst.UpdatedAt)
	if err != nil {
		return PluginInstance{}, err
	}
	inst.Enabled = enabled != 0
	if err := json.Unmarshal([]byte(raw), &inst.Config); err != nil {
		inst.Config = map[string]any{}
	}
	return inst, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
