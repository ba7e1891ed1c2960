package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// Database stores telemetry as a tree of JSON values addressed by
// slash-separated paths (e.g. /detected_vehicle/2025-03-14/total_count),
// plus a small key-value table for application settings.
type Database struct {
	db *sql.DB
}

// ConfigRecord represents a configuration key-value pair
type ConfigRecord struct {
	Key       string
	Value     string
	UpdatedAt time.Time
}

// HourlyCount is the number of vehicles that left the scene in one hour of a day
type HourlyCount struct {
	Hour     int            `json:"hour"`
	Total    int            `json:"total"`
	PerClass map[string]int `json:"vehicle_counts"`
}

// New creates a new database connection
func New(dbPath string) (*Database, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrent access
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return &Database{db: db}, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// Migrate runs database migrations
func (d *Database) Migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS telemetry_nodes (
			path TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS app_config (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, migration := range migrations {
		if _, err := d.db.Exec(migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	log.Printf("[Database] Migrations completed")
	return nil
}

// Set replaces the value at path. Anything stored below path, and any
// value stored at one of its ancestors, is removed.
func (d *Database) Set(ctx context.Context, path string, value any) error {
	return d.inTx(ctx, func(tx *sql.Tx) error {
		return setNode(ctx, tx, path, value)
	})
}

// Merge writes each key of values as a child path of path in one
// transaction. Keys may themselves contain slashes.
func (d *Database) Merge(ctx context.Context, path string, values map[string]any) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	return d.inTx(ctx, func(tx *sql.Tx) error {
		for _, k := range keys {
			if err := setNode(ctx, tx, joinPath(path, k), values[k]); err != nil {
				return err
			}
		}
		return nil
	})
}

// Push stores value under a new time-ordered child key of path and returns the key
func (d *Database) Push(ctx context.Context, path string, value any) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	key := id.String()
	if err := d.Set(ctx, joinPath(path, key), value); err != nil {
		return "", err
	}
	return key, nil
}

// Get returns the value at path, assembling nested objects from the
// values stored below it. The bool result is false when nothing is stored.
func (d *Database) Get(ctx context.Context, path string) (any, bool, error) {
	path = cleanPath(path)

	var raw string
	err := d.db.QueryRowContext(ctx, "SELECT value FROM telemetry_nodes WHERE path = ?", path).Scan(&raw)
	if err == nil {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false, fmt.Errorf("failed to decode %s: %w", path, err)
		}
		return v, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("failed to get %s: %w", path, err)
	}

	lo, hi := childRange(path)
	rows, err := d.db.QueryContext(ctx,
		"SELECT path, value FROM telemetry_nodes WHERE path >= ? AND path < ? ORDER BY path", lo, hi)
	if err != nil {
		return nil, false, fmt.Errorf("failed to list %s: %w", path, err)
	}
	defer rows.Close()

	root := map[string]any{}
	found := false
	for rows.Next() {
		var p string
		if err := rows.Scan(&p, &raw); err != nil {
			return nil, false, fmt.Errorf("failed to scan node: %w", err)
		}
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, false, fmt.Errorf("failed to decode %s: %w", p, err)
		}
		insertNested(root, strings.Split(strings.TrimPrefix(p, lo), "/"), v)
		found = true
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}
	return root, true, nil
}

// Delete removes path and everything below it
func (d *Database) Delete(ctx context.Context, path string) error {
	path = cleanPath(path)
	lo, hi := childRange(path)
	_, err := d.db.ExecContext(ctx,
		"DELETE FROM telemetry_nodes WHERE path = ? OR (path >= ? AND path < ?)", path, lo, hi)
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

// HourlyCounts aggregates the individual vehicle records stored under
// /detected_vehicle/{day}/individual_vehicle into 24 hourly buckets keyed
// by the hour the vehicle was counted.
func (d *Database) HourlyCounts(ctx context.Context, day string) ([]HourlyCount, error) {
	if _, err := time.Parse("2006-01-02", day); err != nil {
		return nil, fmt.Errorf("invalid day %q: %w", day, err)
	}

	lo, hi := childRange(fmt.Sprintf("/detected_vehicle/%s/individual_vehicle", day))
	rows, err := d.db.QueryContext(ctx, `
		SELECT CAST(substr(json_extract(value, '$.date'), 12, 2) AS INTEGER) AS hour,
			COALESCE(json_extract(value, '$.class'), 'car') AS class,
			COUNT(*)
		FROM telemetry_nodes
		WHERE path >= ? AND path < ?
		GROUP BY hour, class
		ORDER BY hour, class`, lo, hi)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate %s: %w", day, err)
	}
	defer rows.Close()

	buckets := make([]HourlyCount, 24)
	for h := range buckets {
		buckets[h] = HourlyCount{Hour: h, PerClass: map[string]int{}}
	}
	for rows.Next() {
		var (
			hour  int
			class string
			n     int
		)
		if err := rows.Scan(&hour, &class, &n); err != nil {
			return nil, fmt.Errorf("failed to scan hourly count: %w", err)
		}
		if hour < 0 || hour > 23 {
			continue
		}
		buckets[hour].PerClass[class] += n
		buckets[hour].Total += n
	}
	return buckets, rows.Err()
}

// SaveConfig saves a configuration value
func (d *Database) SaveConfig(key, value string) error {
	query := `INSERT INTO app_config (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`

	_, err := d.db.Exec(query, key, value)
	if err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}
	return nil
}

// GetConfig retrieves a configuration value
func (d *Database) GetConfig(key string) (string, error) {
	var value string
	err := d.db.QueryRow("SELECT value FROM app_config WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get config: %w", err)
	}
	return value, nil
}

// ListConfigs returns all configuration values
func (d *Database) ListConfigs() (map[string]string, error) {
	rows, err := d.db.Query("SELECT key, value FROM app_config")
	if err != nil {
		return nil, fmt.Errorf("failed to list configs: %w", err)
	}
	defer rows.Close()

	configs := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan config: %w", err)
		}
		configs[key] = value
	}
	return configs, nil
}

// DeleteConfig deletes a configuration value
func (d *Database) DeleteConfig(key string) error {
	_, err := d.db.Exec("DELETE FROM app_config WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete config: %w", err)
	}
	return nil
}

// Ping checks the connection
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

func (d *Database) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func setNode(ctx context.Context, tx *sql.Tx, path string, value any) error {
	path = cleanPath(path)
	if path == "/" {
		return fmt.Errorf("cannot write to the root path")
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}

	lo, hi := childRange(path)
	if _, err := tx.ExecContext(ctx, "DELETE FROM telemetry_nodes WHERE path >= ? AND path < ?", lo, hi); err != nil {
		return fmt.Errorf("failed to clear %s: %w", path, err)
	}
	for _, ancestor := range ancestors(path) {
		if _, err := tx.ExecContext(ctx, "DELETE FROM telemetry_nodes WHERE path = ?", ancestor); err != nil {
			return fmt.Errorf("failed to clear %s: %w", ancestor, err)
		}
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO telemetry_nodes (path, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(path) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP`, path, string(raw))
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// cleanPath normalizes p to a leading slash with no trailing or repeated slashes
func cleanPath(p string) string {
	parts := strings.FieldsFunc(p, func(r rune) bool { return r == '/' })
	return "/" + strings.Join(parts, "/")
}

func joinPath(base, key string) string {
	return cleanPath(base + "/" + key)
}

// childRange returns the half-open key range holding every descendant of p.
// '0' is the byte after '/', so [p/, p0) covers exactly the p/ prefix.
func childRange(p string) (string, string) {
	if p == "/" {
		return "/", "0"
	}
	return p + "/", p + "0"
}

func ancestors(p string) []string {
	var out []string
	for i := len(p) - 1; i > 0; i-- {
		if p[i] == '/' {
			out = append(out, p[:i])
		}
	}
	return out
}

func insertNested(root map[string]any, parts []string, v any) {
	node := root
	for _, part := range parts[:len(parts)-1] {
		child, ok := node[part].(map[string]any)
		if !ok {
			child = map[string]any{}
			node[part] = child
		}
		node = child
	}
	node[parts[len(parts)-1]] = v
}
