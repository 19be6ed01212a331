package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// SchemaVersion is the newest schema this build understands.
const SchemaVersion = 1

var migrations = []string{
	// 1: initial layout
	`
CREATE TABLE IF NOT EXISTS products(
  identity TEXT PRIMARY KEY,
  base_key TEXT NOT NULL,
  name TEXT NOT NULL,
  category TEXT NOT NULL,
  price INTEGER NOT NULL CHECK (price >= 0),
  previous_price INTEGER NOT NULL DEFAULT 0,
  original_price INTEGER NOT NULL DEFAULT 0,
  discount_percent REAL NOT NULL DEFAULT 0,
  in_stock INTEGER NOT NULL DEFAULT 1,
  url TEXT NOT NULL DEFAULT '',
  image_url TEXT NOT NULL DEFAULT '',
  sizes_json TEXT NOT NULL DEFAULT '[]',
  first_seen INTEGER NOT NULL,
  last_seen INTEGER NOT NULL,
  last_price_drop_at INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_products_category ON products(category, identity);
CREATE INDEX IF NOT EXISTS idx_products_last_seen ON products(category, last_seen);

CREATE TABLE IF NOT EXISTS price_history(
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  identity TEXT NOT NULL,
  price INTEGER NOT NULL,
  observed_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_identity ON price_history(identity, id);

CREATE TABLE IF NOT EXISTS category_state(
  category TEXT PRIMARY KEY,
  cycle_count INTEGER NOT NULL DEFAULT 0 CHECK (cycle_count >= 0),
  last_cycle_at INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS notification_state(
  identity TEXT PRIMARY KEY,
  category TEXT NOT NULL,
  last_notified_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_notification_state_category ON notification_state(category);
`,
}

func migrate(ctx context.Context, db *sqlx.DB) error {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta(version INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("create schema_meta: %w", err)
	}

	var version int
	err := db.GetContext(ctx, &version, `SELECT version FROM schema_meta LIMIT 1`)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		version = 0
		if _, err := db.ExecContext(ctx, `INSERT INTO schema_meta(version) VALUES (0)`); err != nil {
			return fmt.Errorf("init schema_meta: %w", err)
		}
	case err != nil:
		return CorruptError{What: "schema_meta", Err: err}
	}

	if version > SchemaVersion {
		return CorruptError{What: fmt.Sprintf("schema version %d is newer than supported %d", version, SchemaVersion)}
	}
	if version < 0 {
		return CorruptError{What: fmt.Sprintf("schema version %d", version)}
	}

	for v := version; v < SchemaVersion; v++ {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migrate to version %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE schema_meta SET version = ?`, v+1); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record version %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit version %d: %w", v+1, err)
		}
	}
	return nil
}

// verify refuses to start on state that later reads could not parse.
func verify(ctx context.Context, db *sqlx.DB) error {
	var result string
	if err := db.GetContext(ctx, &result, `PRAGMA integrity_check`); err != nil {
		return CorruptError{What: "integrity check", Err: err}
	}
	if result != "ok" {
		return CorruptError{What: "integrity check: " + result}
	}

	rows, err := db.QueryxContext(ctx, `SELECT identity, sizes_json FROM products`)
	if err != nil {
		return CorruptError{What: "products", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var identity, sizes string
		if err := rows.Scan(&identity, &sizes); err != nil {
			return CorruptError{What: "products", Err: err}
		}
		var parsed []string
		if err := json.Unmarshal([]byte(sizes), &parsed); err != nil {
			return CorruptError{What: "sizes of " + identity, Err: err}
		}
	}
	return rows.Err()
}
