package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
	id                TEXT PRIMARY KEY,
	owner             TEXT NOT NULL,
	name              TEXT NOT NULL,
	status            TEXT NOT NULL,
	processed         INTEGER NOT NULL DEFAULT 0,
	total             INTEGER NOT NULL DEFAULT 0,
	failed            INTEGER NOT NULL DEFAULT 0,
	current_operation TEXT NOT NULL DEFAULT '',
	stop_requested    INTEGER NOT NULL DEFAULT 0,
	created_at        INTEGER NOT NULL,
	updated_at        INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS cards (
	id               TEXT PRIMARY KEY,
	symbol           TEXT NOT NULL,
	status           TEXT NOT NULL,
	meaning          TEXT NOT NULL DEFAULT '',
	pronunciation    TEXT NOT NULL DEFAULT '',
	image_key        TEXT NOT NULL DEFAULT '',
	image_cached     INTEGER NOT NULL DEFAULT 0,
	image_skipped    INTEGER NOT NULL DEFAULT 0,
	audio_key        TEXT NOT NULL DEFAULT '',
	audio_cached     INTEGER NOT NULL DEFAULT 0,
	audio_skipped    INTEGER NOT NULL DEFAULT 0,
	candidates       INTEGER NOT NULL DEFAULT 0,
	job_id           TEXT NOT NULL DEFAULT '',
	disambiguated    INTEGER NOT NULL DEFAULT 0,
	force_refresh    INTEGER NOT NULL DEFAULT 0,
	failure_reason   TEXT NOT NULL DEFAULT '',
	last_enriched_at INTEGER NOT NULL DEFAULT 0,
	applied_at       INTEGER NOT NULL DEFAULT 0,
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cards_symbol_status ON cards (symbol, status);

CREATE TABLE IF NOT EXISTS collection_cards (
	collection_id TEXT NOT NULL REFERENCES collections(id) ON DELETE CASCADE,
	card_id       TEXT NOT NULL UNIQUE REFERENCES cards(id) ON DELETE CASCADE,
	position      INTEGER NOT NULL,
	PRIMARY KEY (collection_id, card_id)
);
CREATE INDEX IF NOT EXISTS idx_collection_cards_position ON collection_cards (collection_id, position);

CREATE TABLE IF NOT EXISTS dictionary_entries (
	symbol        TEXT NOT NULL,
	pronunciation TEXT NOT NULL,
	meanings      TEXT NOT NULL,
	frequency     TEXT NOT NULL DEFAULT '',
	position      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (symbol, pronunciation)
);

CREATE TABLE IF NOT EXISTS disambiguation_selections (
	scope          TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	pronunciation  TEXT NOT NULL DEFAULT '',
	accept_default INTEGER NOT NULL DEFAULT 0,
	created_at     INTEGER NOT NULL,
	PRIMARY KEY (scope, symbol)
);
`

func (s *Store) initSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	var version int
	err := s.db.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read schema version: %w", err)
	case version > schemaVersion:
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}
	return nil
}
