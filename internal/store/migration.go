package store

import (
	"fmt"
	"strconv"

	"github.com/nilcroak/memoryd/internal/logging"
)

// runMigrations brings a store at an older schema version up to
// schemaVersion. Migrations within v2 are additive only: they add
// columns/tables/indexes and never drop or rename existing ones, so an
// interrupted migration never loses data.
func (s *Store) runMigrations() error {
	current, err := s.readSchemaVersion()
	if err != nil {
		return err
	}

	if current == 0 {
		logging.Boot("initializing fresh store at schema v%d", schemaVersion)
		return s.writeSchemaVersion(schemaVersion)
	}

	if current > schemaVersion {
		return fmt.Errorf("store schema v%d is newer than this binary supports (v%d)", current, schemaVersion)
	}

	for v := current; v < schemaVersion; v++ {
		if err := s.migrateStep(v); err != nil {
			return fmt.Errorf("migration from v%d failed: %w", v, err)
		}
	}

	return s.writeSchemaVersion(schemaVersion)
}

// migrateStep applies the migration taking the store from version v to
// v+1. There is currently only the v1->v2 step (introduction of the
// sleep_log table); new steps append additional cases here.
func (s *Store) migrateStep(v int) error {
	switch v {
	case 1:
		logging.Boot("migrating store schema v1 -> v2")
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS sleep_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				phase TEXT NOT NULL,
				started_at TEXT NOT NULL,
				finished_at TEXT NOT NULL,
				detail_json TEXT NOT NULL DEFAULT '{}'
			);
		`)
		return err
	default:
		return nil
	}
}

func (s *Store) readSchemaVersion() (int, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&value)
	if err != nil {
		// meta table itself may not exist yet on a brand new database,
		// or the row may simply be absent; both mean "version 0".
		return 0, nil
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt schema_version value %q: %w", value, err)
	}
	return v, nil
}

func (s *Store) writeSchemaVersion(v int) error {
	_, err := s.db.Exec(
		`INSERT INTO meta(key, value) VALUES ('schema_version', ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		strconv.Itoa(v),
	)
	return err
}
