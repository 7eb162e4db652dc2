package store

import "fmt"

// CurrentSchemaVersion is the highest schema version this binary
// understands. Migration policy (spec §4.1): stop the world on open, and
// refuse to open a store whose on-disk version is newer than this binary
// knows — an older binary must never silently reinterpret a newer layout.
const CurrentSchemaVersion = 1

// migrationStep upgrades the store from version (n-1) to n. There is
// intentionally no step for version 1: it is the genesis schema with
// nothing to migrate from.
type migrationStep func(db *LevelStore) error

var migrations = []migrationStep{
	nil, // version 0 -> 1: genesis schema, no-op
}

// runMigrations applies every migration step strictly in order, starting
// from the on-disk version, and bumps TableMeta's version key atomically
// after each step succeeds. It is the linear migration ladder spec §6.2
// requires ("bumped through a linear migration ladder, forward-only").
func runMigrations(db *LevelStore) error {
	version, err := db.MetaVersion()
	if err != nil {
		return fmt.Errorf("store: read schema version: %w", err)
	}
	if version > CurrentSchemaVersion {
		return fmt.Errorf("store: database schema version %d is newer than this binary understands (%d); refusing to open", version, CurrentSchemaVersion)
	}
	for version < CurrentSchemaVersion {
		next := version + 1
		if step := migrations[next-1]; step != nil {
			if err := step(db); err != nil {
				return fmt.Errorf("store: migration to version %d failed: %w", next, err)
			}
		}
		if err := db.SetMetaVersion(next); err != nil {
			return fmt.Errorf("store: persist schema version %d: %w", next, err)
		}
		version = next
	}
	return nil
}
