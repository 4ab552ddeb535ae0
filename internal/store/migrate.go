package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/openunix/nfsdcld/internal/cld"
)

// latestSchemaVersion is LATEST from SPEC_FULL.md §4.1.
const latestSchemaVersion = 3

// legacyClientsTable is the v1/v2 bucket name migration copies rows out of.
const legacyClientsTable = "clients"

// migrate brings the database up to latestSchemaVersion, per the state
// machine in SPEC_FULL.md §4.1. It is the only operation that re-reads
// parameters.version from inside its own transaction, defensively against
// a racing initializer.
func (s *Store) migrate(ctx context.Context) error {
	version, err := s.probeSchemaVersion(ctx)
	if err != nil {
		return err
	}

	switch version {
	case latestSchemaVersion:
		return nil
	case 0:
		return s.withExclusiveTx(ctx, "store.migrate.init", s.initSchemaLocked)
	case 1, 2:
		return s.withExclusiveTx(ctx, "store.migrate.update", func(ctx context.Context) error {
			return s.updateSchemaLocked(ctx, version)
		})
	default:
		return cld.Newf(cld.UnsupportedSchema, "store.migrate",
			"on-disk schema version %d is newer than the latest this build understands (%d)", version, latestSchemaVersion)
	}
}

// probeSchemaVersion reads parameters.version outside any transaction,
// treating "table/row missing" and "database file doesn't exist yet" the
// same way: version 0, meaning "create from scratch".
func (s *Store) probeSchemaVersion(ctx context.Context) (int, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM parameters WHERE key = 'version'`).Scan(&raw)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		// "no such table" and similar: fresh database.
		return 0, nil
	}
	var version int
	if _, err := fmt.Sscanf(raw, "%d", &version); err != nil {
		return 0, cld.New(cld.Corruption, "store.probeSchemaVersion", fmt.Errorf("unreadable version %q: %w", raw, err))
	}
	return version, nil
}

// initSchemaLocked creates the database from scratch: parameters table,
// version row, grace row (1, 0), and the empty rec-...0001 bucket.
func (s *Store) initSchemaLocked(ctx context.Context) error {
	version, err := s.probeSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version == latestSchemaVersion {
		// Another process already initialized it while we were waiting
		// for the exclusive lock.
		return nil
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS parameters (key TEXT PRIMARY KEY, value TEXT)`,
		`CREATE TABLE IF NOT EXISTS grace (current INTEGER, recovery INTEGER)`,
		`DELETE FROM grace`,
		`INSERT INTO grace (current, recovery) VALUES (1, 0)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id BLOB PRIMARY KEY)`, quoteIdent(bucketName(1))),
		`INSERT OR REPLACE INTO parameters (key, value) VALUES ('version', '3')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("store.initSchemaLocked", err)
		}
	}
	return nil
}

// updateSchemaLocked migrates a v1 or v2 database to v3: create grace and
// the epoch-1 bucket, copy rows out of the legacy clients table, drop it,
// and stamp the new version.
func (s *Store) updateSchemaLocked(ctx context.Context, expected int) error {
	version, err := s.probeSchemaVersion(ctx)
	if err != nil {
		return err
	}
	if version == latestSchemaVersion {
		return nil
	}
	if version != expected {
		return cld.Newf(cld.Corruption, "store.updateSchemaLocked",
			"schema version changed from %d to %d while waiting for the migration lock", expected, version)
	}

	bucket1 := quoteIdent(bucketName(1))
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS grace (current INTEGER, recovery INTEGER)`,
		`DELETE FROM grace`,
		`INSERT INTO grace (current, recovery) VALUES (1, 0)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (id BLOB PRIMARY KEY)`, bucket1),
		fmt.Sprintf(`INSERT OR REPLACE INTO %s SELECT id FROM %s`, bucket1, quoteIdent(legacyClientsTable)),
		fmt.Sprintf(`DROP TABLE %s`, quoteIdent(legacyClientsTable)),
		`INSERT OR REPLACE INTO parameters (key, value) VALUES ('version', '3')`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return classify("store.updateSchemaLocked", err)
		}
	}
	return nil
}
