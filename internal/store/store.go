// Package store implements the tracker's crash-safe persistent store (C1):
// a SQLite-backed set of client identities keyed by reboot epoch, with
// forward-only schema migration and exclusive-transaction semantics.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/glebarez/go-sqlite" // registers the "sqlite" driver

	"github.com/openunix/nfsdcld/internal/cld"
	"github.com/openunix/nfsdcld/internal/clientid"
	"github.com/openunix/nfsdcld/internal/epoch"
	"github.com/openunix/nfsdcld/internal/logger"
)

// dbFileName is preserved verbatim for format compatibility with existing
// deployments.
const dbFileName = "main.sqlite"

// busyTimeoutMillis bounds how long SQLite itself blocks waiting for a
// lock held by another process before reporting "database is locked".
const busyTimeoutMillis = 10_000

// Store is a handle to the on-disk recovery database. It is safe for
// concurrent use from multiple goroutines within this process; the
// internal mutex serializes the BEGIN EXCLUSIVE/COMMIT sequences that
// database/sql's Tx type cannot express directly for SQLite.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating and/or migrating as needed) the database under dir
// and returns a handle plus the epoch state read from the grace row.
func Open(ctx context.Context, dir string) (*Store, epoch.State, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, epoch.State{}, cld.New(cld.Corruption, "store.Open", fmt.Errorf("create top dir: %w", err))
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)",
		filepath.Join(dir, dbFileName), busyTimeoutMillis)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, epoch.State{}, cld.New(cld.Corruption, "store.Open", err)
	}
	// A single live connection means every BEGIN EXCLUSIVE/COMMIT pair this
	// process issues runs on the same physical connection, which is what
	// gives the hand-rolled transaction helper below its atomicity.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, epoch.State{}, cld.New(cld.Corruption, "store.Open", fmt.Errorf("open database: %w", err))
	}

	s := &Store{db: db}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, epoch.State{}, err
	}

	state, err := s.readGraceRow(ctx)
	if err != nil {
		db.Close()
		return nil, epoch.State{}, err
	}

	logger.Info("store opened", "dir", dir, "current_epoch", uint64(state.Current), "recovery_epoch", uint64(state.Recovery))
	return s, state, nil
}

// HasSession reports whether the store has been opened successfully. Per
// the design note in SPEC_FULL.md §9, this is the command's full semantics
// here: a pure probe of whether the tracker holds an open handle.
func (s *Store) HasSession() bool {
	return s != nil && s.db != nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// withExclusiveTx runs fn inside a hand-issued BEGIN EXCLUSIVE TRANSACTION.
// On fn's error, it rolls back and returns the original error (rollback
// failures are logged but never mask the root cause). The in-process mutex
// is what keeps concurrent callers in this goroutine-safe type from
// interleaving statements belonging to different logical transactions on
// the one pooled connection.
func (s *Store) withExclusiveTx(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "BEGIN EXCLUSIVE TRANSACTION"); err != nil {
		return classify(op, err)
	}

	if err := fn(ctx); err != nil {
		if _, rbErr := s.db.ExecContext(ctx, "ROLLBACK TRANSACTION"); rbErr != nil {
			logger.Error("rollback failed", "op", op, "error", rbErr)
		}
		return err
	}

	if _, err := s.db.ExecContext(ctx, "COMMIT TRANSACTION"); err != nil {
		if _, rbErr := s.db.ExecContext(ctx, "ROLLBACK TRANSACTION"); rbErr != nil {
			logger.Error("rollback failed", "op", op, "error", rbErr)
		}
		return classify(op, err)
	}
	return nil
}

func (s *Store) readGraceRow(ctx context.Context) (epoch.State, error) {
	var cur, rec uint64
	row := s.db.QueryRowContext(ctx, `SELECT current, recovery FROM grace`)
	if err := row.Scan(&cur, &rec); err != nil {
		return epoch.State{}, cld.New(cld.Corruption, "store.readGraceRow", err)
	}
	return epoch.State{Current: epoch.Epoch(cur), Recovery: epoch.Epoch(rec)}, nil
}

// InsertClient records id into the current epoch's bucket. Idempotent.
func (s *Store) InsertClient(ctx context.Context, cur epoch.Epoch, id clientid.ClientId) error {
	if err := clientid.Validate(id); err != nil {
		return err
	}
	return s.withExclusiveTx(ctx, "store.InsertClient", func(ctx context.Context) error {
		return s.insertLocked(ctx, cur, id)
	})
}

func (s *Store) insertLocked(ctx context.Context, e epoch.Epoch, id clientid.ClientId) error {
	q := fmt.Sprintf(`INSERT OR REPLACE INTO %s (id) VALUES (?)`, quoteIdent(bucketName(e)))
	if _, err := s.db.ExecContext(ctx, q, []byte(id)); err != nil {
		return classify("store.insertLocked", err)
	}
	return nil
}

// RemoveClient deletes id from the current epoch's bucket. Succeeds even
// if id was never present.
func (s *Store) RemoveClient(ctx context.Context, cur epoch.Epoch, id clientid.ClientId) error {
	if err := clientid.Validate(id); err != nil {
		return err
	}
	return s.withExclusiveTx(ctx, "store.RemoveClient", func(ctx context.Context) error {
		q := fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, quoteIdent(bucketName(cur)))
		if _, err := s.db.ExecContext(ctx, q, []byte(id)); err != nil {
			return classify("store.RemoveClient", err)
		}
		return nil
	})
}

// CheckClient reports whether id may reclaim: present in the recovery
// epoch's bucket. On Allowed, id is also (idempotently) inserted into the
// current epoch's bucket, as a single logical operation from the caller's
// view. If there is no active grace period, the answer is always Denied.
func (s *Store) CheckClient(ctx context.Context, state epoch.State, id clientid.ClientId) (bool, error) {
	if err := clientid.Validate(id); err != nil {
		return false, err
	}
	if !state.InGrace() {
		return false, nil
	}

	var allowed bool
	err := s.withExclusiveTx(ctx, "store.CheckClient", func(ctx context.Context) error {
		q := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE id = ?`, quoteIdent(bucketName(state.Recovery)))
		var n int
		if err := s.db.QueryRowContext(ctx, q, []byte(id)).Scan(&n); err != nil {
			return classify("store.CheckClient", err)
		}
		if n == 0 {
			allowed = false
			return nil
		}
		allowed = true
		return s.insertLocked(ctx, state.Current, id)
	})
	if err != nil {
		return false, err
	}
	return allowed, nil
}

// GraceStart implements the epoch.Store interface: see
// SPEC_FULL.md §4.1 for the Case A / Case B algorithm.
func (s *Store) GraceStart(ctx context.Context, cached epoch.State) (epoch.State, error) {
	next := cached
	err := s.withExclusiveTx(ctx, "store.GraceStart", func(ctx context.Context) error {
		if !cached.InGrace() {
			// Case A: normal -> grace.
			next = epoch.State{Current: cached.Current + 1, Recovery: cached.Current}
			if _, err := s.db.ExecContext(ctx, `UPDATE grace SET current = ?, recovery = ?`,
				uint64(next.Current), uint64(next.Recovery)); err != nil {
				return classify("store.GraceStart", err)
			}
			q := fmt.Sprintf(`CREATE TABLE %s (id BLOB PRIMARY KEY)`, quoteIdent(bucketName(next.Current)))
			if _, err := s.db.ExecContext(ctx, q); err != nil {
				return classify("store.GraceStart", err)
			}
			return nil
		}
		// Case B: already in grace, server restarted. Leave (c, r)
		// unchanged but empty the current-epoch bucket: the restart
		// invalidated any partial reclaims recorded into it.
		next = cached
		q := fmt.Sprintf(`DELETE FROM %s`, quoteIdent(bucketName(cached.Current)))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return classify("store.GraceStart", err)
		}
		return nil
	})
	if err != nil {
		return cached, err
	}
	return next, nil
}

// GraceDone implements the epoch.Store interface: clears the recovery
// epoch and drops its bucket.
func (s *Store) GraceDone(ctx context.Context, cached epoch.State) (epoch.State, error) {
	if !cached.InGrace() {
		return cached, nil
	}
	next := epoch.State{Current: cached.Current, Recovery: epoch.NoRecovery}
	err := s.withExclusiveTx(ctx, "store.GraceDone", func(ctx context.Context) error {
		if _, err := s.db.ExecContext(ctx, `UPDATE grace SET recovery = 0`); err != nil {
			return classify("store.GraceDone", err)
		}
		q := fmt.Sprintf(`DROP TABLE %s`, quoteIdent(bucketName(cached.Recovery)))
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return classify("store.GraceDone", err)
		}
		return nil
	})
	if err != nil {
		return cached, err
	}
	return next, nil
}

// IterateRecovery invokes cb once per client id currently in the recovery
// epoch's bucket, in no particular order, and returns the count. Returns
// Invalid if there is no active grace period.
func (s *Store) IterateRecovery(ctx context.Context, state epoch.State, cb func(clientid.ClientId) error) (int, error) {
	if !state.InGrace() {
		return 0, cld.Newf(cld.Invalid, "store.IterateRecovery", "no recovery epoch active")
	}

	q := fmt.Sprintf(`SELECT id FROM %s`, quoteIdent(bucketName(state.Recovery)))
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return 0, classify("store.IterateRecovery", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return count, classify("store.IterateRecovery", err)
		}
		if err := cb(clientid.Clone(raw)); err != nil {
			return count, err
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, classify("store.IterateRecovery", err)
	}
	return count, nil
}
