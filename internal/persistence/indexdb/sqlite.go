// Package indexdb keeps a queryable SQLite copy of the ownership map and its change history.
// It is fed as a territory.Sink and is never the source of truth.
package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"territory.ai/internal/territory"
)

type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	// sendMu is held shared by senders across the closed check and the send, and
	// exclusively by Close while it closes ch.
	sendMu sync.RWMutex
	closed atomic.Bool
	// broken is set by the writer when a batch fails; the next Apply call reports it so the
	// follower resyncs from a snapshot.
	broken atomic.Pointer[error]

	applied  atomic.Uint64
	failures atomic.Uint64
}

type reqKind int

const (
	reqSnapshot reqKind = iota + 1
	reqDelta
	reqFlush
)

type req struct {
	kind reqKind

	snapshot territory.Snapshot
	delta    territory.DeltaResult
	ack      chan error
}

var ErrClosed = errors.New("indexdb: closed")

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 1024),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	// WAL is much faster for append-style workloads.
	// NORMAL is a decent durability/perf tradeoff for a secondary index.
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS claims (
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			owner_id TEXT NOT NULL,
			PRIMARY KEY (world, x, z)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_claims_owner ON claims(owner_id);`,
		`CREATE TABLE IF NOT EXISTS changes (
			epoch TEXT NOT NULL,
			version INTEGER NOT NULL,
			op TEXT NOT NULL,
			world TEXT NOT NULL,
			x INTEGER NOT NULL,
			z INTEGER NOT NULL,
			owner_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			PRIMARY KEY (epoch, version)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_changes_square ON changes(world, x, z);`,
		`CREATE TABLE IF NOT EXISTS syncs (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			epoch TEXT NOT NULL,
			version INTEGER NOT NULL,
			claims INTEGER NOT NULL,
			recorded_at TEXT NOT NULL
		);`,
		`INSERT OR REPLACE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.sendMu.Lock()
		s.closed.Store(true)
		close(s.ch)
		s.sendMu.Unlock()
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// ApplySnapshot queues a full replacement of the claims table.
func (s *SQLiteIndex) ApplySnapshot(snap territory.Snapshot) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	s.broken.Store(nil)
	s.ch <- req{kind: reqSnapshot, snapshot: snap}
	return nil
}

// ApplyDelta queues the changes. It fails if an earlier batch could not be written.
func (s *SQLiteIndex) ApplyDelta(d territory.DeltaResult) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	if p := s.broken.Load(); p != nil {
		return fmt.Errorf("indexdb: earlier write failed: %w", *p)
	}
	s.ch <- req{kind: reqDelta, delta: d}
	return nil
}

// Flush waits until every queued batch has been committed.
func (s *SQLiteIndex) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	if err := s.sendFlush(ctx, ack); err != nil {
		return err
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *SQLiteIndex) sendFlush(ctx context.Context, ack chan error) error {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.ch <- req{kind: reqFlush, ack: ack}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Applied       uint64 `json:"applied_total"`
	Failures      uint64 `json:"failures_total"`
}

func (s *SQLiteIndex) Stats() Stats {
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		Applied:       s.applied.Load(),
		Failures:      s.failures.Load(),
	}
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()
	for r := range s.ch {
		var err error
		switch r.kind {
		case reqSnapshot:
			err = s.writeSnapshot(ctx, r.snapshot)
		case reqDelta:
			if s.broken.Load() != nil {
				continue
			}
			err = s.writeDelta(ctx, r.delta)
		case reqFlush:
			var berr error
			if p := s.broken.Load(); p != nil {
				berr = *p
			}
			r.ack <- berr
			continue
		}
		if err != nil {
			s.failures.Add(1)
			s.broken.Store(&err)
			continue
		}
		if r.kind == reqSnapshot {
			s.broken.Store(nil)
		}
		s.applied.Add(1)
	}
}

func (s *SQLiteIndex) writeSnapshot(ctx context.Context, snap territory.Snapshot) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`DELETE FROM claims`); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO claims(world,x,z,owner_id) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, c := range snap.Squares {
		if _, err := stmt.Exec(c.World, c.X, c.Z, c.OwnerID); err != nil {
			return err
		}
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	if _, err := tx.Exec(`INSERT INTO syncs(epoch,version,claims,recorded_at) VALUES(?,?,?,?)`,
		snap.Epoch, int64(snap.Version), len(snap.Squares), now); err != nil {
		return err
	}
	if err := setPosition(tx, snap.Epoch, snap.Version, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteIndex) writeDelta(ctx context.Context, d territory.DeltaResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var epoch string
	if err := tx.QueryRow(`SELECT value FROM meta WHERE key='epoch'`).Scan(&epoch); err != nil {
		return fmt.Errorf("read epoch: %w", err)
	}
	if epoch != d.Epoch {
		return fmt.Errorf("delta epoch %q does not match index epoch %q", d.Epoch, epoch)
	}

	insertChange, err := tx.Prepare(`INSERT OR IGNORE INTO changes(epoch,version,op,world,x,z,owner_id,ts) VALUES(?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer insertChange.Close()
	upsertClaim, err := tx.Prepare(`INSERT OR REPLACE INTO claims(world,x,z,owner_id) VALUES(?,?,?,?)`)
	if err != nil {
		return err
	}
	defer upsertClaim.Close()
	deleteClaim, err := tx.Prepare(`DELETE FROM claims WHERE world=? AND x=? AND z=? AND owner_id=?`)
	if err != nil {
		return err
	}
	defer deleteClaim.Close()

	for _, c := range d.Changes {
		if _, err := insertChange.Exec(d.Epoch, int64(c.Version), string(c.Op), c.World, c.X, c.Z, c.OwnerID,
			c.Time.UTC().Format(time.RFC3339Nano)); err != nil {
			return err
		}
		switch c.Op {
		case territory.OpClaim:
			_, err = upsertClaim.Exec(c.World, c.X, c.Z, c.OwnerID)
		case territory.OpUnclaim:
			_, err = deleteClaim.Exec(c.World, c.X, c.Z, c.OwnerID)
		default:
			err = fmt.Errorf("unknown op %q", c.Op)
		}
		if err != nil {
			return err
		}
	}
	if err := setPosition(tx, d.Epoch, d.ToVersion, time.Now().UTC().Format(time.RFC3339Nano)); err != nil {
		return err
	}
	return tx.Commit()
}

func setPosition(tx *sql.Tx, epoch string, version uint64, now string) error {
	for k, v := range map[string]string{
		"epoch":      epoch,
		"version":    strconv.FormatUint(version, 10),
		"updated_at": now,
	} {
		if _, err := tx.Exec(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`, k, v); err != nil {
			return err
		}
	}
	return nil
}
