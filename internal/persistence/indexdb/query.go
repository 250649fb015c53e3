package indexdb

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"territory.ai/internal/territory"
)

type State struct {
	Epoch   string `json:"epoch"`
	Version uint64 `json:"version"`
	Claims  int    `json:"claims"`
	Syncs   int    `json:"syncs"`
}

type ChangeRow struct {
	Epoch   string `json:"epoch"`
	Version uint64 `json:"version"`
	Op      string `json:"op"`
	OwnerID string `json:"owner_id"`
	TS      string `json:"ts"`
}

type OwnerCount struct {
	OwnerID string `json:"owner_id"`
	Claims  int    `json:"claims"`
}

// State reports the position the index has caught up to.
func (s *SQLiteIndex) State(ctx context.Context) (State, error) {
	var st State
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM meta WHERE key IN ('epoch','version')`)
	if err != nil {
		return st, err
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return st, err
		}
		switch k {
		case "epoch":
			st.Epoch = v
		case "version":
			st.Version, _ = strconv.ParseUint(v, 10, 64)
		}
	}
	if err := rows.Err(); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM claims`).Scan(&st.Claims); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM syncs`).Scan(&st.Syncs); err != nil {
		return st, err
	}
	return st, nil
}

func (s *SQLiteIndex) OwnerAt(ctx context.Context, sq territory.Square) (string, bool, error) {
	var owner string
	err := s.db.QueryRowContext(ctx, `SELECT owner_id FROM claims WHERE world=? AND x=? AND z=?`,
		sq.World, sq.X, sq.Z).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return owner, true, nil
}

func (s *SQLiteIndex) ClaimsByOwner(ctx context.Context, owner string) ([]territory.Square, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT world, x, z FROM claims WHERE owner_id=? ORDER BY world, x, z`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []territory.Square
	for rows.Next() {
		var sq territory.Square
		if err := rows.Scan(&sq.World, &sq.X, &sq.Z); err != nil {
			return nil, err
		}
		out = append(out, sq)
	}
	return out, rows.Err()
}

// CountByOwner lists owners by descending claim count.
func (s *SQLiteIndex) CountByOwner(ctx context.Context, limit int) ([]OwnerCount, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT owner_id, COUNT(*) AS n FROM claims GROUP BY owner_id ORDER BY n DESC, owner_id LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OwnerCount
	for rows.Next() {
		var c OwnerCount
		if err := rows.Scan(&c.OwnerID, &c.Claims); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// History returns the recorded changes of one square, newest first.
func (s *SQLiteIndex) History(ctx context.Context, sq territory.Square, limit int) ([]ChangeRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch, version, op, owner_id, ts FROM changes WHERE world=? AND x=? AND z=? ORDER BY rowid DESC LIMIT ?`,
		sq.World, sq.X, sq.Z, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ChangeRow
	for rows.Next() {
		var c ChangeRow
		var v int64
		if err := rows.Scan(&c.Epoch, &v, &c.Op, &c.OwnerID, &c.TS); err != nil {
			return nil, err
		}
		c.Version = uint64(v)
		out = append(out, c)
	}
	return out, rows.Err()
}
