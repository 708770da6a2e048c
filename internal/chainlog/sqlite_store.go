package chainlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite-backed store and ensures schema and
// durability PRAGMAs. Unlike the file store it never expires history, so
// Verify always replays from genesis.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS entries (
  seq        INTEGER PRIMARY KEY,
  ts         INTEGER NOT NULL,
  level      TEXT    NOT NULL,
  msg        TEXT    NOT NULL,
  prev_hash  TEXT    NOT NULL,
  entry_hash TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS tail (
  id         INTEGER PRIMARY KEY CHECK(id=1),
  seq        INTEGER NOT NULL,
  entry_hash TEXT    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &sqliteStore{db: db}, nil
}

// Append stores the entry and the new tail in one serializable transaction,
// rejecting non-contiguous sequences.
func (s *sqliteStore) Append(e Entry, tail TailState) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var maxSeq sql.NullInt64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq),0) FROM entries`).Scan(&maxSeq.Int64); err != nil {
		return err
	}
	if uint64(maxSeq.Int64) != e.Sequence-1 {
		return fmt.Errorf("non-contiguous append: have %d, got %d", maxSeq.Int64, e.Sequence)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO entries(seq, ts, level, msg, prev_hash, entry_hash) VALUES(?, ?, ?, ?, ?, ?)`,
		e.Sequence, e.Timestamp.UnixNano(), string(e.Level), e.Message, e.PrevHash, e.EntryHash); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO tail(id, seq, entry_hash) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET seq=excluded.seq, entry_hash=excluded.entry_hash`,
		tail.Sequence, tail.EntryHash); err != nil {
		return err
	}

	return tx.Commit()
}

// Iter streams entries from startSeq in ascending order.
func (s *sqliteStore) Iter(startSeq uint64) (<-chan Entry, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, ts, level, msg, prev_hash, entry_hash FROM entries WHERE seq >= ? ORDER BY seq ASC`,
		startSeq)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out := make(chan Entry, 64)
	go func() {
		defer close(out)
		defer rows.Close()
		defer cancel()
		for rows.Next() {
			var e Entry
			var ts int64
			var level string
			if err := rows.Scan(&e.Sequence, &ts, &level, &e.Message, &e.PrevHash, &e.EntryHash); err != nil {
				return
			}
			e.Timestamp = time.Unix(0, ts).UTC()
			e.Level = Level(level)
			out <- e
		}
	}()
	return out, func() error { cancel(); return nil }, nil
}

func (s *sqliteStore) Tail() (TailState, bool, error) {
	var tail TailState
	err := s.db.QueryRow(`SELECT seq, entry_hash FROM tail WHERE id=1`).Scan(&tail.Sequence, &tail.EntryHash)
	if errors.Is(err, sql.ErrNoRows) {
		return tail, false, nil
	}
	if err != nil {
		return tail, false, err
	}
	return tail, true, nil
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
