// Package sqlite implements the checkpoint store on an embedded
// SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Susch12/VarP/internal/store"
)

type checkpointStore struct {
	db *sql.DB
}

// New opens (or creates) a SQLite database and runs migrations.
func New(dsn string) (store.CheckpointStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite single-writer
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite migrate: %w", err)
	}
	return &checkpointStore{db: db}, nil
}

// ─── Migrations ───────────────────────────────────────────────────────────────

func migrate(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			run_key TEXT PRIMARY KEY,
			modelo_id TEXT NOT NULL DEFAULT '',
			published INTEGER NOT NULL DEFAULT 0,
			total INTEGER NOT NULL DEFAULT 0,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return fmt.Errorf("exec %q: %w", s[:20], err)
		}
	}
	return nil
}

// ─── Checkpoints ──────────────────────────────────────────────────────────────

func (s *checkpointStore) Save(ctx context.Context, c *store.Checkpoint) error {
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (run_key, modelo_id, published, total, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_key) DO UPDATE SET
			modelo_id = excluded.modelo_id,
			published = excluded.published,
			total = excluded.total,
			updated_at = excluded.updated_at`,
		c.RunKey, c.ModeloID, c.Published, c.Total, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("saving checkpoint %s: %w", c.RunKey, err)
	}
	return nil
}

func (s *checkpointStore) Get(ctx context.Context, runKey string) (*store.Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_key, modelo_id, published, total, updated_at
		FROM checkpoints WHERE run_key = ?`, runKey)
	c := &store.Checkpoint{}
	err := row.Scan(&c.RunKey, &c.ModeloID, &c.Published, &c.Total, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading checkpoint %s: %w", runKey, err)
	}
	return c, nil
}

func (s *checkpointStore) Delete(ctx context.Context, runKey string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM checkpoints WHERE run_key = ?`, runKey); err != nil {
		return fmt.Errorf("deleting checkpoint %s: %w", runKey, err)
	}
	return nil
}

func (s *checkpointStore) Close() error { return s.db.Close() }
