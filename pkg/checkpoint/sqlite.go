package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLite persists checkpoints so a paused run survives a process restart.
type SQLite struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLite wraps an open database handle and runs migrations.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		id TEXT PRIMARY KEY,
		plan_id TEXT NOT NULL,
		approval_id TEXT,
		payload JSON NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoint_plan ON checkpoints(plan_id, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Save implements Store. Re-saving identical suspended state is a no-op
// returning the existing id.
func (s *SQLite) Save(ctx context.Context, c *Checkpoint) (string, error) {
	if c.PlanID == "" {
		return "", fmt.Errorf("checkpoint missing plan id")
	}
	id, err := c.ContentID()
	if err != nil {
		return "", err
	}
	stored := *c
	stored.ID = id
	stored.CreatedAt = s.clock().UTC()
	payload, err := json.Marshal(&stored)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (id, plan_id, approval_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		id, stored.PlanID, stored.ApprovalID, string(payload), stored.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("save checkpoint: %w", err)
	}
	return id, nil
}

// Load implements Store.
func (s *SQLite) Load(ctx context.Context, id string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT payload FROM checkpoints WHERE id = ?`, id)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("checkpoint %q not found", id)
	}
	return c, err
}

// Latest implements Store.
func (s *SQLite) Latest(ctx context.Context, planID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT payload FROM checkpoints
		WHERE plan_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, planID)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return c, err
}

func scanCheckpoint(row *sql.Row) (*Checkpoint, error) {
	var payload string
	if err := row.Scan(&payload); err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("scan checkpoint: %w", err)
	}
	var c Checkpoint
	if err := json.Unmarshal([]byte(payload), &c); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return &c, nil
}
