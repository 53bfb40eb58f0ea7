package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/pkg/plan"

	_ "modernc.org/sqlite"
)

// SQLite persists the chain in a local database so audit history and the
// pause/resume state survive process restarts. Appends serialize through a
// mutex because the hash chain threads every entry through the previous one.
type SQLite struct {
	mu    sync.Mutex
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
	CREATE TABLE IF NOT EXISTS chain_entries (
		sequence INTEGER PRIMARY KEY AUTOINCREMENT,
		action_id TEXT NOT NULL UNIQUE,
		plan_id TEXT NOT NULL,
		intent_id TEXT,
		kind TEXT NOT NULL,
		capability_id TEXT,
		payload JSON NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		timestamp DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chain_plan ON chain_entries(plan_id, sequence);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Chain.
func (s *SQLite) Append(ctx context.Context, action plan.Action) (string, error) {
	if action.PlanID == "" {
		return "", fmt.Errorf("chain: action missing plan id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = s.clock().UTC()
	}

	prev, seq, err := s.head(ctx)
	if err != nil {
		return "", err
	}
	seq++

	hash, err := entryHash(seq, action, prev)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(action)
	if err != nil {
		return "", fmt.Errorf("marshal action: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chain_entries
			(sequence, action_id, plan_id, intent_id, kind, capability_id, payload, content_hash, prev_hash, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		seq, action.ID, action.PlanID, action.IntentID, string(action.Kind),
		action.CapabilityID, string(payload), hash, prev, action.Timestamp)
	if err != nil {
		return "", fmt.Errorf("append chain entry: %w", err)
	}
	return action.ID, nil
}

func (s *SQLite) head(ctx context.Context) (string, uint64, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT content_hash, sequence FROM chain_entries ORDER BY sequence DESC LIMIT 1`)
	var hash string
	var seq uint64
	err := row.Scan(&hash, &seq)
	if err == sql.ErrNoRows {
		return GenesisHash, 0, nil
	}
	if err != nil {
		return "", 0, fmt.Errorf("read chain head: %w", err)
	}
	return hash, seq, nil
}

// ActionsFor implements Chain.
func (s *SQLite) ActionsFor(ctx context.Context, planID string) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, payload, content_hash, prev_hash
		FROM chain_entries WHERE plan_id = ? ORDER BY sequence ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Head implements Chain.
func (s *SQLite) Head(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hash, _, err := s.head(ctx)
	return hash, err
}

// Verify re-walks the full persisted chain.
func (s *SQLite) Verify(ctx context.Context) (bool, string) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, payload, content_hash, prev_hash
		FROM chain_entries ORDER BY sequence ASC`)
	if err != nil {
		return false, fmt.Sprintf("query chain: %v", err)
	}
	defer func() { _ = rows.Close() }()

	entries, err := scanEntries(rows)
	if err != nil {
		return false, err.Error()
	}
	prev := GenesisHash
	for _, e := range entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("entry %d prev_hash mismatch", e.Sequence)
		}
		want, err := entryHash(e.Sequence, e.Action, e.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("entry %d rehash failed: %v", e.Sequence, err)
		}
		if want != e.ContentHash {
			return false, fmt.Sprintf("entry %d content_hash mismatch", e.Sequence)
		}
		prev = e.ContentHash
	}
	return true, ""
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			payload string
		)
		if err := rows.Scan(&e.Sequence, &payload, &e.ContentHash, &e.PrevHash); err != nil {
			return nil, fmt.Errorf("scan chain entry: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &e.Action); err != nil {
			return nil, fmt.Errorf("decode chain entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
