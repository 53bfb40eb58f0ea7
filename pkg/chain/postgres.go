package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/pkg/plan"

	_ "github.com/lib/pq" // Postgres driver
)

// Postgres persists the chain in a shared database for multi-process
// deployments. The previous-hash link is taken inside a serializable
// transaction so concurrent writers cannot fork the chain.
type Postgres struct {
	db    *sql.DB
	clock func() time.Time
}

// NewPostgres wraps an open database handle and runs migrations.
func NewPostgres(db *sql.DB) (*Postgres, error) {
	p := &Postgres{db: db, clock: time.Now}
	if err := p.migrate(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Postgres) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS chain_entries (
		sequence BIGSERIAL PRIMARY KEY,
		action_id TEXT NOT NULL UNIQUE,
		plan_id TEXT NOT NULL,
		intent_id TEXT,
		kind TEXT NOT NULL,
		capability_id TEXT,
		payload JSONB NOT NULL,
		content_hash TEXT NOT NULL,
		prev_hash TEXT NOT NULL,
		timestamp TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_chain_plan ON chain_entries(plan_id, sequence);`
	_, err := p.db.ExecContext(context.Background(), query)
	return err
}

// Append implements Chain.
func (p *Postgres) Append(ctx context.Context, action plan.Action) (string, error) {
	if action.PlanID == "" {
		return "", fmt.Errorf("chain: action missing plan id")
	}
	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = p.clock().UTC()
	}

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", fmt.Errorf("begin chain append: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx,
		`SELECT content_hash, sequence FROM chain_entries ORDER BY sequence DESC LIMIT 1 FOR UPDATE`)
	prev := GenesisHash
	var seq uint64
	if err := row.Scan(&prev, &seq); err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("read chain head: %w", err)
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

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chain_entries
			(sequence, action_id, plan_id, intent_id, kind, capability_id, payload, content_hash, prev_hash, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		seq, action.ID, action.PlanID, action.IntentID, string(action.Kind),
		action.CapabilityID, string(payload), hash, prev, action.Timestamp)
	if err != nil {
		return "", fmt.Errorf("append chain entry: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit chain append: %w", err)
	}
	return action.ID, nil
}

// ActionsFor implements Chain.
func (p *Postgres) ActionsFor(ctx context.Context, planID string) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT sequence, payload, content_hash, prev_hash
		FROM chain_entries WHERE plan_id = $1 ORDER BY sequence ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("query chain: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanEntries(rows)
}

// Head implements Chain.
func (p *Postgres) Head(ctx context.Context) (string, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT content_hash FROM chain_entries ORDER BY sequence DESC LIMIT 1`)
	var hash string
	err := row.Scan(&hash)
	if err == sql.ErrNoRows {
		return GenesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("read chain head: %w", err)
	}
	return hash, nil
}
