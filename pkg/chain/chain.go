// Package chain implements the Causal Chain: an append-only, hash-chained,
// concurrency-safe ledger of Actions. The chain is both the audit trail and
// the sole source of truth for whether a plan is running, paused or
// terminated, which is what makes resume idempotent.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// Entry is an immutable, hash-chained record wrapping one Action. Sequence
// numbers are per-chain and assigned at append; hashes are computed over the
// RFC 8785 canonical JSON of the entry body so they are stable across
// processes and store backends.
type Entry struct {
	Sequence    uint64      `json:"sequence"`
	Action      plan.Action `json:"action"`
	ContentHash string      `json:"content_hash"`
	PrevHash    string      `json:"prev_hash"`
}

// GenesisHash anchors the first entry of every chain.
const GenesisHash = "genesis"

// Chain is the append-only ledger contract. Appends must be linearizable:
// actions for one plan are totally ordered by append sequence, while actions
// across unrelated plans impose no false global order on callers.
type Chain interface {
	// Append records an action and returns its assigned action id.
	Append(ctx context.Context, action plan.Action) (string, error)

	// ActionsFor returns every action recorded for a plan, in append order.
	ActionsFor(ctx context.Context, planID string) ([]Entry, error)

	// Head returns the current head hash of the ledger.
	Head(ctx context.Context) (string, error)
}

// Verifier is implemented by chains that can re-walk their hash links.
type Verifier interface {
	Verify(ctx context.Context) (bool, string)
}

// entryHash computes the canonical content hash for an entry body.
func entryHash(seq uint64, action plan.Action, prev string) (string, error) {
	body := struct {
		Seq    uint64      `json:"seq"`
		Action plan.Action `json:"action"`
		Prev   string      `json:"prev"`
	}{seq, action, prev}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal chain entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize chain entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// Memory is the in-process chain. A single mutex makes appends linearizable;
// reads copy out so callers can never mutate recorded history.
type Memory struct {
	mu       sync.RWMutex
	entries  []Entry
	byPlan   map[string][]int
	headHash string
	clock    func() time.Time
}

// NewMemory creates an empty in-memory chain.
func NewMemory() *Memory {
	return &Memory{
		byPlan:   make(map[string][]int),
		headHash: GenesisHash,
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic tests.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

// Append implements Chain.
func (m *Memory) Append(ctx context.Context, action plan.Action) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if action.PlanID == "" {
		return "", fmt.Errorf("chain: action missing plan id")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if action.ID == "" {
		action.ID = uuid.New().String()
	}
	if action.Timestamp.IsZero() {
		action.Timestamp = m.clock().UTC()
	}

	seq := uint64(len(m.entries)) + 1
	hash, err := entryHash(seq, action, m.headHash)
	if err != nil {
		return "", err
	}

	m.entries = append(m.entries, Entry{
		Sequence:    seq,
		Action:      action,
		ContentHash: hash,
		PrevHash:    m.headHash,
	})
	m.byPlan[action.PlanID] = append(m.byPlan[action.PlanID], len(m.entries)-1)
	m.headHash = hash

	return action.ID, nil
}

// ActionsFor implements Chain.
func (m *Memory) ActionsFor(ctx context.Context, planID string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	idxs := m.byPlan[planID]
	out := make([]Entry, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, m.entries[i])
	}
	return out, nil
}

// Head implements Chain.
func (m *Memory) Head(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.headHash, nil
}

// Length returns the total number of entries across all plans.
func (m *Memory) Length() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Verify re-walks the hash chain and reports the first inconsistency.
func (m *Memory) Verify(ctx context.Context) (bool, string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prev := GenesisHash
	for i, e := range m.entries {
		if e.PrevHash != prev {
			return false, fmt.Sprintf("entry %d prev_hash mismatch", i+1)
		}
		want, err := entryHash(e.Sequence, e.Action, e.PrevHash)
		if err != nil {
			return false, fmt.Sprintf("entry %d rehash failed: %v", i+1, err)
		}
		if want != e.ContentHash {
			return false, fmt.Sprintf("entry %d content_hash mismatch", i+1)
		}
		prev = e.ContentHash
	}
	return true, ""
}
