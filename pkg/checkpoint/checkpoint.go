// Package checkpoint persists suspended runs. A checkpoint freezes the
// interpreter machine, the resolved execution mode, the quota anchor and
// any pending approval, and is content-addressed: the same suspended state
// always yields the same identifier, so double-saving a pause is harmless.
package checkpoint

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/tiller/pkg/constitution"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
	"github.com/Mindburn-Labs/tiller/pkg/quota"
)

// BranchState captures one branch of a parallel block at pause time.
// Settled branches keep only their outcome; a paused branch keeps its full
// machine snapshot. When a branch paused inside a nested parallel block,
// Branches and PausedBranch recurse one level deeper.
type BranchState struct {
	Settled bool            `json:"settled"`
	Value   any             `json:"value,omitempty"`
	Error   string          `json:"error,omitempty"`
	Machine json.RawMessage `json:"machine,omitempty"`

	Branches     []BranchState `json:"branches,omitempty"`
	PausedBranch int           `json:"paused_branch,omitempty"`
}

// Checkpoint is a resumable snapshot of one suspended plan run.
type Checkpoint struct {
	ID             string             `json:"id"`
	PlanID         string             `json:"plan_id"`
	IntentID       string             `json:"intent_id,omitempty"`
	Mode           plan.ExecutionMode `json:"mode"`
	RulesetVersion string             `json:"ruleset_version,omitempty"`

	// Machine is the parent interpreter snapshot.
	Machine json.RawMessage `json:"machine"`

	// Branches is set when the pause happened inside a parallel block;
	// PausedBranch indexes the branch holding the pending call.
	Branches     []BranchState `json:"branches,omitempty"`
	PausedBranch int           `json:"paused_branch,omitempty"`

	// ApprovalID links the checkpoint to the approval request that caused
	// the pause, empty for operational checkpoints.
	ApprovalID string `json:"approval_id,omitempty"`

	// Verdicts carries the pre-flight constitution view so resumed runs
	// gate with the same static decisions the kernel admitted.
	Verdicts map[string]constitution.Verdict `json:"verdicts,omitempty"`

	// Quota and StartedAt reconstruct the plan's meter on resume, so a
	// pause never resets budgets.
	Quota     quota.Limits `json:"quota,omitempty"`
	StartedAt time.Time    `json:"started_at"`

	CreatedAt time.Time `json:"created_at"`
}

// ContentID derives the checkpoint's content-addressed identifier. ID and
// CreatedAt are excluded so the address depends only on the suspended
// state.
func (c *Checkpoint) ContentID() (string, error) {
	clone := *c
	clone.ID = ""
	clone.CreatedAt = time.Time{}
	raw, err := json.Marshal(&clone)
	if err != nil {
		return "", fmt.Errorf("marshal checkpoint: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize checkpoint: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return "ck-" + hex.EncodeToString(sum[:])[:32], nil
}

// Store persists checkpoints.
type Store interface {
	// Save assigns the content id and persists the checkpoint, returning
	// the id. Saving the same state twice returns the same id.
	Save(ctx context.Context, c *Checkpoint) (string, error)

	// Load returns a checkpoint by id.
	Load(ctx context.Context, id string) (*Checkpoint, error)

	// Latest returns the most recent checkpoint for a plan, or nil when
	// the plan has none.
	Latest(ctx context.Context, planID string) (*Checkpoint, error)
}

// Memory is a process-local Store.
type Memory struct {
	mu     sync.Mutex
	byID   map[string]*Checkpoint
	byPlan map[string][]string
	clock  func() time.Time
}

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{
		byID:   make(map[string]*Checkpoint),
		byPlan: make(map[string][]string),
		clock:  time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (m *Memory) WithClock(clock func() time.Time) *Memory {
	m.clock = clock
	return m
}

// Save implements Store.
func (m *Memory) Save(ctx context.Context, c *Checkpoint) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.PlanID == "" {
		return "", fmt.Errorf("checkpoint missing plan id")
	}
	id, err := c.ContentID()
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; ok {
		return id, nil
	}
	stored := *c
	stored.ID = id
	stored.CreatedAt = m.clock().UTC()
	m.byID[id] = &stored
	m.byPlan[c.PlanID] = append(m.byPlan[c.PlanID], id)
	return id, nil
}

// Load implements Store.
func (m *Memory) Load(ctx context.Context, id string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("checkpoint %q not found", id)
	}
	out := *c
	return &out, nil
}

// Latest implements Store.
func (m *Memory) Latest(ctx context.Context, planID string) (*Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := m.byPlan[planID]
	if len(ids) == 0 {
		return nil, nil
	}
	out := *m.byID[ids[len(ids)-1]]
	return &out, nil
}
