// Package plan defines the shared data model of the execution engine:
// Intents, Plans, Actions, execution modes and results. Everything here is
// plain data; components reference each other by identifier, never by
// pointer, so records can be archived and replayed.
package plan

import (
	"time"
)

// Intent is the declared goal and constraints behind a Plan. It is produced
// externally (by a planner or a human) and is immutable once submitted.
type Intent struct {
	ID          string         `json:"id"`
	Goal        string         `json:"goal"`
	Constraints map[string]any `json:"constraints,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Well-known Intent constraint keys.
const (
	ConstraintExecutionMode = "execution-mode"
	ConstraintSecurityLevel = "security-level"
	ConstraintMaxCost       = "max-cost"
)

// Plan is an externally produced, evaluable program executed under
// governance. The body is an expression tree; policies carry per-plan
// governance overrides. A plan is archived by id on first execution and
// immutable thereafter.
type Plan struct {
	ID                   string         `json:"id"`
	IntentID             string         `json:"intent_id,omitempty"`
	Body                 *Expr          `json:"body"`
	Policies             map[string]any `json:"policies,omitempty"`
	CapabilitiesRequired []string       `json:"capabilities_required,omitempty"`
	Metadata             map[string]any `json:"metadata,omitempty"`
}

// Well-known Plan policy keys.
const (
	PolicyExecutionMode      = "execution_mode"
	PolicyRequireApprovalFor = "require_approval_for"
	PolicyMaxCost            = "max_cost"
)

// ExecutionMode governs how critical calls are treated for an entire run.
// It is resolved exactly once, before execution starts.
type ExecutionMode string

const (
	ModeFull          ExecutionMode = "full"
	ModeDryRun        ExecutionMode = "dry-run"
	ModeSafeOnly      ExecutionMode = "safe-only"
	ModeApprovalGated ExecutionMode = "require-approval"
)

// ParseMode normalizes a user-supplied mode string. Keyword prefixes and
// quoting from upstream plan sources are stripped. Unknown values map to
// ModeFull only when empty; otherwise they are returned as-is so the caller
// can reject them.
func ParseMode(s string) (ExecutionMode, bool) {
	trimmed := trimModeToken(s)
	switch ExecutionMode(trimmed) {
	case ModeFull, ModeDryRun, ModeSafeOnly, ModeApprovalGated:
		return ExecutionMode(trimmed), true
	case "":
		return ModeFull, true
	}
	return ExecutionMode(trimmed), false
}

func trimModeToken(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == ' ' || c == '\t' || c == '"' || c == ':' {
			continue
		}
		if c >= 'A' && c <= 'Z' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}

// ExecutionResult is the terminal (or paused) outcome of driving a plan.
type ExecutionResult struct {
	PlanID       string         `json:"plan_id"`
	Success      bool           `json:"success"`
	Value        any            `json:"value,omitempty"`
	Error        string         `json:"error,omitempty"`
	Paused       bool           `json:"paused,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	ApprovalID   string         `json:"approval_id,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// Terminal reports whether the run reached a final state. A paused run is
// not terminal; resuming it continues the same causal chain.
func (r *ExecutionResult) Terminal() bool {
	return r != nil && !r.Paused
}
