package plan

import (
	"time"
)

// ActionKind categorizes entries in the causal chain.
type ActionKind string

const (
	// Plan lifecycle.
	ActionPlanStarted   ActionKind = "PlanStarted"
	ActionPlanCompleted ActionKind = "PlanCompleted"
	ActionPlanAborted   ActionKind = "PlanAborted"
	ActionPlanPaused    ActionKind = "PlanPaused"
	ActionPlanResumed   ActionKind = "PlanResumed"

	// Step lifecycle.
	ActionStepStarted   ActionKind = "StepStarted"
	ActionStepCompleted ActionKind = "StepCompleted"
	ActionStepFailed    ActionKind = "StepFailed"
	ActionStepRetrying  ActionKind = "StepRetrying"

	// Execution and governance.
	ActionCapabilityCall     ActionKind = "CapabilityCall"
	ActionGovernanceDecision ActionKind = "GovernanceDecision"
)

// Well-known Action metadata keys. Metadata is free-form but these keys are
// written by the engine and relied on by queries and idempotent resume.
const (
	MetaDryRun        = "dry_run"
	MetaSimulated     = "simulated"
	MetaSecurityLevel = "security_level"
	MetaApprovalID    = "approval_id"
	MetaDecision      = "decision"
	MetaRuleID        = "rule_id"
	MetaCheckpointID  = "checkpoint_id"
	MetaCostCents     = "cost_cents"
	MetaAttempt       = "attempt"
	MetaReason        = "reason"
	MetaMode          = "mode"
	MetaClamped       = "clamped"
)

// Governance decision values recorded under MetaDecision.
const (
	DecisionPlanValidated     = "plan_validated"
	DecisionPlanRejected      = "plan_rejected"
	DecisionApprovalRequested = "approval_requested"
	DecisionApprovalApplied   = "approval_applied"
	DecisionHintClamped       = "hint_clamped"
	DecisionCallDenied        = "call_denied"
	DecisionCallBlocked       = "call_blocked"
)

// Action is one append-only record of the causal chain. Actions are never
// mutated or deleted; the order of actions for one plan is the append order.
type Action struct {
	ID           string         `json:"id"`
	PlanID       string         `json:"plan_id"`
	IntentID     string         `json:"intent_id,omitempty"`
	Kind         ActionKind     `json:"kind"`
	CapabilityID string         `json:"capability_id,omitempty"`
	Args         map[string]any `json:"args,omitempty"`
	Result       any            `json:"result,omitempty"`
	Error        string         `json:"error,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Timestamp    time.Time      `json:"timestamp"`
}

// WithMeta returns the action with a metadata key set, allocating the map on
// first use.
func (a Action) WithMeta(key string, value any) Action {
	if a.Metadata == nil {
		a.Metadata = make(map[string]any, 4)
	}
	a.Metadata[key] = value
	return a
}

// Terminal reports whether this action ends its plan's run.
func (a *Action) Terminal() bool {
	return a.Kind == ActionPlanCompleted || a.Kind == ActionPlanAborted
}

// NewAction builds an action skeleton; callers fill capability fields and
// metadata as needed. The chain assigns sequence and hashes on append.
func NewAction(kind ActionKind, planID, intentID string) Action {
	return Action{
		PlanID:   planID,
		IntentID: intentID,
		Kind:     kind,
	}
}
