package chain

import (
	"context"

	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// RunPhase is the derived lifecycle phase of a plan, computed purely from
// its recorded actions.
type RunPhase string

const (
	PhaseUnknown   RunPhase = "unknown"
	PhaseRunning   RunPhase = "running"
	PhasePaused    RunPhase = "paused"
	PhaseCompleted RunPhase = "completed"
	PhaseAborted   RunPhase = "aborted"
)

// RunState summarizes what the chain knows about a plan. A checkpoint exists
// iff Phase is PhasePaused; the terminal result, if any, is the result of
// the terminal action.
type RunState struct {
	Phase        RunPhase
	Terminal     *plan.Action
	CheckpointID string
	ApprovalID   string
}

// StateOf derives the run state of a plan from the chain. The latest
// lifecycle action wins: a PlanPaused not followed by PlanResumed or a
// terminal action means the plan is paused.
func StateOf(ctx context.Context, c Chain, planID string) (*RunState, error) {
	entries, err := c.ActionsFor(ctx, planID)
	if err != nil {
		return nil, err
	}

	st := &RunState{Phase: PhaseUnknown}
	for i := range entries {
		a := entries[i].Action
		switch a.Kind {
		case plan.ActionPlanStarted, plan.ActionPlanResumed:
			st.Phase = PhaseRunning
			st.CheckpointID = ""
			st.ApprovalID = ""
		case plan.ActionPlanPaused:
			st.Phase = PhasePaused
			if v, ok := a.Metadata[plan.MetaCheckpointID].(string); ok {
				st.CheckpointID = v
			}
			if v, ok := a.Metadata[plan.MetaApprovalID].(string); ok {
				st.ApprovalID = v
			}
		case plan.ActionPlanCompleted:
			st.Phase = PhaseCompleted
			act := a
			st.Terminal = &act
		case plan.ActionPlanAborted:
			st.Phase = PhaseAborted
			act := a
			st.Terminal = &act
		}
	}
	return st, nil
}

// ConsumedCost sums the recorded cost of CapabilityCall actions for a plan.
// Simulated calls carry zero cost and do not count toward the budget.
func ConsumedCost(ctx context.Context, c Chain, planID string) (int64, error) {
	entries, err := c.ActionsFor(ctx, planID)
	if err != nil {
		return 0, err
	}
	var total int64
	for i := range entries {
		a := entries[i].Action
		if a.Kind != plan.ActionCapabilityCall {
			continue
		}
		switch v := a.Metadata[plan.MetaCostCents].(type) {
		case int64:
			total += v
		case float64:
			total += int64(v)
		case int:
			total += int64(v)
		}
	}
	return total, nil
}

// FilterKind returns only the entries whose action has the given kind.
func FilterKind(entries []Entry, kind plan.ActionKind) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if e.Action.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}
