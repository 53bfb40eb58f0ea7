package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/Mindburn-Labs/tiller/pkg/approval"
	"github.com/Mindburn-Labs/tiller/pkg/chain"
	"github.com/Mindburn-Labs/tiller/pkg/checkpoint"
	"github.com/Mindburn-Labs/tiller/pkg/criticality"
	"github.com/Mindburn-Labs/tiller/pkg/interp"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
	"github.com/Mindburn-Labs/tiller/pkg/quota"
)

// Resume continues a paused plan once its approval request has resolved.
// An approved decision performs the held call (with modified arguments if
// the approver rewrote them) and drives the plan on; a rejected or expired
// decision aborts the plan. Resuming an already-finished plan returns the
// recorded outcome.
func (o *Orchestrator) Resume(ctx context.Context, checkpointID string) (*plan.ExecutionResult, error) {
	cp, err := o.cfg.Checkpoints.Load(ctx, checkpointID)
	if err != nil {
		return nil, err
	}

	state, err := chain.StateOf(ctx, o.cfg.Chain, cp.PlanID)
	if err != nil {
		return nil, err
	}
	switch state.Phase {
	case chain.PhaseCompleted, chain.PhaseAborted:
		return resultFromTerminal(cp.PlanID, state.Terminal), nil
	case chain.PhaseRunning:
		return nil, fmt.Errorf("plan %s is already running", cp.PlanID)
	case chain.PhasePaused:
		if state.CheckpointID != checkpointID {
			return nil, fmt.Errorf("checkpoint %s is stale; plan %s paused at %s",
				checkpointID, cp.PlanID, state.CheckpointID)
		}
	default:
		return nil, fmt.Errorf("plan %s has no recorded pause", cp.PlanID)
	}

	o.cfg.Approvals.ExpireDue(ctx)
	decision, ok := o.cfg.Approvals.DecisionFor(cp.ApprovalID)
	if !ok {
		return nil, fmt.Errorf("approval %s for plan %s is still pending", cp.ApprovalID, cp.PlanID)
	}

	resumed := plan.NewAction(plan.ActionPlanResumed, cp.PlanID, cp.IntentID).
		WithMeta(plan.MetaCheckpointID, checkpointID).
		WithMeta(plan.MetaApprovalID, cp.ApprovalID)
	if _, err := o.cfg.Chain.Append(ctx, resumed); err != nil {
		return nil, fmt.Errorf("record plan resume: %w", err)
	}
	applied := plan.NewAction(plan.ActionGovernanceDecision, cp.PlanID, cp.IntentID).
		WithMeta(plan.MetaDecision, plan.DecisionApprovalApplied).
		WithMeta(plan.MetaApprovalID, cp.ApprovalID).
		WithMeta("status", string(decision.Status)).
		WithMeta("decided_by", decision.DecidedBy)
	if _, err := o.cfg.Chain.Append(ctx, applied); err != nil {
		return nil, fmt.Errorf("record approval application: %w", err)
	}
	o.cfg.Logger.Info("plan resumed",
		"plan_id", cp.PlanID,
		"checkpoint_id", checkpointID,
		"approval_status", string(decision.Status))

	r := &run{
		planID:         cp.PlanID,
		intentID:       cp.IntentID,
		mode:           cp.Mode,
		meter:          quota.NewMeter(cp.PlanID, cp.Quota, o.cfg.QuotaStore, cp.StartedAt),
		hints:          o.cfg.Kernel.HintPolicy(),
		verdicts:       cp.Verdicts,
		rulesetVersion: cp.RulesetVersion,
		quota:          cp.Quota,
		startedAt:      cp.StartedAt,
	}

	m, err := interp.Restore(cp.Machine)
	if err != nil {
		return nil, err
	}

	if len(cp.Branches) > 0 {
		return o.finish(ctx, r, o.resumeParallel(ctx, r, m, cp, decision))
	}

	pending := m.PendingCall()
	if pending == nil {
		return nil, fmt.Errorf("checkpoint %s has no pending call", checkpointID)
	}
	co := o.applyDecision(ctx, r, pending, decision)
	return o.finish(ctx, r, o.continueCall(ctx, r, m, co))
}

// applyDecision turns a resolved approval into a gate outcome for the held
// call. The constitution is not re-consulted: the human ruling supersedes
// the rule that requested it, but quota and mode treatment still apply.
func (o *Orchestrator) applyDecision(ctx context.Context, r *run, pending *plan.HostCall, d *approval.Decision) callOutcome {
	if !d.Approved() {
		// The resolution reason carries through verbatim so the abort
		// record reads exactly what the approver wrote.
		reason := d.Reason
		if reason == "" {
			reason = fmt.Sprintf("approval %s resolved %s", d.RequestID, d.Status)
		}
		return callOutcome{fatal: &plan.GovernanceError{
			Code:   plan.CodeApprovalRejected,
			Reason: reason,
		}}
	}

	args := pending.Args
	if d.ModifiedArgs != nil {
		args = d.ModifiedArgs
	}
	manifest, err := o.cfg.Registry.Resolve(ctx, pending.Capability)
	if err != nil {
		return callOutcome{callErr: plan.NewCallError(plan.CallDenied, pending.Capability,
			"capability not resolved: %v", err)}
	}
	level := criticality.Classify(pending.Capability, &criticality.ManifestMeta{
		SecurityLevel: manifest.Metadata.SecurityLevel,
		Irreversible:  manifest.Metadata.Irreversible,
	})

	call := *pending
	call.Args = args
	if out := o.stepStarted(ctx, r, &call, args); out != nil {
		return *out
	}
	// An approval with rewritten arguments proceeds as a real call even in
	// dry-run: the approver sanctioned this exact effect.
	if r.mode == plan.ModeDryRun && level.Level >= criticality.Critical && d.ModifiedArgs == nil {
		return o.simulateCall(ctx, r, &call, manifest, level)
	}
	hints, _ := r.hints.Clamp(call.Hints)
	return o.executeCall(ctx, r, &call, args, manifest, hints, level)
}

// continueCall feeds a gate outcome into a suspended machine and drives it
// to its next quiescent point.
func (o *Orchestrator) continueCall(ctx context.Context, r *run, m *interp.Machine, out callOutcome) outcome {
	switch {
	case out.fatal != nil:
		return outcome{err: out.fatal}
	case out.pause != nil:
		snap, err := m.Snapshot()
		if err != nil {
			return outcome{err: err}
		}
		out.pause.machine = snap
		return outcome{pause: out.pause}
	case out.callErr != nil:
		res, runErr := m.ResumeError(out.callErr)
		return o.drive(ctx, r, m, res, runErr)
	default:
		res, runErr := m.ResumeValue(out.value)
		return o.drive(ctx, r, m, res, runErr)
	}
}

// resumeParallel rebuilds every branch of a paused parallel block. The
// branch the approval was for gets the decision; other unsettled branches
// re-enter the gate and may raise fresh approval requests.
func (o *Orchestrator) resumeParallel(ctx context.Context, r *run, m *interp.Machine, cp *checkpoint.Checkpoint, decision *approval.Decision) outcome {
	results := make([]oneBranch, len(cp.Branches))
	for i := range cp.Branches {
		results[i] = o.resumeBranch(ctx, r, cp.Branches[i], decision, i == cp.PausedBranch)
	}
	bout := o.settleBranches(results)
	switch {
	case bout.fatal != nil:
		return outcome{err: bout.fatal}
	case bout.pause != nil:
		snap, err := m.Snapshot()
		if err != nil {
			return outcome{err: err}
		}
		bout.pause.machine = snap
		return outcome{pause: bout.pause}
	case bout.err != nil:
		res, runErr := m.ResumeError(bout.err)
		return o.drive(ctx, r, m, res, runErr)
	default:
		res, runErr := m.ResumeBranches(bout.values)
		return o.drive(ctx, r, m, res, runErr)
	}
}

// resumeBranch restores one branch state. lead marks the branch holding
// the call the decision is for; nested parallel blocks recurse with lead
// following the recorded paused index.
func (o *Orchestrator) resumeBranch(ctx context.Context, r *run, bs checkpoint.BranchState, decision *approval.Decision, lead bool) oneBranch {
	if bs.Settled {
		if bs.Error != "" {
			return oneBranch{err: errors.New(bs.Error)}
		}
		return oneBranch{value: bs.Value}
	}

	bm, err := interp.Restore(bs.Machine)
	if err != nil {
		return oneBranch{err: err}
	}

	if len(bs.Branches) > 0 {
		results := make([]oneBranch, len(bs.Branches))
		for i := range bs.Branches {
			results[i] = o.resumeBranch(ctx, r, bs.Branches[i], decision, lead && i == bs.PausedBranch)
		}
		bout := o.settleBranches(results)
		var out outcome
		switch {
		case bout.fatal != nil:
			out = outcome{err: bout.fatal}
		case bout.pause != nil:
			snap, err := bm.Snapshot()
			if err != nil {
				return oneBranch{err: err}
			}
			bout.pause.machine = snap
			out = outcome{pause: bout.pause}
		case bout.err != nil:
			res, runErr := bm.ResumeError(bout.err)
			out = o.drive(ctx, r, bm, res, runErr)
		default:
			res, runErr := bm.ResumeBranches(bout.values)
			out = o.drive(ctx, r, bm, res, runErr)
		}
		return oneBranch{value: out.value, err: out.err, pause: out.pause}
	}

	pending := bm.PendingCall()
	if pending == nil {
		return oneBranch{err: fmt.Errorf("branch snapshot has no pending call")}
	}
	var co callOutcome
	if lead {
		co = o.applyDecision(ctx, r, pending, decision)
	} else {
		co = o.handleCall(ctx, r, pending)
	}
	out := o.continueCall(ctx, r, bm, co)
	return oneBranch{value: out.value, err: out.err, pause: out.pause}
}
