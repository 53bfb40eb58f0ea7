// Package orchestrator drives validated plans to completion. It owns the
// interpreter loop: every time the machine suspends on a capability call,
// the orchestrator consults the constitution and the quota meter, performs
// or refuses the effect, records the outcome in the causal chain, and hands
// control back. Pauses for human approval become checkpoints; resuming a
// checkpoint continues the same causal chain.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/tiller/pkg/approval"
	"github.com/Mindburn-Labs/tiller/pkg/capability"
	"github.com/Mindburn-Labs/tiller/pkg/chain"
	"github.com/Mindburn-Labs/tiller/pkg/checkpoint"
	"github.com/Mindburn-Labs/tiller/pkg/constitution"
	"github.com/Mindburn-Labs/tiller/pkg/interp"
	"github.com/Mindburn-Labs/tiller/pkg/kernel"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
	"github.com/Mindburn-Labs/tiller/pkg/quota"
)

// Config wires the orchestrator's collaborators. Kernel, Registry, Chain,
// Ruleset, Approvals and Checkpoints are required.
type Config struct {
	Kernel      *kernel.Kernel
	Registry    capability.Registry
	Chain       chain.Chain
	Ruleset     *constitution.Ruleset
	Approvals   *approval.Gateway
	Checkpoints checkpoint.Store
	QuotaStore  quota.Store
	Logger      *slog.Logger

	// ParallelLimit bounds concurrent branches of one parallel block.
	ParallelLimit int

	// BaseTimeout is the per-call timeout before hint multipliers.
	BaseTimeout time.Duration

	// RetryBackoff is the base delay between retry attempts; attempt n
	// waits n times this.
	RetryBackoff time.Duration

	// ApprovalTimeout bounds how long an approval request stays open.
	ApprovalTimeout time.Duration
}

// Orchestrator executes prepared plans.
type Orchestrator struct {
	cfg   Config
	clock func() time.Time
}

// New creates an orchestrator, applying defaults for unset tunables.
func New(cfg Config) (*Orchestrator, error) {
	switch {
	case cfg.Kernel == nil:
		return nil, fmt.Errorf("orchestrator requires a kernel")
	case cfg.Registry == nil:
		return nil, fmt.Errorf("orchestrator requires a capability registry")
	case cfg.Chain == nil:
		return nil, fmt.Errorf("orchestrator requires a causal chain")
	case cfg.Ruleset == nil:
		return nil, fmt.Errorf("orchestrator requires a constitution ruleset")
	case cfg.Approvals == nil:
		return nil, fmt.Errorf("orchestrator requires an approval gateway")
	case cfg.Checkpoints == nil:
		return nil, fmt.Errorf("orchestrator requires a checkpoint store")
	}
	if cfg.QuotaStore == nil {
		cfg.QuotaStore = quota.NewMemoryStore()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ParallelLimit <= 0 {
		cfg.ParallelLimit = 4
	}
	if cfg.BaseTimeout <= 0 {
		cfg.BaseTimeout = 30 * time.Second
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 250 * time.Millisecond
	}
	if cfg.ApprovalTimeout <= 0 {
		cfg.ApprovalTimeout = approval.DefaultTimeout
	}
	return &Orchestrator{cfg: cfg, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (o *Orchestrator) WithClock(clock func() time.Time) *Orchestrator {
	o.clock = clock
	return o
}

// run carries the per-execution state shared by the call gate and the
// branch pool.
type run struct {
	planID         string
	intentID       string
	mode           plan.ExecutionMode
	meter          *quota.Meter
	hints          kernel.HintPolicy
	verdicts       map[string]constitution.Verdict
	rulesetVersion string
	quota          quota.Limits
	startedAt      time.Time
}

func (r *run) ctxValues() map[string]any {
	return map[string]any{
		"plan_id":   r.planID,
		"intent_id": r.intentID,
		"mode":      string(r.mode),
	}
}

// Execute validates, then drives a plan from its beginning. Re-executing a
// plan the chain already finished returns the recorded outcome instead of
// running anything again.
func (o *Orchestrator) Execute(ctx context.Context, intent *plan.Intent, p *plan.Plan) (*plan.ExecutionResult, error) {
	if p != nil {
		state, err := chain.StateOf(ctx, o.cfg.Chain, p.ID)
		if err != nil {
			return nil, err
		}
		switch state.Phase {
		case chain.PhaseCompleted, chain.PhaseAborted:
			return resultFromTerminal(p.ID, state.Terminal), nil
		case chain.PhasePaused:
			return nil, fmt.Errorf("plan %s is paused at checkpoint %s; resume it instead", p.ID, state.CheckpointID)
		case chain.PhaseRunning:
			return nil, fmt.Errorf("plan %s is already running", p.ID)
		}
	}

	prepared, err := o.cfg.Kernel.ValidateAndPrepare(ctx, intent, p)
	if err != nil {
		if ge, ok := plan.IsGovernance(err); ok {
			return &plan.ExecutionResult{PlanID: p.ID, Success: false, Error: ge.Error()}, nil
		}
		return nil, err
	}

	startedAt := o.clock().UTC()
	r := &run{
		planID:         p.ID,
		intentID:       intent.ID,
		mode:           prepared.Mode,
		meter:          quota.NewMeter(p.ID, prepared.Quota, o.cfg.QuotaStore, startedAt),
		hints:          prepared.Hints,
		verdicts:       prepared.StaticVerdicts,
		rulesetVersion: prepared.RulesetVersion,
		quota:          prepared.Quota,
		startedAt:      startedAt,
	}

	started := plan.NewAction(plan.ActionPlanStarted, r.planID, r.intentID).
		WithMeta(plan.MetaMode, string(r.mode))
	if _, err := o.cfg.Chain.Append(ctx, started); err != nil {
		return nil, fmt.Errorf("record plan start: %w", err)
	}
	o.cfg.Logger.Info("plan started", "plan_id", r.planID, "mode", string(r.mode))

	m, err := interp.New(p.Body)
	if err != nil {
		return nil, err
	}
	res, runErr := m.Run()
	return o.finish(ctx, r, o.drive(ctx, r, m, res, runErr))
}

// outcome is the result of driving a machine to quiescence.
type outcome struct {
	value any
	pause *pauseInfo
	err   error
}

// finish converts a drive outcome into chain records and a result.
func (o *Orchestrator) finish(ctx context.Context, r *run, out outcome) (*plan.ExecutionResult, error) {
	switch {
	case out.err != nil:
		aborted := plan.NewAction(plan.ActionPlanAborted, r.planID, r.intentID)
		aborted.Error = out.err.Error()
		if ge, ok := plan.IsGovernance(out.err); ok {
			aborted = aborted.WithMeta(plan.MetaReason, ge.Reason)
			if ge.RuleID != "" {
				aborted = aborted.WithMeta(plan.MetaRuleID, ge.RuleID)
			}
		}
		if _, err := o.cfg.Chain.Append(ctx, aborted); err != nil {
			return nil, fmt.Errorf("record plan abort: %w", err)
		}
		o.cfg.Logger.Warn("plan aborted", "plan_id", r.planID, "error", out.err.Error())
		return &plan.ExecutionResult{PlanID: r.planID, Success: false, Error: out.err.Error()}, nil

	case out.pause != nil:
		return o.pause(ctx, r, out.pause)

	default:
		completed := plan.NewAction(plan.ActionPlanCompleted, r.planID, r.intentID)
		completed.Result = out.value
		if _, err := o.cfg.Chain.Append(ctx, completed); err != nil {
			return nil, fmt.Errorf("record plan completion: %w", err)
		}
		o.cfg.Logger.Info("plan completed", "plan_id", r.planID)
		return &plan.ExecutionResult{PlanID: r.planID, Success: true, Value: out.value}, nil
	}
}

// pause files the approval request, saves the checkpoint and records the
// pause, in that order, so a crash between steps leaves a resumable trail.
func (o *Orchestrator) pause(ctx context.Context, r *run, pi *pauseInfo) (*plan.ExecutionResult, error) {
	req, err := o.cfg.Approvals.Create(ctx, approval.Request{
		PlanID:     r.planID,
		IntentID:   r.intentID,
		Capability: pi.capability,
		Args:       pi.args,
		Reason:     pi.reason,
	}, o.cfg.ApprovalTimeout)
	if err != nil {
		return nil, fmt.Errorf("create approval request: %w", err)
	}

	cp := &checkpoint.Checkpoint{
		PlanID:         r.planID,
		IntentID:       r.intentID,
		Mode:           r.mode,
		RulesetVersion: r.rulesetVersion,
		Machine:        pi.machine,
		Branches:       pi.branches,
		PausedBranch:   pi.pausedBranch,
		ApprovalID:     req.ID,
		Verdicts:       r.verdicts,
		Quota:          r.quota,
		StartedAt:      r.startedAt,
	}
	cpID, err := o.cfg.Checkpoints.Save(ctx, cp)
	if err != nil {
		return nil, fmt.Errorf("save checkpoint: %w", err)
	}

	requested := plan.NewAction(plan.ActionGovernanceDecision, r.planID, r.intentID).
		WithMeta(plan.MetaDecision, plan.DecisionApprovalRequested).
		WithMeta(plan.MetaApprovalID, req.ID).
		WithMeta(plan.MetaReason, pi.reason)
	requested.CapabilityID = pi.capability
	if _, err := o.cfg.Chain.Append(ctx, requested); err != nil {
		return nil, fmt.Errorf("record approval request: %w", err)
	}

	paused := plan.NewAction(plan.ActionPlanPaused, r.planID, r.intentID).
		WithMeta(plan.MetaCheckpointID, cpID).
		WithMeta(plan.MetaApprovalID, req.ID)
	if _, err := o.cfg.Chain.Append(ctx, paused); err != nil {
		return nil, fmt.Errorf("record plan pause: %w", err)
	}
	o.cfg.Logger.Info("plan paused for approval",
		"plan_id", r.planID,
		"capability", pi.capability,
		"approval_id", req.ID,
		"checkpoint_id", cpID)

	return &plan.ExecutionResult{
		PlanID:       r.planID,
		Paused:       true,
		CheckpointID: cpID,
		ApprovalID:   req.ID,
	}, nil
}

func resultFromTerminal(planID string, terminal *plan.Action) *plan.ExecutionResult {
	if terminal == nil {
		return &plan.ExecutionResult{PlanID: planID, Success: false, Error: "no terminal action recorded"}
	}
	if terminal.Kind == plan.ActionPlanCompleted {
		return &plan.ExecutionResult{PlanID: planID, Success: true, Value: terminal.Result}
	}
	return &plan.ExecutionResult{PlanID: planID, Success: false, Error: terminal.Error}
}
