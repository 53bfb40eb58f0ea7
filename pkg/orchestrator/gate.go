package orchestrator

import (
	"context"
	"strings"
	"time"

	"github.com/Mindburn-Labs/tiller/pkg/capability"
	"github.com/Mindburn-Labs/tiller/pkg/constitution"
	"github.com/Mindburn-Labs/tiller/pkg/criticality"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// callOutcome is the gate's ruling on one pending capability call. Exactly
// one field group is set.
type callOutcome struct {
	// value: the call produced a result (real or simulated).
	value    any
	hasValue bool

	// callErr: a recoverable per-call failure for the interpreter.
	callErr *plan.CallError

	// pause: the call needs human sign-off before anything happens.
	pause *pauseInfo

	// fatal: a governance failure that terminates the run.
	fatal error
}

// handleCall runs the full per-call governance gate and, when permitted,
// the effect itself. The decision procedure is mode-independent up to the
// verdict, then per-mode for how a critical call is treated.
func (o *Orchestrator) handleCall(ctx context.Context, r *run, call *plan.HostCall) callOutcome {
	if out := o.stepStarted(ctx, r, call, call.Args); out != nil {
		return *out
	}

	manifest, err := o.cfg.Registry.Resolve(ctx, call.Capability)
	if err != nil {
		o.recordCallRefusal(ctx, r, call, plan.DecisionCallDenied, "", err.Error())
		return callOutcome{callErr: plan.NewCallError(plan.CallDenied, call.Capability,
			"capability not resolved: %v", err)}
	}

	hints, clamped := r.hints.Clamp(call.Hints)
	if len(clamped) > 0 {
		act := plan.NewAction(plan.ActionGovernanceDecision, r.planID, r.intentID).
			WithMeta(plan.MetaDecision, plan.DecisionHintClamped).
			WithMeta(plan.MetaClamped, clamped)
		act.CapabilityID = call.Capability
		if _, err := o.cfg.Chain.Append(ctx, act); err != nil {
			return callOutcome{fatal: err}
		}
	}

	verdict := o.cfg.Ruleset.Evaluate(call.Capability, call.Args, r.ctxValues())
	// The pre-flight view is never weaker than the runtime one: a plan-level
	// approval override holds even when a rule allows the call.
	if sv, ok := r.verdicts[call.Capability]; ok &&
		sv.Decision == constitution.RequireApproval && verdict.Decision == constitution.Allow {
		verdict = sv
	}
	if verdict.Decision == constitution.Deny {
		o.recordCallRefusal(ctx, r, call, plan.DecisionCallDenied, verdict.RuleID, verdict.Reason)
		return callOutcome{callErr: plan.NewCallError(plan.CallDenied, call.Capability,
			"%s", verdict.Reason)}
	}

	level := classifyCall(call.Capability, manifest, verdict)

	if verdict.Decision == constitution.RequireApproval || manifest.Metadata.RequiresApproval {
		reason := verdict.Reason
		if reason == "" {
			reason = "capability manifest requires approval"
		}
		return callOutcome{pause: &pauseInfo{
			capability: call.Capability,
			args:       call.Args,
			reason:     reason,
		}}
	}

	switch r.mode {
	case plan.ModeDryRun:
		if level.Level >= criticality.Critical {
			return o.simulateCall(ctx, r, call, manifest, level)
		}
	case plan.ModeSafeOnly:
		if level.Level >= criticality.Critical {
			reason := "critical capability blocked in safe-only mode"
			o.recordCallRefusal(ctx, r, call, plan.DecisionCallBlocked, verdict.RuleID, reason)
			return callOutcome{callErr: plan.NewCallError(plan.CallBlocked, call.Capability, "%s", reason)}
		}
	case plan.ModeApprovalGated:
		if level.Level >= criticality.Critical {
			return callOutcome{pause: &pauseInfo{
				capability: call.Capability,
				args:       call.Args,
				reason:     "critical capability in approval-gated mode",
			}}
		}
	}
	return o.executeCall(ctx, r, call, call.Args, manifest, hints, level)
}

// classifyCall derives the call's risk level, letting a matched rule's
// security-level hint override the classifier.
func classifyCall(capabilityID string, manifest *capability.Manifest, verdict constitution.Verdict) criticality.Result {
	meta := &criticality.ManifestMeta{
		SecurityLevel: manifest.Metadata.SecurityLevel,
		Irreversible:  manifest.Metadata.Irreversible,
	}
	if verdict.SecurityLevelHint != "" {
		meta.SecurityLevel = verdict.SecurityLevelHint
	}
	return criticality.Classify(capabilityID, meta)
}

// executeCall performs the real invocation under quota, timeout and retry
// discipline, recording the step lifecycle as it goes.
func (o *Orchestrator) executeCall(ctx context.Context, r *run, call *plan.HostCall, args map[string]any, manifest *capability.Manifest, hints *plan.CallHints, level criticality.Result) callOutcome {
	if err := r.meter.Check(ctx); err != nil {
		return callOutcome{fatal: err}
	}

	maxAttempts := 1
	multiplier := 1.0
	fallback := ""
	if hints != nil {
		// Only non-critical calls may auto-retry; a retried critical effect
		// would be a second critical effect.
		if level.Level < criticality.Critical {
			maxAttempts += hints.MaxRetries
		}
		if hints.TimeoutMultiplier > 0 {
			multiplier = hints.TimeoutMultiplier
		}
		fallback = hints.Fallback
	}
	timeout := time.Duration(float64(o.cfg.BaseTimeout) * multiplier)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		value, err := o.cfg.Registry.Invoke(callCtx, call.Capability, args)
		cancel()
		if err == nil {
			return o.callSucceeded(ctx, r, call, args, value, manifest.Metadata.CostCents, level)
		}
		lastErr = err
		if attempt < maxAttempts {
			retrying := plan.NewAction(plan.ActionStepRetrying, r.planID, r.intentID).
				WithMeta(plan.MetaAttempt, attempt)
			retrying.CapabilityID = call.Capability
			retrying.Error = err.Error()
			if _, aerr := o.cfg.Chain.Append(ctx, retrying); aerr != nil {
				return callOutcome{fatal: aerr}
			}
			select {
			case <-time.After(time.Duration(attempt) * o.cfg.RetryBackoff):
			case <-ctx.Done():
				return callOutcome{fatal: ctx.Err()}
			}
		}
	}

	failed := plan.NewAction(plan.ActionStepFailed, r.planID, r.intentID)
	failed.CapabilityID = call.Capability
	failed.Error = lastErr.Error()
	if _, err := o.cfg.Chain.Append(ctx, failed); err != nil {
		return callOutcome{fatal: err}
	}
	o.cfg.Logger.Warn("capability call failed",
		"plan_id", r.planID,
		"capability", call.Capability,
		"attempts", maxAttempts,
		"error", lastErr.Error())

	if fallback != "" && fallback != call.Capability {
		// The fallback goes through the full gate like any other call,
		// without hints so fallback chains cannot loop.
		fbOut := o.handleCall(ctx, r, &plan.HostCall{
			Capability: fallback,
			Args:       args,
			StepName:   call.StepName,
			StepIndex:  call.StepIndex,
		})
		if fbOut.hasValue || fbOut.fatal != nil {
			return fbOut
		}
	}

	return callOutcome{callErr: plan.NewCallError(plan.CallInvocation, call.Capability, "%s", lastErr.Error())}
}

// simulateCall produces a schema-shaped result without side effects.
// Simulated calls carry zero cost.
func (o *Orchestrator) simulateCall(ctx context.Context, r *run, call *plan.HostCall, manifest *capability.Manifest, level criticality.Result) callOutcome {
	var value any
	if manifest.Metadata.DryRunSimulatable || len(manifest.OutputSchema) > 0 {
		v, err := capability.Simulate(manifest)
		if err != nil {
			return callOutcome{callErr: plan.NewCallError(plan.CallInvocation, call.Capability,
				"simulation failed: %v", err)}
		}
		value = v
	} else {
		value = map[string]any{"simulated": true, "capability": call.Capability, "skipped": true}
	}

	recorded := plan.NewAction(plan.ActionCapabilityCall, r.planID, r.intentID).
		WithMeta(plan.MetaSimulated, true).
		WithMeta(plan.MetaDryRun, true).
		WithMeta(plan.MetaCostCents, int64(0)).
		WithMeta(plan.MetaSecurityLevel, level.Level.String())
	recorded.CapabilityID = call.Capability
	recorded.Args = call.Args
	recorded.Result = value
	if _, err := o.cfg.Chain.Append(ctx, recorded); err != nil {
		return callOutcome{fatal: err}
	}
	if out := o.stepCompleted(ctx, r, call); out != nil {
		return *out
	}
	return callOutcome{value: value, hasValue: true}
}

func (o *Orchestrator) callSucceeded(ctx context.Context, r *run, call *plan.HostCall, args map[string]any, value any, costCents int64, level criticality.Result) callOutcome {
	recorded := plan.NewAction(plan.ActionCapabilityCall, r.planID, r.intentID).
		WithMeta(plan.MetaCostCents, costCents).
		WithMeta(plan.MetaSecurityLevel, level.Level.String())
	recorded.CapabilityID = call.Capability
	recorded.Args = args
	recorded.Result = value
	if _, err := o.cfg.Chain.Append(ctx, recorded); err != nil {
		return callOutcome{fatal: err}
	}
	if _, err := r.meter.Record(ctx, costCents); err != nil {
		return callOutcome{fatal: err}
	}
	if out := o.stepCompleted(ctx, r, call); out != nil {
		return *out
	}
	return callOutcome{value: value, hasValue: true}
}

// stepStarted opens the step record before any decision is taken, so every
// suspension leaves a trace even when the call is refused.
func (o *Orchestrator) stepStarted(ctx context.Context, r *run, call *plan.HostCall, args map[string]any) *callOutcome {
	act := plan.NewAction(plan.ActionStepStarted, r.planID, r.intentID).
		WithMeta("step_name", stepLabel(call)).
		WithMeta("step_index", call.StepIndex)
	act.CapabilityID = call.Capability
	act.Args = args
	if _, err := o.cfg.Chain.Append(ctx, act); err != nil {
		return &callOutcome{fatal: err}
	}
	return nil
}

func (o *Orchestrator) stepCompleted(ctx context.Context, r *run, call *plan.HostCall) *callOutcome {
	act := plan.NewAction(plan.ActionStepCompleted, r.planID, r.intentID).
		WithMeta("step_name", stepLabel(call)).
		WithMeta("step_index", call.StepIndex)
	act.CapabilityID = call.Capability
	if _, err := o.cfg.Chain.Append(ctx, act); err != nil {
		return &callOutcome{fatal: err}
	}
	return nil
}

func (o *Orchestrator) recordCallRefusal(ctx context.Context, r *run, call *plan.HostCall, decision, ruleID, reason string) {
	act := plan.NewAction(plan.ActionGovernanceDecision, r.planID, r.intentID).
		WithMeta(plan.MetaDecision, decision).
		WithMeta(plan.MetaReason, reason)
	if ruleID != "" {
		act = act.WithMeta(plan.MetaRuleID, ruleID)
	}
	act.CapabilityID = call.Capability
	if _, err := o.cfg.Chain.Append(ctx, act); err != nil {
		o.cfg.Logger.Error("failed to record call refusal",
			"plan_id", r.planID, "capability", call.Capability, "error", err.Error())
	}
}

func stepLabel(call *plan.HostCall) string {
	if call.StepName != "" {
		return call.StepName
	}
	return strings.ReplaceAll(call.Capability, ".", "-")
}
