// Package kernel is the pre-flight governance authority. Before any plan
// runs, the kernel sanitizes its intent, resolves the execution mode,
// statically checks every reachable capability against the constitution,
// and binds quota limits. Nothing executes until the kernel has recorded a
// validation decision in the causal chain.
package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/Mindburn-Labs/tiller/pkg/capability"
	"github.com/Mindburn-Labs/tiller/pkg/chain"
	"github.com/Mindburn-Labs/tiller/pkg/constitution"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
	"github.com/Mindburn-Labs/tiller/pkg/quota"
)

// Config wires the kernel's collaborators.
type Config struct {
	Ruleset  *constitution.Ruleset
	Registry capability.Registry
	Chain    chain.Chain
	Logger   *slog.Logger

	// DefaultQuota applies when a plan carries no max_cost policy.
	DefaultQuota quota.Limits

	// Hints bounds plan-author execution hints.
	Hints HintPolicy
}

// Kernel validates plans against the constitution before execution.
type Kernel struct {
	cfg   Config
	clock func() time.Time
}

// New creates a kernel. Ruleset and Chain are required; running without a
// constitution is not a supported configuration.
func New(cfg Config) (*Kernel, error) {
	if cfg.Ruleset == nil {
		return nil, fmt.Errorf("kernel requires a constitution ruleset")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("kernel requires a causal chain")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Hints.zero() {
		cfg.Hints = DefaultHintPolicy()
	}
	return &Kernel{cfg: cfg, clock: time.Now}, nil
}

// WithClock overrides the clock for deterministic testing.
func (k *Kernel) WithClock(clock func() time.Time) *Kernel {
	k.clock = clock
	return k
}

// HintPolicy returns the hint ceilings the kernel applies to plans. Used
// by the orchestrator when it rebuilds a run from a checkpoint.
func (k *Kernel) HintPolicy() HintPolicy {
	return k.cfg.Hints
}

// PreparedPlan is a plan the kernel has admitted for execution, with every
// pre-flight governance fact resolved and frozen.
type PreparedPlan struct {
	Plan   *plan.Plan
	Intent *plan.Intent
	Mode   plan.ExecutionMode

	// StaticVerdicts holds the pre-flight constitution view per capability.
	// The runtime gate re-evaluates with arguments; this view is never
	// weaker than the runtime one.
	StaticVerdicts map[string]constitution.Verdict

	RulesetVersion string
	Quota          quota.Limits
	Hints          HintPolicy
}

// ValidateAndPrepare runs the full pre-flight pipeline. A rejection is
// recorded in the causal chain before the error returns, so every refusal
// is auditable.
func (k *Kernel) ValidateAndPrepare(ctx context.Context, intent *plan.Intent, p *plan.Plan) (*PreparedPlan, error) {
	if p == nil || intent == nil {
		return nil, fmt.Errorf("kernel needs both plan and intent")
	}
	if p.ID == "" || intent.ID == "" {
		return nil, fmt.Errorf("plan and intent need identifiers")
	}
	if p.IntentID != "" && p.IntentID != intent.ID {
		return nil, fmt.Errorf("plan %s references intent %s, got %s", p.ID, p.IntentID, intent.ID)
	}
	if p.Body == nil {
		return nil, k.reject(ctx, p, intent,
			plan.Governance(plan.CodeConstitutionViolation, "plan %s has no body", p.ID))
	}
	if err := p.Body.Validate(); err != nil {
		return nil, k.reject(ctx, p, intent,
			plan.Governance(plan.CodeConstitutionViolation, "plan %s body invalid: %v", p.ID, err))
	}

	if err := sanitizeIntent(intent, p); err != nil {
		return nil, k.reject(ctx, p, intent, err)
	}

	mode, err := resolveMode(intent, p)
	if err != nil {
		return nil, k.reject(ctx, p, intent,
			plan.Governance(plan.CodeConstitutionViolation, "%v", err))
	}

	capabilities := enumerate(p)
	verdicts := make(map[string]constitution.Verdict, len(capabilities))
	forced := approvalOverrides(p)
	for _, id := range capabilities {
		v := k.cfg.Ruleset.Match(id)
		// A rule-certain deny sinks the whole plan only in modes that would
		// perform effects; dry-run and approval-gated plans are admitted and
		// the deny surfaces at the call's checkpoint instead.
		if v.Decision == constitution.Deny && v.RuleID != "" &&
			(mode == plan.ModeFull || mode == plan.ModeSafeOnly) {
			ge := &plan.GovernanceError{
				Code:   plan.CodeConstitutionViolation,
				Reason: fmt.Sprintf("capability %s denied: %s", id, v.Reason),
				RuleID: v.RuleID,
			}
			return nil, k.reject(ctx, p, intent, ge)
		}
		// An unmatched identifier is a runtime Deny, but statically it is
		// only a warning: the manifest may register before the call runs.
		if v.Decision == constitution.Allow && matchesAny(forced, id) {
			v = constitution.Verdict{
				Decision: constitution.RequireApproval,
				RuleID:   v.RuleID,
				Reason:   "plan policy requires approval for this capability",
			}
		}
		verdicts[id] = v
	}

	limits, err := resolveQuota(k.cfg.DefaultQuota, intent, p)
	if err != nil {
		return nil, k.reject(ctx, p, intent,
			plan.Governance(plan.CodeQuotaExceeded, "%v", err))
	}
	if err := k.staticBudgetCheck(ctx, capabilities, limits); err != nil {
		return nil, k.reject(ctx, p, intent, err)
	}

	action := plan.NewAction(plan.ActionGovernanceDecision, p.ID, intent.ID).
		WithMeta(plan.MetaDecision, plan.DecisionPlanValidated).
		WithMeta(plan.MetaMode, string(mode)).
		WithMeta("ruleset_version", k.cfg.Ruleset.Version())
	if _, err := k.cfg.Chain.Append(ctx, action); err != nil {
		return nil, fmt.Errorf("record plan validation: %w", err)
	}
	k.cfg.Logger.Info("plan validated",
		"plan_id", p.ID,
		"intent_id", intent.ID,
		"mode", string(mode),
		"capabilities", len(capabilities),
		"ruleset", k.cfg.Ruleset.Version())

	return &PreparedPlan{
		Plan:           p,
		Intent:         intent,
		Mode:           mode,
		StaticVerdicts: verdicts,
		RulesetVersion: k.cfg.Ruleset.Version(),
		Quota:          limits,
		Hints:          k.cfg.Hints,
	}, nil
}

// reject records the refusal in the chain and returns the governance error.
func (k *Kernel) reject(ctx context.Context, p *plan.Plan, intent *plan.Intent, ge *plan.GovernanceError) error {
	action := plan.NewAction(plan.ActionGovernanceDecision, p.ID, intent.ID).
		WithMeta(plan.MetaDecision, plan.DecisionPlanRejected).
		WithMeta(plan.MetaReason, ge.Reason)
	action.Error = ge.Error()
	if ge.RuleID != "" {
		action = action.WithMeta(plan.MetaRuleID, ge.RuleID)
	}
	if _, err := k.cfg.Chain.Append(ctx, action); err != nil {
		return fmt.Errorf("record plan rejection: %w (original: %s)", err, ge)
	}
	k.cfg.Logger.Warn("plan rejected",
		"plan_id", p.ID,
		"code", string(ge.Code),
		"reason", ge.Reason,
		"rule_id", ge.RuleID)
	return ge
}

// resolveMode picks the execution mode once: plan policy wins over intent
// constraint, the default is full execution.
func resolveMode(intent *plan.Intent, p *plan.Plan) (plan.ExecutionMode, error) {
	if raw, ok := p.Policies[plan.PolicyExecutionMode]; ok {
		return parseModeValue(raw, "plan policy")
	}
	if raw, ok := intent.Constraints[plan.ConstraintExecutionMode]; ok {
		return parseModeValue(raw, "intent constraint")
	}
	return plan.ModeFull, nil
}

func parseModeValue(raw any, source string) (plan.ExecutionMode, error) {
	s, ok := raw.(string)
	if !ok {
		return "", fmt.Errorf("%s execution mode must be a string, got %T", source, raw)
	}
	mode, ok := plan.ParseMode(s)
	if !ok {
		return "", fmt.Errorf("%s has unknown execution mode %q", source, s)
	}
	return mode, nil
}

// enumerate unions the body's literal call targets with the plan's declared
// capability list, preserving first-occurrence order.
func enumerate(p *plan.Plan) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(id string) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, id := range p.Body.Capabilities() {
		add(id)
	}
	for _, id := range p.CapabilitiesRequired {
		add(id)
	}
	return out
}

// approvalOverrides reads the require_approval_for policy, tolerating both
// []string and the []any JSON decoding produces.
func approvalOverrides(p *plan.Plan) []string {
	raw, ok := p.Policies[plan.PolicyRequireApprovalFor]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case string:
		return []string{v}
	}
	return nil
}

func matchesAny(patterns []string, id string) bool {
	for _, pat := range patterns {
		if constitution.MatchGlob(pat, id) {
			return true
		}
	}
	return false
}

// resolveQuota merges default limits with per-plan and per-intent cost
// overrides. The tightest declared cost ceiling wins.
func resolveQuota(defaults quota.Limits, intent *plan.Intent, p *plan.Plan) (quota.Limits, error) {
	limits := defaults
	apply := func(raw any, source string) error {
		cents, err := costCents(raw)
		if err != nil {
			return fmt.Errorf("%s max cost: %w", source, err)
		}
		if limits.MaxCostCents == 0 || cents < limits.MaxCostCents {
			limits.MaxCostCents = cents
		}
		return nil
	}
	if raw, ok := intent.Constraints[plan.ConstraintMaxCost]; ok {
		if err := apply(raw, "intent"); err != nil {
			return limits, err
		}
	}
	if raw, ok := p.Policies[plan.PolicyMaxCost]; ok {
		if err := apply(raw, "plan"); err != nil {
			return limits, err
		}
	}
	return limits, nil
}

func costCents(raw any) (int64, error) {
	switch v := raw.(type) {
	case int:
		return int64(v), nil
	case int64:
		return v, nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", raw)
	}
}

// staticBudgetCheck rejects a plan whose single cheapest execution already
// cannot fit: any one capability whose manifest cost alone exceeds the
// budget. Unresolved manifests are skipped; the runtime gate denies those
// per call.
func (k *Kernel) staticBudgetCheck(ctx context.Context, capabilities []string, limits quota.Limits) *plan.GovernanceError {
	if limits.MaxCostCents <= 0 || k.cfg.Registry == nil {
		return nil
	}
	for _, id := range capabilities {
		manifest, err := k.cfg.Registry.Resolve(ctx, id)
		if err != nil {
			continue
		}
		if manifest.Metadata.CostCents > limits.MaxCostCents {
			return plan.Governance(plan.CodeQuotaExceeded,
				"capability %s costs %d cents per call, over the %d cent budget",
				id, manifest.Metadata.CostCents, limits.MaxCostCents)
		}
	}
	return nil
}
