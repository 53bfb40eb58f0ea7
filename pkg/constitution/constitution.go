// Package constitution holds the ordered pattern→decision rule set that
// governs capability calls. A ruleset is immutable and versioned: changes
// ship as a new version, never as in-place mutation, so a run validated
// against version X replays identically against version X forever.
package constitution

import (
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/google/cel-go/cel"
)

// Decision is a constitutional verdict for a capability identifier.
type Decision string

const (
	Allow           Decision = "allow"
	Deny            Decision = "deny"
	RequireApproval Decision = "require_approval"
)

// Rule maps a glob pattern over capability identifiers to a decision.
// Rules are evaluated in declaration order; the first match wins.
type Rule struct {
	ID      string   `yaml:"id" json:"id"`
	Pattern string   `yaml:"match" json:"match"`
	Action  Decision `yaml:"action" json:"action"`
	Reason  string   `yaml:"reason,omitempty" json:"reason,omitempty"`

	// SecurityLevelHint optionally overrides the classifier for calls
	// matched by this rule.
	SecurityLevelHint string `yaml:"security_level,omitempty" json:"security_level,omitempty"`

	// Condition is an optional CEL expression over the call's arguments
	// and run context. A rule with a condition applies only when the
	// condition evaluates to true; evaluation errors make the rule apply
	// as Deny (fail closed).
	Condition string `yaml:"condition,omitempty" json:"condition,omitempty"`

	program cel.Program
}

// Verdict is the outcome of evaluating an identifier against a ruleset.
type Verdict struct {
	Decision          Decision
	RuleID            string
	Reason            string
	SecurityLevelHint string
}

// Ruleset is an immutable, versioned, ordered rule list.
type Ruleset struct {
	version *semver.Version
	rules   []Rule
}

// New builds a ruleset. Conditions are compiled eagerly so a malformed rule
// fails at load time, not at a checkpoint.
func New(version string, rules []Rule) (*Ruleset, error) {
	v, err := semver.NewVersion(version)
	if err != nil {
		return nil, fmt.Errorf("constitution version %q: %w", version, err)
	}
	env, err := conditionEnv()
	if err != nil {
		return nil, err
	}
	compiled := make([]Rule, len(rules))
	for i, r := range rules {
		if r.ID == "" {
			return nil, fmt.Errorf("rule %d has no id", i)
		}
		if r.Pattern == "" {
			return nil, fmt.Errorf("rule %q has no match pattern", r.ID)
		}
		switch r.Action {
		case Allow, Deny, RequireApproval:
		default:
			return nil, fmt.Errorf("rule %q has unknown action %q", r.ID, r.Action)
		}
		if r.Condition != "" {
			prg, err := compileCondition(env, r.Condition)
			if err != nil {
				return nil, fmt.Errorf("rule %q condition: %w", r.ID, err)
			}
			r.program = prg
		}
		compiled[i] = r
	}
	return &Ruleset{version: v, rules: compiled}, nil
}

// Version returns the ruleset version string.
func (rs *Ruleset) Version() string {
	return rs.version.String()
}

// Rules returns a copy of the rule list, without compiled programs.
func (rs *Ruleset) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	copy(out, rs.rules)
	for i := range out {
		out[i].program = nil
	}
	return out
}

// Match evaluates an identifier without call arguments. Rules carrying a
// condition are skipped, since a condition needs arguments to evaluate;
// this is the static pre-flight view used by the governance kernel, which
// therefore never yields a weaker decision than the runtime gate.
func (rs *Ruleset) Match(capabilityID string) Verdict {
	for _, r := range rs.rules {
		if !MatchGlob(r.Pattern, capabilityID) {
			continue
		}
		if r.Condition != "" {
			// A conditional Allow cannot be certain statically; treat
			// it as requiring the runtime gate to decide.
			if r.Action == Allow {
				continue
			}
		}
		return verdictFor(r)
	}
	return noMatch(capabilityID)
}

// Evaluate resolves the decision for one concrete call. Matching is total
// and deterministic: it always terminates with exactly one decision, and an
// identifier no rule matches is denied.
func (rs *Ruleset) Evaluate(capabilityID string, args map[string]any, runCtx map[string]any) Verdict {
	for _, r := range rs.rules {
		if !MatchGlob(r.Pattern, capabilityID) {
			continue
		}
		if r.program != nil {
			ok, err := evalCondition(r.program, capabilityID, args, runCtx)
			if err != nil {
				return Verdict{
					Decision: Deny,
					RuleID:   r.ID,
					Reason:   fmt.Sprintf("condition evaluation failed: %v", err),
				}
			}
			if !ok {
				continue
			}
		}
		return verdictFor(r)
	}
	return noMatch(capabilityID)
}

func verdictFor(r Rule) Verdict {
	return Verdict{
		Decision:          r.Action,
		RuleID:            r.ID,
		Reason:            r.Reason,
		SecurityLevelHint: r.SecurityLevelHint,
	}
}

func noMatch(capabilityID string) Verdict {
	return Verdict{
		Decision: Deny,
		Reason:   fmt.Sprintf("no constitution rule matches %q", capabilityID),
	}
}
