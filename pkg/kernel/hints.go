package kernel

import (
	"fmt"

	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// HintPolicy bounds the execution hints a plan author may attach to a call.
// Hints are advisory; values past a ceiling are clamped, not rejected, and
// every clamp is recorded in the causal chain.
type HintPolicy struct {
	MaxRetries           int      `yaml:"max_retries" json:"max_retries"`
	MaxTimeoutMultiplier float64  `yaml:"max_timeout_multiplier" json:"max_timeout_multiplier"`
	AllowedFallbacks     []string `yaml:"allowed_fallbacks" json:"allowed_fallbacks"`
}

// DefaultHintPolicy mirrors a conservative operational ceiling.
func DefaultHintPolicy() HintPolicy {
	return HintPolicy{
		MaxRetries:           5,
		MaxTimeoutMultiplier: 10.0,
		AllowedFallbacks:     []string{"*"},
	}
}

func (hp HintPolicy) zero() bool {
	return hp.MaxRetries == 0 && hp.MaxTimeoutMultiplier == 0 && len(hp.AllowedFallbacks) == 0
}

// Clamp returns hints bounded by the policy and a list of human-readable
// clamp descriptions, empty when the hints were already in bounds. A
// fallback capability outside the allowlist is dropped entirely.
func (hp HintPolicy) Clamp(hints *plan.CallHints) (*plan.CallHints, []string) {
	if hints == nil {
		return nil, nil
	}
	out := *hints
	var clamped []string
	if hp.MaxRetries > 0 && out.MaxRetries > hp.MaxRetries {
		clamped = append(clamped, fmt.Sprintf("max_retries %d lowered to %d", out.MaxRetries, hp.MaxRetries))
		out.MaxRetries = hp.MaxRetries
	}
	if out.MaxRetries < 0 {
		clamped = append(clamped, fmt.Sprintf("max_retries %d raised to 0", out.MaxRetries))
		out.MaxRetries = 0
	}
	if hp.MaxTimeoutMultiplier > 0 && out.TimeoutMultiplier > hp.MaxTimeoutMultiplier {
		clamped = append(clamped, fmt.Sprintf("timeout_multiplier %.1f lowered to %.1f", out.TimeoutMultiplier, hp.MaxTimeoutMultiplier))
		out.TimeoutMultiplier = hp.MaxTimeoutMultiplier
	}
	if out.TimeoutMultiplier < 0 {
		clamped = append(clamped, fmt.Sprintf("timeout_multiplier %.1f raised to 0", out.TimeoutMultiplier))
		out.TimeoutMultiplier = 0
	}
	if out.Fallback != "" && !matchesAny(fallbackPatterns(hp), out.Fallback) {
		clamped = append(clamped, fmt.Sprintf("fallback %q not in allowlist, dropped", out.Fallback))
		out.Fallback = ""
	}
	return &out, clamped
}

func fallbackPatterns(hp HintPolicy) []string {
	if len(hp.AllowedFallbacks) == 0 {
		return []string{"*"}
	}
	return hp.AllowedFallbacks
}
