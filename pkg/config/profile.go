package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/tiller/pkg/kernel"
	"github.com/Mindburn-Labs/tiller/pkg/quota"
)

// ExecutionProfile is a named operational configuration for the engine.
// Profiles bundle the defaults a deployment applies to every plan it runs:
// execution mode, quota ceilings, hint clamps, and scheduling knobs.
type ExecutionProfile struct {
	Name              string       `yaml:"name" json:"name"`
	Code              string       `yaml:"code" json:"code"`
	DefaultMode       string       `yaml:"default_mode,omitempty" json:"default_mode,omitempty"`
	Quota             QuotaProfile `yaml:"quota" json:"quota"`
	Hints             HintProfile  `yaml:"hints" json:"hints"`
	ParallelLimit     int          `yaml:"parallel_limit,omitempty" json:"parallel_limit,omitempty"`
	BaseTimeoutMs     int          `yaml:"base_timeout_ms,omitempty" json:"base_timeout_ms,omitempty"`
	RetryBackoffMs    int          `yaml:"retry_backoff_ms,omitempty" json:"retry_backoff_ms,omitempty"`
	ApprovalTimeoutMs int          `yaml:"approval_timeout_ms,omitempty" json:"approval_timeout_ms,omitempty"`
}

// QuotaProfile holds budget ceilings per profile.
type QuotaProfile struct {
	MaxCostCents   int64   `yaml:"max_cost_cents,omitempty" json:"max_cost_cents,omitempty"`
	MaxCalls       int64   `yaml:"max_calls,omitempty" json:"max_calls,omitempty"`
	MaxDurationMs  int     `yaml:"max_duration_ms,omitempty" json:"max_duration_ms,omitempty"`
	CallsPerSecond float64 `yaml:"calls_per_second,omitempty" json:"calls_per_second,omitempty"`
	Burst          int     `yaml:"burst,omitempty" json:"burst,omitempty"`
}

// HintProfile holds interpreter hint ceilings per profile.
type HintProfile struct {
	MaxRetries           int      `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	MaxTimeoutMultiplier float64  `yaml:"max_timeout_multiplier,omitempty" json:"max_timeout_multiplier,omitempty"`
	AllowedFallbacks     []string `yaml:"allowed_fallbacks,omitempty" json:"allowed_fallbacks,omitempty"`
}

// Limits converts the profile quota section into engine limits.
func (q QuotaProfile) Limits() quota.Limits {
	return quota.Limits{
		MaxCostCents:   q.MaxCostCents,
		MaxCalls:       q.MaxCalls,
		MaxDuration:    time.Duration(q.MaxDurationMs) * time.Millisecond,
		CallsPerSecond: q.CallsPerSecond,
		Burst:          q.Burst,
	}
}

// Policy converts the profile hint section into a kernel clamp policy.
// Unset fields fall back to the kernel defaults.
func (h HintProfile) Policy() kernel.HintPolicy {
	policy := kernel.DefaultHintPolicy()
	if h.MaxRetries > 0 {
		policy.MaxRetries = h.MaxRetries
	}
	if h.MaxTimeoutMultiplier > 0 {
		policy.MaxTimeoutMultiplier = h.MaxTimeoutMultiplier
	}
	if len(h.AllowedFallbacks) > 0 {
		policy.AllowedFallbacks = h.AllowedFallbacks
	}
	return policy
}

// BaseTimeout returns the per-attempt call timeout, zero when unset.
func (p *ExecutionProfile) BaseTimeout() time.Duration {
	return time.Duration(p.BaseTimeoutMs) * time.Millisecond
}

// RetryBackoff returns the linear retry backoff unit, zero when unset.
func (p *ExecutionProfile) RetryBackoff() time.Duration {
	return time.Duration(p.RetryBackoffMs) * time.Millisecond
}

// ApprovalTimeout returns the approval request lifetime, zero when unset.
func (p *ExecutionProfile) ApprovalTimeout() time.Duration {
	return time.Duration(p.ApprovalTimeoutMs) * time.Millisecond
}

// LoadProfile loads an execution profile YAML by code.
// It searches the profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*ExecutionProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile ExecutionProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*ExecutionProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*ExecutionProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile ExecutionProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			// Extract code from filename: profile_prod.yaml -> prod
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
