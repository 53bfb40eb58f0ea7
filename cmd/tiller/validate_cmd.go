package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"sort"

	"github.com/Mindburn-Labs/tiller/pkg/capability"
	"github.com/Mindburn-Labs/tiller/pkg/chain"
	"github.com/Mindburn-Labs/tiller/pkg/config"
	"github.com/Mindburn-Labs/tiller/pkg/constitution"
	"github.com/Mindburn-Labs/tiller/pkg/kernel"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// validate runs the governance pre-flight against an in-memory chain, so a
// rejected plan leaves no trace in the persistent ledger.
func runValidateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("validate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		planPath     string
		intentPath   string
		mode         string
		manifestsDir string
		profileCode  string
		profilesDir  string
		jsonOutput   bool
	)
	cmd.StringVar(&planPath, "plan", "", "Path to the plan JSON file (REQUIRED)")
	cmd.StringVar(&intentPath, "intent", "", "Path to the intent JSON file")
	cmd.StringVar(&mode, "mode", "", "Execution mode override")
	cmd.StringVar(&manifestsDir, "manifests", "", "Directory of capability manifest files")
	cmd.StringVar(&profileCode, "profile", "", "Execution profile code")
	cmd.StringVar(&profilesDir, "profiles-dir", "", "Directory holding profile_*.yaml files")
	cmd.BoolVar(&jsonOutput, "json", false, "Output verdicts as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planPath == "" {
		fmt.Fprintln(stderr, "Error: --plan is required")
		cmd.Usage()
		return 2
	}

	p, intent, err := loadPlanAndIntent(planPath, intentPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if mode != "" {
		if p.Policies == nil {
			p.Policies = make(map[string]any, 1)
		}
		p.Policies[plan.PolicyExecutionMode] = mode
	}

	cfg := config.Load()
	ruleset, err := constitution.Load(cfg.ConstitutionPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: load constitution: %v\n", err)
		return 2
	}

	registry := capability.NewMemory()
	if manifestsDir != "" {
		if _, err := loadManifests(registry, manifestsDir); err != nil {
			fmt.Fprintf(stderr, "Error: load manifests: %v\n", err)
			return 2
		}
	}

	kcfg := kernel.Config{
		Ruleset:  ruleset,
		Registry: registry,
		Chain:    chain.NewMemory(),
		Logger:   newLogger(cfg.LogLevel),
	}
	profile, err := loadProfileFlag(profilesDir, profileCode)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if profile != nil {
		kcfg.DefaultQuota = profile.Quota.Limits()
		kcfg.Hints = profile.Hints.Policy()
	}

	k, err := kernel.New(kcfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	prepared, err := k.ValidateAndPrepare(context.Background(), intent, p)
	if err != nil {
		if jsonOutput {
			out := map[string]any{"plan_id": p.ID, "valid": false, "error": err.Error()}
			if ge, ok := plan.IsGovernance(err); ok {
				out["code"] = string(ge.Code)
				if ge.RuleID != "" {
					out["rule_id"] = ge.RuleID
				}
			}
			data, _ := json.MarshalIndent(out, "", "  ")
			fmt.Fprintln(stdout, string(data))
		} else {
			fmt.Fprintf(stderr, "Plan %s REJECTED: %v\n", p.ID, err)
		}
		return 1
	}

	if jsonOutput {
		out := map[string]any{
			"plan_id":         prepared.Plan.ID,
			"valid":           true,
			"mode":            string(prepared.Mode),
			"ruleset_version": prepared.RulesetVersion,
			"quota":           prepared.Quota,
			"verdicts":        prepared.StaticVerdicts,
		}
		data, _ := json.MarshalIndent(out, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	fmt.Fprintf(stdout, "Plan %s admitted\n", prepared.Plan.ID)
	fmt.Fprintf(stdout, "  Mode:         %s\n", prepared.Mode)
	fmt.Fprintf(stdout, "  Constitution: %s\n", prepared.RulesetVersion)
	if prepared.Quota.Enabled() {
		fmt.Fprintf(stdout, "  Quota:        cost<=%d calls<=%d\n", prepared.Quota.MaxCostCents, prepared.Quota.MaxCalls)
	}

	ids := make([]string, 0, len(prepared.StaticVerdicts))
	for id := range prepared.StaticVerdicts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		v := prepared.StaticVerdicts[id]
		line := fmt.Sprintf("  %-30s %s", id, v.Decision)
		if v.RuleID != "" {
			line += " (rule " + v.RuleID + ")"
		}
		fmt.Fprintln(stdout, line)
	}
	return 0
}
