package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/tiller/pkg/approval"
	"github.com/Mindburn-Labs/tiller/pkg/config"
	"github.com/Mindburn-Labs/tiller/pkg/observability"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

func runRunCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("run", flag.ContinueOnError)
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
	cmd.StringVar(&mode, "mode", "", "Execution mode override (full|dry-run|safe-only|require-approval)")
	cmd.StringVar(&manifestsDir, "manifests", "", "Directory of capability manifest files")
	cmd.StringVar(&profileCode, "profile", "", "Execution profile code")
	cmd.StringVar(&profilesDir, "profiles-dir", "", "Directory holding profile_*.yaml files")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

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

	e, err := setup(profileCode, profilesDir, manifestsDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	ctx, finish := e.telemetry.TrackPlan(context.Background(), p.ID,
		observability.AttrIntentID.String(intent.ID))
	result, err := e.orch.Execute(ctx, intent, p)
	finish(err)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printResult(result, jsonOutput, stdout)
}

func runResumeCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("resume", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		checkpointID string
		planID       string
		approveBy    string
		rejectBy     string
		token        string
		reason       string
		argsPath     string
		manifestsDir string
		profileCode  string
		profilesDir  string
		jsonOutput   bool
	)
	cmd.StringVar(&checkpointID, "checkpoint", "", "Checkpoint id to resume from")
	cmd.StringVar(&planID, "plan", "", "Plan id; resumes its latest checkpoint")
	cmd.StringVar(&approveBy, "approve", "", "Approve the held call as this approver id")
	cmd.StringVar(&rejectBy, "reject", "", "Reject the held call as this approver id")
	cmd.StringVar(&token, "token", "", "Signed decision token (requires TILLER_APPROVAL_TOKEN_KEY)")
	cmd.StringVar(&reason, "reason", "", "Decision rationale")
	cmd.StringVar(&argsPath, "args", "", "Path to modified call arguments JSON (approve only)")
	cmd.StringVar(&manifestsDir, "manifests", "", "Directory of capability manifest files")
	cmd.StringVar(&profileCode, "profile", "", "Execution profile code")
	cmd.StringVar(&profilesDir, "profiles-dir", "", "Directory holding profile_*.yaml files")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if checkpointID == "" && planID == "" {
		fmt.Fprintln(stderr, "Error: --checkpoint or --plan is required")
		cmd.Usage()
		return 2
	}
	if approveBy == "" && rejectBy == "" && token == "" {
		fmt.Fprintln(stderr, "Error: --approve <id>, --reject <id> or --token is required")
		cmd.Usage()
		return 2
	}

	e, err := setup(profileCode, profilesDir, manifestsDir)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer e.Close()

	ctx := context.Background()

	if checkpointID == "" {
		cp, err := e.checkpoints.Latest(ctx, planID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if cp == nil {
			fmt.Fprintf(stderr, "Error: no checkpoint recorded for plan %s\n", planID)
			return 1
		}
		checkpointID = cp.ID
	}

	cp, err := e.checkpoints.Load(ctx, checkpointID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	// The gateway holds no durable state; rebuild the request recorded at
	// pause time so the decision can attach to it.
	e.approvals.Restore(approval.Request{
		ID:           cp.ApprovalID,
		PlanID:       cp.PlanID,
		IntentID:     cp.IntentID,
		CheckpointID: cp.ID,
		CreatedAt:    cp.CreatedAt,
		ExpiresAt:    time.Now().Add(approval.DefaultTimeout),
		Status:       approval.StatusPending,
	})

	switch {
	case token != "":
		signer, err := approval.NewSigner([]byte(config.Load().ApprovalTokenKey), "tiller")
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		claims, err := signer.Verify(token, cp.ApprovalID)
		if err != nil {
			fmt.Fprintf(stderr, "Error: decision token rejected: %v\n", err)
			return 1
		}
		if claims.Status == approval.StatusApproved {
			_, err = e.approvals.Approve(ctx, cp.ApprovalID, claims.Subject, nil)
		} else {
			_, err = e.approvals.Reject(ctx, cp.ApprovalID, claims.Subject, claims.Reason)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	case rejectBy != "":
		if _, err := e.approvals.Reject(ctx, cp.ApprovalID, rejectBy, reason); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	default:
		var modified map[string]any
		if argsPath != "" {
			data, err := os.ReadFile(argsPath)
			if err != nil {
				fmt.Fprintf(stderr, "Error: %v\n", err)
				return 2
			}
			if err := json.Unmarshal(data, &modified); err != nil {
				fmt.Fprintf(stderr, "Error: parse %s: %v\n", argsPath, err)
				return 2
			}
		}
		if _, err := e.approvals.Approve(ctx, cp.ApprovalID, approveBy, modified); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	rctx, finish := e.telemetry.TrackPlan(ctx, cp.PlanID)
	result, err := e.orch.Resume(rctx, checkpointID)
	finish(err)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return printResult(result, jsonOutput, stdout)
}

func setup(profileCode, profilesDir, manifestsDir string) (*engine, error) {
	cfg := config.Load()
	profile, err := loadProfileFlag(profilesDir, profileCode)
	if err != nil {
		return nil, err
	}
	return buildEngine(cfg, profile, manifestsDir)
}

func loadPlanAndIntent(planPath, intentPath string) (*plan.Plan, *plan.Intent, error) {
	data, err := os.ReadFile(planPath)
	if err != nil {
		return nil, nil, err
	}
	var p plan.Plan
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, nil, fmt.Errorf("parse plan %s: %w", planPath, err)
	}

	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	intent := &plan.Intent{}
	if intentPath != "" {
		data, err := os.ReadFile(intentPath)
		if err != nil {
			return nil, nil, err
		}
		if err := json.Unmarshal(data, intent); err != nil {
			return nil, nil, fmt.Errorf("parse intent %s: %w", intentPath, err)
		}
	}
	if intent.ID == "" {
		intent.ID = uuid.New().String()
	}
	if intent.Goal == "" {
		intent.Goal = "execute plan " + p.ID
	}
	if intent.CreatedAt.IsZero() {
		intent.CreatedAt = time.Now()
	}
	if p.IntentID == "" {
		p.IntentID = intent.ID
	}
	return &p, intent, nil
}

func printResult(result *plan.ExecutionResult, jsonOutput bool, stdout io.Writer) int {
	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		fmt.Fprintln(stdout, string(data))
	} else {
		switch {
		case result.Paused:
			fmt.Fprintf(stdout, "Plan %s paused awaiting approval\n", result.PlanID)
			fmt.Fprintf(stdout, "  Checkpoint: %s\n", result.CheckpointID)
			fmt.Fprintf(stdout, "  Approval:   %s\n", result.ApprovalID)
			fmt.Fprintf(stdout, "Resume with: tiller resume --checkpoint %s --approve <you>\n", result.CheckpointID)
		case result.Success:
			fmt.Fprintf(stdout, "Plan %s completed\n", result.PlanID)
			if result.Value != nil {
				data, _ := json.MarshalIndent(result.Value, "", "  ")
				fmt.Fprintln(stdout, string(data))
			}
		default:
			fmt.Fprintf(stdout, "Plan %s aborted: %s\n", result.PlanID, result.Error)
		}
	}

	if result.Paused || result.Success {
		return 0
	}
	return 1
}
