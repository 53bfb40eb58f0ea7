package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/tiller/pkg/capability"
)

func newTestRegistry(t *testing.T, dir string) *capability.Memory {
	t.Helper()
	reg := capability.NewMemory()
	n, err := loadManifests(reg, dir)
	if err != nil {
		t.Fatalf("loadManifests: %v", err)
	}
	if n != 1 {
		t.Fatalf("loaded %d manifests, want 1", n)
	}
	return reg
}

func TestRunDispatcher(t *testing.T) {
	var out, errOut bytes.Buffer

	if code := Run([]string{"tiller"}, &out, &errOut); code != 2 {
		t.Errorf("no args: exit %d, want 2", code)
	}
	if !strings.Contains(out.String(), "USAGE") {
		t.Error("expected usage output")
	}

	out.Reset()
	if code := Run([]string{"tiller", "help"}, &out, &errOut); code != 0 {
		t.Errorf("help: exit %d, want 0", code)
	}

	errOut.Reset()
	if code := Run([]string{"tiller", "bogus"}, &out, &errOut); code != 2 {
		t.Errorf("unknown command: exit %d, want 2", code)
	}
	if !strings.Contains(errOut.String(), "Unknown command") {
		t.Error("expected unknown-command message")
	}
}

func TestLoadManifestsWithExecBinding(t *testing.T) {
	dir := t.TempDir()
	manifest := `{
  "manifest": {
    "id": "text.echo",
    "metadata": {"security-level": "safe"}
  },
  "exec": ["cat"]
}`
	if err := os.WriteFile(filepath.Join(dir, "echo.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := newTestRegistry(t, dir)

	m, err := reg.Resolve(context.Background(), "text.echo")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if m.Metadata.SecurityLevel != "safe" {
		t.Errorf("metadata lost: %+v", m.Metadata)
	}

	result, err := reg.Invoke(context.Background(), "text.echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	obj, ok := result.(map[string]any)
	if !ok || obj["msg"] != "hi" {
		t.Errorf("exec binding result = %#v", result)
	}
}

func TestLoadManifestsUnboundFailsOnInvoke(t *testing.T) {
	dir := t.TempDir()
	manifest := `{"manifest": {"id": "billing.charge", "metadata": {"security-level": "critical"}}}`
	if err := os.WriteFile(filepath.Join(dir, "charge.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	reg := newTestRegistry(t, dir)

	if _, err := reg.Resolve(context.Background(), "billing.charge"); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if _, err := reg.Invoke(context.Background(), "billing.charge", nil); err == nil {
		t.Error("expected invoke error for unbound capability")
	}
}

func TestEndToEndDryRun(t *testing.T) {
	dir := t.TempDir()

	constitution := `
version: 1.0.0
rules:
  - id: allow-all
    match: "*"
    action: allow
`
	if err := os.WriteFile(filepath.Join(dir, "constitution.yaml"), []byte(constitution), 0o644); err != nil {
		t.Fatal(err)
	}

	manifests := filepath.Join(dir, "manifests")
	if err := os.Mkdir(manifests, 0o755); err != nil {
		t.Fatal(err)
	}
	manifest := `{
  "manifest": {
    "id": "billing.charge",
    "output_schema": {"type": "object", "properties": {"charged": {"type": "boolean"}}, "required": ["charged"]},
    "metadata": {"security-level": "critical", "dry-run-simulatable": true, "cost-cents": 100}
  }
}`
	if err := os.WriteFile(filepath.Join(manifests, "charge.json"), []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	planBody := map[string]any{
		"id": "plan-cli-1",
		"body": map[string]any{
			"kind":       "call",
			"capability": "billing.charge",
			"args":       map[string]any{"amount": 10},
		},
	}
	planData, _ := json.Marshal(planBody)
	planPath := filepath.Join(dir, "plan.json")
	if err := os.WriteFile(planPath, planData, 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TILLER_CONSTITUTION", filepath.Join(dir, "constitution.yaml"))
	t.Setenv("TILLER_CHAIN_DSN", "file:"+filepath.Join(dir, "chain.db"))
	t.Setenv("TILLER_CHECKPOINT_DSN", "file:"+filepath.Join(dir, "ck.db"))
	t.Setenv("TILLER_REDIS_ADDR", "")
	t.Setenv("LOG_LEVEL", "ERROR")

	var out, errOut bytes.Buffer
	code := Run([]string{"tiller", "run",
		"--plan", planPath,
		"--manifests", manifests,
		"--mode", "dry-run",
		"--json",
	}, &out, &errOut)
	if code != 0 {
		t.Fatalf("run: exit %d, stderr: %s", code, errOut.String())
	}

	var result map[string]any
	if err := json.Unmarshal(out.Bytes(), &result); err != nil {
		t.Fatalf("parse result: %v\nraw: %s", err, out.String())
	}
	if result["success"] != true {
		t.Errorf("result = %v", result)
	}

	out.Reset()
	code = Run([]string{"tiller", "chain", "show", "--plan", "plan-cli-1"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("chain show: exit %d, stderr: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "CapabilityCall") {
		t.Errorf("chain output missing simulated call:\n%s", out.String())
	}

	out.Reset()
	code = Run([]string{"tiller", "chain", "verify"}, &out, &errOut)
	if code != 0 {
		t.Fatalf("chain verify: exit %d, stderr: %s", code, errOut.String())
	}

	out.Reset()
	code = Run([]string{"tiller", "validate", "--plan", planPath, "--manifests", manifests}, &out, &errOut)
	if code != 0 {
		t.Fatalf("validate: exit %d, stderr: %s", code, errOut.String())
	}
	if !strings.Contains(out.String(), "admitted") {
		t.Errorf("validate output:\n%s", out.String())
	}
}
