package interp

import (
	"errors"
	"reflect"
	"testing"

	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

func mustRun(t *testing.T, m *Machine) *StepResult {
	t.Helper()
	res, err := m.Run()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	return res
}

func TestLiteralCompletesImmediately(t *testing.T) {
	m, err := New(plan.Lit(42))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res := mustRun(t, m)
	if !res.Done || res.Value != 42 {
		t.Fatalf("result = %+v, want Done with 42", res)
	}
}

func TestSequenceYieldsCallsInOrder(t *testing.T) {
	body := plan.Seq(
		plan.Call("inventory.read", map[string]any{"sku": "A"}),
		plan.Call("inventory.write", map[string]any{"sku": "A", "count": 3}),
		plan.Lit("done"),
	)
	m, err := New(body)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res := mustRun(t, m)
	if res.Call == nil || res.Call.Capability != "inventory.read" {
		t.Fatalf("first suspension = %+v", res)
	}
	if res.Call.StepIndex != 1 {
		t.Errorf("StepIndex = %d, want 1", res.Call.StepIndex)
	}

	res, err = m.ResumeValue(map[string]any{"count": 7})
	if err != nil {
		t.Fatalf("ResumeValue: %v", err)
	}
	if res.Call == nil || res.Call.Capability != "inventory.write" {
		t.Fatalf("second suspension = %+v", res)
	}
	if res.Call.StepIndex != 2 {
		t.Errorf("StepIndex = %d, want 2", res.Call.StepIndex)
	}

	res, err = m.ResumeValue(nil)
	if err != nil {
		t.Fatalf("ResumeValue: %v", err)
	}
	if !res.Done || res.Value != "done" {
		t.Fatalf("final = %+v, want Done with %q", res, "done")
	}
}

func TestSequenceValueIsLastStep(t *testing.T) {
	m, _ := New(plan.Seq(plan.Lit(1), plan.Lit(2)))
	res := mustRun(t, m)
	if !res.Done || res.Value != 2 {
		t.Fatalf("result = %+v", res)
	}
}

func TestFallbackRecoversFromCallError(t *testing.T) {
	body := plan.Fallback(
		plan.Call("flaky.fetch", nil),
		plan.Call("cache.fetch", nil),
	)
	m, _ := New(body)

	res := mustRun(t, m)
	if res.Call.Capability != "flaky.fetch" {
		t.Fatalf("suspension = %+v", res)
	}

	res, err := m.ResumeError(plan.NewCallError(plan.CallInvocation, "flaky.fetch", "timeout"))
	if err != nil {
		t.Fatalf("ResumeError: %v", err)
	}
	if res.Call == nil || res.Call.Capability != "cache.fetch" {
		t.Fatalf("recovery suspension = %+v", res)
	}

	res, err = m.ResumeValue("cached")
	if err != nil {
		t.Fatalf("ResumeValue: %v", err)
	}
	if !res.Done || res.Value != "cached" {
		t.Fatalf("final = %+v", res)
	}
}

func TestFallbackDiscardedOnSuccess(t *testing.T) {
	body := plan.Fallback(plan.Lit("primary"), plan.Lit("backup"))
	m, _ := New(body)
	res := mustRun(t, m)
	if !res.Done || res.Value != "primary" {
		t.Fatalf("result = %+v", res)
	}
}

func TestErrorWithoutFallbackFailsPlan(t *testing.T) {
	m, _ := New(plan.Seq(plan.Call("a.b", nil), plan.Lit("unreached")))
	mustRun(t, m)

	callErr := plan.NewCallError(plan.CallDenied, "a.b", "constitution says no")
	_, err := m.ResumeError(callErr)
	if err == nil {
		t.Fatal("want plan failure")
	}
	ce, ok := plan.IsCallError(err)
	if !ok || ce.Code != plan.CallDenied {
		t.Fatalf("err = %v", err)
	}
	// The machine is spent; it cannot be resumed again.
	if _, err := m.ResumeValue(nil); err == nil {
		t.Fatal("failed machine accepted a resume")
	}
}

func TestNestedFallbackUnwindsToNearest(t *testing.T) {
	body := plan.Fallback(
		plan.Seq(
			plan.Fallback(plan.Call("inner.try", nil), plan.Lit("inner-recovered")),
			plan.Call("outer.step", nil),
		),
		plan.Lit("outer-recovered"),
	)
	m, _ := New(body)

	res := mustRun(t, m)
	if res.Call.Capability != "inner.try" {
		t.Fatalf("suspension = %+v", res)
	}

	// Inner failure lands in the inner recovery arm, not the outer one.
	res, err := m.ResumeError(errors.New("boom"))
	if err != nil {
		t.Fatalf("ResumeError: %v", err)
	}
	if res.Call == nil || res.Call.Capability != "outer.step" {
		t.Fatalf("after inner recovery = %+v", res)
	}

	// Outer failure now unwinds to the outer arm.
	res, err = m.ResumeError(errors.New("boom again"))
	if err != nil {
		t.Fatalf("ResumeError: %v", err)
	}
	if !res.Done || res.Value != "outer-recovered" {
		t.Fatalf("final = %+v", res)
	}
}

func TestParallelSuspension(t *testing.T) {
	body := plan.Seq(
		plan.Par(
			plan.Call("fetch.a", nil),
			plan.Call("fetch.b", nil),
		),
		plan.Lit("joined"),
	)
	m, _ := New(body)

	res := mustRun(t, m)
	if len(res.Branches) != 2 {
		t.Fatalf("suspension = %+v, want 2 branches", res)
	}
	if res.Branches[0].Capability != "fetch.a" {
		t.Errorf("branch order wrong: %+v", res.Branches[0])
	}

	if _, err := m.ResumeBranches([]any{"only-one"}); err == nil {
		t.Fatal("mismatched branch count accepted")
	}

	res, err := m.ResumeBranches([]any{"va", "vb"})
	if err != nil {
		t.Fatalf("ResumeBranches: %v", err)
	}
	if !res.Done || res.Value != "joined" {
		t.Fatalf("final = %+v", res)
	}
}

func TestParallelFailureUnwindsToFallback(t *testing.T) {
	body := plan.Fallback(
		plan.Par(plan.Call("a", nil), plan.Call("b", nil)),
		plan.Lit("recovered"),
	)
	m, _ := New(body)
	res := mustRun(t, m)
	if len(res.Branches) != 2 {
		t.Fatalf("suspension = %+v", res)
	}
	res, err := m.ResumeError(errors.New("branch b failed"))
	if err != nil {
		t.Fatalf("ResumeError: %v", err)
	}
	if !res.Done || res.Value != "recovered" {
		t.Fatalf("final = %+v", res)
	}
}

func TestParallelValueIsBranchSlice(t *testing.T) {
	m, _ := New(plan.Par(plan.Call("a", nil), plan.Call("b", nil)))
	mustRun(t, m)
	res, err := m.ResumeBranches([]any{1, 2})
	if err != nil {
		t.Fatalf("ResumeBranches: %v", err)
	}
	if !reflect.DeepEqual(res.Value, []any{1, 2}) {
		t.Fatalf("value = %v", res.Value)
	}
}

func TestSnapshotRestoreMidRun(t *testing.T) {
	body := plan.Seq(
		plan.Call("step.one", map[string]any{"n": 1}),
		plan.Fallback(
			plan.Call("step.two", nil),
			plan.Lit("recovered"),
		),
	)
	m, _ := New(body)
	mustRun(t, m)
	if _, err := m.ResumeValue("one-done"); err != nil {
		t.Fatalf("ResumeValue: %v", err)
	}

	// Suspended at step.two inside the fallback. Checkpoint here.
	data, err := m.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	restored, err := Restore(data)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if !restored.Suspended() {
		t.Fatal("restored machine not suspended")
	}
	pending := restored.PendingCall()
	if pending == nil || pending.Capability != "step.two" {
		t.Fatalf("pending = %+v", pending)
	}
	if pending.StepIndex != 2 {
		t.Errorf("StepIndex = %d, want 2", pending.StepIndex)
	}

	// The restored machine still honors the fallback frame.
	res, err := restored.ResumeError(errors.New("post-restart failure"))
	if err != nil {
		t.Fatalf("ResumeError: %v", err)
	}
	if !res.Done || res.Value != "recovered" {
		t.Fatalf("final = %+v", res)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	if _, err := Restore([]byte(`{"state":"wat"}`)); err == nil {
		t.Fatal("unknown state accepted")
	}
	if _, err := Restore([]byte(`not json`)); err == nil {
		t.Fatal("malformed snapshot accepted")
	}
}

func TestResumeOnWrongStateRejected(t *testing.T) {
	m, _ := New(plan.Lit(1))
	if _, err := m.ResumeValue(1); err == nil {
		t.Fatal("ResumeValue on fresh machine accepted")
	}
	mustRun(t, m)
	if _, err := m.Run(); err == nil {
		t.Fatal("Run on finished machine accepted")
	}
}
