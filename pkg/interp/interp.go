// Package interp evaluates plan bodies without performing any side effect
// itself. Whenever evaluation reaches a capability call or a parallel
// block, the machine suspends and yields control to the host, which decides
// what actually happens and resumes the machine with an outcome. The whole
// machine state is serializable, so a suspended run can be checkpointed and
// resumed in another process.
package interp

import (
	"fmt"

	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// StepResult is what the machine yields back to the host after each Run or
// Resume call. Exactly one of Done, Call, or Branches is meaningful.
type StepResult struct {
	// Done means evaluation finished; Value holds the plan result.
	Done  bool
	Value any

	// Call means evaluation suspended at a capability call the host must
	// arbitrate.
	Call *plan.HostCall

	// Branches means evaluation suspended at a parallel block; the host
	// evaluates each branch and resumes with their values in order.
	Branches []*plan.Expr
}

type machineState string

const (
	stateEval        machineState = "eval"
	stateDeliver     machineState = "deliver"
	stateSuspendCall machineState = "suspend_call"
	stateSuspendPar  machineState = "suspend_par"
	stateDone        machineState = "done"
	stateFailed      machineState = "failed"
)

type frameKind string

const (
	frameSeq      frameKind = "seq"
	frameFallback frameKind = "fallback"
)

// frame is one level of the evaluation stack. All fields serialize so a
// suspended machine survives a checkpoint.
type frame struct {
	Kind    frameKind    `json:"kind"`
	Steps   []*plan.Expr `json:"steps,omitempty"`
	Index   int          `json:"index,omitempty"`
	Recover *plan.Expr   `json:"recover,omitempty"`
}

// Machine is a resumable evaluator for one plan body.
type Machine struct {
	stack     []*frame
	next      *plan.Expr
	value     any
	state     machineState
	callIndex int
	call      *plan.HostCall
	branches  []*plan.Expr
}

// New creates a machine positioned at the start of body.
func New(body *plan.Expr) (*Machine, error) {
	if body == nil {
		return nil, fmt.Errorf("plan body is empty")
	}
	if err := body.Validate(); err != nil {
		return nil, err
	}
	return &Machine{next: body, state: stateEval}, nil
}

// Run advances evaluation until the next suspension or completion. It is
// only valid on a fresh machine; a suspended machine continues through one
// of the Resume methods.
func (m *Machine) Run() (*StepResult, error) {
	if m.state != stateEval && m.state != stateDeliver {
		return nil, fmt.Errorf("machine is %s, not runnable", m.state)
	}
	return m.run()
}

// Suspended reports whether the machine is waiting on the host.
func (m *Machine) Suspended() bool {
	return m.state == stateSuspendCall || m.state == stateSuspendPar
}

// PendingCall returns the call the machine is suspended on, if any.
func (m *Machine) PendingCall() *plan.HostCall {
	if m.state != stateSuspendCall {
		return nil
	}
	return m.call
}

// PendingBranches returns the parallel branches the machine is suspended
// on, if any.
func (m *Machine) PendingBranches() []*plan.Expr {
	if m.state != stateSuspendPar {
		return nil
	}
	return m.branches
}

// ResumeValue delivers a successful outcome for the pending call and
// continues evaluation.
func (m *Machine) ResumeValue(v any) (*StepResult, error) {
	if m.state != stateSuspendCall {
		return nil, fmt.Errorf("machine is %s, no pending call", m.state)
	}
	m.call = nil
	m.value = v
	m.state = stateDeliver
	return m.run()
}

// ResumeError delivers a failure for the pending suspension, either a call
// or a whole parallel block. The stack unwinds to the nearest enclosing
// fallback; if none exists the failure becomes the plan's failure and is
// returned.
func (m *Machine) ResumeError(callErr error) (*StepResult, error) {
	if m.state != stateSuspendCall && m.state != stateSuspendPar {
		return nil, fmt.Errorf("machine is %s, nothing to fail", m.state)
	}
	m.call = nil
	m.branches = nil
	for len(m.stack) > 0 {
		top := m.stack[len(m.stack)-1]
		m.stack = m.stack[:len(m.stack)-1]
		if top.Kind == frameFallback {
			m.next = top.Recover
			m.state = stateEval
			return m.run()
		}
	}
	m.state = stateFailed
	return nil, callErr
}

// ResumeBranches delivers the settled values of a parallel block, in
// branch order, and continues with their collection as the block's value.
func (m *Machine) ResumeBranches(values []any) (*StepResult, error) {
	if m.state != stateSuspendPar {
		return nil, fmt.Errorf("machine is %s, no pending parallel block", m.state)
	}
	if len(values) != len(m.branches) {
		return nil, fmt.Errorf("parallel block has %d branches, got %d values", len(m.branches), len(values))
	}
	m.branches = nil
	m.value = values
	m.state = stateDeliver
	return m.run()
}

func (m *Machine) run() (*StepResult, error) {
	for {
		switch m.state {
		case stateEval:
			if err := m.eval(m.next); err != nil {
				return nil, err
			}
		case stateDeliver:
			if len(m.stack) == 0 {
				m.state = stateDone
				return &StepResult{Done: true, Value: m.value}, nil
			}
			m.deliver()
		case stateSuspendCall:
			return &StepResult{Call: m.call}, nil
		case stateSuspendPar:
			return &StepResult{Branches: m.branches}, nil
		default:
			return nil, fmt.Errorf("machine is %s, cannot continue", m.state)
		}
	}
}

func (m *Machine) eval(e *plan.Expr) error {
	m.next = nil
	switch e.Kind {
	case plan.ExprLit:
		m.value = e.Value
		m.state = stateDeliver
	case plan.ExprSeq:
		if len(e.Steps) == 0 {
			m.value = nil
			m.state = stateDeliver
			return nil
		}
		m.stack = append(m.stack, &frame{Kind: frameSeq, Steps: e.Steps})
		m.next = e.Steps[0]
		m.state = stateEval
	case plan.ExprCall:
		m.callIndex++
		m.call = &plan.HostCall{
			Capability: e.Capability,
			Args:       e.Args,
			Hints:      e.Hints,
			StepName:   e.Name,
			StepIndex:  m.callIndex,
		}
		m.state = stateSuspendCall
	case plan.ExprPar:
		m.branches = e.Steps
		m.state = stateSuspendPar
	case plan.ExprFallback:
		m.stack = append(m.stack, &frame{Kind: frameFallback, Recover: e.Recover})
		m.next = e.Try
		m.state = stateEval
	default:
		return fmt.Errorf("unknown expression kind %q", e.Kind)
	}
	return nil
}

// deliver hands the current value to the top frame.
func (m *Machine) deliver() {
	top := m.stack[len(m.stack)-1]
	switch top.Kind {
	case frameSeq:
		top.Index++
		if top.Index < len(top.Steps) {
			m.next = top.Steps[top.Index]
			m.state = stateEval
			return
		}
		// Last step's value is the sequence's value.
		m.stack = m.stack[:len(m.stack)-1]
	case frameFallback:
		// Try succeeded; the recovery arm is discarded.
		m.stack = m.stack[:len(m.stack)-1]
	}
}
