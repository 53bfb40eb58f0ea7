package interp

import (
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// snapshot is the serialized form of a machine. Values round-trip through
// JSON, so numbers come back as float64; plan code must not depend on
// narrower numeric types across a checkpoint.
type snapshot struct {
	Stack     []*frame       `json:"stack,omitempty"`
	Next      *plan.Expr     `json:"next,omitempty"`
	Value     any            `json:"value,omitempty"`
	State     machineState   `json:"state"`
	CallIndex int            `json:"call_index"`
	Call      *plan.HostCall `json:"call,omitempty"`
	Branches  []*plan.Expr   `json:"branches,omitempty"`
}

// Snapshot serializes the machine. Valid in any state, but checkpointing
// only makes sense while suspended.
func (m *Machine) Snapshot() ([]byte, error) {
	s := snapshot{
		Stack:     m.stack,
		Next:      m.next,
		Value:     m.value,
		State:     m.state,
		CallIndex: m.callIndex,
		Call:      m.call,
		Branches:  m.branches,
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("snapshot machine: %w", err)
	}
	return data, nil
}

// Restore rebuilds a machine from Snapshot output.
func Restore(data []byte) (*Machine, error) {
	var s snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("restore machine: %w", err)
	}
	switch s.State {
	case stateEval, stateDeliver, stateSuspendCall, stateSuspendPar, stateDone, stateFailed:
	default:
		return nil, fmt.Errorf("restore machine: unknown state %q", s.State)
	}
	return &Machine{
		stack:     s.Stack,
		next:      s.Next,
		value:     s.Value,
		state:     s.State,
		callIndex: s.CallIndex,
		call:      s.Call,
		branches:  s.Branches,
	}, nil
}
