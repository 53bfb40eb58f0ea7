package plan

import (
	"encoding/json"
	"fmt"
)

// ExprKind tags the variant of an expression node.
type ExprKind string

const (
	ExprLit      ExprKind = "lit"
	ExprCall     ExprKind = "call"
	ExprSeq      ExprKind = "seq"
	ExprPar      ExprKind = "par"
	ExprFallback ExprKind = "fallback"
)

// Expr is a node of a plan body. It is a single tagged struct rather than an
// interface hierarchy so that continuations holding expressions serialize
// with plain encoding/json and survive a process restart.
type Expr struct {
	Kind ExprKind `json:"kind"`

	// Name labels a step for the audit trail. Optional on any node.
	Name string `json:"name,omitempty"`

	// Lit
	Value any `json:"value,omitempty"`

	// Call
	Capability string         `json:"capability,omitempty"`
	Args       map[string]any `json:"args,omitempty"`
	Hints      *CallHints     `json:"hints,omitempty"`

	// Seq / Par children
	Steps []*Expr `json:"steps,omitempty"`

	// Fallback
	Try     *Expr `json:"try,omitempty"`
	Recover *Expr `json:"recover,omitempty"`
}

// CallHints are advisory execution hints attached to a call by the plan
// author. They are validated against policy ceilings before use; out-of-policy
// values are clamped, and the clamp itself is recorded in the causal chain.
type CallHints struct {
	MaxRetries        int     `json:"max_retries,omitempty"`
	TimeoutMultiplier float64 `json:"timeout_multiplier,omitempty"`
	Fallback          string  `json:"fallback,omitempty"`
}

// Lit builds a literal node.
func Lit(v any) *Expr { return &Expr{Kind: ExprLit, Value: v} }

// Call builds a capability call node.
func Call(capability string, args map[string]any) *Expr {
	return &Expr{Kind: ExprCall, Capability: capability, Args: args}
}

// Seq builds a sequential block; its value is the value of the last step.
func Seq(steps ...*Expr) *Expr { return &Expr{Kind: ExprSeq, Steps: steps} }

// Par builds a parallel block; its value is the slice of branch values in
// declaration order.
func Par(branches ...*Expr) *Expr { return &Expr{Kind: ExprPar, Steps: branches} }

// Fallback builds an error-handling node: try is evaluated, and if it fails
// with a recoverable capability error, recover is evaluated instead.
func Fallback(try, rec *Expr) *Expr {
	return &Expr{Kind: ExprFallback, Try: try, Recover: rec}
}

// Validate checks structural well-formedness of an expression tree.
func (e *Expr) Validate() error {
	if e == nil {
		return fmt.Errorf("nil expression")
	}
	switch e.Kind {
	case ExprLit:
		return nil
	case ExprCall:
		if e.Capability == "" {
			return fmt.Errorf("call node missing capability id")
		}
		return nil
	case ExprSeq, ExprPar:
		if len(e.Steps) == 0 {
			return fmt.Errorf("%s node has no steps", e.Kind)
		}
		for _, s := range e.Steps {
			if err := s.Validate(); err != nil {
				return err
			}
		}
		return nil
	case ExprFallback:
		if e.Try == nil || e.Recover == nil {
			return fmt.Errorf("fallback node requires try and recover")
		}
		if err := e.Try.Validate(); err != nil {
			return err
		}
		return e.Recover.Validate()
	}
	return fmt.Errorf("unknown expression kind %q", e.Kind)
}

// Capabilities returns every capability identifier literally reachable in
// the tree, in first-occurrence order with duplicates removed. This is the
// static enumeration the governance kernel validates pre-flight.
func (e *Expr) Capabilities() []string {
	seen := make(map[string]struct{})
	var out []string
	e.walk(func(n *Expr) {
		if n.Kind != ExprCall {
			return
		}
		if _, ok := seen[n.Capability]; ok {
			return
		}
		seen[n.Capability] = struct{}{}
		out = append(out, n.Capability)
	})
	return out
}

func (e *Expr) walk(fn func(*Expr)) {
	if e == nil {
		return
	}
	fn(e)
	for _, s := range e.Steps {
		s.walk(fn)
	}
	e.Try.walk(fn)
	e.Recover.walk(fn)
}

// HostCall is the suspension payload handed to the orchestrator whenever the
// interpreter reaches a call node. StepIndex is unique within one run and
// used for action correlation.
type HostCall struct {
	Capability string         `json:"capability"`
	Args       map[string]any `json:"args,omitempty"`
	Hints      *CallHints     `json:"hints,omitempty"`
	StepName   string         `json:"step_name,omitempty"`
	StepIndex  int            `json:"step_index"`
}

// ParseExpr decodes a JSON plan body.
func ParseExpr(raw []byte) (*Expr, error) {
	var e Expr
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("parse plan body: %w", err)
	}
	if err := e.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan body: %w", err)
	}
	return &e, nil
}
