package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/Mindburn-Labs/tiller/pkg/checkpoint"
	"github.com/Mindburn-Labs/tiller/pkg/interp"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// pauseInfo describes a suspension that needs human sign-off, with enough
// machine state to rebuild the run later. For a pause inside a parallel
// block, branches holds every branch's state and pausedBranch indexes the
// one holding the pending call.
type pauseInfo struct {
	capability string
	args       map[string]any
	reason     string

	machine      json.RawMessage
	branches     []checkpoint.BranchState
	pausedBranch int
}

// drive advances one machine until it completes, fails, or needs a pause.
// res and runErr are the machine's most recent step, so resumed machines
// enter mid-flight.
func (o *Orchestrator) drive(ctx context.Context, r *run, m *interp.Machine, res *interp.StepResult, runErr error) outcome {
	for {
		if runErr != nil {
			return outcome{err: runErr}
		}
		if res.Done {
			return outcome{value: res.Value}
		}

		switch {
		case res.Call != nil:
			out := o.handleCall(ctx, r, res.Call)
			switch {
			case out.fatal != nil:
				return outcome{err: out.fatal}
			case out.pause != nil:
				snap, err := m.Snapshot()
				if err != nil {
					return outcome{err: err}
				}
				out.pause.machine = snap
				return outcome{pause: out.pause}
			case out.callErr != nil:
				res, runErr = m.ResumeError(out.callErr)
			default:
				res, runErr = m.ResumeValue(out.value)
			}

		case res.Branches != nil:
			bout := o.driveBranches(ctx, r, res.Branches)
			switch {
			case bout.fatal != nil:
				return outcome{err: bout.fatal}
			case bout.pause != nil:
				snap, err := m.Snapshot()
				if err != nil {
					return outcome{err: err}
				}
				bout.pause.machine = snap
				return outcome{pause: bout.pause}
			case bout.err != nil:
				res, runErr = m.ResumeError(bout.err)
			default:
				res, runErr = m.ResumeBranches(bout.values)
			}

		default:
			return outcome{err: fmt.Errorf("machine yielded an empty step")}
		}
	}
}

// branchOutcome aggregates a parallel block.
type branchOutcome struct {
	values []any
	err    error
	pause  *pauseInfo
	fatal  error
}

// oneBranch is the quiesced state of a single branch.
type oneBranch struct {
	value any
	err   error
	pause *pauseInfo
}

// driveBranches evaluates every branch of a parallel block on a bounded
// worker pool. All branches run to quiescence before the block settles, so
// a pause in one branch never discards work done by its siblings.
func (o *Orchestrator) driveBranches(ctx context.Context, r *run, branches []*plan.Expr) branchOutcome {
	results := make([]oneBranch, len(branches))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.ParallelLimit)
	for i, branch := range branches {
		g.Go(func() error {
			bm, err := interp.New(branch)
			if err != nil {
				results[i] = oneBranch{err: err}
				return nil
			}
			res, runErr := bm.Run()
			out := o.drive(gctx, r, bm, res, runErr)
			results[i] = oneBranch{value: out.value, err: out.err, pause: out.pause}
			return nil
		})
	}
	// Workers record their own outcomes and never return errors.
	_ = g.Wait()

	return o.settleBranches(results)
}

// settleBranches folds quiesced branch states into a block outcome.
// Precedence: a fatal governance failure ends the run, then any branch
// error fails the block, then any pause suspends it, otherwise it yields
// all values in branch order.
func (o *Orchestrator) settleBranches(results []oneBranch) branchOutcome {
	for _, b := range results {
		if b.err == nil {
			continue
		}
		if _, ok := plan.IsGovernance(b.err); ok {
			return branchOutcome{fatal: b.err}
		}
	}
	for _, b := range results {
		if b.err != nil {
			return branchOutcome{err: b.err}
		}
	}

	pausedAt := -1
	for i, b := range results {
		if b.pause != nil {
			pausedAt = i
			break
		}
	}
	if pausedAt >= 0 {
		states := make([]checkpoint.BranchState, len(results))
		for i, b := range results {
			if b.pause != nil {
				states[i] = checkpoint.BranchState{
					Machine:      b.pause.machine,
					Branches:     b.pause.branches,
					PausedBranch: b.pause.pausedBranch,
				}
				continue
			}
			states[i] = checkpoint.BranchState{Settled: true, Value: b.value}
		}
		lead := results[pausedAt].pause
		return branchOutcome{pause: &pauseInfo{
			capability:   lead.capability,
			args:         lead.args,
			reason:       lead.reason,
			branches:     states,
			pausedBranch: pausedAt,
		}}
	}

	values := make([]any, len(results))
	for i, b := range results {
		values[i] = b.value
	}
	return branchOutcome{values: values}
}
