// Package quota enforces per-plan resource budgets: accumulated capability
// cost, total call count, wall-clock duration, and call rate. The check
// runs before every real invocation and rejects once a budget is already
// spent; the call that crosses a cost boundary is allowed, so recorded cost
// may overshoot the limit by at most one call.
package quota

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

// Limits holds the budgets applied to one plan run. Zero values disable
// the corresponding limit.
type Limits struct {
	MaxCostCents   int64         `yaml:"max_cost_cents" json:"max_cost_cents"`
	MaxCalls       int64         `yaml:"max_calls" json:"max_calls"`
	MaxDuration    time.Duration `yaml:"max_duration" json:"max_duration"`
	CallsPerSecond float64       `yaml:"calls_per_second" json:"calls_per_second"`
	Burst          int           `yaml:"burst" json:"burst"`
}

// Enabled reports whether any budget is active.
func (l Limits) Enabled() bool {
	return l.MaxCostCents > 0 || l.MaxCalls > 0 || l.MaxDuration > 0 || l.CallsPerSecond > 0
}

// Usage is the accumulated spend of one plan.
type Usage struct {
	CostCents int64 `json:"cost_cents"`
	Calls     int64 `json:"calls"`
}

// Store persists usage counters. Implementations must make Record atomic
// across concurrent callers.
type Store interface {
	// Usage returns the counters for a plan, zero if never recorded.
	Usage(ctx context.Context, planID string) (Usage, error)

	// Record adds one completed call and its cost, returning the updated
	// counters.
	Record(ctx context.Context, planID string, costCents int64) (Usage, error)
}

// Meter applies Limits to a plan run using a Store for counters and a
// token bucket for pacing. One Meter serves one plan.
type Meter struct {
	planID    string
	limits    Limits
	store     Store
	limiter   *rate.Limiter
	clock     func() time.Time
	startedAt time.Time
}

// NewMeter creates a meter for a plan. startedAt anchors the wall-clock
// budget; on resume, pass the original start so pauses count against it.
func NewMeter(planID string, limits Limits, store Store, startedAt time.Time) *Meter {
	m := &Meter{
		planID:    planID,
		limits:    limits,
		store:     store,
		clock:     time.Now,
		startedAt: startedAt,
	}
	if limits.CallsPerSecond > 0 {
		burst := limits.Burst
		if burst < 1 {
			burst = 1
		}
		m.limiter = rate.NewLimiter(rate.Limit(limits.CallsPerSecond), burst)
	}
	return m
}

// WithClock overrides the clock for deterministic testing.
func (m *Meter) WithClock(clock func() time.Time) *Meter {
	m.clock = clock
	return m
}

// Check gates one real invocation. It rejects with a QuotaExceeded
// governance error when a budget is already spent, and otherwise waits for
// rate-limit pacing. Simulated calls are not checked or recorded.
func (m *Meter) Check(ctx context.Context) error {
	if m.limits.MaxDuration > 0 {
		if elapsed := m.clock().Sub(m.startedAt); elapsed > m.limits.MaxDuration {
			return plan.Governance(plan.CodeQuotaExceeded,
				"plan %s exceeded wall-clock budget (%s elapsed, limit %s)",
				m.planID, elapsed.Round(time.Millisecond), m.limits.MaxDuration)
		}
	}
	if m.limits.MaxCostCents > 0 || m.limits.MaxCalls > 0 {
		usage, err := m.store.Usage(ctx, m.planID)
		if err != nil {
			return plan.Governance(plan.CodeQuotaExceeded,
				"plan %s quota state unavailable: %v", m.planID, err)
		}
		if m.limits.MaxCostCents > 0 && usage.CostCents >= m.limits.MaxCostCents {
			return plan.Governance(plan.CodeQuotaExceeded,
				"plan %s spent %d of %d cost cents", m.planID, usage.CostCents, m.limits.MaxCostCents)
		}
		if m.limits.MaxCalls > 0 && usage.Calls >= m.limits.MaxCalls {
			return plan.Governance(plan.CodeQuotaExceeded,
				"plan %s made %d of %d allowed calls", m.planID, usage.Calls, m.limits.MaxCalls)
		}
	}
	if m.limiter != nil {
		if err := m.limiter.Wait(ctx); err != nil {
			return plan.Governance(plan.CodeQuotaExceeded,
				"plan %s rate pacing interrupted: %v", m.planID, err)
		}
	}
	return nil
}

// Record books the cost of a completed real invocation.
func (m *Meter) Record(ctx context.Context, costCents int64) (Usage, error) {
	if m.store == nil {
		return Usage{}, nil
	}
	return m.store.Record(ctx, m.planID, costCents)
}

// Usage returns current counters.
func (m *Meter) Usage(ctx context.Context) (Usage, error) {
	if m.store == nil {
		return Usage{}, nil
	}
	return m.store.Usage(ctx, m.planID)
}

// MemoryStore is a process-local Store for tests and single-instance
// deployments.
type MemoryStore struct {
	mu    sync.Mutex
	usage map[string]Usage
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{usage: make(map[string]Usage)}
}

// Usage implements Store.
func (s *MemoryStore) Usage(ctx context.Context, planID string) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[planID], nil
}

// Record implements Store.
func (s *MemoryStore) Record(ctx context.Context, planID string, costCents int64) (Usage, error) {
	if err := ctx.Err(); err != nil {
		return Usage{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.usage[planID]
	u.CostCents += costCents
	u.Calls++
	s.usage[planID] = u
	return u, nil
}
