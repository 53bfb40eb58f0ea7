// Package approval tracks human-in-the-loop decisions for paused plan
// steps. The gateway creates a pending request when governance demands
// sign-off, a human resolves it (approve, reject, or approve with modified
// arguments), and expiry resolves unanswered requests as denials.
package approval

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a request.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Request is one pending sign-off for a held capability call.
type Request struct {
	ID           string         `json:"id"`
	PlanID       string         `json:"plan_id"`
	IntentID     string         `json:"intent_id"`
	Capability   string         `json:"capability"`
	Args         map[string]any `json:"args,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	CheckpointID string         `json:"checkpoint_id,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	ExpiresAt    time.Time      `json:"expires_at"`
	Status       Status         `json:"status"`
}

// Decision is the resolved outcome of a request. ModifiedArgs is set only
// when an approver rewrote the call arguments before approving.
type Decision struct {
	RequestID    string         `json:"request_id"`
	Status       Status         `json:"status"`
	DecidedBy    string         `json:"decided_by,omitempty"`
	Reason       string         `json:"reason,omitempty"`
	ModifiedArgs map[string]any `json:"modified_args,omitempty"`
	ResolvedAt   time.Time      `json:"resolved_at"`
}

// Approved reports whether the held call may proceed.
func (d *Decision) Approved() bool { return d.Status == StatusApproved }

// DefaultTimeout applies when a request is created with no explicit expiry.
const DefaultTimeout = 15 * time.Minute

// Gateway manages request lifecycle. Each request resolves at most once;
// a second resolution attempt is an error.
type Gateway struct {
	mu        sync.Mutex
	requests  map[string]*Request
	decisions map[string]*Decision
	clock     func() time.Time
}

// NewGateway creates an empty gateway.
func NewGateway() *Gateway {
	return &Gateway{
		requests:  make(map[string]*Request),
		decisions: make(map[string]*Decision),
		clock:     time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (g *Gateway) WithClock(clock func() time.Time) *Gateway {
	g.clock = clock
	return g
}

// Create registers a pending request and returns it. A zero timeout gets
// DefaultTimeout.
func (g *Gateway) Create(ctx context.Context, req Request, timeout time.Duration) (*Request, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.PlanID == "" || req.Capability == "" {
		return nil, fmt.Errorf("approval request needs plan id and capability")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	now := g.clock()
	req.ID = uuid.New().String()
	req.CreatedAt = now
	req.ExpiresAt = now.Add(timeout)
	req.Status = StatusPending

	g.mu.Lock()
	g.requests[req.ID] = &req
	g.mu.Unlock()

	out := req
	return &out, nil
}

// Approve resolves a request in favor of the call. modifiedArgs may be nil;
// when set it replaces the original call arguments.
func (g *Gateway) Approve(ctx context.Context, requestID, approverID string, modifiedArgs map[string]any) (*Decision, error) {
	_ = ctx
	g.mu.Lock()
	defer g.mu.Unlock()

	req, err := g.pendingLocked(requestID)
	if err != nil {
		return nil, err
	}
	now := g.clock()
	if now.After(req.ExpiresAt) {
		return g.resolveLocked(req, StatusExpired, "", "approval window elapsed", nil, now), nil
	}
	return g.resolveLocked(req, StatusApproved, approverID, "", modifiedArgs, now), nil
}

// Reject resolves a request against the call.
func (g *Gateway) Reject(ctx context.Context, requestID, approverID, reason string) (*Decision, error) {
	_ = ctx
	g.mu.Lock()
	defer g.mu.Unlock()

	req, err := g.pendingLocked(requestID)
	if err != nil {
		return nil, err
	}
	now := g.clock()
	if now.After(req.ExpiresAt) {
		return g.resolveLocked(req, StatusExpired, "", "approval window elapsed", nil, now), nil
	}
	return g.resolveLocked(req, StatusRejected, approverID, reason, nil, now), nil
}

// ExpireDue resolves every pending request past its expiry as a denial and
// returns the resulting decisions.
func (g *Gateway) ExpireDue(ctx context.Context) []*Decision {
	_ = ctx
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	var out []*Decision
	for _, req := range g.requests {
		if req.Status != StatusPending || !now.After(req.ExpiresAt) {
			continue
		}
		out = append(out, g.resolveLocked(req, StatusExpired, "", "approval window elapsed", nil, now))
	}
	return out
}

// Get returns a request by id.
func (g *Gateway) Get(requestID string) (*Request, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	req, ok := g.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("approval request %q not found", requestID)
	}
	out := *req
	return &out, nil
}

// DecisionFor returns the resolution of a request, if it has one.
func (g *Gateway) DecisionFor(requestID string) (*Decision, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.decisions[requestID]
	if !ok {
		return nil, false
	}
	out := *d
	return &out, true
}

// Pending returns all unresolved requests, most recent last.
func (g *Gateway) Pending() []*Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Request
	for _, req := range g.requests {
		if req.Status == StatusPending {
			copied := *req
			out = append(out, &copied)
		}
	}
	return out
}

// Restore re-registers a request produced by an earlier process, preserving
// its id and expiry. The gateway keeps no durable state of its own; callers
// rebuilding from a persisted checkpoint use this before resolving.
func (g *Gateway) Restore(req Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if req.Status == "" {
		req.Status = StatusPending
	}
	g.requests[req.ID] = &req
}

func (g *Gateway) pendingLocked(requestID string) (*Request, error) {
	req, ok := g.requests[requestID]
	if !ok {
		return nil, fmt.Errorf("approval request %q not found", requestID)
	}
	if req.Status != StatusPending {
		return nil, fmt.Errorf("approval request %q already resolved (status=%s)", requestID, req.Status)
	}
	return req, nil
}

func (g *Gateway) resolveLocked(req *Request, status Status, by, reason string, modified map[string]any, now time.Time) *Decision {
	req.Status = status
	d := &Decision{
		RequestID:    req.ID,
		Status:       status,
		DecidedBy:    by,
		Reason:       reason,
		ModifiedArgs: modified,
		ResolvedAt:   now,
	}
	g.decisions[req.ID] = d
	out := *d
	return &out
}
