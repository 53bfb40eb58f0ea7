// Package observability provides tiller-specific instrumentation helpers.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Semantic convention attributes for the execution engine.
var (
	// Plan attributes
	AttrPlanID   = attribute.Key("tiller.plan.id")
	AttrIntentID = attribute.Key("tiller.intent.id")
	AttrPlanMode = attribute.Key("tiller.plan.mode")

	// Capability call attributes
	AttrCapability    = attribute.Key("tiller.capability.id")
	AttrSecurityLevel = attribute.Key("tiller.capability.security_level")
	AttrCostCents     = attribute.Key("tiller.capability.cost_cents")
	AttrSimulated     = attribute.Key("tiller.capability.simulated")

	// Governance attributes
	AttrVerdict = attribute.Key("tiller.governance.verdict")
	AttrRuleID  = attribute.Key("tiller.governance.rule_id")

	// Approval attributes
	AttrApprovalID     = attribute.Key("tiller.approval.id")
	AttrApprovalStatus = attribute.Key("tiller.approval.status")
)

// PlanAttrs creates attributes for a plan execution.
func PlanAttrs(planID, intentID, mode string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPlanID.String(planID),
		AttrIntentID.String(intentID),
		AttrPlanMode.String(mode),
	}
}

// CallAttrs creates attributes for a capability invocation.
func CallAttrs(capability, securityLevel string, costCents int64, simulated bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapability.String(capability),
		AttrSecurityLevel.String(securityLevel),
		AttrCostCents.Int64(costCents),
		AttrSimulated.Bool(simulated),
	}
}

// VerdictAttrs creates attributes for a governance decision.
func VerdictAttrs(capability, verdict, ruleID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapability.String(capability),
		AttrVerdict.String(verdict),
		AttrRuleID.String(ruleID),
	}
}

// ApprovalAttrs creates attributes for an approval lifecycle event.
func ApprovalAttrs(approvalID, capability, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrApprovalID.String(approvalID),
		AttrCapability.String(capability),
		AttrApprovalStatus.String(status),
	}
}

// SpanFromContext extracts the span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus sets the span status based on error.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
