// Package criticality derives the risk level of a prospective capability
// call. Classification is a pure function of the capability identifier and
// its manifest, and the same function runs in every execution mode so a
// simulated run and a live run can never disagree about what is critical.
package criticality

import (
	"strings"
)

// Level is an ordered risk classification.
type Level int

const (
	Low Level = iota
	Moderate
	Critical
	Dangerous
)

func (l Level) String() string {
	switch l {
	case Low:
		return "low"
	case Moderate:
		return "moderate"
	case Critical:
		return "critical"
	case Dangerous:
		return "dangerous"
	}
	return "unknown"
}

// ParseLevel maps a declared security-level string to a Level. Aliases used
// by older manifests ("medium", "high") are accepted.
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return Low, true
	case "moderate", "medium":
		return Moderate, true
	case "critical", "high":
		return Critical, true
	case "dangerous":
		return Dangerous, true
	}
	return Low, false
}

// ManifestMeta is the slice of a capability manifest the classifier reads.
type ManifestMeta struct {
	SecurityLevel string
	Irreversible  bool
}

// Result carries the derived level plus the irreversibility flag used in
// audit rationale.
type Result struct {
	Level        Level
	Irreversible bool
	// Source is "manifest" when the level came from a declaration and
	// "heuristic" otherwise.
	Source string
}

// Identifier substrings checked in fixed priority order. The first group
// that matches decides.
var (
	criticalFinance = []string{"payment", "billing", "charge", "transfer"}
	criticalDestroy = []string{"delete", "remove", "destroy", "drop"}
	moderateWrite   = []string{"write", "create", "update", "modify"}
)

// Classify derives the level for a capability. A manifest-declared
// security-level is used verbatim; otherwise fixed-priority identifier
// heuristics apply. Deterministic by construction.
func Classify(capabilityID string, meta *ManifestMeta) Result {
	if meta != nil && meta.SecurityLevel != "" {
		if lvl, ok := ParseLevel(meta.SecurityLevel); ok {
			return Result{Level: lvl, Irreversible: meta.Irreversible, Source: "manifest"}
		}
	}

	id := strings.ToLower(capabilityID)
	irreversible := meta != nil && meta.Irreversible

	if containsAny(id, criticalFinance) {
		return Result{Level: Critical, Irreversible: irreversible, Source: "heuristic"}
	}
	if containsAny(id, criticalDestroy) {
		return Result{Level: Critical, Irreversible: true, Source: "heuristic"}
	}
	if containsAny(id, moderateWrite) {
		return Result{Level: Moderate, Irreversible: irreversible, Source: "heuristic"}
	}
	return Result{Level: Low, Irreversible: irreversible, Source: "heuristic"}
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
