package constitution

// MatchGlob reports whether a pattern matches a capability identifier.
// The only metacharacter is '*', matching any run of characters including
// the empty run. Identifiers contain no path separators, so no separator
// semantics apply.
func MatchGlob(pattern, id string) bool {
	// Iterative backtracking over the single-star wildcard.
	var (
		p, s         int
		starP, starS = -1, 0
	)
	for s < len(id) {
		switch {
		case p < len(pattern) && (pattern[p] == id[s]):
			p++
			s++
		case p < len(pattern) && pattern[p] == '*':
			starP = p
			starS = s
			p++
		case starP >= 0:
			starS++
			s = starS
			p = starP + 1
		default:
			return false
		}
	}
	for p < len(pattern) && pattern[p] == '*' {
		p++
	}
	return p == len(pattern)
}
