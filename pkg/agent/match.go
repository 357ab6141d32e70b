package agent

// Match reports whether the workload identifier matches the pattern.
// The only metacharacter is '*', which matches any run of characters,
// path separators included, so "spiffe://example.org/agent/*" covers
// nested paths too.
func Match(pattern, id string) bool {
	for len(pattern) > 0 {
		if pattern[0] != '*' {
			if len(id) == 0 || pattern[0] != id[0] {
				return false
			}
			pattern, id = pattern[1:], id[1:]
			continue
		}
		for len(pattern) > 0 && pattern[0] == '*' {
			pattern = pattern[1:]
		}
		if pattern == "" {
			return true
		}
		for i := 0; i <= len(id); i++ {
			if Match(pattern, id[i:]) {
				return true
			}
		}
		return false
	}
	return len(id) == 0
}

// MatchAny reports whether the identifier matches at least one pattern.
// An empty pattern list matches everything.
func MatchAny(patterns []string, id string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if Match(p, id) {
			return true
		}
	}
	return false
}
