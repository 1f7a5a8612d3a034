// Package stringsearch provides literal pattern matching over lines of text
package stringsearch

import "strings"

// Occurrence is a single pattern hit within a line
type Occurrence struct {
	Pattern string
	Column  int
}

// Matcher finds occurrences of a set of literal patterns in text lines.
// Matching is byte-oriented; case folding uses ASCII-aware strings.ToLower.
type Matcher struct {
	patterns      []string
	needles       []string
	caseSensitive bool
}

// NewMatcher creates a matcher for the given literal patterns
func NewMatcher(patterns []string, caseSensitive bool) *Matcher {
	m := &Matcher{
		patterns:      patterns,
		needles:       patterns,
		caseSensitive: caseSensitive,
	}
	if !caseSensitive {
		m.needles = make([]string, len(patterns))
		for i, p := range patterns {
			m.needles[i] = strings.ToLower(p)
		}
	}
	return m
}

// Indexes returns every occurrence of every pattern in line, ordered by column
func (m *Matcher) Indexes(line string) []Occurrence {
	haystack := line
	if !m.caseSensitive {
		haystack = strings.ToLower(line)
	}

	var occ []Occurrence
	for i, needle := range m.needles {
		if needle == "" {
			continue
		}
		from := 0
		for {
			idx := strings.Index(haystack[from:], needle)
			if idx < 0 {
				break
			}
			occ = append(occ, Occurrence{Pattern: m.patterns[i], Column: from + idx})
			from += idx + len(needle)
		}
	}

	// occurrences from different patterns interleave by column
	for i := 1; i < len(occ); i++ {
		for j := i; j > 0 && occ[j].Column < occ[j-1].Column; j-- {
			occ[j], occ[j-1] = occ[j-1], occ[j]
		}
	}
	return occ
}

// Contains checks if any pattern occurs in line
func (m *Matcher) Contains(line string) bool {
	haystack := line
	if !m.caseSensitive {
		haystack = strings.ToLower(line)
	}
	for _, needle := range m.needles {
		if needle != "" && strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}

// Patterns returns the patterns this matcher was built with
func (m *Matcher) Patterns() []string {
	return m.patterns
}
