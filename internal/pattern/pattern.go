// Package pattern compiles literal patterns into a multi-pattern
// automaton (C2) and reports hits over a buffer for the C5 prefilter's
// set-membership check. The automaton is built with
// github.com/petar-dambovaliev/aho-corasick in DFA mode, following the
// shape of the common-string matcher in wordfence-go's scanner package.
//
// Scan runs LeftMostLongestMatch, the same mode wordfence-go's matcher
// uses: at a given start offset it reports the single longest pattern,
// not every pattern that starts there. Two registered literals whose
// occurrences overlap in the buffer (one a substring of the other's
// span, starting at different offsets) can therefore mask each other
// for this offset — acceptable for a prefilter (C5 only needs to know
// a literal anchor hit at all before evaluating the full keyword
// program), but a signature whose keyword program depends on a
// shorter literal's exact offset inside a longer one's span should not
// rely on both appearing in the same Scan call.
package pattern

import (
	"sort"
	"unsafe"

	ahocorasick "github.com/petar-dambovaliev/aho-corasick"

	"ipsagent/internal/buffer"
)

// Pattern is a literal byte string with match-mode flags. Two patterns
// are the same entry in a PatternSet iff Literal, Nocase and Anchored
// are all equal.
type Pattern struct {
	Literal  string
	Nocase   bool
	Anchored bool
}

// Hit is one occurrence of a pattern within a scanned buffer.
type Hit struct {
	Pattern Pattern
	Offset  int
}

// Set is an unordered, deduplicated collection of Pattern.
type Set struct {
	patterns []Pattern
	index    map[Pattern]struct{}
}

// NewSet builds an empty pattern set.
func NewSet() *Set {
	return &Set{index: make(map[Pattern]struct{})}
}

// Add inserts p if not already present. Returns true if it was newly added.
func (s *Set) Add(p Pattern) bool {
	if _, ok := s.index[p]; ok {
		return false
	}
	s.index[p] = struct{}{}
	s.patterns = append(s.patterns, p)
	return true
}

// Len returns the number of distinct patterns in the set.
func (s *Set) Len() int { return len(s.patterns) }

// Patterns returns the set contents in a stable (insertion) order.
func (s *Set) Patterns() []Pattern {
	out := make([]Pattern, len(s.patterns))
	copy(out, s.patterns)
	return out
}

// Handle is a prepared, immutable automaton over a Set. Prepare is
// deterministic and idempotent for identical input sets.
type Handle struct {
	patterns []Pattern
	// ac is nil for an empty set. Its pattern indices are indices into
	// patterns; case-sensitive patterns are re-checked in Scan because
	// the automaton folds case for every pattern when any one needs it.
	ac *ahocorasick.AhoCorasick
}

// Prepare compiles a Set into a Handle. An empty set is legal and its
// Handle matches nothing, without allocating an automaton.
func Prepare(s *Set) *Handle {
	h := &Handle{patterns: s.Patterns()}
	if len(h.patterns) == 0 {
		return h
	}

	// Two automata would be needed to give every pattern its own
	// case sensitivity; instead we build one case-insensitive
	// automaton whenever any pattern needs it and re-check
	// case-sensitive patterns exactly against the hit text.
	anyNocase := false
	literals := make([]string, len(h.patterns))
	for i, p := range h.patterns {
		literals[i] = p.Literal
		if p.Nocase {
			anyNocase = true
		}
	}

	builder := ahocorasick.NewAhoCorasickBuilder(ahocorasick.Opts{
		AsciiCaseInsensitive: anyNocase,
		MatchOnlyWholeWords:  false,
		MatchKind:            ahocorasick.LeftMostLongestMatch,
		DFA:                  true,
	})
	ac := builder.Build(literals)
	h.ac = &ac
	return h
}

// Scan returns every (pattern, offset) hit in buf under
// LeftMostLongestMatch (see the package doc for what that means for
// overlapping literals). Anchored patterns are only reported when they
// start at offset 0. Scan never allocates per byte.
func (h *Handle) Scan(buf buffer.Buffer) []Hit {
	if h.ac == nil || len(h.patterns) == 0 {
		return nil
	}
	data := buf.Bytes()
	// Zero-copy string view, mirroring the wordfence-go matcher's use
	// of unsafe.String over scanned content.
	text := unsafe.String(unsafe.SliceData(data), len(data))

	var hits []Hit
	iter := h.ac.Iter(text)
	for {
		m := iter.Next()
		if m == nil {
			break
		}
		idx := m.Pattern()
		if idx < 0 || idx >= len(h.patterns) {
			continue
		}
		p := h.patterns[idx]
		start := m.Start()
		if p.Anchored && start != 0 {
			continue
		}
		if !p.Nocase {
			// The automaton may be running case-insensitively
			// because a sibling pattern needed it; re-verify exact
			// bytes for case-sensitive patterns.
			end := m.End()
			if end > len(data) || string(data[start:end]) != p.Literal {
				continue
			}
		}
		hits = append(hits, Hit{Pattern: p, Offset: start})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].Offset < hits[j].Offset })
	return hits
}

// HitSet is the deduplicated set of patterns that hit at least once,
// the input C4/C5 need for Simple.match's CacheMatch check.
func HitSet(hits []Hit) map[Pattern]struct{} {
	set := make(map[Pattern]struct{}, len(hits))
	for _, h := range hits {
		set[h.Pattern] = struct{}{}
	}
	return set
}
