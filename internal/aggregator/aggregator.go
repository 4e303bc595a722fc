// Package aggregator implements the first-tier literal pre-filter
// (C5): one shared multi-pattern automaton per context name, built
// from every signature's literal anchor that declares that context.
package aggregator

import (
	"ipsagent/internal/buffer"
	"ipsagent/internal/pattern"
	"ipsagent/internal/signature"
)

// Aggregator holds one prepared pattern.Handle per context name.
type Aggregator struct {
	handles map[string]*pattern.Handle
}

// Build walks every signature (recursing into compound operands) and
// compiles one automaton per context from the literal anchors of its
// Simple leaves. Signatures with no anchor cost one program evaluation
// per event and are not represented in the aggregator at all, per
// spec.md §4.4.
func Build(sigs []signature.Signature) *Aggregator {
	sets := map[string]*pattern.Set{}
	for _, sig := range sigs {
		walkSimples(sig, func(s *signature.Simple) {
			if s.LiteralAnchor == nil {
				return
			}
			for _, ctx := range s.SigContexts {
				set := sets[ctx]
				if set == nil {
					set = pattern.NewSet()
					sets[ctx] = set
				}
				set.Add(*s.LiteralAnchor)
			}
		})
	}

	handles := make(map[string]*pattern.Handle, len(sets))
	for ctx, set := range sets {
		handles[ctx] = pattern.Prepare(set)
	}
	return &Aggregator{handles: handles}
}

func walkSimples(sig signature.Signature, fn func(*signature.Simple)) {
	switch s := sig.(type) {
	case *signature.Simple:
		fn(s)
	case *signature.Compound:
		for _, operand := range s.Operands {
			walkSimples(operand, fn)
		}
	}
}

// Scan reports the set of literal anchors that hit in buf for the
// given context. A context with no registered automaton (no signature
// anchors on it) scans to an empty set, not an error.
func (a *Aggregator) Scan(ctxName string, buf buffer.Buffer) map[pattern.Pattern]struct{} {
	h, ok := a.handles[ctxName]
	if !ok {
		return nil
	}
	return pattern.HitSet(h.Scan(buf))
}

// Contexts returns every context name with a built automaton, in no
// particular order.
func (a *Aggregator) Contexts() []string {
	out := make([]string, 0, len(a.handles))
	for c := range a.handles {
		out = append(out, c)
	}
	return out
}
