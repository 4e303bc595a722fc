// Package signature implements the tagged-union signature tree (C4):
// Simple leaves that run a keyword program, and Compound nodes
// (and/or/ordered_and) that combine child signatures. Both implement
// one flat Signature interface, and Compound dispatches by switch on
// its Op tag, per spec.md §9's guidance against deep inheritance
// among signature variants.
package signature

import (
	"fmt"

	"ipsagent/internal/keyword"
	"ipsagent/internal/model"
	"ipsagent/internal/pattern"
)

// Status is the three-valued outcome of matching a signature against
// one parsed-context event.
type Status int

const (
	NoMatch Status = iota
	Match
	// CacheMatch means a literal anchor the signature depends on
	// hasn't hit yet in this context, or (for compound signatures) an
	// operand is still outstanding; the program was not evaluated.
	CacheMatch
)

func (s Status) String() string {
	switch s {
	case Match:
		return "Match"
	case CacheMatch:
		return "CacheMatch"
	default:
		return "NoMatch"
	}
}

// Metadata is the per-signature descriptive block carried in the
// protection bundle, used by the policy filters (C6) and the log
// record (C10).
type Metadata struct {
	Name        string
	Severity    model.Severity
	Confidence  model.Confidence
	Performance model.Performance
	LastUpdate  string
	Tags        []string
	CVEList     []string
	Silent      bool
}

// HasTag reports whether tag is present among Tags.
func (m Metadata) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// BufferSource, VarStore and FlagStore are the per-connection state
// accessors a keyword program needs; IPSEntry (C7) implements all
// three.
type BufferSource = keyword.BufferSource
type VarStore = keyword.VarStore
type FlagStore = keyword.FlagStore

// CacheEntry is one compound signature's cross-event progress, stored
// in the per-connection signature_cache (C7) and cleared at end of
// transaction.
type CacheEntry struct {
	// NextIndex is ordered_and's progress cursor. -1 means the
	// ordered_and has definitively failed and will never match again
	// this transaction.
	NextIndex int
	// Matched records which "and" operand indices have matched so far.
	Matched map[int]bool
}

// Cache is the per-connection signature_cache (C7), keyed by
// signature id.
type Cache interface {
	Get(id string) (CacheEntry, bool)
	Set(id string, entry CacheEntry)
}

// Signature is implemented by Simple and Compound.
type Signature interface {
	ID() string
	SigMetadata() Metadata
	// Contexts returns every context name this signature (or any of
	// its operands, recursively) can fire on; used by the dispatcher
	// (C8) to skip signatures that cannot fire on the current context.
	Contexts() []string
	// Match evaluates the signature against one parsed-context event.
	// hits is the aggregator's literal hit set for ctxName.
	Match(ctxName string, hits map[pattern.Pattern]struct{}, bufs BufferSource, vars VarStore, flags FlagStore, cache Cache) Status
}

// Simple is a leaf signature: a keyword program gated by an optional
// literal anchor and a fixed set of contexts.
type Simple struct {
	SigID         string
	Metadata      Metadata
	SigContexts   []string
	LiteralAnchor *pattern.Pattern
	Program       *keyword.Program
}

func (s *Simple) ID() string            { return s.SigID }
func (s *Simple) SigMetadata() Metadata { return s.Metadata }
func (s *Simple) Contexts() []string    { return s.SigContexts }

func (s *Simple) hasContext(name string) bool {
	for _, c := range s.SigContexts {
		if c == name {
			return true
		}
	}
	return false
}

func (s *Simple) Match(ctxName string, hits map[pattern.Pattern]struct{}, bufs BufferSource, vars VarStore, flags FlagStore, _ Cache) Status {
	if !s.hasContext(ctxName) {
		return NoMatch
	}
	if s.LiteralAnchor != nil {
		if _, ok := hits[*s.LiteralAnchor]; !ok {
			return CacheMatch
		}
	}
	if s.Program.Eval(ctxName, bufs, vars, flags) {
		return Match
	}
	return NoMatch
}

// Operator is the compound combinator kind.
type Operator int

const (
	And Operator = iota
	Or
	OrderedAnd
)

func ParseOperator(s string) (Operator, error) {
	switch s {
	case "and":
		return And, nil
	case "or":
		return Or, nil
	case "ordered_and":
		return OrderedAnd, nil
	default:
		return 0, fmt.Errorf("unknown compound operator %q", s)
	}
}

// Compound combines operand signatures with and/or/ordered_and
// semantics. Operands must be non-empty (checked at load time by
// NewCompound).
type Compound struct {
	SigID       string
	Metadata    Metadata
	Op          Operator
	Operands    []Signature
	allContexts []string
}

// NewCompound validates the operand list and precomputes the union of
// operand contexts. An empty operand list is a load-time error per
// spec.md §4.3.
func NewCompound(id string, meta Metadata, op Operator, operands []Signature) (*Compound, error) {
	if len(operands) == 0 {
		return nil, fmt.Errorf("compound signature %s: empty operand list", id)
	}
	seen := map[string]bool{}
	var all []string
	for _, o := range operands {
		for _, c := range o.Contexts() {
			if !seen[c] {
				seen[c] = true
				all = append(all, c)
			}
		}
	}
	return &Compound{SigID: id, Metadata: meta, Op: op, Operands: operands, allContexts: all}, nil
}

func (c *Compound) ID() string            { return c.SigID }
func (c *Compound) SigMetadata() Metadata { return c.Metadata }
func (c *Compound) Contexts() []string    { return c.allContexts }

func operandApplicable(operand Signature, ctxName string) bool {
	for _, c := range operand.Contexts() {
		if c == ctxName {
			return true
		}
	}
	return false
}

func (c *Compound) Match(ctxName string, hits map[pattern.Pattern]struct{}, bufs BufferSource, vars VarStore, flags FlagStore, cache Cache) Status {
	switch c.Op {
	case Or:
		return c.matchOr(ctxName, hits, bufs, vars, flags, cache)
	case And:
		return c.matchAnd(ctxName, hits, bufs, vars, flags, cache)
	case OrderedAnd:
		return c.matchOrderedAnd(ctxName, hits, bufs, vars, flags, cache)
	default:
		return NoMatch
	}
}

func (c *Compound) matchOr(ctxName string, hits map[pattern.Pattern]struct{}, bufs BufferSource, vars VarStore, flags FlagStore, cache Cache) Status {
	sawCacheMatch := false
	for _, operand := range c.Operands {
		switch operand.Match(ctxName, hits, bufs, vars, flags, cache) {
		case Match:
			return Match
		case CacheMatch:
			sawCacheMatch = true
		}
	}
	if sawCacheMatch {
		return CacheMatch
	}
	return NoMatch
}

func (c *Compound) matchAnd(ctxName string, hits map[pattern.Pattern]struct{}, bufs BufferSource, vars VarStore, flags FlagStore, cache Cache) Status {
	entry, _ := cache.Get(c.SigID)
	if entry.Matched == nil {
		entry.Matched = map[int]bool{}
	}

	applicableThisEvent := false
	for i, operand := range c.Operands {
		if entry.Matched[i] {
			continue
		}
		if !operandApplicable(operand, ctxName) {
			continue
		}
		applicableThisEvent = true
		if operand.Match(ctxName, hits, bufs, vars, flags, cache) == Match {
			entry.Matched[i] = true
		}
	}
	cache.Set(c.SigID, entry)

	if len(entry.Matched) == len(c.Operands) {
		return Match
	}
	if applicableThisEvent || len(entry.Matched) > 0 {
		return CacheMatch
	}
	return NoMatch
}

func (c *Compound) matchOrderedAnd(ctxName string, hits map[pattern.Pattern]struct{}, bufs BufferSource, vars VarStore, flags FlagStore, cache Cache) Status {
	entry, ok := cache.Get(c.SigID)
	if !ok {
		entry = CacheEntry{NextIndex: 0}
	}
	if entry.NextIndex < 0 {
		return NoMatch
	}
	if entry.NextIndex >= len(c.Operands) {
		return Match
	}

	operand := c.Operands[entry.NextIndex]
	if !operandApplicable(operand, ctxName) {
		return CacheMatch
	}

	switch operand.Match(ctxName, hits, bufs, vars, flags, cache) {
	case Match:
		entry.NextIndex++
		cache.Set(c.SigID, entry)
		if entry.NextIndex >= len(c.Operands) {
			return Match
		}
		return CacheMatch
	case CacheMatch:
		return CacheMatch
	default:
		entry.NextIndex = -1
		cache.Set(c.SigID, entry)
		return NoMatch
	}
}
