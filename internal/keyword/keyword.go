// Package keyword parses and evaluates the signature keyword
// mini-language (data, pcre, length, compare, byte_extract, jump,
// stateop, no_match) described in the protection bundle's
// detectionRules.keywords string. Parsing happens once at signature
// load time into a typed Program; Eval runs the program against a
// buffer source and per-connection variable/flag storage.
package keyword

import "fmt"

// KeywordProgramError reports a load-time parse failure, naming the
// offending keyword and token. The loader records it as a
// SignatureLoadError for the owning signature: that signature is
// skipped, the rest of the bundle loads.
type KeywordProgramError struct {
	Keyword string
	Token   string
	Reason  string
}

func (e *KeywordProgramError) Error() string {
	if e.Token == "" {
		return fmt.Sprintf("%s in the %q keyword", e.Reason, e.Keyword)
	}
	return fmt.Sprintf("%s in the %q keyword: %s", e.Reason, e.Keyword, e.Token)
}

// BufferSource resolves a named parsed-context buffer for the
// transaction currently being evaluated. Implemented by the
// per-connection entry (C7).
type BufferSource interface {
	Buffer(contextName string) (data []byte, ok bool)
}

// VarStore is the per-connection keyword_vars map, cleared between
// parsed contexts per spec.
type VarStore interface {
	GetVar(name string) (int64, bool)
	SetVar(name string, v int64)
}

// FlagStore is the per-connection stateop flag set (C7.flags),
// persisting for the lifetime of the transaction, not cleared between
// parsed contexts.
type FlagStore interface {
	SetFlag(name string)
	UnsetFlag(name string)
	IsFlagSet(name string) bool
}

// Program is a parsed, ordered keyword list, ready for repeated
// evaluation against different buffers without re-parsing.
type Program struct {
	ops []op
}

// Len reports the number of keyword operators in the program.
func (p *Program) Len() int { return len(p.ops) }

// Eval runs the program left to right. Each operator sees the cursor
// and last-match state left by its predecessor. The first failing
// operator short-circuits the whole program to false ("no match");
// this includes operators that hit a RuntimeMatchError (arithmetic
// overflow, out-of-range jump), which never escape as a Go error.
func (p *Program) Eval(defaultContext string, bufs BufferSource, vars VarStore, flags FlagStore) bool {
	st := &state{
		bufs:           bufs,
		vars:           vars,
		flags:          flags,
		currentContext: defaultContext,
	}
	for _, o := range p.ops {
		if !o.exec(st) {
			return false
		}
	}
	return true
}

// state carries cursor/last-match/current-context across operators
// within one Eval call, matching spec.md §3's KeywordProgram
// evaluation state.
type state struct {
	bufs  BufferSource
	vars  VarStore
	flags FlagStore

	currentContext string
	cursor         int
	hasLastMatch   bool
}

func (s *state) buffer(part string) ([]byte, bool) {
	name := part
	if name == "" {
		name = s.currentContext
	}
	return s.bufs.Buffer(name)
}

type op interface {
	exec(s *state) bool
}
