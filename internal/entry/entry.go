// Package entry implements the per-transaction matching state (C7):
// flags, named buffers, a transaction-scoped scratch store, keyword
// variables, and the compound-signature cache. One Entry is created
// per HTTP transaction by the dispatcher (C8) and discarded at
// EndTransaction; nothing in Entry survives past one transaction.
//
// The shape (guarded fields behind a mutex, a Snapshot-style read path)
// follows session.Session; the field-size cap and truncate-on-capture
// logic follows proxy.CaptureBuffer, generalized from a per-session
// request/response pair to an arbitrary named-buffer map and adapted
// to the joined-after-truncation semantics spec.md §9 settles on for
// multi-header contexts.
package entry

import (
	"sync"

	"ipsagent/internal/model"
	"ipsagent/internal/signature"
)

// Entry is one HTTP transaction's mutable matching state. All methods
// are safe for concurrent use, though in practice a transaction is
// owned by a single worker goroutine end to end.
type Entry struct {
	mu sync.Mutex

	id string

	flags map[string]bool

	// buffers holds every named parsed-context buffer seen so far this
	// transaction (capped to the configured Max Field Size when a cap
	// is given to SetBuffer), used both to satisfy keyword.BufferSource
	// for cross-context "part" references and to supply the log
	// record's captured fields. Capping the single copy, rather than
	// keeping a full-fidelity copy plus a separate forensic one,
	// matches spec.md §4.6's captured_buffers field doing both jobs.
	buffers   map[string][]byte
	truncated map[string]bool

	transactionData map[string][]byte
	keywordVars     map[string]int64
	sigCache        map[string]signature.CacheEntry

	verdict model.Verdict
}

// New creates an empty Entry for transaction id.
func New(id string) *Entry {
	return &Entry{
		id:              id,
		flags:           map[string]bool{},
		buffers:         map[string][]byte{},
		truncated:       map[string]bool{},
		transactionData: map[string][]byte{},
		keywordVars:     map[string]int64{},
		sigCache:        map[string]signature.CacheEntry{},
		verdict:         model.Accept,
	}
}

// ID returns the transaction identifier this entry was created for.
func (e *Entry) ID() string { return e.id }

// SetBuffer registers the parsed-context buffer for name, capped to
// maxFieldSize (zero or negative means no cap), making it available
// to subsequent keyword evaluations via Buffer and to the log record
// via Captured. Called by the dispatcher once per parsed context,
// before matching runs. Truncation is silent to the matcher; the
// truncated flag is only consulted when building the log record.
func (e *Entry) SetBuffer(name string, data []byte, maxFieldSize int) (truncated bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if maxFieldSize > 0 && len(data) > maxFieldSize {
		e.buffers[name] = append([]byte(nil), data[:maxFieldSize]...)
		e.truncated[name] = true
		return true
	}
	e.buffers[name] = append([]byte(nil), data...)
	delete(e.truncated, name)
	return false
}

// SetBufferJoined implements the joined-after-truncation rule for
// multi-valued contexts such as HTTP_REQUEST_HEADERS: every part is
// concatenated with sep first, and the cap is applied once to the
// joined result, rather than once per part.
func (e *Entry) SetBufferJoined(name string, parts [][]byte, sep []byte, maxFieldSize int) (truncated bool) {
	joined := make([]byte, 0)
	for i, p := range parts {
		if i > 0 {
			joined = append(joined, sep...)
		}
		joined = append(joined, p...)
	}
	return e.SetBuffer(name, joined, maxFieldSize)
}

// Buffer implements keyword.BufferSource.
func (e *Entry) Buffer(name string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.buffers[name]
	return b, ok
}

// Captured returns the (possibly capped) buffer recorded under name
// for the log record, and whether it was truncated.
func (e *Entry) Captured(name string) (data []byte, truncated bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.buffers[name], e.truncated[name]
}

// SetFlag, UnsetFlag and IsFlagSet implement keyword.FlagStore.
func (e *Entry) SetFlag(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.flags[name] = true
}

func (e *Entry) UnsetFlag(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.flags, name)
}

func (e *Entry) IsFlagSet(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.flags[name]
}

// GetVar and SetVar implement keyword.VarStore for the byte_extract /
// length / compare keywords.
func (e *Entry) GetVar(name string) (int64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.keywordVars[name]
	return v, ok
}

func (e *Entry) SetVar(name string, v int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keywordVars[name] = v
}

// ResetVars clears keyword_vars between parsed contexts: a
// byte_extract in one context must never leak its variable into the
// next context's program.
func (e *Entry) ResetVars() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.keywordVars = map[string]int64{}
}

// GetTransactionData and SetTransactionData are the transaction-scoped
// scratch store for feature code; unlike keyword_vars it outlives
// ResetVars. The stateop keyword does not use it: its state lives in
// the flag set (SetFlag/UnsetFlag/IsFlagSet).
func (e *Entry) GetTransactionData(key string) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.transactionData[key]
	return v, ok
}

func (e *Entry) SetTransactionData(key string, value []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.transactionData[key] = value
}

// Get and Set implement signature.Cache for compound and/ordered_and
// progress tracking.
func (e *Entry) Get(id string) (signature.CacheEntry, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	v, ok := e.sigCache[id]
	return v, ok
}

func (e *Entry) Set(id string, ce signature.CacheEntry) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sigCache[id] = ce
}

// AdvanceVerdict folds v into the transaction's running verdict via
// the Accept < Inspect < Drop lattice and returns the new value. Once
// Drop is reached it never moves back.
func (e *Entry) AdvanceVerdict(v model.Verdict) model.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.verdict = model.Max(e.verdict, v)
	return e.verdict
}

// Verdict returns the transaction's current running verdict.
func (e *Entry) Verdict() model.Verdict {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.verdict
}
