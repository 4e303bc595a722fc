package entry

import (
	"bytes"
	"testing"

	"ipsagent/internal/model"
	"ipsagent/internal/signature"
)

// TestFlagsRoundTrip grounds entry_ut.cc's flags_test: unset flags
// read false, setting one flag never affects another, and unset
// returns to false.
func TestFlagsRoundTrip(t *testing.T) {
	e := New("t1")
	if e.IsFlagSet("CONTEXT_A") || e.IsFlagSet("CONTEXT_B") {
		t.Fatal("flags should start unset")
	}
	e.SetFlag("CONTEXT_A")
	if !e.IsFlagSet("CONTEXT_A") || e.IsFlagSet("CONTEXT_B") {
		t.Fatal("CONTEXT_A should be set, CONTEXT_B should not")
	}
	e.UnsetFlag("CONTEXT_A")
	if e.IsFlagSet("CONTEXT_A") {
		t.Fatal("CONTEXT_A should be unset")
	}
}

// TestBufferMiss grounds entry_ut.cc's get_buffer_test: a context
// never set returns not-ok, not a zero-value buffer treated as hit.
func TestBufferMiss(t *testing.T) {
	e := New("t1")
	e.SetBuffer("HTTP_REQUEST_BODY", []byte("ddd"), 0)

	b, ok := e.Buffer("HTTP_REQUEST_BODY")
	if !ok || !bytes.Equal(b, []byte("ddd")) {
		t.Fatalf("got %q,%v want ddd,true", b, ok)
	}
	if _, ok := e.Buffer("HTTP_REQUEST_HEADER"); ok {
		t.Fatal("unset context should miss")
	}
}

// TestTransactionDataRoundTrip grounds entry_ut.cc's
// get_and_set_transaction_data.
func TestTransactionDataRoundTrip(t *testing.T) {
	e := New("t1")
	if _, ok := e.GetTransactionData("transaction_key"); ok {
		t.Fatal("unset key should miss")
	}
	e.SetTransactionData("transaction_key", []byte("transaction_value"))
	v, ok := e.GetTransactionData("transaction_key")
	if !ok || !bytes.Equal(v, []byte("transaction_value")) {
		t.Fatalf("got %q,%v want transaction_value,true", v, ok)
	}
}

func TestVarsResetBetweenContexts(t *testing.T) {
	e := New("t1")
	e.SetVar("x", 42)
	if v, ok := e.GetVar("x"); !ok || v != 42 {
		t.Fatalf("got %d,%v want 42,true", v, ok)
	}
	e.ResetVars()
	if _, ok := e.GetVar("x"); ok {
		t.Fatal("keyword vars must not survive ResetVars")
	}
}

func TestSetBufferTruncates(t *testing.T) {
	e := New("t1")
	e.SetBuffer("HTTP_REQUEST_BODY", []byte("0123456789"), 5)
	data, truncated := e.Captured("HTTP_REQUEST_BODY")
	if !truncated || string(data) != "01234" {
		t.Fatalf("got %q,%v want 01234,true", data, truncated)
	}
	// The matching path sees the same capped bytes as the log record.
	b, ok := e.Buffer("HTTP_REQUEST_BODY")
	if !ok || string(b) != "01234" {
		t.Fatalf("got %q,%v want 01234,true", b, ok)
	}
}

func TestSetBufferUnderCapNotTruncated(t *testing.T) {
	e := New("t1")
	e.SetBuffer("HTTP_REQUEST_BODY", []byte("short"), 50)
	data, truncated := e.Captured("HTTP_REQUEST_BODY")
	if truncated || string(data) != "short" {
		t.Fatalf("got %q,%v want short,false", data, truncated)
	}
}

// TestSetBufferJoinedCapsAfterJoining grounds the joined-after-truncation
// decision recorded in DESIGN.md for multi-header contexts: parts are
// concatenated first, then the cap is applied once to the whole.
func TestSetBufferJoinedCapsAfterJoining(t *testing.T) {
	e := New("t1")
	parts := [][]byte{[]byte("Host: example.com"), []byte("Accept: */*")}
	e.SetBufferJoined("HTTP_REQUEST_HEADERS", parts, []byte("\r\n"), 20)
	data, truncated := e.Captured("HTTP_REQUEST_HEADERS")
	want := "Host: example.com\r\nAccept: */*"[:20]
	if !truncated || string(data) != want {
		t.Fatalf("got %q,%v want %q,true", data, truncated, want)
	}
}

func TestVerdictMonotonic(t *testing.T) {
	e := New("t1")
	if got := e.Verdict(); got != model.Accept {
		t.Fatalf("initial verdict got %v want Accept", got)
	}
	e.AdvanceVerdict(model.Inspect)
	if got := e.Verdict(); got != model.Inspect {
		t.Fatalf("got %v want Inspect", got)
	}
	e.AdvanceVerdict(model.Accept)
	if got := e.Verdict(); got != model.Inspect {
		t.Fatalf("verdict moved backward: got %v want Inspect", got)
	}
	e.AdvanceVerdict(model.Drop)
	if got := e.Verdict(); got != model.Drop {
		t.Fatalf("got %v want Drop", got)
	}
}

func TestSignatureCacheRoundTrip(t *testing.T) {
	e := New("t1")
	if _, ok := e.Get("sig1"); ok {
		t.Fatal("unset signature cache entry should miss")
	}
	e.Set("sig1", signature.CacheEntry{NextIndex: 2})
	got, ok := e.Get("sig1")
	if !ok || got.NextIndex != 2 {
		t.Fatalf("got %+v,%v want NextIndex=2,true", got, ok)
	}
}
