package keyword

import "testing"

type fakeBuffers map[string][]byte

func (f fakeBuffers) Buffer(name string) ([]byte, bool) {
	b, ok := f[name]
	return b, ok
}

type fakeVars struct {
	m map[string]int64
}

func newFakeVars() *fakeVars { return &fakeVars{m: map[string]int64{}} }

func (f *fakeVars) GetVar(name string) (int64, bool) { v, ok := f.m[name]; return v, ok }
func (f *fakeVars) SetVar(name string, v int64)       { f.m[name] = v }

type fakeFlags struct {
	m map[string]bool
}

func newFakeFlags() *fakeFlags { return &fakeFlags{m: map[string]bool{}} }

func (f *fakeFlags) SetFlag(name string)        { f.m[name] = true }
func (f *fakeFlags) UnsetFlag(name string)      { delete(f.m, name) }
func (f *fakeFlags) IsFlagSet(name string) bool { return f.m[name] }

func run(t *testing.T, program string, bufs fakeBuffers) bool {
	t.Helper()
	prog, err := Parse(program)
	if err != nil {
		t.Fatalf("parse %q: %v", program, err)
	}
	return prog.Eval("default", bufs, newFakeVars(), newFakeFlags())
}

func TestDataBasic(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("123456789")}
	if !run(t, `data: "234", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected match")
	}
	if run(t, `data: "75", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected no match")
	}
}

func TestDataRelative(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("1234567890")}
	if !run(t, `data: "567", part HTTP_RESPONSE_BODY; data: "234", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected match (independent, non-relative)")
	}
	if run(t, `data: "567", part HTTP_RESPONSE_BODY; data: "234", part HTTP_RESPONSE_BODY, relative;`, bufs) {
		t.Error("expected no match: 234 not found after cursor left by 567 match")
	}
	if !run(t, `data: "234", part HTTP_RESPONSE_BODY; data: "567", part HTTP_RESPONSE_BODY, relative;`, bufs) {
		t.Error("expected match: 567 found after cursor left by 234 match")
	}
}

func TestDataDepth(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("1234567890")}
	if !run(t, `data: "345", depth 5, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected match within depth 5")
	}
	if run(t, `data: "345", depth 4, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected no match: depth 4 excludes the literal")
	}
}

func TestDataNocase(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("abcdefg")}
	if run(t, `data: "CDE", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected no match: case sensitive by default")
	}
	if !run(t, `data: "CDE", nocase, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected match with nocase")
	}
}

func TestDataCaret(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("1234567890")}
	if run(t, `data: "345", part HTTP_RESPONSE_BODY, caret;`, bufs) {
		t.Error("expected no match: caret requires match at window start")
	}
	if !run(t, `data: "345", caret, part HTTP_RESPONSE_BODY, offset 2;`, bufs) {
		t.Error("expected match: caret satisfied at offset-adjusted start")
	}
}

func TestDataNegate(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("1234567890")}
	if run(t, `data: !"345", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected no match: negated literal present")
	}
	if !run(t, `data: !"365", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected match: negated literal absent")
	}
}

func TestPcreBasic(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("1234567890")}
	if !run(t, `pcre: "/5.7/", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected match")
	}
	if run(t, `pcre: "/5..7/", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected no match")
	}
}

func TestPcreNocaseFlag(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("abcdefg")}
	if !run(t, `pcre: "/C.E/i", part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected match with i flag")
	}
	if !run(t, `pcre: "/C.E/", nocase, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected match with nocase attribute")
	}
}

func TestLengthCompareBoundary(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("123")}
	if run(t, `length: 6, exact, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("exact on a shorter buffer should fail")
	}
	if !run(t, `length: 6, max, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("max on a shorter buffer should succeed")
	}
	bufs["HTTP_RESPONSE_BODY"] = []byte("123456")
	if !run(t, `length: 6, exact, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("exact on equal-length buffer should succeed")
	}
}

func TestByteExtractOverflow(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("99999999999999999999")}
	if run(t, `byte_extract: 21, overflow_var, string dec, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("expected overflow to fail the signature, not panic or wrap")
	}
}

func TestJumpFromEndClamps(t *testing.T) {
	bufs := fakeBuffers{"HTTP_RESPONSE_BODY": []byte("1234567890")}
	if run(t, `jump: 1, from_end, part HTTP_RESPONSE_BODY;`, bufs) {
		t.Error("from_end requires N <= 0")
	}
	if !run(t,
		`jump: -11, from_end, part HTTP_RESPONSE_BODY; length: length_var, relative, part HTTP_RESPONSE_BODY; compare: length_var, =, 10;`,
		bufs) {
		t.Error("from_end should clamp at 0")
	}
}

func TestStateopRoundTrip(t *testing.T) {
	prog, err := Parse(`stateop: state sss, isset;`)
	if err != nil {
		t.Fatal(err)
	}
	flags := newFakeFlags()
	if prog.Eval("default", fakeBuffers{}, newFakeVars(), flags) {
		t.Error("isset before set should be false")
	}

	setProg, _ := Parse(`stateop: state sss, set;`)
	if !setProg.Eval("default", fakeBuffers{}, newFakeVars(), flags) {
		t.Error("set should always succeed")
	}
	if !prog.Eval("default", fakeBuffers{}, newFakeVars(), flags) {
		t.Error("isset after set should be true")
	}

	unsetProg, _ := Parse(`stateop: state sss, unset;`)
	unsetProg.Eval("default", fakeBuffers{}, newFakeVars(), flags)
	if prog.Eval("default", fakeBuffers{}, newFakeVars(), flags) {
		t.Error("isset after unset should be false")
	}
}

func TestNoMatch(t *testing.T) {
	if run(t, `no_match;`, fakeBuffers{}) {
		t.Error("no_match is always false")
	}
}
