package verdict

import (
	"testing"

	"ipsagent/internal/exception"
	"ipsagent/internal/model"
	"ipsagent/internal/signature"
)

// TestResolvePrevent grounds scenario S1: a Prevent-action match drops
// and emits a log.
func TestResolvePrevent(t *testing.T) {
	meta := signature.Metadata{Name: "Test", Severity: model.SeverityHigh, LastUpdate: "20210420"}
	v, emit, sev := Resolve(meta, model.Prevent, exception.Outcome{})
	if v != model.Drop || !emit || sev != model.SeverityHigh {
		t.Fatalf("got verdict=%v emit=%v sev=%v", v, emit, sev)
	}
}

// TestResolveDetect grounds scenario S3: Detect advances to Inspect
// only, but still logs.
func TestResolveDetect(t *testing.T) {
	meta := signature.Metadata{Name: "Test"}
	v, emit, _ := Resolve(meta, model.Detect, exception.Outcome{})
	if v != model.Inspect || !emit {
		t.Fatalf("got verdict=%v emit=%v", v, emit)
	}
}

func TestResolveSilentStillMovesVerdictButNoLog(t *testing.T) {
	meta := signature.Metadata{Name: "Test", Silent: true}
	v, emit, _ := Resolve(meta, model.Prevent, exception.Outcome{})
	if v != model.Drop {
		t.Fatalf("silent signature must still move the verdict, got %v", v)
	}
	if emit {
		t.Fatal("silent signature must never emit a log")
	}
}

// TestResolveExceptionAccept grounds scenario S6: an accept exception
// overrides to Accept and forces Info severity; a silent signature
// still emits no log.
func TestResolveExceptionAccept(t *testing.T) {
	meta := signature.Metadata{Name: "Test", Severity: model.SeverityHigh, Silent: true}
	v, emit, sev := Resolve(meta, model.Prevent, exception.Outcome{Matched: true, Behavior: exception.BehaviorAccept})
	if v != model.Accept || emit || sev != model.SeverityInfo {
		t.Fatalf("got verdict=%v emit=%v sev=%v, want Accept/false/Info", v, emit, sev)
	}
}

func TestResolveExceptionDropOverridesDetect(t *testing.T) {
	meta := signature.Metadata{Name: "Test"}
	v, emit, _ := Resolve(meta, model.Detect, exception.Outcome{Matched: true, Behavior: exception.BehaviorDrop})
	if v != model.Drop || !emit {
		t.Fatalf("got verdict=%v emit=%v, want Drop/true", v, emit)
	}
}

func TestResolveExceptionSuppressLogKeepsVerdict(t *testing.T) {
	meta := signature.Metadata{Name: "Test"}
	v, emit, _ := Resolve(meta, model.Prevent, exception.Outcome{Matched: true, Behavior: exception.BehaviorSuppressLog})
	if v != model.Drop || emit {
		t.Fatalf("got verdict=%v emit=%v, want Drop/false", v, emit)
	}
}

func TestResolveInactiveIsAcceptNoLog(t *testing.T) {
	meta := signature.Metadata{Name: "Test"}
	v, emit, _ := Resolve(meta, model.Inactive, exception.Outcome{})
	if v != model.Accept || emit {
		t.Fatalf("got verdict=%v emit=%v, want Accept/false", v, emit)
	}
}

func TestWaapIncidentTypeDerivation(t *testing.T) {
	if got := WaapIncidentType([]string{"Threat_Year_2014", "Protection_Type_SQLi"}); got != "SQLi" {
		t.Fatalf("got %q, want SQLi", got)
	}
	if got := WaapIncidentType([]string{"Vul_Type_XSS"}); got != "XSS" {
		t.Fatalf("got %q, want XSS", got)
	}
	if got := WaapIncidentType([]string{"Threat_Year_2014"}); got != "" {
		t.Fatalf("got %q, want empty", got)
	}
}
