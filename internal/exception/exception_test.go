package exception

import "testing"

func TestConditionMatches(t *testing.T) {
	n := Condition(AttrHostName, "example.com")
	if !n.Matches(MatchContext{HostName: "example.com"}) {
		t.Fatal("expected match")
	}
	if n.Matches(MatchContext{HostName: "other.com"}) {
		t.Fatal("expected no match")
	}
}

func TestFromValuesSingleIsCondition(t *testing.T) {
	n := FromValues(AttrCountryCode, []string{"US"})
	if n.Kind != KindCondition {
		t.Fatalf("single value should compile to a condition, got kind %v", n.Kind)
	}
}

func TestFromValuesMultiIsOr(t *testing.T) {
	n := FromValues(AttrCountryCode, []string{"US", "CA"})
	if n.Kind != KindOr || len(n.Children) != 2 {
		t.Fatalf("multi value should compile to an or of 2, got %+v", n)
	}
	if !n.Matches(MatchContext{CountryCode: "CA"}) {
		t.Fatal("expected CA to match")
	}
	if n.Matches(MatchContext{CountryCode: "MX"}) {
		t.Fatal("expected MX not to match")
	}
}

func TestAndRequiresAllConditions(t *testing.T) {
	tree := And(
		Condition(AttrHostName, "example.com"),
		Condition(AttrParamName, "id"),
	)
	if !tree.Matches(MatchContext{HostName: "example.com", ParamName: "id"}) {
		t.Fatal("expected match when both attributes align")
	}
	if tree.Matches(MatchContext{HostName: "example.com", ParamName: "other"}) {
		t.Fatal("expected no match when one attribute diverges")
	}
}

func TestResolvePrecedenceDropBeatsAccept(t *testing.T) {
	tree := Condition(AttrProtectionName, "Test1")
	exceptions := []Exception{
		{Name: "allow-it", Match: tree, Behavior: BehaviorAccept},
		{Name: "block-it", Match: tree, Behavior: BehaviorDrop},
	}
	out := Resolve(exceptions, MatchContext{ProtectionName: "Test1"})
	if !out.Matched || out.Behavior != BehaviorDrop {
		t.Fatalf("got %+v, want Drop to win over Accept", out)
	}
}

func TestResolvePrecedenceAcceptBeatsSuppressLog(t *testing.T) {
	tree := Condition(AttrProtectionName, "Test1")
	exceptions := []Exception{
		{Name: "quiet-it", Match: tree, Behavior: BehaviorSuppressLog},
		{Name: "allow-it", Match: tree, Behavior: BehaviorAccept},
	}
	out := Resolve(exceptions, MatchContext{ProtectionName: "Test1"})
	if !out.Matched || out.Behavior != BehaviorAccept {
		t.Fatalf("got %+v, want Accept to win over SuppressLog", out)
	}
}

func TestResolveNoMatch(t *testing.T) {
	exceptions := []Exception{
		{Name: "host-rule", Match: Condition(AttrHostName, "example.com"), Behavior: BehaviorDrop},
	}
	out := Resolve(exceptions, MatchContext{HostName: "other.com"})
	if out.Matched {
		t.Fatalf("got %+v, want no match", out)
	}
}
