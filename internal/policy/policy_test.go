package policy

import (
	"testing"

	"ipsagent/internal/model"
	"ipsagent/internal/signature"
)

func TestResolveDefaultAction(t *testing.T) {
	rule := Rule{DefaultAction: model.Detect}
	meta := signature.Metadata{Severity: model.SeverityHigh, Performance: model.PerformanceLow, Confidence: model.ConfidenceHigh}
	if got := rule.Resolve(meta); got != model.Detect {
		t.Errorf("got %v, want Detect", got)
	}
}

func TestResolveFilterOverridesDefault(t *testing.T) {
	rule := Rule{
		DefaultAction: model.Detect,
		Filters: []Filter{
			{Action: model.Prevent, SeverityMin: model.SeverityHigh},
		},
	}
	meta := signature.Metadata{Severity: model.SeverityCritical}
	if got := rule.Resolve(meta); got != model.Prevent {
		t.Errorf("got %v, want Prevent", got)
	}
}

// TestYearFilterSuppresses grounds scenario S5: a signature tagged
// Threat_Year_2014 against a filter requiring protectionsFromYear
// 2013 passes (2014 >= 2013); a filter requiring 2015 suppresses it
// back to the rule's Inactive default.
func TestYearFilterSuppresses(t *testing.T) {
	year2013 := 2013
	rule := Rule{
		DefaultAction: model.Inactive,
		Filters: []Filter{
			{Action: model.Prevent, ProtectionsFromYear: &year2013},
		},
	}
	meta := signature.Metadata{Tags: []string{"Threat_Year_2014"}}
	if got := rule.Resolve(meta); got != model.Prevent {
		t.Errorf("got %v, want Prevent (2014 >= 2013)", got)
	}

	year2015 := 2015
	rule.Filters[0].ProtectionsFromYear = &year2015
	if got := rule.Resolve(meta); got != model.Inactive {
		t.Errorf("got %v, want Inactive (2014 < 2015 falls through to default)", got)
	}
}

func TestYearFilterPassesWithoutTag(t *testing.T) {
	year := 2020
	rule := Rule{
		DefaultAction: model.Inactive,
		Filters:       []Filter{{Action: model.Prevent, ProtectionsFromYear: &year}},
	}
	meta := signature.Metadata{} // no year tag
	if got := rule.Resolve(meta); got != model.Prevent {
		t.Errorf("got %v, want Prevent: signatures without a year tag pass the filter", got)
	}
}
