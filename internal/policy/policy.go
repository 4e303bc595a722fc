// Package policy resolves which signatures are active for a rule and
// what action they carry (C6), adapted from the teacher's
// severity-gated risk-ladder Engine: here the ladder is spec-defined
// (severity/performance/confidence/year filters -> Detect/Prevent/
// Inactive) rather than a metric accumulator, but the "walk an
// ordered list of filters, first match wins, else fall back to a
// default" shape is the same.
package policy

import (
	"strconv"
	"strings"

	"ipsagent/internal/model"
	"ipsagent/internal/signature"
)

// Filter is one entry of a Rule's filter list.
type Filter struct {
	Action              model.Action
	SeverityMin         model.Severity
	PerformanceMax      model.Performance
	ConfidenceMin       model.Confidence
	ProtectionsFromYear *int
}

// Rule selects signatures for one asset/practice and assigns an
// action per spec.md §3/§4.5.
type Rule struct {
	ContextPredicate string
	AssetID          string
	PracticeID       string
	DefaultAction    model.Action
	Filters          []Filter
}

// ThreatYearTagPrefix precedes the four-digit year in a signature's
// "Threat_Year_YYYY" tag.
const ThreatYearTagPrefix = "Threat_Year_"

func yearFromTags(tags []string) (int, bool) {
	for _, t := range tags {
		if strings.HasPrefix(t, ThreatYearTagPrefix) {
			y, err := strconv.Atoi(strings.TrimPrefix(t, ThreatYearTagPrefix))
			if err == nil {
				return y, true
			}
		}
	}
	return 0, false
}

func (f Filter) matches(meta signature.Metadata) bool {
	if meta.Severity < f.SeverityMin {
		return false
	}
	if meta.Performance > f.PerformanceMax {
		return false
	}
	if meta.Confidence < f.ConfidenceMin {
		return false
	}
	if f.ProtectionsFromYear != nil {
		if y, ok := yearFromTags(meta.Tags); ok && y < *f.ProtectionsFromYear {
			return false
		}
	}
	return true
}

// Resolve returns the effective action for meta under this rule: the
// first matching filter's action, or the rule's default_action if no
// filter matches.
func (r Rule) Resolve(meta signature.Metadata) model.Action {
	for _, f := range r.Filters {
		if f.matches(meta) {
			return f.Action
		}
	}
	return r.DefaultAction
}

// ActiveSet is the precomputed per-signature action for one rule,
// built once at load time (C11) so the hot path doesn't re-walk
// filters per event.
type ActiveSet map[string]model.Action

// BuildActiveSet precomputes ActiveSet for every signature under rule r.
func BuildActiveSet(r Rule, sigs []signature.Signature) ActiveSet {
	active := make(ActiveSet, len(sigs))
	for _, s := range sigs {
		active[s.ID()] = r.Resolve(s.SigMetadata())
	}
	return active
}
