// Package loader implements the policy/signature loader (C11): it
// parses a signature bundle JSON document (spec.md §6) into an
// immutable Snapshot — the compiled signature tree, C5 aggregator,
// rule list with precomputed active sets, and exception list — and
// publishes it behind an atomically-swapped Store, modeled on
// config.SettingsStore's RWMutex-guarded get/save shape.
//
// Per-signature and per-rule parse failures are collected into a
// LoadReport rather than aborting the whole bundle, per spec.md §4.10
// step 1 ("collect per-signature errors without aborting").
package loader

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"ipsagent/internal/aggregator"
	"ipsagent/internal/exception"
	"ipsagent/internal/keyword"
	"ipsagent/internal/model"
	"ipsagent/internal/pattern"
	"ipsagent/internal/policy"
	"ipsagent/internal/signature"
)

// BundleParseError wraps a failure to even parse the bundle's JSON
// envelope, per the error taxonomy in spec.md §7.
type BundleParseError struct{ Err error }

func (e *BundleParseError) Error() string { return fmt.Sprintf("bundle parse error: %v", e.Err) }
func (e *BundleParseError) Unwrap() error { return e.Err }

// SignatureLoadError records one signature or rule that failed to
// compile; the bundle as a whole still loads.
type SignatureLoadError struct {
	ProtectionName string
	Err            error
}

func (e SignatureLoadError) Error() string {
	return fmt.Sprintf("signature %q: %v", e.ProtectionName, e.Err)
}

// LoadReport accumulates non-fatal per-entry failures from one Load call.
type LoadReport struct {
	Errors []SignatureLoadError
}

func (r *LoadReport) fail(name string, err error) {
	r.Errors = append(r.Errors, SignatureLoadError{ProtectionName: name, Err: err})
}

// Snapshot is the immutable compiled policy state published by C11
// and consumed read-only by every in-flight transaction.
type Snapshot struct {
	Signatures       []signature.Signature
	Aggregator       *aggregator.Aggregator
	Rules            []policy.Rule
	ActiveSets       map[string]policy.ActiveSet // keyed by Rule.PracticeID
	Exceptions       []exception.Exception
	MaxFieldSize     int
	CapturedContexts map[string]bool
}

// ActionFor returns the effective action for a signature under the
// rule identified by practiceID, defaulting to Inactive if either is
// unknown so an unrecognized rule never silently enables a signature.
func (s *Snapshot) ActionFor(practiceID, sigID string) model.Action {
	set, ok := s.ActiveSets[practiceID]
	if !ok {
		return model.Inactive
	}
	action, ok := set[sigID]
	if !ok {
		return model.Inactive
	}
	return action
}

// --- wire schema (spec.md §6) ---

type bundleJSON struct {
	IPS struct {
		Protections    []protectionJSON    `json:"protections"`
		IpsProtections []ipsProtectionJSON `json:"IpsProtections"`
		Configurations []struct {
			ContextsConfiguration []struct {
				Type string `json:"type"`
				Name string `json:"name"`
			} `json:"contextsConfiguration"`
		} `json:"configurations"`
		MaxFieldSize []struct {
			Value int `json:"value"`
		} `json:"Max Field Size"`
	} `json:"IPS"`
	Rulebase struct {
		Exception []exceptionJSON `json:"exception"`
	} `json:"rulebase"`
}

type protectionMetadataJSON struct {
	ProtectionName    string   `json:"protectionName"`
	MaintrainID       string   `json:"maintrainId"`
	Severity          string   `json:"severity"`
	ConfidenceLevel   string   `json:"confidenceLevel"`
	PerformanceImpact string   `json:"performanceImpact"`
	LastUpdate        string   `json:"lastUpdate"`
	Tags              []string `json:"tags"`
	CVEList           []string `json:"cveList"`
	Silent            bool     `json:"silent"`
}

type detectionRulesJSON struct {
	Type      string               `json:"type"`
	SSM       string               `json:"SSM"`
	Keywords  string               `json:"keywords"`
	Context   []string             `json:"context"`
	Operation string               `json:"operation"`
	Operands  []detectionRulesJSON `json:"operands"`
}

type protectionJSON struct {
	ProtectionMetadata protectionMetadataJSON `json:"protectionMetadata"`
	DetectionRules     detectionRulesJSON     `json:"detectionRules"`
}

type ipsRuleFilterJSON struct {
	Action              string `json:"action"`
	SeverityLevel       string `json:"severityLevel"`
	PerformanceImpact   string `json:"performanceImpact"`
	ConfidenceLevel     string `json:"confidenceLevel"`
	ProtectionsFromYear *int   `json:"protectionsFromYear"`
}

type ipsProtectionJSON struct {
	RuleName      string              `json:"ruleName"`
	AssetName     string              `json:"assetName"`
	AssetID       string              `json:"assetId"`
	PracticeID    string              `json:"practiceId"`
	PracticeName  string              `json:"practiceName"`
	DefaultAction string              `json:"defaultAction"`
	Rules         []ipsRuleFilterJSON `json:"rules"`
}

type matchNodeJSON struct {
	Type  string          `json:"type"`
	Key   string          `json:"key"`
	Op    string          `json:"op"`
	Value []string        `json:"value"`
	Items []matchNodeJSON `json:"items"`
}

type exceptionJSON struct {
	Context string        `json:"context"`
	Match   matchNodeJSON `json:"match"`
	Behavior struct {
		Key   string `json:"key"`
		Value string `json:"value"`
	} `json:"behavior"`
}

// normalizeLevel accepts both the hyphenated enum spelling and the
// space-separated spelling the wire format uses (e.g. "Medium High"),
// and strips the "or above"/"or lower" qualifier used in rule filters.
func normalizeLevel(s string) string {
	s = strings.TrimSuffix(s, " or above")
	s = strings.TrimSuffix(s, " or lower")
	return strings.ReplaceAll(s, " ", "-")
}

func decodeMetadata(pm protectionMetadataJSON) (signature.Metadata, error) {
	sev, err := model.ParseSeverity(normalizeLevel(pm.Severity))
	if err != nil {
		return signature.Metadata{}, err
	}
	conf, err := model.ParseConfidence(normalizeLevel(pm.ConfidenceLevel))
	if err != nil {
		return signature.Metadata{}, err
	}
	perf, err := model.ParsePerformance(normalizeLevel(pm.PerformanceImpact))
	if err != nil {
		return signature.Metadata{}, err
	}
	return signature.Metadata{
		Name:        pm.ProtectionName,
		Severity:    sev,
		Confidence:  conf,
		Performance: perf,
		LastUpdate:  pm.LastUpdate,
		Tags:        pm.Tags,
		CVEList:     pm.CVEList,
		Silent:      pm.Silent,
	}, nil
}

func decodeSignature(id string, meta signature.Metadata, dr detectionRulesJSON) (signature.Signature, error) {
	switch dr.Type {
	case "simple", "":
		prog, err := keyword.Parse(dr.Keywords)
		if err != nil {
			return nil, err
		}
		var anchor *pattern.Pattern
		if dr.SSM != "" {
			anchor = &pattern.Pattern{Literal: dr.SSM, Nocase: true}
		}
		return &signature.Simple{
			SigID:         id,
			Metadata:      meta,
			SigContexts:   dr.Context,
			LiteralAnchor: anchor,
			Program:       prog,
		}, nil
	case "compound":
		op, err := signature.ParseOperator(dr.Operation)
		if err != nil {
			return nil, err
		}
		operands := make([]signature.Signature, 0, len(dr.Operands))
		for i, o := range dr.Operands {
			operand, err := decodeSignature(fmt.Sprintf("%s#%d", id, i), meta, o)
			if err != nil {
				return nil, err
			}
			operands = append(operands, operand)
		}
		return signature.NewCompound(id, meta, op, operands)
	default:
		return nil, fmt.Errorf("unknown detectionRules type %q", dr.Type)
	}
}

func decodeRule(rp ipsProtectionJSON) (policy.Rule, error) {
	defaultAction, err := model.ParseAction(rp.DefaultAction)
	if err != nil {
		return policy.Rule{}, err
	}
	filters := make([]policy.Filter, 0, len(rp.Rules))
	for _, f := range rp.Rules {
		action, err := model.ParseAction(f.Action)
		if err != nil {
			return policy.Rule{}, err
		}
		sevMin, err := model.ParseSeverity(normalizeLevel(f.SeverityLevel))
		if err != nil {
			return policy.Rule{}, err
		}
		perfMax, err := model.ParsePerformance(normalizeLevel(f.PerformanceImpact))
		if err != nil {
			return policy.Rule{}, err
		}
		confMin, err := model.ParseConfidence(normalizeLevel(f.ConfidenceLevel))
		if err != nil {
			return policy.Rule{}, err
		}
		filters = append(filters, policy.Filter{
			Action:              action,
			SeverityMin:         sevMin,
			PerformanceMax:      perfMax,
			ConfidenceMin:       confMin,
			ProtectionsFromYear: f.ProtectionsFromYear,
		})
	}
	return policy.Rule{
		AssetID:       rp.AssetID,
		PracticeID:    rp.PracticeID,
		DefaultAction: defaultAction,
		Filters:       filters,
	}, nil
}

func decodeMatchNode(n matchNodeJSON) (exception.Node, error) {
	switch n.Type {
	case "condition":
		if len(n.Value) == 0 {
			return exception.Node{}, fmt.Errorf("condition on %q has no values", n.Key)
		}
		return exception.FromValues(n.Key, n.Value), nil
	case "operator":
		children := make([]exception.Node, 0, len(n.Items))
		for _, item := range n.Items {
			child, err := decodeMatchNode(item)
			if err != nil {
				return exception.Node{}, err
			}
			children = append(children, child)
		}
		switch n.Op {
		case "and":
			return exception.And(children...), nil
		case "or":
			return exception.Or(children...), nil
		default:
			return exception.Node{}, fmt.Errorf("unknown match operator %q", n.Op)
		}
	default:
		return exception.Node{}, fmt.Errorf("unknown match node type %q", n.Type)
	}
}

func parseBehavior(key, value string) (exception.Behavior, error) {
	switch {
	case key == "action" && value == "accept":
		return exception.BehaviorAccept, nil
	case key == "action" && value == "drop":
		return exception.BehaviorDrop, nil
	case key == "log" && value == "ignore":
		return exception.BehaviorSuppressLog, nil
	default:
		return 0, fmt.Errorf("unknown exception behavior {key:%q value:%q}", key, value)
	}
}

// Load parses a signature bundle into a Snapshot, collecting
// per-entry failures into the returned LoadReport. It only returns a
// non-nil error for a malformed bundle envelope (BundleParseError);
// individual bad signatures, rules, or exceptions are skipped and
// reported instead.
func Load(data []byte) (*Snapshot, *LoadReport, error) {
	var bundle bundleJSON
	if err := json.Unmarshal(data, &bundle); err != nil {
		return nil, nil, &BundleParseError{Err: err}
	}

	report := &LoadReport{}

	sigs := make([]signature.Signature, 0, len(bundle.IPS.Protections))
	for _, p := range bundle.IPS.Protections {
		meta, err := decodeMetadata(p.ProtectionMetadata)
		if err != nil {
			report.fail(p.ProtectionMetadata.ProtectionName, err)
			continue
		}
		sig, err := decodeSignature(meta.Name, meta, p.DetectionRules)
		if err != nil {
			report.fail(meta.Name, err)
			continue
		}
		sigs = append(sigs, sig)
	}

	agg := aggregator.Build(sigs)

	rules := make([]policy.Rule, 0, len(bundle.IPS.IpsProtections))
	activeSets := make(map[string]policy.ActiveSet, len(bundle.IPS.IpsProtections))
	for _, rp := range bundle.IPS.IpsProtections {
		rule, err := decodeRule(rp)
		if err != nil {
			report.fail(rp.RuleName, err)
			continue
		}
		rules = append(rules, rule)
		activeSets[rule.PracticeID] = policy.BuildActiveSet(rule, sigs)
	}

	exceptions := make([]exception.Exception, 0, len(bundle.Rulebase.Exception))
	for i, ex := range bundle.Rulebase.Exception {
		node, err := decodeMatchNode(ex.Match)
		if err != nil {
			report.fail(fmt.Sprintf("exception#%d", i), err)
			continue
		}
		behavior, err := parseBehavior(ex.Behavior.Key, ex.Behavior.Value)
		if err != nil {
			report.fail(fmt.Sprintf("exception#%d", i), err)
			continue
		}
		exceptions = append(exceptions, exception.Exception{
			Name:     fmt.Sprintf("exception#%d", i),
			Match:    node,
			Behavior: behavior,
		})
	}

	maxFieldSize := 0
	if len(bundle.IPS.MaxFieldSize) > 0 {
		maxFieldSize = bundle.IPS.MaxFieldSize[0].Value
	}

	captured := map[string]bool{}
	for _, c := range bundle.IPS.Configurations {
		for _, cc := range c.ContextsConfiguration {
			if cc.Type == "keep" {
				captured[cc.Name] = true
			}
		}
	}

	return &Snapshot{
		Signatures:       sigs,
		Aggregator:       agg,
		Rules:            rules,
		ActiveSets:       activeSets,
		Exceptions:       exceptions,
		MaxFieldSize:     maxFieldSize,
		CapturedContexts: captured,
	}, report, nil
}

// Store holds the currently-published Snapshot behind an RWMutex,
// following config.SettingsStore's guarded get/save shape: readers
// hold the read lock only long enough to copy the current pointer,
// and a writer publishes with one pointer swap so in-flight
// transactions finish against whichever Snapshot they started with.
type Store struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewStore creates a Store already publishing initial.
func NewStore(initial *Snapshot) *Store {
	return &Store{snap: initial}
}

// Current returns the currently-published Snapshot.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Swap atomically publishes next as the current Snapshot.
func (s *Store) Swap(next *Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = next
}
