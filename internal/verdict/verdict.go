// Package verdict implements the verdict resolver (C10): it folds one
// matched signature's rule action and exception override into a
// per-event verdict contribution and an optional log record. The
// per-transaction running verdict itself lives on entry.Entry, which
// applies the monotonic Accept < Inspect < Drop lattice (model.Max) to
// the contribution this package returns.
//
// Grounded on policy.go's original determineRiskAction escalation
// ladder (kept as the "walk rules, compute a graded outcome" shape)
// and storage/events.go's ViolationDetectedData field list, generalized
// to spec.md §6's log record schema.
package verdict

import (
	"strings"

	"ipsagent/internal/exception"
	"ipsagent/internal/model"
	"ipsagent/internal/signature"
)

// Resolve computes one matched signature's contribution to the
// transaction verdict and whether a log record should be emitted for
// it. Callers only invoke Resolve for signatures whose rule action is
// Detect or Prevent; Inactive signatures are filtered out upstream by
// the policy active set (C6) and never reach here, per spec.md §4.9.
func Resolve(meta signature.Metadata, action model.Action, outcome exception.Outcome) (v model.Verdict, emitLog bool, severity model.Severity) {
	severity = meta.Severity

	switch action {
	case model.Detect:
		v = model.Inspect
	case model.Prevent:
		v = model.Drop
	default:
		return model.Accept, false, severity
	}
	emitLog = !meta.Silent

	if outcome.Matched {
		switch outcome.Behavior {
		case exception.BehaviorDrop:
			v = model.Drop
		case exception.BehaviorAccept:
			v = model.Accept
			severity = model.SeverityInfo
		case exception.BehaviorSuppressLog:
			emitLog = false
		}
	}
	return v, emitLog, severity
}

// LogRecord is the event record C10 emits for one matched signature,
// consumed by external logging per spec.md §6.
type LogRecord struct {
	ProtectionID                string
	EventSeverity               model.Severity
	MatchedSignatureSeverity    model.Severity
	MatchedSignaturePerformance model.Performance
	MatchedSignatureConfidence  model.Confidence
	WaapIncidentType            string
	SignatureVersion            string
	CVEList                     []string
	HTTPRequestHeaders          string
	HTTPRequestBody             string
}

// WaapIncidentType derives the incident type from the first
// Protection_Type_* tag, falling back to the first Vul_Type_* tag, or
// the empty string if neither is present.
func WaapIncidentType(tags []string) string {
	const protTypePrefix = "Protection_Type_"
	const vulTypePrefix = "Vul_Type_"
	for _, t := range tags {
		if strings.HasPrefix(t, protTypePrefix) {
			return strings.TrimPrefix(t, protTypePrefix)
		}
	}
	for _, t := range tags {
		if strings.HasPrefix(t, vulTypePrefix) {
			return strings.TrimPrefix(t, vulTypePrefix)
		}
	}
	return ""
}

// BuildLogRecord assembles the log record for a matched signature.
// requestHeaders and requestBody are the entry's captured (and
// already-truncated) forensic copies; the caller joins multi-value
// headers with ", " before capture per spec.md §6.
func BuildLogRecord(meta signature.Metadata, severity model.Severity, requestHeaders, requestBody string) LogRecord {
	return LogRecord{
		ProtectionID:                meta.Name,
		EventSeverity:               severity,
		MatchedSignatureSeverity:    meta.Severity,
		MatchedSignaturePerformance: meta.Performance,
		MatchedSignatureConfidence:  meta.Confidence,
		WaapIncidentType:            WaapIncidentType(meta.Tags),
		SignatureVersion:            meta.LastUpdate,
		CVEList:                     meta.CVEList,
		HTTPRequestHeaders:          requestHeaders,
		HTTPRequestBody:             requestBody,
	}
}
