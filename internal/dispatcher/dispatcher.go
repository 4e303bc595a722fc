// Package dispatcher implements the event dispatcher (C8): it
// translates the fixed HTTP lifecycle callback surface of spec.md §6
// into parsed-context invocations in the order spec.md §4.7 defines,
// running each one through the aggregator (C5), signature tree (C4),
// exception engine (C9) and verdict resolver (C10) against one
// transaction's entry.Entry (C7).
//
// Grounded on proxy.Proxy.ServeHTTP's ordered inspection-point
// structure (route, then per-stage hook, then forward), replacing the
// reverse-proxy forwarding with signature evaluation at each stage.
package dispatcher

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"ipsagent/internal/buffer"
	"ipsagent/internal/entry"
	"ipsagent/internal/eventstream"
	"ipsagent/internal/exception"
	"ipsagent/internal/loader"
	"ipsagent/internal/model"
	"ipsagent/internal/signature"
	"ipsagent/internal/storage"
	"ipsagent/internal/telemetry"
	"ipsagent/internal/verdict"
)

type headerField struct {
	name  string
	value string
}

// Observers are the ambient sinks a Transaction reports to as it
// runs: the trace provider, the audit-trail database, and the live
// verdict stream. Each is optional; a nil field is simply skipped, so
// a caller that only wants matching semantics can leave Observers
// zero-valued.
type Observers struct {
	Telemetry *telemetry.Provider
	History   *storage.SQLiteStore
	Stream    *eventstream.Hub
}

// Transaction is one HTTP transaction's dispatcher state: the C7
// entry it drives, the policy snapshot it evaluates against, and the
// request/response accumulators needed to build the multi-value
// header and body contexts.
type Transaction struct {
	entry      *entry.Entry
	snap       *loader.Snapshot
	practiceID string

	obs       Observers
	ctx       context.Context
	span      trace.Span
	startTime time.Time

	host, method, sourceIP string

	requestHeaders  []headerField
	requestBody     []byte
	responseHeaders []headerField
	responseBody    []byte

	logs []verdict.LogRecord
}

// New creates a Transaction for one HTTP request/response pair,
// identified by id, evaluated against snap under the rule named by
// practiceID, with no telemetry/storage/eventstream observers
// attached.
func New(id string, snap *loader.Snapshot, practiceID string) *Transaction {
	return NewWithObservers(id, snap, practiceID, Observers{})
}

// NewWithObservers is New with the ambient sinks a production
// dispatcher reports to. If id is empty, one is minted so every
// transaction the host forwards to us (even one with no caller-side
// request ID) still gets a stable identifier across its span, audit
// row, and log records.
func NewWithObservers(id string, snap *loader.Snapshot, practiceID string, obs Observers) *Transaction {
	if id == "" {
		id = uuid.NewString()
	}
	return &Transaction{
		entry:      entry.New(id),
		snap:       snap,
		practiceID: practiceID,
		obs:        obs,
		ctx:        context.Background(),
		startTime:  time.Now(),
	}
}

// Logs returns every log record emitted so far this transaction.
func (t *Transaction) Logs() []verdict.LogRecord { return t.logs }

// Verdict returns the transaction's current running verdict.
func (t *Transaction) Verdict() model.Verdict { return t.entry.Verdict() }

func isResponseContext(ctxName string) bool {
	switch ctxName {
	case model.CtxResponseCode, model.CtxResponseHeader, model.CtxResponseHeaders, model.CtxResponseBody:
		return true
	default:
		return false
	}
}

func containsContext(contexts []string, name string) bool {
	for _, c := range contexts {
		if c == name {
			return true
		}
	}
	return false
}

// dispatch runs one parsed-context event: registers the buffer,
// resets keyword_vars, scans the literal aggregator, and evaluates
// every signature declared on ctxName.
func (t *Transaction) dispatch(ctxName string, data []byte) model.Verdict {
	t.entry.SetBuffer(ctxName, data, t.snap.MaxFieldSize)
	t.entry.ResetVars()

	hits := t.snap.Aggregator.Scan(ctxName, buffer.New(data))

	for _, sig := range t.snap.Signatures {
		if !containsContext(sig.Contexts(), ctxName) {
			continue
		}
		action := t.snap.ActionFor(t.practiceID, sig.ID())
		if action == model.Inactive {
			continue
		}
		status := sig.Match(ctxName, hits, t.entry, t.entry, t.entry, t.entry)
		if status != signature.Match {
			continue
		}

		meta := sig.SigMetadata()
		outcome := exception.Resolve(t.snap.Exceptions, t.matchContext(meta.Name))
		v, emit, sev := verdict.Resolve(meta, action, outcome)
		t.entry.AdvanceVerdict(v)

		if t.obs.Telemetry != nil {
			t.obs.Telemetry.RecordSignatureMatch(t.ctx, meta.Name, ctxName, v.String())
		}

		if emit {
			headersCtx, bodyCtx := model.CtxRequestHeaders, model.CtxRequestBody
			if isResponseContext(ctxName) {
				headersCtx, bodyCtx = model.CtxResponseHeaders, model.CtxResponseBody
			}
			headers, _ := t.entry.Captured(headersCtx)
			body, _ := t.entry.Captured(bodyCtx)
			rec := verdict.BuildLogRecord(meta, sev, string(headers), string(body))
			t.logs = append(t.logs, rec)

			if t.obs.Stream != nil {
				t.obs.Stream.Publish(rec)
			}
			if t.obs.History != nil {
				matchData := storage.SignatureMatchedData{
					ProtectionID:     rec.ProtectionID,
					Severity:         sev.String(),
					Performance:      meta.Performance.String(),
					Confidence:       meta.Confidence.String(),
					SignatureVersion: rec.SignatureVersion,
				}
				// history is a best-effort audit trail; a write
				// failure here must never affect the verdict.
				_ = t.obs.History.RecordEvent(t.ctx, storage.EventSignatureMatched, t.entry.ID(), sev.String(), matchData)
			}
		}
	}
	return t.entry.Verdict()
}

func (t *Transaction) matchContext(protectionName string) exception.MatchContext {
	return exception.MatchContext{
		ProtectionName:   protectionName,
		SourceIdentifier: t.sourceIP,
		SourceIP:         t.sourceIP,
		URL:              string(firstOr(t.entry, model.CtxCompleteURLDecoded)),
		HostName:         t.host,
	}
}

func firstOr(e *entry.Entry, ctx string) []byte {
	if b, ok := e.Buffer(ctx); ok {
		return b
	}
	return nil
}

func percentDecode(s string) string {
	if d, err := url.PathUnescape(s); err == nil {
		return d
	}
	return s
}

// NewHttpTransaction emits HTTP_HOST, HTTP_METHOD,
// HTTP_COMPLETE_URL_ENCODED, HTTP_COMPLETE_URL_DECODED,
// HTTP_PATH_DECODED and HTTP_QUERY_DECODED, each only if nonempty, in
// that order. Percent-decoding runs once here and the results are
// cached in the entry's buffers for the rest of the transaction.
func (t *Transaction) NewHttpTransaction(method, host, clientIP, uri string) model.Verdict {
	t.host = host
	t.method = method
	t.sourceIP = clientIP

	if t.obs.Telemetry != nil {
		t.ctx, t.span = t.obs.Telemetry.StartTransactionSpan(t.ctx, t.entry.ID(), t.practiceID, method)
	}

	v := t.entry.Verdict()
	if host != "" {
		v = t.dispatch(model.CtxHost, []byte(host))
	}
	if method != "" {
		v = t.dispatch(model.CtxMethod, []byte(method))
	}
	if uri != "" {
		v = t.dispatch(model.CtxCompleteURLEncoded, []byte(uri))

		decoded := percentDecode(uri)
		v = t.dispatch(model.CtxCompleteURLDecoded, []byte(decoded))

		path, query := splitURI(uri)
		if path != "" {
			v = t.dispatch(model.CtxPathDecoded, []byte(percentDecode(path)))
		}
		if query != "" {
			v = t.dispatch(model.CtxQueryDecoded, []byte(percentDecode(query)))
		}
	}
	return v
}

func splitURI(uri string) (path, query string) {
	u, err := url.Parse(uri)
	if err != nil {
		return uri, ""
	}
	return u.EscapedPath(), u.RawQuery
}

// HttpRequestHeader dispatches HTTP_REQUEST_HEADER for this header,
// then, if last, HTTP_REQUEST_HEADERS over every header joined with
// ", " per spec.md §6.
func (t *Transaction) HttpRequestHeader(name, value string, isLast bool) model.Verdict {
	t.requestHeaders = append(t.requestHeaders, headerField{name, value})
	v := t.dispatch(model.CtxRequestHeader, []byte(name+": "+value))
	if isLast {
		parts := make([][]byte, len(t.requestHeaders))
		for i, h := range t.requestHeaders {
			parts[i] = []byte(h.name + ": " + h.value)
		}
		t.entry.SetBufferJoined(model.CtxRequestHeaders, parts, []byte(", "), t.snap.MaxFieldSize)
		joined, _ := t.entry.Captured(model.CtxRequestHeaders)
		v = t.dispatch(model.CtxRequestHeaders, joined)
	}
	return v
}

// HttpRequestBody dispatches HTTP_REQUEST_BODY over the accumulated
// body buffer; signatures see the accumulated buffer up to the
// field-size cap, per spec.md §4.7.
func (t *Transaction) HttpRequestBody(chunk []byte, isLast bool) model.Verdict {
	t.requestBody = append(t.requestBody, chunk...)
	return t.dispatch(model.CtxRequestBody, t.requestBody)
}

// EndRequest triggers no parsed context of its own; it marks the
// request-side verdict finalization point per spec.md §4.7.
func (t *Transaction) EndRequest() model.Verdict {
	return t.entry.Verdict()
}

// ResponseCode dispatches HTTP_RESPONSE_CODE as a decimal string.
func (t *Transaction) ResponseCode(code int) model.Verdict {
	return t.dispatch(model.CtxResponseCode, []byte(strconv.Itoa(code)))
}

// HttpResponseHeader is symmetric to HttpRequestHeader.
func (t *Transaction) HttpResponseHeader(name, value string, isLast bool) model.Verdict {
	t.responseHeaders = append(t.responseHeaders, headerField{name, value})
	v := t.dispatch(model.CtxResponseHeader, []byte(name+": "+value))
	if isLast {
		parts := make([][]byte, len(t.responseHeaders))
		for i, h := range t.responseHeaders {
			parts[i] = []byte(h.name + ": " + h.value)
		}
		t.entry.SetBufferJoined(model.CtxResponseHeaders, parts, []byte(", "), t.snap.MaxFieldSize)
		joined, _ := t.entry.Captured(model.CtxResponseHeaders)
		v = t.dispatch(model.CtxResponseHeaders, joined)
	}
	return v
}

// HttpResponseBody is symmetric to HttpRequestBody.
func (t *Transaction) HttpResponseBody(chunk []byte, isLast bool) model.Verdict {
	t.responseBody = append(t.responseBody, chunk...)
	return t.dispatch(model.CtxResponseBody, t.responseBody)
}

// EndTransaction finalizes the transaction and returns its name
// ("ips application") paired with the final verdict, per spec.md §6.
// This is also where the transaction's audit row is written and its
// span closed, so a host that never calls EndTransaction (a dropped
// connection, say) simply never gets an audit entry for it.
func (t *Transaction) EndTransaction() (string, model.Verdict) {
	v := t.entry.Verdict()

	if t.obs.Telemetry != nil && t.span != nil {
		t.obs.Telemetry.EndTransactionSpan(t.span, v.String(), nil)
	}

	if t.obs.History != nil {
		rec := storage.TransactionRecord{
			ID:         t.entry.ID(),
			StartTime:  t.startTime,
			EndTime:    time.Now(),
			Verdict:    v.String(),
			PracticeID: t.practiceID,
			SourceIP:   t.sourceIP,
			Host:       t.host,
			LogCount:   len(t.logs),
		}
		_ = t.obs.History.SaveTransaction(rec)
		_ = t.obs.History.RecordEvent(t.ctx, storage.EventTransactionEnded, t.entry.ID(), v.String(), rec)
	}

	return "ips application", v
}
