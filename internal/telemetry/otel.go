package telemetry

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("ipsagent")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "ipsagent"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("ipsagent")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("ipsagent"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled.
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Transaction span attributes.
const (
	AttrTransactionID = "ipsagent.transaction.id"
	AttrPracticeID    = "ipsagent.practice.id"
	AttrHost          = "ipsagent.host"
	AttrSourceIP      = "ipsagent.source.ip"
	AttrVerdict       = "ipsagent.verdict"
	AttrProtectionID  = "ipsagent.protection.id"
	AttrContext       = "ipsagent.context"
	AttrRequestMethod = "http.request.method"
)

// StartTransactionSpan starts a span for one HTTP transaction being
// evaluated against a policy snapshot.
func (p *Provider) StartTransactionSpan(ctx context.Context, transactionID, practiceID, method string) (context.Context, trace.Span) {
	ctx, span := p.tracer.Start(ctx, "ips.transaction",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrTransactionID, transactionID),
			attribute.String(AttrPracticeID, practiceID),
			attribute.String(AttrRequestMethod, method),
		),
	)
	return ctx, span
}

// EndTransactionSpan ends a transaction span with its final verdict.
func (p *Provider) EndTransactionSpan(span trace.Span, verdict string, err error) {
	span.SetAttributes(attribute.String(AttrVerdict, verdict))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// RecordSignatureMatch records a signature match event on the current
// span, one per matching signature during the transaction.
func (p *Provider) RecordSignatureMatch(ctx context.Context, protectionID, ctxName, verdict string) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("signature.matched",
		trace.WithAttributes(
			attribute.String(AttrProtectionID, protectionID),
			attribute.String(AttrContext, ctxName),
			attribute.String(AttrVerdict, verdict),
		),
	)
}

// RecordSnapshotReload records a policy snapshot reload event.
func (p *Provider) RecordSnapshotReload(ctx context.Context, signatureCount, errorCount int) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("snapshot.reloaded",
		trace.WithAttributes(
			attribute.Int("ipsagent.signature_count", signatureCount),
			attribute.Int("ipsagent.error_count", errorCount),
		),
	)
}

// DefaultConfig returns a default telemetry configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "ipsagent"}
}

// ConfigFromEnv creates config from environment variables.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}

	if os.Getenv("IPSAGENT_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if os.Getenv("IPSAGENT_TELEMETRY_EXPORTER") != "" {
		cfg.Exporter = os.Getenv("IPSAGENT_TELEMETRY_EXPORTER")
	}
	if os.Getenv("IPSAGENT_TELEMETRY_ENDPOINT") != "" {
		cfg.Endpoint = os.Getenv("IPSAGENT_TELEMETRY_ENDPOINT")
	}

	return cfg
}

// NoopProvider returns a provider that does nothing (for testing).
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("ipsagent-noop")}
}

// SpanFromContext extracts a span from context.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown.
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}
