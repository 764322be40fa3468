package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/Mindburn-Labs/auditrail"

// Metric names.
const (
	MetricProofsAppended = "auditrail.proofs.appended"
	MetricVerifications  = "auditrail.verifications"
	MetricLedgerDuration = "auditrail.ledger.duration"
)

// Verification outcomes recorded on MetricVerifications.
const (
	ResultOK       = "ok"
	ResultMismatch = "mismatch"
	ResultError    = "error"
)

// Instruments records audit trail spans and metrics.
type Instruments struct {
	tracer         trace.Tracer
	appended       metric.Int64Counter
	verifications  metric.Int64Counter
	ledgerDuration metric.Float64Histogram
}

// NewInstruments builds instruments from the global providers.
func NewInstruments() (*Instruments, error) {
	return NewInstrumentsFrom(otel.GetTracerProvider(), otel.GetMeterProvider())
}

// NewInstrumentsFrom builds instruments from explicit providers.
func NewInstrumentsFrom(tp trace.TracerProvider, mp metric.MeterProvider) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)
	i := &Instruments{tracer: tp.Tracer(instrumentationName)}

	var err error
	i.appended, err = meter.Int64Counter(MetricProofsAppended,
		metric.WithDescription("Proofs appended to ledger channels"),
		metric.WithUnit("{proof}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricProofsAppended, err)
	}
	i.verifications, err = meter.Int64Counter(MetricVerifications,
		metric.WithDescription("Verification passes by result"),
		metric.WithUnit("{verification}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricVerifications, err)
	}
	i.ledgerDuration, err = meter.Float64Histogram(MetricLedgerDuration,
		metric.WithDescription("Ledger call duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0),
	)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", MetricLedgerDuration, err)
	}
	return i, nil
}

// Start opens a span.
func (i *Instruments) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return i.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// End closes span, recording err when set.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// ProofAppended counts one appended proof.
func (i *Instruments) ProofAppended(ctx context.Context, channel string) {
	i.appended.Add(ctx, 1, metric.WithAttributes(ChannelAttr(channel)))
}

// Verification counts one verification pass with its result.
func (i *Instruments) Verification(ctx context.Context, result string) {
	i.verifications.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// LedgerCall records the duration of a ledger operation.
func (i *Instruments) LedgerCall(ctx context.Context, op string, d time.Duration, err error) {
	i.ledgerDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("op", op),
		attribute.Bool("error", err != nil),
	))
}
