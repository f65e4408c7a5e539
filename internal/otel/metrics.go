package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the lifecycle instruments.
type Metrics struct {
	OperationDuration metric.Float64Histogram
	OperationErrors   metric.Int64Counter
	Completions       metric.Int64Counter
	ArtifactBytes     metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.OperationDuration, err = meter.Float64Histogram("proofline.lifecycle.duration",
		metric.WithDescription("Lifecycle operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OperationErrors, err = meter.Int64Counter("proofline.lifecycle.errors",
		metric.WithDescription("Lifecycle operation failures by error kind"),
	)
	if err != nil {
		return nil, err
	}

	m.Completions, err = meter.Int64Counter("proofline.lifecycle.completions",
		metric.WithDescription("Tasks that transitioned to completed"),
	)
	if err != nil {
		return nil, err
	}

	m.ArtifactBytes, err = meter.Int64Counter("proofline.artifact.bytes",
		metric.WithDescription("Bytes of proof artifacts stored"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// ObserveOperation records the duration of op and, when errKind is non-empty,
// one error. A nil receiver is a no-op.
func (m *Metrics) ObserveOperation(ctx context.Context, op string, start time.Time, errKind string) {
	if m == nil {
		return
	}
	m.OperationDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("op", op)))
	if errKind != "" {
		m.OperationErrors.Add(ctx, 1,
			metric.WithAttributes(attribute.String("op", op), attribute.String("kind", errKind)))
	}
}

// AddCompletion counts one task reaching completed.
func (m *Metrics) AddCompletion(ctx context.Context) {
	if m == nil {
		return
	}
	m.Completions.Add(ctx, 1)
}

// AddArtifactBytes counts stored artifact bytes.
func (m *Metrics) AddArtifactBytes(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.ArtifactBytes.Add(ctx, n)
}
