// Package metrics records settlement lifecycle counters through OpenTelemetry.
package metrics

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const meterName = "github.com/sappystick/SpatialMesh-AR-sub001/settlement"

// Recorder holds the engine counters
type Recorder struct {
	submitted      metric.Int64Counter
	confirmed      metric.Int64Counter
	failed         metric.Int64Counter
	resubmitted    metric.Int64Counter
	failovers      metric.Int64Counter
	securityAlerts metric.Int64Counter
	droppedEvents  metric.Int64Counter
}

// New creates a recorder on meter
func New(meter metric.Meter) (*Recorder, error) {
	r := &Recorder{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&r.submitted, "settlement.payments.submitted", "Transactions accepted by a network"},
		{&r.confirmed, "settlement.payments.confirmed", "Payments that reached their confirmation threshold"},
		{&r.failed, "settlement.payments.failed", "Payments resolved as failed"},
		{&r.resubmitted, "settlement.payments.resubmitted", "Stalled or dropped payments replaced by a new submission"},
		{&r.failovers, "settlement.network.failovers", "Active network switches"},
		{&r.securityAlerts, "settlement.security.alerts", "Receipts that did not match the recorded payment"},
		{&r.droppedEvents, "settlement.events.dropped", "Events dropped from full subscriber buffers"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return r, nil
}

// NewDefault creates a recorder on the global meter provider, falling back to
// a no-op recorder if instrument creation fails
func NewDefault() *Recorder {
	r, err := New(otel.Meter(meterName))
	if err != nil {
		return Noop()
	}
	return r
}

// Noop returns a recorder that records nothing
func Noop() *Recorder {
	r, _ := New(noop.NewMeterProvider().Meter(meterName))
	return r
}

func (r *Recorder) Submitted(ctx context.Context, network string) {
	r.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("network", network)))
}

func (r *Recorder) Confirmed(ctx context.Context, network string) {
	r.confirmed.Add(ctx, 1, metric.WithAttributes(attribute.String("network", network)))
}

func (r *Recorder) Failed(ctx context.Context, network, reason string) {
	r.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("network", network),
		attribute.String("reason", reason),
	))
}

func (r *Recorder) Resubmitted(ctx context.Context, network, reason string) {
	r.resubmitted.Add(ctx, 1, metric.WithAttributes(
		attribute.String("network", network),
		attribute.String("reason", reason),
	))
}

func (r *Recorder) Failover(ctx context.Context, from, to string) {
	r.failovers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (r *Recorder) SecurityAlert(ctx context.Context, network string) {
	r.securityAlerts.Add(ctx, 1, metric.WithAttributes(attribute.String("network", network)))
}

func (r *Recorder) EventDropped(ctx context.Context) {
	r.droppedEvents.Add(ctx, 1)
}
