package service

import (
	"context"
	"log"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type instruments struct {
	logins    metric.Int64Counter
	evictions metric.Int64Counter
}

// newInstruments registers the control metrics. Registration failures are logged and the
// affected instrument becomes a no-op.
func newInstruments(meter metric.Meter, active func() int64) *instruments {
	in := &instruments{}
	var err error
	if in.logins, err = meter.Int64Counter("control.logins",
		metric.WithDescription("Login attempts by result")); err != nil {
		log.Printf("control: register control.logins: %v", err)
	}
	if in.evictions, err = meter.Int64Counter("control.evictions",
		metric.WithDescription("Sessions ended by timeout or forced signout")); err != nil {
		log.Printf("control: register control.evictions: %v", err)
	}
	_, err = meter.Int64ObservableGauge("control.sessions.active",
		metric.WithDescription("Active sessions on the beamline"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(active())
			return nil
		}))
	if err != nil {
		log.Printf("control: register control.sessions.active: %v", err)
	}
	return in
}

func (in *instruments) login(ctx context.Context, result string) {
	if in.logins != nil {
		in.logins.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
	}
}

func (in *instruments) evicted(ctx context.Context, reason string, n int) {
	if in.evictions != nil && n > 0 {
		in.evictions.Add(ctx, int64(n), metric.WithAttributes(attribute.String("reason", reason)))
	}
}
