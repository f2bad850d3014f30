package service

import (
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/pesio-ai/be-approvals/internal/platform/logger"
)

const instrumentationName = "github.com/pesio-ai/be-approvals/internal/service"

// Option customises a service at construction.
type Option func(*base)

// WithClock replaces time.Now. Tests use it to pin timestamps.
func WithClock(now func() time.Time) Option {
	return func(b *base) { b.now = now }
}

// base carries what every service needs: a clock, a logger and telemetry.
type base struct {
	now    func() time.Time
	log    *logger.Logger
	tracer trace.Tracer
	meter  metric.Meter
}

func newBase(log *logger.Logger, component string, opts []Option) base {
	if log == nil {
		log = logger.Nop()
	}
	b := base{
		now:    time.Now,
		log:    log.Component(component),
		tracer: otel.Tracer(instrumentationName),
		meter:  otel.Meter(instrumentationName),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// clock returns the current time in UTC at microsecond precision, which is
// what Postgres stores.
func (b base) clock() time.Time {
	return b.now().UTC().Truncate(time.Microsecond)
}

func (b base) counter(name, description string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil {
		b.log.Warn().Err(err).Str("instrument", name).Msg("Failed to create counter")
		return noop.Int64Counter{}
	}
	return c
}
