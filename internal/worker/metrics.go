package worker

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "labplane/worker"

type metrics struct {
	invocations   metric.Int64Counter
	messages      metric.Int64Counter
	persistErrors metric.Int64Counter
	running       metric.Int64UpDownCounter
}

// newMetrics registers the worker instruments on the global MeterProvider.
// Registration errors are reported to the otel error handler; the returned
// instruments are still safe to use.
func newMetrics() *metrics {
	meter := otel.Meter(instrumentationName)
	m := &metrics{}

	var err error
	m.invocations, err = meter.Int64Counter("labplane.invocations",
		metric.WithDescription("Invocations handled, by outcome"))
	if err != nil {
		otel.Handle(err)
	}
	m.messages, err = meter.Int64Counter("labplane.messages",
		metric.WithDescription("Execution messages emitted, by kind"))
	if err != nil {
		otel.Handle(err)
	}
	m.persistErrors, err = meter.Int64Counter("labplane.persist.errors",
		metric.WithDescription("Execution messages that could not be persisted"))
	if err != nil {
		otel.Handle(err)
	}
	m.running, err = meter.Int64UpDownCounter("labplane.executions.running",
		metric.WithDescription("Executions currently running on this worker"))
	if err != nil {
		otel.Handle(err)
	}
	return m
}
