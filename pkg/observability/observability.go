// Package observability wires structured logging and OpenTelemetry for the
// governance engine. Exporters are deployment concerns; this package only
// sets up in-process providers and the metric instruments the pipeline
// records against.
package observability

import (
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/myles1663/lancelot-sub002"

// NewLogger builds the process logger. format is "json" or "text".
func NewLogger(level, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	if format == "text" {
		h = slog.NewTextHandler(os.Stderr, opts)
	} else {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	return slog.New(h)
}

// Telemetry bundles the engine's tracer and metric instruments.
type Telemetry struct {
	Tracer trace.Tracer

	ActionsTotal   metric.Int64Counter
	ActionDuration metric.Float64Histogram
	GateWait       metric.Float64Histogram
	LedgerAppends  metric.Int64Counter
	CacheHits      metric.Int64Counter
	CacheMisses    metric.Int64Counter
}

// NewTelemetry installs in-process providers and creates the instruments.
// Deployments attach exporters by replacing the global providers before
// calling this.
func NewTelemetry() (*Telemetry, error) {
	if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
		otel.SetTracerProvider(sdktrace.NewTracerProvider())
	}
	if _, ok := otel.GetMeterProvider().(*sdkmetric.MeterProvider); !ok {
		otel.SetMeterProvider(sdkmetric.NewMeterProvider())
	}

	meter := otel.Meter(instrumentationName)
	t := &Telemetry{Tracer: otel.Tracer(instrumentationName)}

	var err error
	if t.ActionsTotal, err = meter.Int64Counter("governor.actions.total",
		metric.WithDescription("Terminal receipts by tier and status")); err != nil {
		return nil, err
	}
	if t.ActionDuration, err = meter.Float64Histogram("governor.action.duration.ms",
		metric.WithDescription("Submit-to-terminal latency"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if t.GateWait, err = meter.Float64Histogram("governor.gate.wait.ms",
		metric.WithDescription("Time spent awaiting human approval"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if t.LedgerAppends, err = meter.Int64Counter("governor.ledger.appends.total",
		metric.WithDescription("Receipts appended to the chain")); err != nil {
		return nil, err
	}
	if t.CacheHits, err = meter.Int64Counter("governor.policy.cache.hits.total",
		metric.WithDescription("Policy decisions served from cache")); err != nil {
		return nil, err
	}
	if t.CacheMisses, err = meter.Int64Counter("governor.policy.cache.misses.total",
		metric.WithDescription("Policy decisions requiring full evaluation")); err != nil {
		return nil, err
	}
	return t, nil
}

// TierAttr is the metric attribute for a risk tier.
func TierAttr(tier string) attribute.KeyValue {
	return attribute.String("tier", tier)
}

// StatusAttr is the metric attribute for a terminal status.
func StatusAttr(status string) attribute.KeyValue {
	return attribute.String("status", status)
}
