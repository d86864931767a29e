package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "amplifier-gateway"

// Metrics holds the gateway's metric instruments, narrowed from the
// teacher's run-centric Metrics (RunsStarted/Completed/Failed, ToolCalls,
// RunDuration, RunCost) to this gateway's turn-centric lifecycle — there
// is no per-run cost to track without a billing collaborator.
type Metrics struct {
	ToolCalls     metric.Int64Counter
	TurnsStarted  metric.Int64Counter
	TurnsFinished metric.Int64Counter
	TurnsErrored  metric.Int64Counter
	TurnDuration  metric.Float64Histogram
}

// NewMetrics creates all metric instruments against the global meter
// provider, matching the teacher's NewMetrics.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.ToolCalls, err = meter.Int64Counter("gateway.toolcalls",
		metric.WithDescription("Number of tool calls observed across all sessions"))
	if err != nil {
		return nil, err
	}

	m.TurnsStarted, err = meter.Int64Counter("gateway.turns.started",
		metric.WithDescription("Number of prompt turns started"))
	if err != nil {
		return nil, err
	}

	m.TurnsFinished, err = meter.Int64Counter("gateway.turns.finished",
		metric.WithDescription("Number of prompt turns finished without error"))
	if err != nil {
		return nil, err
	}

	m.TurnsErrored, err = meter.Int64Counter("gateway.turns.errored",
		metric.WithDescription("Number of prompt turns that ended in an error"))
	if err != nil {
		return nil, err
	}

	m.TurnDuration, err = meter.Float64Histogram("gateway.turn.duration_seconds",
		metric.WithDescription("Turn duration in seconds"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
