package monitor

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/ashita-ai/dirwatcher/internal/model"
	"github.com/ashita-ai/dirwatcher/internal/telemetry"
)

type instruments struct {
	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	endsRejected  metric.Int64Counter
	runsDiscarded metric.Int64Counter
	eventsApplied metric.Int64Counter
	eventsIgnored metric.Int64Counter
	scanFailures  metric.Int64Counter
}

// newInstruments registers the coordinator's counters. An instrument that
// fails to register falls back to a no-op so recording never has to check.
func newInstruments() *instruments {
	m := telemetry.Meter("dirwatcher/monitor")
	return &instruments{
		runsStarted:   counter(m, "dirwatcher.runs.started", "Task runs opened."),
		runsCompleted: counter(m, "dirwatcher.runs.completed", "Task runs finalized, by status."),
		endsRejected:  counter(m, "dirwatcher.runs.end_rejected", "End requests that lost the claim or found no run."),
		runsDiscarded: counter(m, "dirwatcher.runs.discarded", "Active task runs dropped because their record was deleted."),
		eventsApplied: counter(m, "dirwatcher.events.applied", "File events that changed a task run."),
		eventsIgnored: counter(m, "dirwatcher.events.ignored", "File events dropped because no run was in progress."),
		scanFailures:  counter(m, "dirwatcher.scan.failures", "Files that could not be scanned."),
	}
}

func counter(m metric.Meter, name, desc string) metric.Int64Counter {
	c, err := m.Int64Counter(name, metric.WithDescription(desc))
	if err != nil {
		return noop.Int64Counter{}
	}
	return c
}

func metricStatus(s model.TaskRunStatus) metric.AddOption {
	return metric.WithAttributes(attribute.String("status", string(s)))
}
