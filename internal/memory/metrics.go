package memory

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/meridian-ai/meridian/internal/memory")

var (
	shortTermWrites metric.Int64Counter
	readsTotal      metric.Int64Counter
	factsMerged     metric.Int64Counter
	factsRejected   metric.Int64Counter
)

func init() {
	var err error
	shortTermWrites, err = meter.Int64Counter("memory.short_term.writes",
		metric.WithDescription("Short-term buffer append operations"))
	if err != nil {
		shortTermWrites, _ = meter.Int64Counter("memory.short_term.writes.fallback")
	}

	readsTotal, err = meter.Int64Counter("memory.reads.total",
		metric.WithDescription("Total memory read operations"))
	if err != nil {
		readsTotal, _ = meter.Int64Counter("memory.reads.total.fallback")
	}

	factsMerged, err = meter.Int64Counter("memory.facts.merged",
		metric.WithDescription("Facts accepted into user profiles"))
	if err != nil {
		factsMerged, _ = meter.Int64Counter("memory.facts.merged.fallback")
	}

	factsRejected, err = meter.Int64Counter("memory.facts.rejected",
		metric.WithDescription("Fact candidates rejected at the validation gate"))
	if err != nil {
		factsRejected, _ = meter.Int64Counter("memory.facts.rejected.fallback")
	}
}
