package conversation

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("github.com/meridian-ai/meridian/internal/conversation")

var (
	requestsTotal      metric.Int64Counter
	violationsDetected metric.Int64Counter
	regenerations      metric.Int64Counter
	fallbacksUsed      metric.Int64Counter
	generateTimeouts   metric.Int64Counter
	persistFailures    metric.Int64Counter
)

func init() {
	var err error
	requestsTotal, err = meter.Int64Counter("conversation.requests.total",
		metric.WithDescription("Conversation turns processed"))
	if err != nil {
		requestsTotal, _ = meter.Int64Counter("conversation.requests.total.fallback")
	}

	violationsDetected, err = meter.Int64Counter("conversation.violations.detected",
		metric.WithDescription("Persona violations found in candidate replies"))
	if err != nil {
		violationsDetected, _ = meter.Int64Counter("conversation.violations.detected.fallback")
	}

	regenerations, err = meter.Int64Counter("conversation.regenerations",
		metric.WithDescription("Corrective regeneration calls issued"))
	if err != nil {
		regenerations, _ = meter.Int64Counter("conversation.regenerations.fallback")
	}

	fallbacksUsed, err = meter.Int64Counter("conversation.fallbacks",
		metric.WithDescription("Replies replaced by the safe apology or rule-based correction"))
	if err != nil {
		fallbacksUsed, _ = meter.Int64Counter("conversation.fallbacks.fallback")
	}

	generateTimeouts, err = meter.Int64Counter("conversation.generate.timeouts",
		metric.WithDescription("Generation calls that exceeded the wall-clock budget"))
	if err != nil {
		generateTimeouts, _ = meter.Int64Counter("conversation.generate.timeouts.fallback")
	}

	persistFailures, err = meter.Int64Counter("conversation.persist.failures",
		metric.WithDescription("Background persistence errors (logged, never surfaced)"))
	if err != nil {
		persistFailures, _ = meter.Int64Counter("conversation.persist.failures.fallback")
	}
}
