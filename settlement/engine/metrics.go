package engine

import (
	"context"
	"fmt"

	constant "github.com/LerianStudio/lib-settlement/settlement/constants"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "settlement.engine"

type engineMetrics struct {
	settled             metric.Int64Counter
	assumedSent         metric.Int64Counter
	credited            metric.Int64Counter
	integrityViolations metric.Int64Counter
	leasesFinalized     metric.Int64Counter
	notificationsFailed metric.Int64Counter
}

func newEngineMetrics(provider metric.MeterProvider) (engineMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)

	var metrics engineMetrics

	counters := []struct {
		target      *metric.Int64Counter
		name        string
		description string
	}{
		{&metrics.settled, "settlement.outgoing.settled", "Number of outgoing settlements that moved funds on the ledger"},
		{&metrics.assumedSent, "settlement.outgoing.assumed_sent", "Number of outgoing settlements assumed sent after an adapter error"},
		{&metrics.credited, "settlement.incoming.credited", "Number of incoming settlements credited by the connector"},
		{&metrics.integrityViolations, "settlement.integrity.violations", "Number of accounting integrity violations"},
		{&metrics.leasesFinalized, "settlement.leases.finalized", "Number of leases resolved by the finalize pass"},
		{&metrics.notificationsFailed, "settlement.notifications.failed", "Number of connector notifications that failed after retries"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.description), metric.WithUnit("{settlement}"))
		if err != nil {
			return engineMetrics{}, fmt.Errorf("create %s counter: %w", c.name, err)
		}

		*c.target = counter
	}

	return metrics, nil
}

func count(ctx context.Context, counter metric.Int64Counter, attrs ...attribute.KeyValue) {
	if counter == nil {
		return
	}

	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(constant.AttrOutcome, outcome)
}
