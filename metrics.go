package deskqueue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricsScopeName = "github.com/castaneai/deskqueue"
	serviceKey       = attribute.Key("service")
	resultKey        = attribute.Key("result")
)

var (
	defaultHistogramBuckets = []float64{
		.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1,
	}
)

type queueMetrics struct {
	meter              metric.Meter
	ticketsIssued      metric.Int64Counter
	ticketsCalled      metric.Int64Counter
	ticketsCompleted   metric.Int64Counter
	callNextResults    metric.Int64Counter
	deskClaims         metric.Int64Counter
	storeUpdateLatency metric.Float64Histogram
}

func newQueueMetrics(provider metric.MeterProvider) (*queueMetrics, error) {
	meter := provider.Meter(metricsScopeName)
	ticketsIssued, err := meter.Int64Counter("deskqueue.tickets_issued")
	if err != nil {
		return nil, err
	}
	ticketsCalled, err := meter.Int64Counter("deskqueue.tickets_called")
	if err != nil {
		return nil, err
	}
	ticketsCompleted, err := meter.Int64Counter("deskqueue.tickets_completed")
	if err != nil {
		return nil, err
	}
	callNextResults, err := meter.Int64Counter("deskqueue.call_next_results")
	if err != nil {
		return nil, err
	}
	deskClaims, err := meter.Int64Counter("deskqueue.desk_claims")
	if err != nil {
		return nil, err
	}
	storeUpdateLatency, err := meter.Float64Histogram("deskqueue.store_update_latency",
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(defaultHistogramBuckets...))
	if err != nil {
		return nil, err
	}
	return &queueMetrics{
		meter:              meter,
		ticketsIssued:      ticketsIssued,
		ticketsCalled:      ticketsCalled,
		ticketsCompleted:   ticketsCompleted,
		callNextResults:    callNextResults,
		deskClaims:         deskClaims,
		storeUpdateLatency: storeUpdateLatency,
	}, nil
}

// observeQueueLength registers a gauge reporting the waiting tickets per service.
func (m *queueMetrics) observeQueueLength(lengths func() map[string]int) error {
	_, err := m.meter.Int64ObservableGauge("deskqueue.queue_length",
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			for service, n := range lengths() {
				o.Observe(int64(n), metric.WithAttributes(serviceKey.String(service)))
			}
			return nil
		}))
	return err
}

func (m *queueMetrics) recordTicketIssued(ctx context.Context, service string) {
	m.ticketsIssued.Add(ctx, 1, metric.WithAttributes(serviceKey.String(service)))
}

func (m *queueMetrics) recordCallNext(ctx context.Context, service string, status CallStatus) {
	m.callNextResults.Add(ctx, 1, metric.WithAttributes(serviceKey.String(service), resultKey.String(string(status))))
	if status == CallOK {
		m.ticketsCalled.Add(ctx, 1, metric.WithAttributes(serviceKey.String(service)))
	}
}

func (m *queueMetrics) recordTicketCompleted(ctx context.Context, service string) {
	m.ticketsCompleted.Add(ctx, 1, metric.WithAttributes(serviceKey.String(service)))
}

func (m *queueMetrics) recordDeskClaim(ctx context.Context, service string, result string) {
	m.deskClaims.Add(ctx, 1, metric.WithAttributes(serviceKey.String(service), resultKey.String(result)))
}

func (m *queueMetrics) recordStoreUpdateLatency(ctx context.Context, latency time.Duration) {
	m.storeUpdateLatency.Record(ctx, latency.Seconds())
}
