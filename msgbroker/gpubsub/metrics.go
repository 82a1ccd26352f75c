package gpubsub

import (
	"context"
	"time"

	metricsutil "github.com/textileio/deploy-core/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type metricsCollector interface {
	onPublish(context.Context, string, error)
	onHandle(context.Context, string, time.Duration, error)
}

type noopMetricsCollector struct{}

func (noopMetricsCollector) onPublish(context.Context, string, error) {}
func (noopMetricsCollector) onHandle(context.Context, string, time.Duration, error) {}

type otelMetricsCollector struct {
	metricPublished      metric.Int64Counter
	metricHandled        metric.Int64Counter
	metricHandleDuration metric.Float64Histogram
}

func (c *otelMetricsCollector) onPublish(ctx context.Context, topicName string, err error) {
	metricsutil.MetricIncrCounter(ctx, err, c.metricPublished, attribute.String("topic", topicName))
}

func (c *otelMetricsCollector) onHandle(ctx context.Context, topicName string, took time.Duration, err error) {
	label := attribute.String("topic", topicName)
	metricsutil.MetricIncrCounter(ctx, err, c.metricHandled, label)
	c.metricHandleDuration.Record(ctx, took.Seconds(), label)
}

func (p *PubsubMsgBroker) initMetrics(meter metric.MeterMust) {
	p.metrics = &otelMetricsCollector{
		metricPublished:      meter.NewInt64Counter("gpubsub_published_messages_total"),
		metricHandled:        meter.NewInt64Counter("gpubsub_handled_messages_total"),
		metricHandleDuration: meter.NewFloat64Histogram("gpubsub_handle_message_duration_seconds"),
	}
}
