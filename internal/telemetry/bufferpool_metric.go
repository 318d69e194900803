package internaltelemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// BufferPoolMetrics holds all the metric instruments for the buffer pool.
type BufferPoolMetrics struct {
	PageHitsCounter        metric.Int64Counter
	PageMissesCounter      metric.Int64Counter
	EvictionsCounter       metric.Int64Counter
	DirtyWritebacksCounter metric.Int64Counter
	PageFlushesCounter     metric.Int64Counter
	PagesAllocatedCounter  metric.Int64Counter
	PagesDeletedCounter    metric.Int64Counter
	ExhaustedCounter       metric.Int64Counter
	DiskReadHistogram      metric.Int64Histogram
}

// NewBufferPoolMetrics creates and registers all the metrics for the buffer pool.
func NewBufferPoolMetrics(meter metric.Meter) (*BufferPoolMetrics, error) {
	m := &BufferPoolMetrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.PageHitsCounter, "gojodb.bufferpool.page_hits", "Fetches served from a resident frame."},
		{&m.PageMissesCounter, "gojodb.bufferpool.page_misses", "Fetches that had to read the page from disk."},
		{&m.EvictionsCounter, "gojodb.bufferpool.evictions", "Frames reclaimed from the replacer."},
		{&m.DirtyWritebacksCounter, "gojodb.bufferpool.dirty_writebacks", "Dirty victims written back before reuse."},
		{&m.PageFlushesCounter, "gojodb.bufferpool.page_flushes", "Pages written by an explicit flush."},
		{&m.PagesAllocatedCounter, "gojodb.bufferpool.pages_allocated", "Pages created with NewPage."},
		{&m.PagesDeletedCounter, "gojodb.bufferpool.pages_deleted", "Pages removed with DeletePage."},
		{&m.ExhaustedCounter, "gojodb.bufferpool.exhausted", "Requests that found every frame pinned."},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name,
			metric.WithDescription(c.desc),
			metric.WithUnit("1"),
		)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	diskReadHistogram, err := meter.Int64Histogram(
		"gojodb.bufferpool.disk_read.duration",
		metric.WithDescription("Latency of page reads issued on a miss."),
		metric.WithUnit("us"),
	)
	if err != nil {
		return nil, err
	}
	m.DiskReadHistogram = diskReadHistogram
	return m, nil
}

// NewNoopBufferPoolMetrics returns instruments that record nothing.
func NewNoopBufferPoolMetrics() *BufferPoolMetrics {
	// The noop meter never fails to create instruments.
	m, _ := NewBufferPoolMetrics(noop.NewMeterProvider().Meter(""))
	return m
}

// Inc adds one to counter with the given attributes.
func Inc(ctx context.Context, counter metric.Int64Counter, attrs attribute.Set) {
	counter.Add(ctx, 1, metric.WithAttributeSet(attrs))
}
