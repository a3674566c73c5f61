package otel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-afm/internal/stats"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Sink implements stats.Sink on top of an OpenTelemetry meter. Instruments
// are created lazily and named "afm.<name>"; tags become attributes.
type Sink struct {
	meter  metric.Meter
	logger *slog.Logger

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	gauges     map[string]metric.Int64Gauge
}

var _ stats.Sink = (*Sink)(nil)

func NewSink(meter metric.Meter, logger *slog.Logger) *Sink {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sink{
		meter:      meter,
		logger:     logger.With("component", "otel_sink"),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
		gauges:     make(map[string]metric.Int64Gauge),
	}
}

func (s *Sink) Incr(ctx context.Context, name string, tags ...stats.Tag) {
	s.mu.Lock()
	c, ok := s.counters[name]
	if !ok {
		var err error
		c, err = s.meter.Int64Counter(instrumentName(name))
		if err != nil {
			s.mu.Unlock()
			s.logger.Warn("create counter failed", "name", name, "error", err)
			return
		}
		s.counters[name] = c
	}
	s.mu.Unlock()
	c.Add(ctx, 1, metric.WithAttributes(attributes(tags)...))
}

func (s *Sink) Timing(ctx context.Context, name string, d time.Duration, tags ...stats.Tag) {
	s.mu.Lock()
	h, ok := s.histograms[name]
	if !ok {
		var err error
		h, err = s.meter.Float64Histogram(instrumentName(name), metric.WithUnit("s"))
		if err != nil {
			s.mu.Unlock()
			s.logger.Warn("create histogram failed", "name", name, "error", err)
			return
		}
		s.histograms[name] = h
	}
	s.mu.Unlock()
	h.Record(ctx, d.Seconds(), metric.WithAttributes(attributes(tags)...))
}

func (s *Sink) Gauge(ctx context.Context, name string, value int64, tags ...stats.Tag) {
	s.mu.Lock()
	g, ok := s.gauges[name]
	if !ok {
		var err error
		g, err = s.meter.Int64Gauge(instrumentName(name))
		if err != nil {
			s.mu.Unlock()
			s.logger.Warn("create gauge failed", "name", name, "error", err)
			return
		}
		s.gauges[name] = g
	}
	s.mu.Unlock()
	g.Record(ctx, value, metric.WithAttributes(attributes(tags)...))
}

func instrumentName(name string) string {
	return "afm." + name
}

func attributes(tags []stats.Tag) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(tags))
	for _, t := range tags {
		out = append(out, attribute.String(t.Key, t.Value))
	}
	return out
}
