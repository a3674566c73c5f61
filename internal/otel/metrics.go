package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the transport-level instruments. Task lifecycle metrics go
// through Sink instead.
type Metrics struct {
	RequestDuration metric.Float64Histogram
	PollDuration    metric.Float64Histogram
	ResultDuration  metric.Float64Histogram
	TasksAssigned   metric.Int64Counter
	RequestRejects  metric.Int64Counter
	SweepDuration   metric.Float64Histogram
	StreamClients   metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("afm.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.PollDuration, err = meter.Float64Histogram("afm.poll.duration",
		metric.WithDescription("Agent poll transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ResultDuration, err = meter.Float64Histogram("afm.result.duration",
		metric.WithDescription("Task result transaction duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksAssigned, err = meter.Int64Counter("afm.poll.tasks_assigned",
		metric.WithDescription("Tasks handed out in poll responses"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestRejects, err = meter.Int64Counter("afm.request.rejects",
		metric.WithDescription("Requests rejected by validation or state guards"),
	)
	if err != nil {
		return nil, err
	}

	m.SweepDuration, err = meter.Float64Histogram("afm.sweep.duration",
		metric.WithDescription("Background cleanup sweep duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamClients, err = meter.Int64UpDownCounter("afm.stream.clients",
		metric.WithDescription("Connected lifecycle event stream clients"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
