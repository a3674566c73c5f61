package stats

import (
	"context"
	"sync"
	"time"
)

// Measurement is one call captured by a Recorder.
type Measurement struct {
	Kind     string // "incr", "timing" or "gauge"
	Name     string
	Value    int64
	Duration time.Duration
	Tags     map[string]string
}

// Recorder is an in-memory Sink for tests.
type Recorder struct {
	mu   sync.Mutex
	recs []Measurement
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Incr(_ context.Context, name string, tags ...Tag) {
	r.add(Measurement{Kind: "incr", Name: name, Value: 1, Tags: tagMap(tags)})
}

func (r *Recorder) Timing(_ context.Context, name string, d time.Duration, tags ...Tag) {
	r.add(Measurement{Kind: "timing", Name: name, Duration: d, Tags: tagMap(tags)})
}

func (r *Recorder) Gauge(_ context.Context, name string, value int64, tags ...Tag) {
	r.add(Measurement{Kind: "gauge", Name: name, Value: value, Tags: tagMap(tags)})
}

func (r *Recorder) add(m Measurement) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = append(r.recs, m)
}

// Measurements returns a copy of everything recorded so far.
func (r *Recorder) Measurements() []Measurement {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Measurement, len(r.recs))
	copy(out, r.recs)
	return out
}

// Reset drops all recorded measurements.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recs = nil
}

// Count returns how many measurements of kind/name carry all of the given tags.
func (r *Recorder) Count(kind, name string, tags ...Tag) int {
	n := 0
	for _, m := range r.Measurements() {
		if m.Kind == kind && m.Name == name && hasTags(m, tags) {
			n++
		}
	}
	return n
}

// LastGauge returns the most recent gauge value for name and tags.
func (r *Recorder) LastGauge(name string, tags ...Tag) (int64, bool) {
	recs := r.Measurements()
	for i := len(recs) - 1; i >= 0; i-- {
		m := recs[i]
		if m.Kind == "gauge" && m.Name == name && hasTags(m, tags) {
			return m.Value, true
		}
	}
	return 0, false
}

func hasTags(m Measurement, tags []Tag) bool {
	for _, t := range tags {
		if m.Tags[t.Key] != t.Value {
			return false
		}
	}
	return true
}

func tagMap(tags []Tag) map[string]string {
	out := make(map[string]string, len(tags))
	for _, t := range tags {
		out[t.Key] = t.Value
	}
	return out
}
