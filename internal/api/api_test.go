package api

import (
	"context"
	"testing"
)

// recordingSink is a trivial MetricsSink used only to confirm the
// interface is satisfiable by something outside this package's own
// compile-time assertions.
type recordingSink struct {
	counters  map[string]int64
	durations map[string]float64
}

func newRecordingSink() *recordingSink {
	return &recordingSink{counters: map[string]int64{}, durations: map[string]float64{}}
}

func (s *recordingSink) IncrCounter(_ context.Context, name string, delta int64, _ map[string]string) {
	s.counters[name] += delta
}

func (s *recordingSink) RecordDuration(_ context.Context, name string, millis float64, _ map[string]string) {
	s.durations[name] = millis
}

var _ MetricsSink = (*recordingSink)(nil)

func TestMetricsSinkRecordsThroughInterface(t *testing.T) {
	var sink MetricsSink = newRecordingSink()
	sink.IncrCounter(context.Background(), "quartzdb.requests", 1, nil)
	sink.IncrCounter(context.Background(), "quartzdb.requests", 2, nil)
	sink.RecordDuration(context.Background(), "quartzdb.latency_ms", 12.5, nil)

	rs := sink.(*recordingSink)
	if rs.counters["quartzdb.requests"] != 3 {
		t.Fatalf("expected counter to accumulate to 3, got %d", rs.counters["quartzdb.requests"])
	}
	if rs.durations["quartzdb.latency_ms"] != 12.5 {
		t.Fatalf("expected recorded duration 12.5, got %v", rs.durations["quartzdb.latency_ms"])
	}
}
