package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type recordingGauge struct {
	values map[string]float64
}

func (r *recordingGauge) With(labels ...string) Gauge {
	return recordedValue{values: r.values, key: labels[0]}
}

type recordedValue struct {
	values map[string]float64
	key    string
}

func (v recordedValue) Set(value float64) { v.values[v.key] = value }
func (v recordedValue) Inc()              { v.values[v.key]++ }
func (v recordedValue) Dec()              { v.values[v.key]-- }
func (v recordedValue) Add(delta float64) { v.values[v.key] += delta }
func (v recordedValue) Sub(delta float64) { v.values[v.key] -= delta }
func (v recordedValue) SetToCurrentTime() {}

type fakeGapCounter struct {
	counts map[string]int
	err    error
}

func (f *fakeGapCounter) GapCounts() (map[string]int, error) {
	return f.counts, f.err
}

func swapOpenGaps(t *testing.T) map[string]float64 {
	t.Helper()
	prior := OpenGaps
	values := make(map[string]float64)
	OpenGaps = &recordingGauge{values: values}
	t.Cleanup(func() { OpenGaps = prior })
	return values
}

func TestCollectorExportsGapCounts(t *testing.T) {
	values := swapOpenGaps(t)
	source := &fakeGapCounter{counts: map[string]int{"orders": 3, "audit": 1}}
	mc := NewMetricsCollector(source, time.Hour)

	mc.collect()

	require.Equal(t, float64(3), values["orders"])
	require.Equal(t, float64(1), values["audit"])
}

func TestCollectorResetsVanishedChannels(t *testing.T) {
	values := swapOpenGaps(t)
	source := &fakeGapCounter{counts: map[string]int{"orders": 3, "audit": 1}}
	mc := NewMetricsCollector(source, time.Hour)

	mc.collect()

	source.counts = map[string]int{"orders": 2}
	mc.collect()

	require.Equal(t, float64(2), values["orders"])
	require.Equal(t, float64(0), values["audit"])
}

func TestCollectorKeepsGaugesOnSampleError(t *testing.T) {
	values := swapOpenGaps(t)
	source := &fakeGapCounter{counts: map[string]int{"orders": 3}}
	mc := NewMetricsCollector(source, time.Hour)

	mc.collect()

	source.counts = nil
	source.err = errors.New("store unavailable")
	mc.collect()

	require.Equal(t, float64(3), values["orders"])
}
