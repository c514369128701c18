package scaler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func busySample(queueDepth, busy, total int) Sample {
	return Sample{QueueDepth: queueDepth, BusyWorkers: busy, TotalWorkers: total, AvgUtilization: 0.9}
}

func TestScaleUpRequiresHysteresisStreak(t *testing.T) {
	s := New(Config{Window: 5, Hysteresis: 0.6, MaxWorkers: 10, CooldownPeriod: time.Millisecond})
	now := time.Now()
	sample := busySample(10, 2, 2) // 5 per worker > default 4 threshold -> up trigger

	// needed = ceil(5*0.6) = 3
	require.Equal(t, ActionNone, s.Evaluate(sample, now).Action)
	require.Equal(t, ActionNone, s.Evaluate(sample, now).Action)
	d := s.Evaluate(sample, now)
	require.Equal(t, ActionUp, d.Action)
	require.Equal(t, "queue_depth_per_worker", d.Reason)
	require.Greater(t, d.Count, 0)
}

func TestScaleUpBoundedByMaxWorkers(t *testing.T) {
	s := New(Config{Window: 3, Hysteresis: 0.6, MaxWorkers: 3, CooldownPeriod: time.Millisecond})
	now := time.Now()
	sample := busySample(20, 3, 3)

	s.Evaluate(sample, now)
	d := s.Evaluate(sample, now)
	require.Equal(t, ActionNone, d.Action) // already at max -> no room
}

func TestScaleDownRequiresAllTriggersAndIdleWorker(t *testing.T) {
	s := New(Config{Window: 3, Hysteresis: 0.6, MaxWorkers: 10, MinWorkers: 1, CooldownPeriod: time.Millisecond})
	now := time.Now()
	sample := Sample{QueueDepth: 0, BusyWorkers: 2, TotalWorkers: 5, AvgUtilization: 0.1}

	s.Evaluate(sample, now)
	d := s.Evaluate(sample, now)
	require.Equal(t, ActionDown, d.Action)
	require.LessOrEqual(t, d.Count, 2)
}

func TestScaleDownRefusedWhenAllWorkersBusy(t *testing.T) {
	s := New(Config{Window: 2, Hysteresis: 0.5, MaxWorkers: 10, MinWorkers: 1})
	now := time.Now()
	sample := Sample{QueueDepth: 0, BusyWorkers: 5, TotalWorkers: 5, AvgUtilization: 0.1}
	d := s.Evaluate(sample, now)
	require.Equal(t, ActionNone, d.Action)
}

func TestCooldownGatesSuccessiveDecisions(t *testing.T) {
	s := New(Config{Window: 2, Hysteresis: 1.0, MaxWorkers: 10, CooldownPeriod: time.Minute})
	now := time.Now()
	sample := busySample(20, 2, 2)

	s.Evaluate(sample, now)
	first := s.Evaluate(sample, now)
	require.Equal(t, ActionUp, first.Action)

	s.Evaluate(sample, now.Add(time.Second))
	second := s.Evaluate(sample, now.Add(time.Second))
	require.Equal(t, ActionNone, second.Action)
	require.Equal(t, "cooldown", second.Reason)
}

func TestDirectionChangeResetsStreak(t *testing.T) {
	s := New(Config{Window: 5, Hysteresis: 0.6, MaxWorkers: 10, MinWorkers: 0})
	now := time.Now()
	up := busySample(20, 2, 2)
	idle := Sample{QueueDepth: 0, BusyWorkers: 0, TotalWorkers: 2, AvgUtilization: 0.05}

	s.Evaluate(up, now)
	s.Evaluate(up, now)
	require.Equal(t, ActionNone, s.Evaluate(idle, now).Action) // streak reset by direction flip
}

func TestLatencyThresholdTriggersScaleUp(t *testing.T) {
	s := New(Config{Window: 2, Hysteresis: 1.0, MaxWorkers: 10, LatencyThreshold: 100 * time.Millisecond})
	now := time.Now()
	sample := Sample{QueueDepth: 0, BusyWorkers: 1, TotalWorkers: 4, P95LatencyNs: uint64(200 * time.Millisecond)}

	s.Evaluate(sample, now)
	d := s.Evaluate(sample, now)
	require.Equal(t, ActionUp, d.Action)
	require.Equal(t, "p95_latency", d.Reason)
}
