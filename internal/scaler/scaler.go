// Package scaler implements the adaptive worker-count scaler: a
// sliding window of utilisation samples, hysteresis-gated scale-up/
// down decisions, and a cooldown between successive decisions.
package scaler

import (
	"math"
	"time"

	"github.com/riverrun/wpool/internal/constants"
)

// Action is the scale decision's direction.
type Action int

const (
	ActionNone Action = iota
	ActionUp
	ActionDown
)

func (a Action) String() string {
	switch a {
	case ActionUp:
		return "up"
	case ActionDown:
		return "down"
	default:
		return "none"
	}
}

// Sample is one evaluation tick's snapshot.
type Sample struct {
	QueueDepth     int
	BusyWorkers    int
	TotalWorkers   int
	P95LatencyNs   uint64
	AvgUtilization float64
}

// Decision is the scaler's output for one evaluation.
type Decision struct {
	Action     Action
	Count      int
	Reason     string
	Confidence float64
}

// Config tunes scaler thresholds. Zero-valued fields are replaced by
// sensible defaults in New.
type Config struct {
	Window              int
	Hysteresis          float64
	CooldownPeriod      time.Duration
	QueueDepthPerWorker float64
	LatencyThreshold    time.Duration
	UtilizationHigh     float64
	UtilizationLow      float64
	MinWorkers          int
	MaxWorkers          int
}

const (
	maxScaleUpPerDecision   = constants.MaxScaleUpPerDecision
	maxScaleDownPerDecision = constants.MaxScaleDownPerDecision
)

// Scaler evaluates successive Samples and emits scale decisions.
// Not safe for concurrent use: called only from the Pool's dispatch
// loop.
type Scaler struct {
	cfg Config

	window    []Sample
	direction Action
	streak    int

	lastDecisionAt time.Time
	haveDecided    bool
}

func New(cfg Config) *Scaler {
	if cfg.Window <= 0 {
		cfg.Window = constants.DefaultScalerWindow
	}
	if cfg.Hysteresis <= 0 {
		cfg.Hysteresis = constants.DefaultHysteresis
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = constants.DefaultCooldownPeriod
	}
	if cfg.QueueDepthPerWorker <= 0 {
		cfg.QueueDepthPerWorker = constants.DefaultQueueDepthPerWorker
	}
	if cfg.LatencyThreshold <= 0 {
		cfg.LatencyThreshold = constants.DefaultLatencyThreshold
	}
	if cfg.UtilizationHigh <= 0 {
		cfg.UtilizationHigh = constants.DefaultUtilizationHigh
	}
	if cfg.UtilizationLow <= 0 {
		cfg.UtilizationLow = constants.DefaultUtilizationLow
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 1
	}
	return &Scaler{cfg: cfg}
}

func (s *Scaler) pushSample(sample Sample) {
	s.window = append(s.window, sample)
	if len(s.window) > s.cfg.Window {
		s.window = s.window[len(s.window)-s.cfg.Window:]
	}
}

func (s *Scaler) scaleUpTriggered(sample Sample) (bool, string) {
	if sample.TotalWorkers > 0 && float64(sample.QueueDepth)/float64(sample.TotalWorkers) > s.cfg.QueueDepthPerWorker {
		return true, "queue_depth_per_worker"
	}
	if time.Duration(sample.P95LatencyNs) > s.cfg.LatencyThreshold {
		return true, "p95_latency"
	}
	if sample.AvgUtilization > s.cfg.UtilizationHigh {
		return true, "utilization_high"
	}
	if sample.TotalWorkers > 0 && sample.BusyWorkers >= sample.TotalWorkers && sample.QueueDepth > 0 {
		return true, "all_busy_queue_nonempty"
	}
	return false, ""
}

func (s *Scaler) scaleDownTriggered(sample Sample) (bool, string) {
	if sample.QueueDepth != 0 {
		return false, ""
	}
	if sample.AvgUtilization >= s.cfg.UtilizationLow {
		return false, ""
	}
	if sample.BusyWorkers >= sample.TotalWorkers {
		return false, ""
	}
	return true, "queue_empty_low_utilization_idle_worker"
}

// Evaluate pushes sample onto the sliding window and returns the
// resulting decision, honouring hysteresis and cooldown.
func (s *Scaler) Evaluate(sample Sample, now time.Time) Decision {
	s.pushSample(sample)

	up, upReason := s.scaleUpTriggered(sample)
	down, downReason := s.scaleDownTriggered(sample)

	var dir Action
	var reason string
	switch {
	case up:
		dir, reason = ActionUp, upReason
	case down:
		dir, reason = ActionDown, downReason
	default:
		dir, reason = ActionNone, ""
	}

	if dir == ActionNone || dir != s.direction {
		s.direction = dir
		s.streak = 0
	}
	if dir != ActionNone {
		s.streak++
	}

	needed := int(math.Ceil(float64(s.cfg.Window) * s.cfg.Hysteresis))
	if needed < 1 {
		needed = 1
	}

	if dir == ActionNone || s.streak < needed {
		return Decision{Action: ActionNone, Reason: reason}
	}
	if s.haveDecided && now.Sub(s.lastDecisionAt) < s.cfg.CooldownPeriod {
		return Decision{Action: ActionNone, Reason: "cooldown"}
	}

	confidence := float64(s.streak) / float64(s.cfg.Window)
	if confidence > 1.0 {
		confidence = 1.0
	}

	var count int
	switch dir {
	case ActionUp:
		room := s.cfg.MaxWorkers - sample.TotalWorkers
		count = min(maxScaleUpPerDecision, room)
	case ActionDown:
		room := sample.TotalWorkers - s.cfg.MinWorkers
		count = min(maxScaleDownPerDecision, room)
	}
	if count <= 0 {
		return Decision{Action: ActionNone, Reason: reason + "_at_worker_limit"}
	}

	s.lastDecisionAt = now
	s.haveDecided = true
	s.streak = 0
	return Decision{Action: dir, Count: count, Reason: reason, Confidence: confidence}
}
