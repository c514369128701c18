package wpool

import (
	"runtime"
	"time"

	"github.com/riverrun/wpool/internal/constants"
	"github.com/riverrun/wpool/internal/handler"
	"github.com/riverrun/wpool/internal/logging"
	"github.com/riverrun/wpool/internal/strategy"
	"github.com/riverrun/wpool/internal/taskqueue"
	"github.com/riverrun/wpool/internal/werr"
)

// WorkerType selects the Transport flavour a TransportFactory should
// produce; the core never looks past the factory's return value.
type WorkerType int

const (
	WorkerAuto WorkerType = iota
	WorkerThread
	WorkerProcess
	WorkerWeb
)

// QueueStrategyKind selects the C4 task-queue variant.
type QueueStrategyKind int

const (
	QueueFIFO QueueStrategyKind = iota
	QueueLIFO
	QueuePriority
	QueueCustom
)

// MemoryPressurePolicy governs admission once maxQueueMemory is
// exceeded.
type MemoryPressurePolicy int

const (
	PressureReject MemoryPressurePolicy = iota
	PressureWait
	PressureDropOldest
)

// MinWorkersMax is the sentinel for `minWorkers: "max"`: start
// with every worker the pool is allowed to have.
const MinWorkersMax = -1

// CircuitBreakerConfig configures the optional fault-tolerance wrapper
// around dispatch.
type CircuitBreakerConfig struct {
	Enabled         bool
	Threshold       uint32
	ResetTimeout    time.Duration
	VolumeThreshold uint32
}

// WorkerSpec is what a TransportFactory receives to build one
// Handler's Transport; OnCreateWorker may rewrite it first.
type WorkerSpec struct {
	HandlerID      string
	WorkerType     WorkerType
	DebugPort      int
	EmitStdStreams bool
}

// TransportFactory produces the opaque external Transport (C1) for
// one worker. The core never inspects how it spawns the worker.
type TransportFactory func(spec WorkerSpec) (handler.Transport, error)

// Config holds Pool construction parameters: plain fields, optional
// hooks as func(...) values, defaulted by DefaultConfig and applied
// via Option.
type Config struct {
	MinWorkers             int
	MaxWorkers             int
	MaxQueueSize           int
	WorkerType             WorkerType
	QueueStrategy          QueueStrategyKind
	CustomQueue            taskqueue.Queue
	WorkerTerminateTimeout time.Duration
	EmitStdStreams         bool
	OnCreateWorker         func(WorkerSpec) WorkerSpec
	OnTerminateWorker      func(handlerID string)
	DebugPortStart         int
	CircuitBreaker         CircuitBreakerConfig
	EnableMetrics          bool
	MetricsInterval        time.Duration
	MaxQueueMemory         int64
	OnMemoryPressure       MemoryPressurePolicy
	ScalerConfig           *scalerConfigHolder

	Strategy strategy.Strategy
	Logger   *logging.Logger
	Observer Observer

	TransportFactory TransportFactory
}

// DefaultConfig returns a Config with every field at its default.
func DefaultConfig() *Config {
	maxWorkers := runtime.NumCPU() - 1
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Config{
		MinWorkers:             1,
		MaxWorkers:             maxWorkers,
		MaxQueueSize:           constants.DefaultMaxQueueSize,
		WorkerType:             WorkerAuto,
		QueueStrategy:          QueueFIFO,
		WorkerTerminateTimeout: constants.DefaultWorkerTerminateTimeout,
		DebugPortStart:         constants.DefaultDebugPortStart,
		EnableMetrics:          true,
		MetricsInterval:        5 * time.Second,
		OnMemoryPressure:       PressureReject,
		Logger:                 logging.Default(),
	}
}

// Option configures a Config at Pool construction.
type Option func(*Config) error

func WithMinWorkers(n int) Option {
	return func(c *Config) error { c.MinWorkers = n; return nil }
}
func WithMinWorkersMax() Option {
	return func(c *Config) error { c.MinWorkers = MinWorkersMax; return nil }
}
func WithMaxWorkers(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return werr.New(werr.KindTask, werr.CodeInvalidParams, "maxWorkers must be >= 1").WithOp("WithMaxWorkers")
		}
		c.MaxWorkers = n
		return nil
	}
}
func WithMaxQueueSize(n int) Option {
	return func(c *Config) error {
		if n < 0 {
			return werr.New(werr.KindTask, werr.CodeInvalidParams, "maxQueueSize must be >= 0").WithOp("WithMaxQueueSize")
		}
		c.MaxQueueSize = n
		return nil
	}
}
func WithWorkerType(t WorkerType) Option {
	return func(c *Config) error { c.WorkerType = t; return nil }
}
func WithQueueStrategy(k QueueStrategyKind) Option {
	return func(c *Config) error { c.QueueStrategy = k; return nil }
}
func WithCustomQueue(q taskqueue.Queue) Option {
	return func(c *Config) error { c.QueueStrategy = QueueCustom; c.CustomQueue = q; return nil }
}
func WithWorkerTerminateTimeout(d time.Duration) Option {
	return func(c *Config) error { c.WorkerTerminateTimeout = d; return nil }
}
func WithEmitStdStreams(b bool) Option {
	return func(c *Config) error { c.EmitStdStreams = b; return nil }
}
func WithOnCreateWorker(fn func(WorkerSpec) WorkerSpec) Option {
	return func(c *Config) error { c.OnCreateWorker = fn; return nil }
}
func WithOnTerminateWorker(fn func(handlerID string)) Option {
	return func(c *Config) error { c.OnTerminateWorker = fn; return nil }
}
func WithDebugPortStart(n int) Option {
	return func(c *Config) error { c.DebugPortStart = n; return nil }
}
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(c *Config) error { c.CircuitBreaker = cfg; return nil }
}
func WithEnableMetrics(b bool) Option {
	return func(c *Config) error { c.EnableMetrics = b; return nil }
}
func WithMetricsInterval(d time.Duration) Option {
	return func(c *Config) error { c.MetricsInterval = d; return nil }
}
func WithMaxQueueMemory(n int64) Option {
	return func(c *Config) error { c.MaxQueueMemory = n; return nil }
}
func WithOnMemoryPressure(p MemoryPressurePolicy) Option {
	return func(c *Config) error { c.OnMemoryPressure = p; return nil }
}
func WithStrategy(s strategy.Strategy) Option {
	return func(c *Config) error { c.Strategy = s; return nil }
}
func WithLogger(l *logging.Logger) Option {
	return func(c *Config) error { c.Logger = l; return nil }
}
func WithObserver(o Observer) Option {
	return func(c *Config) error { c.Observer = o; return nil }
}
func WithTransportFactory(fn TransportFactory) Option {
	return func(c *Config) error { c.TransportFactory = fn; return nil }
}

func (c *Config) validate() error {
	if c.TransportFactory == nil {
		return werr.New(werr.KindTask, werr.CodeInvalidParams, "transport factory is required").WithOp("Config.validate")
	}
	if c.MaxWorkers < 1 {
		return werr.New(werr.KindTask, werr.CodeInvalidParams, "maxWorkers must be >= 1").WithOp("Config.validate")
	}
	if c.MinWorkers != MinWorkersMax && c.MinWorkers > c.MaxWorkers {
		return werr.New(werr.KindTask, werr.CodeInvalidParams, "minWorkers must not exceed maxWorkers").WithOp("Config.validate")
	}
	if c.MaxQueueSize < 0 {
		return werr.New(werr.KindTask, werr.CodeInvalidParams, "maxQueueSize must be >= 0").WithOp("Config.validate")
	}
	if c.QueueStrategy == QueueCustom && c.CustomQueue == nil {
		return werr.New(werr.KindTask, werr.CodeInvalidParams, "queueStrategy=custom requires WithCustomQueue").WithOp("Config.validate")
	}
	return nil
}

func (c *Config) resolvedMinWorkers() int {
	if c.MinWorkers == MinWorkersMax {
		return c.MaxWorkers
	}
	if c.MinWorkers < 0 {
		return 0
	}
	return c.MinWorkers
}

// scalerConfigHolder lets WithScalerTuning live in this file without
// importing internal/scaler into the public Config surface twice; the
// Pool unwraps it at construction.
type scalerConfigHolder struct {
	window              int
	hysteresis          float64
	cooldown            time.Duration
	queueDepthPerWorker float64
	latencyThreshold    time.Duration
	utilizationHigh     float64
	utilizationLow      float64
}

func WithScalerTuning(window int, hysteresis float64, cooldown time.Duration) Option {
	return func(c *Config) error {
		c.ScalerConfig = &scalerConfigHolder{window: window, hysteresis: hysteresis, cooldown: cooldown}
		return nil
	}
}
