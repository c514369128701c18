// Package constants centralizes the default tunables and wire
// constants shared across the pool, handler, queue, and channel
// packages, mirroring how the rest of the module avoids magic
// numbers scattered across files.
package constants

import "time"

// Pool construction defaults.
const (
	// DefaultMaxQueueSize is unbounded unless the caller sets one.
	DefaultMaxQueueSize = 0 // 0 means unbounded

	// DefaultWorkerTerminateTimeout bounds how long a handler waits for
	// a graceful exit (Terminate reply / transport close) before it is
	// force-killed.
	DefaultWorkerTerminateTimeout = 1000 * time.Millisecond

	// DefaultDebugPortStart is the base debug port the allocator hands
	// out from when a caller opts into per-worker debug ports.
	DefaultDebugPortStart = 9229
)

// Handler cleanup/crash timing.
const (
	// CleanupReplyTimeout bounds how long a handler waits for a
	// CleanupResponse after sending a Cleanup frame before the handler
	// is force-terminated.
	CleanupReplyTimeout = 500 * time.Millisecond

	// AbortListenerTimeout bounds how long a worker-side abort listener
	// may run before the worker process exits.
	AbortListenerTimeout = 500 * time.Millisecond
)

// Adaptive scaler defaults.
const (
	DefaultScalerWindow         = 5
	DefaultHysteresis           = 0.6 // ceil(window * hysteresis) consecutive samples
	DefaultCooldownPeriod       = 2 * time.Second
	DefaultQueueDepthPerWorker  = 4.0
	DefaultLatencyThreshold     = 250 * time.Millisecond
	DefaultUtilizationHigh      = 0.85
	DefaultUtilizationLow       = 0.2
	MaxScaleUpPerDecision       = 4
	MaxScaleDownPerDecision     = 2
)

// Frame wire constants.
const (
	FrameMagic       = 0x5750
	FrameVersion     = 2
	FrameHeaderBytes = 20
)

// SharedChannel header/slot constants.
const (
	ChannelHeaderBytes    = 64
	SlotHeaderBytes       = 4 // slot_status
	SlotEnvelopeBytes     = 9 // slot_status(4) + msg_type(1) + length(4); see channel.go
	DefaultStallThreshold = 5 * time.Second
)

// Batch executor defaults.
const (
	DefaultProgressThrottle = 100 * time.Millisecond
)
