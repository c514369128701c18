package wpool

import "github.com/riverrun/wpool/internal/constants"

// Re-export the internal defaults callers might want to reference
// without reaching into internal/constants.
const (
	DefaultMaxQueueSize           = constants.DefaultMaxQueueSize
	DefaultWorkerTerminateTimeout = constants.DefaultWorkerTerminateTimeout
	DefaultDebugPortStart         = constants.DefaultDebugPortStart

	DefaultScalerWindow        = constants.DefaultScalerWindow
	DefaultHysteresis          = constants.DefaultHysteresis
	DefaultCooldownPeriod      = constants.DefaultCooldownPeriod
	DefaultQueueDepthPerWorker = constants.DefaultQueueDepthPerWorker
	DefaultLatencyThreshold    = constants.DefaultLatencyThreshold
	DefaultUtilizationHigh     = constants.DefaultUtilizationHigh
	DefaultUtilizationLow      = constants.DefaultUtilizationLow

	DefaultStallThreshold   = constants.DefaultStallThreshold
	DefaultProgressThrottle = constants.DefaultProgressThrottle
)
