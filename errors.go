package wpool

import "github.com/riverrun/wpool/internal/werr"

// Re-export the error taxonomy's public surface, the same way
// constants.go re-exports internal/constants: callers of this module
// deal in *wpool.Error, not internal/werr.Error.
type (
	Error = werr.Error
	Kind  = werr.Kind
	Code  = werr.Code
)

const (
	KindWorker   = werr.KindWorker
	KindProtocol = werr.KindProtocol
	KindTask     = werr.KindTask
	KindResource = werr.KindResource
	KindChannel  = werr.KindChannel
)

const (
	CodeWorkerCrashed         = werr.CodeWorkerCrashed
	CodeWorkerInitFailed      = werr.CodeWorkerInitFailed
	CodeWorkerUnresponsive    = werr.CodeWorkerUnresponsive
	CodeWorkerTerminated      = werr.CodeWorkerTerminated
	CodeNoWorkersAvailable    = werr.CodeNoWorkersAvailable
	CodePoolTerminated        = werr.CodePoolTerminated
	CodePoolQueueFull         = werr.CodePoolQueueFull
	CodeWorkerSpawnFailed     = werr.CodeWorkerSpawnFailed
	CodeWorkerTypeUnsupported = werr.CodeWorkerTypeUnsupported

	CodeInvalidFrame         = werr.CodeInvalidFrame
	CodeUnknownMessageType   = werr.CodeUnknownMessageType
	CodeVersionMismatch      = werr.CodeVersionMismatch
	CodeMessageTooLarge      = werr.CodeMessageTooLarge
	CodeSerializationFailed  = werr.CodeSerializationFailed
	CodeDeserializationFailed = werr.CodeDeserializationFailed
	CodeMissingField         = werr.CodeMissingField
	CodeDuplicateMessageID   = werr.CodeDuplicateMessageID

	CodeMethodNotFound         = werr.CodeMethodNotFound
	CodeInvalidParams          = werr.CodeInvalidParams
	CodeExecutionFailed        = werr.CodeExecutionFailed
	CodeCancelled              = werr.CodeCancelled
	CodeTimeout                = werr.CodeTimeout
	CodeFunctionSerializeFailed = werr.CodeFunctionSerializeFailed
	CodeAborted                = werr.CodeAborted
	CodeInternalError          = werr.CodeInternalError

	CodeOutOfMemory             = werr.CodeOutOfMemory
	CodeSharedMemoryUnavailable = werr.CodeSharedMemoryUnavailable
	CodeAtomicsUnavailable      = werr.CodeAtomicsUnavailable
	CodeBufferOverflow          = werr.CodeBufferOverflow
	CodeLimitExceeded           = werr.CodeLimitExceeded

	CodeConnectionFailed = werr.CodeConnectionFailed
	CodeConnectionLost   = werr.CodeConnectionLost
	CodeSendFailed       = werr.CodeSendFailed
	CodeReceiveFailed    = werr.CodeReceiveFailed
	CodeChannelClosed    = werr.CodeChannelClosed
	CodeBackpressure     = werr.CodeBackpressure
	CodeBufferFull       = werr.CodeBufferFull
	CodeSlotContention   = werr.CodeSlotContention
)

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code Code) bool { return werr.IsCode(err, code) }

// IsKind reports whether err is a *Error with the given kind.
func IsKind(err error, kind Kind) bool { return werr.IsKind(err, kind) }

// Retryable reports whether callers may retry the operation that
// produced err; the core itself never retries automatically.
func Retryable(err error) bool { return werr.Retryable(err) }
