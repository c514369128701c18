// Package werr implements the module's structured error taxonomy:
// machine-readable kind/code pairs, a human message, and an optional
// wrapped cause and worker stack, with errors.Is/As support and
// category constructors.
package werr

import (
	"errors"
	"fmt"
)

// Kind is the high-level error category.
type Kind string

const (
	KindWorker   Kind = "worker"
	KindProtocol Kind = "protocol"
	KindTask     Kind = "task"
	KindResource Kind = "resource"
	KindChannel  Kind = "channel"
)

// Code is a machine-readable error code, scoped within a Kind.
type Code string

const (
	// Worker kind.
	CodeWorkerCrashed       Code = "worker_crashed"
	CodeWorkerInitFailed    Code = "worker_init_failed"
	CodeWorkerUnresponsive  Code = "worker_unresponsive"
	CodeWorkerTerminated    Code = "worker_terminated"
	CodeNoWorkersAvailable  Code = "no_workers_available"
	CodePoolTerminated      Code = "pool_terminated"
	CodePoolQueueFull       Code = "pool_queue_full"
	CodeWorkerSpawnFailed   Code = "worker_spawn_failed"
	CodeWorkerTypeUnsupported Code = "worker_type_unsupported"

	// Protocol kind.
	CodeInvalidFrame        Code = "invalid_frame"
	CodeUnknownMessageType  Code = "unknown_message_type"
	CodeVersionMismatch     Code = "version_mismatch"
	CodeMessageTooLarge     Code = "message_too_large"
	CodeSerializationFailed Code = "serialization_failed"
	CodeDeserializationFailed Code = "deserialization_failed"
	CodeMissingField        Code = "missing_field"
	CodeDuplicateMessageID  Code = "duplicate_message_id"

	// Task kind.
	CodeMethodNotFound        Code = "method_not_found"
	CodeInvalidParams         Code = "invalid_params"
	CodeExecutionFailed       Code = "execution_failed"
	CodeCancelled             Code = "cancelled"
	CodeTimeout               Code = "timeout"
	CodeFunctionSerializeFailed Code = "function_serialize_failed"
	CodeAborted               Code = "aborted"
	CodeInternalError         Code = "internal_error"

	// Resource kind.
	CodeOutOfMemory            Code = "out_of_memory"
	CodeSharedMemoryUnavailable Code = "shared_memory_unavailable"
	CodeAtomicsUnavailable      Code = "atomics_unavailable"
	CodeBufferOverflow          Code = "buffer_overflow"
	CodeLimitExceeded           Code = "limit_exceeded"

	// Channel kind.
	CodeConnectionFailed Code = "connection_failed"
	CodeConnectionLost   Code = "connection_lost"
	CodeSendFailed       Code = "send_failed"
	CodeReceiveFailed    Code = "receive_failed"
	CodeChannelClosed    Code = "channel_closed"
	CodeBackpressure     Code = "backpressure"

	// Returned by the shared-memory channel.
	CodeBufferFull      Code = "buffer_full"
	CodeSlotContention  Code = "slot_contention"
)

// Error is a structured wpool error with context and a wrapped cause.
type Error struct {
	Op        string // operation that failed, e.g. "Pool.Exec", "Handler.exec"
	Kind      Kind
	Code      Code
	Msg       string
	Stack     string // worker-reported stack, when applicable
	Inner     error
	context   map[string]any
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("wpool: %s: %s [%s/%s]", e.Op, msg, e.Kind, e.Code)
	}
	return fmt.Sprintf("wpool: %s [%s/%s]", msg, e.Kind, e.Code)
}

func (e *Error) Unwrap() error { return e.Inner }

func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	if te.Code != "" && te.Code != e.Code {
		return false
	}
	if te.Kind != "" && te.Kind != e.Kind {
		return false
	}
	return true
}

// New creates a structured error of the given kind/code.
func New(kind Kind, code Code, msg string) *Error {
	return &Error{Kind: kind, Code: code, Msg: msg}
}

// WithOp annotates the error with the failing operation, returning the
// same *Error for chaining.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithStack attaches a worker-reported stack trace.
func (e *Error) WithStack(stack string) *Error {
	e.Stack = stack
	return e
}

// WithContext attaches a key/value pair of diagnostic context, e.g.
// task_id, handler_id, exit_code. Safe to chain.
func (e *Error) WithContext(key string, value any) *Error {
	if e.context == nil {
		e.context = make(map[string]any, 4)
	}
	e.context[key] = value
	return e
}

// Context returns a copy of the diagnostic context attached via
// WithContext.
func (e *Error) Context() map[string]any {
	out := make(map[string]any, len(e.context))
	for k, v := range e.context {
		out[k] = v
	}
	return out
}

// Wrap wraps an existing error with wpool context, preserving the
// original Kind/Code if it is already a *Error.
func Wrap(op string, inner error) *Error {
	if inner == nil {
		return nil
	}
	if we, ok := inner.(*Error); ok {
		wrapped := &Error{
			Op:    op,
			Kind:  we.Kind,
			Code:  we.Code,
			Msg:   we.Msg,
			Stack: we.Stack,
			Inner: we.Inner,
		}
		return wrapped
	}
	return &Error{
		Op:    op,
		Kind:  KindTask,
		Code:  CodeInternalError,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code Code) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Code == code
	}
	return false
}

// IsKind reports whether err is a *Error with the given kind.
func IsKind(err error, kind Kind) bool {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind == kind
	}
	return false
}

// Retryable reports whether the error's code is one callers may
// retry. The core never retries automatically.
func Retryable(err error) bool {
	var we *Error
	if !errors.As(err, &we) {
		return false
	}
	switch we.Code {
	case CodeWorkerCrashed, CodeWorkerUnresponsive, CodeTimeout,
		CodeConnectionLost, CodeSendFailed, CodeReceiveFailed:
		return true
	default:
		return false
	}
}

// Fatal reports whether the error's code should terminate the Pool.
func Fatal(err error) bool {
	var we *Error
	if !errors.As(err, &we) {
		return false
	}
	switch we.Code {
	case CodePoolTerminated, CodeOutOfMemory, CodeSharedMemoryUnavailable:
		return true
	default:
		return false
	}
}
