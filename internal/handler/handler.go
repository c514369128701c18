// Package handler implements the worker handler and its lifecycle
// state machine: one Handler owns a single Transport, correlates
// in-flight requests by id, and drives the cold/ready/busy/cleaning/
// terminating/terminated transitions. A single owner mutates all
// handler state, so no internal locking is required as long as only
// the Pool's dispatch loop calls in.
package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/riverrun/wpool/internal/frame"
	"github.com/riverrun/wpool/internal/logging"
	"github.com/riverrun/wpool/internal/werr"
)

// State is a Handler's lifecycle state.
type State int

const (
	StateCold State = iota
	StateWarming
	StateReady
	StateBusy
	StateCleaning
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarming:
		return "warming"
	case StateReady:
		return "ready"
	case StateBusy:
		return "busy"
	case StateCleaning:
		return "cleaning"
	case StateTerminating:
		return "terminating"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Transport is the opaque external carrier of messages for one
// worker (C1): the core never sees its spawn/kill internals, only
// send, an inbound-message stream, an error stream, and kill.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Messages() <-chan []byte
	Errors() <-chan error
	Kill() error
}

// Request is what a caller asks a Handler to run.
type Request struct {
	ID      uint64 // overwritten by Handler.Exec with the assigned request_id
	Method  string
	Params  []byte
	OnEvent func(payload []byte)
}

// Result is what a Handler eventually delivers for a Request.
type Result struct {
	Value []byte
	Err   error
}

type inFlightEntry struct {
	req       Request
	resultCh  chan Result
	startedAt time.Time
}

type trackingEntry struct {
	original error
	resultCh chan Result
}

// Stats is a point-in-time snapshot of a Handler's bookkeeping.
type Stats struct {
	ID             string
	State          State
	ActiveCount    int
	TasksCompleted uint64
	TasksFailed    uint64
	BusyNs         uint64
}

// Handler owns one Transport and correlates in-flight requests. Not
// safe for concurrent use: callers must only invoke it from the
// Pool's single dispatch loop.
type Handler struct {
	ID        string
	transport Transport
	logger    *logging.Logger

	state         State
	lastRequestID uint64
	readyQ        [][]byte
	inFlight      map[uint64]*inFlightEntry
	tracking      map[uint64]*trackingEntry

	cleanupTimeout   time.Duration
	terminateTimeout time.Duration
	sendTimeout      time.Duration

	tasksCompleted uint64
	tasksFailed    uint64
	busyNs         uint64

	terminateDone chan struct{}
}

// Option configures a Handler at construction.
type Option func(*Handler)

func WithLogger(l *logging.Logger) Option       { return func(h *Handler) { h.logger = l } }
func WithCleanupTimeout(d time.Duration) Option  { return func(h *Handler) { h.cleanupTimeout = d } }
func WithTerminateTimeout(d time.Duration) Option {
	return func(h *Handler) { h.terminateTimeout = d }
}
func WithSendTimeout(d time.Duration) Option { return func(h *Handler) { h.sendTimeout = d } }

// New creates a cold Handler over t, awaiting its readiness signal.
func New(id string, t Transport, opts ...Option) *Handler {
	h := &Handler{
		ID:               id,
		transport:        t,
		logger:           logging.Default(),
		state:            StateCold,
		inFlight:         make(map[uint64]*inFlightEntry),
		tracking:         make(map[uint64]*trackingEntry),
		cleanupTimeout:   500 * time.Millisecond,
		terminateTimeout: time.Second,
		sendTimeout:      2 * time.Second,
		terminateDone:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) State() State { return h.state }

// Busy reports whether this handler should be skipped by a
// worker-choice strategy looking for idle capacity: true iff
// in_flight is non-empty or it's mid cleanup.
func (h *Handler) Busy() bool { return len(h.inFlight) > 0 || h.state == StateCleaning }

func (h *Handler) ActiveCount() int { return len(h.inFlight) }

// HandlerID, TasksCompleted, and BusyNs satisfy internal/strategy's
// Handler interface, letting a worker-choice strategy select among
// live Handlers without this package importing strategy.
func (h *Handler) HandlerID() string      { return h.ID }
func (h *Handler) TasksCompleted() uint64 { return h.tasksCompleted }
func (h *Handler) BusyNs() uint64         { return h.busyNs }

// Available reports whether the Handler may accept a new dispatch:
// never while cleaning or terminating.
func (h *Handler) Available() bool {
	return h.state != StateCleaning && h.state != StateTerminating && h.state != StateTerminated
}

func (h *Handler) Stats() Stats {
	return Stats{
		ID:             h.ID,
		State:          h.state,
		ActiveCount:    len(h.inFlight),
		TasksCompleted: h.tasksCompleted,
		TasksFailed:    h.tasksFailed,
		BusyNs:         h.busyNs,
	}
}

func (h *Handler) send(data []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), h.sendTimeout)
	defer cancel()
	return h.transport.Send(ctx, data)
}

// Exec assigns a request_id, frames a TaskRequest, and sends it
// immediately (if ready) or queues it in ready_q (if cold/warming).
func (h *Handler) Exec(req Request) (chan Result, error) {
	if !h.Available() {
		return nil, werr.New(werr.KindWorker, werr.CodeWorkerUnresponsive, "handler is not accepting new tasks").
			WithOp("Handler.exec").WithContext("state", h.state.String())
	}

	h.lastRequestID++
	id := h.lastRequestID
	req.ID = id
	resultCh := make(chan Result, 1)
	h.inFlight[id] = &inFlightEntry{req: req, resultCh: resultCh, startedAt: time.Now()}

	payload := frame.EncodeTaskRequest(frame.TaskRequestPayload{Method: req.Method, Params: req.Params})
	data := frame.Encode(frame.Frame{
		Header:  frame.Header{MsgType: frame.TaskRequest, MessageID: uint32(id)},
		Payload: payload,
	})

	switch h.state {
	case StateCold, StateWarming:
		h.readyQ = append(h.readyQ, data)
	default:
		if err := h.send(data); err != nil {
			delete(h.inFlight, id)
			return nil, werr.New(werr.KindChannel, werr.CodeSendFailed, "send to worker failed").
				WithOp("Handler.exec").WithContext("inner", err.Error())
		}
		h.state = StateBusy
	}
	return resultCh, nil
}

// OnMessage processes one inbound message from the Transport.
func (h *Handler) OnMessage(msg []byte) {
	if (h.state == StateCold || h.state == StateWarming) && string(msg) == "ready" {
		h.becomeReady()
		return
	}

	f, err := frame.Decode(msg)
	if err != nil {
		h.logger.Error("bad frame from worker", "handler_id", h.ID, "error", err.Error())
		return
	}

	switch f.MsgType {
	case frame.Event:
		if inf, ok := h.inFlight[uint64(f.MessageID)]; ok && inf.req.OnEvent != nil {
			inf.req.OnEvent(f.Payload)
		}
	case frame.TaskResponse:
		h.settleInFlight(uint64(f.MessageID), Result{Value: f.Payload})
	case frame.TaskError:
		ep, derr := frame.DecodeError(f.Payload)
		if derr != nil {
			h.logger.Error("bad error payload from worker", "handler_id", h.ID, "error", derr.Error())
			return
		}
		h.settleInFlight(uint64(f.MessageID), Result{
			Err: werr.New(werr.KindTask, werr.CodeExecutionFailed, ep.Msg).WithStack(ep.Stack),
		})
	case frame.CleanupResponse:
		h.settleTracking(uint64(f.MessageID))
	case frame.HeartbeatRes:
		// liveness only; no state transition.
	default:
		h.logger.Warn("unexpected frame from worker", "handler_id", h.ID, "msg_type", f.MsgType.String())
	}
}

func (h *Handler) becomeReady() {
	h.state = StateReady
	queued := h.readyQ
	h.readyQ = nil
	for _, data := range queued {
		if err := h.send(data); err != nil {
			h.logger.Error("failed to flush queued frame after ready signal", "handler_id", h.ID, "error", err.Error())
		}
	}
	if len(queued) > 0 {
		h.state = StateBusy
	}
}

func (h *Handler) settleInFlight(id uint64, res Result) {
	inf, ok := h.inFlight[id]
	if !ok {
		// Already moved to tracking (cancelled/timed out): a late
		// worker resolution is discarded.
		return
	}
	delete(h.inFlight, id)
	h.busyNs += uint64(time.Since(inf.startedAt))
	if res.Err != nil {
		h.tasksFailed++
	} else {
		h.tasksCompleted++
	}
	inf.resultCh <- res
	close(inf.resultCh)
	h.afterSettle()
}

func (h *Handler) settleTracking(id uint64) {
	tr, ok := h.tracking[id]
	if !ok {
		return
	}
	delete(h.tracking, id)
	tr.resultCh <- Result{Err: werr.Wrap("Handler.cleanup", tr.original)}
	close(tr.resultCh)
	h.afterSettle()
}

func (h *Handler) afterSettle() {
	if h.state == StateTerminating {
		if len(h.inFlight) == 0 && len(h.tracking) == 0 {
			h.sendTerminate()
			h.finishTermination()
		}
		return
	}
	switch {
	case len(h.tracking) > 0:
		h.state = StateCleaning
	case len(h.inFlight) > 0:
		h.state = StateBusy
	default:
		h.state = StateReady
	}
}

// Cancel moves an in-flight request to tracking and sends a Cleanup
// frame. ok is false when id is unknown (already resolved; cancelling
// a settled future is a no-op). On ok, the caller (the Pool)
// is responsible for scheduling a CleanupExpired(id) check after the
// returned duration, since Handler itself runs no timers.
func (h *Handler) Cancel(id uint64, reason error) (cleanupTimeout time.Duration, ok bool) {
	inf, exists := h.inFlight[id]
	if !exists {
		return 0, false
	}
	delete(h.inFlight, id)
	h.tracking[id] = &trackingEntry{original: reason, resultCh: inf.resultCh}

	cleanupFrame := frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.Cleanup, MessageID: uint32(id)}})
	if err := h.send(cleanupFrame); err != nil {
		h.logger.Warn("failed to send cleanup frame", "handler_id", h.ID, "error", err.Error())
	}
	h.afterSettle()
	return h.cleanupTimeout, true
}

// CleanupExpired reports whether id is still awaiting a
// CleanupResponse; if so the caller should force-terminate this
// handler (the cleanup reply did not arrive within the timeout).
func (h *Handler) CleanupExpired(id uint64) bool {
	_, ok := h.tracking[id]
	return ok
}

func (h *Handler) rejectAll(err error) {
	for id, inf := range h.inFlight {
		inf.resultCh <- Result{Err: err}
		close(inf.resultCh)
		delete(h.inFlight, id)
	}
	for id, tr := range h.tracking {
		tr.resultCh <- Result{Err: err}
		close(tr.resultCh)
		delete(h.tracking, id)
	}
}

func (h *Handler) sendTerminate() {
	if err := h.send(frame.Encode(frame.Frame{Header: frame.Header{MsgType: frame.Terminate}})); err != nil {
		h.logger.Debug("failed to send terminate frame", "handler_id", h.ID, "error", err.Error())
	}
}

func (h *Handler) finishTermination() {
	h.state = StateTerminated
	select {
	case <-h.terminateDone:
	default:
		close(h.terminateDone)
	}
}

// Terminate begins graceful (force=false) or forced (force=true)
// shutdown. Graceful waits for in-flight work to drain before the
// Terminate frame goes out, so the worker never exits mid-task; the
// returned channel closes once the handler reaches terminated.
func (h *Handler) Terminate(force bool) <-chan struct{} {
	if h.state == StateTerminated {
		return h.terminateDone
	}

	if force {
		h.rejectAll(werr.New(werr.KindWorker, werr.CodeWorkerTerminated, "handler force-terminated").WithOp("Handler.terminate"))
		h.sendTerminate()
		_ = h.transport.Kill()
		h.finishTermination()
		return h.terminateDone
	}

	h.state = StateTerminating
	if len(h.inFlight) == 0 && len(h.tracking) == 0 {
		h.sendTerminate()
		h.finishTermination()
	}
	return h.terminateDone
}

// OnTransportExit handles a Transport error or exit: fatal for this
// handler, never for the Pool. Every pending
// in_flight and tracked future is rejected with WorkerTerminated.
func (h *Handler) OnTransportExit(cause error) {
	if h.state == StateTerminated {
		return
	}
	msg := "transport exited"
	if cause != nil {
		msg = fmt.Sprintf("transport exited: %v", cause)
	}
	h.rejectAll(werr.New(werr.KindWorker, werr.CodeWorkerTerminated, msg).WithOp("Handler"))
	h.finishTermination()
}
