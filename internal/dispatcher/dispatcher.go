// Package dispatcher implements the worker-side half of the wire
// protocol: it runs inside each worker, holding a registry of user
// methods plus the run/methods builtins, and turns incoming
// TaskRequest/Cleanup/Terminate/HeartbeatReq frames into calls against
// that registry.
package dispatcher

import (
	"context"
	"encoding/json"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/riverrun/wpool/internal/frame"
	"github.com/riverrun/wpool/internal/logging"
	"github.com/riverrun/wpool/internal/werr"
	"golang.org/x/sync/errgroup"
)

// Transport is the worker side's send-only view of the wire.
type Transport interface {
	Send(ctx context.Context, data []byte) error
}

// Context is handed to every registered Method; it carries the
// request id and lets the method emit progress events or register a
// listener to run if the task is aborted mid-flight.
type Context struct {
	context.Context
	RequestID uint64

	dispatcher *Dispatcher
}

// Emit sends an Event frame carrying payload for this request without
// completing it.
func (c *Context) Emit(payload []byte) { c.dispatcher.emit(c.RequestID, payload) }

// OnAbort registers fn to run (in parallel with any other listeners
// for this request) if a Cleanup frame arrives for this request id.
func (c *Context) OnAbort(fn AbortListener) { c.dispatcher.registerAbortListener(c.RequestID, fn) }

// Method is a user-registered task handler.
type Method func(ctx *Context, params []byte) ([]byte, error)

// AbortListener runs when its request is cancelled mid-flight.
type AbortListener func(ctx context.Context) error

// Option configures a Dispatcher at construction.
type Option func(*Dispatcher)

func WithLogger(l *logging.Logger) Option { return func(d *Dispatcher) { d.logger = l } }
func WithAbortListenerTimeout(t time.Duration) Option {
	return func(d *Dispatcher) { d.abortListenerTimeout = t }
}
func WithSendTimeout(t time.Duration) Option { return func(d *Dispatcher) { d.sendTimeout = t } }
func WithExitFunc(fn func()) Option          { return func(d *Dispatcher) { d.exitFn = fn } }

// Dispatcher is the worker-side method registry and frame handler.
type Dispatcher struct {
	transport Transport
	logger    *logging.Logger

	mu             sync.Mutex
	methods        map[string]Method
	abortListeners map[uint64][]AbortListener

	abortListenerTimeout time.Duration
	sendTimeout          time.Duration
	exitFn               func()

	startedAt time.Time
}

// New creates a Dispatcher over transport with the run/methods
// builtins already registered.
func New(transport Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		transport:            transport,
		logger:               logging.Default(),
		methods:              make(map[string]Method),
		abortListeners:       make(map[uint64][]AbortListener),
		abortListenerTimeout: 500 * time.Millisecond,
		sendTimeout:          2 * time.Second,
		exitFn:               func() { panic("dispatcher: abort listener timeout exceeded") },
		startedAt:            time.Now(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.methods["methods"] = d.methodsBuiltin
	d.methods["run"] = d.runBuiltin
	return d
}

// Register adds a user method under name, overriding any existing
// registration (including a prior Register call, but not the builtins
// which live under reserved names).
func (d *Dispatcher) Register(name string, fn Method) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name == "run" || name == "methods" {
		return
	}
	d.methods[name] = fn
}

// Start signals the pool-side handler that this worker is ready to
// receive TaskRequest frames.
func (d *Dispatcher) Start(ctx context.Context) error {
	return d.transport.Send(ctx, []byte("ready"))
}

// HandleMessage processes one inbound frame from the pool side.
func (d *Dispatcher) HandleMessage(raw []byte) {
	f, err := frame.Decode(raw)
	if err != nil {
		d.logger.Error("dispatcher received unparsable frame", "error", err.Error())
		return
	}
	switch f.MsgType {
	case frame.TaskRequest:
		go d.handleTaskRequest(f.MessageID, f.Payload)
	case frame.Cleanup:
		go d.handleCleanup(uint64(f.MessageID))
	case frame.Terminate:
		d.exitFn()
	case frame.HeartbeatReq:
		d.handleHeartbeat()
	default:
		d.logger.Warn("dispatcher received unexpected frame", "msg_type", f.MsgType.String())
	}
}

func (d *Dispatcher) lookup(name string) (Method, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fn, ok := d.methods[name]
	return fn, ok
}

func (d *Dispatcher) handleTaskRequest(requestID uint32, payload []byte) {
	reqPayload, err := frame.DecodeTaskRequest(payload)
	if err != nil {
		d.replyError(requestID, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "bad task request payload").WithOp("Dispatcher"))
		return
	}

	fn, ok := d.lookup(reqPayload.Method)
	if !ok {
		d.replyError(requestID, werr.New(werr.KindTask, werr.CodeMethodNotFound, "method not found").
			WithOp("Dispatcher").WithContext("method", reqPayload.Method))
		return
	}

	ctx := &Context{Context: context.Background(), RequestID: uint64(requestID), dispatcher: d}
	value, err := fn(ctx, reqPayload.Params)
	if err != nil {
		d.replyError(requestID, err)
		return
	}
	d.send(frame.Frame{Header: frame.Header{MsgType: frame.TaskResponse, MessageID: requestID}, Payload: value})
}

// handleCleanup runs every abort listener registered for requestID in
// parallel, via errgroup, then replies with CleanupResponse. If the
// listeners don't return within abortListenerTimeout, the worker exits
// the process instead of replying; there is no partial cleanup state
// to report back.
func (d *Dispatcher) handleCleanup(requestID uint64) {
	d.mu.Lock()
	listeners := d.abortListeners[requestID]
	delete(d.abortListeners, requestID)
	d.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), d.abortListenerTimeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, listener := range listeners {
		listener := listener
		g.Go(func() error { return listener(gctx) })
	}
	waitDone := make(chan error, 1)
	go func() { waitDone <- g.Wait() }()
	var runErr error
	select {
	case runErr = <-waitDone:
	case <-ctx.Done():
	}

	if ctx.Err() == context.DeadlineExceeded {
		d.logger.Error("abort listener timeout exceeded, exiting", "request_id", requestID)
		d.exitFn()
		return
	}

	var respPayload []byte
	if runErr != nil {
		respPayload = frame.EncodeError(frame.ErrorPayload{Msg: runErr.Error()})
	}
	d.send(frame.Frame{Header: frame.Header{MsgType: frame.CleanupResponse, MessageID: uint32(requestID)}, Payload: respPayload})
}

func (d *Dispatcher) handleHeartbeat() {
	d.mu.Lock()
	inFlight := len(d.abortListeners)
	d.mu.Unlock()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	payload := frame.EncodeHeartbeatResponse(frame.HeartbeatResponsePayload{
		Status:    1,
		TaskCount: uint32(inFlight),
		MemUsage:  mem.Alloc,
		UptimeMs:  uint64(time.Since(d.startedAt) / time.Millisecond),
	})
	d.send(frame.Frame{Header: frame.Header{MsgType: frame.HeartbeatRes}, Payload: payload})
}

func (d *Dispatcher) emit(requestID uint64, payload []byte) {
	d.send(frame.Frame{Header: frame.Header{MsgType: frame.Event, MessageID: uint32(requestID)}, Payload: payload})
}

func (d *Dispatcher) registerAbortListener(requestID uint64, fn AbortListener) {
	d.mu.Lock()
	d.abortListeners[requestID] = append(d.abortListeners[requestID], fn)
	d.mu.Unlock()
}

func (d *Dispatcher) replyError(requestID uint32, err error) {
	stack := ""
	if we, ok := err.(*werr.Error); ok {
		stack = we.Stack
	}
	payload := frame.EncodeError(frame.ErrorPayload{Msg: err.Error(), Stack: stack})
	d.send(frame.Frame{Header: frame.Header{MsgType: frame.TaskError, MessageID: requestID}, Payload: payload})
}

func (d *Dispatcher) send(f frame.Frame) {
	ctx, cancel := context.WithTimeout(context.Background(), d.sendTimeout)
	defer cancel()
	if err := d.transport.Send(ctx, frame.Encode(f)); err != nil {
		d.logger.Error("dispatcher send failed", "error", err.Error())
	}
}

func (d *Dispatcher) methodsBuiltin(ctx *Context, params []byte) ([]byte, error) {
	d.mu.Lock()
	names := make([]string, 0, len(d.methods))
	for name := range d.methods {
		names = append(names, name)
	}
	d.mu.Unlock()
	sort.Strings(names)
	return json.Marshal(names)
}

// runParams is the "run" builtin's decoded params. A compiled worker
// can't evaluate an arbitrary source string the way a scripting-
// language worker could, so run means dynamic dispatch by method name
// instead: late-bound invocation of an already-registered method.
type runParams struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

func (d *Dispatcher) runBuiltin(ctx *Context, params []byte) ([]byte, error) {
	var rp runParams
	if err := json.Unmarshal(params, &rp); err != nil {
		return nil, werr.New(werr.KindTask, werr.CodeInvalidParams, "run: malformed params").WithOp("Dispatcher.run")
	}
	fn, ok := d.lookup(rp.Method)
	if !ok {
		return nil, werr.New(werr.KindTask, werr.CodeMethodNotFound, "run: method not found").
			WithOp("Dispatcher.run").WithContext("method", rp.Method)
	}
	return fn(ctx, rp.Args)
}
