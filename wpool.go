// Package wpool implements a worker-pool dispatch and transport
// runtime: a Pool admits Tasks, dispatches them across a managed set
// of Handlers over an opaque Transport, and adapts worker count to
// load. A single dedicated goroutine owns all mutable pool state;
// everything else communicates with it over channels.
package wpool

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/uuid"
	"github.com/sony/gobreaker"

	"github.com/riverrun/wpool/internal/constants"
	"github.com/riverrun/wpool/internal/handler"
	"github.com/riverrun/wpool/internal/logging"
	"github.com/riverrun/wpool/internal/scaler"
	"github.com/riverrun/wpool/internal/strategy"
	"github.com/riverrun/wpool/internal/taskqueue"
	"github.com/riverrun/wpool/internal/werr"
)

// PoolState is the Pool's own lifecycle.
type PoolState int

const (
	PoolRunning PoolState = iota
	PoolTerminating
	PoolTerminated
)

// PoolStats is a snapshot returned by Pool.Stats.
type PoolStats struct {
	Total               int
	Busy                int
	Idle                int
	PendingInQueue      int
	Active              int
	CircuitState        string
	EstimatedQueueBytes int64
	Metrics             MetricsSnapshot
}

type execRequest struct {
	task    *Task
	future  *ResultFuture
	replyCh chan error
}

type cancelRequest struct {
	taskID uint64
	reason error
}

type handlerMsg struct {
	handlerID string
	payload   []byte
}

type handlerExit struct {
	handlerID string
	cause     error
}

type settleRequest struct {
	task   *Task
	future *ResultFuture
	res    handler.Result
}

type terminateRequest struct {
	force   bool
	replyCh chan struct{}
}

type liveHandler struct {
	h         *handler.Handler
	createdAt time.Time
	debugPort int
}

func (l *liveHandler) HandlerID() string      { return l.h.HandlerID() }
func (l *liveHandler) ActiveCount() int       { return l.h.ActiveCount() }
func (l *liveHandler) TasksCompleted() uint64 { return l.h.TasksCompleted() }
func (l *liveHandler) BusyNs() uint64         { return l.h.BusyNs() }
func (l *liveHandler) Available() bool        { return l.h.Available() }

// Pool is the worker-pool runtime (C8). Grounded on backend.go's
// Device: a top-level struct owning a slice of workers, a cancellable
// context, metrics, and an observer, created via CreateAndServe-style
// constructor and torn down via StopAndDelete-style termination.
type Pool struct {
	id  string
	cfg *Config

	logger  *logging.Logger
	metrics *Metrics

	strategy strategy.Strategy
	scaler   *scaler.Scaler
	breaker  *gobreaker.CircuitBreaker

	queue          taskqueue.Queue
	queueBytes     int64
	pendingFutures map[uint64]*ResultFuture
	pendingTasks   map[uint64]*Task

	handlers    map[string]*liveHandler
	handlerSeq  uint64
	taskIDSeq   atomic.Uint64 // written from any Exec caller's goroutine, not just the dispatch loop
	dispatchMap map[uint64]string // task id -> handler id, while in flight

	execCh    chan execRequest
	cancelCh  chan cancelRequest
	msgCh     chan handlerMsg
	exitCh    chan handlerExit
	settleCh  chan settleRequest
	statsCh   chan chan PoolStats
	terminate chan terminateRequest

	state     PoolState
	stateMu   sync.RWMutex
	startedAt time.Time
	termOnce  sync.Once
	termDone  chan struct{}

	wg sync.WaitGroup
}

// New constructs and starts a Pool: validate options, spin up the
// minimum worker set, kick off the dispatch-loop goroutine, return a
// live handle.
func New(opts ...Option) (*Pool, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	id, err := uuid.NewV4()
	if err != nil {
		return nil, werr.New(werr.KindResource, werr.CodeInternalError, "failed to allocate pool id").
			WithOp("New").WithContext("inner", err.Error())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithPool(id.String())

	q := buildQueue(cfg)

	strat := cfg.Strategy
	if strat == nil {
		strat = strategy.NewRoundRobin()
	}

	sc := scaler.New(scalerConfigFrom(cfg))

	p := &Pool{
		id:             id.String(),
		cfg:            cfg,
		logger:         logger,
		metrics:        NewMetrics(),
		strategy:       strat,
		scaler:         sc,
		queue:          q,
		pendingFutures: make(map[uint64]*ResultFuture),
		pendingTasks:   make(map[uint64]*Task),
		handlers:       make(map[string]*liveHandler),
		dispatchMap:    make(map[uint64]string),
		execCh:         make(chan execRequest),
		cancelCh:       make(chan cancelRequest, 64),
		msgCh:          make(chan handlerMsg, 256),
		exitCh:         make(chan handlerExit, 16),
		settleCh:       make(chan settleRequest, 64),
		statsCh:        make(chan chan PoolStats),
		terminate:      make(chan terminateRequest),
		state:          PoolRunning,
		startedAt:      time.Now(),
		termDone:       make(chan struct{}),
	}

	if cfg.CircuitBreaker.Enabled {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "wpool-" + p.id,
			MaxRequests: 1,
			Interval:    0,
			Timeout:     cfg.CircuitBreaker.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.Requests >= cfg.CircuitBreaker.VolumeThreshold &&
					counts.ConsecutiveFailures >= cfg.CircuitBreaker.Threshold
			},
		})
	}

	min := cfg.resolvedMinWorkers()
	for i := 0; i < min; i++ {
		if _, err := p.spawnHandler(); err != nil {
			p.logger.Error("initial worker spawn failed", "error", err.Error())
		}
	}

	p.wg.Add(1)
	go p.run()

	if cfg.EnableMetrics {
		p.wg.Add(1)
		go p.metricsTicker()
	}

	return p, nil
}

func buildQueue(cfg *Config) taskqueue.Queue {
	switch cfg.QueueStrategy {
	case QueueLIFO:
		return taskqueue.NewLIFO()
	case QueuePriority:
		return taskqueue.NewPriority()
	case QueueCustom:
		return cfg.CustomQueue
	default:
		cap := cfg.MaxQueueSize
		if cap <= 0 {
			cap = int(constants.DefaultMaxQueueSize)
		}
		return taskqueue.NewFIFO(cap)
	}
}

func scalerConfigFrom(cfg *Config) scaler.Config {
	sc := scaler.Config{
		MinWorkers: cfg.resolvedMinWorkers(),
		MaxWorkers: cfg.MaxWorkers,
	}
	if cfg.ScalerConfig != nil {
		sc.Window = cfg.ScalerConfig.window
		sc.Hysteresis = cfg.ScalerConfig.hysteresis
		sc.CooldownPeriod = cfg.ScalerConfig.cooldown
	}
	return sc
}

// ID returns the Pool's instance identifier, for log correlation.
func (p *Pool) ID() string { return p.id }

// MaxWorkers returns the configured worker ceiling, letting callers
// (e.g. the batch package) size their own concurrency gating relative
// to this pool without reaching into its private Config.
func (p *Pool) MaxWorkers() int { return p.cfg.MaxWorkers }

// Exec admits a task for execution: choose an idle handler and
// dispatch; else spawn one if under the ceiling; else queue if room;
// else apply the configured back-pressure policy.
func (p *Pool) Exec(method string, params []byte, opts ...TaskOption) (*ResultFuture, error) {
	p.stateMu.RLock()
	state := p.state
	p.stateMu.RUnlock()
	if state != PoolRunning {
		return nil, werr.New(werr.KindWorker, werr.CodePoolTerminated, "pool is terminated").WithOp("Pool.Exec")
	}

	task := &Task{
		Method:      method,
		Params:      params,
		SubmittedAt: time.Now(),
		state:       TaskQueued,
	}
	for _, o := range opts {
		o(task)
	}

	task.ID = p.taskIDSeq.Add(1)
	future := newResultFuture(p, task.ID)

	replyCh := make(chan error, 1)
	req := execRequest{task: task, future: future, replyCh: replyCh}

	select {
	case p.execCh <- req:
	case <-time.After(5 * time.Second):
		return nil, werr.New(werr.KindWorker, werr.CodePoolTerminated, "pool dispatch loop unresponsive").WithOp("Pool.Exec")
	}

	if err := <-replyCh; err != nil {
		return nil, err
	}
	return future, nil
}

// TaskOption configures one Exec call.
type TaskOption func(*Task)

func WithPriority(p int) TaskOption              { return func(t *Task) { t.Priority = p } }
func WithTaskTimeout(d time.Duration) TaskOption { return func(t *Task) { t.Timeout = d } }
func WithOnEvent(fn func([]byte)) TaskOption     { return func(t *Task) { t.OnEvent = fn } }
func WithAffinity(idx int) TaskOption {
	return func(t *Task) { t.Affinity = idx; t.HasAffinity = true }
}

func (p *Pool) cancelTask(id uint64, reason error) {
	select {
	case p.cancelCh <- cancelRequest{taskID: id, reason: reason}:
	default:
		p.logger.Warn("cancel request dropped: pool busy", "task_id", id)
	}
}

// Stats returns a point-in-time snapshot.
func (p *Pool) Stats() PoolStats {
	replyCh := make(chan PoolStats, 1)
	select {
	case p.statsCh <- replyCh:
		return <-replyCh
	case <-time.After(2 * time.Second):
		return PoolStats{Metrics: p.metrics.Snapshot()}
	}
}

// Terminate begins graceful (force=false) or forced (force=true)
// shutdown of every handler and stops admitting new work. The
// returned channel closes once every handler has been reaped; calling
// Terminate again returns that same channel and changes nothing,
// matching backend.go's StopAndDelete/Handler.Terminate idempotence.
func (p *Pool) Terminate(force bool) <-chan struct{} {
	p.termOnce.Do(func() {
		p.stateMu.Lock()
		p.state = PoolTerminating
		p.stateMu.Unlock()

		go func() {
			replyCh := make(chan struct{})
			select {
			case p.terminate <- terminateRequest{force: force, replyCh: replyCh}:
				<-replyCh
			case <-time.After(30 * time.Second):
			}
			close(p.termDone)
		}()
	})
	return p.termDone
}

// run is the Pool's single dispatch-loop goroutine: the only writer
// of handlers, queue, pendingFutures, dispatchMap, and the scaler's
// state, mirroring runner.go's ioLoop/processRequests discipline.
func (p *Pool) run() {
	defer p.wg.Done()

	ticker := time.NewTicker(1 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case req := <-p.execCh:
			p.handleExec(req)

		case c := <-p.cancelCh:
			p.handleCancel(c)

		case m := <-p.msgCh:
			p.handleMessage(m)

		case e := <-p.exitCh:
			p.handleExit(e)

		case s := <-p.settleCh:
			p.settleOnLoop(s.task, s.future, s.res)
			p.drainQueue()

		case replyCh := <-p.statsCh:
			replyCh <- p.snapshotStats()

		case <-ticker.C:
			p.evaluateScaler()

		case req := <-p.terminate:
			p.doTerminate(req.force)
			close(req.replyCh)
			return
		}
	}
}

func (p *Pool) handleExec(req execRequest) {
	task, future := req.task, req.future

	hint := strategy.Hint{AffinityIndex: task.Affinity, HasAffinity: task.HasAffinity}
	if hid, ok := p.chooseHandler(hint); ok {
		if err := p.dispatchTo(hid, task, future); err != nil {
			req.replyCh <- err
			return
		}
		req.replyCh <- nil
		return
	}

	if hid, ok := p.spawnOnDemand(); ok {
		if err := p.dispatchTo(hid, task, future); err != nil {
			req.replyCh <- err
			return
		}
		req.replyCh <- nil
		return
	}

	if p.admitToQueue(task, future) {
		req.replyCh <- nil
		return
	}

	req.replyCh <- p.applyBackpressure(task, future)
}

// spawnOnDemand spawns one handler when the strategy had nothing
// eligible and the pool is still under MaxWorkers: admission and
// drainQueue both fall back to this before queuing or backpressure, so
// a pool with zero live handlers still grows to serve its first task
// instead of waiting on the scaler's next tick.
func (p *Pool) spawnOnDemand() (string, bool) {
	if len(p.handlers) >= p.cfg.MaxWorkers {
		return "", false
	}
	h, err := p.spawnHandler()
	if err != nil {
		p.logger.Warn("on-demand spawn failed", "error", err.Error())
		return "", false
	}
	return h.HandlerID(), true
}

// chooseHandler runs the configured strategy over a snapshot of live
// handlers built in one pass, so the returned index always refers to
// the same ids slice it was chosen from (map iteration order is not
// stable across separate range statements).
//
// round-robin's own Choose still returns a handler index even when
// every handler is busy (its pick is advisory; the caller may queue);
// chooseHandler is the caller that enforces that, rejecting a chosen
// handler that isn't actually idle so admission can fall through to
// spawn-on-demand or queuing instead of stacking a second task onto a
// busy handler.
func (p *Pool) chooseHandler(hint strategy.Hint) (string, bool) {
	if len(p.handlers) == 0 {
		return "", false
	}
	ids := make([]string, 0, len(p.handlers))
	cands := make([]strategy.Handler, 0, len(p.handlers))
	for id, lh := range p.handlers {
		ids = append(ids, id)
		cands = append(cands, lh)
	}
	idx := p.strategy.Choose(cands, hint)
	if idx < 0 || idx >= len(ids) {
		return "", false
	}
	hid := ids[idx]
	lh := p.handlers[hid]
	if !lh.Available() || lh.ActiveCount() != 0 {
		return "", false
	}
	return hid, true
}

func (p *Pool) dispatchTo(hid string, task *Task, future *ResultFuture) error {
	lh, ok := p.handlers[hid]
	if !ok {
		return werr.New(werr.KindWorker, werr.CodeNoWorkersAvailable, "strategy chose an unknown handler").
			WithOp("Pool.dispatchTo")
	}

	task.state = TaskDispatched
	task.handlerRef = hid
	task.startedAt = time.Now()

	resultCh, err := lh.h.Exec(handler.Request{Method: task.Method, Params: task.Params, OnEvent: task.OnEvent})
	if err != nil {
		return err
	}

	p.pendingFutures[task.ID] = future
	p.pendingTasks[task.ID] = task
	p.dispatchMap[task.ID] = hid
	p.metrics.RecordSubmitted()

	p.wg.Add(1)
	go p.awaitResult(task, future, resultCh)

	if task.Timeout > 0 {
		time.AfterFunc(task.Timeout, func() {
			p.cancelTask(task.ID, werr.New(werr.KindTask, werr.CodeTimeout, "task exceeded configured timeout").
				WithOp("Pool.dispatchTo"))
		})
	}
	return nil
}

// awaitResult bridges a Handler's per-request resultCh back into the
// Pool's single-owner state via settleCh, so settlement bookkeeping
// still happens only on the dispatch-loop goroutine. Once the pool is
// fully torn down the loop is gone, so the future is settled directly;
// settle is once-only, so racing doTerminate's own PoolTerminated
// sweep is benign.
func (p *Pool) awaitResult(task *Task, future *ResultFuture, resultCh chan handler.Result) {
	defer p.wg.Done()
	res, ok := <-resultCh
	if !ok {
		return
	}
	select {
	case p.settleCh <- settleRequest{task: task, future: future, res: res}:
	case <-p.termDone:
		future.settle(res.Value, res.Err)
	}
}

func (p *Pool) settleOnLoop(task *Task, future *ResultFuture, res handler.Result) {
	latency := uint64(time.Since(task.startedAt))
	if p.breaker != nil {
		_, _ = p.breaker.Execute(func() (interface{}, error) { return res.Value, res.Err })
	}
	if res.Err != nil {
		if werr.IsCode(res.Err, werr.CodeCancelled) {
			task.state = TaskCancelled
			p.metrics.RecordCancelled()
		} else if werr.IsCode(res.Err, werr.CodeTimeout) {
			task.state = TaskFailed
			p.metrics.RecordTimedOut()
		} else {
			task.state = TaskFailed
			p.metrics.RecordFailed(latency)
		}
	} else {
		task.state = TaskDone
		p.metrics.RecordCompleted(latency)
	}
	future.settle(res.Value, res.Err)

	delete(p.pendingFutures, task.ID)
	delete(p.pendingTasks, task.ID)
	delete(p.dispatchMap, task.ID)
}

func (p *Pool) admitToQueue(task *Task, future *ResultFuture) bool {
	if p.cfg.MaxQueueSize > 0 && p.queue.Size() >= p.cfg.MaxQueueSize {
		return false
	}
	estimated := int64(len(task.Params))
	if p.cfg.MaxQueueMemory > 0 && p.queueBytes+estimated > p.cfg.MaxQueueMemory {
		return false
	}
	task.state = TaskQueued
	p.queue.Push(task)
	p.queueBytes += estimated
	p.pendingFutures[task.ID] = future
	p.pendingTasks[task.ID] = task
	p.metrics.RecordSubmitted()
	p.metrics.RecordQueueDepth(uint32(p.queue.Size()))
	return true
}

func (p *Pool) applyBackpressure(task *Task, future *ResultFuture) error {
	switch p.cfg.OnMemoryPressure {
	case PressureDropOldest:
		if oldest, ok := p.queue.Pop(); ok {
			if t, ok := oldest.(*Task); ok {
				if f, ok := p.pendingFutures[t.ID]; ok {
					f.settle(nil, werr.New(werr.KindResource, werr.CodeBufferFull, "dropped to admit a newer task").
						WithOp("Pool.applyBackpressure"))
					delete(p.pendingFutures, t.ID)
					delete(p.pendingTasks, t.ID)
				}
			}
		}
		p.admitToQueue(task, future)
		return nil
	case PressureWait:
		return werr.New(werr.KindResource, werr.CodeBackpressure, "queue full, caller should retry").
			WithOp("Pool.applyBackpressure")
	default:
		return werr.New(werr.KindWorker, werr.CodePoolQueueFull, "queue is full").WithOp("Pool.applyBackpressure")
	}
}

func (p *Pool) handleCancel(c cancelRequest) {
	if future, ok := p.pendingFutures[c.taskID]; ok {
		if hid, dispatched := p.dispatchMap[c.taskID]; dispatched {
			lh, ok := p.handlers[hid]
			if !ok {
				return
			}
			if timeout, ok := lh.h.Cancel(c.taskID, c.reason); ok {
				// Re-check on this same path once the cleanup window
				// elapses; the Handler runs no timers of its own.
				time.AfterFunc(timeout, func() {
					p.cancelCh <- cancelRequest{taskID: c.taskID, reason: werr.New(werr.KindWorker,
						werr.CodeWorkerUnresponsive, "cleanup response never arrived").WithOp("Pool.handleCancel")}
				})
				return
			}
			// Cancel found nothing in flight: either the task already
			// settled, or it is still awaiting a CleanupResponse that
			// never came, in which case the handler is force-terminated.
			if lh.h.CleanupExpired(c.taskID) {
				<-lh.h.Terminate(true)
				delete(p.handlers, hid)
				if p.cfg.OnTerminateWorker != nil {
					p.cfg.OnTerminateWorker(hid)
				}
			}
			return
		}
		// still queued, not yet dispatched: left in place rather than
		// removed from the middle of the queue; drainQueue skips it
		// once popped, since its future is already gone by then.
		future.settle(nil, c.reason)
		delete(p.pendingFutures, c.taskID)
		delete(p.pendingTasks, c.taskID)
		p.metrics.RecordCancelled()
	}
}

func (p *Pool) handleMessage(m handlerMsg) {
	lh, ok := p.handlers[m.handlerID]
	if !ok {
		return
	}
	lh.h.OnMessage(m.payload)
	p.drainQueue()
}

func (p *Pool) handleExit(e handlerExit) {
	lh, ok := p.handlers[e.handlerID]
	if !ok {
		return
	}
	lh.h.OnTransportExit(e.cause)
	delete(p.handlers, e.handlerID)
	if p.cfg.OnTerminateWorker != nil {
		p.cfg.OnTerminateWorker(e.handlerID)
	}
	for taskID, hid := range p.dispatchMap {
		if hid != e.handlerID {
			continue
		}
		if future, ok := p.pendingFutures[taskID]; ok {
			future.settle(nil, werr.New(werr.KindWorker, werr.CodeWorkerTerminated, "handler exited").
				WithOp("Pool.handleExit"))
			delete(p.pendingFutures, taskID)
			delete(p.pendingTasks, taskID)
		}
		delete(p.dispatchMap, taskID)
	}
}

// drainQueue dispatches as many queued tasks as there is idle
// capacity for, called after any event that might free a handler.
func (p *Pool) drainQueue() {
	for p.queue.Size() > 0 {
		hid, ok := p.chooseHandler(strategy.Hint{})
		if !ok {
			hid, ok = p.spawnOnDemand()
		}
		if !ok {
			break
		}
		item, ok := p.queue.Pop()
		if !ok {
			break
		}
		task := item.(*Task)
		p.queueBytes -= int64(len(task.Params))
		future, ok := p.pendingFutures[task.ID]
		if !ok {
			continue
		}
		if err := p.dispatchTo(hid, task, future); err != nil {
			future.settle(nil, err)
			delete(p.pendingFutures, task.ID)
			delete(p.pendingTasks, task.ID)
		}
	}
	p.metrics.RecordQueueDepth(uint32(p.queue.Size()))
}

func (p *Pool) snapshotStats() PoolStats {
	busy, idle := 0, 0
	for _, lh := range p.handlers {
		if lh.h.Busy() {
			busy++
		} else {
			idle++
		}
	}
	circuitState := "disabled"
	if p.breaker != nil {
		circuitState = p.breaker.State().String()
	}
	return PoolStats{
		Total:               len(p.handlers),
		Busy:                busy,
		Idle:                idle,
		PendingInQueue:      p.queue.Size(),
		Active:              len(p.dispatchMap),
		CircuitState:        circuitState,
		EstimatedQueueBytes: p.queueBytes,
		Metrics:             p.metrics.Snapshot(),
	}
}

// evaluateScaler feeds the current load into the adaptive scaler and
// acts on its decision, spawning or terminating handlers one
// at a time so each spawn/termination can itself fail independently.
func (p *Pool) evaluateScaler() {
	total := len(p.handlers)
	busy := 0
	for _, lh := range p.handlers {
		if lh.h.Busy() {
			busy++
		}
	}
	snap := p.metrics.Snapshot()
	sample := scaler.Sample{
		QueueDepth:     p.queue.Size(),
		BusyWorkers:    busy,
		TotalWorkers:   total,
		P95LatencyNs:   snap.LatencyP95Ns,
		AvgUtilization: snap.Utilization,
	}
	decision := p.scaler.Evaluate(sample, time.Now())
	switch decision.Action {
	case scaler.ActionUp:
		for i := 0; i < decision.Count; i++ {
			if _, err := p.spawnHandler(); err != nil {
				p.logger.Warn("scale-up spawn failed", "error", err.Error())
				break
			}
		}
	case scaler.ActionDown:
		p.scaleDown(decision.Count)
	}
}

func (p *Pool) scaleDown(count int) {
	removed := 0
	for id, lh := range p.handlers {
		if removed >= count {
			break
		}
		if lh.h.Busy() {
			continue
		}
		<-lh.h.Terminate(false)
		delete(p.handlers, id)
		if p.cfg.OnTerminateWorker != nil {
			p.cfg.OnTerminateWorker(id)
		}
		removed++
	}
}

// allocDebugPort hands out the smallest unused port at or above
// DebugPortStart, capped at 65535. Ports freed by dead handlers are
// reused before the range grows.
func (p *Pool) allocDebugPort() int {
	for port := p.cfg.DebugPortStart; port <= 65535; port++ {
		taken := false
		for _, lh := range p.handlers {
			if lh.debugPort == port {
				taken = true
				break
			}
		}
		if !taken {
			return port
		}
	}
	return 65535
}

func (p *Pool) spawnHandler() (*handler.Handler, error) {
	p.handlerSeq++
	hid := fmt.Sprintf("%s-w%d", p.id, p.handlerSeq)

	spec := WorkerSpec{
		HandlerID:      hid,
		WorkerType:     p.cfg.WorkerType,
		DebugPort:      p.allocDebugPort(),
		EmitStdStreams: p.cfg.EmitStdStreams,
	}
	if p.cfg.OnCreateWorker != nil {
		spec = p.cfg.OnCreateWorker(spec)
	}

	transport, err := p.cfg.TransportFactory(spec)
	if err != nil {
		return nil, werr.New(werr.KindWorker, werr.CodeWorkerSpawnFailed, "transport factory failed").
			WithOp("Pool.spawnHandler").WithContext("inner", err.Error())
	}

	h := handler.New(hid, transport,
		handler.WithLogger(p.logger.WithHandler(hid)),
		handler.WithTerminateTimeout(p.cfg.WorkerTerminateTimeout),
	)
	p.handlers[hid] = &liveHandler{h: h, createdAt: time.Now(), debugPort: spec.DebugPort}

	p.wg.Add(1)
	go p.pumpTransport(hid, transport)

	return h, nil
}

// pumpTransport forwards a Transport's message/error streams into the
// Pool's single-owner channels, so the Handler itself is never touched
// from any goroutine but the dispatch loop.
func (p *Pool) pumpTransport(hid string, t handler.Transport) {
	defer p.wg.Done()
	for {
		select {
		case msg, ok := <-t.Messages():
			if !ok {
				p.exitCh <- handlerExit{handlerID: hid, cause: nil}
				return
			}
			p.msgCh <- handlerMsg{handlerID: hid, payload: msg}
		case err, ok := <-t.Errors():
			if !ok {
				continue
			}
			p.exitCh <- handlerExit{handlerID: hid, cause: err}
			return
		}
	}
}

// metricsTicker periodically takes a Metrics snapshot and reports its
// MaxQueueDepth to the configured Observer, if any, until the pool is
// terminated.
func (p *Pool) metricsTicker() {
	defer p.wg.Done()

	interval := p.cfg.MetricsInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for range ticker.C {
		p.stateMu.RLock()
		state := p.state
		p.stateMu.RUnlock()
		if state == PoolTerminated {
			return
		}
		if p.cfg.Observer != nil {
			snap := p.metrics.Snapshot()
			p.cfg.Observer.ObserveQueueDepth(uint32(snap.MaxQueueDepth))
		}
	}
}

// doTerminate runs on the dispatch loop as its final act. Queued
// (never-dispatched) tasks are rejected up front; handlers are then
// torn down per the requested mode. While a graceful teardown waits
// for in-flight work to drain, the loop keeps pumping transport
// messages and settlements; the drain *is* those messages arriving,
// so blocking without pumping would deadlock the whole shutdown.
func (p *Pool) doTerminate(force bool) {
	rejection := werr.New(werr.KindWorker, werr.CodePoolTerminated, "pool terminated").WithOp("Pool.doTerminate")
	for {
		item, ok := p.queue.Pop()
		if !ok {
			break
		}
		task := item.(*Task)
		if future, ok := p.pendingFutures[task.ID]; ok {
			future.settle(nil, rejection)
			delete(p.pendingFutures, task.ID)
			delete(p.pendingTasks, task.ID)
		}
	}
	p.queue.Clear()
	p.queueBytes = 0

	type reaping struct {
		lh   *liveHandler
		done <-chan struct{}
	}
	reapings := make([]reaping, 0, len(p.handlers))
	for _, lh := range p.handlers {
		reapings = append(reapings, reaping{lh: lh, done: lh.h.Terminate(force)})
	}

	for _, r := range reapings {
		deadline := time.After(p.cfg.WorkerTerminateTimeout)
		for waiting := true; waiting; {
			select {
			case <-r.done:
				waiting = false
			case m := <-p.msgCh:
				if lh, ok := p.handlers[m.handlerID]; ok {
					lh.h.OnMessage(m.payload)
				}
			case e := <-p.exitCh:
				p.handleExit(e)
			case s := <-p.settleCh:
				p.settleOnLoop(s.task, s.future, s.res)
			case <-deadline:
				<-r.lh.h.Terminate(true)
				waiting = false
			}
		}
		hid := r.lh.HandlerID()
		if _, still := p.handlers[hid]; still {
			delete(p.handlers, hid)
			if p.cfg.OnTerminateWorker != nil {
				p.cfg.OnTerminateWorker(hid)
			}
		}
	}

	for taskID, future := range p.pendingFutures {
		future.settle(nil, rejection)
		delete(p.pendingFutures, taskID)
		delete(p.pendingTasks, taskID)
	}
	p.metrics.Stop()

	p.stateMu.Lock()
	p.state = PoolTerminated
	p.stateMu.Unlock()
}
