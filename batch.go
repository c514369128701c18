package wpool

import (
	"context"
	"encoding/binary"
	"sync"
	"time"

	"github.com/riverrun/wpool/internal/constants"
	"github.com/riverrun/wpool/internal/werr"

	"golang.org/x/sync/errgroup"
)

// BatchState is a BatchFuture's lifecycle position.
type BatchState int

const (
	BatchRunning BatchState = iota
	BatchPaused
	BatchCancelled
	BatchDone
)

// BatchSubmission is one sub-task handed to ExecBatch; it carries the
// same per-task knobs as TaskOption, flattened into a struct since a
// batch builds all of its sub-tasks up front rather than one at a time.
type BatchSubmission struct {
	Method      string
	Params      []byte
	Priority    int
	Affinity    int
	HasAffinity bool
}

// BatchResult is one sub-task's outcome, indexed by its position in the
// submitted slice so callers can line results back up with inputs
// regardless of completion order.
type BatchResult struct {
	Index      int
	Success    bool
	Value      []byte
	Err        error
	DurationMs int64
}

// BatchProgress is delivered to a BatchOptions.Progress callback at
// most once per ProgressThrottle.
type BatchProgress struct {
	Completed  int
	Total      int
	Successes  int
	Failures   int
	Throughput float64 // completed sub-tasks per second, since batch start
	ETA        time.Duration
}

// BatchOptions configures ExecBatch.
type BatchOptions struct {
	Concurrency      int // gated to min(Concurrency, pool.MaxWorkers()); <= 0 means use MaxWorkers()
	FailFast         bool
	Progress         func(BatchProgress)
	ProgressThrottle time.Duration
	TaskTimeout      time.Duration
	BatchTimeout     time.Duration
}

// BatchFuture is the caller's handle on an in-flight batch:
// pause/resume/cancel controls plus a final Wait, mirroring
// ResultFuture's settle-once discipline at the batch granularity.
type BatchFuture struct {
	pool *Pool

	mu        sync.Mutex
	cond      *sync.Cond
	paused    bool
	state     BatchState
	results   []BatchResult
	total     int
	completed int
	successes int
	failures  int
	startedAt time.Time
	lastEmit  time.Time
	skipRest  bool // set once failFast has fired; gates un-dispatched sub-tasks

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// ExecBatch gates len(subs) sub-tasks, each dispatched through
// pool.Exec, behind a concurrency limit of min(opts.Concurrency,
// pool.MaxWorkers()). The gate is a buffered channel of tokens;
// fan-out completion is awaited with errgroup.
func ExecBatch(pool *Pool, subs []BatchSubmission, opts BatchOptions) *BatchFuture {
	if opts.ProgressThrottle <= 0 {
		opts.ProgressThrottle = constants.DefaultProgressThrottle
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 || concurrency > pool.MaxWorkers() {
		concurrency = pool.MaxWorkers()
	}
	if concurrency < 1 {
		concurrency = 1
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if opts.BatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.BatchTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	bf := &BatchFuture{
		pool:      pool,
		state:     BatchRunning,
		results:   make([]BatchResult, len(subs)),
		total:     len(subs),
		startedAt: time.Now(),
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	bf.cond = sync.NewCond(&bf.mu)

	go func() {
		<-ctx.Done()
		bf.mu.Lock()
		bf.cond.Broadcast() // unparks any waitForResume blocked on a paused batch that just timed out / was cancelled
		bf.mu.Unlock()
	}()

	go bf.run(ctx, subs, opts, concurrency)
	return bf
}

func (bf *BatchFuture) run(ctx context.Context, subs []BatchSubmission, opts BatchOptions, concurrency int) {
	tokens := make(chan struct{}, concurrency)
	g, gctx := errgroup.WithContext(ctx)

	for i, sub := range subs {
		i, sub := i, sub

		if !bf.waitForResume(gctx) {
			bf.recordSkipped(i, gctx.Err())
			continue
		}
		if bf.shouldSkip() {
			bf.recordSkipped(i, werr.New(werr.KindTask, werr.CodeCancelled, "skipped: batch failFast already triggered").WithOp("ExecBatch"))
			continue
		}

		select {
		case tokens <- struct{}{}:
		case <-gctx.Done():
			bf.recordSkipped(i, gctx.Err())
			continue
		}

		g.Go(func() error {
			defer func() { <-tokens }()
			bf.runOne(gctx, i, sub, opts)
			return nil
		})
	}
	_ = g.Wait()

	bf.mu.Lock()
	if bf.state != BatchCancelled {
		bf.state = BatchDone
	}
	if bf.err == nil && ctx.Err() == context.DeadlineExceeded {
		bf.err = werr.New(werr.KindTask, werr.CodeTimeout, "batch timed out").WithOp("ExecBatch")
	}
	bf.mu.Unlock()
	close(bf.done)
}

func (bf *BatchFuture) runOne(ctx context.Context, index int, sub BatchSubmission, opts BatchOptions) {
	start := time.Now()

	taskOpts := []TaskOption{WithPriority(sub.Priority)}
	if sub.HasAffinity {
		taskOpts = append(taskOpts, WithAffinity(sub.Affinity))
	}
	timeout := opts.TaskTimeout
	if timeout > 0 {
		taskOpts = append(taskOpts, WithTaskTimeout(timeout))
	}

	future, err := bf.pool.Exec(sub.Method, sub.Params, taskOpts...)
	if err != nil {
		bf.record(BatchResult{Index: index, Success: false, Err: err, DurationMs: time.Since(start).Milliseconds()}, opts)
		bf.noteFailure(opts.FailFast)
		return
	}

	value, err := future.Get(ctx)
	dur := time.Since(start).Milliseconds()
	if err != nil {
		bf.record(BatchResult{Index: index, Success: false, Err: err, DurationMs: dur}, opts)
		bf.noteFailure(opts.FailFast)
		return
	}
	bf.record(BatchResult{Index: index, Success: true, Value: value, DurationMs: dur}, opts)
}

func (bf *BatchFuture) noteFailure(failFast bool) {
	if !failFast {
		return
	}
	bf.mu.Lock()
	bf.skipRest = true
	bf.mu.Unlock()
}

func (bf *BatchFuture) shouldSkip() bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.skipRest
}

func (bf *BatchFuture) recordSkipped(index int, cause error) {
	if cause == nil {
		cause = werr.New(werr.KindTask, werr.CodeCancelled, "sub-task not dispatched").WithOp("ExecBatch")
	}
	bf.record(BatchResult{Index: index, Success: false, Err: werr.Wrap("ExecBatch", cause)}, BatchOptions{})
}

func (bf *BatchFuture) record(r BatchResult, opts BatchOptions) {
	bf.mu.Lock()
	bf.results[r.Index] = r
	bf.completed++
	if r.Success {
		bf.successes++
	} else {
		bf.failures++
	}
	completed, total, successes, failures := bf.completed, bf.total, bf.successes, bf.failures
	started := bf.startedAt

	emit := opts.Progress != nil && (bf.lastEmit.IsZero() || time.Since(bf.lastEmit) >= opts.ProgressThrottle)
	if emit {
		bf.lastEmit = time.Now()
	}
	bf.mu.Unlock()

	if !emit {
		return
	}
	elapsed := time.Since(started).Seconds()
	throughput := 0.0
	var eta time.Duration
	if elapsed > 0 {
		throughput = float64(completed) / elapsed
	}
	if throughput > 0 && completed < total {
		eta = time.Duration(float64(total-completed)/throughput) * time.Second
	}
	opts.Progress(BatchProgress{
		Completed:  completed,
		Total:      total,
		Successes:  successes,
		Failures:   failures,
		Throughput: throughput,
		ETA:        eta,
	})
}

// waitForResume blocks while the batch is paused, returning false if
// ctx is done (timeout or cancel) before the batch resumes.
func (bf *BatchFuture) waitForResume(ctx context.Context) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	for bf.paused {
		if ctx.Err() != nil {
			return false
		}
		bf.cond.Wait()
	}
	return ctx.Err() == nil
}

// Pause stops ExecBatch from dispatching new sub-tasks; in-flight ones
// continue running.
func (bf *BatchFuture) Pause() {
	bf.mu.Lock()
	bf.paused = true
	if bf.state == BatchRunning {
		bf.state = BatchPaused
	}
	bf.mu.Unlock()
}

// Resume continues dispatching after Pause.
func (bf *BatchFuture) Resume() {
	bf.mu.Lock()
	bf.paused = false
	if bf.state == BatchPaused {
		bf.state = BatchRunning
	}
	bf.cond.Broadcast()
	bf.mu.Unlock()
}

// Cancel cancels pending and in-flight sub-tasks.
func (bf *BatchFuture) Cancel() {
	bf.mu.Lock()
	bf.state = BatchCancelled
	bf.err = werr.New(werr.KindTask, werr.CodeCancelled, "batch cancelled by caller").WithOp("BatchFuture.Cancel")
	bf.paused = false
	bf.cond.Broadcast()
	bf.mu.Unlock()
	bf.cancel()
}

// State reports the batch's current lifecycle position.
func (bf *BatchFuture) State() BatchState {
	bf.mu.Lock()
	defer bf.mu.Unlock()
	return bf.state
}

// Wait blocks until every sub-task has settled (success, failure, or
// skip) or ctx is cancelled, then returns the per-sub-task results in
// submission order.
func (bf *BatchFuture) Wait(ctx context.Context) ([]BatchResult, error) {
	select {
	case <-bf.done:
		bf.mu.Lock()
		defer bf.mu.Unlock()
		out := make([]BatchResult, len(bf.results))
		copy(out, bf.results)
		return out, bf.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ---- Higher-order batch operations ----
//
// Each op decomposes its input into chunks of chunkSize items (default
// 1), encodes a chunk with encodeChunk, and dispatches one sub-task per
// chunk to method; method is a worker-registered handler that knows
// how to decode a chunk, apply the user's operation to it, and reply
// with an encoded chunk of its own. The Go-side op then combines the
// per-chunk replies according to the operation's own semantics.

// ChunkedOptions adds chunking to BatchOptions for the item-at-a-time
// operations below.
type ChunkedOptions struct {
	BatchOptions
	ChunkSize int
}

func chunkItems(items [][]byte, chunkSize int) [][][]byte {
	if chunkSize < 1 {
		chunkSize = 1
	}
	var chunks [][][]byte
	for i := 0; i < len(items); i += chunkSize {
		end := i + chunkSize
		if end > len(items) {
			end = len(items)
		}
		chunks = append(chunks, items[i:end])
	}
	return chunks
}

// encodeChunk serializes a slice of opaque items as
// [count:u32]([len:u32][bytes])*, the same length-prefixed shape as
// internal/frame's payload codecs.
func encodeChunk(items [][]byte) []byte {
	size := 4
	for _, it := range items {
		size += 4 + len(it)
	}
	buf := make([]byte, size)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(items)))
	off := 4
	for _, it := range items {
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(len(it)))
		off += 4
		off += copy(buf[off:], it)
	}
	return buf
}

func decodeChunk(data []byte) ([][]byte, error) {
	if len(data) < 4 {
		return nil, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "batch chunk too short").WithOp("decodeChunk")
	}
	count := int(binary.LittleEndian.Uint32(data[0:4]))
	off := 4
	items := make([][]byte, 0, count)
	for i := 0; i < count; i++ {
		if len(data) < off+4 {
			return nil, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "batch chunk item header truncated").WithOp("decodeChunk")
		}
		n := int(binary.LittleEndian.Uint32(data[off : off+4]))
		off += 4
		if len(data) < off+n {
			return nil, werr.New(werr.KindProtocol, werr.CodeInvalidFrame, "batch chunk item truncated").WithOp("decodeChunk")
		}
		items = append(items, append([]byte(nil), data[off:off+n]...))
		off += n
	}
	return items, nil
}

// runChunked dispatches one sub-task per chunk of items through
// ExecBatch, returning results in chunk order alongside any error that
// caused the batch to stop early.
func runChunked(pool *Pool, method string, items [][]byte, opts ChunkedOptions) ([][][]byte, error) {
	chunks := chunkItems(items, opts.ChunkSize)
	subs := make([]BatchSubmission, len(chunks))
	for i, c := range chunks {
		subs[i] = BatchSubmission{Method: method, Params: encodeChunk(c)}
	}
	bf := ExecBatch(pool, subs, opts.BatchOptions)
	results, err := bf.Wait(context.Background())
	if err != nil {
		return nil, err
	}
	out := make([][][]byte, len(results))
	for i, r := range results {
		if !r.Success {
			if r.Err != nil {
				return nil, r.Err
			}
			continue
		}
		decoded, derr := decodeChunk(r.Value)
		if derr != nil {
			return nil, derr
		}
		out[i] = decoded
	}
	return out, nil
}

// Map applies method to each item (chunked per opts.ChunkSize),
// preserving element order in the returned slice.
func Map(pool *Pool, method string, items [][]byte, opts ChunkedOptions) ([][]byte, error) {
	chunked, err := runChunked(pool, method, items, opts)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(items))
	for _, chunk := range chunked {
		out = append(out, chunk...)
	}
	return out, nil
}

// FlatMap is Map followed by flattening one level, which for this
// module's opaque []byte items means concatenating each returned
// chunk's items into the single result slice.
func FlatMap(pool *Pool, method string, items [][]byte, opts ChunkedOptions) ([][]byte, error) {
	return Map(pool, method, items, opts)
}

// Filter calls method once per chunk; each reply chunk is expected to
// contain the surviving subset of its input chunk, in order.
func Filter(pool *Pool, method string, items [][]byte, opts ChunkedOptions) ([][]byte, error) {
	return Map(pool, method, items, opts)
}

// Reduce folds items pairwise through method, where Params for each
// sub-task is encodeChunk([accumulator, nextItem]) and the reply is the
// new accumulator; reduction is therefore strictly sequential and does
// not benefit from opts.Concurrency > 1.
func Reduce(pool *Pool, method string, items [][]byte, initial []byte, opts BatchOptions) ([]byte, error) {
	acc := initial
	for _, item := range items {
		sub := BatchSubmission{Method: method, Params: encodeChunk([][]byte{acc, item})}
		bf := ExecBatch(pool, []BatchSubmission{sub}, opts)
		results, err := bf.Wait(context.Background())
		if err != nil {
			return nil, err
		}
		if !results[0].Success {
			return nil, results[0].Err
		}
		acc = results[0].Value
	}
	return acc, nil
}

// decodeBoolChunk decodes how a worker-side predicate method (used by Some,
// Every, Find, Count, IndexOf, Includes, Partition) reports its verdict: a single
// byte, 1 for true and 0 for false, per item in the chunk it was given.
func decodeBoolChunk(chunk []byte) ([]bool, error) {
	items, err := decodeChunk(chunk)
	if err != nil {
		return nil, err
	}
	out := make([]bool, len(items))
	for i, it := range items {
		out[i] = len(it) > 0 && it[0] != 0
	}
	return out, nil
}

// Some short-circuits as soon as one chunk reports a match, cancelling
// every other in-flight or queued chunk.
func Some(pool *Pool, method string, items [][]byte, opts ChunkedOptions) (bool, error) {
	found, _, err := findFirstMatch(pool, method, items, opts)
	return found, err
}

// Every submits every chunk through ExecBatch and waits for all of them
// to settle, then scans the verdicts in order and returns false at the
// first non-match. No chunk is cancelled early.
func Every(pool *Pool, method string, items [][]byte, opts ChunkedOptions) (bool, error) {
	chunks := chunkItems(items, opts.ChunkSize)
	subs := make([]BatchSubmission, len(chunks))
	for i, c := range chunks {
		subs[i] = BatchSubmission{Method: method, Params: encodeChunk(c)}
	}
	bf := ExecBatch(pool, subs, opts.BatchOptions)
	results, err := bf.Wait(context.Background())
	if err != nil {
		return false, err
	}
	for _, r := range results {
		if !r.Success {
			if r.Err != nil {
				return false, r.Err
			}
			continue
		}
		verdicts, derr := decodeBoolChunk(r.Value)
		if derr != nil {
			return false, derr
		}
		for _, v := range verdicts {
			if !v {
				return false, nil
			}
		}
	}
	return true, nil
}

// Find returns the first item for which method reports a match, or
// (nil, false, nil) if none does.
func Find(pool *Pool, method string, items [][]byte, opts ChunkedOptions) ([]byte, bool, error) {
	found, item, err := findFirstMatch(pool, method, items, opts)
	return item, found, err
}

// Includes is Some with an equality-predicate method supplied by the
// caller; kept as a thin alias since the chunk
// protocol is identical.
func Includes(pool *Pool, method string, items [][]byte, opts ChunkedOptions) (bool, error) {
	return Some(pool, method, items, opts)
}

// IndexOf returns the index of the first matching item, or -1.
func IndexOf(pool *Pool, method string, items [][]byte, opts ChunkedOptions) (int, error) {
	chunks := chunkItems(items, opts.ChunkSize)
	chunkSize := opts.ChunkSize
	if chunkSize < 1 {
		chunkSize = 1
	}
	subs := make([]BatchSubmission, len(chunks))
	for i, c := range chunks {
		subs[i] = BatchSubmission{Method: method, Params: encodeChunk(c)}
	}
	bf := ExecBatch(pool, subs, opts.BatchOptions)
	results, err := bf.Wait(context.Background())
	if err != nil {
		return -1, err
	}
	for _, r := range results {
		if !r.Success {
			if r.Err != nil {
				return -1, r.Err
			}
			continue
		}
		verdicts, derr := decodeBoolChunk(r.Value)
		if derr != nil {
			return -1, derr
		}
		for j, v := range verdicts {
			if v {
				return r.Index*chunkSize + j, nil
			}
		}
	}
	return -1, nil
}

// Count tallies how many items satisfy method's predicate.
func Count(pool *Pool, method string, items [][]byte, opts ChunkedOptions) (int, error) {
	chunks := chunkItems(items, opts.ChunkSize)
	subs := make([]BatchSubmission, len(chunks))
	for i, c := range chunks {
		subs[i] = BatchSubmission{Method: method, Params: encodeChunk(c)}
	}
	bf := ExecBatch(pool, subs, opts.BatchOptions)
	results, err := bf.Wait(context.Background())
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range results {
		if !r.Success {
			if r.Err != nil {
				return 0, r.Err
			}
			continue
		}
		verdicts, derr := decodeBoolChunk(r.Value)
		if derr != nil {
			return 0, derr
		}
		for _, v := range verdicts {
			if v {
				total++
			}
		}
	}
	return total, nil
}

// Partition splits items into (matching, non-matching) by method's
// predicate, preserving relative order within each half.
func Partition(pool *Pool, method string, items [][]byte, opts ChunkedOptions) (matched, unmatched [][]byte, err error) {
	chunks := chunkItems(items, opts.ChunkSize)
	subs := make([]BatchSubmission, len(chunks))
	for i, c := range chunks {
		subs[i] = BatchSubmission{Method: method, Params: encodeChunk(c)}
	}
	bf := ExecBatch(pool, subs, opts.BatchOptions)
	results, waitErr := bf.Wait(context.Background())
	if waitErr != nil {
		return nil, nil, waitErr
	}
	for _, r := range results {
		if !r.Success {
			if r.Err != nil {
				return nil, nil, r.Err
			}
			continue
		}
		verdicts, derr := decodeBoolChunk(r.Value)
		if derr != nil {
			return nil, nil, derr
		}
		chunk := chunks[r.Index]
		for j, v := range verdicts {
			if v {
				matched = append(matched, chunk[j])
			} else {
				unmatched = append(unmatched, chunk[j])
			}
		}
	}
	return matched, unmatched, nil
}

// Unique dispatches one sub-task holding the entire item set to method,
// which is expected to reply with the de-duplicated chunk, preserving
// first-occurrence order. Unlike the other ops this is
// not chunked: de-duplication needs to see every item at once.
func Unique(pool *Pool, method string, items [][]byte, opts BatchOptions) ([][]byte, error) {
	sub := BatchSubmission{Method: method, Params: encodeChunk(items)}
	bf := ExecBatch(pool, []BatchSubmission{sub}, opts)
	results, err := bf.Wait(context.Background())
	if err != nil {
		return nil, err
	}
	if !results[0].Success {
		return nil, results[0].Err
	}
	return decodeChunk(results[0].Value)
}

// GroupBy dispatches one sub-task per chunk to method, which replies
// with [key_chunk][value_chunk] pairs flattened as a single encoded
// chunk of alternating key/value items; results are merged locally by
// key.
func GroupBy(pool *Pool, method string, items [][]byte, opts ChunkedOptions) (map[string][][]byte, error) {
	chunked, err := runChunked(pool, method, items, opts)
	if err != nil {
		return nil, err
	}
	groups := make(map[string][][]byte)
	for _, chunk := range chunked {
		for i := 0; i+1 < len(chunk); i += 2 {
			key := string(chunk[i])
			groups[key] = append(groups[key], chunk[i+1])
		}
	}
	return groups, nil
}

// findFirstMatch dispatches one sub-task per chunk directly (bypassing
// ExecBatch, which only reports results once every sub-task has
// settled) so that the first matching chunk can cancel every other
// in-flight and not-yet-dispatched future immediately.
func findFirstMatch(pool *Pool, method string, items [][]byte, opts ChunkedOptions) (bool, []byte, error) {
	chunks := chunkItems(items, opts.ChunkSize)

	ctx := context.Background()
	var cancel context.CancelFunc
	if opts.BatchTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, opts.BatchTimeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	var mu sync.Mutex
	var futures []*ResultFuture
	type outcome struct {
		found bool
		item  []byte
		err   error
	}
	resultCh := make(chan outcome, len(chunks))

	for i, c := range chunks {
		future, err := pool.Exec(method, encodeChunk(c))
		if err != nil {
			resultCh <- outcome{err: err}
			continue
		}
		mu.Lock()
		futures = append(futures, future)
		mu.Unlock()

		go func(chunk [][]byte, f *ResultFuture) {
			value, err := f.Get(ctx)
			if err != nil {
				resultCh <- outcome{err: err}
				return
			}
			verdicts, derr := decodeBoolChunk(value)
			if derr != nil {
				resultCh <- outcome{err: derr}
				return
			}
			for j, v := range verdicts {
				if v {
					resultCh <- outcome{found: true, item: chunk[j]}
					return
				}
			}
			resultCh <- outcome{}
		}(c, future)
	}

	var lastErr error
	for range chunks {
		o := <-resultCh
		if o.found {
			cancel() // cancellation cascade: ctx.Done() trips every other Get, and drains their futures below
			mu.Lock()
			for _, f := range futures {
				f.Cancel()
			}
			mu.Unlock()
			return true, o.item, nil
		}
		if o.err != nil {
			lastErr = o.err
		}
	}
	return false, nil, lastErr
}
