package wpool

import (
	"context"
	"sync"
	"time"

	"github.com/riverrun/wpool/internal/werr"
)

// ResultFuture is the caller's handle on one in-flight Task. It starts
// pending, and settles exactly once to either fulfilled(result) or
// rejected(error); every settlement after the first is a no-op.
type ResultFuture struct {
	taskID uint64
	pool   *Pool

	mu           sync.Mutex
	done         chan struct{}
	settled      bool
	value        []byte
	err          error
	timeoutTimer *time.Timer
}

func newResultFuture(pool *Pool, taskID uint64) *ResultFuture {
	return &ResultFuture{
		taskID: taskID,
		pool:   pool,
		done:   make(chan struct{}),
	}
}

// settle fulfils or rejects the future. Returns false if it was
// already settled, so callers can tell whether their outcome won.
func (f *ResultFuture) settle(value []byte, err error) bool {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return false
	}
	f.settled = true
	f.value = value
	f.err = err
	timer := f.timeoutTimer
	f.mu.Unlock()

	if timer != nil {
		timer.Stop()
	}
	close(f.done)
	return true
}

// Get blocks until the future settles or ctx is cancelled, whichever
// comes first; ctx's cancellation is honoured independently of the
// task's own timeout.
func (f *ResultFuture) Get(ctx context.Context) ([]byte, error) {
	select {
	case <-f.done:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done reports settlement without blocking; ok is false while pending.
func (f *ResultFuture) Done() (value []byte, err error, ok bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.settled {
		return nil, nil, false
	}
	return f.value, f.err, true
}

// Cancel requests cancellation of the underlying task: a pending
// future transitions to rejected(Cancelled) and, if already
// dispatched, a cleanup frame goes to the owning handler. Idempotent:
// calling Cancel on an already-settled future is a harmless no-op.
func (f *ResultFuture) Cancel() error {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()

	f.pool.cancelTask(f.taskID, werr.New(werr.KindTask, werr.CodeCancelled, "task cancelled by caller").
		WithOp("ResultFuture.Cancel"))
	return nil
}

// Timeout arms a deadline after which the future rejects with a
// Timeout error if still unsettled when it fires. The task's own
// configured Timeout starts only once it leaves the queue
// and is enforced by the Pool itself; this method lets a caller impose
// an additional, independently-timed deadline at any point after
// obtaining the future.
func (f *ResultFuture) Timeout(d time.Duration) {
	f.mu.Lock()
	if f.settled {
		f.mu.Unlock()
		return
	}
	if f.timeoutTimer != nil {
		f.timeoutTimer.Stop()
	}
	taskID := f.taskID
	pool := f.pool
	f.timeoutTimer = time.AfterFunc(d, func() {
		pool.cancelTask(taskID, werr.New(werr.KindTask, werr.CodeTimeout, "task timed out").
			WithOp("ResultFuture.Timeout"))
	})
	f.mu.Unlock()
}
