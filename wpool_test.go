package wpool

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/riverrun/wpool/internal/handler"
	"github.com/stretchr/testify/require"
)

// addArgs/addHandler give the end-to-end scenarios a trivial but
// non-trivial-to-fake method: decode two ints, reply with their sum.
type addArgs struct {
	A int64 `json:"a"`
	B int64 `json:"b"`
}

func addHandler(method string, params []byte) ([]byte, error) {
	var a addArgs
	if err := json.Unmarshal(params, &a); err != nil {
		return nil, err
	}
	return json.Marshal(a.A + a.B)
}

func mustAdd(a, b int64) []byte {
	p, _ := json.Marshal(addArgs{A: a, B: b})
	return p
}

func sumResult(t *testing.T, value []byte) int64 {
	t.Helper()
	var n int64
	require.NoError(t, json.Unmarshal(value, &n))
	return n
}

// gatedTransportFactory hands out a fresh MockTransport per spawned
// handler, so tests that rely on crash-then-respawn behaviour don't
// share state across workers.
func gatedTransportFactory(handle MockHandlerFunc) TransportFactory {
	return func(spec WorkerSpec) (handler.Transport, error) {
		return NewMockTransport(handle), nil
	}
}

// Scenario 1: Basic sum.
func TestScenarioBasicSum(t *testing.T) {
	pool, err := New(
		WithMinWorkers(0),
		WithMaxWorkers(10),
		WithEnableMetrics(false),
		WithTransportFactory(gatedTransportFactory(addHandler)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	require.Equal(t, 0, pool.Stats().Total)

	future, err := pool.Exec("add", mustAdd(3, 4))
	require.NoError(t, err)

	value, err := future.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(7), sumResult(t, value))

	require.Equal(t, 1, pool.Stats().Total)
}

// Scenario 2: Queueing.
func TestScenarioQueueing(t *testing.T) {
	release := make(chan struct{})
	handle := func(method string, params []byte) ([]byte, error) {
		<-release
		return addHandler(method, params)
	}
	pool, err := New(
		WithMinWorkers(2),
		WithMaxWorkers(2),
		WithEnableMetrics(false),
		WithTransportFactory(gatedTransportFactory(handle)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	pairs := [][2]int64{{3, 4}, {2, 3}, {5, 7}, {1, 1}}
	futures := make([]*ResultFuture, len(pairs))
	for i, pr := range pairs {
		f, err := pool.Exec("add", mustAdd(pr[0], pr[1]))
		require.NoError(t, err)
		futures[i] = f
	}

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Total == 2 && s.PendingInQueue == 2
	}, time.Second, 5*time.Millisecond)

	close(release)

	want := []int64{7, 5, 12, 2}
	for i, f := range futures {
		value, err := f.Get(context.Background())
		require.NoError(t, err)
		require.Equal(t, want[i], sumResult(t, value))
	}

	require.Eventually(t, func() bool {
		return pool.Stats().PendingInQueue == 0
	}, time.Second, 5*time.Millisecond)
}

// Scenario 3: Cancellation of a queued task.
func TestScenarioCancelQueuedTask(t *testing.T) {
	release := make(chan struct{})
	handle := func(method string, params []byte) ([]byte, error) {
		if method == "long" {
			<-release
			return json.Marshal(1)
		}
		return json.Marshal("one")
	}
	pool, err := New(
		WithMinWorkers(1),
		WithMaxWorkers(1),
		WithEnableMetrics(false),
		WithTransportFactory(gatedTransportFactory(handle)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	futureA, err := pool.Exec("long", nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return pool.Stats().Active == 1
	}, time.Second, 5*time.Millisecond)

	futureB, err := pool.Exec("one", nil)
	require.NoError(t, err)
	require.NoError(t, futureB.Cancel())

	_, errB := futureB.Get(context.Background())
	require.Error(t, errB)
	require.True(t, IsCode(errB, CodeCancelled))

	close(release)
	valueA, errA := futureA.Get(context.Background())
	require.NoError(t, errA)
	require.Equal(t, int64(1), sumResult(t, valueA))

	require.Eventually(t, func() bool {
		s := pool.Stats()
		return s.Total == 1 && s.PendingInQueue == 0
	}, time.Second, 5*time.Millisecond)
}

// Scenario 4: Timeout during execution.
func TestScenarioTimeoutDuringExecution(t *testing.T) {
	never := make(chan struct{})
	handle := func(method string, params []byte) ([]byte, error) {
		<-never
		return nil, nil
	}
	pool, err := New(
		WithMinWorkers(1),
		WithMaxWorkers(1),
		WithEnableMetrics(false),
		WithTransportFactory(gatedTransportFactory(handle)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	future, err := pool.Exec("forever", nil, WithTaskTimeout(50*time.Millisecond))
	require.NoError(t, err)

	_, err = future.Get(context.Background())
	require.Error(t, err)
	require.True(t, IsCode(err, CodeTimeout))
}

// Scenario 5: Priority queue order. Negating the submitted priority
// lets the built-in max-heap (higher value first) express "lower
// number wins" without a bespoke queue implementation.
func TestScenarioPriorityQueueOrder(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	var mu sync.Mutex
	var order []int
	handle := func(method string, params []byte) ([]byte, error) {
		var n int
		_ = json.Unmarshal(params, &n)
		once.Do(func() { <-release }) // the first-dispatched task blocks until every other task is queued
		mu.Lock()
		order = append(order, n)
		mu.Unlock()
		return json.Marshal(n)
	}
	pool, err := New(
		WithMinWorkers(1),
		WithMaxWorkers(1),
		WithQueueStrategy(QueuePriority),
		WithEnableMetrics(false),
		WithTransportFactory(gatedTransportFactory(handle)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	submit := func(priority int, value int) *ResultFuture {
		p, _ := json.Marshal(value)
		f, err := pool.Exec("echo", p, WithPriority(-priority))
		require.NoError(t, err)
		return f
	}

	fA := submit(5, 2) // dispatched immediately, ahead of any ordering
	require.Eventually(t, func() bool { return pool.Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	fB := submit(3, 4)
	fC := submit(1, 6)
	fD := submit(2, 8)

	require.Eventually(t, func() bool { return pool.Stats().PendingInQueue == 3 }, time.Second, 5*time.Millisecond)
	close(release)

	for _, f := range []*ResultFuture{fA, fB, fC, fD} {
		_, err := f.Get(context.Background())
		require.NoError(t, err)
	}
	mu.Lock()
	require.Equal(t, []int{2, 6, 8, 4}, order)
	mu.Unlock()

	vA, _, okA := fA.Done()
	vC, _, okC := fC.Done()
	vD, _, okD := fD.Done()
	vB, _, okB := fB.Done()
	require.True(t, okA && okC && okD && okB)
	require.Equal(t, int64(2), sumResult(t, vA))
	require.Equal(t, int64(6), sumResult(t, vC))
	require.Equal(t, int64(8), sumResult(t, vD))
	require.Equal(t, int64(4), sumResult(t, vB))
}

// Scenario 7: Crash recovery.
func TestScenarioCrashRecovery(t *testing.T) {
	var mocks []*MockTransport
	factory := func(spec WorkerSpec) (handler.Transport, error) {
		m := NewMockTransport(addHandler)
		mocks = append(mocks, m)
		return m, nil
	}
	pool, err := New(
		WithMinWorkers(1),
		WithMaxWorkers(1),
		WithEnableMetrics(false),
		WithTransportFactory(factory),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	require.Eventually(t, func() bool { return pool.Stats().Total == 1 }, time.Second, 5*time.Millisecond)

	block := make(chan struct{})
	mocks[0].mu.Lock()
	mocks[0].handle = func(method string, params []byte) ([]byte, error) {
		<-block
		return addHandler(method, params)
	}
	mocks[0].mu.Unlock()

	future, err := pool.Exec("add", mustAdd(1, 1))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pool.Stats().Active == 1 }, time.Second, 5*time.Millisecond)

	mocks[0].Crash(errors.New("transport died"))
	close(block)

	_, errA := future.Get(context.Background())
	require.Error(t, errA)
	require.True(t, IsCode(errA, CodeWorkerTerminated))

	require.Eventually(t, func() bool { return pool.Stats().Total == 0 }, time.Second, 5*time.Millisecond)

	followUp, err := pool.Exec("add", mustAdd(10, 10))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pool.Stats().Total == 1 }, 2*time.Second, 10*time.Millisecond)

	value, err := followUp.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(20), sumResult(t, value))
}

func TestTerminateTwiceResolvesSameFuture(t *testing.T) {
	pool, err := New(
		WithMinWorkers(1),
		WithMaxWorkers(2),
		WithEnableMetrics(false),
		WithTransportFactory(gatedTransportFactory(addHandler)),
	)
	require.NoError(t, err)

	first := pool.Terminate(false)
	second := pool.Terminate(true) // a second call is a no-op, force or not

	select {
	case <-first:
	case <-time.After(2 * time.Second):
		t.Fatal("graceful terminate never completed")
	}
	select {
	case <-second:
	default:
		t.Fatal("second Terminate must resolve with the first")
	}

	_, err = pool.Exec("add", mustAdd(1, 2))
	require.Error(t, err)
	require.True(t, IsCode(err, CodePoolTerminated))
}

// Scenario 8: Back-pressure.
func TestScenarioBackpressure(t *testing.T) {
	release := make(chan struct{})
	handle := func(method string, params []byte) ([]byte, error) {
		<-release
		return addHandler(method, params)
	}
	pool, err := New(
		WithMinWorkers(2),
		WithMaxWorkers(2),
		WithMaxQueueSize(3),
		WithOnMemoryPressure(PressureReject),
		WithEnableMetrics(false),
		WithTransportFactory(gatedTransportFactory(handle)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	futures := make([]*ResultFuture, 5)
	for i := 0; i < 5; i++ {
		f, err := pool.Exec("add", mustAdd(int64(i), 0))
		require.NoError(t, err)
		futures[i] = f
	}

	_, err = pool.Exec("add", mustAdd(99, 0))
	require.Error(t, err)
	require.True(t, IsCode(err, CodePoolQueueFull))

	close(release)
	for _, f := range futures {
		_, err := f.Get(context.Background())
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool { return pool.Stats().PendingInQueue < 3 }, time.Second, 5*time.Millisecond)

	retry, err := pool.Exec("add", mustAdd(1, 2))
	require.NoError(t, err)
	value, err := retry.Get(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(3), sumResult(t, value))
}
