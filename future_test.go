package wpool

import (
	"context"
	"testing"
	"time"

	"github.com/riverrun/wpool/internal/handler"
	"github.com/stretchr/testify/require"
)

func TestResultFutureSettlesOnce(t *testing.T) {
	f := newResultFuture(nil, 1)

	value, err, ok := f.Done()
	require.False(t, ok)
	require.Nil(t, value)
	require.Nil(t, err)

	require.True(t, f.settle([]byte("first"), nil))
	require.False(t, f.settle([]byte("second"), nil)) // second settlement is a no-op

	value, err, ok = f.Done()
	require.True(t, ok)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), value)
}

func TestResultFutureGetBlocksUntilSettle(t *testing.T) {
	f := newResultFuture(nil, 1)

	done := make(chan struct{})
	var gotValue []byte
	var gotErr error
	go func() {
		gotValue, gotErr = f.Get(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Get returned before the future settled")
	case <-time.After(20 * time.Millisecond):
	}

	f.settle([]byte("ok"), nil)
	<-done
	require.NoError(t, gotErr)
	require.Equal(t, []byte("ok"), gotValue)
}

func TestResultFutureGetRespectsContextCancellation(t *testing.T) {
	f := newResultFuture(nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.Get(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestResultFutureCancelOnSettledIsNoop(t *testing.T) {
	pool, err := New(
		WithMinWorkers(1),
		WithMaxWorkers(1),
		WithEnableMetrics(false),
		WithTransportFactory(func(spec WorkerSpec) (handler.Transport, error) {
			return NewMockTransport(func(method string, params []byte) ([]byte, error) {
				return []byte("done"), nil
			}), nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	future, err := pool.Exec("noop", nil)
	require.NoError(t, err)
	_, err = future.Get(context.Background())
	require.NoError(t, err)

	require.NoError(t, future.Cancel()) // settled already: must not panic or error
}

func TestResultFutureTimeoutFiresWhenUnsettled(t *testing.T) {
	never := make(chan struct{})
	pool, err := New(
		WithMinWorkers(1),
		WithMaxWorkers(1),
		WithEnableMetrics(false),
		WithTransportFactory(func(spec WorkerSpec) (handler.Transport, error) {
			return NewMockTransport(func(method string, params []byte) ([]byte, error) {
				<-never
				return nil, nil
			}), nil
		}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { <-pool.Terminate(true) })

	future, err := pool.Exec("stuck", nil)
	require.NoError(t, err)
	future.Timeout(30 * time.Millisecond)

	_, err = future.Get(context.Background())
	require.Error(t, err)
	require.True(t, IsCode(err, CodeTimeout))
}
