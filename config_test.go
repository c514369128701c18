package wpool

import (
	"testing"

	"github.com/riverrun/wpool/internal/handler"
	"github.com/riverrun/wpool/internal/taskqueue"
	"github.com/stretchr/testify/require"
)

func noopTransportFactory(spec WorkerSpec) (handler.Transport, error) {
	return NewMockTransport(func(method string, params []byte) ([]byte, error) { return nil, nil }), nil
}

func TestDefaultConfigValidatesOnceTransportFactorySet(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, WithTransportFactory(noopTransportFactory)(cfg))
	require.NoError(t, cfg.validate())
}

func TestValidateRejectsMissingTransportFactory(t *testing.T) {
	cfg := DefaultConfig()
	err := cfg.validate()
	require.Error(t, err)
	require.True(t, IsCode(err, CodeInvalidParams))
}

func TestWithMaxWorkersRejectsBelowOne(t *testing.T) {
	_, err := New(WithMaxWorkers(0), WithTransportFactory(noopTransportFactory))
	require.Error(t, err)
	require.True(t, IsCode(err, CodeInvalidParams))
}

func TestValidateRejectsMinWorkersExceedingMaxWorkers(t *testing.T) {
	_, err := New(
		WithMinWorkers(5),
		WithMaxWorkers(2),
		WithTransportFactory(noopTransportFactory),
	)
	require.Error(t, err)
	require.True(t, IsCode(err, CodeInvalidParams))
}

func TestWithMaxQueueSizeRejectsNegative(t *testing.T) {
	_, err := New(WithMaxQueueSize(-1), WithTransportFactory(noopTransportFactory))
	require.Error(t, err)
	require.True(t, IsCode(err, CodeInvalidParams))
}

func TestValidateRejectsCustomQueueStrategyWithoutQueue(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, WithTransportFactory(noopTransportFactory)(cfg))
	require.NoError(t, WithQueueStrategy(QueueCustom)(cfg))

	err := cfg.validate()
	require.Error(t, err)
	require.True(t, IsCode(err, CodeInvalidParams))
}

func TestWithCustomQueueSatisfiesValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, WithTransportFactory(noopTransportFactory)(cfg))
	require.NoError(t, WithCustomQueue(taskqueue.NewFIFO(16))(cfg))
	require.Equal(t, QueueCustom, cfg.QueueStrategy)
	require.NoError(t, cfg.validate())
}

func TestResolvedMinWorkers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxWorkers = 6

	require.NoError(t, WithMinWorkers(3)(cfg))
	require.Equal(t, 3, cfg.resolvedMinWorkers())

	require.NoError(t, WithMinWorkersMax()(cfg))
	require.Equal(t, cfg.MaxWorkers, cfg.resolvedMinWorkers())
}
