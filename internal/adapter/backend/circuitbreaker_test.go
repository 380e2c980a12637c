package backend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskmill/internal/domain"
	"taskmill/internal/infra/config"
)

type scriptedExecutor struct {
	calls int
	fn    func(call int) (*domain.ExecuteResult, error)
}

func (e *scriptedExecutor) Execute(context.Context, domain.ExecuteRequest) (*domain.ExecuteResult, error) {
	e.calls++
	return e.fn(e.calls)
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &scriptedExecutor{fn: func(int) (*domain.ExecuteResult, error) {
		return &domain.ExecuteResult{Text: "ok"}, nil
	}}
	cb := NewCircuitBreakerExecutor(inner, config.BreakerConfig{}, testLogger())

	result, err := cb.Execute(context.Background(), domain.ExecuteRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	boom := errors.New("backend down")
	inner := &scriptedExecutor{fn: func(int) (*domain.ExecuteResult, error) {
		return nil, boom
	}}
	cb := NewCircuitBreakerExecutor(inner, config.BreakerConfig{
		MaxFailures: 3,
		OpenFor:     config.Duration(time.Minute),
	}, testLogger())

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, domain.ExecuteRequest{Prompt: "p"})
		require.ErrorIs(t, err, boom)
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	// Open circuit fails fast without touching the backend.
	callsBefore := inner.calls
	_, err := cb.Execute(ctx, domain.ExecuteRequest{Prompt: "p"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrBackendUnavailable)
	assert.Equal(t, callsBefore, inner.calls)
}

func TestBreakerRecoversAfterTimeout(t *testing.T) {
	inner := &scriptedExecutor{fn: func(call int) (*domain.ExecuteResult, error) {
		if call <= 2 {
			return nil, errors.New("flaky")
		}
		return &domain.ExecuteResult{Text: "recovered"}, nil
	}}
	cb := NewCircuitBreakerExecutor(inner, config.BreakerConfig{
		MaxFailures: 2,
		OpenFor:     config.Duration(20 * time.Millisecond),
	}, testLogger())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		cb.Execute(ctx, domain.ExecuteRequest{Prompt: "p"})
	}
	require.Equal(t, gobreaker.StateOpen, cb.State())

	time.Sleep(30 * time.Millisecond)

	result, err := cb.Execute(ctx, domain.ExecuteRequest{Prompt: "p"})
	require.NoError(t, err)
	assert.Equal(t, "recovered", result.Text)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}
