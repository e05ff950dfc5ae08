package flowcore

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetryBuilder(t *testing.T) {
	tests := []struct {
		name string
		got  RetryPolicy
		want RetryPolicy
	}{
		{
			name: "negative retries",
			got:  Retry(-1).Policy(),
			want: RetryPolicy{},
		},
		{
			name: "exponential",
			got:  Retry(3).WithExponentialBackoff(100*time.Millisecond, 3, time.Second).Policy(),
			want: RetryPolicy{
				MaxRetries:        3,
				InitialBackoff:    100 * time.Millisecond,
				MaxBackoff:        time.Second,
				BackoffMultiplier: 3,
			},
		},
		{
			name: "exponential default multiplier",
			got:  Retry(1).WithExponentialBackoff(time.Millisecond, 0, 0).Policy(),
			want: RetryPolicy{MaxRetries: 1, InitialBackoff: time.Millisecond, BackoffMultiplier: 2},
		},
		{
			name: "constant",
			got:  Retry(2).WithConstantBackoff(50 * time.Millisecond).Policy(),
			want: RetryPolicy{MaxRetries: 2, InitialBackoff: 50 * time.Millisecond, BackoffMultiplier: 1},
		},
		{
			name: "immediate",
			got:  Retry(2).WithConstantBackoff(time.Second).Immediate().Policy(),
			want: RetryPolicy{MaxRetries: 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}
}

func TestRetryBuilder_ConstantDelay(t *testing.T) {
	p := Retry(3).WithConstantBackoff(20 * time.Millisecond).Policy()
	for retry := 1; retry <= 3; retry++ {
		assert.Equal(t, 20*time.Millisecond, p.Delay(retry))
	}
}

func TestStepWithRetry_Recovers(t *testing.T) {
	eng := newEngine(t)

	var calls atomic.Int32
	flaky := TaskFunc(func(_ context.Context, data []Data) ([]Data, error) {
		if calls.Add(1) <= 2 {
			return nil, errors.New("transient")
		}
		return nil, nil
	})
	New("flaky-v1").
		StepWithRetry("call", flaky, Retry(2).WithConstantBackoff(5*time.Millisecond).Policy()).
		MustRegister(eng)

	traceID, err := Offer(context.Background(), eng, "flaky-v1", Data{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, TraceSuccess, waitClosed(t, eng, traceID).Status)
	assert.Equal(t, int32(3), calls.Load())
}

func TestStepWithRetry_Exhausted(t *testing.T) {
	eng := newEngine(t)

	New("broken-v1").
		StepWithRetry("call", TaskFunc(func(context.Context, []Data) ([]Data, error) {
			return nil, errors.New("permanent")
		}), Retry(1).Immediate().Policy()).
		MustRegister(eng)

	ctx := context.Background()
	traceID, err := Offer(ctx, eng, "broken-v1", Data{"n": 1})
	require.NoError(t, err)
	assert.Equal(t, TraceError, waitClosed(t, eng, traceID).Status)

	failed, err := eng.GetErrorContexts(ctx, ContextQuery{TraceID: traceID}, 1, 10)
	require.NoError(t, err)
	require.Len(t, failed.Items, 1)
	require.NotNil(t, failed.Items[0].Meta.Error)
	assert.Contains(t, failed.Items[0].Meta.Error.Message, "permanent")
}
