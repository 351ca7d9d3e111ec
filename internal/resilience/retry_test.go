package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/insideestates/estates-etl/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quick(attempts int) RetryConfig {
	return RetryConfig{MaxAttempts: attempts, InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

// failing returns fn that fails with err for the first n calls.
func failing(n int, err error, calls *int) func(context.Context) error {
	return func(context.Context) error {
		*calls++
		if *calls <= n {
			return err
		}
		return nil
	}
}

func TestDo(t *testing.T) {
	transient := NewTransientError(errors.New("connection reset"))
	permanent := errors.New("duplicate key")

	tests := []struct {
		name      string
		attempts  int
		failFor   int
		err       error
		wantCalls int
		wantErr   bool
		exhausted bool
	}{
		{"first try", 3, 0, nil, 1, false, false},
		{"recovers", 3, 2, transient, 3, false, false},
		{"exhausted", 3, 5, transient, 3, true, true},
		{"permanent", 3, 5, permanent, 1, true, false},
		{"single attempt", 1, 5, transient, 1, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int
			err := Do(context.Background(), quick(tt.attempts), failing(tt.failFor, tt.err, &calls))
			assert.Equal(t, tt.wantCalls, calls)
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.err)

			var ex *ExhaustedError
			assert.Equal(t, tt.exhausted, errors.As(err, &ex))
			if tt.exhausted {
				assert.Equal(t, tt.attempts, ex.Attempts)
				assert.Contains(t, ex.Error(), "gave up after 3 attempts")
			}
		})
	}
}

func TestDo_ContextCancelledStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := RetryConfig{MaxAttempts: 10, InitialBackoff: time.Second, MaxBackoff: time.Second}

	var calls int
	err := Do(ctx, cfg, func(context.Context) error {
		calls++
		cancel()
		return NewTransientError(errors.New("admin shutdown"))
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_ShouldRetryOverride(t *testing.T) {
	special := errors.New("retry me")
	cfg := quick(4)
	cfg.ShouldRetry = func(err error) bool { return errors.Is(err, special) }

	var calls int
	require.NoError(t, Do(context.Background(), cfg, failing(2, special, &calls)))
	assert.Equal(t, 3, calls)
}

func TestDo_OnRetryCountsAttempts(t *testing.T) {
	cfg := quick(3)
	var seen []int
	cfg.OnRetry = func(attempt int, _ error) { seen = append(seen, attempt) }

	var calls int
	_ = Do(context.Background(), cfg, failing(10, NewTransientError(errors.New("x")), &calls))
	assert.Equal(t, []int{1, 2}, seen)
}

func TestDoVal(t *testing.T) {
	var calls int
	v, err := DoVal(context.Background(), quick(3), func(context.Context) (int64, error) {
		calls++
		if calls == 1 {
			return 0, NewTransientError(errors.New("deadlock detected"))
		}
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, int64(42), v)

	v, err = DoVal(context.Background(), quick(2), func(context.Context) (int64, error) {
		return 7, errors.New("bad row")
	})
	require.Error(t, err)
	assert.Zero(t, v)
}

func TestBackoff(t *testing.T) {
	cfg := RetryConfig{InitialBackoff: 100 * time.Millisecond, MaxBackoff: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, cfg.Backoff(1))
	assert.Equal(t, 200*time.Millisecond, cfg.Backoff(2))
	assert.Equal(t, 800*time.Millisecond, cfg.Backoff(4))
	assert.Equal(t, time.Second, cfg.Backoff(10))

	cfg.JitterFraction = 0.5
	for i := 0; i < 50; i++ {
		d := cfg.withDefaults().jittered(2)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 300*time.Millisecond)
	}
}

func TestBackoff_Defaults(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, RetryConfig{}.Backoff(1))
	assert.Equal(t, 30*time.Second, RetryConfig{}.Backoff(20))
}

func TestRetryLogger(t *testing.T) {
	assert.NotPanics(t, func() { RetryLogger("match", "commit_chunk")(1, errors.New("x")) })
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(config.RetryConfig{MaxAttempts: 7, InitialBackoffMs: 10})
	assert.Equal(t, 7, cfg.MaxAttempts)
	assert.Equal(t, 10*time.Millisecond, cfg.InitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.MaxBackoff)
	assert.Equal(t, 2.0, cfg.Multiplier)
}
