package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(maxRetries int) *Config {
	return &Config{
		MaxRetries:   maxRetries,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
	}
}

type classified struct{ retry bool }

func (c classified) Error() string     { return fmt.Sprintf("classified retry=%v", c.retry) }
func (c classified) IsRetryable() bool { return c.retry }

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 3, cfg.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 2.0, cfg.Multiplier)
}

func TestWithMaxRetries(t *testing.T) {
	base := DefaultConfig()
	cfg := base.WithMaxRetries(7)
	assert.Equal(t, 7, cfg.MaxRetries)
	assert.Equal(t, 3, base.MaxRetries, "original must not change")
	assert.Equal(t, 0, base.WithMaxRetries(-1).MaxRetries)
}

func TestDo_SuccessAfterRetries(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(3), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_MaxRetriesExhausted(t *testing.T) {
	calls := 0
	err := Do(context.Background(), fastConfig(2), func() error {
		calls++
		return errors.New("still failing")
	})
	require.Error(t, err)
	assert.Equal(t, "still failing", err.Error())
	assert.Equal(t, 3, calls, "initial attempt plus two retries")
}

func TestDoWithResult_TerminalErrorNotRetried(t *testing.T) {
	calls := 0
	_, err := DoWithResult(context.Background(), fastConfig(5), func() (int, error) {
		calls++
		return 0, classified{retry: false}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDoWithResult_RetryableThenSuccess(t *testing.T) {
	calls := 0
	v, err := DoWithResult(context.Background(), fastConfig(5), func() (string, error) {
		calls++
		if calls == 1 {
			return "", errors.New("upstream returned 503")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, 2, calls)
}

func TestDoIf_ContextCancelledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := &Config{MaxRetries: 3, InitialDelay: time.Second, MaxDelay: time.Second, Multiplier: 1}

	calls := 0
	_, err := DoIf(ctx, cfg, func(error) bool { return true }, func() (int, error) {
		calls++
		cancel()
		return 0, errors.New("boom")
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("embed: %w", context.DeadlineExceeded), true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limit", errors.New("429 Too Many Requests"), true},
		{"bad request", errors.New("400 bad request"), false},
		{"declared terminal", fmt.Errorf("wrap: %w", classified{retry: false}), false},
		{"declared retryable", classified{retry: true}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetryable(tc.err))
		})
	}
}
