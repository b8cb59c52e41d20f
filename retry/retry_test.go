package retry

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pa "github.com/panyam/pocketauth"
)

func fastPolicy(attempts int) Policy {
	return Policy{
		MaxAttempts: attempts,
		Timeout:     200 * time.Millisecond,
		TimeoutStep: -1,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
	}
}

func TestDo_SucceedsOnAttemptK(t *testing.T) {
	for k := 1; k <= 4; k++ {
		var calls int32
		got, err := Do(context.Background(), fastPolicy(4), "get_session", func(ctx context.Context) (string, error) {
			n := atomic.AddInt32(&calls, 1)
			if int(n) < k {
				return "", pa.NewError(pa.KindNetwork, "get_session", "connection reset")
			}
			return "ok", nil
		})
		require.NoError(t, err, "k=%d", k)
		assert.Equal(t, "ok", got)
		assert.Equal(t, int32(k), atomic.LoadInt32(&calls), "k=%d", k)
	}
}

func TestDo_CredentialErrorIsNotRetried(t *testing.T) {
	var calls int32
	credErr := &pa.Error{Kind: pa.KindCredential, Op: "sign_in", Code: "invalid_grant", Message: "Invalid login credentials"}

	_, err := Do(context.Background(), fastPolicy(5), "sign_in", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, credErr
	})

	require.Error(t, err)
	assert.Same(t, credErr, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestDo_ExhaustsAttempts(t *testing.T) {
	var calls int32
	_, err := Do(context.Background(), fastPolicy(3), "refresh", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, pa.NewError(pa.KindNetwork, "refresh", "bad gateway")
	})
	require.Error(t, err)
	assert.Equal(t, pa.KindNetwork, pa.KindOf(err))
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestDo_SlowCallTimesOutAndIsRetried(t *testing.T) {
	var calls int32
	p := fastPolicy(2)
	p.Timeout = 20 * time.Millisecond

	got, err := Do(context.Background(), p, "get_user", func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			// ignores ctx on purpose: the race must still win
			time.Sleep(200 * time.Millisecond)
			return "late", nil
		}
		return "fresh", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "fresh", got)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestDo_TimeoutErrorIsClassified(t *testing.T) {
	p := fastPolicy(1)
	p.Timeout = 10 * time.Millisecond

	_, err := Do(context.Background(), p, "get_user", func(ctx context.Context) (int, error) {
		<-ctx.Done()
		time.Sleep(5 * time.Millisecond)
		return 0, nil
	})
	require.Error(t, err)
	assert.Equal(t, pa.KindTimeout, pa.KindOf(err))
	assert.True(t, pa.IsRetryable(err))
}

func TestDo_ParentCancelStopsBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := fastPolicy(5)
	p.BaseDelay = time.Hour
	p.MaxDelay = time.Hour

	var calls int32
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := Do(ctx, p, "refresh", func(ctx context.Context) (int, error) {
		atomic.AddInt32(&calls, 1)
		return 0, pa.NewError(pa.KindNetwork, "refresh", "offline")
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestRun_PassesThroughError(t *testing.T) {
	sentinel := errors.New("boom")
	err := Run(context.Background(), fastPolicy(3), "sign_out", func(ctx context.Context) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestPolicy_Delay(t *testing.T) {
	p := Policy{}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 500 * time.Millisecond},
		{2, time.Second},
		{3, 2 * time.Second},
		{5, 8 * time.Second},
		{6, 10 * time.Second},
		{20, 10 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.Delay(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPolicy_AttemptTimeoutGrowsBySecond(t *testing.T) {
	p := Policy{Timeout: 4 * time.Second}
	assert.Equal(t, 4*time.Second, p.AttemptTimeout(1))
	assert.Equal(t, 5*time.Second, p.AttemptTimeout(2))
	assert.Equal(t, 6*time.Second, p.AttemptTimeout(3))
}
