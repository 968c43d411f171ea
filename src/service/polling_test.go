package service

import (
	"context"
	"errors"
	"math/big"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPollWithBackoff(t *testing.T) {
	boom := errors.New("boom")

	tests := []struct {
		name      string
		timeout   time.Duration
		doneAfter int32
		fnErr     error
		wantErr   error
		wantCalls int32
	}{
		{
			name:      "done on first call",
			timeout:   time.Second,
			doneAfter: 1,
			wantCalls: 1,
		},
		{
			name:      "done after retries",
			timeout:   time.Second,
			doneAfter: 3,
			wantCalls: 3,
		},
		{
			name:      "error stops polling",
			timeout:   time.Second,
			fnErr:     boom,
			wantErr:   boom,
			wantCalls: 1,
		},
		{
			name:    "times out",
			timeout: 30 * time.Millisecond,
			wantErr: errPollTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls int32
			err := pollWithBackoff(context.Background(), tt.timeout, time.Millisecond, func(ctx context.Context) (bool, error) {
				n := atomic.AddInt32(&calls, 1)
				if tt.fnErr != nil {
					return false, tt.fnErr
				}
				return tt.doneAfter > 0 && n >= tt.doneAfter, nil
			})

			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				assert.NoError(t, err)
			}
			if tt.wantCalls > 0 {
				assert.Equal(t, tt.wantCalls, atomic.LoadInt32(&calls))
			}
		})
	}
}

func TestPollWithBackoff_ParentCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := pollWithBackoff(ctx, time.Second, time.Millisecond, func(ctx context.Context) (bool, error) {
		return false, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAutoBundler(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := newTestEnv(t)
	hash := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))

	done := make(chan error, 1)
	go func() {
		done <- NewAutoBundler(env.bundler, AutoBundlerConfig{Interval: 10 * time.Millisecond}).Start(ctx)
	}()

	assert.Eventually(t, func() bool {
		status, err := env.bundler.GetUserOperationStatus(context.Background(), hash)
		return err == nil && status.State == domain.StatusIncluded
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		require.Fail(t, "auto bundler did not stop")
	}
	assert.Len(t, env.chain.SentTransactions(), 1, "idle ticks send nothing")
}
