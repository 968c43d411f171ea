package service

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCollector(t *testing.T) {
	registry := prometheus.NewRegistry()
	collector := NewCollector(zerolog.Nop(), registry)
	require.IsType(t, &DefaultCollector{}, collector)

	// a second registration on the same registry collides
	assert.IsType(t, &NoopCollector{}, NewCollector(zerolog.Nop(), registry))
}

func TestDefaultCollector(t *testing.T) {
	c := NewCollector(zerolog.Nop(), prometheus.NewRegistry()).(*DefaultCollector)

	c.UserOpSubmitted()
	c.UserOpSubmitted()
	c.UserOpRejected(domain.CodeInvalidNonce)
	c.UserOpSettled(domain.StatusIncluded)
	c.BundleCompleted(BundleOutcomeSuccess, time.Now().Add(-time.Second))
	c.MempoolSizeUpdated(7)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.userOpsSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.userOpsRejected.WithLabelValues(domain.CodeInvalidNonce)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.userOpsSettled.WithLabelValues(string(domain.StatusIncluded))))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.bundles.WithLabelValues(BundleOutcomeSuccess)))
	assert.Equal(t, float64(7), testutil.ToFloat64(c.mempoolSize))
	assert.Equal(t, 1, testutil.CollectAndCount(c.bundleDurations))
}

func TestBundler_ReportsMetrics(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	c := NewCollector(zerolog.Nop(), prometheus.NewRegistry()).(*DefaultCollector)
	env.bundler.WithMetrics(c)

	hash := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))
	_, err := env.bundler.SubmitUserOperation(ctx, finalize(t, newOp(env.deployAccount(t), big.NewInt(0), 5), env.owner), testEntryPoint)
	require.Error(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.userOpsSubmitted))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.userOpsRejected.WithLabelValues(domain.CodeInvalidNonce)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.mempoolSize))

	_, err = env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)

	status, err := env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncluded, status.State)
	assert.Equal(t, float64(1), testutil.ToFloat64(c.bundles.WithLabelValues(BundleOutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.userOpsSettled.WithLabelValues(string(domain.StatusIncluded))))
	assert.Equal(t, float64(0), testutil.ToFloat64(c.mempoolSize))
}
