package repository

import (
	"context"
	"testing"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusRecord(b byte, state domain.Status) *domain.StatusRecord {
	return &domain.StatusRecord{
		UserOpHash: common.BytesToHash([]byte{b}),
		EntryPoint: common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032"),
		State:      state,
	}
}

func TestMemoryStatusStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore(time.Hour)

	_, err := store.Get(ctx, common.Hash{})
	assert.ErrorIs(t, err, domain.ErrUserOpNotFound)

	pending := statusRecord(1, domain.StatusPending)
	require.NoError(t, store.Save(ctx, pending))

	got, err := store.Get(ctx, pending.UserOpHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.State)
	assert.False(t, got.UpdatedAt.IsZero())

	// mutating the returned copy does not affect the store
	got.State = domain.StatusFailed
	again, err := store.Get(ctx, pending.UserOpHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, again.State)

	txHash := common.HexToHash("0xabc")
	included := statusRecord(1, domain.StatusIncluded)
	included.TransactionHash = &txHash
	require.NoError(t, store.Save(ctx, included))

	got, err = store.Get(ctx, pending.UserOpHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncluded, got.State)
	assert.Equal(t, txHash, *got.TransactionHash)

	require.NoError(t, store.Delete(ctx, pending.UserOpHash))
	_, err = store.Get(ctx, pending.UserOpHash)
	assert.ErrorIs(t, err, domain.ErrUserOpNotFound)
}

func TestMemoryStatusStore_TerminalRetention(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStatusStore(50 * time.Millisecond)

	failed := statusRecord(2, domain.StatusFailed)
	pending := statusRecord(3, domain.StatusPending)
	require.NoError(t, store.Save(ctx, failed))
	require.NoError(t, store.Save(ctx, pending))

	assert.Eventually(t, func() bool {
		_, err := store.Get(ctx, failed.UserOpHash)
		return err == domain.ErrUserOpNotFound
	}, time.Second, 10*time.Millisecond)

	// pending records are never expired
	got, err := store.Get(ctx, pending.UserOpHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.State)
}

func TestRedisStatusStore(t *testing.T) {
	client := testutil.SetupTestRedis(t)
	ctx := context.Background()
	store := NewRedisStatusStore(client, "bundler-test", time.Minute)

	pending := statusRecord(4, domain.StatusPending)
	t.Cleanup(func() { store.Delete(ctx, pending.UserOpHash) })

	require.NoError(t, store.Save(ctx, pending))
	ttl, err := client.TTL(ctx, store.statusKey(pending.UserOpHash)).Result()
	require.NoError(t, err)
	assert.Less(t, ttl, time.Duration(0), "pending records have no expiry")

	failed := statusRecord(4, domain.StatusFailed)
	failed.Reason = "AA21 didn't pay prefund"
	require.NoError(t, store.Save(ctx, failed))

	got, err := store.Get(ctx, pending.UserOpHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.State)
	assert.Equal(t, failed.Reason, got.Reason)

	ttl, err = client.TTL(ctx, store.statusKey(pending.UserOpHash)).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, counts[domain.StatusFailed], 1)

	require.NoError(t, store.Delete(ctx, pending.UserOpHash))
	_, err = store.Get(ctx, pending.UserOpHash)
	assert.ErrorIs(t, err, domain.ErrUserOpNotFound)
}
