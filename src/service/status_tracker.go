package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

// StatusTracker is the only writer of user operation state. Terminal
// transitions also settle the mempool entry so its lane is released.
type StatusTracker struct {
	store repository.StatusStore
	pool  *Mempool
}

func NewStatusTracker(store repository.StatusStore, pool *Mempool) *StatusTracker {
	return &StatusTracker{store: store, pool: pool}
}

// logger wraps the execution context with component info
func (t *StatusTracker) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "status-tracker").Logger()
	return &l
}

func (t *StatusTracker) MarkPending(ctx context.Context, userOpHash common.Hash, entryPoint common.Address, op *erc4337.PackedUserOp) error {
	record := &domain.StatusRecord{
		UserOpHash: userOpHash,
		EntryPoint: entryPoint,
		State:      domain.StatusPending,
		UserOp:     op,
	}
	if err := t.store.Save(ctx, record); err != nil {
		return &domain.InfraError{Op: "save status", Err: err}
	}
	return nil
}

// MarkIncluded records a successful execution inside txHash.
func (t *StatusTracker) MarkIncluded(ctx context.Context, userOpHash common.Hash, txHash common.Hash, receipt *erc4337.UserOperationReceipt) error {
	return t.settle(ctx, userOpHash, domain.StatusIncluded, &txHash, "", receipt)
}

// MarkFailed records a failed execution. txHash is nil when no transaction mined.
func (t *StatusTracker) MarkFailed(ctx context.Context, userOpHash common.Hash, txHash *common.Hash, reason string, receipt *erc4337.UserOperationReceipt) error {
	return t.settle(ctx, userOpHash, domain.StatusFailed, txHash, reason, receipt)
}

func (t *StatusTracker) settle(ctx context.Context, userOpHash common.Hash, state domain.Status, txHash *common.Hash, reason string, receipt *erc4337.UserOperationReceipt) error {
	record, err := t.store.Get(ctx, userOpHash)
	switch {
	case errors.Is(err, domain.ErrUserOpNotFound):
		record = &domain.StatusRecord{UserOpHash: userOpHash}
	case err != nil:
		return &domain.InfraError{Op: "load status", Err: err}
	case record.State.Terminal():
		return fmt.Errorf("user operation %s already %s", userOpHash.Hex(), record.State)
	}

	if entry, ok := t.pool.Get(userOpHash); ok {
		record.EntryPoint = entry.EntryPoint
		if record.UserOp == nil {
			record.UserOp = entry.Op
		}
	}
	record.State = state
	record.TransactionHash = txHash
	record.Reason = reason
	record.Receipt = receipt

	// the operation has executed, so the lane is released even if the write fails
	err = t.store.Save(ctx, record)
	t.pool.Settle(userOpHash, state)
	if err != nil {
		return &domain.InfraError{Op: "save status", Err: err}
	}

	event := t.logger(ctx).Debug().
		Str("user_op_hash", userOpHash.Hex()).
		Str("state", string(state))
	if reason != "" {
		event = event.Str("reason", reason)
	}
	event.Msg("user operation settled")
	return nil
}

// GetStatus returns domain.ErrUserOpNotFound for unknown or expired hashes.
func (t *StatusTracker) GetStatus(ctx context.Context, userOpHash common.Hash) (*domain.StatusRecord, error) {
	record, err := t.store.Get(ctx, userOpHash)
	if err != nil {
		if errors.Is(err, domain.ErrUserOpNotFound) {
			return nil, err
		}
		return nil, &domain.InfraError{Op: "load status", Err: err}
	}
	return record, nil
}

// GetReceipt returns nil while the operation is pending.
func (t *StatusTracker) GetReceipt(ctx context.Context, userOpHash common.Hash) (*erc4337.UserOperationReceipt, error) {
	record, err := t.GetStatus(ctx, userOpHash)
	if err != nil {
		return nil, err
	}
	if !record.State.Terminal() {
		return nil, nil
	}
	return record.Receipt, nil
}

// Forget removes the record, dropping the mempool entry as well. Operations
// held by a bundle in flight are kept and ErrEntryInflight is returned.
func (t *StatusTracker) Forget(ctx context.Context, userOpHash common.Hash) error {
	if err := t.pool.Remove(userOpHash); err != nil && !errors.Is(err, domain.ErrUserOpNotFound) {
		return err
	}
	if err := t.store.Delete(ctx, userOpHash); err != nil {
		return &domain.InfraError{Op: "delete status", Err: err}
	}
	return nil
}
