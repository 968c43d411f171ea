package service

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/repository"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// DefaultEntryPoint is the canonical EntryPoint v0.7 deployment.
var DefaultEntryPoint = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

type BundlerConfig struct {
	EntryPoints []common.Address
	Executor    ExecutorConfig
	// WindowPaymasters restricts the paymaster validity window rule; see
	// Validator.WithWindowPaymasters.
	WindowPaymasters []common.Address
}

// Bundler is the entry point for callers: it admits, estimates, bundles and
// reports user operations for a fixed set of EntryPoints.
type Bundler struct {
	chain       Chain
	validator   *Validator
	estimator   GasEstimator
	pool        *Mempool
	tracker     *StatusTracker
	executor    *BundleExecutor
	metrics     Collector
	entryPoints []common.Address
}

func NewBundler(chain Chain, signer Signer, estimator GasEstimator, store repository.StatusStore, config BundlerConfig) *Bundler {
	entryPoints := lo.Uniq(config.EntryPoints)
	if len(entryPoints) == 0 {
		entryPoints = []common.Address{DefaultEntryPoint}
	}
	pool := NewMempool()
	tracker := NewStatusTracker(store, pool)
	return &Bundler{
		chain:       chain,
		validator:   NewValidator(chain, pool).WithWindowPaymasters(config.WindowPaymasters),
		estimator:   estimator,
		pool:        pool,
		tracker:     tracker,
		executor:    NewBundleExecutor(chain, signer, pool, tracker, config.Executor),
		metrics:     NewNoopCollector(),
		entryPoints: entryPoints,
	}
}

// WithMetrics reports submissions and bundle cycles to metrics.
func (b *Bundler) WithMetrics(metrics Collector) *Bundler {
	if metrics != nil {
		b.metrics = metrics
		b.executor.WithMetrics(metrics)
	}
	return b
}

// WithRecorder persists every submitted bundle through recorder.
func (b *Bundler) WithRecorder(recorder BundleRecorder) *Bundler {
	b.executor.WithRecorder(recorder)
	return b
}

// logger wraps the execution context with component info
func (b *Bundler) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "bundler").Logger()
	return &l
}

func (b *Bundler) SupportedEntryPoints() []common.Address {
	return append([]common.Address(nil), b.entryPoints...)
}

func (b *Bundler) ChainID(ctx context.Context) (*big.Int, error) {
	return b.chain.ChainID(ctx)
}

func (b *Bundler) checkEntryPoint(entryPoint common.Address) error {
	if !lo.Contains(b.entryPoints, entryPoint) {
		return domain.NewValidationError(domain.CodeInvalidFields, "unsupported entry point %s", entryPoint.Hex())
	}
	return nil
}

// SubmitUserOperation validates op and admits it to the mempool. Rejected
// operations never enter the mempool.
func (b *Bundler) SubmitUserOperation(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error) {
	hash, err := b.submit(ctx, op, entryPoint)
	if err != nil {
		if code := domain.ValidationCode(err); code != "" {
			b.metrics.UserOpRejected(code)
		}
		return common.Hash{}, err
	}
	b.metrics.UserOpSubmitted()
	b.metrics.MempoolSizeUpdated(b.pool.Len())
	return hash, nil
}

func (b *Bundler) submit(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error) {
	if err := b.checkEntryPoint(entryPoint); err != nil {
		return common.Hash{}, err
	}
	packed, err := op.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	chainID, err := b.chain.ChainID(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	userOpHash, err := erc4337.ComputeUserOpHash(packed, entryPoint, chainID)
	if err != nil {
		return common.Hash{}, err
	}

	result, err := b.validator.Validate(ctx, packed, entryPoint, userOpHash)
	if err != nil {
		return common.Hash{}, err
	}
	markPending := func() error {
		return b.tracker.MarkPending(ctx, userOpHash, entryPoint, packed)
	}
	if _, err := b.pool.Add(ctx, userOpHash, packed, entryPoint, result.NonceSequence, markPending); err != nil {
		return common.Hash{}, err
	}

	b.logger(ctx).Info().
		Str("user_op_hash", userOpHash.Hex()).
		Str("sender", packed.Sender.Hex()).
		Str("nonce", packed.Nonce.String()).
		Msg("user operation accepted")

	return userOpHash, nil
}

func (b *Bundler) EstimateUserOperationGas(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*domain.GasEstimate, error) {
	if err := b.checkEntryPoint(entryPoint); err != nil {
		return nil, err
	}
	return b.estimator.EstimateGas(ctx, op, entryPoint)
}

// ExecuteBundle runs one bundle cycle for entryPoint.
func (b *Bundler) ExecuteBundle(ctx context.Context, entryPoint common.Address) (*domain.BundleResult, error) {
	if err := b.checkEntryPoint(entryPoint); err != nil {
		return nil, err
	}
	return b.executor.Execute(ctx, entryPoint)
}

// SendBundleNow runs a cycle for every EntryPoint and returns the first
// non-empty result, or an empty one.
func (b *Bundler) SendBundleNow(ctx context.Context) (*domain.BundleResult, error) {
	var first *domain.BundleResult
	for _, entryPoint := range b.entryPoints {
		result, err := b.executor.Execute(ctx, entryPoint)
		if err != nil {
			return nil, err
		}
		if first == nil || (first.Empty() && !result.Empty()) {
			first = result
		}
	}
	return first, nil
}

func (b *Bundler) GetUserOperationStatus(ctx context.Context, userOpHash common.Hash) (*domain.StatusRecord, error) {
	return b.tracker.GetStatus(ctx, userOpHash)
}

// GetUserOperationReceipt returns nil for pending or unknown operations.
func (b *Bundler) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*erc4337.UserOperationReceipt, error) {
	receipt, err := b.tracker.GetReceipt(ctx, userOpHash)
	if errors.Is(err, domain.ErrUserOpNotFound) {
		return nil, nil
	}
	return receipt, err
}

// GetUserOperationByHash returns the operation and its EntryPoint, or nil when unknown.
func (b *Bundler) GetUserOperationByHash(ctx context.Context, userOpHash common.Hash) (*domain.StatusRecord, error) {
	if entry, ok := b.pool.Get(userOpHash); ok {
		return &domain.StatusRecord{
			UserOpHash: entry.UserOpHash,
			EntryPoint: entry.EntryPoint,
			State:      domain.StatusPending,
			UserOp:     entry.Op,
		}, nil
	}
	record, err := b.tracker.GetStatus(ctx, userOpHash)
	if errors.Is(err, domain.ErrUserOpNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if record.UserOp == nil {
		return nil, nil
	}
	return record, nil
}

// WaitForUserOperationReceipt polls until the operation settles. On timeout
// the operation stays Pending and a *domain.InfraError with Timeout is returned.
func (b *Bundler) WaitForUserOperationReceipt(ctx context.Context, userOpHash common.Hash, timeout, interval time.Duration) (*erc4337.UserOperationReceipt, error) {
	var receipt *erc4337.UserOperationReceipt
	err := pollWithBackoff(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		record, err := b.tracker.GetStatus(ctx, userOpHash)
		if err != nil {
			return false, err
		}
		if !record.State.Terminal() {
			return false, nil
		}
		receipt = record.Receipt
		return true, nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrUserOpNotFound) || domain.IsInfraError(err) {
			return nil, err
		}
		return nil, &domain.InfraError{Op: "wait for user operation " + userOpHash.Hex(), Err: err, Timeout: errors.Is(err, errPollTimeout)}
	}
	return receipt, nil
}

// DropUserOperation removes a pending operation. Operations that are part of
// a bundle in flight cannot be dropped.
func (b *Bundler) DropUserOperation(ctx context.Context, userOpHash common.Hash) error {
	if err := b.pool.Remove(userOpHash); err != nil {
		if errors.Is(err, ErrEntryInflight) {
			return domain.NewValidationError(domain.CodeInvalidFields, "user operation %s is being bundled", userOpHash.Hex())
		}
		return err
	}
	if err := b.tracker.Forget(ctx, userOpHash); err != nil {
		return err
	}
	b.metrics.MempoolSizeUpdated(b.pool.Len())
	b.logger(ctx).Info().Str("user_op_hash", userOpHash.Hex()).Msg("user operation dropped")
	return nil
}

// GetPendingUserOperations returns the pending operations for entryPoint in arrival order.
func (b *Bundler) GetPendingUserOperations(entryPoint common.Address) []*erc4337.PackedUserOp {
	return PackedOps(b.pool.Pending(entryPoint))
}

func (b *Bundler) PendingCount(entryPoint common.Address) int {
	return b.pool.PendingCount(entryPoint)
}

// ClearState drops every pending operation that is not being bundled.
func (b *Bundler) ClearState(ctx context.Context) int {
	dropped := b.pool.Clear()
	for _, hash := range dropped {
		if err := b.tracker.Forget(ctx, hash); err != nil {
			b.logger(ctx).Warn().Err(err).Str("user_op_hash", hash.Hex()).Msg("failed to forget status")
		}
	}
	b.metrics.MempoolSizeUpdated(b.pool.Len())
	return len(dropped)
}
