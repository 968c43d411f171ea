package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// bundleGasOverhead is added to the summed op limits for the handleOps call itself.
const bundleGasOverhead uint64 = 100_000

const (
	DefaultReceiptTimeout      = 60 * time.Second
	DefaultReceiptPollInterval = time.Second
)

// ExecutorPhase is the step a bundle cycle is in.
type ExecutorPhase string

const (
	PhaseIdle            ExecutorPhase = "idle"
	PhaseCollecting      ExecutorPhase = "collecting"
	PhaseSubmitting      ExecutorPhase = "submitting"
	PhaseAwaitingReceipt ExecutorPhase = "awaiting_receipt"
)

// BundleRecorder persists submitted bundles.
type BundleRecorder interface {
	SaveBundle(ctx context.Context, result *domain.BundleResult) error
}

type ExecutorConfig struct {
	Beneficiary         common.Address
	MaxBundleSize       int
	ReceiptTimeout      time.Duration
	ReceiptPollInterval time.Duration
}

// BundleExecutor turns the pending operations of one EntryPoint into a
// handleOps transaction and reports each outcome to the StatusTracker.
// Cycles never overlap.
type BundleExecutor struct {
	mu    sync.Mutex
	phase atomic.Value

	chain    Chain
	signer   Signer
	pool     *Mempool
	tracker  *StatusTracker
	decoder  EventDecoder
	recorder BundleRecorder
	metrics  Collector
	config   ExecutorConfig

	outstanding map[common.Address]*outstandingBundle
}

func NewBundleExecutor(chain Chain, signer Signer, pool *Mempool, tracker *StatusTracker, config ExecutorConfig) *BundleExecutor {
	if config.ReceiptTimeout <= 0 {
		config.ReceiptTimeout = DefaultReceiptTimeout
	}
	if config.ReceiptPollInterval <= 0 {
		config.ReceiptPollInterval = DefaultReceiptPollInterval
	}
	if config.Beneficiary == (common.Address{}) {
		config.Beneficiary = signer.Address()
	}
	e := &BundleExecutor{
		chain:   chain,
		signer:  signer,
		pool:    pool,
		tracker: tracker,
		decoder: LogEventDecoder{},
		metrics: NewNoopCollector(),
		config:  config,

		outstanding: make(map[common.Address]*outstandingBundle),
	}
	e.phase.Store(PhaseIdle)
	return e
}

// WithRecorder stores every submitted bundle through recorder.
func (e *BundleExecutor) WithRecorder(recorder BundleRecorder) *BundleExecutor {
	e.recorder = recorder
	return e
}

func (e *BundleExecutor) WithMetrics(metrics Collector) *BundleExecutor {
	if metrics != nil {
		e.metrics = metrics
	}
	return e
}

func (e *BundleExecutor) WithDecoder(decoder EventDecoder) *BundleExecutor {
	e.decoder = decoder
	return e
}

// logger wraps the execution context with component info
func (e *BundleExecutor) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "bundle-executor").Logger()
	return &l
}

// Phase returns the step of the running cycle, or PhaseIdle.
func (e *BundleExecutor) Phase() ExecutorPhase {
	return e.phase.Load().(ExecutorPhase)
}

// Execute runs one bundle cycle for entryPoint. An empty mempool yields a
// successful result without touching the chain.
//
// A bundle whose transaction may have reached the node but has no receipt
// stays outstanding: its operations remain in flight and the next cycle for
// entryPoint settles it before draining anything new. Its operations return
// to the mempool only once the transaction can no longer be mined. Failures
// are reported as *domain.InfraError.
func (e *BundleExecutor) Execute(ctx context.Context, entryPoint common.Address) (*domain.BundleResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	defer e.phase.Store(PhaseIdle)

	start := time.Now()
	if bundle, ok := e.outstanding[entryPoint]; ok {
		result, err := e.resume(ctx, entryPoint, bundle, start)
		if err != nil || result != nil {
			return result, err
		}
	}

	e.phase.Store(PhaseCollecting)
	entries := e.pool.Drain(entryPoint, e.config.MaxBundleSize)
	if len(entries) == 0 {
		return &domain.BundleResult{EntryPoint: entryPoint, Success: true, PerOpResults: []domain.OpResult{}}, nil
	}

	bundle := &outstandingBundle{id: uuid.New(), entries: entries}
	log := e.logger(ctx).With().
		Str("bundle_id", bundle.id.String()).
		Str("entry_point", entryPoint.Hex()).
		Logger()

	log.Info().Int("op_count", len(entries)).Msg("executing bundle")

	e.phase.Store(PhaseSubmitting)
	tx, calldata, err := e.buildTransaction(ctx, entryPoint, PackedOps(entries))
	if err != nil {
		return nil, e.abort(ctx, bundle, start, "build bundle transaction", err)
	}
	bundle.tx, bundle.calldata = tx, calldata

	if err := e.chain.SendTransaction(ctx, tx); err != nil && !alreadyKnown(err) {
		if rejectedByNode(err) {
			return nil, e.abort(ctx, bundle, start, "send bundle transaction", err)
		}
		return nil, e.suspend(ctx, entryPoint, bundle, start, "send bundle transaction", err)
	}
	log.Info().Str("tx_hash", tx.Hash().Hex()).Msg("bundle transaction sent")

	return e.await(ctx, entryPoint, bundle, start)
}

// outstandingBundle is a signed bundle transaction without a receipt.
type outstandingBundle struct {
	id       uuid.UUID
	tx       *types.Transaction
	calldata []byte
	entries  []*MempoolEntry
}

func (b *outstandingBundle) hashes() []common.Hash {
	return lo.Map(b.entries, func(en *MempoolEntry, _ int) common.Hash { return en.UserOpHash })
}

// Outstanding returns the hash of the bundle transaction of entryPoint that
// is still waiting for a receipt.
func (e *BundleExecutor) Outstanding(entryPoint common.Address) (common.Hash, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	bundle, ok := e.outstanding[entryPoint]
	if !ok {
		return common.Hash{}, false
	}
	return bundle.tx.Hash(), true
}

func (e *BundleExecutor) await(ctx context.Context, entryPoint common.Address, bundle *outstandingBundle, start time.Time) (*domain.BundleResult, error) {
	e.phase.Store(PhaseAwaitingReceipt)
	receipt, err := e.chain.WaitForReceipt(ctx, bundle.tx.Hash(), e.config.ReceiptTimeout, e.config.ReceiptPollInterval)
	if err != nil {
		return nil, e.suspend(ctx, entryPoint, bundle, start, "wait for bundle receipt", err)
	}
	return e.settle(ctx, entryPoint, bundle, receipt, start), nil
}

// resume resolves the outstanding bundle of entryPoint. It returns the
// settled result once the transaction is mined, nil once the transaction can
// no longer be mined and its operations are back in the mempool, or an error
// while the outcome is still unknown.
func (e *BundleExecutor) resume(ctx context.Context, entryPoint common.Address, bundle *outstandingBundle, start time.Time) (*domain.BundleResult, error) {
	txHash := bundle.tx.Hash()
	log := e.logger(ctx).With().
		Str("bundle_id", bundle.id.String()).
		Str("entry_point", entryPoint.Hex()).
		Str("tx_hash", txHash.Hex()).
		Logger()

	e.phase.Store(PhaseAwaitingReceipt)
	receipt, err := e.chain.TransactionReceipt(ctx, txHash)
	if err != nil {
		return nil, wrapInfra("bundle receipt", err)
	}
	if receipt == nil {
		confirmed, err := e.chain.NonceAt(ctx, e.signer.Address(), nil)
		if err != nil {
			return nil, wrapInfra("bundler nonce", err)
		}
		if confirmed > bundle.tx.Nonce() {
			// the nonce is used; the receipt may have landed since the first lookup
			receipt, err = e.chain.TransactionReceipt(ctx, txHash)
			if err != nil {
				return nil, wrapInfra("bundle receipt", err)
			}
			if receipt == nil {
				delete(e.outstanding, entryPoint)
				log.Warn().Uint64("tx_nonce", bundle.tx.Nonce()).Msg("bundle transaction replaced, reclaiming operations")
				e.reclaim(ctx, entryPoint, bundle)
				e.metrics.BundleCompleted(BundleOutcomeError, start)
				return nil, nil
			}
		}
	}
	if receipt != nil {
		delete(e.outstanding, entryPoint)
		log.Info().Msg("outstanding bundle transaction mined")
		return e.settle(ctx, entryPoint, bundle, receipt, start), nil
	}

	e.phase.Store(PhaseSubmitting)
	if err := e.chain.SendTransaction(ctx, bundle.tx); err != nil && !alreadyKnown(err) {
		if rejectedByNode(err) {
			delete(e.outstanding, entryPoint)
			log.Warn().Err(err).Msg("bundle transaction rejected on resend, operations returned to mempool")
			e.pool.Release(bundle.hashes())
			e.metrics.BundleCompleted(BundleOutcomeError, start)
			return nil, nil
		}
		e.metrics.BundleCompleted(BundleOutcomeError, start)
		return nil, wrapInfra("resend bundle transaction", err)
	}
	delete(e.outstanding, entryPoint)
	log.Info().Msg("outstanding bundle transaction resent")
	return e.await(ctx, entryPoint, bundle, start)
}

// reclaim handles the operations of a bundle whose transaction nonce was
// taken by another transaction. Operations whose EntryPoint nonce has moved
// past them are failed; the rest go back to the mempool.
func (e *BundleExecutor) reclaim(ctx context.Context, entryPoint common.Address, bundle *outstandingBundle) {
	release := make([]common.Hash, 0, len(bundle.entries))
	for _, entry := range bundle.entries {
		key, seq := erc4337.SplitNonce(entry.Op.Nonce)
		current, err := e.chain.GetNonceSequence(ctx, entryPoint, entry.Op.Sender, key)
		if err != nil || current <= seq {
			release = append(release, entry.UserOpHash)
			continue
		}
		if err := e.tracker.MarkFailed(ctx, entry.UserOpHash, nil, "nonce consumed by another transaction", nil); err != nil {
			e.logger(ctx).Error().Err(err).Str("user_op_hash", entry.UserOpHash.Hex()).Msg("failed to mark user operation failed")
		}
		e.metrics.UserOpSettled(domain.StatusFailed)
	}
	e.pool.Release(release)
}

func (e *BundleExecutor) settle(ctx context.Context, entryPoint common.Address, bundle *outstandingBundle, receipt *types.Receipt, start time.Time) *domain.BundleResult {
	tx, entries := bundle.tx, bundle.entries
	txHash := tx.Hash()
	log := e.logger(ctx).With().
		Str("bundle_id", bundle.id.String()).
		Str("entry_point", entryPoint.Hex()).
		Logger()

	result := &domain.BundleResult{
		BundleID:        bundle.id,
		EntryPoint:      entryPoint,
		TransactionHash: &txHash,
		Success:         receipt.Status == types.ReceiptStatusSuccessful,
		GasUsed:         receipt.GasUsed,
		GasCost:         gasCost(receipt),
	}

	if result.Success {
		var err error
		result.PerOpResults, err = e.settleIncluded(ctx, entryPoint, entries, tx, receipt)
		if err != nil {
			// mined ops are never resubmitted
			log.Error().Err(err).Msg("failed to decode bundle receipt")
			result.PerOpResults = e.settleAll(ctx, entryPoint, entries, tx, receipt, fmt.Sprintf("undecodable bundle receipt: %v", err))
		}
		e.metrics.BundleCompleted(BundleOutcomeSuccess, start)
	} else {
		reasons := e.replayRevert(ctx, entryPoint, bundle.calldata, len(entries))
		result.Error = "bundle transaction reverted"
		result.PerOpResults = make([]domain.OpResult, 0, len(entries))
		for i, entry := range entries {
			op := domain.OpResult{UserOpHash: entry.UserOpHash, Sender: entry.Op.Sender, Nonce: entry.Op.Nonce, RevertReason: reasons[i]}
			e.markFailed(ctx, entryPoint, entry, tx, receipt, op)
			result.PerOpResults = append(result.PerOpResults, op)
		}
		e.metrics.BundleCompleted(BundleOutcomeReverted, start)
	}
	e.metrics.MempoolSizeUpdated(e.pool.Len())

	if e.recorder != nil {
		if err := e.recorder.SaveBundle(ctx, result); err != nil {
			log.Error().Err(err).Msg("failed to record bundle")
		}
	}

	log.Info().
		Str("tx_hash", txHash.Hex()).
		Bool("success", result.Success).
		Uint64("gas_used", result.GasUsed).
		Int("failed_ops", lo.CountBy(result.PerOpResults, func(r domain.OpResult) bool { return !r.Success })).
		Msg("bundle settled")

	return result
}

// abort returns the drained operations to the mempool. Only used when the
// transaction never reached the node.
func (e *BundleExecutor) abort(ctx context.Context, bundle *outstandingBundle, start time.Time, op string, err error) error {
	e.pool.Release(bundle.hashes())
	e.metrics.BundleCompleted(BundleOutcomeError, start)
	e.logger(ctx).Error().Err(err).
		Int("op_count", len(bundle.entries)).
		Msg(op + " failed, operations returned to mempool")
	return wrapInfra(op, err)
}

// suspend keeps the operations in flight until a later cycle learns whether
// the transaction was mined.
func (e *BundleExecutor) suspend(ctx context.Context, entryPoint common.Address, bundle *outstandingBundle, start time.Time, op string, err error) error {
	e.outstanding[entryPoint] = bundle
	e.metrics.BundleCompleted(BundleOutcomeError, start)
	e.logger(ctx).Warn().Err(err).
		Str("tx_hash", bundle.tx.Hash().Hex()).
		Int("op_count", len(bundle.entries)).
		Msg(op + " failed, bundle kept outstanding")
	return wrapInfra(op, err)
}

func wrapInfra(op string, err error) error {
	var infra *domain.InfraError
	if errors.As(err, &infra) {
		return err
	}
	return &domain.InfraError{Op: op, Err: err}
}

// alreadyKnown reports the txpool answer for a transaction it already holds.
func alreadyKnown(err error) bool {
	return strings.Contains(err.Error(), "already known")
}

// rejectedByNode reports whether the node answered the send with an error,
// which means the transaction is not in its pool. A stale nonce is not a
// rejection: the transaction may be the one that used it.
func rejectedByNode(err error) bool {
	// InfraError carries its own code, so look at what it wraps
	var infra *domain.InfraError
	for errors.As(err, &infra) {
		err = infra.Err
	}
	var rpcErr rpc.Error
	if err == nil || !errors.As(err, &rpcErr) {
		return false
	}
	return !strings.Contains(err.Error(), "nonce too low")
}

func (e *BundleExecutor) buildTransaction(ctx context.Context, entryPoint common.Address, ops []*erc4337.PackedUserOp) (*types.Transaction, []byte, error) {
	calldata, err := erc4337.EncodeHandleOps(ops, e.config.Beneficiary)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to encode handleOps: %w", err)
	}
	chainID, err := e.chain.ChainID(ctx)
	if err != nil {
		return nil, nil, err
	}
	nonce, err := e.chain.PendingNonceAt(ctx, e.signer.Address())
	if err != nil {
		return nil, nil, err
	}
	tip, err := e.chain.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, err
	}
	baseFee, err := e.chain.BaseFee(ctx)
	if err != nil {
		return nil, nil, err
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: maxFee,
		Gas:       BundleGasLimit(ops),
		To:        &entryPoint,
		Data:      calldata,
	})
	signed, err := e.signer.SignTx(tx, chainID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign bundle transaction: %w", err)
	}
	return signed, calldata, nil
}

// BundleGasLimit is the sum of every op's gas limits plus the handleOps overhead.
func BundleGasLimit(ops []*erc4337.PackedUserOp) uint64 {
	total := new(big.Int).SetUint64(bundleGasOverhead)
	for _, op := range ops {
		total.Add(total, op.VerificationGasLimit())
		total.Add(total, op.CallGasLimit())
		if op.PreVerificationGas != nil {
			total.Add(total, op.PreVerificationGas)
		}
		total.Add(total, op.PaymasterVerificationGasLimit())
		total.Add(total, op.PaymasterPostOpGasLimit())
	}
	if !total.IsUint64() {
		return ^uint64(0)
	}
	return total.Uint64()
}

func (e *BundleExecutor) settleIncluded(ctx context.Context, entryPoint common.Address, entries []*MempoolEntry, tx *types.Transaction, receipt *types.Receipt) ([]domain.OpResult, error) {
	decoded, err := e.decoder.DecodeOpResults(receipt, entryPoint)
	if err != nil {
		return nil, err
	}
	byHash := lo.KeyBy(decoded, func(r domain.OpResult) common.Hash { return r.UserOpHash })

	results := make([]domain.OpResult, 0, len(entries))
	for _, entry := range entries {
		op, ok := byHash[entry.UserOpHash]
		if !ok {
			// no event names the op, so it is reported as succeeded
			op = domain.OpResult{
				UserOpHash: entry.UserOpHash,
				Success:    true,
				Sender:     entry.Op.Sender,
				Nonce:      entry.Op.Nonce,
			}
		}
		if op.Success {
			userOpReceipt := e.userOpReceipt(entryPoint, tx, receipt, op)
			if err := e.tracker.MarkIncluded(ctx, entry.UserOpHash, tx.Hash(), userOpReceipt); err != nil {
				e.logger(ctx).Error().Err(err).Str("user_op_hash", entry.UserOpHash.Hex()).Msg("failed to mark user operation included")
			}
			e.metrics.UserOpSettled(domain.StatusIncluded)
		} else {
			e.markFailed(ctx, entryPoint, entry, tx, receipt, op)
		}
		results = append(results, op)
	}
	return results, nil
}

func (e *BundleExecutor) settleAll(ctx context.Context, entryPoint common.Address, entries []*MempoolEntry, tx *types.Transaction, receipt *types.Receipt, reason string) []domain.OpResult {
	return lo.Map(entries, func(entry *MempoolEntry, _ int) domain.OpResult {
		op := domain.OpResult{UserOpHash: entry.UserOpHash, Sender: entry.Op.Sender, Nonce: entry.Op.Nonce, RevertReason: reason}
		e.markFailed(ctx, entryPoint, entry, tx, receipt, op)
		return op
	})
}

func (e *BundleExecutor) markFailed(ctx context.Context, entryPoint common.Address, entry *MempoolEntry, tx *types.Transaction, receipt *types.Receipt, op domain.OpResult) {
	txHash := tx.Hash()
	userOpReceipt := e.userOpReceipt(entryPoint, tx, receipt, op)
	if err := e.tracker.MarkFailed(ctx, entry.UserOpHash, &txHash, op.RevertReason, userOpReceipt); err != nil {
		e.logger(ctx).Error().Err(err).Str("user_op_hash", entry.UserOpHash.Hex()).Msg("failed to mark user operation failed")
	}
	e.metrics.UserOpSettled(domain.StatusFailed)
}

// replayRevert re-executes a reverted bundle to recover the FailedOp reason.
// The returned slice holds one reason per op.
func (e *BundleExecutor) replayRevert(ctx context.Context, entryPoint common.Address, calldata []byte, count int) []string {
	reasons := make([]string, count)
	for i := range reasons {
		reasons[i] = "bundle transaction reverted"
	}

	_, err := e.chain.SimulateCall(ctx, ethereum.CallMsg{From: e.signer.Address(), To: &entryPoint, Data: calldata})
	var revert *domain.SimulationRevert
	if !errors.As(err, &revert) {
		return reasons
	}
	if index, reason, ok := erc4337.DecodeFailedOp(revert.Data); ok && index < uint64(count) {
		reasons[index] = reason
		return reasons
	}
	if revert.Reason != "" {
		for i := range reasons {
			reasons[i] = "bundle transaction reverted: " + revert.Reason
		}
	}
	return reasons
}

func (e *BundleExecutor) userOpReceipt(entryPoint common.Address, tx *types.Transaction, receipt *types.Receipt, op domain.OpResult) *erc4337.UserOperationReceipt {
	return &erc4337.UserOperationReceipt{
		UserOpHash:    op.UserOpHash,
		EntryPoint:    entryPoint,
		Sender:        op.Sender,
		Paymaster:     op.Paymaster,
		Nonce:         (*hexutil.Big)(bigOrZero(op.Nonce)),
		Success:       op.Success,
		Reason:        op.RevertReason,
		ActualGasCost: (*hexutil.Big)(bigOrZero(op.ActualGasCost)),
		ActualGasUsed: (*hexutil.Big)(bigOrZero(op.ActualGasUsed)),
		Receipt:       transactionReceipt(e.signer.Address(), entryPoint, tx, receipt),
		Logs:          opLogs(receipt, entryPoint, op.UserOpHash),
	}
}

func transactionReceipt(from, to common.Address, tx *types.Transaction, r *types.Receipt) *erc4337.TransactionReceipt {
	return &erc4337.TransactionReceipt{
		BlockHash:         r.BlockHash,
		BlockNumber:       (*hexutil.Big)(bigOrZero(r.BlockNumber)),
		From:              from,
		To:                to,
		CumulativeGasUsed: hexutil.Uint64(r.CumulativeGasUsed),
		GasUsed:           hexutil.Uint64(r.GasUsed),
		Logs:              r.Logs,
		LogsBloom:         r.Bloom,
		TransactionHash:   tx.Hash(),
		TransactionIndex:  hexutil.Uint(r.TransactionIndex),
		EffectiveGasPrice: (*hexutil.Big)(bigOrZero(r.EffectiveGasPrice)),
		Status:            hexutil.Uint64(r.Status),
	}
}

// opLogs returns the logs emitted while the op executed: everything after the
// previous UserOperationEvent up to and including the op's own event.
func opLogs(receipt *types.Receipt, entryPoint common.Address, userOpHash common.Hash) []*types.Log {
	begin := 0
	for i, l := range receipt.Logs {
		if l.Address != entryPoint || len(l.Topics) < 2 || l.Topics[0] != erc4337.UserOperationEventTopic {
			continue
		}
		if l.Topics[1] == userOpHash {
			return receipt.Logs[begin : i+1]
		}
		begin = i + 1
	}
	return []*types.Log{}
}

func gasCost(r *types.Receipt) *big.Int {
	if r.EffectiveGasPrice == nil {
		return new(big.Int)
	}
	return new(big.Int).Mul(new(big.Int).SetUint64(r.GasUsed), r.EffectiveGasPrice)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
