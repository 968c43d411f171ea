package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundler_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sender := env.deployAccount(t)

	hash := env.submit(t, newOp(sender, big.NewInt(0), 0))

	status, err := env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status.State)

	receipt, err := env.bundler.GetUserOperationReceipt(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, receipt, "pending operations have no receipt")

	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	require.NotNil(t, result.TransactionHash)
	assert.True(t, result.Success)
	require.Len(t, result.PerOpResults, 1)
	assert.Equal(t, hash, result.PerOpResults[0].UserOpHash)
	assert.True(t, result.PerOpResults[0].Success)

	status, err = env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncluded, status.State)
	assert.Equal(t, result.TransactionHash, status.TransactionHash)

	receipt, err = env.bundler.GetUserOperationReceipt(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
	assert.Equal(t, sender, receipt.Sender)
	assert.Equal(t, *result.TransactionHash, receipt.Receipt.TransactionHash)
	assert.NotEmpty(t, receipt.Logs)
	assert.Positive(t, receipt.ActualGasCost.ToInt().Sign())

	assert.Equal(t, common.BytesToHash(word(1)), env.chain.Storage(sender, common.Hash{}), "callData executed")
	assert.Len(t, env.chain.SentTransactions(), 1)
	assert.Empty(t, env.bundler.GetPendingUserOperations(testEntryPoint))
}

func TestBundler_NonceLanes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sender := env.deployAccount(t)

	key0 := env.submit(t, newOp(sender, big.NewInt(0), 0))
	key1 := env.submit(t, newOp(sender, big.NewInt(1), 0))
	assert.NotEqual(t, key0, key1)
	assert.Equal(t, 2, env.bundler.PendingCount(testEntryPoint))

	_, err := env.bundler.SubmitUserOperation(ctx, finalize(t, newOp(sender, big.NewInt(0), 1), env.owner), testEntryPoint)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInvalidNonce, domain.ValidationCode(err))

	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	require.Len(t, result.PerOpResults, 2)

	// the lane advances once the previous sequence is included
	env.submit(t, newOp(sender, big.NewInt(0), 1))
	assert.Equal(t, 1, env.bundler.PendingCount(testEntryPoint))
}

func TestBundler_SubmitRejections(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name       string
		build      func(t *testing.T, env *testEnv) (*erc4337.UserOperation, common.Address)
		wantCode   string
		wantRPCErr int
	}{
		{
			name: "undeployed sender without initCode",
			build: func(t *testing.T, env *testEnv) (*erc4337.UserOperation, common.Address) {
				return newOp(common.HexToAddress("0xdead"), big.NewInt(0), 0), testEntryPoint
			},
			wantCode:   domain.CodeSenderNotDeployed,
			wantRPCErr: domain.RPCCodeRejectedByAccount,
		},
		{
			name: "sequence ahead of chain",
			build: func(t *testing.T, env *testEnv) (*erc4337.UserOperation, common.Address) {
				return newOp(env.deployAccount(t), big.NewInt(0), 3), testEntryPoint
			},
			wantCode:   domain.CodeInvalidNonce,
			wantRPCErr: domain.RPCCodeRejectedByAccount,
		},
		{
			name: "sender cannot pay prefund",
			build: func(t *testing.T, env *testEnv) (*erc4337.UserOperation, common.Address) {
				sender := env.deployAccount(t)
				env.chain.SetBalance(sender, big.NewInt(0))
				return newOp(sender, big.NewInt(0), 0), testEntryPoint
			},
			wantCode:   domain.CodeInsufficientPrefund,
			wantRPCErr: domain.RPCCodeRejectedByAccount,
		},
		{
			name: "paymaster deposit too low",
			build: func(t *testing.T, env *testEnv) (*erc4337.UserOperation, common.Address) {
				op := newOp(env.deployAccount(t), big.NewInt(0), 0)
				withPaymaster(op, common.HexToAddress("0xbeef"))
				return op, testEntryPoint
			},
			wantCode:   domain.CodePaymasterDepositTooLow,
			wantRPCErr: domain.RPCCodeRejectedByPaymaster,
		},
		{
			name: "verification gas below floor",
			build: func(t *testing.T, env *testEnv) (*erc4337.UserOperation, common.Address) {
				op := newOp(env.deployAccount(t), big.NewInt(0), 0)
				op.VerificationGasLimit = (*hexutil.Big)(big.NewInt(1_000))
				return op, testEntryPoint
			},
			wantCode:   domain.CodeVerificationGasTooLow,
			wantRPCErr: domain.RPCCodeRejectedByAccount,
		},
		{
			name: "unsupported entry point",
			build: func(t *testing.T, env *testEnv) (*erc4337.UserOperation, common.Address) {
				return newOp(env.deployAccount(t), big.NewInt(0), 0), common.HexToAddress("0x5ff137d4b0fdcd49dca30c7cf57e578a026d2789")
			},
			wantCode:   domain.CodeInvalidFields,
			wantRPCErr: domain.RPCCodeInvalidParams,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			op, entryPoint := tt.build(t, env)

			_, err := env.bundler.SubmitUserOperation(ctx, finalize(t, op, env.owner), entryPoint)
			require.Error(t, err)

			var verr *domain.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantCode, verr.Code)
			assert.Equal(t, tt.wantRPCErr, verr.ErrorCode())
			assert.Empty(t, env.bundler.GetPendingUserOperations(testEntryPoint), "rejected ops never enter the mempool")
		})
	}
}

func withPaymaster(op *erc4337.UserOperation, paymaster common.Address) {
	op.Paymaster = &paymaster
	op.PaymasterVerificationGasLimit = (*hexutil.Big)(big.NewInt(50_000))
	op.PaymasterPostOpGasLimit = (*hexutil.Big)(big.NewInt(50_000))
}

func TestBundler_Duplicate(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	op := finalize(t, newOp(env.deployAccount(t), big.NewInt(0), 0), env.owner)

	_, err := env.bundler.SubmitUserOperation(ctx, op, testEntryPoint)
	require.NoError(t, err)

	_, err = env.bundler.SubmitUserOperation(ctx, op, testEntryPoint)
	require.Error(t, err)
	assert.Equal(t, domain.CodeDuplicateUserOp, domain.ValidationCode(err))
	assert.Len(t, env.bundler.GetPendingUserOperations(testEntryPoint), 1)
}

func TestBundler_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	op := finalize(t, newOp(env.deployAccount(t), big.NewInt(0), 0), env.owner)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var hashes []common.Hash
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if hash, err := env.bundler.SubmitUserOperation(ctx, op, testEntryPoint); err == nil {
				mu.Lock()
				hashes = append(hashes, hash)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, hashes, 1)
	assert.Len(t, env.bundler.GetPendingUserOperations(testEntryPoint), 1)
}

func TestBundler_EmptyBundle(t *testing.T) {
	env := newTestEnv(t)

	result, err := env.bundler.SendBundleNow(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.True(t, result.Empty())
	assert.Nil(t, result.TransactionHash)
	assert.Empty(t, env.chain.SentTransactions())
}

func TestBundler_PartialFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	reverting := newOp(env.deployAccount(t), big.NewInt(0), 0)
	reverting.CallData = testutil.RevertingCallData
	failedHash := env.submit(t, reverting)
	okHash := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))

	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success, "the bundle transaction itself succeeds")
	require.Len(t, result.PerOpResults, 2)

	assert.Equal(t, failedHash, result.PerOpResults[0].UserOpHash)
	assert.False(t, result.PerOpResults[0].Success)
	assert.NotEmpty(t, result.PerOpResults[0].RevertReason)
	assert.Equal(t, okHash, result.PerOpResults[1].UserOpHash)
	assert.True(t, result.PerOpResults[1].Success)

	failed, err := env.bundler.GetUserOperationStatus(ctx, failedHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, failed.State)
	assert.NotEmpty(t, failed.Reason)
	require.NotNil(t, failed.Receipt)
	assert.False(t, failed.Receipt.Success)

	included, err := env.bundler.GetUserOperationStatus(ctx, okHash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncluded, included.State)
}

func TestBundler_DeploysSender(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	factory := common.HexToAddress("0xfac7")
	env.chain.SetCode(factory, testutil.FactoryCode)
	salt := common.HexToHash("0x2a")
	sender := testutil.CounterfactualAddress(factory, salt)
	env.chain.SetBalance(sender, oneEther)

	deploying := func(seq uint64) *erc4337.UserOperation {
		op := newOp(sender, big.NewInt(0), seq)
		op.Factory = &factory
		op.FactoryData = testutil.FactoryData(salt)
		op.VerificationGasLimit = (*hexutil.Big)(big.NewInt(500_000))
		return op
	}

	hash := env.submit(t, deploying(0))
	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	require.Len(t, result.PerOpResults, 1)
	assert.True(t, result.PerOpResults[0].Success)
	assert.Equal(t, testutil.AccountCode, env.chain.Code(sender))

	status, err := env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncluded, status.State)

	_, err = env.bundler.SubmitUserOperation(ctx, finalize(t, deploying(1), env.owner), testEntryPoint)
	require.Error(t, err)
	assert.Equal(t, domain.CodeSenderAlreadyConstructed, domain.ValidationCode(err))

	env.submit(t, newOp(sender, big.NewInt(0), 1))
}

func TestBundler_MissingFactory(t *testing.T) {
	env := newTestEnv(t)
	factory := common.HexToAddress("0xfac7")
	salt := common.HexToHash("0x2a")
	sender := testutil.CounterfactualAddress(factory, salt)
	env.chain.SetBalance(sender, oneEther)

	op := newOp(sender, big.NewInt(0), 0)
	op.Factory = &factory
	op.FactoryData = testutil.FactoryData(salt)
	op.VerificationGasLimit = (*hexutil.Big)(big.NewInt(500_000))

	_, err := env.bundler.SubmitUserOperation(context.Background(), finalize(t, op, env.owner), testEntryPoint)
	require.Error(t, err)
	assert.Equal(t, domain.CodeInitCodeFailed, domain.ValidationCode(err))
}

// nodeError is a JSON-RPC error answered by the node.
type nodeError string

func (e nodeError) Error() string  { return string(e) }
func (e nodeError) ErrorCode() int { return -32000 }

func TestRejectedByNode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "node error", err: nodeError("insufficient funds"), want: true},
		{name: "wrapped node error", err: &domain.InfraError{Op: "send transaction", Err: nodeError("intrinsic gas too low")}, want: true},
		{name: "transport error", err: errors.New("connection refused")},
		{name: "wrapped transport error", err: &domain.InfraError{Op: "send transaction", Err: errors.New("connection refused")}},
		{name: "stale nonce", err: &domain.InfraError{Op: "send transaction", Err: nodeError("nonce too low")}},
		{name: "empty infra error", err: &domain.InfraError{Op: "send transaction"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, rejectedByNode(tt.err))
		})
	}
}

func TestBundler_SendRejectedKeepsPending(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hash := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))

	env.chain.SetSendError(nodeError("insufficient funds for gas * price + value"))
	_, err := env.bundler.SendBundleNow(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsInfraError(err))

	status, err := env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status.State)
	assert.Equal(t, 1, env.bundler.PendingCount(testEntryPoint))
	_, outstanding := env.bundler.executor.Outstanding(testEntryPoint)
	assert.False(t, outstanding)

	env.chain.SetSendError(nil)
	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	require.Len(t, result.PerOpResults, 1)
	assert.True(t, result.PerOpResults[0].Success)
}

func TestBundler_SendFailureResendsSameTransaction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hash := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))

	env.chain.SetSendError(errors.New("connection refused"))
	_, err := env.bundler.SendBundleNow(ctx)
	require.Error(t, err)
	assert.True(t, domain.IsInfraError(err))

	// the transaction may have reached the node, so the op stays in flight
	status, err := env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status.State)
	assert.Zero(t, env.bundler.PendingCount(testEntryPoint))
	txHash, outstanding := env.bundler.executor.Outstanding(testEntryPoint)
	require.True(t, outstanding)

	// still unreachable: nothing changes
	_, err = env.bundler.SendBundleNow(ctx)
	require.Error(t, err)
	_, outstanding = env.bundler.executor.Outstanding(testEntryPoint)
	assert.True(t, outstanding)

	env.chain.SetSendError(nil)
	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	require.Len(t, result.PerOpResults, 1)
	assert.True(t, result.PerOpResults[0].Success)
	assert.Equal(t, txHash, *result.TransactionHash)

	sent := env.chain.SentTransactions()
	require.Len(t, sent, 1)
	assert.Equal(t, txHash, sent[0].Hash())
}

func TestBundler_ReceiptTimeoutKeepsBundleOutstanding(t *testing.T) {
	ctx := context.Background()
	env := newTestEnvWithConfig(t, ExecutorConfig{ReceiptTimeout: 100 * time.Millisecond})
	hash := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))

	env.chain.SetNeverMine(true)
	_, err := env.bundler.ExecuteBundle(ctx, testEntryPoint)
	require.Error(t, err)

	var infra *domain.InfraError
	require.ErrorAs(t, err, &infra)
	assert.True(t, infra.Timeout)

	status, err := env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status.State)
	assert.Zero(t, env.bundler.PendingCount(testEntryPoint))
	assert.Equal(t, domain.CodeInvalidFields, domain.ValidationCode(env.bundler.DropUserOperation(ctx, hash)))

	// the next cycle still waits on the same transaction and sends nothing new
	_, err = env.bundler.ExecuteBundle(ctx, testEntryPoint)
	require.ErrorAs(t, err, &infra)
	assert.True(t, infra.Timeout)
	assert.Len(t, env.chain.SentTransactions(), 1)

	// mined late
	env.chain.MineAll()
	result, err := env.bundler.ExecuteBundle(ctx, testEntryPoint)
	require.NoError(t, err)
	assert.True(t, result.Success)
	require.Len(t, result.PerOpResults, 1)
	assert.True(t, result.PerOpResults[0].Success)

	status, err = env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusIncluded, status.State)
	assert.Len(t, env.chain.SentTransactions(), 1)
	_, outstanding := env.bundler.executor.Outstanding(testEntryPoint)
	assert.False(t, outstanding)
}

func TestBundler_ReplacedBundleTransaction(t *testing.T) {
	tests := []struct {
		name          string
		consumedNonce bool
		wantState     domain.Status
		wantSent      int
	}{
		{name: "operation nonce unused is bundled again", wantState: domain.StatusIncluded, wantSent: 2},
		{name: "operation nonce used elsewhere fails", consumedNonce: true, wantState: domain.StatusFailed, wantSent: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			env := newTestEnvWithConfig(t, ExecutorConfig{ReceiptTimeout: 50 * time.Millisecond})
			sender := env.deployAccount(t)
			hash := env.submit(t, newOp(sender, big.NewInt(0), 0))

			env.chain.SetNeverMine(true)
			_, err := env.bundler.ExecuteBundle(ctx, testEntryPoint)
			require.Error(t, err)
			env.chain.SetNeverMine(false)

			// another transaction of the bundler key takes the bundle's nonce
			to := common.HexToAddress("0x1234")
			replacement, err := env.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
				ChainID:   big.NewInt(testChainID),
				Nonce:     0,
				GasTipCap: big.NewInt(2 * params.GWei),
				GasFeeCap: big.NewInt(10 * params.GWei),
				Gas:       21_000,
				To:        &to,
			}), big.NewInt(testChainID))
			require.NoError(t, err)
			require.NoError(t, env.chain.Replace(replacement))
			if tt.consumedNonce {
				env.chain.SetNonceSequence(sender, big.NewInt(0), 1)
			}

			_, err = env.bundler.ExecuteBundle(ctx, testEntryPoint)
			require.NoError(t, err)

			status, err := env.bundler.GetUserOperationStatus(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, status.State)
			assert.Len(t, env.chain.SentTransactions(), tt.wantSent)
			_, outstanding := env.bundler.executor.Outstanding(testEntryPoint)
			assert.False(t, outstanding)
		})
	}
}

func TestBundler_PaymasterDrainedBeforeBundling(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	paymaster := common.HexToAddress("0xbeef")
	env.chain.SetDeposit(paymaster, oneEther)

	op := newOp(env.deployAccount(t), big.NewInt(0), 0)
	withPaymaster(op, paymaster)
	op = finalize(t, op, env.owner)
	hash, err := env.bundler.SubmitUserOperation(ctx, op, testEntryPoint)
	require.NoError(t, err)

	env.chain.SetDeposit(paymaster, big.NewInt(0))
	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.NotEmpty(t, result.Error)
	require.Len(t, result.PerOpResults, 1)
	assert.Contains(t, result.PerOpResults[0].RevertReason, "AA31")

	status, err := env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, status.State)
	assert.Contains(t, status.Reason, "AA31")
	assert.Empty(t, env.bundler.GetPendingUserOperations(testEntryPoint))

	// a failed operation can be submitted again once the paymaster is funded
	env.chain.SetDeposit(paymaster, oneEther)
	again, err := env.bundler.SubmitUserOperation(ctx, op, testEntryPoint)
	require.NoError(t, err)
	assert.Equal(t, hash, again)

	status, err = env.bundler.GetUserOperationStatus(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, status.State)

	result, err = env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestBundler_FailedOpRevertsWholeBundle(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	innocent := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))
	badSender := env.deployAccount(t)
	culprit := env.submit(t, newOp(badSender, big.NewInt(0), 0))
	env.chain.FailValidation(badSender, "AA23 reverted")

	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.False(t, result.Success)
	require.Len(t, result.PerOpResults, 2)
	assert.Equal(t, innocent, result.PerOpResults[0].UserOpHash)
	assert.Equal(t, "bundle transaction reverted", result.PerOpResults[0].RevertReason)
	assert.Equal(t, culprit, result.PerOpResults[1].UserOpHash)
	assert.Equal(t, "AA23 reverted", result.PerOpResults[1].RevertReason)

	for _, hash := range []common.Hash{innocent, culprit} {
		status, err := env.bundler.GetUserOperationStatus(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusFailed, status.State)
	}
}

func TestBundler_MaxBundleSize(t *testing.T) {
	ctx := context.Background()
	env := newTestEnvWithConfig(t, ExecutorConfig{MaxBundleSize: 2})
	for i := 0; i < 3; i++ {
		env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))
	}

	result, err := env.bundler.ExecuteBundle(ctx, testEntryPoint)
	require.NoError(t, err)
	assert.Len(t, result.PerOpResults, 2)
	assert.Equal(t, 1, env.bundler.PendingCount(testEntryPoint))

	result, err = env.bundler.ExecuteBundle(ctx, testEntryPoint)
	require.NoError(t, err)
	assert.Len(t, result.PerOpResults, 1)
	assert.Len(t, env.chain.SentTransactions(), 2)
}

func TestBundler_DropUserOperation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hash := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))

	require.NoError(t, env.bundler.DropUserOperation(ctx, hash))
	_, err := env.bundler.GetUserOperationStatus(ctx, hash)
	assert.ErrorIs(t, err, domain.ErrUserOpNotFound)
	assert.ErrorIs(t, env.bundler.DropUserOperation(ctx, hash), domain.ErrUserOpNotFound)
}

func TestBundler_ClearState(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))
	env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))

	assert.Equal(t, 2, env.bundler.ClearState(ctx))
	assert.Equal(t, 0, env.bundler.PendingCount(testEntryPoint))

	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.True(t, result.Empty())
}

func TestBundler_WaitForUserOperationReceipt(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	hash := env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))

	_, err := env.bundler.WaitForUserOperationReceipt(ctx, hash, 50*time.Millisecond, 10*time.Millisecond)
	var infra *domain.InfraError
	require.ErrorAs(t, err, &infra)
	assert.True(t, infra.Timeout)

	_, err = env.bundler.WaitForUserOperationReceipt(ctx, common.HexToHash("0x1234"), 50*time.Millisecond, 10*time.Millisecond)
	assert.ErrorIs(t, err, domain.ErrUserOpNotFound)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = env.bundler.SendBundleNow(ctx)
	}()
	receipt, err := env.bundler.WaitForUserOperationReceipt(ctx, hash, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, receipt)
	assert.True(t, receipt.Success)
}

func TestBundler_GetUserOperationByHash(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	sender := env.deployAccount(t)
	hash := env.submit(t, newOp(sender, big.NewInt(0), 0))

	record, err := env.bundler.GetUserOperationByHash(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.StatusPending, record.State)
	assert.Equal(t, sender, record.UserOp.Sender)
	assert.Equal(t, testEntryPoint, record.EntryPoint)

	_, err = env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)

	record, err = env.bundler.GetUserOperationByHash(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, domain.StatusIncluded, record.State)
	assert.Equal(t, sender, record.UserOp.Sender)

	record, err = env.bundler.GetUserOperationByHash(ctx, common.HexToHash("0x1234"))
	require.NoError(t, err)
	assert.Nil(t, record)
}

type capturingRecorder struct {
	mu      sync.Mutex
	results []*domain.BundleResult
}

func (r *capturingRecorder) SaveBundle(_ context.Context, result *domain.BundleResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
	return nil
}

func TestBundler_RecordsBundles(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	recorder := &capturingRecorder{}
	env.bundler.WithRecorder(recorder)

	_, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	assert.Empty(t, recorder.results, "empty cycles are not recorded")

	env.submit(t, newOp(env.deployAccount(t), big.NewInt(0), 0))
	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)

	require.Len(t, recorder.results, 1)
	assert.Equal(t, result.BundleID, recorder.results[0].BundleID)
	assert.Positive(t, recorder.results[0].GasCost.Sign())
}

func TestBundler_EstimateUserOperationGas(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	op := newOp(env.deployAccount(t), big.NewInt(0), 0)

	estimate, err := env.bundler.EstimateUserOperationGas(ctx, op, testEntryPoint)
	require.NoError(t, err)

	op.VerificationGasLimit = (*hexutil.Big)(new(big.Int).SetUint64(estimate.VerificationGasLimit))
	op.CallGasLimit = (*hexutil.Big)(new(big.Int).SetUint64(estimate.CallGasLimit))
	op.PreVerificationGas = (*hexutil.Big)(new(big.Int).SetUint64(estimate.PreVerificationGas))

	// the estimate is accepted as is and executes
	hash, err := env.bundler.SubmitUserOperation(ctx, op, testEntryPoint)
	require.NoError(t, err)
	result, err := env.bundler.SendBundleNow(ctx)
	require.NoError(t, err)
	require.Len(t, result.PerOpResults, 1)
	assert.Equal(t, hash, result.PerOpResults[0].UserOpHash)
	assert.True(t, result.PerOpResults[0].Success)

	_, err = env.bundler.EstimateUserOperationGas(ctx, op, common.HexToAddress("0x01"))
	assert.Equal(t, domain.CodeInvalidFields, domain.ValidationCode(err))
}
