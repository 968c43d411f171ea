package service

import (
	"context"
	"crypto/ecdsa"
	"math/big"
	"testing"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/repository"
	"github.com/ethaccount/bundler/src/testutil"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/stretchr/testify/require"
)

const testChainID = 1337

var (
	testEntryPoint = DefaultEntryPoint
	oneEther       = big.NewInt(params.Ether)
)

type testEnv struct {
	chain   *testutil.FakeChain
	bundler *Bundler
	signer  *PrivateKeySigner
	owner   *ecdsa.PrivateKey
}

func newTestEnv(t *testing.T) *testEnv {
	return newTestEnvWithConfig(t, ExecutorConfig{})
}

func newTestEnvWithConfig(t *testing.T, executor ExecutorConfig) *testEnv {
	t.Helper()

	bundlerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner, err := crypto.GenerateKey()
	require.NoError(t, err)

	if executor.ReceiptTimeout == 0 {
		executor.ReceiptTimeout = time.Second
	}
	if executor.ReceiptPollInterval == 0 {
		executor.ReceiptPollInterval = 10 * time.Millisecond
	}

	chain := testutil.NewFakeChain(testChainID)
	signer := NewSignerFromKey(bundlerKey)
	chain.SetBalance(signer.Address(), oneEther)

	b := NewBundler(chain, signer, NewNodeGasEstimator(chain), repository.NewMemoryStatusStore(time.Hour), BundlerConfig{
		EntryPoints: []common.Address{testEntryPoint},
		Executor:    executor,
	})
	return &testEnv{chain: chain, bundler: b, signer: signer, owner: owner}
}

// deployAccount installs a funded account at a fresh address.
func (e *testEnv) deployAccount(t *testing.T) common.Address {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	addr := crypto.PubkeyToAddress(key.PublicKey)
	e.chain.SetCode(addr, testutil.AccountCode)
	e.chain.SetBalance(addr, oneEther)
	return addr
}

func word(v int64) []byte {
	return common.BigToHash(big.NewInt(v)).Bytes()
}

// newOp builds an op for sender with limits large enough for the test account.
func newOp(sender common.Address, key *big.Int, seq uint64) *erc4337.UserOperation {
	return &erc4337.UserOperation{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(erc4337.JoinNonce(key, seq)),
		CallData:             word(int64(seq) + 1),
		CallGasLimit:         (*hexutil.Big)(big.NewInt(100_000)),
		VerificationGasLimit: (*hexutil.Big)(big.NewInt(200_000)),
		MaxPriorityFeePerGas: (*hexutil.Big)(big.NewInt(params.GWei)),
		MaxFeePerGas:         (*hexutil.Big)(big.NewInt(3 * params.GWei)),
		Signature:            make([]byte, 65),
	}
}

// finalize sets the expected preVerificationGas and signs op with key.
func finalize(t *testing.T, op *erc4337.UserOperation, key *ecdsa.PrivateKey) *erc4337.UserOperation {
	t.Helper()
	packed, err := op.Pack()
	require.NoError(t, err)
	op.PreVerificationGas = (*hexutil.Big)(new(big.Int).SetUint64(CalcPreVerificationGas(packed)))

	hash, err := op.GetUserOpHash(testEntryPoint, big.NewInt(testChainID))
	require.NoError(t, err)
	sig, err := erc4337.SignUserOpHash(hash, key)
	require.NoError(t, err)
	op.Signature = sig
	return op
}

func (e *testEnv) submit(t *testing.T, op *erc4337.UserOperation) common.Hash {
	t.Helper()
	hash, err := e.bundler.SubmitUserOperation(context.Background(), finalize(t, op, e.owner), testEntryPoint)
	require.NoError(t, err)
	return hash
}
