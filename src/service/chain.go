package service

import (
	"context"
	"math/big"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ChainReader is the read side of the node the bundler talks to.
type ChainReader interface {
	ChainID(ctx context.Context) (*big.Int, error)
	GetCode(ctx context.Context, addr common.Address) ([]byte, error)
	// GetNonceSequence returns the EntryPoint's next sequence for (sender, key).
	GetNonceSequence(ctx context.Context, entryPoint, sender common.Address, key *big.Int) (uint64, error)
	GetBalance(ctx context.Context, addr common.Address) (*big.Int, error)
	// GetDeposit returns the EntryPoint deposit of an account or paymaster.
	GetDeposit(ctx context.Context, entryPoint, addr common.Address) (*big.Int, error)
	LatestTimestamp(ctx context.Context) (uint64, error)
	// EstimateCall returns the gas a call needs, intrinsic cost included.
	// Reverts are reported as *domain.SimulationRevert.
	EstimateCall(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	// SimulateCall executes msg against the latest state and returns its output.
	SimulateCall(ctx context.Context, msg ethereum.CallMsg) ([]byte, error)
}

// ChainWriter submits transactions and waits for them to be mined.
type ChainWriter interface {
	PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	// NonceAt returns the account nonce at blockNumber, or at the latest
	// block when nil. Pending transactions are excluded.
	NonceAt(ctx context.Context, addr common.Address, blockNumber *big.Int) (uint64, error)
	// TransactionReceipt returns nil without error while the transaction is
	// unknown or not yet mined.
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	// WaitForReceipt polls until the transaction is mined. A timeout yields a
	// *domain.InfraError with Timeout set.
	WaitForReceipt(ctx context.Context, txHash common.Hash, timeout, interval time.Duration) (*types.Receipt, error)
}

type Chain interface {
	ChainReader
	ChainWriter
	StateSource
}

// Signer holds the bundler's operating key.
type Signer interface {
	Address() common.Address
	SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error)
}

// EventDecoder extracts per-operation outcomes from a bundle receipt.
type EventDecoder interface {
	DecodeOpResults(receipt *types.Receipt, entryPoint common.Address) ([]domain.OpResult, error)
}
