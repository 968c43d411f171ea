package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog"
)

// BlockchainService is the ethclient-backed Chain.
type BlockchainService struct {
	rpcURL  string
	client  *ethclient.Client
	chainID *big.Int
	mu      sync.RWMutex
}

var _ Chain = (*BlockchainService)(nil)

func NewBlockchainService(ctx context.Context, rpcURL string) (*BlockchainService, error) {
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", rpcURL, err)
	}
	return &BlockchainService{rpcURL: rpcURL, client: client}, nil
}

// logger wraps the execution context with component info
func (b *BlockchainService) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "blockchain").Logger()
	return &l
}

// Close closes the client connection
func (b *BlockchainService) Close() {
	b.client.Close()
}

func (b *BlockchainService) ChainID(ctx context.Context) (*big.Int, error) {
	b.mu.RLock()
	if b.chainID != nil {
		defer b.mu.RUnlock()
		return new(big.Int).Set(b.chainID), nil
	}
	b.mu.RUnlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	// Double-check pattern
	if b.chainID != nil {
		return new(big.Int).Set(b.chainID), nil
	}

	chainID, err := b.client.ChainID(ctx)
	if err != nil {
		return nil, infraError("chain id", err)
	}
	b.chainID = chainID
	return new(big.Int).Set(chainID), nil
}

func (b *BlockchainService) GetCode(ctx context.Context, addr common.Address) ([]byte, error) {
	code, err := b.client.CodeAt(ctx, addr, nil)
	if err != nil {
		return nil, infraError("get code", err)
	}
	return code, nil
}

func (b *BlockchainService) GetNonceSequence(ctx context.Context, entryPoint, sender common.Address, key *big.Int) (uint64, error) {
	calldata, err := erc4337.EncodeGetNonce(sender, key)
	if err != nil {
		return 0, fmt.Errorf("failed to pack getNonce: %w", err)
	}
	nonce, err := b.callUint256(ctx, entryPoint, "getNonce", calldata)
	if err != nil {
		return 0, err
	}
	_, seq := erc4337.SplitNonce(nonce)
	return seq, nil
}

func (b *BlockchainService) GetBalance(ctx context.Context, addr common.Address) (*big.Int, error) {
	balance, err := b.client.BalanceAt(ctx, addr, nil)
	if err != nil {
		return nil, infraError("get balance", err)
	}
	return balance, nil
}

func (b *BlockchainService) GetDeposit(ctx context.Context, entryPoint, addr common.Address) (*big.Int, error) {
	calldata, err := erc4337.EncodeBalanceOf(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}
	return b.callUint256(ctx, entryPoint, "balanceOf", calldata)
}

func (b *BlockchainService) callUint256(ctx context.Context, to common.Address, method string, calldata []byte) (*big.Int, error) {
	result, err := b.client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: calldata}, nil)
	if err != nil {
		b.logger(ctx).Error().Err(err).
			Str("contract_address", to.Hex()).
			Str("method", method).
			Msg("failed to call contract")
		return nil, infraError(method, err)
	}
	return erc4337.DecodeUint256Result(method, result)
}

func (b *BlockchainService) LatestTimestamp(ctx context.Context) (uint64, error) {
	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return 0, infraError("latest header", err)
	}
	return header.Time, nil
}

func (b *BlockchainService) EstimateCall(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := b.client.EstimateGas(ctx, msg)
	if err != nil {
		return 0, classifyCallError("estimate gas", err)
	}
	return gas, nil
}

func (b *BlockchainService) SimulateCall(ctx context.Context, msg ethereum.CallMsg) ([]byte, error) {
	result, err := b.client.CallContract(ctx, msg, nil)
	if err != nil {
		return nil, classifyCallError("simulate call", err)
	}
	return result, nil
}

func (b *BlockchainService) PendingNonceAt(ctx context.Context, addr common.Address) (uint64, error) {
	nonce, err := b.client.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, infraError("pending nonce", err)
	}
	return nonce, nil
}

func (b *BlockchainService) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	tip, err := b.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, infraError("suggest tip", err)
	}
	return tip, nil
}

// BaseFee returns the latest base fee, or the legacy gas price on chains without EIP-1559.
func (b *BlockchainService) BaseFee(ctx context.Context) (*big.Int, error) {
	header, err := b.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, infraError("latest header", err)
	}
	if header.BaseFee != nil {
		return header.BaseFee, nil
	}
	price, err := b.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, infraError("suggest gas price", err)
	}
	return price, nil
}

func (b *BlockchainService) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	if err := b.client.SendTransaction(ctx, tx); err != nil {
		return infraError("send transaction", err)
	}
	return nil
}

func (b *BlockchainService) NonceAt(ctx context.Context, addr common.Address, blockNumber *big.Int) (uint64, error) {
	nonce, err := b.client.NonceAt(ctx, addr, blockNumber)
	if err != nil {
		return 0, infraError("nonce", err)
	}
	return nonce, nil
}

func (b *BlockchainService) BalanceAt(ctx context.Context, addr common.Address, blockNumber *big.Int) (*big.Int, error) {
	balance, err := b.client.BalanceAt(ctx, addr, blockNumber)
	if err != nil {
		return nil, infraError("balance", err)
	}
	return balance, nil
}

func (b *BlockchainService) CodeAt(ctx context.Context, addr common.Address, blockNumber *big.Int) ([]byte, error) {
	code, err := b.client.CodeAt(ctx, addr, blockNumber)
	if err != nil {
		return nil, infraError("code", err)
	}
	return code, nil
}

func (b *BlockchainService) StorageAt(ctx context.Context, addr common.Address, slot common.Hash, blockNumber *big.Int) ([]byte, error) {
	value, err := b.client.StorageAt(ctx, addr, slot, blockNumber)
	if err != nil {
		return nil, infraError("storage", err)
	}
	return value, nil
}

func (b *BlockchainService) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	header, err := b.client.HeaderByNumber(ctx, number)
	if err != nil {
		return nil, infraError("header", err)
	}
	return header, nil
}

func (b *BlockchainService) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	receipt, err := b.client.TransactionReceipt(ctx, txHash)
	if errors.Is(err, ethereum.NotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, infraError("transaction receipt", err)
	}
	return receipt, nil
}

func (b *BlockchainService) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout, interval time.Duration) (*types.Receipt, error) {
	var receipt *types.Receipt
	err := pollWithBackoff(ctx, timeout, interval, func(ctx context.Context) (bool, error) {
		r, err := b.client.TransactionReceipt(ctx, txHash)
		if errors.Is(err, ethereum.NotFound) {
			return false, nil
		}
		if err != nil {
			b.logger(ctx).Warn().Err(err).
				Str("tx_hash", txHash.Hex()).
				Msg("receipt lookup failed, retrying")
			return false, nil
		}
		receipt = r
		return true, nil
	})
	if err != nil {
		return nil, &domain.InfraError{Op: "wait for receipt " + txHash.Hex(), Err: err, Timeout: errors.Is(err, errPollTimeout)}
	}
	return receipt, nil
}

func infraError(op string, err error) error {
	return &domain.InfraError{Op: op, Err: err}
}

// classifyCallError turns a node revert into a SimulationRevert and anything else into an InfraError.
func classifyCallError(op string, err error) error {
	var dataErr rpc.DataError
	if errors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decodeErr := hexutil.Decode(raw); decodeErr == nil {
				return &domain.SimulationRevert{Reason: erc4337.DecodeRevertReason(data), Data: data}
			}
		}
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &domain.SimulationRevert{Reason: err.Error()}
	}
	return infraError(op, err)
}
