package erc4337

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

type GasEstimates struct {
	PreVerificationGas            *hexutil.Big `json:"preVerificationGas"`
	VerificationGasLimit          *hexutil.Big `json:"verificationGasLimit"`
	CallGasLimit                  *hexutil.Big `json:"callGasLimit"`
	PaymasterVerificationGasLimit *hexutil.Big `json:"paymasterVerificationGasLimit,omitempty"`
	PaymasterPostOpGasLimit       *hexutil.Big `json:"paymasterPostOpGasLimit,omitempty"`
}

// TransactionReceipt is the bundle transaction receipt embedded in a user operation receipt.
type TransactionReceipt struct {
	BlockHash         common.Hash    `json:"blockHash"`
	BlockNumber       *hexutil.Big   `json:"blockNumber"`
	From              common.Address `json:"from"`
	To                common.Address `json:"to"`
	CumulativeGasUsed hexutil.Uint64 `json:"cumulativeGasUsed"`
	GasUsed           hexutil.Uint64 `json:"gasUsed"`
	Logs              []*types.Log   `json:"logs"`
	LogsBloom         types.Bloom    `json:"logsBloom"`
	TransactionHash   common.Hash    `json:"transactionHash"`
	TransactionIndex  hexutil.Uint   `json:"transactionIndex"`
	EffectiveGasPrice *hexutil.Big   `json:"effectiveGasPrice"`
	Status            hexutil.Uint64 `json:"status"`
}

type UserOperationReceipt struct {
	UserOpHash    common.Hash         `json:"userOpHash"`
	EntryPoint    common.Address      `json:"entryPoint"`
	Sender        common.Address      `json:"sender"`
	Paymaster     common.Address      `json:"paymaster"`
	Nonce         *hexutil.Big        `json:"nonce"`
	Success       bool                `json:"success"`
	Reason        string              `json:"reason,omitempty"`
	ActualGasCost *hexutil.Big        `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big        `json:"actualGasUsed"`
	Receipt       *TransactionReceipt `json:"receipt"`
	Logs          []*types.Log        `json:"logs"`
}

// UserOperationStatus is the lifecycle view of a submitted operation.
type UserOperationStatus struct {
	UserOpHash      common.Hash  `json:"userOpHash"`
	Status          string       `json:"status"`
	TransactionHash *common.Hash `json:"transactionHash,omitempty"`
	Reason          string       `json:"reason,omitempty"`
}

// BundleSummary is the debug view of a bundle cycle.
type BundleSummary struct {
	BundleID        string         `json:"bundleId,omitempty"`
	TransactionHash *common.Hash   `json:"transactionHash,omitempty"`
	Success         bool           `json:"success"`
	GasUsed         hexutil.Uint64 `json:"gasUsed"`
	Error           string         `json:"error,omitempty"`
	Results         []OpOutcome    `json:"results"`
}

// UserOperationByHash is the eth_getUserOperationByHash result. Block fields
// are set once the operation is included.
type UserOperationByHash struct {
	UserOperation   *UserOperation `json:"userOperation"`
	EntryPoint      common.Address `json:"entryPoint"`
	TransactionHash *common.Hash   `json:"transactionHash"`
	BlockHash       *common.Hash   `json:"blockHash"`
	BlockNumber     *hexutil.Big   `json:"blockNumber"`
}

type OpOutcome struct {
	UserOpHash   common.Hash `json:"userOpHash"`
	Success      bool        `json:"success"`
	RevertReason string      `json:"revertReason,omitempty"`
}

type Bundler interface {
	ChainId(ctx context.Context) (*big.Int, error)
	SupportedEntryPoints(ctx context.Context) ([]common.Address, error)
	EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimates, error)
	SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error)
	GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error)
	GetUserOperationByHash(ctx context.Context, userOpHash common.Hash) (*UserOperationByHash, error)
	GetUserOperationStatus(ctx context.Context, userOpHash common.Hash) (*UserOperationStatus, error)
	SendBundleNow(ctx context.Context) (*BundleSummary, error)
	DumpMempool(ctx context.Context, entryPoint common.Address) ([]*UserOperation, error)
	DropUserOperation(ctx context.Context, userOpHash common.Hash) error
	ClearState(ctx context.Context) error
}

type BundlerClient struct {
	client *rpc.Client
}

func DialContext(ctx context.Context, rawurl string) (Bundler, error) {
	c, err := rpc.DialContext(ctx, rawurl)
	if err != nil {
		return nil, err
	}
	return NewBundlerClient(c), nil
}

func NewBundlerClient(c *rpc.Client) Bundler {
	return &BundlerClient{c}
}

func (b *BundlerClient) ChainId(ctx context.Context) (*big.Int, error) {
	var result hexutil.Big
	err := b.client.CallContext(ctx, &result, "eth_chainId")
	if err != nil {
		return nil, err
	}
	return (*big.Int)(&result), nil
}

func (b *BundlerClient) SupportedEntryPoints(ctx context.Context) ([]common.Address, error) {
	var result []common.Address
	err := b.client.CallContext(ctx, &result, "eth_supportedEntryPoints")
	return result, err
}

func (b *BundlerClient) EstimateUserOperationGas(ctx context.Context, op *UserOperation, entryPoint common.Address) (*GasEstimates, error) {
	var estimate GasEstimates
	err := b.client.CallContext(ctx, &estimate, "eth_estimateUserOperationGas", op, entryPoint)
	if err != nil {
		return nil, err
	}
	return &estimate, nil
}

func (b *BundlerClient) SendUserOperation(ctx context.Context, op *UserOperation, entryPoint common.Address) (common.Hash, error) {
	var result common.Hash
	err := b.client.CallContext(ctx, &result, "eth_sendUserOperation", op, entryPoint)
	return result, err
}

// GetUserOperationReceipt returns nil without error while the operation is still pending.
func (b *BundlerClient) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*UserOperationReceipt, error) {
	var receipt *UserOperationReceipt
	err := b.client.CallContext(ctx, &receipt, "eth_getUserOperationReceipt", userOpHash)
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// GetUserOperationByHash returns nil without error for unknown hashes.
func (b *BundlerClient) GetUserOperationByHash(ctx context.Context, userOpHash common.Hash) (*UserOperationByHash, error) {
	var result *UserOperationByHash
	err := b.client.CallContext(ctx, &result, "eth_getUserOperationByHash", userOpHash)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (b *BundlerClient) GetUserOperationStatus(ctx context.Context, userOpHash common.Hash) (*UserOperationStatus, error) {
	var status UserOperationStatus
	err := b.client.CallContext(ctx, &status, "bundler_getUserOperationStatus", userOpHash)
	if err != nil {
		return nil, err
	}
	return &status, nil
}

func (b *BundlerClient) SendBundleNow(ctx context.Context) (*BundleSummary, error) {
	var summary BundleSummary
	err := b.client.CallContext(ctx, &summary, "debug_bundler_sendBundleNow")
	if err != nil {
		return nil, err
	}
	return &summary, nil
}

func (b *BundlerClient) DumpMempool(ctx context.Context, entryPoint common.Address) ([]*UserOperation, error) {
	var ops []*UserOperation
	err := b.client.CallContext(ctx, &ops, "debug_bundler_dumpMempool", entryPoint)
	return ops, err
}

func (b *BundlerClient) DropUserOperation(ctx context.Context, userOpHash common.Hash) error {
	return b.client.CallContext(ctx, nil, "debug_bundler_dropUserOperation", userOpHash)
}

func (b *BundlerClient) ClearState(ctx context.Context) error {
	return b.client.CallContext(ctx, nil, "debug_bundler_clearState")
}
