package handler

import (
	"context"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethaccount/bundler/src/service"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/samber/lo"
)

const (
	EthNamespace     = "eth"
	BundlerNamespace = "bundler"
	DebugNamespace   = "debug"
)

// PublicAPIs are served to every client.
func PublicAPIs(bundler *service.Bundler) []rpc.API {
	return []rpc.API{{
		Namespace: EthNamespace,
		Service:   NewEthAPI(bundler),
	}, {
		Namespace: BundlerNamespace,
		Service:   NewBundlerAPI(bundler),
	}}
}

// AdminAPIs adds the debug_bundler_* methods to the public set.
func AdminAPIs(bundler *service.Bundler) []rpc.API {
	return append(PublicAPIs(bundler), rpc.API{
		Namespace: DebugNamespace,
		Service:   NewDebugAPI(bundler),
	})
}

// NewRPCServer registers apis on a fresh JSON-RPC server.
func NewRPCServer(apis []rpc.API) (*rpc.Server, error) {
	server := rpc.NewServer()
	for _, api := range apis {
		if err := server.RegisterName(api.Namespace, api.Service); err != nil {
			server.Stop()
			return nil, err
		}
	}
	return server, nil
}

type EthAPI struct {
	bundler *service.Bundler
}

func NewEthAPI(bundler *service.Bundler) *EthAPI {
	return &EthAPI{bundler: bundler}
}

// ChainId returns the chain the bundler submits to.
func (api *EthAPI) ChainId(ctx context.Context) (*hexutil.Big, error) {
	chainID, err := api.bundler.ChainID(ctx)
	if err != nil {
		return nil, err
	}
	return (*hexutil.Big)(chainID), nil
}

func (api *EthAPI) SupportedEntryPoints() []common.Address {
	return api.bundler.SupportedEntryPoints()
}

// SendUserOperation validates op and queues it for the next bundle.
func (api *EthAPI) SendUserOperation(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, domain.NewValidationError(domain.CodeInvalidFields, "missing user operation")
	}
	return api.bundler.SubmitUserOperation(ctx, op, entryPoint)
}

// EstimateUserOperationGas returns gas limits for op. Paymaster limits are
// only reported when op names a paymaster.
func (api *EthAPI) EstimateUserOperationGas(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*erc4337.GasEstimates, error) {
	if op == nil {
		return nil, domain.NewValidationError(domain.CodeInvalidFields, "missing user operation")
	}
	estimate, err := api.bundler.EstimateUserOperationGas(ctx, op, entryPoint)
	if err != nil {
		return nil, err
	}
	return estimate.ToRPC(op.Paymaster != nil), nil
}

// GetUserOperationReceipt returns null while the operation is pending.
func (api *EthAPI) GetUserOperationReceipt(ctx context.Context, userOpHash common.Hash) (*erc4337.UserOperationReceipt, error) {
	return api.bundler.GetUserOperationReceipt(ctx, userOpHash)
}

func (api *EthAPI) GetUserOperationByHash(ctx context.Context, userOpHash common.Hash) (*erc4337.UserOperationByHash, error) {
	record, err := api.bundler.GetUserOperationByHash(ctx, userOpHash)
	if err != nil || record == nil {
		return nil, err
	}
	op, err := erc4337.Unpack(record.UserOp)
	if err != nil {
		return nil, err
	}
	result := &erc4337.UserOperationByHash{
		UserOperation:   op,
		EntryPoint:      record.EntryPoint,
		TransactionHash: record.TransactionHash,
	}
	if record.Receipt != nil && record.Receipt.Receipt != nil {
		result.BlockHash = &record.Receipt.Receipt.BlockHash
		result.BlockNumber = record.Receipt.Receipt.BlockNumber
	}
	return result, nil
}

type BundlerAPI struct {
	bundler *service.Bundler
}

func NewBundlerAPI(bundler *service.Bundler) *BundlerAPI {
	return &BundlerAPI{bundler: bundler}
}

// GetUserOperationStatus reports pending, included or failed for a known hash.
func (api *BundlerAPI) GetUserOperationStatus(ctx context.Context, userOpHash common.Hash) (*erc4337.UserOperationStatus, error) {
	record, err := api.bundler.GetUserOperationStatus(ctx, userOpHash)
	if err != nil {
		return nil, err
	}
	return record.ToStatus(), nil
}

// DebugAPI methods carry a Bundler_ prefix so they resolve as debug_bundler_*.
type DebugAPI struct {
	bundler *service.Bundler
}

func NewDebugAPI(bundler *service.Bundler) *DebugAPI {
	return &DebugAPI{bundler: bundler}
}

func (api *DebugAPI) Bundler_sendBundleNow(ctx context.Context) (*erc4337.BundleSummary, error) {
	result, err := api.bundler.SendBundleNow(ctx)
	if err != nil {
		return nil, err
	}
	return result.ToSummary(), nil
}

func (api *DebugAPI) Bundler_dumpMempool(entryPoint common.Address) ([]*erc4337.UserOperation, error) {
	ops := api.bundler.GetPendingUserOperations(entryPoint)
	out := make([]*erc4337.UserOperation, 0, len(ops))
	for _, packed := range ops {
		op, err := erc4337.Unpack(packed)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (api *DebugAPI) Bundler_clearState(ctx context.Context) (string, error) {
	api.bundler.ClearState(ctx)
	return "ok", nil
}

func (api *DebugAPI) Bundler_dropUserOperation(ctx context.Context, userOpHash common.Hash) error {
	return api.bundler.DropUserOperation(ctx, userOpHash)
}

// Bundler_getPendingCount reports the mempool size per supported EntryPoint.
func (api *DebugAPI) Bundler_getPendingCount() map[common.Address]hexutil.Uint64 {
	return lo.SliceToMap(api.bundler.SupportedEntryPoints(), func(ep common.Address) (common.Address, hexutil.Uint64) {
		return ep, hexutil.Uint64(api.bundler.PendingCount(ep))
	})
}
