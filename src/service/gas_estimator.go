package service

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

const (
	// MinVerificationGas covers ecrecover plus account validation overhead.
	MinVerificationGas uint64 = 10_000

	// CreateGas is added to the verification floor when the op deploys its sender.
	CreateGas uint64 = 32_000

	// MinCallGas is the cost of a value-bearing CALL.
	MinCallGas uint64 = 9_100

	MinPaymasterVerificationGas uint64 = 10_000
	DefaultPaymasterPostOpGas   uint64 = 50_000

	TxIntrinsicGas uint64 = 21_000
	PerOpOverhead  uint64 = 18_300
	ZeroByteGas    uint64 = 4
	NonZeroByteGas uint64 = 16

	gasBufferPercent     = 10
	dummySignatureLength = 65
)

// GasEstimator fills in the gas limits of a user operation.
type GasEstimator interface {
	EstimateGas(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*domain.GasEstimate, error)
}

// CalcPreVerificationGas prices the op's share of the bundle calldata. Gas
// fields and the signature are priced at their widest so the result does not
// change between estimation and submission.
func CalcPreVerificationGas(op *erc4337.PackedUserOp) uint64 {
	normalized := *op
	normalized.AccountGasLimits = bytes.Repeat([]byte{0xff}, 32)
	normalized.GasFees = bytes.Repeat([]byte{0xff}, 32)
	normalized.PreVerificationGas = new(big.Int).SetUint64(0xffffffff)
	if len(op.PaymasterAndData) >= 52 {
		pm := append([]byte{}, op.PaymasterAndData...)
		copy(pm[20:52], bytes.Repeat([]byte{0xff}, 32))
		normalized.PaymasterAndData = pm
	}
	sigLen := len(op.Signature)
	if sigLen < dummySignatureLength {
		sigLen = dummySignatureLength
	}
	normalized.Signature = bytes.Repeat([]byte{0xff}, sigLen)

	encoded, err := erc4337.EncodePackedUserOp(&normalized)
	if err != nil {
		return TxIntrinsicGas + PerOpOverhead
	}
	return TxIntrinsicGas + calldataCost(encoded) + PerOpOverhead
}

func calldataCost(data []byte) uint64 {
	var cost uint64
	for _, b := range data {
		if b == 0 {
			cost += ZeroByteGas
		} else {
			cost += NonZeroByteGas
		}
	}
	return cost
}

// VerificationGasFloor is the smallest verificationGasLimit the validator accepts.
func VerificationGasFloor(op *erc4337.PackedUserOp) uint64 {
	if len(op.InitCode) > 0 {
		return MinVerificationGas + CreateGas
	}
	return MinVerificationGas
}

// withBuffer raises gas to floor and adds the safety margin.
func withBuffer(gas, floor uint64) uint64 {
	if gas < floor {
		gas = floor
	}
	return gas + gas*gasBufferPercent/100
}

func postOpGas(op *erc4337.PackedUserOp) uint64 {
	requested := op.PaymasterPostOpGasLimit()
	if requested.IsUint64() && requested.Uint64() > DefaultPaymasterPostOpGas {
		return requested.Uint64()
	}
	return DefaultPaymasterPostOpGas
}

// simulationFrames builds the calls the EntryPoint would make for op.
type simulationFrames struct {
	factory    *ethereum.CallMsg
	validation ethereum.CallMsg
	paymaster  *ethereum.CallMsg
	execution  ethereum.CallMsg
}

func buildFrames(op *erc4337.PackedUserOp, entryPoint common.Address, userOpHash common.Hash) (*simulationFrames, error) {
	validateData, err := erc4337.EncodeValidateUserOp(op, userOpHash, new(big.Int))
	if err != nil {
		return nil, fmt.Errorf("failed to encode validateUserOp: %w", err)
	}
	sender := op.Sender
	frames := &simulationFrames{
		validation: ethereum.CallMsg{From: entryPoint, To: &sender, Data: validateData},
		execution:  ethereum.CallMsg{From: entryPoint, To: &sender, Data: op.CallData},
	}
	if factory := op.Factory(); factory != nil {
		frames.factory = &ethereum.CallMsg{From: entryPoint, To: factory, Data: op.FactoryData()}
	}
	if paymaster := op.Paymaster(); paymaster != nil {
		maxCost := RequiredPrefund(op)
		pmData, err := erc4337.EncodeValidatePaymasterUserOp(op, userOpHash, maxCost)
		if err != nil {
			return nil, fmt.Errorf("failed to encode validatePaymasterUserOp: %w", err)
		}
		frames.paymaster = &ethereum.CallMsg{From: entryPoint, To: paymaster, Data: pmData}
	}
	return frames, nil
}

// NodeGasEstimator runs each frame through the node's eth_estimateGas.
type NodeGasEstimator struct {
	chain ChainReader
}

var _ GasEstimator = (*NodeGasEstimator)(nil)

func NewNodeGasEstimator(chain ChainReader) *NodeGasEstimator {
	return &NodeGasEstimator{chain: chain}
}

// logger wraps the execution context with component info
func (e *NodeGasEstimator) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "gas-estimator").Str("strategy", "node").Logger()
	return &l
}

func (e *NodeGasEstimator) EstimateGas(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*domain.GasEstimate, error) {
	packed, userOpHash, err := prepareEstimation(ctx, e.chain, op, entryPoint)
	if err != nil {
		return nil, err
	}
	frames, err := buildFrames(packed, entryPoint, userOpHash)
	if err != nil {
		return nil, err
	}

	code, err := e.chain.GetCode(ctx, packed.Sender)
	if err != nil {
		return nil, err
	}
	deployed := len(code) > 0

	var verification, call, paymaster uint64
	if frames.factory != nil {
		gas, err := e.frameGas(ctx, *frames.factory)
		if err != nil {
			return nil, err
		}
		verification += gas
	}
	if deployed {
		gas, err := e.frameGas(ctx, frames.validation)
		if err != nil {
			return nil, err
		}
		verification += gas

		if call, err = e.frameGas(ctx, frames.execution); err != nil {
			return nil, err
		}
	} else {
		// the node cannot run frames against an account that does not exist yet
		e.logger(ctx).Debug().
			Str("sender", packed.Sender.Hex()).
			Msg("sender not deployed, using gas floors for validation and execution")
	}
	if frames.paymaster != nil {
		if paymaster, err = e.frameGas(ctx, *frames.paymaster); err != nil {
			return nil, err
		}
	}

	estimate := &domain.GasEstimate{
		PreVerificationGas:   CalcPreVerificationGas(packed),
		VerificationGasLimit: withBuffer(verification, VerificationGasFloor(packed)),
		CallGasLimit:         withBuffer(call, MinCallGas),
	}
	if frames.paymaster != nil {
		estimate.PaymasterVerificationGasLimit = withBuffer(paymaster, MinPaymasterVerificationGas)
		estimate.PaymasterPostOpGasLimit = postOpGas(packed)
	}

	e.logger(ctx).Debug().
		Str("sender", packed.Sender.Hex()).
		Uint64("verification_gas", estimate.VerificationGasLimit).
		Uint64("call_gas", estimate.CallGasLimit).
		Uint64("pre_verification_gas", estimate.PreVerificationGas).
		Msg("estimated user operation gas")

	return estimate, nil
}

// frameGas strips the transaction intrinsic cost the node includes in its estimate.
func (e *NodeGasEstimator) frameGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	gas, err := e.chain.EstimateCall(ctx, msg)
	if err != nil {
		return 0, err
	}
	intrinsic := TxIntrinsicGas + calldataCost(msg.Data)
	if gas <= intrinsic {
		return 0, nil
	}
	return gas - intrinsic, nil
}

func prepareEstimation(ctx context.Context, chain ChainReader, op *erc4337.UserOperation, entryPoint common.Address) (*erc4337.PackedUserOp, common.Hash, error) {
	packed, err := op.Pack()
	if err != nil {
		return nil, common.Hash{}, err
	}
	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return nil, common.Hash{}, err
	}
	userOpHash, err := erc4337.ComputeUserOpHash(packed, entryPoint, chainID)
	if err != nil {
		return nil, common.Hash{}, err
	}
	return packed, userOpHash, nil
}
