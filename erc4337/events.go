package erc4337

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

var (
	UserOperationEventTopic        = EntryPointABI.Events["UserOperationEvent"].ID
	UserOperationRevertReasonTopic = EntryPointABI.Events["UserOperationRevertReason"].ID
	PostOpRevertReasonTopic        = EntryPointABI.Events["PostOpRevertReason"].ID
	AccountDeployedTopic           = EntryPointABI.Events["AccountDeployed"].ID
)

// UserOperationEvent is emitted once per executed operation.
type UserOperationEvent struct {
	UserOpHash    common.Hash
	Sender        common.Address
	Paymaster     common.Address
	Nonce         *big.Int
	Success       bool
	ActualGasCost *big.Int
	ActualGasUsed *big.Int
}

// UserOperationRevertReason is emitted when the operation's call (or postOp) reverted.
type UserOperationRevertReason struct {
	UserOpHash   common.Hash
	Sender       common.Address
	Nonce        *big.Int
	RevertReason []byte
}

// ParseUserOperationEvent decodes a UserOperationEvent log.
func ParseUserOperationEvent(log *types.Log) (*UserOperationEvent, error) {
	if len(log.Topics) < 4 || log.Topics[0] != UserOperationEventTopic {
		return nil, fmt.Errorf("log is not a UserOperationEvent")
	}

	var decoded struct {
		Nonce         *big.Int
		Success       bool
		ActualGasCost *big.Int
		ActualGasUsed *big.Int
	}
	if err := EntryPointABI.UnpackIntoInterface(&decoded, "UserOperationEvent", log.Data); err != nil {
		return nil, fmt.Errorf("failed to decode UserOperationEvent: %w", err)
	}

	return &UserOperationEvent{
		UserOpHash:    log.Topics[1],
		Sender:        common.BytesToAddress(log.Topics[2].Bytes()),
		Paymaster:     common.BytesToAddress(log.Topics[3].Bytes()),
		Nonce:         decoded.Nonce,
		Success:       decoded.Success,
		ActualGasCost: decoded.ActualGasCost,
		ActualGasUsed: decoded.ActualGasUsed,
	}, nil
}

// ParseUserOperationRevertReason decodes a UserOperationRevertReason or PostOpRevertReason log.
func ParseUserOperationRevertReason(log *types.Log) (*UserOperationRevertReason, error) {
	if len(log.Topics) < 3 {
		return nil, fmt.Errorf("log is not a revert reason event")
	}

	var name string
	switch log.Topics[0] {
	case UserOperationRevertReasonTopic:
		name = "UserOperationRevertReason"
	case PostOpRevertReasonTopic:
		name = "PostOpRevertReason"
	default:
		return nil, fmt.Errorf("log is not a revert reason event")
	}

	var decoded struct {
		Nonce        *big.Int
		RevertReason []byte
	}
	if err := EntryPointABI.UnpackIntoInterface(&decoded, name, log.Data); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", name, err)
	}

	return &UserOperationRevertReason{
		UserOpHash:   log.Topics[1],
		Sender:       common.BytesToAddress(log.Topics[2].Bytes()),
		Nonce:        decoded.Nonce,
		RevertReason: decoded.RevertReason,
	}, nil
}

// NewUserOperationEventLog builds the log an EntryPoint emits for an executed operation.
func NewUserOperationEventLog(entryPoint common.Address, ev *UserOperationEvent) (*types.Log, error) {
	data, err := EntryPointABI.Events["UserOperationEvent"].Inputs.NonIndexed().Pack(
		bigOrZeroInt(ev.Nonce), ev.Success, bigOrZeroInt(ev.ActualGasCost), bigOrZeroInt(ev.ActualGasUsed),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode UserOperationEvent: %w", err)
	}
	return &types.Log{
		Address: entryPoint,
		Topics: []common.Hash{
			UserOperationEventTopic,
			ev.UserOpHash,
			common.BytesToHash(ev.Sender.Bytes()),
			common.BytesToHash(ev.Paymaster.Bytes()),
		},
		Data: data,
	}, nil
}

// NewUserOperationRevertReasonLog builds the log an EntryPoint emits when an operation's call reverted.
func NewUserOperationRevertReasonLog(entryPoint common.Address, ev *UserOperationRevertReason) (*types.Log, error) {
	data, err := EntryPointABI.Events["UserOperationRevertReason"].Inputs.NonIndexed().Pack(
		bigOrZeroInt(ev.Nonce), nonNilBytes(ev.RevertReason),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to encode UserOperationRevertReason: %w", err)
	}
	return &types.Log{
		Address: entryPoint,
		Topics: []common.Hash{
			UserOperationRevertReasonTopic,
			ev.UserOpHash,
			common.BytesToHash(ev.Sender.Bytes()),
		},
		Data: data,
	}, nil
}

// DecodeRevertReason renders revert data as a human readable reason.
func DecodeRevertReason(data []byte) string {
	if len(data) == 0 {
		return "execution reverted"
	}
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}
	if _, reason, ok := DecodeFailedOp(data); ok {
		return reason
	}
	return hexutil.Encode(data)
}
