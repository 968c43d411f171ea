package erc4337

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

const packedUserOpComponents = `[
	{"internalType": "address", "name": "sender", "type": "address"},
	{"internalType": "uint256", "name": "nonce", "type": "uint256"},
	{"internalType": "bytes", "name": "initCode", "type": "bytes"},
	{"internalType": "bytes", "name": "callData", "type": "bytes"},
	{"internalType": "bytes32", "name": "accountGasLimits", "type": "bytes32"},
	{"internalType": "uint256", "name": "preVerificationGas", "type": "uint256"},
	{"internalType": "bytes32", "name": "gasFees", "type": "bytes32"},
	{"internalType": "bytes", "name": "paymasterAndData", "type": "bytes"},
	{"internalType": "bytes", "name": "signature", "type": "bytes"}
]`

// entryPointABI is the subset of the v0.7 EntryPoint interface the bundler calls or decodes.
var entryPointABI = `[
	{
		"inputs": [
			{"components": ` + packedUserOpComponents + `, "internalType": "struct PackedUserOperation[]", "name": "ops", "type": "tuple[]"},
			{"internalType": "address payable", "name": "beneficiary", "type": "address"}
		],
		"name": "handleOps",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"internalType": "address", "name": "sender", "type": "address"},
			{"internalType": "uint192", "name": "key", "type": "uint192"}
		],
		"name": "getNonce",
		"outputs": [{"internalType": "uint256", "name": "nonce", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"inputs": [{"internalType": "address", "name": "account", "type": "address"}],
		"name": "balanceOf",
		"outputs": [{"internalType": "uint256", "name": "", "type": "uint256"}],
		"stateMutability": "view",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "paymaster", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"},
			{"indexed": false, "internalType": "bool", "name": "success", "type": "bool"},
			{"indexed": false, "internalType": "uint256", "name": "actualGasCost", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "actualGasUsed", "type": "uint256"}
		],
		"name": "UserOperationEvent",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"},
			{"indexed": false, "internalType": "bytes", "name": "revertReason", "type": "bytes"}
		],
		"name": "UserOperationRevertReason",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nonce", "type": "uint256"},
			{"indexed": false, "internalType": "bytes", "name": "revertReason", "type": "bytes"}
		],
		"name": "PostOpRevertReason",
		"type": "event"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
			{"indexed": false, "internalType": "address", "name": "factory", "type": "address"},
			{"indexed": false, "internalType": "address", "name": "paymaster", "type": "address"}
		],
		"name": "AccountDeployed",
		"type": "event"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "opIndex", "type": "uint256"},
			{"internalType": "string", "name": "reason", "type": "string"}
		],
		"name": "FailedOp",
		"type": "error"
	},
	{
		"inputs": [
			{"internalType": "uint256", "name": "opIndex", "type": "uint256"},
			{"internalType": "string", "name": "reason", "type": "string"},
			{"internalType": "bytes", "name": "inner", "type": "bytes"}
		],
		"name": "FailedOpWithRevert",
		"type": "error"
	}
]`

// accountABI covers the validation hooks of IAccount and IPaymaster.
var accountABI = `[
	{
		"inputs": [
			{"components": ` + packedUserOpComponents + `, "internalType": "struct PackedUserOperation", "name": "userOp", "type": "tuple"},
			{"internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"internalType": "uint256", "name": "missingAccountFunds", "type": "uint256"}
		],
		"name": "validateUserOp",
		"outputs": [{"internalType": "uint256", "name": "validationData", "type": "uint256"}],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"inputs": [
			{"components": ` + packedUserOpComponents + `, "internalType": "struct PackedUserOperation", "name": "userOp", "type": "tuple"},
			{"internalType": "bytes32", "name": "userOpHash", "type": "bytes32"},
			{"internalType": "uint256", "name": "maxCost", "type": "uint256"}
		],
		"name": "validatePaymasterUserOp",
		"outputs": [
			{"internalType": "bytes", "name": "context", "type": "bytes"},
			{"internalType": "uint256", "name": "validationData", "type": "uint256"}
		],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

var (
	EntryPointABI abi.ABI
	AccountABI    abi.ABI
)

func init() {
	var err error
	EntryPointABI, err = abi.JSON(strings.NewReader(entryPointABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse EntryPoint ABI: %v", err))
	}
	AccountABI, err = abi.JSON(strings.NewReader(accountABI))
	if err != nil {
		panic(fmt.Sprintf("failed to parse account ABI: %v", err))
	}
}

// packedUserOpABI mirrors the PackedUserOperation tuple for ABI encoding.
type packedUserOpABI struct {
	Sender             common.Address
	Nonce              *big.Int
	InitCode           []byte
	CallData           []byte
	AccountGasLimits   [32]byte
	PreVerificationGas *big.Int
	GasFees            [32]byte
	PaymasterAndData   []byte
	Signature          []byte
}

func toABI(op *PackedUserOp) packedUserOpABI {
	out := packedUserOpABI{
		Sender:             op.Sender,
		Nonce:              bigOrZeroInt(op.Nonce),
		InitCode:           nonNilBytes(op.InitCode),
		CallData:           nonNilBytes(op.CallData),
		PreVerificationGas: bigOrZeroInt(op.PreVerificationGas),
		PaymasterAndData:   nonNilBytes(op.PaymasterAndData),
		Signature:          nonNilBytes(op.Signature),
	}
	copy(out.AccountGasLimits[:], op.AccountGasLimits)
	copy(out.GasFees[:], op.GasFees)
	return out
}

func fromABI(op packedUserOpABI) *PackedUserOp {
	return &PackedUserOp{
		Sender:             op.Sender,
		Nonce:              op.Nonce,
		InitCode:           op.InitCode,
		CallData:           op.CallData,
		AccountGasLimits:   append([]byte{}, op.AccountGasLimits[:]...),
		PreVerificationGas: op.PreVerificationGas,
		GasFees:            append([]byte{}, op.GasFees[:]...),
		PaymasterAndData:   op.PaymasterAndData,
		Signature:          op.Signature,
	}
}

// EncodeHandleOps encodes the calldata for EntryPoint.handleOps()
func EncodeHandleOps(ops []*PackedUserOp, beneficiary common.Address) ([]byte, error) {
	encoded := make([]packedUserOpABI, len(ops))
	for i, op := range ops {
		if len(op.AccountGasLimits) != 32 || len(op.GasFees) != 32 {
			return nil, newCodecError("packedUserOperation", "op %d has malformed packed gas fields", i)
		}
		encoded[i] = toABI(op)
	}

	data, err := EntryPointABI.Pack("handleOps", encoded, beneficiary)
	if err != nil {
		return nil, fmt.Errorf("failed to encode handleOps: %w", err)
	}
	return data, nil
}

// DecodeHandleOps is the inverse of EncodeHandleOps.
func DecodeHandleOps(data []byte) ([]*PackedUserOp, common.Address, error) {
	method, err := EntryPointABI.MethodById(data)
	if err != nil || method.Name != "handleOps" {
		return nil, common.Address{}, fmt.Errorf("calldata is not handleOps")
	}

	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		return nil, common.Address{}, fmt.Errorf("failed to decode handleOps: %w", err)
	}

	raw := *abi.ConvertType(args[0], new([]packedUserOpABI)).(*[]packedUserOpABI)
	ops := make([]*PackedUserOp, len(raw))
	for i, op := range raw {
		ops[i] = fromABI(op)
	}
	return ops, args[1].(common.Address), nil
}

// EncodeGetNonce encodes EntryPoint.getNonce(sender, key).
func EncodeGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	if key == nil {
		key = new(big.Int)
	}
	return EntryPointABI.Pack("getNonce", sender, key)
}

// DecodeUint256Result decodes a single uint256 return value of an EntryPoint view.
func DecodeUint256Result(method string, data []byte) (*big.Int, error) {
	out, err := EntryPointABI.Unpack(method, data)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected %s result length %d", method, len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected %s result type %T", method, out[0])
	}
	return v, nil
}

// EncodeBalanceOf encodes EntryPoint.balanceOf(account), the deposit of an account or paymaster.
func EncodeBalanceOf(account common.Address) ([]byte, error) {
	return EntryPointABI.Pack("balanceOf", account)
}

// EncodeValidateUserOp encodes IAccount.validateUserOp for simulation.
func EncodeValidateUserOp(op *PackedUserOp, userOpHash common.Hash, missingAccountFunds *big.Int) ([]byte, error) {
	if missingAccountFunds == nil {
		missingAccountFunds = new(big.Int)
	}
	return AccountABI.Pack("validateUserOp", toABI(op), userOpHash, missingAccountFunds)
}

// EncodeValidatePaymasterUserOp encodes IPaymaster.validatePaymasterUserOp for simulation.
func EncodeValidatePaymasterUserOp(op *PackedUserOp, userOpHash common.Hash, maxCost *big.Int) ([]byte, error) {
	if maxCost == nil {
		maxCost = new(big.Int)
	}
	return AccountABI.Pack("validatePaymasterUserOp", toABI(op), userOpHash, maxCost)
}

// DecodeFailedOp extracts the AA reason from FailedOp / FailedOpWithRevert revert data.
func DecodeFailedOp(revertData []byte) (opIndex uint64, reason string, ok bool) {
	if len(revertData) < 4 {
		return 0, "", false
	}
	for _, name := range []string{"FailedOp", "FailedOpWithRevert"} {
		abiErr := EntryPointABI.Errors[name]
		if string(revertData[:4]) != string(abiErr.ID[:4]) {
			continue
		}
		values, err := abiErr.Inputs.Unpack(revertData[4:])
		if err != nil || len(values) < 2 {
			return 0, "", false
		}
		idx, _ := values[0].(*big.Int)
		msg, _ := values[1].(string)
		if idx == nil {
			idx = new(big.Int)
		}
		return idx.Uint64(), msg, true
	}
	return 0, "", false
}

// EncodePackedUserOp ABI-encodes a single PackedUserOperation tuple, the form
// an op takes inside handleOps calldata.
func EncodePackedUserOp(op *PackedUserOp) ([]byte, error) {
	if len(op.AccountGasLimits) != 32 || len(op.GasFees) != 32 {
		return nil, newCodecError("packedUserOperation", "malformed packed gas fields")
	}
	tupleType := EntryPointABI.Methods["handleOps"].Inputs[0].Type.Elem
	return abi.Arguments{{Type: *tupleType}}.Pack(toABI(op))
}
