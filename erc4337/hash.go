package erc4337

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	addressType, _ = abi.NewType("address", "", nil)
	uint256Type, _ = abi.NewType("uint256", "", nil)
	bytes32Type, _ = abi.NewType("bytes32", "", nil)

	userOpHashArgs = abi.Arguments{
		{Type: addressType}, // sender
		{Type: uint256Type}, // nonce
		{Type: bytes32Type}, // hashedInitCode
		{Type: bytes32Type}, // hashedCallData
		{Type: bytes32Type}, // accountGasLimits
		{Type: uint256Type}, // preVerificationGas
		{Type: bytes32Type}, // gasFees
		{Type: bytes32Type}, // hashedPaymasterAndData
	}

	envelopeArgs = abi.Arguments{
		{Type: bytes32Type}, // inner hash
		{Type: addressType}, // entryPoint
		{Type: uint256Type}, // chainId
	}
)

// ComputeUserOpHash computes the v0.7 userOpHash binding the operation to an EntryPoint and chain.
func ComputeUserOpHash(packed *PackedUserOp, entryPoint common.Address, chainId *big.Int) (common.Hash, error) {
	if packed == nil {
		return common.Hash{}, newCodecError("packedUserOperation", "nil operation")
	}
	if chainId == nil {
		return common.Hash{}, errors.New("chain id is required")
	}
	if len(packed.AccountGasLimits) != 32 {
		return common.Hash{}, newCodecError("accountGasLimits", "expected 32 bytes, got %d", len(packed.AccountGasLimits))
	}
	if len(packed.GasFees) != 32 {
		return common.Hash{}, newCodecError("gasFees", "expected 32 bytes, got %d", len(packed.GasFees))
	}

	var accountGasLimits, gasFees [32]byte
	copy(accountGasLimits[:], packed.AccountGasLimits)
	copy(gasFees[:], packed.GasFees)

	inner, err := userOpHashArgs.Pack(
		packed.Sender,
		bigOrZeroInt(packed.Nonce),
		crypto.Keccak256Hash(packed.InitCode),
		crypto.Keccak256Hash(packed.CallData),
		accountGasLimits,
		bigOrZeroInt(packed.PreVerificationGas),
		gasFees,
		crypto.Keccak256Hash(packed.PaymasterAndData),
	)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode user operation: %w", err)
	}

	outer, err := envelopeArgs.Pack(crypto.Keccak256Hash(inner), entryPoint, chainId)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to encode final hash: %w", err)
	}

	return crypto.Keccak256Hash(outer), nil
}

// GetUserOpHash packs the operation and computes its userOpHash.
func (uo *UserOperation) GetUserOpHash(entryPoint common.Address, chainId *big.Int) (common.Hash, error) {
	packed, err := uo.Pack()
	if err != nil {
		return common.Hash{}, err
	}
	return ComputeUserOpHash(packed, entryPoint, chainId)
}

// RecoverSigner returns the address that produced an EIP-191 personal signature over userOpHash.
func RecoverSigner(userOpHash common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != crypto.SignatureLength {
		return common.Address{}, fmt.Errorf("signature must be %d bytes, got %d", crypto.SignatureLength, len(signature))
	}

	sig := make([]byte, crypto.SignatureLength)
	copy(sig, signature)
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}

	pub, err := crypto.SigToPub(accounts.TextHash(userOpHash.Bytes()), sig)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover signer: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// SignUserOpHash produces the 65-byte personal signature SimpleAccount-style wallets expect.
func SignUserOpHash(userOpHash common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(userOpHash.Bytes()), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign user operation: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}
