package erc4337

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

var (
	uint48Type, _ = abi.NewType("uint48", "", nil)

	validityWindowArgs = abi.Arguments{
		{Type: uint48Type}, // validUntil
		{Type: uint48Type}, // validAfter
	}
)

// validityWindowLength is abi.encode(uint48, uint48).
const validityWindowLength = 64

// ValidityWindow is a (validUntil, validAfter) timestamp range. A zero validUntil means no expiry.
type ValidityWindow struct {
	ValidUntil uint64
	ValidAfter uint64
}

// Contains reports whether ts falls inside the window, using the EntryPoint bounds
// (validAfter exclusive, validUntil inclusive).
func (w ValidityWindow) Contains(ts uint64) bool {
	return !w.NotYetValid(ts) && !w.Expired(ts)
}

// NotYetValid reports whether ts is at or before validAfter.
func (w ValidityWindow) NotYetValid(ts uint64) bool {
	return w.ValidAfter != 0 && ts <= w.ValidAfter
}

// Expired reports whether the window closed before ts.
func (w ValidityWindow) Expired(ts uint64) bool {
	return w.ValidUntil != 0 && ts > w.ValidUntil
}

// EncodeValidityWindow encodes the window the way VerifyingPaymaster-style paymasterData expects.
func EncodeValidityWindow(w ValidityWindow) ([]byte, error) {
	return validityWindowArgs.Pack(new(big.Int).SetUint64(w.ValidUntil), new(big.Int).SetUint64(w.ValidAfter))
}

// ParsePaymasterWindow reads abi.encode(uint48 validUntil, uint48 validAfter) from the head of
// paymasterData and returns the trailing signature. ok is false when no window is encoded.
func ParsePaymasterWindow(paymasterData []byte) (window ValidityWindow, signature []byte, ok bool) {
	if len(paymasterData) < validityWindowLength {
		return ValidityWindow{}, nil, false
	}

	// uint48 words must be left padded with zeros
	for _, word := range [][]byte{paymasterData[:32], paymasterData[32:64]} {
		if new(big.Int).SetBytes(word).BitLen() > 48 {
			return ValidityWindow{}, nil, false
		}
	}

	values, err := validityWindowArgs.Unpack(paymasterData[:validityWindowLength])
	if err != nil || len(values) != 2 {
		return ValidityWindow{}, nil, false
	}
	until, _ := values[0].(*big.Int)
	after, _ := values[1].(*big.Int)
	if until == nil || after == nil {
		return ValidityWindow{}, nil, false
	}

	return ValidityWindow{ValidUntil: until.Uint64(), ValidAfter: after.Uint64()}, paymasterData[validityWindowLength:], true
}

// DecodeValidationData splits packed validationData into aggregator (or sig-failure flag) and window.
func DecodeValidationData(validationData *big.Int) (aggregator common.Address, window ValidityWindow) {
	if validationData == nil {
		return common.Address{}, ValidityWindow{}
	}
	mask48 := new(big.Int).SetUint64(1<<48 - 1)
	aggregator = common.BigToAddress(new(big.Int).And(validationData, new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 160), big.NewInt(1))))
	window.ValidUntil = new(big.Int).And(new(big.Int).Rsh(validationData, 160), mask48).Uint64()
	window.ValidAfter = new(big.Int).And(new(big.Int).Rsh(validationData, 208), mask48).Uint64()
	return aggregator, window
}
