package erc4337

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EntryPointV07 address constant
var EntryPointV07 = common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")

const (
	// packedGasWidth is the byte width of each half of accountGasLimits and gasFees.
	packedGasWidth = 16
	// paymasterFieldsLength covers paymaster address and both paymaster gas limits.
	paymasterFieldsLength = common.AddressLength + 2*packedGasWidth
)

// UserOperation is the flat, JSON-RPC facing form of an ERC-4337 v0.7 user operation.
type UserOperation struct {
	Sender                        common.Address  `json:"sender"`
	Nonce                         *hexutil.Big    `json:"nonce"`
	Factory                       *common.Address `json:"factory"`
	FactoryData                   hexutil.Bytes   `json:"factoryData"`
	CallData                      hexutil.Bytes   `json:"callData"`
	CallGasLimit                  *hexutil.Big    `json:"callGasLimit"`
	VerificationGasLimit          *hexutil.Big    `json:"verificationGasLimit"`
	PreVerificationGas            *hexutil.Big    `json:"preVerificationGas"`
	MaxPriorityFeePerGas          *hexutil.Big    `json:"maxPriorityFeePerGas"`
	MaxFeePerGas                  *hexutil.Big    `json:"maxFeePerGas"`
	Paymaster                     *common.Address `json:"paymaster"`
	PaymasterVerificationGasLimit *hexutil.Big    `json:"paymasterVerificationGasLimit"`
	PaymasterPostOpGasLimit       *hexutil.Big    `json:"paymasterPostOpGasLimit"`
	PaymasterData                 hexutil.Bytes   `json:"paymasterData"`
	Signature                     hexutil.Bytes   `json:"signature"`
}

// MarshalJSON implements custom JSON marshaling for UserOperation
func (uo *UserOperation) MarshalJSON() ([]byte, error) {
	type Alias UserOperation
	aux := struct {
		Nonce                         string `json:"nonce"`
		CallGasLimit                  string `json:"callGasLimit"`
		VerificationGasLimit          string `json:"verificationGasLimit"`
		PreVerificationGas            string `json:"preVerificationGas"`
		MaxPriorityFeePerGas          string `json:"maxPriorityFeePerGas"`
		MaxFeePerGas                  string `json:"maxFeePerGas"`
		PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit"`
		PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit"`
		*Alias
	}{
		Alias:                         (*Alias)(uo),
		CallGasLimit:                  formatHexBig(uo.CallGasLimit),
		VerificationGasLimit:          formatHexBig(uo.VerificationGasLimit),
		PreVerificationGas:            formatHexBig(uo.PreVerificationGas),
		MaxPriorityFeePerGas:          formatHexBig(uo.MaxPriorityFeePerGas),
		MaxFeePerGas:                  formatHexBig(uo.MaxFeePerGas),
		PaymasterVerificationGasLimit: formatHexBig(uo.PaymasterVerificationGasLimit),
		PaymasterPostOpGasLimit:       formatHexBig(uo.PaymasterPostOpGasLimit),
	}

	// Nonce is always rendered as a full 32-byte word so key and sequence stay readable
	nonce := new(big.Int)
	if uo.Nonce != nil {
		nonce = (*big.Int)(uo.Nonce)
	}
	aux.Nonce = fmt.Sprintf("0x%064x", nonce)

	return json.Marshal(aux)
}

// UnmarshalJSON implements custom JSON unmarshaling for UserOperation
func (uo *UserOperation) UnmarshalJSON(data []byte) error {
	type Alias UserOperation
	aux := struct {
		Nonce                         string `json:"nonce"`
		CallGasLimit                  string `json:"callGasLimit"`
		VerificationGasLimit          string `json:"verificationGasLimit"`
		PreVerificationGas            string `json:"preVerificationGas"`
		MaxPriorityFeePerGas          string `json:"maxPriorityFeePerGas"`
		MaxFeePerGas                  string `json:"maxFeePerGas"`
		PaymasterVerificationGasLimit string `json:"paymasterVerificationGasLimit"`
		PaymasterPostOpGasLimit       string `json:"paymasterPostOpGasLimit"`
		*Alias
	}{
		Alias: (*Alias)(uo),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return &CodecError{Field: "userOperation", Err: err}
	}

	fields := []struct {
		name string
		raw  string
		bits int
		dest **hexutil.Big
	}{
		{"nonce", aux.Nonce, 256, &uo.Nonce},
		{"callGasLimit", aux.CallGasLimit, 128, &uo.CallGasLimit},
		{"verificationGasLimit", aux.VerificationGasLimit, 128, &uo.VerificationGasLimit},
		{"preVerificationGas", aux.PreVerificationGas, 256, &uo.PreVerificationGas},
		{"maxPriorityFeePerGas", aux.MaxPriorityFeePerGas, 128, &uo.MaxPriorityFeePerGas},
		{"maxFeePerGas", aux.MaxFeePerGas, 128, &uo.MaxFeePerGas},
		{"paymasterVerificationGasLimit", aux.PaymasterVerificationGasLimit, 128, &uo.PaymasterVerificationGasLimit},
		{"paymasterPostOpGasLimit", aux.PaymasterPostOpGasLimit, 128, &uo.PaymasterPostOpGasLimit},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		v, err := parseHexBig(f.name, f.raw, f.bits)
		if err != nil {
			return err
		}
		*f.dest = (*hexutil.Big)(v)
	}

	return nil
}

// PackedUserOp represents the packed version of UserOperation for ERC-4337
type PackedUserOp struct {
	Sender             common.Address `json:"sender"`
	Nonce              *big.Int       `json:"nonce"`
	InitCode           hexutil.Bytes  `json:"initCode"`
	CallData           hexutil.Bytes  `json:"callData"`
	AccountGasLimits   hexutil.Bytes  `json:"accountGasLimits"`
	PreVerificationGas *big.Int       `json:"preVerificationGas"`
	GasFees            hexutil.Bytes  `json:"gasFees"`
	PaymasterAndData   hexutil.Bytes  `json:"paymasterAndData"`
	Signature          hexutil.Bytes  `json:"signature"`
}

// MarshalJSON implements custom JSON marshaling for PackedUserOp
func (puo *PackedUserOp) MarshalJSON() ([]byte, error) {
	type Alias PackedUserOp
	aux := struct {
		Nonce              string `json:"nonce"`
		PreVerificationGas string `json:"preVerificationGas"`
		*Alias
	}{
		Alias:              (*Alias)(puo),
		Nonce:              "0x0",
		PreVerificationGas: "0x0",
	}
	if puo.Nonce != nil {
		aux.Nonce = fmt.Sprintf("0x%x", puo.Nonce)
	}
	if puo.PreVerificationGas != nil {
		aux.PreVerificationGas = fmt.Sprintf("0x%x", puo.PreVerificationGas)
	}
	return json.Marshal(aux)
}

// UnmarshalJSON implements custom JSON unmarshaling for PackedUserOp
func (puo *PackedUserOp) UnmarshalJSON(data []byte) error {
	type Alias PackedUserOp
	aux := struct {
		Nonce              string `json:"nonce"`
		PreVerificationGas string `json:"preVerificationGas"`
		*Alias
	}{
		Alias: (*Alias)(puo),
	}

	if err := json.Unmarshal(data, &aux); err != nil {
		return &CodecError{Field: "packedUserOperation", Err: err}
	}

	nonce, err := parseHexBig("nonce", aux.Nonce, 256)
	if err != nil {
		return err
	}
	puo.Nonce = nonce

	pvg, err := parseHexBig("preVerificationGas", aux.PreVerificationGas, 256)
	if err != nil {
		return err
	}
	puo.PreVerificationGas = pvg

	return nil
}

// Pack converts the flat operation into its on-chain packed layout.
func (uo *UserOperation) Pack() (*PackedUserOp, error) {
	packed := &PackedUserOp{
		Sender:             uo.Sender,
		Nonce:              bigOrZero(uo.Nonce),
		CallData:           nonNilBytes(uo.CallData),
		PreVerificationGas: bigOrZero(uo.PreVerificationGas),
		Signature:          nonNilBytes(uo.Signature),
		InitCode:           hexutil.Bytes{},
		PaymasterAndData:   hexutil.Bytes{},
	}

	// initCode = factory || factoryData
	if uo.Factory != nil {
		initCode := make([]byte, 0, common.AddressLength+len(uo.FactoryData))
		initCode = append(initCode, uo.Factory.Bytes()...)
		initCode = append(initCode, uo.FactoryData...)
		packed.InitCode = initCode
	} else if len(uo.FactoryData) > 0 {
		return nil, newCodecError("factoryData", "factoryData set without factory")
	}

	var err error
	if packed.AccountGasLimits, err = packUint128Pair("accountGasLimits", uo.VerificationGasLimit, uo.CallGasLimit); err != nil {
		return nil, err
	}
	if packed.GasFees, err = packUint128Pair("gasFees", uo.MaxPriorityFeePerGas, uo.MaxFeePerGas); err != nil {
		return nil, err
	}

	// paymasterAndData = paymaster || verificationGasLimit || postOpGasLimit || paymasterData
	if uo.Paymaster != nil {
		limits, err := packUint128Pair("paymasterAndData", uo.PaymasterVerificationGasLimit, uo.PaymasterPostOpGasLimit)
		if err != nil {
			return nil, err
		}
		paymasterAndData := make([]byte, 0, paymasterFieldsLength+len(uo.PaymasterData))
		paymasterAndData = append(paymasterAndData, uo.Paymaster.Bytes()...)
		paymasterAndData = append(paymasterAndData, limits...)
		paymasterAndData = append(paymasterAndData, uo.PaymasterData...)
		packed.PaymasterAndData = paymasterAndData
	} else if len(uo.PaymasterData) > 0 {
		return nil, newCodecError("paymasterData", "paymasterData set without paymaster")
	}

	return packed, nil
}

// Unpack is the inverse of Pack.
func Unpack(p *PackedUserOp) (*UserOperation, error) {
	if p == nil {
		return nil, newCodecError("packedUserOperation", "nil operation")
	}
	if len(p.AccountGasLimits) != 32 {
		return nil, newCodecError("accountGasLimits", "expected 32 bytes, got %d", len(p.AccountGasLimits))
	}
	if len(p.GasFees) != 32 {
		return nil, newCodecError("gasFees", "expected 32 bytes, got %d", len(p.GasFees))
	}

	uo := &UserOperation{
		Sender:               p.Sender,
		Nonce:                (*hexutil.Big)(new(big.Int).Set(bigOrZeroInt(p.Nonce))),
		CallData:             append(hexutil.Bytes{}, p.CallData...),
		VerificationGasLimit: (*hexutil.Big)(new(big.Int).SetBytes(p.AccountGasLimits[:packedGasWidth])),
		CallGasLimit:         (*hexutil.Big)(new(big.Int).SetBytes(p.AccountGasLimits[packedGasWidth:])),
		PreVerificationGas:   (*hexutil.Big)(new(big.Int).Set(bigOrZeroInt(p.PreVerificationGas))),
		MaxPriorityFeePerGas: (*hexutil.Big)(new(big.Int).SetBytes(p.GasFees[:packedGasWidth])),
		MaxFeePerGas:         (*hexutil.Big)(new(big.Int).SetBytes(p.GasFees[packedGasWidth:])),
		Signature:            append(hexutil.Bytes{}, p.Signature...),
	}

	switch n := len(p.InitCode); {
	case n == 0:
	case n < common.AddressLength:
		return nil, newCodecError("initCode", "expected at least %d bytes, got %d", common.AddressLength, n)
	default:
		factory := common.BytesToAddress(p.InitCode[:common.AddressLength])
		uo.Factory = &factory
		uo.FactoryData = append(hexutil.Bytes{}, p.InitCode[common.AddressLength:]...)
	}

	switch n := len(p.PaymasterAndData); {
	case n == 0:
	case n < paymasterFieldsLength:
		return nil, newCodecError("paymasterAndData", "expected at least %d bytes, got %d", paymasterFieldsLength, n)
	default:
		pmd := p.PaymasterAndData
		paymaster := common.BytesToAddress(pmd[:common.AddressLength])
		uo.Paymaster = &paymaster
		uo.PaymasterVerificationGasLimit = (*hexutil.Big)(new(big.Int).SetBytes(pmd[20:36]))
		uo.PaymasterPostOpGasLimit = (*hexutil.Big)(new(big.Int).SetBytes(pmd[36:52]))
		uo.PaymasterData = append(hexutil.Bytes{}, pmd[paymasterFieldsLength:]...)
	}

	return uo, nil
}

// ToWireFormat renders a packed operation as the JSON-RPC user operation object.
func ToWireFormat(p *PackedUserOp) ([]byte, error) {
	uo, err := Unpack(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(uo)
}

// FromWireFormat parses a JSON-RPC user operation object into its packed form.
func FromWireFormat(data []byte) (*PackedUserOp, error) {
	var uo UserOperation
	if err := json.Unmarshal(data, &uo); err != nil {
		if ce, ok := err.(*CodecError); ok {
			return nil, ce
		}
		return nil, &CodecError{Field: "userOperation", Err: err}
	}
	return uo.Pack()
}

// Equal reports whether both packed operations carry identical field values.
func (puo *PackedUserOp) Equal(other *PackedUserOp) bool {
	if puo == nil || other == nil {
		return puo == other
	}
	return puo.Sender == other.Sender &&
		bigOrZeroInt(puo.Nonce).Cmp(bigOrZeroInt(other.Nonce)) == 0 &&
		bytes.Equal(puo.InitCode, other.InitCode) &&
		bytes.Equal(puo.CallData, other.CallData) &&
		bytes.Equal(puo.AccountGasLimits, other.AccountGasLimits) &&
		bigOrZeroInt(puo.PreVerificationGas).Cmp(bigOrZeroInt(other.PreVerificationGas)) == 0 &&
		bytes.Equal(puo.GasFees, other.GasFees) &&
		bytes.Equal(puo.PaymasterAndData, other.PaymasterAndData) &&
		bytes.Equal(puo.Signature, other.Signature)
}

// VerificationGasLimit returns the high half of accountGasLimits.
func (puo *PackedUserOp) VerificationGasLimit() *big.Int {
	return upperHalf(puo.AccountGasLimits)
}

// CallGasLimit returns the low half of accountGasLimits.
func (puo *PackedUserOp) CallGasLimit() *big.Int {
	return lowerHalf(puo.AccountGasLimits)
}

func (puo *PackedUserOp) MaxPriorityFeePerGas() *big.Int {
	return upperHalf(puo.GasFees)
}

func (puo *PackedUserOp) MaxFeePerGas() *big.Int {
	return lowerHalf(puo.GasFees)
}

// Factory returns the deployment factory, or nil when the sender already exists.
func (puo *PackedUserOp) Factory() *common.Address {
	if len(puo.InitCode) < common.AddressLength {
		return nil
	}
	factory := common.BytesToAddress(puo.InitCode[:common.AddressLength])
	return &factory
}

func (puo *PackedUserOp) FactoryData() []byte {
	if len(puo.InitCode) < common.AddressLength {
		return nil
	}
	return puo.InitCode[common.AddressLength:]
}

// Paymaster returns the sponsoring paymaster, or nil when the sender pays.
func (puo *PackedUserOp) Paymaster() *common.Address {
	if len(puo.PaymasterAndData) < common.AddressLength {
		return nil
	}
	paymaster := common.BytesToAddress(puo.PaymasterAndData[:common.AddressLength])
	return &paymaster
}

func (puo *PackedUserOp) PaymasterVerificationGasLimit() *big.Int {
	if len(puo.PaymasterAndData) < paymasterFieldsLength {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(puo.PaymasterAndData[20:36])
}

func (puo *PackedUserOp) PaymasterPostOpGasLimit() *big.Int {
	if len(puo.PaymasterAndData) < paymasterFieldsLength {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(puo.PaymasterAndData[36:52])
}

// PaymasterData returns the paymaster-specific suffix of paymasterAndData.
func (puo *PackedUserOp) PaymasterData() []byte {
	if len(puo.PaymasterAndData) < paymasterFieldsLength {
		return nil
	}
	return puo.PaymasterAndData[paymasterFieldsLength:]
}

func packUint128Pair(field string, hi, lo *hexutil.Big) (hexutil.Bytes, error) {
	out := make([]byte, 2*packedGasWidth)
	for i, v := range []*hexutil.Big{hi, lo} {
		if v == nil {
			continue
		}
		b := (*big.Int)(v)
		if b.Sign() < 0 || b.BitLen() > 8*packedGasWidth {
			return nil, newCodecError(field, "value %s does not fit in uint128", b)
		}
		b.FillBytes(out[i*packedGasWidth : (i+1)*packedGasWidth])
	}
	return out, nil
}

func upperHalf(word []byte) *big.Int {
	if len(word) != 2*packedGasWidth {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(word[:packedGasWidth])
}

func lowerHalf(word []byte) *big.Int {
	if len(word) != 2*packedGasWidth {
		return new(big.Int)
	}
	return new(big.Int).SetBytes(word[packedGasWidth:])
}

// parseHexBig accepts 0x-prefixed hex with leading zeros, which hexutil.DecodeBig rejects.
// Anything but hex digits after the prefix, signs included, is an error. An
// empty string is an absent field and reads as zero.
func parseHexBig(field, hexStr string, bits int) (*big.Int, error) {
	if hexStr == "" {
		return new(big.Int), nil
	}
	if !has0xPrefix(hexStr) {
		return nil, newCodecError(field, "hex string without 0x prefix: %q", hexStr)
	}
	s := hexStr[2:]
	if s == "" {
		return new(big.Int), nil
	}
	if strings.IndexFunc(s, func(r rune) bool { return !isHexDigit(r) }) >= 0 {
		return nil, newCodecError(field, "invalid hex string: %q", hexStr)
	}
	result, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, newCodecError(field, "invalid hex string: %q", hexStr)
	}
	if result.BitLen() > bits {
		return nil, newCodecError(field, "value exceeds %d bits", bits)
	}
	return result, nil
}

func has0xPrefix(s string) bool {
	return len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X')
}

func isHexDigit(r rune) bool {
	return ('0' <= r && r <= '9') || ('a' <= r && r <= 'f') || ('A' <= r && r <= 'F')
}

func formatHexBig(v *hexutil.Big) string {
	if v == nil {
		return "0x0"
	}
	return fmt.Sprintf("0x%x", (*big.Int)(v))
}

func bigOrZero(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set((*big.Int)(v))
}

func bigOrZeroInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func nonNilBytes(b hexutil.Bytes) hexutil.Bytes {
	if b == nil {
		return hexutil.Bytes{}
	}
	return append(hexutil.Bytes{}, b...)
}
