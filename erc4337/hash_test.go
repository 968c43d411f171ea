package erc4337

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// referenceHash builds the hash word by word, independent of the abi package.
func referenceHash(p *PackedUserOp, entryPoint common.Address, chainId *big.Int) common.Hash {
	word := func(b []byte) []byte { return common.LeftPadBytes(b, 32) }

	var inner []byte
	inner = append(inner, word(p.Sender.Bytes())...)
	inner = append(inner, word(p.Nonce.Bytes())...)
	inner = append(inner, crypto.Keccak256(p.InitCode)...)
	inner = append(inner, crypto.Keccak256(p.CallData)...)
	inner = append(inner, p.AccountGasLimits...)
	inner = append(inner, word(p.PreVerificationGas.Bytes())...)
	inner = append(inner, p.GasFees...)
	inner = append(inner, crypto.Keccak256(p.PaymasterAndData)...)

	var outer []byte
	outer = append(outer, crypto.Keccak256(inner)...)
	outer = append(outer, word(entryPoint.Bytes())...)
	outer = append(outer, word(chainId.Bytes())...)
	return crypto.Keccak256Hash(outer)
}

func TestComputeUserOpHash(t *testing.T) {
	tests := []struct {
		name    string
		userOp  *UserOperation
		chainId *big.Int
	}{
		{
			name:    "complete user operation",
			userOp:  fullUserOp(),
			chainId: big.NewInt(11155111),
		},
		{
			name:    "minimal user operation",
			userOp:  minimalUserOp(),
			chainId: big.NewInt(1),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			packed, err := tt.userOp.Pack()
			require.NoError(t, err)

			hash, err := ComputeUserOpHash(packed, EntryPointV07, tt.chainId)
			require.NoError(t, err)
			assert.NotEqual(t, common.Hash{}, hash)
			assert.Equal(t, referenceHash(packed, EntryPointV07, tt.chainId), hash)

			viaUserOp, err := tt.userOp.GetUserOpHash(EntryPointV07, tt.chainId)
			require.NoError(t, err)
			assert.Equal(t, hash, viaUserOp)
		})
	}
}

func TestComputeUserOpHash_BindsEveryField(t *testing.T) {
	chainId := big.NewInt(11155111)
	base, err := fullUserOp().GetUserOpHash(EntryPointV07, chainId)
	require.NoError(t, err)

	mutations := map[string]func(uo *UserOperation){
		"sender":               func(uo *UserOperation) { uo.Sender = common.HexToAddress("0x01") },
		"nonce":                func(uo *UserOperation) { uo.Nonce = bigHex(124) },
		"factoryData":          func(uo *UserOperation) { uo.FactoryData = hexutil.MustDecode("0x1235") },
		"callData":             func(uo *UserOperation) { uo.CallData = hexutil.MustDecode("0x5679") },
		"callGasLimit":         func(uo *UserOperation) { uo.CallGasLimit = bigHex(1000001) },
		"verificationGasLimit": func(uo *UserOperation) { uo.VerificationGasLimit = bigHex(2000001) },
		"preVerificationGas":   func(uo *UserOperation) { uo.PreVerificationGas = bigHex(3000001) },
		"maxFeePerGas":         func(uo *UserOperation) { uo.MaxFeePerGas = bigHex(2000000001) },
		"maxPriorityFeePerGas": func(uo *UserOperation) { uo.MaxPriorityFeePerGas = bigHex(1000000001) },
		"paymasterData":        func(uo *UserOperation) { uo.PaymasterData = hexutil.MustDecode("0x9abd") },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			uo := fullUserOp()
			mutate(uo)
			hash, err := uo.GetUserOpHash(EntryPointV07, chainId)
			require.NoError(t, err)
			assert.NotEqual(t, base, hash)
		})
	}

	t.Run("signature is not hashed", func(t *testing.T) {
		uo := fullUserOp()
		uo.Signature = hexutil.MustDecode("0xffff")
		hash, err := uo.GetUserOpHash(EntryPointV07, chainId)
		require.NoError(t, err)
		assert.Equal(t, base, hash)
	})

	t.Run("entry point and chain are bound", func(t *testing.T) {
		other, err := fullUserOp().GetUserOpHash(common.HexToAddress("0x01"), chainId)
		require.NoError(t, err)
		assert.NotEqual(t, base, other)

		other, err = fullUserOp().GetUserOpHash(EntryPointV07, big.NewInt(1))
		require.NoError(t, err)
		assert.NotEqual(t, base, other)
	})
}

func TestComputeUserOpHash_Errors(t *testing.T) {
	packed, err := fullUserOp().Pack()
	require.NoError(t, err)

	_, err = ComputeUserOpHash(packed, EntryPointV07, nil)
	assert.Error(t, err)

	bad := *packed
	bad.GasFees = bad.GasFees[:10]
	_, err = ComputeUserOpHash(&bad, EntryPointV07, big.NewInt(1))
	assert.ErrorContains(t, err, "gasFees")
}

func TestSignAndRecover(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	owner := crypto.PubkeyToAddress(key.PublicKey)

	hash, err := fullUserOp().GetUserOpHash(EntryPointV07, big.NewInt(11155111))
	require.NoError(t, err)

	sig, err := SignUserOpHash(hash, key)
	require.NoError(t, err)
	require.Len(t, sig, 65)
	assert.Contains(t, []byte{27, 28}, sig[64])

	recovered, err := RecoverSigner(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, owner, recovered)

	// 0/1 recovery ids are accepted too
	raw := append([]byte{}, sig...)
	raw[64] -= 27
	recovered, err = RecoverSigner(hash, raw)
	require.NoError(t, err)
	assert.Equal(t, owner, recovered)

	other, err := RecoverSigner(common.HexToHash("0x01"), sig)
	if err == nil {
		assert.NotEqual(t, owner, other)
	}

	_, err = RecoverSigner(hash, sig[:64])
	assert.Error(t, err)
}

func TestSplitJoinNonce(t *testing.T) {
	tests := []struct {
		name string
		key  *big.Int
		seq  uint64
	}{
		{"zero", big.NewInt(0), 0},
		{"key only", big.NewInt(1), 0},
		{"sequence only", big.NewInt(0), 42},
		{"max sequence", big.NewInt(5), ^uint64(0)},
		{"wide key", new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 192), big.NewInt(1)), 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nonce := JoinNonce(tt.key, tt.seq)
			key, seq := SplitNonce(nonce)
			assert.Equal(t, 0, tt.key.Cmp(key))
			assert.Equal(t, tt.seq, seq)
		})
	}

	key, seq := SplitNonce(nil)
	assert.Equal(t, int64(0), key.Int64())
	assert.Equal(t, uint64(0), seq)
}
