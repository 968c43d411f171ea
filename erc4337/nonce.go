package erc4337

import (
	"math/big"
)

const nonceSequenceBits = 64

var maxNonceKey = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 192), big.NewInt(1))

// SplitNonce separates a 256-bit nonce into its 192-bit key and 64-bit sequence.
func SplitNonce(nonce *big.Int) (key *big.Int, sequence uint64) {
	if nonce == nil {
		return new(big.Int), 0
	}
	key = new(big.Int).Rsh(nonce, nonceSequenceBits)
	sequence = new(big.Int).And(nonce, new(big.Int).SetUint64(^uint64(0))).Uint64()
	return key, sequence
}

// JoinNonce builds key || sequence. Keys wider than 192 bits are truncated.
func JoinNonce(key *big.Int, sequence uint64) *big.Int {
	nonce := new(big.Int)
	if key != nil {
		nonce.And(key, maxNonceKey)
		nonce.Lsh(nonce, nonceSequenceBits)
	}
	return nonce.Or(nonce, new(big.Int).SetUint64(sequence))
}
