package domain

import (
	"math/big"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// GasEstimate holds the limits a caller should set on an operation.
type GasEstimate struct {
	PreVerificationGas            uint64
	VerificationGasLimit          uint64
	CallGasLimit                  uint64
	PaymasterVerificationGasLimit uint64
	PaymasterPostOpGasLimit       uint64
}

func (g *GasEstimate) ToRPC(withPaymaster bool) *erc4337.GasEstimates {
	out := &erc4337.GasEstimates{
		PreVerificationGas:   toHexBig(g.PreVerificationGas),
		VerificationGasLimit: toHexBig(g.VerificationGasLimit),
		CallGasLimit:         toHexBig(g.CallGasLimit),
	}
	if withPaymaster {
		out.PaymasterVerificationGasLimit = toHexBig(g.PaymasterVerificationGasLimit)
		out.PaymasterPostOpGasLimit = toHexBig(g.PaymasterPostOpGasLimit)
	}
	return out
}

func toHexBig(v uint64) *hexutil.Big {
	return (*hexutil.Big)(new(big.Int).SetUint64(v))
}
