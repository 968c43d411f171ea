package service

import (
	"context"
	"math/big"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

// PoolView is the read-only mempool access the validator needs.
type PoolView interface {
	Has(hash common.Hash) bool
}

// ValidationResult carries what admission needs from a passed validation.
type ValidationResult struct {
	NonceKey        *big.Int
	NonceSequence   uint64
	RequiredPrefund *big.Int
	PaymasterWindow *erc4337.ValidityWindow
}

// Validator checks user operations against on-chain state. It holds no
// mutable state and is safe for concurrent use.
type Validator struct {
	chain ChainReader
	pool  PoolView

	// windowPaymasters are the paymasters whose paymasterData starts with a
	// validity window. nil checks every paymaster's data for one.
	windowPaymasters map[common.Address]struct{}
}

func NewValidator(chain ChainReader, pool PoolView) *Validator {
	return &Validator{chain: chain, pool: pool}
}

// WithWindowPaymasters limits the paymaster validity window rule to the given
// paymasters. An empty list applies it to any paymasterData that decodes as
// abi.encode(uint48 validUntil, uint48 validAfter).
func (v *Validator) WithWindowPaymasters(paymasters []common.Address) *Validator {
	if len(paymasters) == 0 {
		v.windowPaymasters = nil
		return v
	}
	v.windowPaymasters = lo.SliceToMap(paymasters, func(pm common.Address) (common.Address, struct{}) {
		return pm, struct{}{}
	})
	return v
}

func (v *Validator) encodesWindow(paymaster common.Address) bool {
	if v.windowPaymasters == nil {
		return true
	}
	_, ok := v.windowPaymasters[paymaster]
	return ok
}

// logger wraps the execution context with component info
func (v *Validator) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "validator").Logger()
	return &l
}

// RequiredPrefund is the most the EntryPoint can charge for op.
func RequiredPrefund(op *erc4337.PackedUserOp) *big.Int {
	gas := new(big.Int).Add(op.VerificationGasLimit(), op.CallGasLimit())
	if op.PreVerificationGas != nil {
		gas.Add(gas, op.PreVerificationGas)
	}
	gas.Add(gas, op.PaymasterVerificationGasLimit())
	gas.Add(gas, op.PaymasterPostOpGasLimit())
	return gas.Mul(gas, op.MaxFeePerGas())
}

// chainSnapshot is the on-chain context one validation reads.
type chainSnapshot struct {
	senderCode       []byte
	factoryCode      []byte
	nonceSequence    uint64
	balance          *big.Int
	senderDeposit    *big.Int
	paymasterDeposit *big.Int
	timestamp        uint64
}

func (v *Validator) load(ctx context.Context, op *erc4337.PackedUserOp, entryPoint common.Address, nonceKey *big.Int, needTimestamp bool) (*chainSnapshot, error) {
	snap := &chainSnapshot{}
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() (err error) {
		snap.senderCode, err = v.chain.GetCode(gctx, op.Sender)
		return err
	})
	if factory := op.Factory(); factory != nil {
		g.Go(func() (err error) {
			snap.factoryCode, err = v.chain.GetCode(gctx, *factory)
			return err
		})
	}
	g.Go(func() (err error) {
		snap.nonceSequence, err = v.chain.GetNonceSequence(gctx, entryPoint, op.Sender, nonceKey)
		return err
	})
	if paymaster := op.Paymaster(); paymaster != nil {
		g.Go(func() (err error) {
			snap.paymasterDeposit, err = v.chain.GetDeposit(gctx, entryPoint, *paymaster)
			return err
		})
	} else {
		g.Go(func() (err error) {
			snap.balance, err = v.chain.GetBalance(gctx, op.Sender)
			return err
		})
		g.Go(func() (err error) {
			snap.senderDeposit, err = v.chain.GetDeposit(gctx, entryPoint, op.Sender)
			return err
		})
	}
	if needTimestamp {
		g.Go(func() (err error) {
			snap.timestamp, err = v.chain.LatestTimestamp(gctx)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return snap, nil
}

// Validate applies the admission rules in order and returns the first failure
// as a *domain.ValidationError. Chain read failures are returned unchanged.
func (v *Validator) Validate(ctx context.Context, op *erc4337.PackedUserOp, entryPoint common.Address, userOpHash common.Hash) (*ValidationResult, error) {
	nonceKey, nonceSeq := erc4337.SplitNonce(op.Nonce)

	var window *erc4337.ValidityWindow
	var paymasterSig []byte
	if pm := op.Paymaster(); pm != nil && v.encodesWindow(*pm) {
		if w, sig, ok := erc4337.ParsePaymasterWindow(op.PaymasterData()); ok {
			window, paymasterSig = &w, sig
		}
	}

	snap, err := v.load(ctx, op, entryPoint, nonceKey, window != nil)
	if err != nil {
		v.logger(ctx).Error().Err(err).
			Str("sender", op.Sender.Hex()).
			Msg("failed to read chain state for validation")
		return nil, err
	}

	result := &ValidationResult{
		NonceKey:        nonceKey,
		NonceSequence:   nonceSeq,
		RequiredPrefund: RequiredPrefund(op),
		PaymasterWindow: window,
	}

	rules := []func() *domain.ValidationError{
		func() *domain.ValidationError { return checkSender(op, snap) },
		func() *domain.ValidationError { return checkNonce(nonceKey, nonceSeq, snap) },
		func() *domain.ValidationError { return checkPrefund(op, result.RequiredPrefund, snap) },
		func() *domain.ValidationError { return checkGasFloors(op) },
		func() *domain.ValidationError { return checkPaymasterWindow(window, paymasterSig, snap.timestamp) },
		func() *domain.ValidationError { return v.checkDuplicate(userOpHash) },
	}
	for _, rule := range rules {
		if verr := rule(); verr != nil {
			v.logger(ctx).Debug().
				Str("user_op_hash", userOpHash.Hex()).
				Str("sender", op.Sender.Hex()).
				Str("code", verr.Code).
				Str("reason", verr.Reason).
				Msg("user operation rejected")
			return nil, verr
		}
	}
	return result, nil
}

func checkSender(op *erc4337.PackedUserOp, snap *chainSnapshot) *domain.ValidationError {
	hasInitCode := len(op.InitCode) > 0
	deployed := len(snap.senderCode) > 0
	switch {
	case hasInitCode && deployed:
		return domain.NewValidationError(domain.CodeSenderAlreadyConstructed, "sender already constructed")
	case !hasInitCode && !deployed:
		return domain.NewValidationError(domain.CodeSenderNotDeployed, "account not deployed: sender %s has no code and no initCode", op.Sender.Hex())
	case hasInitCode && len(snap.factoryCode) == 0:
		return domain.NewValidationError(domain.CodeInitCodeFailed, "initCode failed or OOG: factory %s has no code", op.Factory().Hex())
	}
	return nil
}

func checkNonce(key *big.Int, seq uint64, snap *chainSnapshot) *domain.ValidationError {
	if seq != snap.nonceSequence {
		return domain.NewValidationError(domain.CodeInvalidNonce, "invalid account nonce: key %s expects sequence %d, got %d", key.String(), snap.nonceSequence, seq)
	}
	return nil
}

func checkPrefund(op *erc4337.PackedUserOp, required *big.Int, snap *chainSnapshot) *domain.ValidationError {
	if paymaster := op.Paymaster(); paymaster != nil {
		if snap.paymasterDeposit.Cmp(required) < 0 {
			return domain.NewValidationError(domain.CodePaymasterDepositTooLow,
				"paymaster deposit too low: %s requires %s ETH, deposit is %s ETH",
				paymaster.Hex(), domain.WeiToEther(required), domain.WeiToEther(snap.paymasterDeposit))
		}
		return nil
	}

	available := new(big.Int).Add(snap.balance, snap.senderDeposit)
	if available.Cmp(required) < 0 {
		return domain.NewValidationError(domain.CodeInsufficientPrefund,
			"didn't pay prefund: requires %s ETH, sender has %s ETH",
			domain.WeiToEther(required), domain.WeiToEther(available))
	}
	return nil
}

func checkGasFloors(op *erc4337.PackedUserOp) *domain.ValidationError {
	if floor := VerificationGasFloor(op); op.VerificationGasLimit().Cmp(new(big.Int).SetUint64(floor)) < 0 {
		return domain.NewValidationError(domain.CodeVerificationGasTooLow,
			"verificationGasLimit %s below minimum %d", op.VerificationGasLimit(), floor)
	}
	if op.CallGasLimit().Cmp(new(big.Int).SetUint64(MinCallGas)) < 0 {
		return domain.NewValidationError(domain.CodeCallGasTooLow,
			"callGasLimit %s below minimum %d", op.CallGasLimit(), MinCallGas)
	}
	if pvg := CalcPreVerificationGas(op); op.PreVerificationGas == nil || op.PreVerificationGas.Cmp(new(big.Int).SetUint64(pvg)) < 0 {
		return domain.NewValidationError(domain.CodePreVerificationGasTooLow,
			"preVerificationGas %v below expected %d", op.PreVerificationGas, pvg)
	}
	if op.MaxFeePerGas().Cmp(op.MaxPriorityFeePerGas()) < 0 {
		return domain.NewValidationError(domain.CodeInvalidFields,
			"maxFeePerGas %s below maxPriorityFeePerGas %s", op.MaxFeePerGas(), op.MaxPriorityFeePerGas())
	}
	return nil
}

func checkPaymasterWindow(window *erc4337.ValidityWindow, signature []byte, timestamp uint64) *domain.ValidationError {
	if window == nil {
		return nil
	}
	if window.Expired(timestamp) {
		return domain.NewValidationError(domain.CodePaymasterExpired,
			"paymaster expired or not due: validUntil %d, block time %d", window.ValidUntil, timestamp).
			WithRule(domain.RulePaymasterExpired)
	}
	if window.NotYetValid(timestamp) {
		return domain.NewValidationError(domain.CodePaymasterExpired,
			"paymaster expired or not due: validAfter %d, block time %d", window.ValidAfter, timestamp).
			WithRule(domain.RulePaymasterNotYetValid)
	}
	if len(signature) != 64 && len(signature) != 65 {
		return domain.NewValidationError(domain.CodePaymasterSignature,
			"invalid paymaster signature length %d", len(signature))
	}
	return nil
}

func (v *Validator) checkDuplicate(userOpHash common.Hash) *domain.ValidationError {
	if v.pool != nil && v.pool.Has(userOpHash) {
		return domain.NewValidationError(domain.CodeDuplicateUserOp, "user operation %s already known", userOpHash.Hex())
	}
	return nil
}
