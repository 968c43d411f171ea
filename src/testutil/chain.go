package testutil

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/tracing"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/core/vm/runtime"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
)

var (
	// AccountCode is a minimal account: calldata starting with 0xff reverts
	// with 0xdeadbeef, anything else stores calldata word 0 in slot 0.
	AccountCode = common.FromHex("0x60003560f81c60ff1460135760003560005500" + "5b63deadbeef60e01b60005260046000fd")

	// accountConstructor returns the code appended to it.
	accountConstructor = common.FromHex("0x602480600b6000396000f3")

	// FactoryCode deploys calldata[32:] with CREATE2 using calldata word 0 as salt.
	FactoryCode = common.FromHex("0x602036038060206000376000359060006000f500")

	// RevertingCallData makes AccountCode revert.
	RevertingCallData = common.FromHex("0xff")
)

// AccountInitCode is the creation code of AccountCode.
func AccountInitCode() []byte {
	return append(append([]byte{}, accountConstructor...), AccountCode...)
}

// FactoryData is the factory calldata deploying an account with salt.
func FactoryData(salt common.Hash) []byte {
	return append(salt.Bytes(), AccountInitCode()...)
}

// CounterfactualAddress is where FactoryCode at factory deploys an account for salt.
func CounterfactualAddress(factory common.Address, salt common.Hash) common.Address {
	return crypto.CreateAddress2(factory, salt, crypto.Keccak256(AccountInitCode()))
}

const (
	txIntrinsicGas uint64 = 21_000
	fakeGasCap     uint64 = 30_000_000
)

type nonceKey struct {
	sender common.Address
	key    string
}

// FakeChain is an in-memory chain backed by a go-ethereum StateDB. Plain calls
// run in the EVM; handleOps transactions are executed by an EntryPoint
// emulation that validates, deploys, runs callData and emits the EntryPoint
// events.
type FakeChain struct {
	mu sync.Mutex

	chainID     *big.Int
	state       *state.StateDB
	nonces      map[nonceKey]uint64
	deposits    map[common.Address]*big.Int
	timestamp   uint64
	blockNumber uint64
	baseFee     *big.Int
	tip         *big.Int

	txNonces map[common.Address]uint64
	receipts map[common.Hash]*types.Receipt
	sent     []*types.Transaction

	sendErr      error
	readErr      error
	neverMine    bool
	injectedFail map[common.Address]string
}

func NewFakeChain(chainID int64) *FakeChain {
	statedb, err := state.New(types.EmptyRootHash, state.NewDatabaseForTesting())
	if err != nil {
		panic(fmt.Sprintf("failed to create state: %v", err))
	}
	return &FakeChain{
		chainID:      big.NewInt(chainID),
		state:        statedb,
		nonces:       make(map[nonceKey]uint64),
		deposits:     make(map[common.Address]*big.Int),
		timestamp:    uint64(time.Now().Unix()),
		blockNumber:  1,
		baseFee:      big.NewInt(params.GWei),
		tip:          big.NewInt(params.GWei),
		txNonces:     make(map[common.Address]uint64),
		receipts:     make(map[common.Hash]*types.Receipt),
		injectedFail: make(map[common.Address]string),
	}
}

// Setup helpers

func (f *FakeChain) SetCode(addr common.Address, code []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.SetCode(addr, code)
	f.state.Finalise(false)
}

func (f *FakeChain) SetBalance(addr common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.SetBalance(addr, uint256.MustFromBig(wei), tracing.BalanceChangeUnspecified)
	f.state.Finalise(false)
}

func (f *FakeChain) SetDeposit(addr common.Address, wei *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deposits[addr] = new(big.Int).Set(wei)
}

func (f *FakeChain) SetNonceSequence(sender common.Address, key *big.Int, seq uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonces[nonceKey{sender, key.String()}] = seq
}

func (f *FakeChain) SetStorage(addr common.Address, slot, value common.Hash) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state.SetState(addr, slot, value)
	f.state.Finalise(false)
}

func (f *FakeChain) SetTimestamp(ts uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.timestamp = ts
}

// SetSendError makes SendTransaction fail with err until cleared with nil.
func (f *FakeChain) SetSendError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendErr = err
}

// SetReadError makes every chain read fail with err until cleared with nil.
func (f *FakeChain) SetReadError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readErr = err
}

// SetNeverMine keeps sent transactions without a receipt.
func (f *FakeChain) SetNeverMine(never bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.neverMine = never
}

// FailValidation makes the emulated EntryPoint reject sender's ops with reason,
// reverting the whole bundle the way an on-chain FailedOp does.
func (f *FakeChain) FailValidation(sender common.Address, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reason == "" {
		delete(f.injectedFail, sender)
		return
	}
	f.injectedFail[sender] = reason
}

// Inspection helpers

func (f *FakeChain) Code(addr common.Address) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.GetCode(addr)
}

func (f *FakeChain) Storage(addr common.Address, slot common.Hash) common.Hash {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.GetState(addr, slot)
}

func (f *FakeChain) Deposit(addr common.Address) *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.depositOf(f.deposits, addr)
}

// SentTransactions returns every transaction accepted by SendTransaction.
func (f *FakeChain) SentTransactions() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*types.Transaction(nil), f.sent...)
}

// ChainReader

func (f *FakeChain) ChainID(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.chainID), nil
}

func (f *FakeChain) GetCode(_ context.Context, addr common.Address) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.state.GetCode(addr), nil
}

func (f *FakeChain) GetNonceSequence(_ context.Context, _, sender common.Address, key *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.nonces[nonceKey{sender, key.String()}], nil
}

func (f *FakeChain) GetBalance(_ context.Context, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.state.GetBalance(addr).ToBig(), nil
}

func (f *FakeChain) GetDeposit(_ context.Context, _, addr common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.depositOf(f.deposits, addr), nil
}

func (f *FakeChain) LatestTimestamp(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.timestamp, nil
}

// EstimateCall runs msg on a copy of the state and adds the transaction intrinsic cost.
func (f *FakeChain) EstimateCall(_ context.Context, msg ethereum.CallMsg) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, &domain.InfraError{Op: "estimate call", Err: f.readErr}
	}
	_, used, err := f.call(f.state.Copy(), msg.From, *msg.To, msg.Data, fakeGasCap)
	if err != nil {
		return 0, err
	}
	return used + txIntrinsicGas + calldataGas(msg.Data), nil
}

// SimulateCall runs msg on a copy of the state. handleOps calls go through
// the EntryPoint emulation and revert with FailedOp like the real contract.
func (f *FakeChain) SimulateCall(_ context.Context, msg ethereum.CallMsg) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, &domain.InfraError{Op: "simulate call", Err: f.readErr}
	}
	if ops, beneficiary, err := erc4337.DecodeHandleOps(msg.Data); err == nil {
		_, revert := f.snapshot().handleOps(*msg.To, ops, beneficiary)
		if revert != nil {
			return nil, &domain.SimulationRevert{Reason: erc4337.DecodeRevertReason(revert), Data: revert}
		}
		return nil, nil
	}
	ret, _, err := f.call(f.state.Copy(), msg.From, *msg.To, msg.Data, fakeGasCap)
	return ret, err
}

// StateSource

func (f *FakeChain) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return &types.Header{
		Number:  new(big.Int).SetUint64(f.blockNumber),
		Time:    f.timestamp,
		BaseFee: new(big.Int).Set(f.baseFee),
	}, nil
}

func (f *FakeChain) BalanceAt(ctx context.Context, addr common.Address, _ *big.Int) (*big.Int, error) {
	return f.GetBalance(ctx, addr)
}

func (f *FakeChain) CodeAt(ctx context.Context, addr common.Address, _ *big.Int) ([]byte, error) {
	return f.GetCode(ctx, addr)
}

func (f *FakeChain) StorageAt(_ context.Context, addr common.Address, slot common.Hash, _ *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	value := f.state.GetState(addr, slot)
	return value.Bytes(), nil
}

// ChainWriter

func (f *FakeChain) PendingNonceAt(_ context.Context, addr common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.txNonces[addr], nil
}

func (f *FakeChain) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.tip), nil
}

func (f *FakeChain) BaseFee(context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.baseFee), nil
}

// SendTransaction mines tx immediately unless SetNeverMine is on.
func (f *FakeChain) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}

	signer := types.LatestSignerForChainID(f.chainID)
	from, err := types.Sender(signer, tx)
	if err != nil {
		return fmt.Errorf("invalid transaction signature: %w", err)
	}
	if f.known(tx.Hash()) {
		if _, mined := f.receipts[tx.Hash()]; !mined {
			return errors.New("already known")
		}
	}
	if tx.Nonce() != f.txNonces[from] {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), f.txNonces[from])
	}
	f.txNonces[from]++
	f.sent = append(f.sent, tx)

	if f.neverMine {
		return nil
	}
	f.mine(tx)
	return nil
}

func (f *FakeChain) WaitForReceipt(ctx context.Context, txHash common.Hash, timeout, _ time.Duration) (*types.Receipt, error) {
	f.mu.Lock()
	receipt, ok := f.receipts[txHash]
	f.mu.Unlock()
	if ok {
		return receipt, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, &domain.InfraError{Op: "wait for receipt " + txHash.Hex(), Err: ctx.Err()}
	case <-timer.C:
		return nil, &domain.InfraError{Op: "wait for receipt " + txHash.Hex(), Err: errors.New("polling timed out"), Timeout: true}
	}
}

// NonceAt counts mined transactions only. Like the other state reads it
// ignores blockNumber and answers from the latest state.
func (f *FakeChain) NonceAt(_ context.Context, addr common.Address, _ *big.Int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return 0, f.readErr
	}
	return f.state.GetNonce(addr), nil
}

func (f *FakeChain) TransactionReceipt(_ context.Context, txHash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.readErr != nil {
		return nil, f.readErr
	}
	return f.receipts[txHash], nil
}

// Replace drops the unmined transactions sharing tx's sender and nonce and
// mines tx in their place, the way a fee-bumped replacement lands.
func (f *FakeChain) Replace(tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return fmt.Errorf("invalid transaction signature: %w", err)
	}
	if mined := f.state.GetNonce(from); tx.Nonce() < mined {
		return fmt.Errorf("nonce too low: have %d, want %d", tx.Nonce(), mined)
	}
	kept := f.sent[:0]
	for _, sent := range f.sent {
		sentFrom, _ := types.Sender(types.LatestSignerForChainID(f.chainID), sent)
		if _, mined := f.receipts[sent.Hash()]; !mined && sentFrom == from && sent.Nonce() == tx.Nonce() {
			continue
		}
		kept = append(kept, sent)
	}
	f.sent = append(kept, tx)
	if f.txNonces[from] <= tx.Nonce() {
		f.txNonces[from] = tx.Nonce() + 1
	}
	f.mine(tx)
	return nil
}

func (f *FakeChain) known(txHash common.Hash) bool {
	for _, tx := range f.sent {
		if tx.Hash() == txHash {
			return true
		}
	}
	return false
}

// MineAll mines every sent transaction that has no receipt yet.
func (f *FakeChain) MineAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if _, ok := f.receipts[tx.Hash()]; !ok {
			f.mine(tx)
		}
	}
}

func (f *FakeChain) mine(tx *types.Transaction) {
	f.blockNumber++
	f.timestamp += 12
	receipt := &types.Receipt{
		Type:              tx.Type(),
		TxHash:            tx.Hash(),
		BlockNumber:       new(big.Int).SetUint64(f.blockNumber),
		BlockHash:         common.BigToHash(new(big.Int).SetUint64(f.blockNumber)),
		EffectiveGasPrice: f.effectiveGasPrice(tx.GasTipCap(), tx.GasFeeCap()),
		GasUsed:           txIntrinsicGas + calldataGas(tx.Data()),
		Status:            types.ReceiptStatusFailed,
	}

	ops, beneficiary, err := erc4337.DecodeHandleOps(tx.Data())
	if err == nil && tx.To() != nil {
		// handleOps commits its state changes only when no op fails validation
		work := f.snapshot()
		logs, revert := work.handleOps(*tx.To(), ops, beneficiary)
		if revert == nil {
			f.state, f.nonces, f.deposits = work.state, work.nonces, work.deposits
			receipt.Status = types.ReceiptStatusSuccessful
			for i, l := range logs {
				l.BlockNumber = f.blockNumber
				l.BlockHash = receipt.BlockHash
				l.TxHash = tx.Hash()
				l.Index = uint(i)
			}
			receipt.Logs = logs
		}
	} else if tx.To() != nil {
		from, _ := types.Sender(types.LatestSignerForChainID(f.chainID), tx)
		if _, used, err := f.call(f.state, from, *tx.To(), tx.Data(), tx.Gas()); err == nil {
			receipt.Status = types.ReceiptStatusSuccessful
			receipt.GasUsed += used
		}
	}
	receipt.CumulativeGasUsed = receipt.GasUsed
	if receipt.Logs == nil {
		receipt.Logs = []*types.Log{}
	}
	if from, err := types.Sender(types.LatestSignerForChainID(f.chainID), tx); err == nil && f.state.GetNonce(from) <= tx.Nonce() {
		f.state.SetNonce(from, tx.Nonce()+1, tracing.NonceChangeEoACall)
		f.state.Finalise(false)
	}
	f.receipts[tx.Hash()] = receipt
}

func (f *FakeChain) effectiveGasPrice(tipCap, feeCap *big.Int) *big.Int {
	price := new(big.Int).Add(f.baseFee, tipCap)
	if price.Cmp(feeCap) > 0 {
		return new(big.Int).Set(feeCap)
	}
	return price
}

// snapshot copies the mutable chain state for a tentative execution.
func (f *FakeChain) snapshot() *FakeChain {
	c := &FakeChain{
		chainID:      f.chainID,
		state:        f.state.Copy(),
		nonces:       make(map[nonceKey]uint64, len(f.nonces)),
		deposits:     make(map[common.Address]*big.Int, len(f.deposits)),
		timestamp:    f.timestamp,
		blockNumber:  f.blockNumber,
		baseFee:      f.baseFee,
		tip:          f.tip,
		injectedFail: f.injectedFail,
	}
	for k, v := range f.nonces {
		c.nonces[k] = v
	}
	for k, v := range f.deposits {
		c.deposits[k] = new(big.Int).Set(v)
	}
	return c
}

func (f *FakeChain) depositOf(deposits map[common.Address]*big.Int, addr common.Address) *big.Int {
	if d, ok := deposits[addr]; ok {
		return new(big.Int).Set(d)
	}
	return new(big.Int)
}

// call executes input at to and returns the output and gas used. Reverts are
// reported as *domain.SimulationRevert.
func (f *FakeChain) call(statedb *state.StateDB, from, to common.Address, input []byte, gas uint64) ([]byte, uint64, error) {
	cfg := &runtime.Config{
		ChainConfig: params.MergedTestChainConfig,
		Origin:      from,
		GasLimit:    gas,
		State:       statedb,
		BlockNumber: new(big.Int).SetUint64(f.blockNumber),
		Time:        f.timestamp,
	}
	ret, leftOver, err := runtime.Call(to, input, cfg)
	used := gas - leftOver
	if err != nil {
		if errors.Is(err, vm.ErrExecutionReverted) {
			return ret, used, &domain.SimulationRevert{Reason: erc4337.DecodeRevertReason(ret), Data: ret}
		}
		return ret, used, &domain.SimulationRevert{Reason: err.Error()}
	}
	statedb.Finalise(true)
	return ret, used, nil
}

// handleOps emulates EntryPoint v0.7 on the receiver's state. It returns the
// emitted logs, or FailedOp revert data when an op fails validation.
func (f *FakeChain) handleOps(entryPoint common.Address, ops []*erc4337.PackedUserOp, beneficiary common.Address) ([]*types.Log, []byte) {
	hashes := make([]common.Hash, len(ops))
	prefunds := make([]*big.Int, len(ops))
	validationGas := make([]uint64, len(ops))

	for i, op := range ops {
		hash, err := erc4337.ComputeUserOpHash(op, entryPoint, f.chainID)
		if err != nil {
			return nil, failedOp(i, "AA93 invalid paymasterAndData")
		}
		hashes[i] = hash

		gasUsed, prefund, reason := f.validateOp(entryPoint, op, hash)
		if reason != "" {
			return nil, failedOp(i, reason)
		}
		validationGas[i] = gasUsed
		prefunds[i] = prefund
	}

	var logs []*types.Log
	collected := new(big.Int)
	for i, op := range ops {
		gasPrice := f.effectiveGasPrice(op.MaxPriorityFeePerGas(), op.MaxFeePerGas())
		ret, used, err := f.call(f.state, entryPoint, op.Sender, op.CallData, op.CallGasLimit().Uint64())
		if err != nil {
			l, _ := erc4337.NewUserOperationRevertReasonLog(entryPoint, &erc4337.UserOperationRevertReason{
				UserOpHash:   hashes[i],
				Sender:       op.Sender,
				Nonce:        op.Nonce,
				RevertReason: ret,
			})
			logs = append(logs, l)
		}

		actualGas := new(big.Int).SetUint64(validationGas[i] + used)
		actualGas.Add(actualGas, op.PreVerificationGas)
		actualCost := new(big.Int).Mul(actualGas, gasPrice)
		if actualCost.Cmp(prefunds[i]) > 0 {
			actualCost.Set(prefunds[i])
		}

		payer := op.Sender
		if pm := op.Paymaster(); pm != nil {
			payer = *pm
		}
		f.deposits[payer] = new(big.Int).Add(f.depositOf(f.deposits, payer), new(big.Int).Sub(prefunds[i], actualCost))
		collected.Add(collected, actualCost)

		var paymaster common.Address
		if pm := op.Paymaster(); pm != nil {
			paymaster = *pm
		}
		l, _ := erc4337.NewUserOperationEventLog(entryPoint, &erc4337.UserOperationEvent{
			UserOpHash:    hashes[i],
			Sender:        op.Sender,
			Paymaster:     paymaster,
			Nonce:         op.Nonce,
			Success:       err == nil,
			ActualGasCost: actualCost,
			ActualGasUsed: actualGas,
		})
		logs = append(logs, l)
	}

	f.state.AddBalance(beneficiary, uint256.MustFromBig(collected), tracing.BalanceChangeUnspecified)
	f.state.Finalise(true)
	return logs, nil
}

// validateOp deploys, checks the nonce, collects the prefund and runs
// validateUserOp. It returns the verification gas used and the prefund held.
func (f *FakeChain) validateOp(entryPoint common.Address, op *erc4337.PackedUserOp, hash common.Hash) (uint64, *big.Int, string) {
	if reason, ok := f.injectedFail[op.Sender]; ok {
		return 0, nil, reason
	}

	var gasUsed uint64
	if factory := op.Factory(); factory != nil {
		if len(f.state.GetCode(op.Sender)) > 0 {
			return 0, nil, "AA10 sender already constructed"
		}
		if len(f.state.GetCode(*factory)) == 0 {
			return 0, nil, "AA13 initCode failed or OOG"
		}
		_, used, err := f.call(f.state, entryPoint, *factory, op.FactoryData(), op.VerificationGasLimit().Uint64())
		if err != nil {
			return 0, nil, "AA13 initCode failed or OOG"
		}
		if len(f.state.GetCode(op.Sender)) == 0 {
			return 0, nil, "AA15 initCode must create sender"
		}
		gasUsed += used
	}
	if len(f.state.GetCode(op.Sender)) == 0 {
		return 0, nil, "AA20 account not deployed"
	}

	key, seq := erc4337.SplitNonce(op.Nonce)
	nk := nonceKey{op.Sender, key.String()}
	if f.nonces[nk] != seq {
		return 0, nil, "AA25 invalid account nonce"
	}
	f.nonces[nk]++

	prefund := requiredPrefund(op)
	if pm := op.Paymaster(); pm != nil {
		deposit := f.depositOf(f.deposits, *pm)
		if deposit.Cmp(prefund) < 0 {
			return 0, nil, "AA31 paymaster deposit too low"
		}
		f.deposits[*pm] = deposit.Sub(deposit, prefund)
	} else {
		deposit := f.depositOf(f.deposits, op.Sender)
		if deposit.Cmp(prefund) < 0 {
			missing := new(big.Int).Sub(prefund, deposit)
			balance := f.state.GetBalance(op.Sender).ToBig()
			if balance.Cmp(missing) < 0 {
				return 0, nil, "AA21 didn't pay prefund"
			}
			f.state.SubBalance(op.Sender, uint256.MustFromBig(missing), tracing.BalanceChangeUnspecified)
			deposit.Add(deposit, missing)
		}
		f.deposits[op.Sender] = deposit.Sub(deposit, prefund)
	}

	validateData, err := erc4337.EncodeValidateUserOp(op, hash, new(big.Int))
	if err != nil {
		return 0, nil, "AA23 reverted"
	}
	remaining := op.VerificationGasLimit().Uint64()
	if gasUsed >= remaining {
		return 0, nil, "AA40 over verificationGasLimit"
	}
	_, used, err := f.call(f.state, entryPoint, op.Sender, validateData, remaining-gasUsed)
	if err != nil {
		return 0, nil, "AA23 reverted"
	}
	return gasUsed + used, prefund, ""
}

func requiredPrefund(op *erc4337.PackedUserOp) *big.Int {
	gas := new(big.Int).Add(op.VerificationGasLimit(), op.CallGasLimit())
	if op.PreVerificationGas != nil {
		gas.Add(gas, op.PreVerificationGas)
	}
	gas.Add(gas, op.PaymasterVerificationGasLimit())
	gas.Add(gas, op.PaymasterPostOpGasLimit())
	return gas.Mul(gas, op.MaxFeePerGas())
}

func failedOp(index int, reason string) []byte {
	abiErr := erc4337.EntryPointABI.Errors["FailedOp"]
	args, err := abiErr.Inputs.Pack(big.NewInt(int64(index)), reason)
	if err != nil {
		panic(fmt.Sprintf("failed to encode FailedOp: %v", err))
	}
	return append(append([]byte{}, abiErr.ID[:4]...), args...)
}

func calldataGas(data []byte) uint64 {
	var gas uint64
	for _, b := range data {
		if b == 0 {
			gas += 4
		} else {
			gas += 16
		}
	}
	return gas
}
