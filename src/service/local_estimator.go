package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/core/vm"
	"github.com/ethereum/go-ethereum/core/vm/runtime"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/params"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultSimulationGasCap bounds each simulated frame.
const DefaultSimulationGasCap uint64 = 30_000_000

// StateProvider supplies a mutable state snapshot and the header of the block
// it was taken at. addrs are the accounts every frame touches.
type StateProvider interface {
	StateAt(ctx context.Context, addrs []common.Address) (*state.StateDB, *types.Header, error)
}

// LocalGasEstimator runs the EntryPoint frames in an embedded EVM.
type LocalGasEstimator struct {
	chain    ChainReader
	provider StateProvider
	gasCap   uint64
}

var _ GasEstimator = (*LocalGasEstimator)(nil)

func NewLocalGasEstimator(chain ChainReader, provider StateProvider) *LocalGasEstimator {
	return &LocalGasEstimator{chain: chain, provider: provider, gasCap: DefaultSimulationGasCap}
}

// logger wraps the execution context with component info
func (e *LocalGasEstimator) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("service", "gas-estimator").Str("strategy", "local").Logger()
	return &l
}

func (e *LocalGasEstimator) EstimateGas(ctx context.Context, op *erc4337.UserOperation, entryPoint common.Address) (*domain.GasEstimate, error) {
	packed, userOpHash, err := prepareEstimation(ctx, e.chain, op, entryPoint)
	if err != nil {
		return nil, err
	}
	frames, err := buildFrames(packed, entryPoint, userOpHash)
	if err != nil {
		return nil, err
	}

	addrs := []common.Address{entryPoint, packed.Sender}
	if f := packed.Factory(); f != nil {
		addrs = append(addrs, *f)
	}
	if pm := packed.Paymaster(); pm != nil {
		addrs = append(addrs, *pm)
	}
	statedb, header, err := e.provider.StateAt(ctx, addrs)
	if err != nil {
		return nil, err
	}

	// the deployment is visible to every later frame; those frames run on
	// isolated copies, the way each node estimate starts from the same state
	cfg := &runtime.Config{
		ChainConfig: params.MergedTestChainConfig,
		Origin:      entryPoint,
		GasLimit:    e.gasCap,
		State:       statedb,
		BlockNumber: header.Number,
		Time:        header.Time,
	}

	var verification, call, paymaster uint64
	if frames.factory != nil && len(statedb.GetCode(packed.Sender)) == 0 {
		gas, err := e.run(cfg, statedb, *frames.factory)
		if err != nil {
			return nil, err
		}
		verification += gas
	}
	deployed := len(statedb.GetCode(packed.Sender)) > 0
	if deployed {
		gas, err := e.run(cfg, statedb.Copy(), frames.validation)
		if err != nil {
			return nil, err
		}
		verification += gas
	}
	if frames.paymaster != nil {
		if paymaster, err = e.run(cfg, statedb.Copy(), *frames.paymaster); err != nil {
			return nil, err
		}
	}
	if deployed {
		if call, err = e.run(cfg, statedb.Copy(), frames.execution); err != nil {
			return nil, err
		}
	}

	estimate := &domain.GasEstimate{
		PreVerificationGas:   CalcPreVerificationGas(packed),
		VerificationGasLimit: withBuffer(verification, VerificationGasFloor(packed)),
		CallGasLimit:         withBuffer(call, MinCallGas),
	}
	if frames.paymaster != nil {
		estimate.PaymasterVerificationGasLimit = withBuffer(paymaster, MinPaymasterVerificationGas)
		estimate.PaymasterPostOpGasLimit = postOpGas(packed)
	}

	e.logger(ctx).Debug().
		Str("sender", packed.Sender.Hex()).
		Bool("deployed", deployed).
		Uint64("verification_gas", estimate.VerificationGasLimit).
		Uint64("call_gas", estimate.CallGasLimit).
		Msg("estimated user operation gas")

	return estimate, nil
}

func (e *LocalGasEstimator) run(base *runtime.Config, statedb *state.StateDB, msg ethereum.CallMsg) (uint64, error) {
	cfg := *base
	cfg.State = statedb
	cfg.Origin = msg.From
	ret, leftOver, err := runtime.Call(*msg.To, msg.Data, &cfg)
	// node read failures surface through the StateDB, not the call
	if dbErr := statedb.Error(); dbErr != nil {
		return 0, wrapInfra("read remote state", dbErr)
	}
	if err != nil {
		return 0, evmRevert(ret, err)
	}
	return cfg.GasLimit - leftOver, nil
}

func evmRevert(ret []byte, err error) error {
	if errors.Is(err, vm.ErrExecutionReverted) {
		return &domain.SimulationRevert{Reason: erc4337.DecodeRevertReason(ret), Data: ret}
	}
	return &domain.SimulationRevert{Reason: err.Error()}
}

// StateSource is the node state the remote provider reads, at a given block.
type StateSource interface {
	ethereum.ChainStateReader
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// RemoteStateProvider serves the latest block's state from the node. Accounts,
// code and storage slots are fetched on first access, all at the block the
// snapshot was opened at.
type RemoteStateProvider struct {
	source StateSource
}

var _ StateProvider = (*RemoteStateProvider)(nil)

func NewRemoteStateProvider(source StateSource) *RemoteStateProvider {
	return &RemoteStateProvider{source: source}
}

// StateAt pins the latest block and warms the accounts in addrs concurrently.
func (p *RemoteStateProvider) StateAt(ctx context.Context, addrs []common.Address) (*state.StateDB, *types.Header, error) {
	header, err := p.source.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	reader := newRemoteReader(ctx, p.source, header.Number)

	g, gctx := errgroup.WithContext(ctx)
	for _, addr := range addrs {
		g.Go(func() error {
			_, err := reader.load(gctx, addr)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}

	statedb, err := state.New(types.EmptyRootHash, &remoteDatabase{Database: state.NewDatabaseForTesting(), reader: reader})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create state: %w", err)
	}
	return statedb, header, nil
}

// remoteDatabase hands the StateDB a reader backed by the node.
type remoteDatabase struct {
	state.Database
	reader state.Reader
}

func (d *remoteDatabase) Reader(common.Hash) (state.Reader, error) {
	return d.reader, nil
}

type remoteAccount struct {
	account *types.StateAccount
	code    []byte
}

// remoteReader caches every account and slot it fetches. A nil account
// records that the address is empty at the pinned block.
type remoteReader struct {
	ctx    context.Context
	source StateSource
	block  *big.Int

	mu       sync.Mutex
	accounts map[common.Address]*remoteAccount
	slots    map[common.Address]map[common.Hash]common.Hash
}

var _ state.Reader = (*remoteReader)(nil)

func newRemoteReader(ctx context.Context, source StateSource, block *big.Int) *remoteReader {
	return &remoteReader{
		ctx:      ctx,
		source:   source,
		block:    block,
		accounts: make(map[common.Address]*remoteAccount),
		slots:    make(map[common.Address]map[common.Hash]common.Hash),
	}
}

func (r *remoteReader) load(ctx context.Context, addr common.Address) (*remoteAccount, error) {
	r.mu.Lock()
	cached, ok := r.accounts[addr]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	balance, err := r.source.BalanceAt(ctx, addr, r.block)
	if err != nil {
		return nil, err
	}
	nonce, err := r.source.NonceAt(ctx, addr, r.block)
	if err != nil {
		return nil, err
	}
	code, err := r.source.CodeAt(ctx, addr, r.block)
	if err != nil {
		return nil, err
	}

	var acct *remoteAccount
	if balance.Sign() != 0 || nonce != 0 || len(code) > 0 {
		b, overflow := uint256.FromBig(balance)
		if overflow {
			return nil, fmt.Errorf("balance of %s overflows uint256", addr.Hex())
		}
		codeHash := types.EmptyCodeHash
		if len(code) > 0 {
			codeHash = crypto.Keccak256Hash(code)
		}
		acct = &remoteAccount{
			account: &types.StateAccount{Nonce: nonce, Balance: b, Root: types.EmptyRootHash, CodeHash: codeHash.Bytes()},
			code:    code,
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.accounts[addr] = acct
	return acct, nil
}

func (r *remoteReader) Account(addr common.Address) (*types.StateAccount, error) {
	acct, err := r.load(r.ctx, addr)
	if err != nil || acct == nil {
		return nil, err
	}
	copied := *acct.account
	copied.Balance = new(uint256.Int).Set(acct.account.Balance)
	return &copied, nil
}

func (r *remoteReader) Storage(addr common.Address, slot common.Hash) (common.Hash, error) {
	r.mu.Lock()
	if value, ok := r.slots[addr][slot]; ok {
		r.mu.Unlock()
		return value, nil
	}
	r.mu.Unlock()

	raw, err := r.source.StorageAt(r.ctx, addr, slot, r.block)
	if err != nil {
		return common.Hash{}, err
	}
	value := common.BytesToHash(raw)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[addr] == nil {
		r.slots[addr] = make(map[common.Hash]common.Hash)
	}
	r.slots[addr][slot] = value
	return value, nil
}

func (r *remoteReader) Code(addr common.Address, _ common.Hash) ([]byte, error) {
	acct, err := r.load(r.ctx, addr)
	if err != nil || acct == nil {
		return nil, err
	}
	return acct.code, nil
}

func (r *remoteReader) CodeSize(addr common.Address, codeHash common.Hash) (int, error) {
	code, err := r.Code(addr, codeHash)
	return len(code), err
}
