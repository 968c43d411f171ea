package service

import (
	"context"
	"errors"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/ethaccount/bundler/erc4337"
	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/samber/lo"
)

// ErrEntryInflight is returned when removing an entry that a bundle holds.
var ErrEntryInflight = errors.New("mempool entry is in flight")

// MempoolEntry is an admitted operation awaiting inclusion.
type MempoolEntry struct {
	UserOpHash  common.Hash
	Op          *erc4337.PackedUserOp
	EntryPoint  common.Address
	SubmittedAt time.Time
	State       domain.Status

	arrival  uint64
	inflight bool
}

// laneKey identifies one nonce ordering lane.
type laneKey struct {
	entryPoint common.Address
	sender     common.Address
	key        string
}

func laneOf(entryPoint common.Address, op *erc4337.PackedUserOp) (laneKey, uint64) {
	key, seq := erc4337.SplitNonce(op.Nonce)
	return laneKey{entryPoint: entryPoint, sender: op.Sender, key: key.Text(16)}, seq
}

type laneLock struct {
	mu   sync.Mutex
	refs int
}

// Mempool holds admitted operations by hash. Each (entryPoint, sender, nonce key)
// lane admits one pending operation at a time.
type Mempool struct {
	mu      sync.RWMutex
	entries map[common.Hash]*MempoolEntry
	lanes   map[laneKey]common.Hash
	arrival uint64

	locksMu sync.Mutex
	locks   map[laneKey]*laneLock
}

var _ PoolView = (*Mempool)(nil)

func NewMempool() *Mempool {
	return &Mempool{
		entries: make(map[common.Hash]*MempoolEntry),
		lanes:   make(map[laneKey]common.Hash),
		locks:   make(map[laneKey]*laneLock),
	}
}

// logger wraps the execution context with component info
func (m *Mempool) logger(ctx context.Context) *zerolog.Logger {
	l := zerolog.Ctx(ctx).With().Str("component", "mempool").Logger()
	return &l
}

func (m *Mempool) lockLane(k laneKey) func() {
	m.locksMu.Lock()
	l, ok := m.locks[k]
	if !ok {
		l = &laneLock{}
		m.locks[k] = l
	}
	l.refs++
	m.locksMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		m.locksMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, k)
		}
		m.locksMu.Unlock()
	}
}

// Add admits op when its lane is free and its sequence equals the chain
// sequence observed during validation. admit, when set, runs under the lane
// lock before the entry becomes visible to Drain; an error from it aborts the add.
func (m *Mempool) Add(ctx context.Context, userOpHash common.Hash, op *erc4337.PackedUserOp, entryPoint common.Address, chainSequence uint64, admit func() error) (*MempoolEntry, error) {
	lane, seq := laneOf(entryPoint, op)
	unlock := m.lockLane(lane)
	defer unlock()

	m.mu.RLock()
	_, known := m.entries[userOpHash]
	occupant, busy := m.lanes[lane]
	m.mu.RUnlock()

	if known {
		return nil, domain.NewValidationError(domain.CodeDuplicateUserOp, "user operation %s already known", userOpHash.Hex())
	}
	if busy {
		return nil, domain.NewValidationError(domain.CodeInvalidNonce,
			"invalid account nonce: key 0x%s has pending operation %s", lane.key, occupant.Hex())
	}
	if seq != chainSequence {
		return nil, domain.NewValidationError(domain.CodeInvalidNonce,
			"invalid account nonce: key 0x%s expects sequence %d, got %d", lane.key, chainSequence, seq)
	}
	if admit != nil {
		if err := admit(); err != nil {
			return nil, err
		}
	}

	m.mu.Lock()
	m.arrival++
	entry := &MempoolEntry{
		UserOpHash:  userOpHash,
		Op:          op,
		EntryPoint:  entryPoint,
		SubmittedAt: time.Now(),
		State:       domain.StatusPending,
		arrival:     m.arrival,
	}
	m.entries[userOpHash] = entry
	m.lanes[lane] = userOpHash
	m.mu.Unlock()

	m.logger(ctx).Debug().
		Str("user_op_hash", userOpHash.Hex()).
		Str("sender", op.Sender.Hex()).
		Uint64("sequence", seq).
		Msg("user operation added to mempool")

	return entry.clone(), nil
}

func (e *MempoolEntry) clone() *MempoolEntry {
	c := *e
	return &c
}

// Has reports whether hash is held in a non-terminal state.
func (m *Mempool) Has(hash common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[hash]
	return ok
}

func (m *Mempool) Get(hash common.Hash) (*MempoolEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[hash]
	if !ok {
		return nil, false
	}
	return e.clone(), true
}

// Inflight reports whether hash is part of a bundle being executed.
func (m *Mempool) Inflight(hash common.Hash) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[hash]
	return ok && e.inflight
}

func (m *Mempool) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Pending returns the entries for entryPoint in arrival order, in-flight ones included.
func (m *Mempool) Pending(entryPoint common.Address) []*MempoolEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sorted(func(e *MempoolEntry) bool { return e.EntryPoint == entryPoint })
}

// PendingCount returns the number of entries a Drain for entryPoint would return.
func (m *Mempool) PendingCount(entryPoint common.Address) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return lo.CountBy(lo.Values(m.entries), func(e *MempoolEntry) bool {
		return e.EntryPoint == entryPoint && !e.inflight
	})
}

func (m *Mempool) sorted(keep func(e *MempoolEntry) bool) []*MempoolEntry {
	out := lo.FilterMap(lo.Values(m.entries), func(e *MempoolEntry, _ int) (*MempoolEntry, bool) {
		if !keep(e) {
			return nil, false
		}
		return e.clone(), true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].arrival < out[j].arrival })
	return out
}

// Drain marks up to max entries for entryPoint as in flight and returns them
// in arrival order. max <= 0 means no limit. In-flight entries keep their lane
// and are skipped by later drains until settled or released.
func (m *Mempool) Drain(entryPoint common.Address, max int) []*MempoolEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.sorted(func(e *MempoolEntry) bool { return e.EntryPoint == entryPoint && !e.inflight })
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	for _, e := range out {
		m.entries[e.UserOpHash].inflight = true
	}
	return out
}

// Release returns in-flight entries to the pending set.
func (m *Mempool) Release(hashes []common.Hash) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range hashes {
		if e, ok := m.entries[h]; ok {
			e.inflight = false
		}
	}
}

// Settle records a terminal state and removes the entry, freeing its lane.
func (m *Mempool) Settle(hash common.Hash, state domain.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[hash]; ok {
		e.State = state
		m.removeLocked(e)
	}
}

// Remove drops an entry that is not in flight. It returns
// domain.ErrUserOpNotFound for unknown hashes and ErrEntryInflight for entries
// of a bundle being executed, leaving those untouched.
func (m *Mempool) Remove(hash common.Hash) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[hash]
	if !ok {
		return domain.ErrUserOpNotFound
	}
	if e.inflight {
		return ErrEntryInflight
	}
	m.removeLocked(e)
	return nil
}

func (m *Mempool) removeLocked(e *MempoolEntry) {
	delete(m.entries, e.UserOpHash)
	lane, _ := laneOf(e.EntryPoint, e.Op)
	if m.lanes[lane] == e.UserOpHash {
		delete(m.lanes, lane)
	}
}

// Clear drops every entry that is not in flight and returns their hashes.
func (m *Mempool) Clear() []common.Hash {
	m.mu.Lock()
	defer m.mu.Unlock()
	var dropped []common.Hash
	for _, e := range m.entries {
		if e.inflight {
			continue
		}
		dropped = append(dropped, e.UserOpHash)
		m.removeLocked(e)
	}
	return dropped
}

// PackedOps extracts the operations of entries.
func PackedOps(entries []*MempoolEntry) []*erc4337.PackedUserOp {
	return lo.Map(entries, func(e *MempoolEntry, _ int) *erc4337.PackedUserOp { return e.Op })
}

// NonceKeyOf is a convenience for callers grouping entries by lane.
func NonceKeyOf(op *erc4337.PackedUserOp) *big.Int {
	key, _ := erc4337.SplitNonce(op.Nonce)
	return key
}
