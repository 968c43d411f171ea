package repository

import (
	"context"
	"sync"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultStatusRetention is how long terminal records stay queryable.
const DefaultStatusRetention = 24 * time.Hour

const defaultTerminalCapacity = 100_000

// StatusStore persists user operation status records. Get returns
// domain.ErrUserOpNotFound for unknown or expired hashes.
type StatusStore interface {
	Save(ctx context.Context, record *domain.StatusRecord) error
	Get(ctx context.Context, userOpHash common.Hash) (*domain.StatusRecord, error)
	Delete(ctx context.Context, userOpHash common.Hash) error
}

// MemoryStatusStore keeps pending records until they settle and terminal
// records for the retention window.
type MemoryStatusStore struct {
	mu       sync.RWMutex
	pending  map[common.Hash]*domain.StatusRecord
	terminal *expirable.LRU[common.Hash, *domain.StatusRecord]
}

var _ StatusStore = (*MemoryStatusStore)(nil)

func NewMemoryStatusStore(retention time.Duration) *MemoryStatusStore {
	if retention <= 0 {
		retention = DefaultStatusRetention
	}
	return &MemoryStatusStore{
		pending:  make(map[common.Hash]*domain.StatusRecord),
		terminal: expirable.NewLRU[common.Hash, *domain.StatusRecord](defaultTerminalCapacity, nil, retention),
	}
}

func (s *MemoryStatusStore) Save(_ context.Context, record *domain.StatusRecord) error {
	copied := *record
	copied.UpdatedAt = time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if copied.State.Terminal() {
		delete(s.pending, copied.UserOpHash)
		s.terminal.Add(copied.UserOpHash, &copied)
		return nil
	}
	s.terminal.Remove(copied.UserOpHash)
	s.pending[copied.UserOpHash] = &copied
	return nil
}

func (s *MemoryStatusStore) Get(_ context.Context, userOpHash common.Hash) (*domain.StatusRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if r, ok := s.pending[userOpHash]; ok {
		copied := *r
		return &copied, nil
	}
	if r, ok := s.terminal.Get(userOpHash); ok {
		copied := *r
		return &copied, nil
	}
	return nil, domain.ErrUserOpNotFound
}

func (s *MemoryStatusStore) Delete(_ context.Context, userOpHash common.Hash) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, userOpHash)
	s.terminal.Remove(userOpHash)
	return nil
}
