package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethaccount/bundler/src/domain"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
)

// RedisStatusStore keeps status records in Redis. Pending records never
// expire; terminal records expire after the retention window.
type RedisStatusStore struct {
	redis     *redis.Client
	keyPrefix string
	retention time.Duration
}

var _ StatusStore = (*RedisStatusStore)(nil)

// NewRedisStatusStore creates a status store under keyPrefix
func NewRedisStatusStore(redis *redis.Client, keyPrefix string, retention time.Duration) *RedisStatusStore {
	if retention <= 0 {
		retention = DefaultStatusRetention
	}
	return &RedisStatusStore{
		redis:     redis,
		keyPrefix: keyPrefix + ":status",
		retention: retention,
	}
}

func (r *RedisStatusStore) statusKey(userOpHash common.Hash) string {
	return fmt.Sprintf("%s:%s", r.keyPrefix, userOpHash.Hex())
}

// Save writes the record, refreshing its expiration
func (r *RedisStatusStore) Save(ctx context.Context, record *domain.StatusRecord) error {
	copied := *record
	copied.UpdatedAt = time.Now()

	data, err := copied.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to marshal status record: %w", err)
	}

	var ttl time.Duration
	if copied.State.Terminal() {
		ttl = r.retention
	}
	return r.redis.Set(ctx, r.statusKey(copied.UserOpHash), data, ttl).Err()
}

// Get retrieves the record by userOpHash
func (r *RedisStatusStore) Get(ctx context.Context, userOpHash common.Hash) (*domain.StatusRecord, error) {
	data, err := r.redis.Get(ctx, r.statusKey(userOpHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrUserOpNotFound
		}
		return nil, err
	}

	var record domain.StatusRecord
	if err := record.FromJSON(data); err != nil {
		return nil, err
	}
	return &record, nil
}

// Delete removes the record by userOpHash
func (r *RedisStatusStore) Delete(ctx context.Context, userOpHash common.Hash) error {
	return r.redis.Del(ctx, r.statusKey(userOpHash)).Err()
}

// CountByState scans the stored records and counts them per state
func (r *RedisStatusStore) CountByState(ctx context.Context) (map[domain.Status]int, error) {
	counts := make(map[domain.Status]int)
	iter := r.redis.Scan(ctx, 0, r.keyPrefix+":*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		data, err := r.redis.Get(ctx, key).Bytes()
		if err != nil {
			// Skip keys that expired between SCAN and GET
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, fmt.Errorf("failed to get status record for key %s: %w", key, err)
		}

		var record domain.StatusRecord
		if err := record.FromJSON(data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal status record for key %s: %w", key, err)
		}
		counts[record.State]++
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan status keys: %w", err)
	}
	return counts, nil
}
