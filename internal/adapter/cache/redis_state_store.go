package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kookaburracodes/kookaburra/internal/repository"
)

const stateKeyPrefix = "kookaburra:oauth:state:"

// RedisLoginStateStore implements LoginStateStore backed by Redis.
type RedisLoginStateStore struct {
	client redis.UniversalClient
}

var _ repository.LoginStateStore = (*RedisLoginStateStore)(nil)

// NewRedisLoginStateStore constructs a Redis-backed login state store.
func NewRedisLoginStateStore(client redis.UniversalClient) *RedisLoginStateStore {
	return &RedisLoginStateStore{client: client}
}

// SaveState records an issued OAuth state parameter with TTL.
func (s *RedisLoginStateStore) SaveState(ctx context.Context, state string, ttl time.Duration) error {
	if err := s.client.Set(ctx, stateKeyPrefix+state, "1", ttl).Err(); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}
	return nil
}

// ConsumeState validates and deletes the state in one step, so each state
// authorizes exactly one callback.
func (s *RedisLoginStateStore) ConsumeState(ctx context.Context, state string) (bool, error) {
	err := s.client.GetDel(ctx, stateKeyPrefix+state).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume state: %w", err)
	}
	return true, nil
}
