package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tileworks/platform/pkg/redis"
)

// DefaultTTL bounds how long a saga record lives in the store.
const DefaultTTL = time.Hour

// Repository persists saga records. Get and Save report ErrNotFound for ids
// with no live record.
type Repository interface {
	Create(ctx context.Context, state *State) error
	Get(ctx context.Context, sagaID string) (*State, error)
	Save(ctx context.Context, state *State) error
}

// RedisRepository stores each saga as JSON under <prefix><sagaId>. The TTL
// counts from CreatedAt; saves never extend a saga's lifetime.
type RedisRepository struct {
	kv     redis.KV
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ Repository = (*RedisRepository)(nil)

// NewRedisRepository 创建仓储；ttl <= 0 时使用 DefaultTTL
func NewRedisRepository(kv redis.KV, prefix string, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if prefix == "" {
		prefix = "saga:"
	}
	return &RedisRepository{kv: kv, prefix: prefix, ttl: ttl, now: time.Now}
}

func (r *RedisRepository) key(sagaID string) string {
	return r.prefix + sagaID
}

func (r *RedisRepository) Create(ctx context.Context, state *State) error {
	ok, err := r.write(ctx, state, true)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("saga %s already exists", state.SagaID)
	}
	return nil
}

func (r *RedisRepository) Get(ctx context.Context, sagaID string) (*State, error) {
	raw, err := r.kv.Get(ctx, r.key(sagaID))
	if errors.Is(err, redis.ErrKeyNotFound) {
		return nil, notFound(sagaID)
	}
	if err != nil {
		return nil, fmt.Errorf("load saga %s: %w", sagaID, err)
	}
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode saga %s: %w", sagaID, err)
	}
	return &state, nil
}

func (r *RedisRepository) Save(ctx context.Context, state *State) error {
	_, err := r.write(ctx, state, false)
	return err
}

func (r *RedisRepository) write(ctx context.Context, state *State, create bool) (bool, error) {
	remaining := r.ttl - r.now().Sub(state.CreatedAt)
	if remaining <= 0 {
		return false, notFound(state.SagaID)
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return false, fmt.Errorf("encode saga %s: %w", state.SagaID, err)
	}
	if create {
		ok, err := r.kv.SetNX(ctx, r.key(state.SagaID), raw, remaining)
		if err != nil {
			return false, fmt.Errorf("create saga %s: %w", state.SagaID, err)
		}
		return ok, nil
	}
	if err := r.kv.Set(ctx, r.key(state.SagaID), raw, remaining); err != nil {
		return false, fmt.Errorf("save saga %s: %w", state.SagaID, err)
	}
	return true, nil
}
