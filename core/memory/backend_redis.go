package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/soullab/kernel-gateway/core/infra/redisutil"
)

const (
	defaultRedisOpTimeout = 2 * time.Second
	redisItemPrefix       = "mem:item:"
	redisIndexPrefix      = "mem:idx:"
	redisAllItemsKey      = "mem:items"
)

// RedisBackend stores each item as JSON under mem:item:<id> and indexes it
// in a per-tenant sorted set scored by timestamp.
type RedisBackend struct {
	client redis.UniversalClient
}

// NewRedisBackend connects to url and verifies the connection.
func NewRedisBackend(url string) (*RedisBackend, error) {
	client, err := redisutil.Connect(url)
	if err != nil {
		return nil, err
	}
	return &RedisBackend{client: client}, nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client redis.UniversalClient) *RedisBackend {
	return &RedisBackend{client: client}
}

func opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(context.WithoutCancel(ctx), defaultRedisOpTimeout)
}

func (b *RedisBackend) Insert(ctx context.Context, item Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	cctx, cancel := opContext(ctx)
	defer cancel()

	pipe := b.client.TxPipeline()
	pipe.Set(cctx, itemKey(item.ID), data, 0)
	pipe.ZAdd(cctx, indexKey(item.Tenant()), redis.Z{Score: float64(item.Timestamp.UnixMilli()), Member: item.ID})
	pipe.SAdd(cctx, redisAllItemsKey, item.ID)
	if _, err := pipe.Exec(cctx); err != nil {
		return fmt.Errorf("store item: %w", err)
	}
	return nil
}

func (b *RedisBackend) Scan(ctx context.Context, tenant TenantContext) ([]Item, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()

	ids, err := b.client.ZRange(cctx, indexKey(tenant), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	if len(ids) == 0 {
		return []Item{}, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = itemKey(id)
	}
	vals, err := b.client.MGet(cctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("read items: %w", err)
	}
	out := make([]Item, 0, len(vals))
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			// Index entry without a record; skip it.
			continue
		}
		var item Item
		if err := json.Unmarshal([]byte(raw), &item); err != nil {
			return nil, fmt.Errorf("decode item %s: %w", ids[i], err)
		}
		out = append(out, item)
	}
	return out, nil
}

func (b *RedisBackend) Remove(ctx context.Context, tenant TenantContext, id string) (bool, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()

	idx := indexKey(tenant)
	if err := b.client.ZScore(cctx, idx, id).Err(); err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("check index: %w", err)
	}
	pipe := b.client.TxPipeline()
	removed := pipe.ZRem(cctx, idx, id)
	pipe.Del(cctx, itemKey(id))
	pipe.SRem(cctx, redisAllItemsKey, id)
	if _, err := pipe.Exec(cctx); err != nil {
		return false, fmt.Errorf("remove item: %w", err)
	}
	return removed.Val() > 0, nil
}

func (b *RedisBackend) Count(ctx context.Context) (int, error) {
	cctx, cancel := opContext(ctx)
	defer cancel()
	n, err := b.client.SCard(cctx, redisAllItemsKey).Result()
	if err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return int(n), nil
}

func (b *RedisBackend) Kind() string { return "redis" }

// Close closes the underlying Redis client.
func (b *RedisBackend) Close() error {
	return b.client.Close()
}

func itemKey(id string) string {
	return redisItemPrefix + id
}

// indexKey escapes each identifier so separators inside ids cannot collide.
func indexKey(t TenantContext) string {
	return redisIndexPrefix + url.QueryEscape(t.OrgID) + ":" + url.QueryEscape(t.SpaceID) + ":" + url.QueryEscape(t.UserID)
}
