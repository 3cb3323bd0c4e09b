package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

const (
	CacheEntityPlan    = "plan"
	CacheEntityCoupon  = "coupon"
	CacheEntityPayment = "payment"
)

// CacheInvalidator evicts cached reads of an entity after it changes.
type CacheInvalidator interface {
	Invalidate(ctx context.Context, entityType, entityID string) error
}

type redisCacheInvalidator struct {
	rdb *redis.Client
}

// NewCacheInvalidator falls back to a no-op when Redis is not available.
func NewCacheInvalidator(rdb *redis.Client) CacheInvalidator {
	if rdb == nil {
		return noopCacheInvalidator{}
	}
	return &redisCacheInvalidator{rdb: rdb}
}

// Invalidate deletes "{type}:{id}*" and "{type}:list*".
func (r *redisCacheInvalidator) Invalidate(ctx context.Context, entityType, entityID string) error {
	patterns := []string{
		fmt.Sprintf("%s:%s*", entityType, entityID),
		fmt.Sprintf("%s:list*", entityType),
	}

	deleted := 0
	for _, pattern := range patterns {
		iter := r.rdb.Scan(ctx, 0, pattern, 100).Iterator()
		var batch []string
		for iter.Next(ctx) {
			batch = append(batch, iter.Val())
			if len(batch) == 100 {
				if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
					return fmt.Errorf("cache delete %s: %w", pattern, err)
				}
				deleted += len(batch)
				batch = batch[:0]
			}
		}
		if err := iter.Err(); err != nil {
			return fmt.Errorf("cache scan %s: %w", pattern, err)
		}
		if len(batch) > 0 {
			if err := r.rdb.Del(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("cache delete %s: %w", pattern, err)
			}
			deleted += len(batch)
		}
	}

	slog.Debug("cache invalidated", "entity", entityType, "id", entityID, "keys", deleted)
	return nil
}

type noopCacheInvalidator struct{}

func (noopCacheInvalidator) Invalidate(context.Context, string, string) error { return nil }
