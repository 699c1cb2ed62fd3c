package redisx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Guard key formats, each taking an order ID.
const (
	KeyRefundException = "guard:refund_exception:%s"
	KeyOrderRefund     = "guard:order_refund:%s"
)

// ErrGuardHeld reports that another request already holds the guard key.
var ErrGuardHeld = errors.New("redisx: guard already held")

type guardClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Guard is a SET NX lock with a TTL. The TTL releases keys left behind by crashed requests.
type Guard struct {
	client guardClient
	ttl    time.Duration
}

// NewGuard wraps client. A zero ttl defaults to 30 seconds.
func NewGuard(client guardClient, ttl time.Duration) *Guard {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Guard{client: client, ttl: ttl}
}

// Acquire takes key or returns ErrGuardHeld. The returned release func deletes the key.
func (g *Guard) Acquire(ctx context.Context, key string) (func(context.Context), error) {
	ok, err := g.client.SetNX(ctx, key, time.Now().UTC().Format(time.RFC3339Nano), g.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redisx: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrGuardHeld
	}
	return func(ctx context.Context) {
		_ = g.client.Del(ctx, key).Err()
	}, nil
}
