package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const revokedKeyPrefix = "formfill:revoked:"

// RedisDenylist shares revocations between instances. Entries expire through
// Redis key TTLs, so no cleanup loop is needed.
type RedisDenylist struct {
	client *redis.Client
}

func NewRedisDenylist(client *redis.Client) *RedisDenylist {
	return &RedisDenylist{client: client}
}

func (d *RedisDenylist) key(subscriptionID string) string {
	return revokedKeyPrefix + subscriptionID
}

func (d *RedisDenylist) Add(ctx context.Context, subscriptionID string, ttl time.Duration) error {
	if err := d.client.Set(ctx, d.key(subscriptionID), time.Now().Unix(), ttl).Err(); err != nil {
		return fmt.Errorf("add revocation: %w", err)
	}
	return nil
}

func (d *RedisDenylist) Remove(ctx context.Context, subscriptionID string) error {
	if err := d.client.Del(ctx, d.key(subscriptionID)).Err(); err != nil {
		return fmt.Errorf("remove revocation: %w", err)
	}
	return nil
}

func (d *RedisDenylist) Contains(ctx context.Context, subscriptionID string) (bool, error) {
	n, err := d.client.Exists(ctx, d.key(subscriptionID)).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation: %w", err)
	}
	return n > 0, nil
}
