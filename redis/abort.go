package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const abortPrefix = "wirespeed:abort:"

// abortTTL bounds how long a stale abort flag can linger.
const abortTTL = time.Hour

// SetAbortFlag marks a connection so that no further tests may start on it.
func (c *Client) SetAbortFlag(ctx context.Context, connID string, abort bool) error {
	key := abortPrefix + connID
	if !abort {
		return c.rdb.Del(ctx, key).Err()
	}
	return c.rdb.Set(ctx, key, 1, abortTTL).Err()
}

// AbortRequested reports whether the abort flag is set for a connection.
// A missing key means no abort. Errors are returned so that the caller can
// decide to fail open.
func (c *Client) AbortRequested(ctx context.Context, connID string) (bool, error) {
	val, err := c.rdb.Get(ctx, abortPrefix+connID).Int()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return val != 0, nil
}
