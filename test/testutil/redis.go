package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/go-redis/redis/v8"
)

// OpenTestRedis connects to TEST_REDIS_ADDR and skips the test when it is unset.
func OpenTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set, skipping redis test")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		t.Fatalf("ping redis: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}
