package testutil

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	redisOnce sync.Once
	redisURL  string
	redisErr  error
)

// Redis returns a client for REDIS_URL, or for a shared redis:7-alpine
// container when it is unset. Keys are left in place; tests use unique ids.
func Redis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()

	redisOnce.Do(func() {
		if redisURL = os.Getenv("REDIS_URL"); redisURL != "" {
			return
		}
		redisURL, redisErr = startRedis(ctx)
	})
	if redisErr != nil {
		t.Skipf("REDIS_URL not set and no container runtime: %v", redisErr)
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("testutil: parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	t.Cleanup(func() { _ = client.Close() })

	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("testutil: connect to redis: %v", err)
	}
	return client
}

func startRedis(ctx context.Context) (string, error) {
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		return "", err
	}
	endpoint, err := ctr.Endpoint(ctx, "")
	if err != nil {
		return "", err
	}
	return "redis://" + endpoint, nil
}
