package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	testRedisClient    *redis.Client
	testRedisContainer testcontainers.Container
	skipRedis          bool
)

func TestMain(m *testing.M) {
	ctx := context.Background()

	var containerErr error
	func() {
		defer func() {
			if r := recover(); r != nil {
				containerErr = fmt.Errorf("docker not available: %v", r)
			}
		}()
		testRedisContainer, containerErr = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
			ContainerRequest: testcontainers.ContainerRequest{
				Image:        "redis:7-alpine",
				ExposedPorts: []string{"6379/tcp"},
				WaitingFor:   wait.ForLog("Ready to accept connections"),
			},
			Started: true,
		})
	}()

	if containerErr != nil {
		fmt.Printf("Docker not available, redis tests will be skipped: %v\n", containerErr)
		skipRedis = true
	} else if addr, err := redisAddr(ctx); err != nil {
		fmt.Printf("Failed to resolve redis address: %v\n", err)
		skipRedis = true
	} else {
		testRedisClient = redis.NewClient(&redis.Options{Addr: addr})
		if err := testRedisClient.Ping(ctx).Err(); err != nil {
			fmt.Printf("Failed to ping redis: %v\n", err)
			skipRedis = true
		}
	}

	code := m.Run()

	if testRedisClient != nil {
		_ = testRedisClient.Close()
	}
	if testRedisContainer != nil {
		_ = testRedisContainer.Terminate(ctx)
	}
	os.Exit(code)
}

func redisAddr(ctx context.Context) (string, error) {
	host, err := testRedisContainer.Host(ctx)
	if err != nil {
		return "", err
	}
	port, err := testRedisContainer.MappedPort(ctx, "6379")
	if err != nil {
		return "", err
	}
	return host + ":" + port.Port(), nil
}

// getRedis flushes the shared database and wraps it in a store.
func getRedis(t *testing.T, ttl time.Duration) *RedisStore {
	t.Helper()
	if skipRedis {
		t.Skip("Docker not available, skipping redis test")
	}
	if err := testRedisClient.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("failed to flush redis: %v", err)
	}
	return NewRedis(testRedisClient, ttl)
}

func TestRedisStore(t *testing.T) {
	exerciseRepository(t, getRedis(t, time.Hour))
}

func TestRedisStoreIdle(t *testing.T) {
	exerciseIdleListing(t, getRedis(t, time.Hour))
}

func TestRedisStorePrunesExpiredIndexEntries(t *testing.T) {
	repo := getRedis(t, time.Hour)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleSession("gone", epoch)))
	require.NoError(t, testRedisClient.Del(ctx, redisKey("gone")).Err())

	ids, err := repo.ListIdle(ctx, epoch.Add(time.Hour), 0)
	require.NoError(t, err)
	assert.Empty(t, ids)

	n, err := testRedisClient.ZCard(ctx, redisUpdatedIndex).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisStoreAppliesTTL(t *testing.T) {
	repo := getRedis(t, 10*time.Minute)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, sampleSession("ttl", epoch)))
	ttl, err := testRedisClient.TTL(ctx, redisKey("ttl")).Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, 9*time.Minute)
}
