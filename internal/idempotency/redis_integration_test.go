//go:build integration

package idempotency

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"creatorpay/internal/payments"
)

var testRedisClient *redis.Client

func TestMain(m *testing.M) {
	ctx := context.Background()

	container, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: tc.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start redis container: %v\n", err)
		os.Exit(1)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to get container host: %v\n", err)
		os.Exit(1)
	}
	port, err := container.MappedPort(ctx, "6379/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		fmt.Fprintf(os.Stderr, "failed to get container port: %v\n", err)
		os.Exit(1)
	}

	testRedisClient = redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})

	code := m.Run()

	_ = testRedisClient.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	store := NewRedisStore(testRedisClient, time.Minute)

	t.Run("second caller is told to retry", func(t *testing.T) {
		_, found, err := store.Acquire(ctx, "payout:k1")
		require.NoError(t, err)
		require.False(t, found)

		_, _, err = store.Acquire(ctx, "payout:k1")
		assert.ErrorIs(t, err, payments.ErrInFlight)

		require.NoError(t, store.Complete(ctx, "payout:k1", []byte("result"), time.Hour))

		payload, found, err := store.Acquire(ctx, "payout:k1")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("result"), payload)
	})

	t.Run("abandon releases the reservation", func(t *testing.T) {
		_, _, err := store.Acquire(ctx, "payout:k2")
		require.NoError(t, err)
		require.NoError(t, store.Abandon(ctx, "payout:k2"))

		_, found, err := store.Acquire(ctx, "payout:k2")
		require.NoError(t, err)
		assert.False(t, found)
	})

	t.Run("put and get", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, "webhook:a", []byte("x"), time.Hour))
		payload, found, err := store.Get(ctx, "webhook:a")
		require.NoError(t, err)
		assert.True(t, found)
		assert.Equal(t, []byte("x"), payload)
	})
}
