package bus

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/truongvando/ezstream/internal/conf"
)

// TestRedisClientAgainstRealServer exercises the Redis backend against an
// actual redis-server in a container. Skipped in -short and wherever Docker
// is unavailable.
func TestRedisClientAgainstRealServer(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container-backed integration test in short mode")
	}

	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("cannot start redis container: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(ctx)
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	mapped, err := container.MappedPort(ctx, "6379/tcp")
	require.NoError(t, err)
	port, err := strconv.Atoi(mapped.Port())
	require.NoError(t, err)

	settings := &conf.Settings{
		Main: conf.MainSettings{HostID: "vps-int-1"},
		Bus:  conf.BusSettings{Backend: "redis", Host: host, Port: port},
	}

	client := NewRedisClient(settings, nil)
	defer client.Close()
	require.NoError(t, client.Connect(ctx))

	got := make(chan []byte, 1)
	require.NoError(t, client.Subscribe(ctx, settings.CommandChannel(), func(payload []byte) {
		got <- payload
	}))

	receivers, err := client.Publish(ctx, settings.CommandChannel(), []byte(`{"command":"SYNC_STATE"}`))
	require.NoError(t, err)
	assert.Equal(t, 1, receivers)

	select {
	case payload := <-got:
		assert.JSONEq(t, `{"command":"SYNC_STATE"}`, string(payload))
	case <-time.After(5 * time.Second):
		t.Fatal("message never arrived through the real server")
	}
}
