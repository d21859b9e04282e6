package bus

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream/internal/conf"
)

// testSettings builds launch settings pointing at a miniredis instance.
func testSettings(t *testing.T, mr *miniredis.Miniredis) *conf.Settings {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)
	return &conf.Settings{
		Main: conf.MainSettings{HostID: "vps-test-1"},
		Bus: conf.BusSettings{
			Backend: "redis",
			Host:    mr.Host(),
			Port:    port,
		},
	}
}

func TestRedisClientConnectAndPublish(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := testSettings(t, mr)

	client := NewRedisClient(settings, nil)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))
	assert.True(t, client.Connected())

	// No subscribers yet, receiver count must be zero.
	receivers, err := client.Publish(ctx, "agent-reports", []byte(`{"type":"HEARTBEAT"}`))
	require.NoError(t, err)
	assert.Equal(t, 0, receivers)
}

func TestRedisClientSubscribeReceivesMessages(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := testSettings(t, mr)

	client := NewRedisClient(settings, nil)
	defer client.Close()

	ctx := context.Background()
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
	case <-time.After(2 * time.Second):
		t.Fatal("subscription handler never received the message")
	}
}

func TestRedisClientFetchSettings(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := testSettings(t, mr)

	client := NewRedisClient(settings, nil)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	// Missing key is a not-found error, not a nil payload.
	_, err := client.FetchSettings(ctx)
	require.Error(t, err)

	require.NoError(t, mr.Set("agent-settings:vps-test-1", `{"heartbeat_interval":10}`))
	payload, err := client.FetchSettings(ctx)
	require.NoError(t, err)
	assert.JSONEq(t, `{"heartbeat_interval":10}`, string(payload))
}

func TestRedisClientReconnectFiresCallback(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := testSettings(t, mr)

	client := NewRedisClient(settings, nil)
	defer client.Close()

	ctx := context.Background()
	require.NoError(t, client.Connect(ctx))

	reconnected := make(chan struct{}, 1)
	client.OnReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})

	require.NoError(t, client.Subscribe(ctx, settings.CommandChannel(), func([]byte) {}))

	// Drop every connection; the receive loop must notice, back off and
	// resubscribe against the still-running server.
	mr.Close()
	require.NoError(t, mr.Restart())

	select {
	case <-reconnected:
	case <-time.After(10 * time.Second):
		t.Fatal("reconnect callback never fired")
	}
	assert.True(t, client.Connected())
}

func TestNewClientRejectsUnknownBackend(t *testing.T) {
	settings := &conf.Settings{
		Bus: conf.BusSettings{Backend: "kafka"},
	}
	_, err := NewClient(settings, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kafka")
}
