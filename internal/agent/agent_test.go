package agent

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream/internal/bus"
	"github.com/truongvando/ezstream/internal/conf"
)

// testAgentSettings builds launch settings pointing at a miniredis instance
// with a throwaway staging root and fast report cadences.
func testAgentSettings(t *testing.T, mr *miniredis.Miniredis) *conf.Settings {
	t.Helper()
	port, err := strconv.Atoi(mr.Port())
	require.NoError(t, err)

	settings := &conf.Settings{
		Version:     "test",
		SystemID:    "AAAA-BBBB-CCCC",
		FfmpegPath:  "ffmpeg",
		FfprobePath: "true",
		Main:        conf.MainSettings{HostID: "vps-agent-1"},
		Bus: conf.BusSettings{
			Backend: "redis",
			Host:    mr.Host(),
			Port:    port,
		},
		Staging:  conf.StagingSettings{Root: t.TempDir()},
		Tunables: *conf.DefaultTunables(),
	}
	settings.Tunables.HeartbeatInterval = 50 * time.Millisecond
	settings.Tunables.StatsReportInterval = 100 * time.Millisecond
	return settings
}

// collectChannel subscribes an observer client to a channel and returns the
// received payloads through an accessor.
func collectChannel(t *testing.T, settings *conf.Settings, channel string) func() [][]byte {
	t.Helper()

	observer := bus.NewRedisClient(settings, nil)
	require.NoError(t, observer.Connect(context.Background()))
	t.Cleanup(func() { _ = observer.Close() })

	var mu sync.Mutex
	var payloads [][]byte
	require.NoError(t, observer.Subscribe(context.Background(), channel, func(payload []byte) {
		mu.Lock()
		defer mu.Unlock()
		payloads = append(payloads, payload)
	}))

	return func() [][]byte {
		mu.Lock()
		defer mu.Unlock()
		out := make([][]byte, len(payloads))
		copy(out, payloads)
		return out
	}
}

func TestAgentRunHeartbeatsAndStops(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := testAgentSettings(t, mr)

	reports := collectChannel(t, settings, bus.ChannelReports)
	stats := collectChannel(t, settings, bus.ChannelStats)

	a, err := New(settings)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, payload := range reports() {
			var msg map[string]any
			if json.Unmarshal(payload, &msg) != nil {
				continue
			}
			if msg["type"] == "HEARTBEAT" && msg["vps_id"] == "vps-agent-1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no heartbeat on the reports channel")

	require.Eventually(t, func() bool {
		for _, payload := range stats() {
			var msg map[string]any
			if json.Unmarshal(payload, &msg) != nil {
				continue
			}
			if msg["vps_id"] == "vps-agent-1" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "no snapshot on the stats channel")

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not shut down")
	}
}

func TestAgentAnswersSyncState(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := testAgentSettings(t, mr)
	settings.Tunables.HeartbeatInterval = time.Hour

	reports := collectChannel(t, settings, bus.ChannelReports)

	a, err := New(settings)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	heartbeats := func() int {
		n := 0
		for _, payload := range reports() {
			var msg map[string]any
			if json.Unmarshal(payload, &msg) == nil && msg["type"] == "HEARTBEAT" {
				n++
			}
		}
		return n
	}

	// One immediate heartbeat at startup, then nothing until nudged.
	require.Eventually(t, func() bool { return heartbeats() == 1 },
		5*time.Second, 10*time.Millisecond)

	commander := bus.NewRedisClient(settings, nil)
	require.NoError(t, commander.Connect(context.Background()))
	defer commander.Close()

	_, err = commander.Publish(context.Background(), settings.CommandChannel(),
		[]byte(`{"command":"SYNC_STATE"}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return heartbeats() >= 2 },
		5*time.Second, 10*time.Millisecond, "SYNC_STATE produced no heartbeat")

	cancel()
	select {
	case err := <-runDone:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("agent did not shut down")
	}
}

func TestAgentNewRejectsUnknownBusBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	settings := testAgentSettings(t, mr)
	settings.Bus.Backend = "carrier-pigeon"

	_, err := New(settings)
	require.Error(t, err)
}
