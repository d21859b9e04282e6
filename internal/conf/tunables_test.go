package conf

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTunableStoreSnapshotIsolation(t *testing.T) {
	store := NewTunableStore(nil)

	before := store.Snapshot()
	require.Equal(t, "copy", before.Encoder.Mode)

	next := *before
	next.Encoder.Mode = "reencode"
	store.Replace(&next)

	// The old snapshot must be unaffected by the replace.
	assert.Equal(t, "copy", before.Encoder.Mode)
	assert.Equal(t, "reencode", store.Snapshot().Encoder.Mode)
}

func TestTunableStoreConcurrentReaders(t *testing.T) {
	store := NewTunableStore(nil)

	var wg sync.WaitGroup
	stop := make(chan struct{})

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				snap := store.Snapshot()
				// Mode and CRF always change together below, so observing
				// a mixed pair means a torn read.
				switch snap.Encoder.Mode {
				case "copy":
					assert.Equal(t, 23, snap.Encoder.VideoCRF)
				case "reencode":
					assert.Equal(t, 18, snap.Encoder.VideoCRF)
				}
			}
		}()
	}

	for i := 0; i < 500; i++ {
		next := *store.Snapshot()
		if i%2 == 0 {
			next.Encoder.Mode = "reencode"
			next.Encoder.VideoCRF = 18
		} else {
			next.Encoder.Mode = "copy"
			next.Encoder.VideoCRF = 23
		}
		store.Replace(&next)
	}

	close(stop)
	wg.Wait()
}

func TestApplySettingsPayload(t *testing.T) {
	base := DefaultTunables()

	payload := []byte(`{
		"ffmpeg_mode": "reencode",
		"hls_video_preset": "medium",
		"hls_video_crf": 20,
		"hls_video_maxrate": "5000k",
		"hls_audio_bitrate": 192,
		"heartbeat_interval": 10,
		"max_concurrent_downloads": 8,
		"some_future_knob": "ignored"
	}`)

	next, changed, critical, err := base.ApplySettingsPayload(payload)
	require.NoError(t, err)

	assert.True(t, critical, "encoder changes must be flagged as restart-relevant")
	assert.Len(t, changed, 7)

	assert.Equal(t, "reencode", next.Encoder.Mode)
	assert.Equal(t, "medium", next.Encoder.VideoPreset)
	assert.Equal(t, 20, next.Encoder.VideoCRF)
	assert.Equal(t, "5000k", next.Encoder.VideoMaxrate)
	assert.Equal(t, "192k", next.Encoder.AudioBitrate, "bare numbers are kbit/s")
	assert.Equal(t, 10*time.Second, next.HeartbeatInterval)
	assert.Equal(t, 8, next.DownloadConcurrency)

	// The source snapshot is never mutated.
	assert.Equal(t, "copy", base.Encoder.Mode)
	assert.Equal(t, 5*time.Second, base.HeartbeatInterval)
}

func TestApplySettingsPayloadNonCritical(t *testing.T) {
	base := DefaultTunables()

	next, changed, critical, err := base.ApplySettingsPayload([]byte(`{"heartbeat_interval": 7, "cleanup_after_hours": 48}`))
	require.NoError(t, err)

	assert.False(t, critical)
	assert.Len(t, changed, 2)
	assert.Equal(t, 7*time.Second, next.HeartbeatInterval)
	assert.Equal(t, 48*time.Hour, next.GCMaxAge)
}

func TestApplySettingsPayloadNoop(t *testing.T) {
	base := DefaultTunables()

	// Same values as the defaults must not count as changes.
	next, changed, critical, err := base.ApplySettingsPayload([]byte(`{"ffmpeg_mode": "copy", "heartbeat_interval": 5}`))
	require.NoError(t, err)

	assert.Empty(t, changed)
	assert.False(t, critical)
	assert.Equal(t, *base, *next)
}

func TestApplySettingsPayloadStringNumbers(t *testing.T) {
	base := DefaultTunables()

	next, changed, _, err := base.ApplySettingsPayload([]byte(`{"hls_video_crf": "28", "stats_report_interval": "30"}`))
	require.NoError(t, err)

	assert.Len(t, changed, 2)
	assert.Equal(t, 28, next.Encoder.VideoCRF)
	assert.Equal(t, 30*time.Second, next.StatsReportInterval)
}

func TestApplySettingsPayloadMalformed(t *testing.T) {
	base := DefaultTunables()

	_, _, _, err := base.ApplySettingsPayload([]byte(`not json`))
	assert.Error(t, err)
}

func TestStoreApplyRejectsInvalidSnapshot(t *testing.T) {
	store := NewTunableStore(nil)

	changed, critical, err := store.Apply([]byte(`{"ffmpeg_mode": "charlie"}`))
	require.Error(t, err)
	assert.Nil(t, changed)
	assert.False(t, critical)

	// Current snapshot stays valid.
	assert.Equal(t, "copy", store.Snapshot().Encoder.Mode)
}

func TestStoreApplyPublishes(t *testing.T) {
	store := NewTunableStore(nil)

	changed, critical, err := store.Apply([]byte(`{"command_workers": 4}`))
	require.NoError(t, err)
	assert.Len(t, changed, 1)
	assert.False(t, critical)
	assert.Equal(t, 4, store.Snapshot().CommandWorkers)
}
