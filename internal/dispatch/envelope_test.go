package dispatch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/encoder"
)

func TestParseEnvelopeConfigIDWins(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"stream_id": 99,
		"config": {"id": 42}
	}`))
	require.NoError(t, err)
	assert.Equal(t, "START_STREAM", cmd.Name)
	assert.EqualValues(t, 42, cmd.StreamID)
}

func TestParseEnvelopeRootStreamIDFallback(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{"command": "STOP_STREAM", "stream_id": 7}`))
	require.NoError(t, err)
	assert.EqualValues(t, 7, cmd.StreamID)
	assert.Nil(t, cmd.Config)
}

func TestParseEnvelopeRejectsGarbage(t *testing.T) {
	t.Parallel()

	_, err := parseEnvelope([]byte(`not json`))
	assert.Error(t, err)

	_, err = parseEnvelope([]byte(`{"stream_id": 1}`))
	assert.Error(t, err, "missing command field")
}

func TestStreamSpecFromConfig(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"config": {
			"id": 5,
			"title": "Morning show",
			"video_files": [
				{"url": "https://cdn.example.com/a.mp4", "size": 12345},
				{"path": "/srv/media/b.mp4"}
			],
			"rtmp_url": "rtmp://live.example.com/live/key",
			"loop": false,
			"keep_files_after_stop": true,
			"playlist_order": "random"
		}
	}`))
	require.NoError(t, err)

	spec, err := cmd.streamSpec(conf.DefaultTunables())
	require.NoError(t, err)

	assert.EqualValues(t, 5, spec.ID)
	assert.Equal(t, "Morning show", spec.Title)
	require.Len(t, spec.Sources, 2)
	assert.Equal(t, "https://cdn.example.com/a.mp4", spec.Sources[0].URL)
	assert.Equal(t, "/srv/media/b.mp4", spec.Sources[1].Path)
	assert.Equal(t, "rtmp://live.example.com/live/key", spec.Destination)
	assert.False(t, spec.Loop)
	assert.True(t, spec.KeepFilesAfterStop)
	assert.Equal(t, "random", spec.PlaybackOrder)
	assert.Equal(t, encoder.ModeCopy, spec.Mode)
	require.NoError(t, spec.Validate())
}

func TestStreamSpecDefaults(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"config": {
			"id": 6,
			"video_files": [{"url": "https://cdn.example.com/a.mp4"}],
			"rtmp_url": "rtmp://live.example.com/live/key"
		}
	}`))
	require.NoError(t, err)

	spec, err := cmd.streamSpec(conf.DefaultTunables())
	require.NoError(t, err)
	assert.True(t, spec.Loop, "loop defaults on")
	assert.False(t, spec.KeepFilesAfterStop)
	assert.Empty(t, spec.PlaybackOrder)
}

func TestStreamSpecEncodingOverride(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"config": {
			"id": 7,
			"video_files": [{"url": "https://cdn.example.com/a.mp4"}],
			"rtmp_url": "rtmp://live.example.com/live/key",
			"ffmpeg_use_encoding": true
		}
	}`))
	require.NoError(t, err)

	spec, err := cmd.streamSpec(conf.DefaultTunables())
	require.NoError(t, err)
	assert.Equal(t, encoder.ModeReencode, spec.Mode)
}

func TestStreamSpecJoinsStreamKey(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"config": {
			"id": 9,
			"video_files": [{"url": "https://cdn.example.com/a.mp4"}],
			"rtmp_url": "rtmp://live.example.com/live/",
			"stream_key": "sk-abc123"
		}
	}`))
	require.NoError(t, err)

	spec, err := cmd.streamSpec(conf.DefaultTunables())
	require.NoError(t, err)
	assert.Equal(t, "rtmp://live.example.com/live/sk-abc123", spec.Destination)
}

func TestStreamSpecEncoderMode(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"config": {
			"id": 10,
			"video_files": [{"url": "https://cdn.example.com/a.mp4"}],
			"rtmp_url": "rtmp://live.example.com/live/key",
			"encoder_mode": "reencode"
		}
	}`))
	require.NoError(t, err)

	spec, err := cmd.streamSpec(conf.DefaultTunables())
	require.NoError(t, err)
	assert.Equal(t, encoder.ModeReencode, spec.Mode)

	// The legacy boolean outranks encoder_mode when both are present.
	cmd, err = parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"config": {
			"id": 10,
			"video_files": [{"url": "https://cdn.example.com/a.mp4"}],
			"rtmp_url": "rtmp://live.example.com/live/key",
			"encoder_mode": "reencode",
			"ffmpeg_use_encoding": false
		}
	}`))
	require.NoError(t, err)
	spec, err = cmd.streamSpec(conf.DefaultTunables())
	require.NoError(t, err)
	assert.Equal(t, encoder.ModeCopy, spec.Mode)
}

func TestStreamSpecReencodeKnobs(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"config": {
			"id": 11,
			"video_files": [{"url": "https://cdn.example.com/a.mp4"}],
			"rtmp_url": "rtmp://live.example.com/live/key",
			"encoder_mode": "reencode",
			"preset": "veryfast",
			"crf": 18,
			"maxrate": "4500k",
			"abr": "192k",
			"gop": 120
		}
	}`))
	require.NoError(t, err)

	spec, err := cmd.streamSpec(conf.DefaultTunables())
	require.NoError(t, err)
	assert.Equal(t, encoder.ModeReencode, spec.Mode)
	assert.Equal(t, "veryfast", spec.Encoder.Preset)
	assert.Equal(t, 18, spec.Encoder.CRF)
	assert.Equal(t, "4500k", spec.Encoder.Maxrate)
	assert.Equal(t, "192k", spec.Encoder.AudioBitrate)
	assert.Equal(t, 120, spec.Encoder.GOP)
}

func TestStreamSpecRequiresConfigAndFiles(t *testing.T) {
	t.Parallel()

	cmd, err := parseEnvelope([]byte(`{"command": "START_STREAM", "stream_id": 8}`))
	require.NoError(t, err)
	_, err = cmd.streamSpec(conf.DefaultTunables())
	assert.Error(t, err)

	cmd, err = parseEnvelope([]byte(`{
		"command": "START_STREAM",
		"config": {"id": 8, "rtmp_url": "rtmp://x/live/k"}
	}`))
	require.NoError(t, err)
	_, err = cmd.streamSpec(conf.DefaultTunables())
	assert.Error(t, err, "missing video_files")
}
