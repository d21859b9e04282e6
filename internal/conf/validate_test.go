package conf

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSettings returns a settings struct that passes validation.
func testSettings(t *testing.T) *Settings {
	t.Helper()
	s := &Settings{}
	s.Main.HostID = "vps-1"
	s.Main.Log.Enabled = true
	s.Main.Log.Path = filepath.Join(t.TempDir(), "agent.log")
	s.Bus.Backend = "redis"
	s.Bus.Host = "localhost"
	s.Bus.Port = 6379
	s.Staging.Root = t.TempDir()
	s.Tunables = *DefaultTunables()
	return s
}

func TestValidateSettingsOK(t *testing.T) {
	require.NoError(t, ValidateSettings(testSettings(t)))
}

func TestValidateSettingsMissingHostID(t *testing.T) {
	s := testSettings(t)
	s.Main.HostID = ""

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host id")
}

func TestValidateSettingsBadBackend(t *testing.T) {
	s := testSettings(t)
	s.Bus.Backend = "kafka"

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "backend")
}

func TestValidateSettingsBadPort(t *testing.T) {
	s := testSettings(t)
	s.Bus.Port = 0
	assert.Error(t, ValidateSettings(s))
}

func TestValidateSettingsCreatesStagingRoot(t *testing.T) {
	s := testSettings(t)
	s.Staging.Root = filepath.Join(t.TempDir(), "nested", "staging")

	require.NoError(t, ValidateSettings(s))
	assert.DirExists(t, s.Staging.Root)
}

func TestValidateSettingsMetricsListen(t *testing.T) {
	s := testSettings(t)
	s.Metrics.Enabled = true
	s.Metrics.Listen = "no-port-here"
	assert.Error(t, ValidateSettings(s))

	s.Metrics.Listen = "127.0.0.1:8090"
	assert.NoError(t, ValidateSettings(s))
}

func TestValidateSettingsSentryWithoutDSNDisables(t *testing.T) {
	s := testSettings(t)
	s.Sentry.Enabled = true
	s.Sentry.DSN = ""

	require.NoError(t, ValidateSettings(s))
	assert.False(t, s.Sentry.Enabled)
}

func TestValidateTunables(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Tunables)
		substr string
	}{
		{"bad mode", func(tu *Tunables) { tu.Encoder.Mode = "hls" }, "encoder mode"},
		{"bad preset", func(tu *Tunables) { tu.Encoder.VideoPreset = "turbo" }, "preset"},
		{"crf too high", func(tu *Tunables) { tu.Encoder.VideoCRF = 52 }, "crf"},
		{"bad maxrate", func(tu *Tunables) { tu.Encoder.VideoMaxrate = "fast" }, "maxrate"},
		{"bad audio bitrate", func(tu *Tunables) { tu.Encoder.AudioBitrate = "" }, "audio bitrate"},
		{"zero gop", func(tu *Tunables) { tu.Encoder.VideoGOP = 0 }, "gop"},
		{"zero heartbeat", func(tu *Tunables) { tu.HeartbeatInterval = 0 }, "heartbeat_interval"},
		{"zero restarts", func(tu *Tunables) { tu.MaxFastRestarts = 0 }, "fast restarts"},
		{"backoff below one", func(tu *Tunables) { tu.RestartBackoffFactor = 0.5 }, "backoff factor"},
		{"zero workers", func(tu *Tunables) { tu.CommandWorkers = 0 }, "workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tu := DefaultTunables()
			tt.mutate(tu)

			err := ValidateTunables(tu)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.substr)
		})
	}
}

func TestValidateTunablesDefaultsPass(t *testing.T) {
	assert.NoError(t, ValidateTunables(DefaultTunables()))
}

func TestValidateTunablesRateFormats(t *testing.T) {
	tu := DefaultTunables()
	for _, rate := range []string{"3000k", "5000K", "2M", "800"} {
		tu.Encoder.VideoMaxrate = rate
		assert.NoError(t, ValidateTunables(tu), "rate %q should be accepted", rate)
	}
}
