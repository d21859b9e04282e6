package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyLaunchArgs(t *testing.T) {
	s := &Settings{}
	s.Bus.Backend = "redis"

	err := s.ApplyLaunchArgs([]string{"vps-42", "10.0.0.5", "6380", "hunter2"})
	require.NoError(t, err)

	assert.Equal(t, "vps-42", s.Main.HostID)
	assert.Equal(t, "10.0.0.5", s.Bus.Host)
	assert.Equal(t, 6380, s.Bus.Port)
	assert.Equal(t, "hunter2", s.Bus.Password)
}

func TestApplyLaunchArgsEmpty(t *testing.T) {
	s := &Settings{}
	s.Main.HostID = "from-config"

	require.NoError(t, s.ApplyLaunchArgs(nil))
	assert.Equal(t, "from-config", s.Main.HostID)
}

func TestApplyLaunchArgsWrongCount(t *testing.T) {
	s := &Settings{}
	assert.Error(t, s.ApplyLaunchArgs([]string{"vps-42", "10.0.0.5"}))
}

func TestApplyLaunchArgsBadPort(t *testing.T) {
	s := &Settings{}
	assert.Error(t, s.ApplyLaunchArgs([]string{"vps-42", "10.0.0.5", "not-a-port", "pw"}))
	assert.Error(t, s.ApplyLaunchArgs([]string{"vps-42", "10.0.0.5", "0", "pw"}))
	assert.Error(t, s.ApplyLaunchArgs([]string{"vps-42", "10.0.0.5", "70000", "pw"}))
}

func TestChannelNames(t *testing.T) {
	s := &Settings{}
	s.Main.HostID = "vps-7"

	assert.Equal(t, "vps-commands:vps-7", s.CommandChannel())
	assert.Equal(t, "agent-settings:vps-7", s.SettingsKey())
}
