//go:build linux || darwin

package encoder

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream/internal/conf"
)

// fakeEncoder writes a shell script standing in for ffmpeg. The supervisor
// passes real ffmpeg flags; the script ignores them.
func fakeEncoder(t *testing.T, script string) *Supervisor {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+script+"\n"), 0o755))
	return NewSupervisor(path, nil)
}

func spawnReq(streamID int64) *SpawnRequest {
	return &SpawnRequest{
		StreamID:    streamID,
		InputPath:   "/tmp/in.mp4",
		Destination: "rtmp://live.example.com/live/key",
		Loop:        true,
		Mode:        ModeCopy,
		Tunables:    conf.DefaultTunables(),
	}
}

// waitEvent blocks for the exit event with a test-sized timeout.
func waitEvent(t *testing.T, c *Child) ExitEvent {
	t.Helper()
	select {
	case ev := <-c.Exited():
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("no exit event")
		return ExitEvent{}
	}
}

func TestSpawnAndNormalExit(t *testing.T) {
	s := fakeEncoder(t, "exit 0")

	child, err := s.Spawn(context.Background(), spawnReq(1))
	require.NoError(t, err)
	assert.Positive(t, child.PID())

	ev := waitEvent(t, child)
	assert.Equal(t, ClassNormalExit, ev.Class)
	assert.Equal(t, 0, ev.Code)
	assert.Equal(t, KindUnknown, ev.Kind)
	assert.False(t, child.Alive())
}

func TestSpawnFailsOnMissingBinary(t *testing.T) {
	s := NewSupervisor(filepath.Join(t.TempDir(), "does-not-exist"), nil)
	_, err := s.Spawn(context.Background(), spawnReq(1))
	require.Error(t, err)
}

func TestCrashDeliversDetectionAndClassifiedExit(t *testing.T) {
	s := fakeEncoder(t, `
echo "Non-monotonous DTS in output stream 0:1; previous: 100" >&2
echo "Non-monotonous DTS in output stream 0:1; previous: 200" >&2
echo "Non-monotonous DTS in output stream 0:1; previous: 300" >&2
exit 1`)

	child, err := s.Spawn(context.Background(), spawnReq(2))
	require.NoError(t, err)

	select {
	case det := <-child.Detections():
		assert.Equal(t, KindDTS, det.Kind)
		assert.Equal(t, 3, det.Count)
		assert.EqualValues(t, 2, det.StreamID)
	case <-time.After(10 * time.Second):
		t.Fatal("no detection event")
	}

	ev := waitEvent(t, child)
	assert.Equal(t, ClassCrash, ev.Class)
	assert.Equal(t, KindDTS, ev.Kind)
	assert.Equal(t, 1, ev.Code)
	assert.Len(t, ev.StderrTail, 3)

	// Health took one penalty for the threshold crossing.
	assert.InDelta(t, 0.8, child.HealthScore(), 0.001)
}

func TestStopGracefulViaSignal(t *testing.T) {
	s := fakeEncoder(t, `
trap 'exit 0' INT TERM
sleep 30 &
wait $!`)

	child, err := s.Spawn(context.Background(), spawnReq(3))
	require.NoError(t, err)

	child.SetIntent(IntentUser)
	err = child.Stop(context.Background(), StopTimeouts{
		QuitWait:     100 * time.Millisecond,
		GracefulWait: 5 * time.Second,
		ForceWait:    5 * time.Second,
	})
	require.NoError(t, err)

	ev := waitEvent(t, child)
	assert.Equal(t, ClassUserStop, ev.Class)
	assert.True(t, ev.Class.Stopped())
}

func TestStopEscalatesToSIGKILL(t *testing.T) {
	s := fakeEncoder(t, `
trap '' INT TERM
sleep 30 &
wait $!`)

	child, err := s.Spawn(context.Background(), spawnReq(4))
	require.NoError(t, err)

	child.SetIntent(IntentUser)
	err = child.Stop(context.Background(), StopTimeouts{
		QuitWait:     50 * time.Millisecond,
		GracefulWait: 300 * time.Millisecond,
		ForceWait:    5 * time.Second,
	})
	require.NoError(t, err)

	// Intent was recorded, so even the SIGKILL exit is a user stop.
	ev := waitEvent(t, child)
	assert.Equal(t, ClassUserStop, ev.Class)
}

func TestStopRequiresRecordedIntent(t *testing.T) {
	s := fakeEncoder(t, "sleep 30")

	child, err := s.Spawn(context.Background(), spawnReq(5))
	require.NoError(t, err)

	err = child.Stop(context.Background(), DefaultStopTimeouts(time.Second, time.Second))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "intent")

	child.SetIntent(IntentUser)
	require.NoError(t, child.Stop(context.Background(), StopTimeouts{ForceWait: 5 * time.Second}))
	waitEvent(t, child)
}

func TestTerminateForRestart(t *testing.T) {
	s := fakeEncoder(t, `
trap 'exit 0' TERM
sleep 30 &
wait $!`)

	child, err := s.Spawn(context.Background(), spawnReq(6))
	require.NoError(t, err)

	child.SetIntent(IntentUpdate)
	require.NoError(t, child.Terminate(context.Background(), 2*time.Second))

	ev := waitEvent(t, child)
	assert.Equal(t, ClassUpdating, ev.Class)
}

func TestExternalKillClassification(t *testing.T) {
	s := fakeEncoder(t, "sleep 30")

	child, err := s.Spawn(context.Background(), spawnReq(7))
	require.NoError(t, err)

	// Somebody else kills the encoder: no intent was recorded.
	require.NoError(t, syscall.Kill(child.PID(), syscall.SIGKILL))

	ev := waitEvent(t, child)
	assert.Equal(t, ClassExternalKill, ev.Class)
	assert.Equal(t, syscall.SIGKILL, ev.Signal)
	assert.True(t, ev.Class.CrashLike())
}

func TestStopAfterExitIsNoop(t *testing.T) {
	s := fakeEncoder(t, "exit 0")

	child, err := s.Spawn(context.Background(), spawnReq(8))
	require.NoError(t, err)
	waitEvent(t, child)

	child.SetIntent(IntentUser)
	assert.NoError(t, child.Stop(context.Background(), DefaultStopTimeouts(time.Second, time.Second)))
}
