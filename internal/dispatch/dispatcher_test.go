package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/streams"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeBus captures the subscription handler so tests can inject command
// messages directly.
type fakeBus struct {
	mu       sync.Mutex
	handler  func([]byte)
	settings []byte
}

func (f *fakeBus) Connect(context.Context) error { return nil }

func (f *fakeBus) Subscribe(_ context.Context, _ string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeBus) Publish(context.Context, string, []byte) (int, error) { return 1, nil }

func (f *fakeBus) FetchSettings(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.settings == nil {
		return nil, errors.NewStd("no settings stored")
	}
	return f.settings, nil
}

func (f *fakeBus) Connected() bool    { return true }
func (f *fakeBus) OnReconnect(func()) {}
func (f *fakeBus) Close() error       { return nil }

func (f *fakeBus) inject(payload string) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler([]byte(payload))
}

type controllerCall struct {
	op    string
	id    int64
	spec  streams.StreamSpec
	force bool
}

type fakeController struct {
	mu    sync.Mutex
	calls []controllerCall
	fail  bool
}

func (f *fakeController) record(c controllerCall) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
	if f.fail {
		return errors.NewStd("controller failure")
	}
	return nil
}

func (f *fakeController) StartAsync(spec streams.StreamSpec) error {
	return f.record(controllerCall{op: "start", id: spec.ID, spec: spec})
}

func (f *fakeController) Stop(_ context.Context, id int64) error {
	return f.record(controllerCall{op: "stop", id: id})
}

func (f *fakeController) ForceKill(_ context.Context, id int64) error {
	return f.record(controllerCall{op: "force_kill", id: id})
}

func (f *fakeController) Update(_ context.Context, id int64, spec streams.StreamSpec) error {
	return f.record(controllerCall{op: "update", id: id, spec: spec})
}

func (f *fakeController) CleanupFiles(_ context.Context, id int64, force bool) error {
	return f.record(controllerCall{op: "cleanup", id: id, force: force})
}

func (f *fakeController) ActiveIDs() []int64 { return []int64{1, 2} }

func (f *fakeController) waitForCall(t *testing.T, op string) controllerCall {
	t.Helper()
	var found controllerCall
	require.Eventually(t, func() bool {
		f.mu.Lock()
		defer f.mu.Unlock()
		for _, c := range f.calls {
			if c.op == op {
				found = c
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond, "no %s call", op)
	return found
}

func (f *fakeController) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeNotifier struct {
	mu     sync.Mutex
	nudges int
}

func (f *fakeNotifier) NudgeHeartbeat() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nudges++
}

func (f *fakeNotifier) nudgeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nudges
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *fakeBus, *fakeController, *fakeNotifier, *conf.TunableStore) {
	t.Helper()

	settings := &conf.Settings{}
	settings.Main.HostID = "vps-1"

	store := conf.NewTunableStore(nil)
	fb := &fakeBus{}
	ctrl := &fakeController{}
	note := &fakeNotifier{}

	d := New(settings, store, fb, ctrl, note, nil)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	return d, fb, ctrl, note, store
}

func TestDispatchStartStream(t *testing.T) {
	_, fb, ctrl, _, _ := newTestDispatcher(t)

	fb.inject(`{
		"command": "START_STREAM",
		"config": {
			"id": 11,
			"video_files": [{"url": "https://cdn.example.com/a.mp4"}],
			"rtmp_url": "rtmp://live.example.com/live/key"
		}
	}`)

	call := ctrl.waitForCall(t, "start")
	assert.EqualValues(t, 11, call.id)
	assert.Equal(t, "rtmp://live.example.com/live/key", call.spec.Destination)
	assert.True(t, call.spec.Loop)
}

func TestDispatchStopAndForceKill(t *testing.T) {
	_, fb, ctrl, _, _ := newTestDispatcher(t)

	fb.inject(`{"command": "STOP_STREAM", "stream_id": 12}`)
	assert.EqualValues(t, 12, ctrl.waitForCall(t, "stop").id)

	fb.inject(`{"command": "FORCE_KILL_STREAM", "stream_id": 13}`)
	assert.EqualValues(t, 13, ctrl.waitForCall(t, "force_kill").id)
}

func TestDispatchUpdateStream(t *testing.T) {
	_, fb, ctrl, _, _ := newTestDispatcher(t)

	fb.inject(`{
		"command": "UPDATE_STREAM",
		"config": {
			"id": 14,
			"video_files": [{"url": "https://cdn.example.com/b.mp4"}],
			"rtmp_url": "rtmp://live.example.com/live/key"
		}
	}`)

	call := ctrl.waitForCall(t, "update")
	assert.EqualValues(t, 14, call.id)
	assert.EqualValues(t, 14, call.spec.ID)
}

func TestDispatchSyncStateNudgesHeartbeat(t *testing.T) {
	_, fb, _, note, _ := newTestDispatcher(t)

	fb.inject(`{"command": "SYNC_STATE"}`)
	require.Eventually(t, func() bool { return note.nudgeCount() == 1 },
		5*time.Second, 5*time.Millisecond)
}

func TestDispatchCleanupFilesForceFlag(t *testing.T) {
	_, fb, ctrl, _, _ := newTestDispatcher(t)

	fb.inject(`{"command": "CLEANUP_FILES", "stream_id": 15, "force": true}`)
	call := ctrl.waitForCall(t, "cleanup")
	assert.EqualValues(t, 15, call.id)
	assert.True(t, call.force)
}

func TestDispatchRefreshSettingsAppliesPayload(t *testing.T) {
	_, fb, _, _, store := newTestDispatcher(t)

	fb.mu.Lock()
	fb.settings = []byte(`{"heartbeat_interval": 30, "max_fast_restarts": 9}`)
	fb.mu.Unlock()

	fb.inject(`{"command": "REFRESH_SETTINGS"}`)

	require.Eventually(t, func() bool {
		tun := store.Snapshot()
		return tun.HeartbeatInterval == 30*time.Second && tun.MaxFastRestarts == 9
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDispatchUnknownCommandDropped(t *testing.T) {
	_, fb, ctrl, _, _ := newTestDispatcher(t)

	fb.inject(`{"command": "SELF_DESTRUCT"}`)
	fb.inject(`{"command": "STOP_STREAM", "stream_id": 16}`)

	ctrl.waitForCall(t, "stop")
	assert.Equal(t, 1, ctrl.callCount(), "unknown command reaches no handler")
}

func TestDispatchGarbageMessageIgnored(t *testing.T) {
	_, fb, ctrl, _, _ := newTestDispatcher(t)

	fb.inject(`this is not json`)
	fb.inject(`{"command": "STOP_STREAM", "stream_id": 17}`)

	ctrl.waitForCall(t, "stop")
	assert.Equal(t, 1, ctrl.callCount())
}

func TestDispatchUpdateAgentAcknowledged(t *testing.T) {
	_, fb, ctrl, _, _ := newTestDispatcher(t)

	fb.inject(`{"command": "UPDATE_AGENT", "version": "2.1.0"}`)
	fb.inject(`{"command": "STOP_STREAM", "stream_id": 18}`)

	ctrl.waitForCall(t, "stop")
	assert.Equal(t, 1, ctrl.callCount(), "UPDATE_AGENT is an acknowledging stub")
}
