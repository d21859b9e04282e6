// Package streams owns the per-host stream registry and its lifecycle: it
// stages media, spawns encoder children, watches their exits, applies the
// crash restart policy and reports every transition to the control plane.
package streams

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/encoder"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/logging"
	"github.com/truongvando/ezstream/internal/observability/metrics"
	"github.com/truongvando/ezstream/internal/stager"
)

// Reporter is the slice of the reporting pipeline the manager needs. The
// manager never talks to the bus directly.
type Reporter interface {
	StreamStatus(streamID int64, status, message string, extra map[string]any)
	RestartRequest(streamID int64, reason string, crashCount int, lastError, errorType string)
	NudgeHeartbeat()
}

// Record is one registered stream. All fields are guarded by the manager's
// registry mutex except Child's own internals.
type Record struct {
	ID    int64
	Spec  StreamSpec
	State State

	Child *encoder.Child
	Media *stager.StagedMedia

	// Tun is the tunable snapshot the stream started with. It is replaced
	// only on restart or update.
	Tun *conf.Tunables

	RestartCount   int // resets after SuccessResetWindow of liveness
	TotalRestarts  int // lifetime
	LastTransition time.Time
	StartedAt      time.Time

	cancel        context.CancelFunc // aborts staging
	done          chan struct{}      // closed when the current watch goroutine returns
	successTimer  *time.Timer
	generation    int  // bumped per spawn, guards the success timer
	pendingUpdate bool // an Update owns the next ClassUpdating exit
}

// Manager is the stream registry and lifecycle driver. One instance per
// agent.
type Manager struct {
	tunables   *conf.TunableStore
	stager     *stager.Stager
	supervisor *encoder.Supervisor
	reporter   Reporter
	metrics    *metrics.StreamMetrics
	logger     *slog.Logger

	mu      sync.Mutex
	records map[int64]*Record

	// restartMu guards the lock map only. The registry mutex is never held
	// while a restart lock is being acquired.
	restartMu    sync.Mutex
	restartLocks map[int64]*sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewManager wires a Manager. Reporter must be non-nil; metrics may be nil.
func NewManager(tunables *conf.TunableStore, stg *stager.Stager, sup *encoder.Supervisor, rep Reporter, m *metrics.StreamMetrics) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		tunables:     tunables,
		stager:       stg,
		supervisor:   sup,
		reporter:     rep,
		metrics:      m,
		logger:       logging.ForService("streams"),
		records:      make(map[int64]*Record),
		restartLocks: make(map[int64]*sync.Mutex),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// restartLock returns the per-stream restart lock, creating it on first use.
// Restart locks outlive records so a stop and a late restart attempt always
// serialize.
func (m *Manager) restartLock(id int64) *sync.Mutex {
	m.restartMu.Lock()
	defer m.restartMu.Unlock()
	l, ok := m.restartLocks[id]
	if !ok {
		l = &sync.Mutex{}
		m.restartLocks[id] = l
	}
	return l
}

// StartAsync registers the stream and begins staging in the background.
// Duplicate ids are rejected deterministically.
func (m *Manager) StartAsync(spec StreamSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if spec.Normalize() {
		m.logger.Warn("Playback order 'random' is not supported, playing sequentially",
			"stream_id", spec.ID)
	}

	ctx, cancel := context.WithCancel(m.ctx)
	rec := &Record{
		ID:             spec.ID,
		Spec:           spec,
		State:          StateDownloading,
		Tun:            m.tunables.Snapshot(),
		LastTransition: time.Now(),
		StartedAt:      time.Now(),
		cancel:         cancel,
		done:           make(chan struct{}),
	}

	m.mu.Lock()
	if _, exists := m.records[spec.ID]; exists {
		m.mu.Unlock()
		cancel()
		return errors.Newf("stream %d is already running", spec.ID).
			Component("streams").
			Category(errors.CategoryConflict).
			StreamContext(spec.ID).
			Build()
	}
	m.records[spec.ID] = rec
	active := len(m.records)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveStreams(active)
	}
	m.reporter.StreamStatus(spec.ID, StateDownloading.String(), "Staging media", nil)
	m.logger.Info("Stream registered", "stream_id", spec.ID, "sources", len(spec.Sources))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.runStart(ctx, rec)
	}()
	return nil
}

// runStart stages, spawns and hands the stream over to its watch goroutine.
func (m *Manager) runStart(ctx context.Context, rec *Record) {
	media, err := m.stager.Stage(ctx, rec.ID, rec.Spec.Sources)
	if err != nil {
		// A stop during staging cancels the context; that is not an error.
		if m.stoppingLocked(rec) || errors.Is(err, context.Canceled) {
			m.finalize(rec, "Stopped during staging", !rec.Spec.KeepFilesAfterStop)
			close(rec.done)
			return
		}
		m.failRemove(rec, fmt.Sprintf("Staging failed: %v", err), string(encoder.KindUnknown), "staging_failed")
		close(rec.done)
		return
	}

	if !m.transition(rec, StateStarting) {
		m.finalize(rec, "Stopped before encoder start", !rec.Spec.KeepFilesAfterStop)
		close(rec.done)
		return
	}
	m.reporter.StreamStatus(rec.ID, StateStarting.String(), "Starting encoder", nil)

	m.mu.Lock()
	rec.Media = media
	m.mu.Unlock()

	child, err := m.spawnChild(rec)
	if err != nil {
		m.failRemove(rec, fmt.Sprintf("Encoder spawn failed: %v", err), string(encoder.KindUnknown), "spawn_failed")
		close(rec.done)
		return
	}

	m.mu.Lock()
	rec.Child = child
	rec.generation++
	m.mu.Unlock()

	if !m.transition(rec, StateStreaming) {
		// A stop raced the spawn. Kill the newborn child and finalize.
		child.SetIntent(encoder.IntentUser)
		_ = child.Stop(m.ctx, encoder.ForceKillTimeouts(rec.Tun.ForceKillTimeout))
		m.finalize(rec, "Stopped during encoder start", !rec.Spec.KeepFilesAfterStop)
		close(rec.done)
		return
	}
	m.reportStreaming(rec, child)
	m.armSuccessTimer(rec)

	m.watch(rec, child, rec.done)
}

// spawnChild starts an encoder child for the record's current media.
func (m *Manager) spawnChild(rec *Record) (*encoder.Child, error) {
	return m.supervisor.Spawn(m.ctx, &encoder.SpawnRequest{
		StreamID:    rec.ID,
		InputPath:   rec.Media.Input(),
		IsPlaylist:  rec.Media.PlaylistPath != "",
		Destination: rec.Spec.Destination,
		Loop:        rec.Spec.Loop,
		Mode:        rec.Spec.Mode,
		Overrides:   rec.Spec.Encoder,
		Tunables:    rec.Tun,
	})
}

// reportStreaming publishes the STREAMING status with liveness extras.
func (m *Manager) reportStreaming(rec *Record, child *encoder.Child) {
	m.reporter.StreamStatus(rec.ID, StateStreaming.String(), "Streaming", map[string]any{
		"pid":          child.PID(),
		"health_score": child.HealthScore(),
	})
}

// transition moves the record to the next state if the edge is valid. It
// returns false without side effects on an invalid edge.
func (m *Manager) transition(rec *Record, to State) bool {
	m.mu.Lock()
	from := rec.State
	if !canTransition(from, to) {
		m.mu.Unlock()
		m.logger.Debug("Rejected state transition",
			"stream_id", rec.ID, "from", from.String(), "to", to.String())
		return false
	}
	rec.State = to
	rec.LastTransition = time.Now()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordStateTransition(from.String(), to.String())
	}
	m.logger.Info("Stream state change",
		"stream_id", rec.ID, "from", from.String(), "to", to.String())
	return true
}

// stoppingLocked reports whether a stop has claimed the record.
func (m *Manager) stoppingLocked(rec *Record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.State == StateStopping
}

// armSuccessTimer schedules the restart-counter reset after the configured
// window of continuous liveness. The generation guard voids stale timers.
func (m *Manager) armSuccessTimer(rec *Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.successTimer != nil {
		rec.successTimer.Stop()
	}
	gen := rec.generation
	window := rec.Tun.SuccessResetWindow
	rec.successTimer = time.AfterFunc(window, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, ok := m.records[rec.ID]; !ok || cur != rec || rec.generation != gen {
			return
		}
		if rec.State == StateStreaming && rec.RestartCount > 0 {
			m.logger.Info("Restart counter reset after stable window",
				"stream_id", rec.ID, "window", window.String())
			rec.RestartCount = 0
		}
	})
}

// watch consumes a child's detection and exit events until the stream ends
// or is handed over to an update. Fast restarts respawn in place and keep
// the same watch goroutine.
func (m *Manager) watch(rec *Record, child *encoder.Child, done chan struct{}) {
	defer close(done)

	detections := child.Detections()
	for {
		select {
		case det, ok := <-detections:
			if !ok {
				detections = nil
				continue
			}
			m.handleDetection(rec, child, det)
		case ev := <-child.Exited():
			next, cont := m.handleExit(rec, child, ev)
			if !cont {
				return
			}
			child = next
			detections = child.Detections()
		}
	}
}

// handleDetection reacts to a stderr threshold crossing while the child is
// still alive: fatal kinds stop the stream, transient kinds trigger an
// in-band restart. The exit event carries the rest.
func (m *Manager) handleDetection(rec *Record, child *encoder.Child, det encoder.Detection) {
	m.logger.Warn("Encoder error threshold crossed",
		"stream_id", rec.ID,
		"kind", string(det.Kind),
		"count", det.Count,
		"line", det.Line)

	if det.Kind.Fatal() {
		child.SetIntent(encoder.IntentFatal)
	} else {
		child.SetIntent(encoder.IntentRestart)
	}
	if err := child.Terminate(m.ctx, 2*time.Second); err != nil {
		m.logger.Error("Failed to terminate encoder after detection",
			"stream_id", rec.ID, "error", err)
	}
}

// handleExit is the single decision point for a reaped child. It returns the
// replacement child when the stream fast-restarted in place.
func (m *Manager) handleExit(rec *Record, child *encoder.Child, ev encoder.ExitEvent) (*encoder.Child, bool) {
	if m.metrics != nil {
		m.metrics.ObserveStreamRuntime(ev.Runtime.Seconds())
	}

	m.mu.Lock()
	if rec.successTimer != nil {
		rec.successTimer.Stop()
	}
	pendingUpdate := rec.pendingUpdate
	m.mu.Unlock()

	switch {
	case ev.Class == encoder.ClassUserStop:
		m.finalize(rec, "Stopped by user request", !rec.Spec.KeepFilesAfterStop)
		return nil, false

	case ev.Class == encoder.ClassSystemStop:
		// Shutdown keeps staged files so the next boot restarts fast.
		m.finalize(rec, "Agent shutting down", false)
		return nil, false

	case ev.Class == encoder.ClassUpdating:
		if pendingUpdate {
			// Update() owns the respawn from here.
			return nil, false
		}
		// An update intent with no pending update means the updater bailed
		// out after signalling. Treat it as a user stop.
		m.finalize(rec, "Stopped during update", false)
		return nil, false

	case ev.Class == encoder.ClassFatalStop:
		m.failRemove(rec, exitMessage(ev), string(ev.Kind), "fatal_error")
		return nil, false

	case ev.Class == encoder.ClassNormalExit:
		if rec.Spec.Loop {
			// A looping stream never exits cleanly on purpose.
			return m.handleCrash(rec, ev)
		}
		m.finalize(rec, "Playback finished", !rec.Spec.KeepFilesAfterStop)
		return nil, false

	default: // ClassCrash, ClassExternalKill
		return m.handleCrash(rec, ev)
	}
}

// handleCrash applies the restart policy to a crash-like exit. Within the
// budget the stream fast-restarts in place; fatal kinds and an exhausted
// budget escalate to the control plane.
func (m *Manager) handleCrash(rec *Record, ev encoder.ExitEvent) (*encoder.Child, bool) {
	m.mu.Lock()
	switch rec.State {
	case StateStopping:
		m.mu.Unlock()
		m.finalize(rec, "Stopped by user request", !rec.Spec.KeepFilesAfterStop)
		return nil, false
	case StateUpdating:
		// The child died while an update was staging. The update respawns
		// with the new media; nothing to restart here.
		rec.Child = nil
		m.mu.Unlock()
		return nil, false
	}

	rec.RestartCount++
	rec.TotalRestarts++
	count := rec.RestartCount
	tun := rec.Tun
	m.mu.Unlock()

	message := exitMessage(ev)

	if ev.Kind.Fatal() {
		m.failRemove(rec, message, string(ev.Kind), "fatal_error")
		return nil, false
	}

	if count > tun.MaxFastRestarts {
		m.logger.Error("Restart budget exhausted",
			"stream_id", rec.ID, "restarts", count-1, "max", tun.MaxFastRestarts)
		m.failRemove(rec, message, string(ev.Kind), ev.Kind.Reason())
		return nil, false
	}

	if !m.transition(rec, StateRestarting) {
		return nil, false
	}
	m.reporter.StreamStatus(rec.ID, StateRestarting.String(),
		fmt.Sprintf("[%s] Fast restart %d/%d", ev.Kind.ShortTag(), count, tun.MaxFastRestarts),
		map[string]any{"restart_count": count, "exit_class": ev.Class.String()})
	if m.metrics != nil {
		m.metrics.RecordRestart(string(ev.Kind))
	}

	// User intent preempts: anything that moved the state away from
	// RESTARTING while we waited for the lock wins.
	lock := m.restartLock(rec.ID)
	lock.Lock()

	if state := m.currentState(rec); state != StateRestarting {
		lock.Unlock()
		if state == StateStopping {
			m.finalize(rec, "Stopped by user request", !rec.Spec.KeepFilesAfterStop)
		}
		return nil, false
	}

	delay := restartDelay(tun, count)
	m.logger.Info("Fast restart scheduled",
		"stream_id", rec.ID, "attempt", count, "delay", delay.String())

	timer := time.NewTimer(delay)
	select {
	case <-timer.C:
	case <-m.ctx.Done():
		timer.Stop()
		lock.Unlock()
		return nil, false
	}

	if state := m.currentState(rec); state != StateRestarting {
		lock.Unlock()
		if state == StateStopping {
			m.finalize(rec, "Stopped by user request", !rec.Spec.KeepFilesAfterStop)
		}
		return nil, false
	}

	// Restarts pick up the latest tunables; this is the snapshot boundary.
	m.mu.Lock()
	rec.Tun = m.tunables.Snapshot()
	m.mu.Unlock()

	child, err := m.spawnChild(rec)
	if err != nil {
		lock.Unlock()
		m.failRemove(rec, fmt.Sprintf("Respawn failed: %v", err), string(ev.Kind), "spawn_failed")
		return nil, false
	}

	m.mu.Lock()
	rec.Child = child
	rec.generation++
	m.mu.Unlock()
	lock.Unlock()

	if !m.transition(rec, StateStreaming) {
		child.SetIntent(encoder.IntentUser)
		_ = child.Stop(m.ctx, encoder.ForceKillTimeouts(rec.Tun.ForceKillTimeout))
		m.finalize(rec, "Stopped during restart", !rec.Spec.KeepFilesAfterStop)
		return nil, false
	}
	m.reportStreaming(rec, child)
	m.armSuccessTimer(rec)

	return child, true
}

// currentState reads the record's state under the registry lock.
func (m *Manager) currentState(rec *Record) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return rec.State
}

// restartDelay grows the wait between consecutive fast restarts: the first
// retry waits FastRestartDelay, later ones back off geometrically up to the
// cap.
func restartDelay(tun *conf.Tunables, attempt int) time.Duration {
	d := tun.FastRestartDelay
	if d <= 0 {
		d = 2 * time.Second
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * tun.RestartBackoffFactor)
		if tun.RestartBackoffCap > 0 && d >= tun.RestartBackoffCap {
			return tun.RestartBackoffCap
		}
	}
	return d
}

// exitMessage renders a crash for the control plane: bracketed kind tag,
// runtime, and the last stderr line when there is one.
func exitMessage(ev encoder.ExitEvent) string {
	msg := fmt.Sprintf("[%s] Encoder exited (%s) after %s",
		ev.Kind.ShortTag(), ev.Class.String(), ev.Runtime.Round(time.Second))
	if n := len(ev.StderrTail); n > 0 {
		msg += ": " + ev.StderrTail[n-1]
	}
	return msg
}

// finalize removes the record, publishes STOPPED and nudges the heartbeat.
// Safe to call more than once; only the first caller wins.
func (m *Manager) finalize(rec *Record, message string, cleanup bool) {
	m.mu.Lock()
	cur, ok := m.records[rec.ID]
	if !ok || cur != rec {
		m.mu.Unlock()
		return
	}
	delete(m.records, rec.ID)
	if rec.successTimer != nil {
		rec.successTimer.Stop()
	}
	active := len(m.records)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveStreams(active)
	}
	m.reporter.StreamStatus(rec.ID, StatusStopped, message, nil)
	if cleanup {
		if err := m.stager.Cleanup(rec.ID); err != nil {
			m.logger.Warn("Cleanup after stop failed", "stream_id", rec.ID, "error", err)
		}
	}
	m.logger.Info("Stream removed", "stream_id", rec.ID, "message", message)
	m.reporter.NudgeHeartbeat()
}

// failRemove removes the record with an ERROR report and a restart request.
// Staged files are kept for diagnosis; the control plane cleans up.
func (m *Manager) failRemove(rec *Record, message, errorType, reason string) {
	m.mu.Lock()
	cur, ok := m.records[rec.ID]
	if !ok || cur != rec {
		m.mu.Unlock()
		return
	}
	if canTransition(rec.State, StateError) {
		rec.State = StateError
		rec.LastTransition = time.Now()
	}
	crashCount := rec.RestartCount
	delete(m.records, rec.ID)
	if rec.successTimer != nil {
		rec.successTimer.Stop()
	}
	active := len(m.records)
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SetActiveStreams(active)
	}
	m.logger.Error("Stream failed", "stream_id", rec.ID, "reason", reason, "message", message)
	m.reporter.StreamStatus(rec.ID, StateError.String(), message, nil)
	m.reporter.RestartRequest(rec.ID, reason, crashCount, message, errorType)
	m.reporter.NudgeHeartbeat()
}
