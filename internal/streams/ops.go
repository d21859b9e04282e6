// ops.go: the operations the command dispatcher drives. Stops and updates
// take the per-stream restart lock so user intent always serializes with
// the crash restart path.
package streams

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/truongvando/ezstream/internal/encoder"
	"github.com/truongvando/ezstream/internal/errors"
)

// Stop ends a stream on user request. Absent streams are a no-op so STOP
// commands are idempotent.
func (m *Manager) Stop(ctx context.Context, id int64) error {
	return m.stop(ctx, id, encoder.IntentUser, false)
}

// ForceKill skips the graceful ladder and goes straight to SIGKILL.
func (m *Manager) ForceKill(ctx context.Context, id int64) error {
	return m.stop(ctx, id, encoder.IntentUser, true)
}

func (m *Manager) stop(ctx context.Context, id int64, intent encoder.Intent, force bool) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Info("Stop for unknown stream, nothing to do", "stream_id", id)
		return nil
	}
	if rec.State == StateStopping {
		done := rec.done
		m.mu.Unlock()
		return m.waitDone(ctx, done)
	}
	rec.State = StateStopping
	rec.LastTransition = time.Now()
	cancel := rec.cancel
	m.mu.Unlock()

	m.reporter.StreamStatus(id, StateStopping.String(), "Stopping stream", nil)

	// Cancel staging first; a stream without a child ends right here.
	if cancel != nil {
		cancel()
	}

	// Serialize with any in-flight restart. Once we hold the lock the
	// restart path has either finished its respawn or aborted on the
	// STOPPING state.
	lock := m.restartLock(id)
	lock.Lock()
	m.mu.Lock()
	child := rec.Child
	tun := rec.Tun
	done := rec.done
	m.mu.Unlock()
	lock.Unlock()

	if child != nil {
		child.SetIntent(intent)
		timeouts := encoder.DefaultStopTimeouts(tun.GracefulShutdownTimeout, tun.ForceKillTimeout)
		if force {
			timeouts = encoder.ForceKillTimeouts(tun.ForceKillTimeout)
		}
		if err := child.Stop(ctx, timeouts); err != nil {
			return errors.New(err).
				Component("streams").
				Category(errors.CategoryEncoderStop).
				StreamContext(id).
				Build()
		}
	}

	return m.waitDone(ctx, done)
}

// waitDone blocks until the stream's watch goroutine has finalized.
func (m *Manager) waitDone(ctx context.Context, done <-chan struct{}) error {
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Update swaps a running stream to a new spec without a visible gap beyond
// the encoder restart. New media is staged into a scratch directory while
// the old child keeps streaming; staging failure leaves the stream exactly
// as it was.
func (m *Manager) Update(ctx context.Context, id int64, newSpec StreamSpec) error {
	if err := newSpec.Validate(); err != nil {
		return err
	}
	if newSpec.ID != id {
		return errors.Newf("update payload id %d does not match stream %d", newSpec.ID, id).
			Component("streams").
			Category(errors.CategoryValidation).
			StreamContext(id).
			Build()
	}
	if newSpec.Normalize() {
		m.logger.Warn("Playback order 'random' is not supported, playing sequentially",
			"stream_id", id)
	}

	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return errors.Newf("stream %d is not running", id).
			Component("streams").
			Category(errors.CategoryNotFound).
			StreamContext(id).
			Build()
	}
	if rec.State != StateStreaming {
		state := rec.State
		m.mu.Unlock()
		return errors.Newf("stream %d is %s, updates need a streaming stream", id, state).
			Component("streams").
			Category(errors.CategoryState).
			StreamContext(id).
			Build()
	}
	rec.State = StateUpdating
	rec.LastTransition = time.Now()
	oldPID := 0
	if rec.Child != nil {
		oldPID = rec.Child.PID()
	}
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordStateTransition(StateStreaming.String(), StateUpdating.String())
	}
	m.reporter.StreamStatus(id, StateUpdating.String(), "Staging new media", nil)

	scratch := m.stager.NewScratchDir(id)
	media, err := m.stager.StageTo(ctx, id, scratch, newSpec.Sources)
	if err != nil {
		m.stager.DiscardScratch(scratch)
		m.rollbackUpdate(rec, oldPID, err)
		return err
	}

	lock := m.restartLock(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	if cur := m.records[id]; cur != rec || rec.State != StateUpdating {
		m.mu.Unlock()
		m.stager.DiscardScratch(scratch)
		return errors.Newf("stream %d went away during update", id).
			Component("streams").
			Category(errors.CategoryState).
			StreamContext(id).
			Build()
	}
	old := rec.Child
	rec.pendingUpdate = true
	oldDone := rec.done
	tun := rec.Tun
	m.mu.Unlock()

	if old != nil {
		old.SetIntent(encoder.IntentUpdate)
		if err := old.Stop(ctx, encoder.DefaultStopTimeouts(tun.GracefulShutdownTimeout, tun.ForceKillTimeout)); err != nil {
			m.logger.Error("Old encoder refused to stop for update", "stream_id", id, "error", err)
		}
		if err := m.waitDone(ctx, oldDone); err != nil {
			return err
		}
	}

	promoted, err := m.stager.Promote(id, scratch, media)
	if err != nil {
		m.failRemove(rec, fmt.Sprintf("Update promote failed: %v", err), string(encoder.KindUnknown), "update_failed")
		return err
	}

	m.mu.Lock()
	rec.Spec = newSpec
	rec.Media = promoted
	rec.Tun = m.tunables.Snapshot()
	rec.pendingUpdate = false
	m.mu.Unlock()

	child, err := m.spawnChild(rec)
	if err != nil {
		m.failRemove(rec, fmt.Sprintf("Update respawn failed: %v", err), string(encoder.KindUnknown), "spawn_failed")
		return err
	}

	done := make(chan struct{})
	m.mu.Lock()
	rec.Child = child
	rec.generation++
	rec.RestartCount = 0
	rec.done = done
	rec.State = StateStreaming
	rec.LastTransition = time.Now()
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.RecordStateTransition(StateUpdating.String(), StateStreaming.String())
	}
	m.reportStreaming(rec, child)
	m.armSuccessTimer(rec)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.watch(rec, child, done)
	}()

	m.logger.Info("Stream updated", "stream_id", id, "old_pid", oldPID, "new_pid", child.PID())
	return nil
}

// rollbackUpdate returns an updating stream to STREAMING after a staging
// failure. The old child never stopped, so only the state and the control
// plane need correcting.
func (m *Manager) rollbackUpdate(rec *Record, oldPID int, cause error) {
	m.mu.Lock()
	if cur := m.records[rec.ID]; cur == rec && rec.State == StateUpdating {
		rec.State = StateStreaming
		rec.LastTransition = time.Now()
	}
	m.mu.Unlock()

	m.logger.Error("Update staging failed, stream untouched",
		"stream_id", rec.ID, "pid", oldPID, "error", cause)
	m.reporter.StreamStatus(rec.ID, StateError.String(),
		fmt.Sprintf("Update failed, stream continues: %v", cause),
		map[string]any{"update_failed": true, "pid": oldPID})
	m.reporter.StreamStatus(rec.ID, StateStreaming.String(), "Streaming (update rolled back)",
		map[string]any{"pid": oldPID})
}

// CleanupFiles removes a stream's staged files. Active streams are refused
// unless force is set, in which case the stream is killed first.
func (m *Manager) CleanupFiles(ctx context.Context, id int64, force bool) error {
	m.mu.Lock()
	_, active := m.records[id]
	m.mu.Unlock()

	if active {
		if !force {
			return errors.Newf("stream %d is active, refusing cleanup without force", id).
				Component("streams").
				Category(errors.CategoryConflict).
				StreamContext(id).
				Build()
		}
		if err := m.ForceKill(ctx, id); err != nil {
			return err
		}
	}
	return m.stager.Cleanup(id)
}

// ActiveIDs returns the ids of all streams in an active state, for
// heartbeats and SYNC_STATE.
func (m *Manager) ActiveIDs() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.records))
	for id, rec := range m.records {
		if rec.State.Active() {
			ids = append(ids, id)
		}
	}
	return ids
}

// ActiveCount returns the number of active streams.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, rec := range m.records {
		if rec.State.Active() {
			n++
		}
	}
	return n
}

// LiveSet returns the set of registered stream ids. The stager's GC sweeper
// queries this so live staging directories survive the sweep.
func (m *Manager) LiveSet() map[int64]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := make(map[int64]bool, len(m.records))
	for id := range m.records {
		live[id] = true
	}
	return live
}

// StreamInfo is a point-in-time view of one stream for SYNC_STATE reports.
type StreamInfo struct {
	ID             int64
	State          string
	RestartCount   int
	TotalRestarts  int
	LastTransition time.Time
	PID            int
	HealthScore    float64
}

// Snapshot returns the current view of every registered stream.
func (m *Manager) Snapshot() []StreamInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]StreamInfo, 0, len(m.records))
	for _, rec := range m.records {
		info := StreamInfo{
			ID:             rec.ID,
			State:          rec.State.String(),
			RestartCount:   rec.RestartCount,
			TotalRestarts:  rec.TotalRestarts,
			LastTransition: rec.LastTransition,
		}
		if rec.Child != nil && rec.Child.Alive() {
			info.PID = rec.Child.PID()
			info.HealthScore = rec.Child.HealthScore()
		}
		out = append(out, info)
	}
	return out
}

// Shutdown stops every stream in parallel with shutdown intent, bounded by
// the context deadline, then stops the manager's own goroutines.
func (m *Manager) Shutdown(ctx context.Context) {
	ids := m.ActiveIDs()
	if len(ids) > 0 {
		m.logger.Info("Stopping all streams for shutdown", "count", len(ids))
		g, gctx := errgroup.WithContext(ctx)
		for _, id := range ids {
			g.Go(func() error {
				if err := m.stop(gctx, id, encoder.IntentShutdown, false); err != nil {
					m.logger.Error("Stream did not stop cleanly during shutdown",
						"stream_id", id, "error", err)
				}
				return nil
			})
		}
		_ = g.Wait()
	}

	m.cancel()
	m.wg.Wait()
	m.logger.Info("Stream manager stopped")
}
