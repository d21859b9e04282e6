// gc.go: staging garbage collection. A background sweeper reclaims
// directories of streams that are gone: stopped on another code path,
// orphaned by a crash of the agent itself, or left behind by an aborted
// update. Live streams are never touched.
package stager

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// RunSweeper runs the staging GC loop until ctx is cancelled. liveSet is
// queried once per sweep and must return the ids of every stream currently
// active (the stream manager serves this under its registry lock).
func (s *Stager) RunSweeper(ctx context.Context, liveSet func() map[int64]bool) {
	interval := s.tunables.Snapshot().GCSweepInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.logger.Info("Staging sweeper started", "interval", interval.String())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Staging sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(liveSet())
			// The sweep interval is tunable; pick up changes per cycle.
			if next := s.tunables.Snapshot().GCSweepInterval; next != interval {
				interval = next
				ticker.Reset(interval)
			}
		}
	}
}

// Sweep removes staging directories older than the GC age that do not
// belong to a live stream, plus stale update scratch directories inside
// live stream directories.
func (s *Stager) Sweep(live map[int64]bool) {
	maxAge := s.tunables.Snapshot().GCMaxAge
	cutoff := time.Now().Add(-maxAge)

	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Warn("Sweep cannot read staging root", "path", s.root, "error", err)
		return
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}

		streamID, err := strconv.ParseInt(entry.Name(), 10, 64)
		if err != nil {
			// Not a stream directory; leave foreign files alone.
			continue
		}

		dir := filepath.Join(s.root, entry.Name())

		if live[streamID] {
			removed += s.sweepScratch(dir, cutoff)
			continue
		}

		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}

		if err := os.RemoveAll(dir); err != nil {
			s.logger.Warn("Sweep failed to remove staging directory",
				"path", dir, "error", err)
			continue
		}
		removed++
		if s.metrics != nil {
			s.metrics.RecordGCRemoval()
		}
		s.logger.Info("Swept stale staging directory",
			"stream_id", streamID, "path", dir, "age_cutoff", maxAge.String())
	}

	if s.metrics != nil {
		s.metrics.SetStagingDiskBytes(dirSize(s.root))
	}
	if removed > 0 {
		s.logger.Info("Sweep complete", "removed", removed)
	}
}

// sweepScratch removes dead update scratch directories inside a live stream
// directory. A scratch dir older than the cutoff belongs to an update that
// never promoted.
func (s *Stager) sweepScratch(streamDir string, cutoff time.Time) int {
	entries, err := os.ReadDir(streamDir)
	if err != nil {
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.IsDir() || len(entry.Name()) <= len(scratchPrefix) || entry.Name()[:len(scratchPrefix)] != scratchPrefix {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(streamDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			s.logger.Warn("Sweep failed to remove scratch directory", "path", path, "error", err)
			continue
		}
		removed++
		if s.metrics != nil {
			s.metrics.RecordGCRemoval()
		}
	}
	return removed
}

// dirSize sums file sizes under root. Best effort, used for a gauge only.
func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(_ string, info os.FileInfo, err error) error {
		if err == nil && info != nil && !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}
