// Package stager downloads and prepares source media for the encoder. Each
// stream owns one subdirectory under the staging root; multi-source streams
// additionally get a concat playlist. Remote sources are downloaded with
// bounded concurrency and retries; local sources are validated in place.
package stager

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/truongvando/ezstream/internal/conf"
	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/logging"
	"github.com/truongvando/ezstream/internal/observability/metrics"
)

const (
	// minValidFileSize rejects empty and truncated downloads outright.
	minValidFileSize = 1024

	// scratchPrefix marks update pre-staging directories inside a stream dir.
	scratchPrefix = "update_"

	dirPerm = 0o755
)

// SourceRef identifies one source: a remote URL to download or a local path
// to validate in place. Exactly one field is set.
type SourceRef struct {
	URL  string
	Path string
}

// Remote reports whether the source must be downloaded.
func (s SourceRef) Remote() bool { return s.URL != "" }

// StagedMedia is the result of staging one stream's sources.
type StagedMedia struct {
	LocalFiles   []string // ordered absolute paths
	PlaylistPath string   // set iff len(LocalFiles) > 1
	CreatedAt    time.Time
	LastTouched  time.Time
}

// Input returns the encoder input path: the playlist for multi-source
// streams, the single file otherwise.
func (m *StagedMedia) Input() string {
	if m.PlaylistPath != "" {
		return m.PlaylistPath
	}
	if len(m.LocalFiles) > 0 {
		return m.LocalFiles[0]
	}
	return ""
}

// ProgressFunc receives staging progress for one stream. Percent is
// monotonic 0..100 per staging pass; downloaded/total are in MB, total is
// zero when no source advertised a size.
type ProgressFunc func(streamID int64, percent, downloadedMB, totalMB float64)

// Stager stages media under a root directory. One instance serves all
// streams; the download semaphore is host-wide.
type Stager struct {
	root        string
	ffprobePath string
	tunables    *conf.TunableStore
	sem         *semaphore.Weighted
	metrics     *metrics.StagerMetrics
	logger      *slog.Logger

	mu         sync.RWMutex
	onProgress ProgressFunc
}

// New creates a Stager rooted at settings.Staging.Root. The root directory
// is created if missing.
func New(settings *conf.Settings, tunables *conf.TunableStore, m *metrics.StagerMetrics) (*Stager, error) {
	root := settings.Staging.Root
	if err := os.MkdirAll(root, dirPerm); err != nil {
		return nil, errors.New(err).
			Component("stager").
			Category(errors.CategoryFileIO).
			Context("path", root).
			Build()
	}

	concurrency := tunables.Snapshot().DownloadConcurrency
	if concurrency < 1 {
		concurrency = 1
	}

	ffprobe := settings.FfprobePath
	if ffprobe == "" {
		ffprobe = "ffprobe"
	}

	return &Stager{
		root:        root,
		ffprobePath: ffprobe,
		tunables:    tunables,
		sem:         semaphore.NewWeighted(int64(concurrency)),
		metrics:     m,
		logger:      logging.ForService("stager"),
	}, nil
}

// SetProgressFunc installs the progress callback. Pass nil to disable.
func (s *Stager) SetProgressFunc(fn ProgressFunc) {
	s.mu.Lock()
	s.onProgress = fn
	s.mu.Unlock()
}

// progress invokes the callback if one is installed.
func (s *Stager) progress(streamID int64, percent, downloadedMB, totalMB float64) {
	s.mu.RLock()
	fn := s.onProgress
	s.mu.RUnlock()
	if fn != nil {
		fn(streamID, percent, downloadedMB, totalMB)
	}
}

// Root returns the staging root directory.
func (s *Stager) Root() string { return s.root }

// StreamDir returns the staging directory for a stream.
func (s *Stager) StreamDir(streamID int64) string {
	return filepath.Join(s.root, strconv.FormatInt(streamID, 10))
}

// NewScratchDir returns a fresh pre-staging directory path for an update of
// the given stream. The directory is not created.
func (s *Stager) NewScratchDir(streamID int64) string {
	return filepath.Join(s.StreamDir(streamID), scratchPrefix+uuid.New().String()[:8])
}

// Stage downloads and validates all sources of a stream into its staging
// directory and returns the resulting media set.
func (s *Stager) Stage(ctx context.Context, streamID int64, sources []SourceRef) (*StagedMedia, error) {
	return s.StageTo(ctx, streamID, s.StreamDir(streamID), sources)
}

// StageTo stages sources into an explicit directory. Updates use this with
// a scratch directory so the running stream's files stay untouched until
// the swap.
func (s *Stager) StageTo(ctx context.Context, streamID int64, dir string, sources []SourceRef) (*StagedMedia, error) {
	if len(sources) == 0 {
		return nil, errors.Newf("stream %d has no sources", streamID).
			Component("stager").
			Category(errors.CategoryValidation).
			StreamContext(streamID).
			Build()
	}

	start := time.Now()
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, errors.New(err).
			Component("stager").
			Category(spaceAwareCategory(err)).
			Context("path", dir).
			Build()
	}

	tracker := newProgressTracker(streamID, len(sources), s.progress)

	// Downloads run concurrently across the stream's sources; the
	// host-wide semaphore bounds total concurrency inside download().
	g, gctx := errgroup.WithContext(ctx)
	localFiles := make([]string, len(sources))

	for i, src := range sources {
		g.Go(func() error {
			var path string
			var err error
			if src.Remote() {
				path, err = s.download(gctx, streamID, dir, src.URL, tracker.forSource(i))
			} else {
				path, err = s.validateLocal(gctx, src.Path)
			}
			if err != nil {
				return err
			}
			localFiles[i] = path
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if s.metrics != nil {
			s.metrics.ObserveStageDuration(time.Since(start).Seconds())
		}
		return nil, err
	}

	// Every staged file must survive the probe before the encoder sees it.
	probeTimeout := s.tunables.Snapshot().ProbeTimeout
	for _, path := range localFiles {
		if err := s.validateFile(ctx, path, probeTimeout); err != nil {
			return nil, err
		}
	}

	media := &StagedMedia{
		LocalFiles:  localFiles,
		CreatedAt:   time.Now(),
		LastTouched: time.Now(),
	}

	if len(localFiles) > 1 {
		playlist, err := s.writePlaylist(streamID, dir, localFiles)
		if err != nil {
			return nil, err
		}
		media.PlaylistPath = playlist
	}

	tracker.complete()
	if s.metrics != nil {
		s.metrics.ObserveStageDuration(time.Since(start).Seconds())
	}
	s.logger.Info("Staging complete",
		"stream_id", streamID,
		"files", len(localFiles),
		"playlist", media.PlaylistPath != "",
		"duration", time.Since(start).String())

	return media, nil
}

// Promote moves the contents of an update scratch directory into the stream
// directory, replacing same-named files, and rewrites the playlist against
// the final paths. The scratch directory is removed afterwards.
func (s *Stager) Promote(streamID int64, scratchDir string, media *StagedMedia) (*StagedMedia, error) {
	streamDir := s.StreamDir(streamID)
	if err := os.MkdirAll(streamDir, dirPerm); err != nil {
		return nil, errors.New(err).
			Component("stager").
			Category(errors.CategoryFileIO).
			Context("path", streamDir).
			Build()
	}

	finalFiles := make([]string, len(media.LocalFiles))
	for i, src := range media.LocalFiles {
		// Local-path sources live outside the scratch dir and stay put.
		if !withinDir(scratchDir, src) {
			finalFiles[i] = src
			continue
		}
		dst := filepath.Join(streamDir, filepath.Base(src))
		if err := os.Rename(src, dst); err != nil {
			return nil, errors.New(err).
				Component("stager").
				Category(errors.CategoryFileIO).
				Context("operation", "promote").
				StreamContext(streamID).
				Build()
		}
		finalFiles[i] = dst
	}

	promoted := &StagedMedia{
		LocalFiles:  finalFiles,
		CreatedAt:   media.CreatedAt,
		LastTouched: time.Now(),
	}

	if len(finalFiles) > 1 {
		playlist, err := s.writePlaylist(streamID, streamDir, finalFiles)
		if err != nil {
			return nil, err
		}
		promoted.PlaylistPath = playlist
	}

	if err := os.RemoveAll(scratchDir); err != nil {
		s.logger.Warn("Failed to remove update scratch directory",
			"stream_id", streamID, "path", scratchDir, "error", err)
	}

	return promoted, nil
}

// DiscardScratch removes a failed update's pre-staging directory. Paths
// outside the staging root are refused.
func (s *Stager) DiscardScratch(scratchDir string) {
	if !withinDir(s.root, scratchDir) {
		return
	}
	if err := os.RemoveAll(scratchDir); err != nil {
		s.logger.Warn("Failed to remove update scratch directory",
			"path", scratchDir, "error", err)
	}
}

// Cleanup removes the staging directory of a stream. Local source files
// outside the staging root are never touched.
func (s *Stager) Cleanup(streamID int64) error {
	dir := s.StreamDir(streamID)
	if err := os.RemoveAll(dir); err != nil {
		return errors.New(err).
			Component("stager").
			Category(errors.CategoryDiskCleanup).
			StreamContext(streamID).
			Context("path", dir).
			Build()
	}
	s.logger.Info("Removed staging directory", "stream_id", streamID, "path", dir)
	return nil
}

// withinDir reports whether path sits under dir.
func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && !startsWithDotDot(rel)
}

func startsWithDotDot(rel string) bool {
	return rel == ".." || len(rel) > 2 && rel[:3] == ".."+string(filepath.Separator)
}

// validateLocal checks a local source path without copying it.
func (s *Stager) validateLocal(ctx context.Context, path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", errors.New(err).
			Component("stager").
			Category(errors.CategoryValidation).
			Context("path", path).
			Build()
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", errors.New(err).
			Component("stager").
			Category(errors.CategoryNotFound).
			Context("path", abs).
			Build()
	}
	if info.IsDir() {
		return "", errors.Newf("source path %s is a directory", abs).
			Component("stager").
			Category(errors.CategoryValidation).
			Build()
	}
	return abs, nil
}

// spaceAwareCategory maps ENOSPC write failures to the disk-space category.
func spaceAwareCategory(err error) errors.ErrorCategory {
	if isNoSpace(err) {
		return errors.CategoryDiskSpace
	}
	return errors.CategoryFileIO
}

// progressTracker aggregates per-source progress into one 0..100 figure for
// the whole staging pass. Monotonic by construction: bytes only grow.
type progressTracker struct {
	streamID int64
	sources  int
	report   func(streamID int64, percent, downloadedMB, totalMB float64)

	mu         sync.Mutex
	downloaded []int64
	totals     []int64
}

func newProgressTracker(streamID int64, sources int, report func(int64, float64, float64, float64)) *progressTracker {
	return &progressTracker{
		streamID:   streamID,
		sources:    sources,
		report:     report,
		downloaded: make([]int64, sources),
		totals:     make([]int64, sources),
	}
}

// forSource returns the per-source update callback handed to download().
func (p *progressTracker) forSource(i int) func(downloaded, total int64) {
	return func(downloaded, total int64) {
		p.mu.Lock()
		p.downloaded[i] = downloaded
		p.totals[i] = total
		var sumDown, sumTotal int64
		for j := range p.downloaded {
			sumDown += p.downloaded[j]
			sumTotal += p.totals[j]
		}
		p.mu.Unlock()

		percent := 0.0
		if sumTotal > 0 {
			percent = float64(sumDown) / float64(sumTotal) * 100
			if percent > 100 {
				percent = 100
			}
		}
		p.report(p.streamID, percent, mb(sumDown), mb(sumTotal))
	}
}

// complete emits the final 100% tick.
func (p *progressTracker) complete() {
	p.mu.Lock()
	var sumDown int64
	for _, d := range p.downloaded {
		sumDown += d
	}
	p.mu.Unlock()
	p.report(p.streamID, 100, mb(sumDown), mb(sumDown))
}

func mb(n int64) float64 {
	return float64(n) / (1024 * 1024)
}
