// probe.go: staged file validation. Every file the encoder will read must
// be non-empty and parseable by the media probe; feeding ffmpeg a corrupt
// file costs a full spawn/crash/classify cycle, the probe costs 5 seconds.
package stager

import (
	"context"
	"os"
	"os/exec"
	"time"

	"github.com/truongvando/ezstream/internal/errors"
)

// validateFile checks that a staged file is readable, at least the minimum
// size, and parseable by ffprobe within the probe timeout.
func (s *Stager) validateFile(ctx context.Context, path string, probeTimeout time.Duration) error {
	info, err := os.Stat(path)
	if err != nil {
		return errors.New(err).
			Component("stager").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	if info.Size() < minValidFileSize {
		return errors.Newf("file %s is too small (%d bytes)", path, info.Size()).
			Component("stager").
			Category(errors.CategoryValidation).
			FileContext(path, info.Size()).
			Build()
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.New(err).
			Component("stager").
			Category(errors.CategoryFileIO).
			Context("path", path).
			Build()
	}
	_ = f.Close()

	return s.probeFile(ctx, path, probeTimeout)
}

// probeFile runs the media probe against a file. Exit status other than
// zero marks the file invalid.
func (s *Stager) probeFile(ctx context.Context, path string, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, s.ffprobePath,
		"-v", "error",
		"-show_format",
		"-of", "json",
		path)

	if output, err := cmd.CombinedOutput(); err != nil {
		if s.metrics != nil {
			s.metrics.RecordProbeFailure()
		}
		tail := string(output)
		if len(tail) > 512 {
			tail = tail[len(tail)-512:]
		}
		return errors.New(err).
			Component("stager").
			Category(errors.CategoryMediaProbe).
			Context("path", path).
			Context("probe_output", tail).
			Build()
	}
	return nil
}
