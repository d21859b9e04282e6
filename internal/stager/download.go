// download.go: HTTP source downloads with retries, completeness checking
// and progress reporting.
package stager

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/truongvando/ezstream/internal/errors"
	"github.com/truongvando/ezstream/internal/privacy"
)

const (
	// sizeTolerance is the allowed deviation between the advertised
	// Content-Length and the bytes on disk before a file counts as partial.
	sizeTolerance = 0.01

	downloadRetryBase = 1 * time.Second

	// partSuffix marks in-flight downloads so the GC and the validator
	// never mistake them for finished media.
	partSuffix = ".part"
)

// download fetches one remote source into dir, honoring the host-wide
// download semaphore, per-request timeout and retry policy. It returns the
// absolute path of the completed file.
func (s *Stager) download(ctx context.Context, streamID int64, dir, url string, onProgress func(downloaded, total int64)) (string, error) {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return "", errors.New(err).
			Component("stager").
			Category(errors.CategoryCancellation).
			StreamContext(streamID).
			Build()
	}
	defer s.sem.Release(1)

	if s.metrics != nil {
		s.metrics.AddActiveDownloads(1)
		defer s.metrics.AddActiveDownloads(-1)
	}

	tun := s.tunables.Snapshot()
	dest := filepath.Join(dir, SanitizeFilename(filenameFromURL(url)))

	var lastErr error
	for attempt := 0; attempt <= tun.DownloadRetries; attempt++ {
		if attempt > 0 {
			backoff := downloadRetryBase << (attempt - 1)
			s.logger.Warn("Retrying download",
				"stream_id", streamID,
				"url", privacy.AnonymizeURL(url),
				"attempt", attempt,
				"backoff", backoff.String(),
				"error", lastErr)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}

		start := time.Now()
		size, err := s.downloadOnce(ctx, dest, url, tun.DownloadTimeout, onProgress)
		if s.metrics != nil {
			s.metrics.RecordDownload(err, size, time.Since(start).Seconds())
		}
		if err == nil {
			return dest, nil
		}
		lastErr = err

		// Space exhaustion and cancellation do not improve with retries.
		if isNoSpace(err) || ctx.Err() != nil {
			break
		}
	}

	return "", errors.New(lastErr).
		Component("stager").
		Category(errors.CategoryDownload).
		StreamContext(streamID).
		Context("url", privacy.AnonymizeURL(url)).
		Context("attempts", tun.DownloadRetries+1).
		Build()
}

// downloadOnce performs a single download attempt. An existing complete
// file short-circuits the transfer. Returns the byte count written or
// reused.
func (s *Stager) downloadOnce(ctx context.Context, dest, url string, timeout time.Duration, onProgress func(downloaded, total int64)) (int64, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return 0, err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, errors.Newf("unexpected status %s", resp.Status).
			Component("stager").
			Category(errors.CategoryDownload).
			Build()
	}

	advertised := resp.ContentLength

	// A previous run may have left the finished file behind. Reuse it when
	// its size matches the advertised size within tolerance.
	if info, statErr := os.Stat(dest); statErr == nil && sizeComplete(info.Size(), advertised) {
		onProgress(info.Size(), max(advertised, info.Size()))
		return info.Size(), nil
	}

	part := dest + partSuffix
	out, err := os.Create(part)
	if err != nil {
		return 0, err
	}

	written, err := io.Copy(&progressWriter{w: out, total: advertised, onProgress: onProgress}, resp.Body)
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err != nil {
		_ = os.Remove(part)
		return written, err
	}

	if !sizeComplete(written, advertised) {
		_ = os.Remove(part)
		return written, errors.Newf("partial download: got %d of %d advertised bytes", written, advertised).
			Component("stager").
			Category(errors.CategoryDownload).
			Build()
	}

	if err := os.Rename(part, dest); err != nil {
		_ = os.Remove(part)
		return written, err
	}
	return written, nil
}

// sizeComplete applies the 1% tolerance rule. An unknown advertised size
// (zero or negative Content-Length) accepts any non-empty transfer; the
// minimum-size validation still applies afterwards.
func sizeComplete(got, advertised int64) bool {
	if advertised <= 0 {
		return got > 0
	}
	diff := got - advertised
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= float64(advertised)*sizeTolerance
}

// progressWriter forwards writes and reports cumulative progress.
type progressWriter struct {
	w          io.Writer
	written    int64
	total      int64
	onProgress func(downloaded, total int64)
}

func (p *progressWriter) Write(b []byte) (int, error) {
	n, err := p.w.Write(b)
	p.written += int64(n)
	if p.onProgress != nil {
		p.onProgress(p.written, p.total)
	}
	return n, err
}

// filenameFromURL extracts the final path segment of a URL, falling back to
// a generic name for pathless URLs. Query strings are stripped first since
// CDN source URLs are usually signed.
func filenameFromURL(url string) string {
	if i := strings.IndexAny(url, "?#"); i >= 0 {
		url = url[:i]
	}
	name := url
	if i := strings.LastIndexByte(url, '/'); i >= 0 {
		name = url[i+1:]
	}
	if name == "" {
		return "source.mp4"
	}
	return name
}

// isNoSpace reports whether an error chain bottoms out in ENOSPC.
func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}
