// playlist.go: concat playlist generation for multi-source streams. The
// playlist is the encoder's input for more than one file; a single source
// never gets one. Looping is handled by the encoder's -stream_loop flag, so
// each entry appears exactly once.
package stager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"

	"github.com/truongvando/ezstream/internal/errors"
)

const playlistPerm = 0o644

// writePlaylist writes a fresh concat playlist for a stream into dir and
// removes any older playlists for the same stream. The write is atomic so
// a crash mid-write can never leave a truncated playlist behind.
func (s *Stager) writePlaylist(streamID int64, dir string, files []string) (string, error) {
	var b strings.Builder
	for _, f := range files {
		fmt.Fprintf(&b, "file '%s'\n", escapePlaylistPath(f))
	}

	path := filepath.Join(dir, fmt.Sprintf("playlist_%d.txt", time.Now().Unix()))
	if err := renameio.WriteFile(path, []byte(b.String()), playlistPerm); err != nil {
		return "", errors.New(err).
			Component("stager").
			Category(errors.CategoryPlaylist).
			StreamContext(streamID).
			Context("path", path).
			Build()
	}

	s.removeOldPlaylists(dir, path)
	return path, nil
}

// removeOldPlaylists deletes every playlist in dir except keep.
func (s *Stager) removeOldPlaylists(dir, keep string) {
	matches, err := filepath.Glob(filepath.Join(dir, "playlist_*.txt"))
	if err != nil {
		return
	}
	for _, m := range matches {
		if m == keep {
			continue
		}
		if err := os.Remove(m); err != nil {
			s.logger.Warn("Failed to remove stale playlist", "path", m, "error", err)
		}
	}
}

// escapePlaylistPath applies the concat demuxer's single-quote escape:
// a literal ' becomes '\''.
func escapePlaylistPath(path string) string {
	return strings.ReplaceAll(path, "'", `'\''`)
}
