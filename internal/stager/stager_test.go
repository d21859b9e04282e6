package stager

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truongvando/ezstream/internal/conf"
)

// newTestStager builds a stager rooted in a temp dir. The probe binary is
// replaced by /usr/bin/true (or false) so tests do not need ffprobe.
func newTestStager(t *testing.T, probeBinary string) *Stager {
	t.Helper()
	settings := &conf.Settings{
		Staging:     conf.StagingSettings{Root: t.TempDir()},
		FfprobePath: probeBinary,
	}
	s, err := New(settings, conf.NewTunableStore(nil), nil)
	require.NoError(t, err)
	return s
}

// mediaBody returns a payload comfortably above the minimum valid size.
func mediaBody(size int) string {
	return strings.Repeat("x", size)
}

func TestStageSingleRemoteSource(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://cdn.example.com/videos/intro.mp4",
		httpmock.NewStringResponder(200, mediaBody(4096)))

	s := newTestStager(t, "true")

	media, err := s.Stage(context.Background(), 42, []SourceRef{
		{URL: "https://cdn.example.com/videos/intro.mp4"},
	})
	require.NoError(t, err)

	// Single source: no playlist, the file itself is the input.
	require.Len(t, media.LocalFiles, 1)
	assert.Empty(t, media.PlaylistPath)
	assert.Equal(t, media.LocalFiles[0], media.Input())

	data, err := os.ReadFile(media.LocalFiles[0])
	require.NoError(t, err)
	assert.Len(t, data, 4096)
	assert.Equal(t, s.StreamDir(42), filepath.Dir(media.LocalFiles[0]))
}

func TestStageMultipleSourcesWritesPlaylist(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	for _, name := range []string{"one.mp4", "two.mp4", "three.mp4"} {
		httpmock.RegisterResponder("GET", "https://cdn.example.com/"+name,
			httpmock.NewStringResponder(200, mediaBody(2048)))
	}

	s := newTestStager(t, "true")

	media, err := s.Stage(context.Background(), 7, []SourceRef{
		{URL: "https://cdn.example.com/one.mp4"},
		{URL: "https://cdn.example.com/two.mp4"},
		{URL: "https://cdn.example.com/three.mp4"},
	})
	require.NoError(t, err)
	require.Len(t, media.LocalFiles, 3)
	require.NotEmpty(t, media.PlaylistPath)
	assert.Equal(t, media.PlaylistPath, media.Input())

	content, err := os.ReadFile(media.PlaylistPath)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(content)), "\n")
	require.Len(t, lines, 3)
	for i, line := range lines {
		assert.Equal(t, "file '"+media.LocalFiles[i]+"'", line)
	}
}

func TestStagePreservesSourceOrder(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://cdn.example.com/b.mp4",
		httpmock.NewStringResponder(200, mediaBody(2048)))
	httpmock.RegisterResponder("GET", "https://cdn.example.com/a.mp4",
		httpmock.NewStringResponder(200, mediaBody(2048)))

	s := newTestStager(t, "true")

	media, err := s.Stage(context.Background(), 9, []SourceRef{
		{URL: "https://cdn.example.com/b.mp4"},
		{URL: "https://cdn.example.com/a.mp4"},
	})
	require.NoError(t, err)

	// Concurrent downloads must not reorder the playlist.
	assert.Equal(t, "b.mp4", filepath.Base(media.LocalFiles[0]))
	assert.Equal(t, "a.mp4", filepath.Base(media.LocalFiles[1]))
}

func TestStageRejectsEmptySources(t *testing.T) {
	s := newTestStager(t, "true")
	_, err := s.Stage(context.Background(), 1, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no sources")
}

func TestStageRejectsTooSmallFile(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://cdn.example.com/tiny.mp4",
		httpmock.NewStringResponder(200, mediaBody(100)))

	s := newTestStager(t, "true")
	_, err := s.Stage(context.Background(), 2, []SourceRef{
		{URL: "https://cdn.example.com/tiny.mp4"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "too small")
}

func TestStageFailsWhenProbeRejectsFile(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://cdn.example.com/corrupt.mp4",
		httpmock.NewStringResponder(200, mediaBody(4096)))

	s := newTestStager(t, "false")
	_, err := s.Stage(context.Background(), 3, []SourceRef{
		{URL: "https://cdn.example.com/corrupt.mp4"},
	})
	require.Error(t, err)
}

func TestStageRetriesFailedDownloads(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	calls := 0
	httpmock.RegisterResponder("GET", "https://cdn.example.com/flaky.mp4",
		func(req *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(503, "try later"), nil
			}
			return httpmock.NewStringResponse(200, mediaBody(4096)), nil
		})

	s := newTestStager(t, "true")
	media, err := s.Stage(context.Background(), 4, []SourceRef{
		{URL: "https://cdn.example.com/flaky.mp4"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	require.Len(t, media.LocalFiles, 1)
}

func TestStageFailsAfterRetryBudget(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://cdn.example.com/gone.mp4",
		httpmock.NewStringResponder(404, "not found"))

	s := newTestStager(t, "true")
	_, err := s.Stage(context.Background(), 5, []SourceRef{
		{URL: "https://cdn.example.com/gone.mp4"},
	})
	require.Error(t, err)

	// default retries (3) plus the initial attempt
	info := httpmock.GetCallCountInfo()
	assert.Equal(t, 4, info["GET https://cdn.example.com/gone.mp4"])
}

func TestStageLocalSourceValidatedInPlace(t *testing.T) {
	s := newTestStager(t, "true")

	local := filepath.Join(t.TempDir(), "local.mp4")
	require.NoError(t, os.WriteFile(local, []byte(mediaBody(4096)), 0o644))

	media, err := s.Stage(context.Background(), 6, []SourceRef{{Path: local}})
	require.NoError(t, err)
	require.Len(t, media.LocalFiles, 1)
	assert.Equal(t, local, media.LocalFiles[0])

	// Cleanup must not touch files outside the staging root.
	require.NoError(t, s.Cleanup(6))
	_, err = os.Stat(local)
	assert.NoError(t, err)
}

func TestStageProgressIsMonotonic(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://cdn.example.com/big.mp4",
		httpmock.NewStringResponder(200, mediaBody(1<<20)))

	s := newTestStager(t, "true")

	var percents []float64
	s.SetProgressFunc(func(streamID int64, percent, downloadedMB, totalMB float64) {
		percents = append(percents, percent)
	})

	_, err := s.Stage(context.Background(), 8, []SourceRef{
		{URL: "https://cdn.example.com/big.mp4"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, percents)

	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1], "progress went backwards at %d", i)
	}
	assert.Equal(t, 100.0, percents[len(percents)-1])
}

func TestPromoteMovesScratchIntoStreamDir(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://cdn.example.com/n1.mp4",
		httpmock.NewStringResponder(200, mediaBody(2048)))
	httpmock.RegisterResponder("GET", "https://cdn.example.com/n2.mp4",
		httpmock.NewStringResponder(200, mediaBody(2048)))

	s := newTestStager(t, "true")

	scratch := s.NewScratchDir(11)
	media, err := s.StageTo(context.Background(), 11, scratch, []SourceRef{
		{URL: "https://cdn.example.com/n1.mp4"},
		{URL: "https://cdn.example.com/n2.mp4"},
	})
	require.NoError(t, err)

	promoted, err := s.Promote(11, scratch, media)
	require.NoError(t, err)

	for _, f := range promoted.LocalFiles {
		assert.Equal(t, s.StreamDir(11), filepath.Dir(f))
		_, err := os.Stat(f)
		assert.NoError(t, err)
	}

	// Scratch is gone; the promoted playlist references the final paths.
	_, err = os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))

	content, err := os.ReadFile(promoted.PlaylistPath)
	require.NoError(t, err)
	for _, f := range promoted.LocalFiles {
		assert.Contains(t, string(content), f)
	}
}

func TestCleanupRemovesStreamDir(t *testing.T) {
	httpmock.Activate()
	defer httpmock.DeactivateAndReset()

	httpmock.RegisterResponder("GET", "https://cdn.example.com/c.mp4",
		httpmock.NewStringResponder(200, mediaBody(2048)))

	s := newTestStager(t, "true")
	_, err := s.Stage(context.Background(), 12, []SourceRef{
		{URL: "https://cdn.example.com/c.mp4"},
	})
	require.NoError(t, err)

	require.NoError(t, s.Cleanup(12))
	_, err = os.Stat(s.StreamDir(12))
	assert.True(t, os.IsNotExist(err))

	// Idempotent on an absent directory.
	assert.NoError(t, s.Cleanup(12))
}

func TestSweepRemovesOnlyDeadOldDirs(t *testing.T) {
	s := newTestStager(t, "true")

	oldDead := s.StreamDir(100)
	oldLive := s.StreamDir(101)
	fresh := s.StreamDir(102)
	for _, dir := range []string{oldDead, oldLive, fresh} {
		require.NoError(t, os.MkdirAll(dir, 0o755))
	}

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(oldDead, past, past))
	require.NoError(t, os.Chtimes(oldLive, past, past))

	s.Sweep(map[int64]bool{101: true})

	_, err := os.Stat(oldDead)
	assert.True(t, os.IsNotExist(err), "old dir of dead stream must be swept")
	_, err = os.Stat(oldLive)
	assert.NoError(t, err, "live stream dir must survive regardless of age")
	_, err = os.Stat(fresh)
	assert.NoError(t, err, "fresh dir must survive")
}

func TestSweepRemovesStaleScratchInLiveDir(t *testing.T) {
	s := newTestStager(t, "true")

	streamDir := s.StreamDir(200)
	scratch := filepath.Join(streamDir, scratchPrefix+"deadbeef")
	require.NoError(t, os.MkdirAll(scratch, 0o755))

	past := time.Now().Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(scratch, past, past))

	s.Sweep(map[int64]bool{200: true})

	_, err := os.Stat(scratch)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(streamDir)
	assert.NoError(t, err)
}

func TestPlaylistEscapesEmbeddedQuotes(t *testing.T) {
	assert.Equal(t, `/tmp/it'\''s.mp4`, escapePlaylistPath("/tmp/it's.mp4"))
	assert.Equal(t, "/tmp/plain.mp4", escapePlaylistPath("/tmp/plain.mp4"))
}

func TestSizeComplete(t *testing.T) {
	t.Parallel()

	assert.True(t, sizeComplete(1000, 1000))
	assert.True(t, sizeComplete(995, 1000), "within 1% tolerance")
	assert.False(t, sizeComplete(900, 1000))
	assert.True(t, sizeComplete(500, 0), "unknown advertised size accepts any bytes")
	assert.False(t, sizeComplete(0, 0), "zero bytes never complete")
}
