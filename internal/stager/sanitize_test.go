package stager

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"clean name unchanged", "intro_video-1.mp4", "intro_video-1.mp4"},
		{"spaces substituted", "my video.mp4", "my_video.mp4"},
		{"unsafe runs collapse", "a!!@@##b.mp4", "a_b.mp4"},
		{"unicode substituted", "vidéo_finale.mp4", "vid_o_finale.mp4"},
		{"leading dots stripped", "..hidden.mp4", "hidden.mp4"},
		{"empty becomes placeholder", "", "media"},
		{"only unsafe becomes placeholder", "???", "media"},
		{"quotes removed", "it's live'.mp4", "it_s_live_.mp4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFilename(tt.in))
		})
	}
}

func TestSanitizeFilenamePreservesExtensionOnTruncate(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("a", 300) + ".mp4"
	got := SanitizeFilename(long)

	assert.LessOrEqual(t, len(got), maxFilenameLength)
	assert.True(t, strings.HasSuffix(got, ".mp4"), "extension must survive truncation, got %q", got)
}
