package privacy

import (
	"errors"
	"strings"
	"testing"
)

func TestSanitizeRTMPUrl(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		want        string
		notContains []string
	}{
		{
			name:        "stream key masked",
			input:       "rtmp://live.example.com/app/sk-secret-123",
			want:        "rtmp://live.example.com/app/***",
			notContains: []string{"sk-secret-123"},
		},
		{
			name:        "credentials stripped",
			input:       "rtmp://user:pw@ingest.example.com:1935/live/abcdef",
			want:        "rtmp://ingest.example.com:1935/live/***",
			notContains: []string{"user", "pw", "abcdef"},
		},
		{
			name:  "rtmps scheme",
			input: "rtmps://a.rtmp.youtube.com/live2/key-value",
			want:  "rtmps://a.rtmp.youtube.com/live2/***",
		},
		{
			name:  "single segment path is the key",
			input: "rtmp://example.com/onlykey",
			want:  "rtmp://example.com/***",
		},
		{
			name:  "query and fragment dropped",
			input: "rtmp://example.com/app/key?token=xyz#frag",
			want:  "rtmp://example.com/app/***",
		},
		{
			name:  "non-rtmp passes through",
			input: "https://example.com/video.mp4",
			want:  "https://example.com/video.mp4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := SanitizeRTMPUrl(tt.input)
			if got != tt.want {
				t.Errorf("SanitizeRTMPUrl(%q) = %q, want %q", tt.input, got, tt.want)
			}
			for _, secret := range tt.notContains {
				if strings.Contains(got, secret) {
					t.Errorf("output %q still contains %q", got, secret)
				}
			}
		})
	}
}

func TestScrubMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		input       string
		contains    []string
		notContains []string
	}{
		{
			name:        "rtmp url keeps host, masks key",
			input:       "publish failed for rtmp://live.example.com/app/sk-999",
			contains:    []string{"rtmp://live.example.com/app/***"},
			notContains: []string{"sk-999"},
		},
		{
			name:        "http url anonymized",
			input:       "download failed: https://cdn.example.com/media/file.mp4",
			contains:    []string{"download failed: url-"},
			notContains: []string{"cdn.example.com"},
		},
		{
			name:        "multiple urls",
			input:       "copy https://src.example.com/a.mp4 to rtmp://dst.example.com/live/key1",
			contains:    []string{"url-", "rtmp://dst.example.com/live/***"},
			notContains: []string{"src.example.com", "key1"},
		},
		{
			name:     "plain message untouched",
			input:    "encoder exited with code 1",
			contains: []string{"encoder exited with code 1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := ScrubMessage(tt.input)
			for _, want := range tt.contains {
				if !strings.Contains(got, want) {
					t.Errorf("ScrubMessage(%q) = %q, missing %q", tt.input, got, want)
				}
			}
			for _, secret := range tt.notContains {
				if strings.Contains(got, secret) {
					t.Errorf("ScrubMessage(%q) = %q, still contains %q", tt.input, got, secret)
				}
			}
		})
	}
}

func TestAnonymizeURLStable(t *testing.T) {
	t.Parallel()

	a := AnonymizeURL("https://cdn.example.com/media/video.mp4")
	b := AnonymizeURL("https://cdn.example.com/media/video.mp4")
	if a != b {
		t.Errorf("AnonymizeURL not stable: %q vs %q", a, b)
	}
	if strings.Contains(a, "example.com") {
		t.Errorf("anonymized url leaks host: %q", a)
	}
}

func TestWrapError(t *testing.T) {
	t.Parallel()

	if WrapError(nil) != nil {
		t.Error("WrapError(nil) should be nil")
	}

	base := errors.New("dial rtmp://live.example.com/app/topsecret: refused")
	wrapped := WrapError(base)
	if strings.Contains(wrapped.Error(), "topsecret") {
		t.Errorf("wrapped message leaks key: %q", wrapped.Error())
	}
	if !errors.Is(wrapped, base) {
		t.Error("errors.Is should reach the original error")
	}
}

func TestRedactFileName(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  string
	}{
		{"short.mp4", "short.mp4"},
		{"a-very-long-episode-title-s01e05.mp4", "a-very-l….mp4"},
		{"noextension-but-long", "noextens…"},
	}
	for _, tt := range tests {
		if got := RedactFileName(tt.input); got != tt.want {
			t.Errorf("RedactFileName(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}
