// cmdline.go: ffmpeg command-line construction. One function, one table:
// copy/reencode crossed with single-file/playlist input. Everything the
// encoder is told comes through here, so tests can pin the exact argv.
package encoder

import (
	"strconv"
	"strings"

	"github.com/truongvando/ezstream/internal/conf"
)

// Mode selects between stream copy and re-encoding.
type Mode string

const (
	ModeCopy     Mode = "copy"
	ModeReencode Mode = "reencode"
)

// ParseMode normalizes a mode string, defaulting to copy.
func ParseMode(s string) Mode {
	if strings.EqualFold(s, string(ModeReencode)) {
		return ModeReencode
	}
	return ModeCopy
}

// Overrides carries per-stream re-encode settings from the stream config.
// Zero values mean "use the host tunable". They live on the stream spec, so
// unlike tunables they survive restarts unchanged.
type Overrides struct {
	Preset       string
	CRF          int
	Maxrate      string
	AudioBitrate string
	GOP          int
}

// SpawnRequest describes one encoder child to start.
type SpawnRequest struct {
	StreamID    int64
	InputPath   string // media file or concat playlist
	IsPlaylist  bool
	Destination string // full RTMP URL including stream key
	Loop        bool
	Mode        Mode
	Overrides   Overrides
	Tunables    *conf.Tunables // snapshot the stream was started with
}

// BuildArgs constructs the full ffmpeg argument list for a spawn request.
// The binary name itself is not included.
func BuildArgs(req *SpawnRequest) []string {
	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-re",
	}

	// Input side. -stream_loop must precede -i.
	if req.IsPlaylist {
		args = append(args, "-f", "concat", "-safe", "0")
	}
	if req.Loop {
		args = append(args, "-stream_loop", "-1")
	}
	args = append(args, "-i", req.InputPath)

	// Codec side.
	switch req.Mode {
	case ModeReencode:
		enc := req.Tunables.Encoder
		preset := enc.VideoPreset
		if req.Overrides.Preset != "" {
			preset = req.Overrides.Preset
		}
		crf := enc.VideoCRF
		if req.Overrides.CRF > 0 {
			crf = req.Overrides.CRF
		}
		maxrate := enc.VideoMaxrate
		if req.Overrides.Maxrate != "" {
			maxrate = req.Overrides.Maxrate
		}
		gop := enc.VideoGOP
		if req.Overrides.GOP > 0 {
			gop = req.Overrides.GOP
		}
		abr := enc.AudioBitrate
		if req.Overrides.AudioBitrate != "" {
			abr = req.Overrides.AudioBitrate
		}
		args = append(args,
			"-c:v", "libx264",
			"-preset", preset,
			"-crf", strconv.Itoa(crf),
			"-maxrate", maxrate,
			"-bufsize", doubleRate(maxrate),
			"-g", strconv.Itoa(gop),
			"-pix_fmt", "yuv420p",
			"-c:a", "aac",
			"-b:a", abr,
			"-ar", "44100",
			"-ac", "2",
		)
	default:
		// Stream copy with timestamp repair. Looped inputs restart their
		// timeline on every lap; without these flags the muxer rejects
		// the non-monotonic timestamps within seconds.
		args = append(args,
			"-c", "copy",
			"-avoid_negative_ts", "make_zero",
			"-fflags", "+genpts",
		)
	}

	// Output side. no_duration_filesize keeps live endpoints from choking
	// on a duration header that a live stream cannot have.
	args = append(args,
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		req.Destination,
	)

	return args
}

// doubleRate doubles an ffmpeg bitrate string like "3000k" for -bufsize.
func doubleRate(rate string) string {
	if rate == "" {
		return ""
	}
	suffix := ""
	numeric := rate
	last := rate[len(rate)-1]
	if last < '0' || last > '9' {
		suffix = string(last)
		numeric = rate[:len(rate)-1]
	}
	n, err := strconv.Atoi(numeric)
	if err != nil {
		return rate
	}
	return strconv.Itoa(n*2) + suffix
}
