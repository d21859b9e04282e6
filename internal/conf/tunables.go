// tunables.go: the runtime-tunable half of the configuration surface.
package conf

import (
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/antonholmquist/jason"

	"github.com/truongvando/ezstream/internal/errors"
)

// EncoderTunables holds the ffmpeg knobs for reencode mode. Copy mode
// ignores everything except Mode.
type EncoderTunables struct {
	Mode         string // "copy" or "reencode"
	VideoPreset  string // x264 preset
	VideoCRF     int    // constant rate factor, 0-51
	VideoMaxrate string // e.g. "3000k"; bufsize is derived as twice this
	VideoGOP     int    // keyframe interval in frames
	AudioBitrate string // e.g. "128k"
}

// Tunables is the runtime-tunable surface. A snapshot is immutable once
// published; in-flight streams keep the snapshot they started with until
// they are restarted.
type Tunables struct {
	Encoder EncoderTunables

	// Process stop escalation
	GracefulShutdownTimeout time.Duration // window between the quit keypress and SIGINT
	ForceKillTimeout        time.Duration // window between SIGINT and SIGKILL

	// Crash restart policy
	MaxFastRestarts      int           // fast restarts before backoff kicks in
	FastRestartDelay     time.Duration // delay between fast restarts
	RestartBackoffBase   time.Duration
	RestartBackoffCap    time.Duration
	RestartBackoffFactor float64
	SuccessResetWindow   time.Duration // uptime after which the restart counter resets

	// Reporting cadence
	HeartbeatInterval        time.Duration
	StatsReportInterval      time.Duration
	ProgressThrottleInterval time.Duration

	// Staging
	DownloadConcurrency int
	DownloadRetries     int
	DownloadTimeout     time.Duration
	ProbeTimeout        time.Duration

	// Command dispatch
	CommandWorkers int

	// Staging garbage collection
	GCSweepInterval time.Duration
	GCMaxAge        time.Duration
}

// DefaultTunables returns the boot-time tunable values. The viper default
// table in defaults.go is derived from this function.
func DefaultTunables() *Tunables {
	return &Tunables{
		Encoder: EncoderTunables{
			Mode:         "copy",
			VideoPreset:  "veryfast",
			VideoCRF:     23,
			VideoMaxrate: "3000k",
			VideoGOP:     60,
			AudioBitrate: "128k",
		},
		GracefulShutdownTimeout:  15 * time.Second,
		ForceKillTimeout:         10 * time.Second,
		MaxFastRestarts:          5,
		FastRestartDelay:         2 * time.Second,
		RestartBackoffBase:       2 * time.Second,
		RestartBackoffCap:        60 * time.Second,
		RestartBackoffFactor:     2.0,
		SuccessResetWindow:       5 * time.Minute,
		HeartbeatInterval:        5 * time.Second,
		StatsReportInterval:      15 * time.Second,
		ProgressThrottleInterval: 2 * time.Second,
		DownloadConcurrency:      5,
		DownloadRetries:          3,
		DownloadTimeout:          5 * time.Minute,
		ProbeTimeout:             5 * time.Second,
		CommandWorkers:           10,
		GCSweepInterval:          time.Hour,
		GCMaxAge:                 24 * time.Hour,
	}
}

// criticalSettingKeys are encoder settings baked into the ffmpeg command
// line at spawn time. Changing one never restarts streams automatically;
// it is only surfaced so the operator can decide when to restart.
var criticalSettingKeys = map[string]bool{
	"ffmpeg_mode":       true,
	"hls_video_preset":  true,
	"hls_video_crf":     true,
	"hls_video_maxrate": true,
	"hls_audio_bitrate": true,
}

// TunableStore publishes Tunables snapshots behind an atomic pointer.
// Replace swaps the whole snapshot so readers never observe torn values.
type TunableStore struct {
	current atomic.Pointer[Tunables]
}

// NewTunableStore seeds the store with a copy of initial, or with
// DefaultTunables when initial is nil.
func NewTunableStore(initial *Tunables) *TunableStore {
	ts := &TunableStore{}
	if initial == nil {
		ts.current.Store(DefaultTunables())
		return ts
	}
	cp := *initial
	ts.current.Store(&cp)
	return ts
}

// Snapshot returns the current snapshot. The returned value must be treated
// as read-only.
func (ts *TunableStore) Snapshot() *Tunables {
	return ts.current.Load()
}

// Replace publishes a copy of next as the current snapshot.
func (ts *TunableStore) Replace(next *Tunables) {
	cp := *next
	ts.current.Store(&cp)
}

// Apply merges a control-plane settings payload into the current snapshot,
// validates the result and publishes it. It returns a human-readable list
// of applied changes and whether any change touches encoder settings that
// only take effect after a stream restart. An invalid payload leaves the
// current snapshot untouched.
func (ts *TunableStore) Apply(payload []byte) (changed []string, critical bool, err error) {
	cur := ts.Snapshot()
	next, changed, critical, err := cur.ApplySettingsPayload(payload)
	if err != nil {
		return nil, false, err
	}
	if len(changed) == 0 {
		return nil, false, nil
	}
	if err := ValidateTunables(next); err != nil {
		return nil, false, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("operation", "apply-settings").
			Build()
	}
	ts.current.Store(next)
	return changed, critical, nil
}

// ApplySettingsPayload merges a control-plane settings object into a copy
// of this snapshot. Interval values arrive as plain seconds; encoder rates
// accept either "3000k" strings or bare numbers treated as kbit/s. Unknown
// keys are ignored.
func (t *Tunables) ApplySettingsPayload(payload []byte) (*Tunables, []string, bool, error) {
	obj, err := jason.NewObjectFromBytes(payload)
	if err != nil {
		return nil, nil, false, errors.New(err).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("operation", "parse-settings-payload").
			Build()
	}

	next := *t
	var changed []string
	critical := false

	record := func(key, note string) {
		changed = append(changed, note)
		if criticalSettingKeys[key] {
			critical = true
		}
	}

	for key, value := range obj.Map() {
		switch key {
		case "ffmpeg_mode":
			if s, ok := stringSetting(value); ok && s != next.Encoder.Mode {
				record(key, fmt.Sprintf("%s: %s -> %s", key, next.Encoder.Mode, s))
				next.Encoder.Mode = s
			}
		case "hls_video_preset":
			if s, ok := stringSetting(value); ok && s != next.Encoder.VideoPreset {
				record(key, fmt.Sprintf("%s: %s -> %s", key, next.Encoder.VideoPreset, s))
				next.Encoder.VideoPreset = s
			}
		case "hls_video_crf":
			if n, ok := intSetting(value); ok && int(n) != next.Encoder.VideoCRF {
				record(key, fmt.Sprintf("%s: %d -> %d", key, next.Encoder.VideoCRF, n))
				next.Encoder.VideoCRF = int(n)
			}
		case "hls_video_maxrate":
			if s, ok := rateSetting(value); ok && s != next.Encoder.VideoMaxrate {
				record(key, fmt.Sprintf("%s: %s -> %s", key, next.Encoder.VideoMaxrate, s))
				next.Encoder.VideoMaxrate = s
			}
		case "hls_video_gop":
			if n, ok := intSetting(value); ok && int(n) != next.Encoder.VideoGOP {
				record(key, fmt.Sprintf("%s: %d -> %d", key, next.Encoder.VideoGOP, n))
				next.Encoder.VideoGOP = int(n)
			}
		case "hls_audio_bitrate":
			if s, ok := rateSetting(value); ok && s != next.Encoder.AudioBitrate {
				record(key, fmt.Sprintf("%s: %s -> %s", key, next.Encoder.AudioBitrate, s))
				next.Encoder.AudioBitrate = s
			}
		case "heartbeat_interval":
			applySeconds(value, key, &next.HeartbeatInterval, record)
		case "stats_report_interval":
			applySeconds(value, key, &next.StatsReportInterval, record)
		case "progress_throttle_interval":
			applySeconds(value, key, &next.ProgressThrottleInterval, record)
		case "graceful_shutdown_timeout":
			applySeconds(value, key, &next.GracefulShutdownTimeout, record)
		case "force_kill_timeout":
			applySeconds(value, key, &next.ForceKillTimeout, record)
		case "fast_restart_delay":
			applySeconds(value, key, &next.FastRestartDelay, record)
		case "restart_backoff_base":
			applySeconds(value, key, &next.RestartBackoffBase, record)
		case "restart_backoff_cap":
			applySeconds(value, key, &next.RestartBackoffCap, record)
		case "success_reset_window":
			applySeconds(value, key, &next.SuccessResetWindow, record)
		case "download_timeout":
			applySeconds(value, key, &next.DownloadTimeout, record)
		case "probe_timeout":
			applySeconds(value, key, &next.ProbeTimeout, record)
		case "gc_sweep_interval":
			applySeconds(value, key, &next.GCSweepInterval, record)
		case "restart_backoff_factor":
			if f, ok := floatSetting(value); ok && f != next.RestartBackoffFactor {
				record(key, fmt.Sprintf("%s: %g -> %g", key, next.RestartBackoffFactor, f))
				next.RestartBackoffFactor = f
			}
		case "max_fast_restarts":
			applyCount(value, key, &next.MaxFastRestarts, record)
		case "max_concurrent_downloads":
			applyCount(value, key, &next.DownloadConcurrency, record)
		case "download_retries":
			applyCount(value, key, &next.DownloadRetries, record)
		case "command_workers":
			applyCount(value, key, &next.CommandWorkers, record)
		case "cleanup_after_hours":
			if n, ok := intSetting(value); ok {
				d := time.Duration(n) * time.Hour
				if d != next.GCMaxAge {
					record(key, fmt.Sprintf("%s: %s -> %s", key, next.GCMaxAge, d))
					next.GCMaxAge = d
				}
			}
		}
	}

	return &next, changed, critical, nil
}

// applySeconds updates a duration field from a plain-seconds value.
func applySeconds(v *jason.Value, key string, field *time.Duration, record func(key, note string)) {
	n, ok := intSetting(v)
	if !ok {
		return
	}
	d := time.Duration(n) * time.Second
	if d != *field {
		record(key, fmt.Sprintf("%s: %s -> %s", key, *field, d))
		*field = d
	}
}

// applyCount updates an integer field.
func applyCount(v *jason.Value, key string, field *int, record func(key, note string)) {
	n, ok := intSetting(v)
	if !ok {
		return
	}
	if int(n) != *field {
		record(key, fmt.Sprintf("%s: %d -> %d", key, *field, n))
		*field = int(n)
	}
}

// The control plane is loose about scalar types, so each reader accepts
// the JSON native type plus a string rendering of it.

func stringSetting(v *jason.Value) (string, bool) {
	s, err := v.String()
	if err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	return s, s != ""
}

func intSetting(v *jason.Value) (int64, bool) {
	if n, err := v.Int64(); err == nil {
		return n, true
	}
	if f, err := v.Float64(); err == nil {
		return int64(f), true
	}
	if s, err := v.String(); err == nil {
		if n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

func floatSetting(v *jason.Value) (float64, bool) {
	if f, err := v.Float64(); err == nil {
		return f, true
	}
	if s, err := v.String(); err == nil {
		if f, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

// rateSetting reads an ffmpeg bitrate. Bare numbers, including numbers
// sent as strings, are taken as kbit/s.
func rateSetting(v *jason.Value) (string, bool) {
	if s, ok := stringSetting(v); ok {
		if _, err := strconv.Atoi(s); err == nil {
			return s + "k", true
		}
		return s, true
	}
	if n, ok := intSetting(v); ok && n > 0 {
		return fmt.Sprintf("%dk", n), true
	}
	return "", false
}
