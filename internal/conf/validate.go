// conf/validate.go

package conf

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"regexp"
)

// ValidationError represents a collection of validation errors
type ValidationError struct {
	Errors []string
}

// Error returns a string representation of the validation errors
func (ve ValidationError) Error() string {
	return fmt.Sprintf("Validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	// Validate Main settings
	if err := validateMainSettings(&settings.Main); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Bus settings
	if err := validateBusSettings(&settings.Bus); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Staging settings
	if err := validateStagingSettings(&settings.Staging); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Metrics settings
	if err := validateMetricsSettings(&settings.Metrics); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate Sentry settings
	if err := validateSentrySettings(&settings.Sentry); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Validate the tunable seed values
	if err := ValidateTunables(&settings.Tunables); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}

	// Resolve encoder tool paths
	resolveToolPaths(settings)

	// If there are any errors, return the ValidationError
	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

// validateMainSettings validates the agent identity and log settings
func validateMainSettings(settings *MainSettings) error {
	var errs []string

	if settings.HostID == "" {
		errs = append(errs, "host id is required (config main.hostid, flag --host-id or positional argument)")
	}

	if settings.Log.Enabled && settings.Log.Path == "" {
		errs = append(errs, "log path is required when file logging is enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("main settings errors: %v", errs)
	}

	return nil
}

// validateBusSettings validates the bus connection settings
func validateBusSettings(settings *BusSettings) error {
	var errs []string

	switch settings.Backend {
	case "redis", "mqtt":
	default:
		errs = append(errs, fmt.Sprintf("bus backend must be redis or mqtt, got %q", settings.Backend))
	}

	if settings.Host == "" {
		errs = append(errs, "bus host must not be empty")
	}

	if settings.Port <= 0 || settings.Port > 65535 {
		errs = append(errs, fmt.Sprintf("bus port must be between 1 and 65535, got %d", settings.Port))
	}

	if settings.DB < 0 {
		errs = append(errs, fmt.Sprintf("bus db must be non-negative, got %d", settings.DB))
	}

	if len(errs) > 0 {
		return fmt.Errorf("bus settings errors: %v", errs)
	}

	return nil
}

// validateStagingSettings validates the staging root and creates it if missing
func validateStagingSettings(settings *StagingSettings) error {
	if settings.Root == "" {
		return errors.New("staging root must not be empty")
	}

	if err := os.MkdirAll(settings.Root, 0o755); err != nil {
		return fmt.Errorf("cannot create staging root %s: %w", settings.Root, err)
	}

	return nil
}

// validateMetricsSettings validates the metrics endpoint settings
func validateMetricsSettings(settings *MetricsSettings) error {
	if !settings.Enabled {
		return nil
	}

	if settings.Listen == "" {
		return errors.New("metrics listen address is required when enabled")
	}

	if _, _, err := net.SplitHostPort(settings.Listen); err != nil {
		return fmt.Errorf("invalid metrics listen address %q: %w", settings.Listen, err)
	}

	return nil
}

// validateSentrySettings disables telemetry when no DSN is configured
// rather than failing startup.
func validateSentrySettings(settings *SentrySettings) error {
	if settings.Enabled && settings.DSN == "" {
		log.Println("Sentry telemetry enabled without a DSN, disabling telemetry")
		settings.Enabled = false
	}
	return nil
}

// x264Presets are the presets libx264 accepts.
var x264Presets = map[string]bool{
	"ultrafast": true, "superfast": true, "veryfast": true, "faster": true,
	"fast": true, "medium": true, "slow": true, "slower": true, "veryslow": true,
}

// ratePattern matches ffmpeg bitrate values like "3000k" or "2M".
var ratePattern = regexp.MustCompile(`^[0-9]+[kKmM]?$`)

// ValidateTunables validates a tunable snapshot. It is used both for the
// boot-time seed and for every snapshot built from a control-plane payload.
func ValidateTunables(t *Tunables) error {
	var errs []string

	switch t.Encoder.Mode {
	case "copy", "reencode":
	default:
		errs = append(errs, fmt.Sprintf("encoder mode must be copy or reencode, got %q", t.Encoder.Mode))
	}

	if !x264Presets[t.Encoder.VideoPreset] {
		errs = append(errs, fmt.Sprintf("unknown x264 preset %q", t.Encoder.VideoPreset))
	}

	if t.Encoder.VideoCRF < 0 || t.Encoder.VideoCRF > 51 {
		errs = append(errs, fmt.Sprintf("video crf must be between 0 and 51, got %d", t.Encoder.VideoCRF))
	}

	if !ratePattern.MatchString(t.Encoder.VideoMaxrate) {
		errs = append(errs, fmt.Sprintf("invalid video maxrate %q", t.Encoder.VideoMaxrate))
	}

	if !ratePattern.MatchString(t.Encoder.AudioBitrate) {
		errs = append(errs, fmt.Sprintf("invalid audio bitrate %q", t.Encoder.AudioBitrate))
	}

	if t.Encoder.VideoGOP <= 0 {
		errs = append(errs, fmt.Sprintf("video gop must be positive, got %d", t.Encoder.VideoGOP))
	}

	for name, d := range map[string]int64{
		"graceful_shutdown_timeout":  int64(t.GracefulShutdownTimeout),
		"force_kill_timeout":         int64(t.ForceKillTimeout),
		"fast_restart_delay":         int64(t.FastRestartDelay),
		"restart_backoff_base":       int64(t.RestartBackoffBase),
		"restart_backoff_cap":        int64(t.RestartBackoffCap),
		"success_reset_window":       int64(t.SuccessResetWindow),
		"heartbeat_interval":         int64(t.HeartbeatInterval),
		"stats_report_interval":      int64(t.StatsReportInterval),
		"progress_throttle_interval": int64(t.ProgressThrottleInterval),
		"download_timeout":           int64(t.DownloadTimeout),
		"probe_timeout":              int64(t.ProbeTimeout),
		"gc_sweep_interval":          int64(t.GCSweepInterval),
		"gc_max_age":                 int64(t.GCMaxAge),
	} {
		if d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be positive", name))
		}
	}

	if t.MaxFastRestarts < 1 {
		errs = append(errs, fmt.Sprintf("max fast restarts must be at least 1, got %d", t.MaxFastRestarts))
	}

	if t.RestartBackoffFactor < 1 {
		errs = append(errs, fmt.Sprintf("restart backoff factor must be at least 1, got %g", t.RestartBackoffFactor))
	}

	if t.DownloadConcurrency < 1 {
		errs = append(errs, fmt.Sprintf("download concurrency must be at least 1, got %d", t.DownloadConcurrency))
	}

	if t.DownloadRetries < 1 {
		errs = append(errs, fmt.Sprintf("download retries must be at least 1, got %d", t.DownloadRetries))
	}

	if t.CommandWorkers < 1 {
		errs = append(errs, fmt.Sprintf("command workers must be at least 1, got %d", t.CommandWorkers))
	}

	if len(errs) > 0 {
		return fmt.Errorf("tunable settings errors: %v", errs)
	}

	return nil
}

// resolveToolPaths locates ffmpeg and ffprobe in PATH. Missing tools are
// logged but do not fail validation; spawn and probe report the real error
// when they run.
func resolveToolPaths(settings *Settings) {
	if IsFfmpegAvailable() {
		settings.FfmpegPath = GetFfmpegBinaryName()
	} else {
		settings.FfmpegPath = ""
		log.Println("FFmpeg not found in system PATH")
	}

	if IsFfprobeAvailable() {
		settings.FfprobePath = GetFfprobeBinaryName()
	} else {
		settings.FfprobePath = ""
		log.Println("ffprobe not found in system PATH")
	}
}
