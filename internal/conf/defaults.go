// conf/defaults.go default values for settings
package conf

import (
	"github.com/spf13/viper"
)

// Sets default values for the configuration.
func setDefaultConfig() {
	viper.SetDefault("debug", false)

	viper.SetDefault("main.hostid", "")
	viper.SetDefault("main.log.enabled", true)
	viper.SetDefault("main.log.path", "ezstream-agent.log")
	viper.SetDefault("main.log.maxsizemb", 100)
	viper.SetDefault("main.log.maxbackups", 3)
	viper.SetDefault("main.log.maxagedays", 28)
	viper.SetDefault("main.log.compress", true)

	viper.SetDefault("bus.backend", "redis")
	viper.SetDefault("bus.host", "localhost")
	viper.SetDefault("bus.port", 6379)
	viper.SetDefault("bus.username", "")
	viper.SetDefault("bus.password", "")
	viper.SetDefault("bus.db", 0)

	viper.SetDefault("staging.root", "/tmp/ezstream_downloads")

	viper.SetDefault("metrics.enabled", false)
	viper.SetDefault("metrics.listen", "127.0.0.1:8090")

	viper.SetDefault("sentry.enabled", false)
	viper.SetDefault("sentry.dsn", "")
	viper.SetDefault("sentry.debug", false)

	// The tunable defaults mirror DefaultTunables so the generated config
	// file and the in-memory seed stay identical. Durations are written as
	// strings ("15s") which viper decodes back into time.Duration.
	dt := DefaultTunables()

	viper.SetDefault("tunables.encoder.mode", dt.Encoder.Mode)
	viper.SetDefault("tunables.encoder.videopreset", dt.Encoder.VideoPreset)
	viper.SetDefault("tunables.encoder.videocrf", dt.Encoder.VideoCRF)
	viper.SetDefault("tunables.encoder.videomaxrate", dt.Encoder.VideoMaxrate)
	viper.SetDefault("tunables.encoder.videogop", dt.Encoder.VideoGOP)
	viper.SetDefault("tunables.encoder.audiobitrate", dt.Encoder.AudioBitrate)

	viper.SetDefault("tunables.gracefulshutdowntimeout", dt.GracefulShutdownTimeout.String())
	viper.SetDefault("tunables.forcekilltimeout", dt.ForceKillTimeout.String())

	viper.SetDefault("tunables.maxfastrestarts", dt.MaxFastRestarts)
	viper.SetDefault("tunables.fastrestartdelay", dt.FastRestartDelay.String())
	viper.SetDefault("tunables.restartbackoffbase", dt.RestartBackoffBase.String())
	viper.SetDefault("tunables.restartbackoffcap", dt.RestartBackoffCap.String())
	viper.SetDefault("tunables.restartbackofffactor", dt.RestartBackoffFactor)
	viper.SetDefault("tunables.successresetwindow", dt.SuccessResetWindow.String())

	viper.SetDefault("tunables.heartbeatinterval", dt.HeartbeatInterval.String())
	viper.SetDefault("tunables.statsreportinterval", dt.StatsReportInterval.String())
	viper.SetDefault("tunables.progressthrottleinterval", dt.ProgressThrottleInterval.String())

	viper.SetDefault("tunables.downloadconcurrency", dt.DownloadConcurrency)
	viper.SetDefault("tunables.downloadretries", dt.DownloadRetries)
	viper.SetDefault("tunables.downloadtimeout", dt.DownloadTimeout.String())
	viper.SetDefault("tunables.probetimeout", dt.ProbeTimeout.String())

	viper.SetDefault("tunables.commandworkers", dt.CommandWorkers)

	viper.SetDefault("tunables.gcsweepinterval", dt.GCSweepInterval.String())
	viper.SetDefault("tunables.gcmaxage", dt.GCMaxAge.String())
}
