// config.go: settings struct for the streaming agent plus the functions to
// load, default and persist it.
package conf

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/truongvando/ezstream/internal/errors"
)

// MainSettings identifies this agent on the control plane.
type MainSettings struct {
	HostID string    // agent identity; suffix of the inbound command channel
	Log    LogConfig // agent log file configuration
}

// LogConfig defines the configuration for the rotated agent log file.
type LogConfig struct {
	Enabled    bool   // true to log to a rotated file in addition to stdout
	Path       string // path to the log file
	MaxSizeMB  int    // rotate when the file reaches this size
	MaxBackups int    // number of rotated files to keep
	MaxAgeDays int    // days to keep rotated files
	Compress   bool   // gzip rotated files
}

// BusSettings contains the control-plane bus connection parameters.
type BusSettings struct {
	Backend  string // "redis" or "mqtt"
	Host     string
	Port     int
	Username string // mqtt only, optional
	Password string
	DB       int // redis database number
}

// StagingSettings configures where downloaded media is staged.
type StagingSettings struct {
	Root string // base directory for per-stream staging subdirectories
}

// MetricsSettings configures the optional Prometheus endpoint.
type MetricsSettings struct {
	Enabled bool   // true to expose metrics over HTTP
	Listen  string // listen address, loopback by default
}

// SentrySettings configures opt-in error telemetry.
type SentrySettings struct {
	Enabled bool   // true to enable Sentry error tracking (opt-in)
	DSN     string // project DSN; telemetry stays off when empty
	Debug   bool   // true to log telemetry internals
}

// Settings contains the launch-immutable configuration for the agent.
// The runtime-tunable surface lives in Tunables and is only seeded from here.
type Settings struct {
	Debug bool // true to enable debug logging

	// Runtime values, not stored in config file
	Version     string `yaml:"-"` // version from build
	BuildDate   string `yaml:"-"` // build date from build
	SystemID    string `yaml:"-"` // anonymous instance id for telemetry
	FfmpegPath  string `yaml:"-"` // resolved encoder binary
	FfprobePath string `yaml:"-"` // resolved probe binary

	Main     MainSettings
	Bus      BusSettings
	Staging  StagingSettings
	Metrics  MetricsSettings
	Sentry   SentrySettings
	Tunables Tunables // boot values for the runtime-tunable surface
}

// settingsInstance is the current settings instance
var (
	settingsInstance *Settings
	once             sync.Once
	settingsMutex    sync.RWMutex
)

// Load reads the configuration file and environment variables into a new
// Settings instance and makes it the current one.
func Load() (*Settings, error) {
	settingsMutex.Lock()
	defer settingsMutex.Unlock()

	settings := &Settings{}

	// Initialize viper and read config
	if err := initViper(); err != nil {
		return nil, fmt.Errorf("error initializing viper: %w", err)
	}

	// Unmarshal the config into settings
	if err := viper.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}

	// Validate settings
	if err := ValidateSettings(settings); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}

	settingsInstance = settings
	return settingsInstance, nil
}

// initViper initializes viper with default values and reads the configuration file.
func initViper() error {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")

	// Get OS specific config paths
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}

	// Assign config paths to Viper
	for _, path := range configPaths {
		viper.AddConfigPath(path)
	}

	// Set default values for each configuration parameter
	// function defined in defaults.go
	setDefaultConfig()

	// Bind environment variables, including the legacy REDIS_* names
	if err := configureEnvironmentVariables(); err != nil {
		log.Printf("Environment variable binding issues: %v", err)
	}

	// Read configuration file
	err = viper.ReadInConfig()
	if err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if errors.As(err, &configFileNotFoundError) {
			// Config file not found, create config with defaults
			return createDefaultConfig()
		}
		return fmt.Errorf("fatal error reading config file: %w", err)
	}

	return nil
}

// createDefaultConfig writes the default configuration to the primary config
// path. The file content is the viper default table serialized as YAML, so
// the generated file and the in-memory defaults cannot drift apart.
func createDefaultConfig() error {
	configPaths, err := GetDefaultConfigPaths()
	if err != nil {
		return fmt.Errorf("error getting default config paths: %w", err)
	}
	configPath := filepath.Join(configPaths[0], "config.yaml")

	yamlData, err := yaml.Marshal(viper.AllSettings())
	if err != nil {
		return fmt.Errorf("error marshaling default config: %w", err)
	}

	// Create directories for config file
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("error creating directories for config file: %w", err)
	}

	// Write default config file
	if err := os.WriteFile(configPath, yamlData, 0o644); err != nil {
		return fmt.Errorf("error writing default config file: %w", err)
	}

	fmt.Println("Created default config file at:", configPath)
	return viper.ReadInConfig()
}

// GetSettings returns the current settings instance
func GetSettings() *Settings {
	settingsMutex.RLock()
	defer settingsMutex.RUnlock()
	return settingsInstance
}

// Setting returns the current settings instance, initializing it if necessary
func Setting() *Settings {
	once.Do(func() {
		if settingsInstance == nil {
			_, err := Load()
			if err != nil {
				log.Fatalf("Error loading settings: %v", err)
			}
		}
	})
	return GetSettings()
}

// ApplyLaunchArgs overlays the four positional launch parameters
// (host id, bus host, bus port, bus password) over file, env and flag
// values. Positional parameters win so deployment units written for the
// previous agent generation keep working unchanged. No args is valid;
// any other count is a usage error.
func (s *Settings) ApplyLaunchArgs(args []string) error {
	if len(args) == 0 {
		return nil
	}
	if len(args) != 4 {
		return errors.Newf("expected 4 positional arguments (host-id bus-host bus-port bus-password), got %d", len(args)).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("arg_count", len(args)).
			Build()
	}

	port, err := strconv.Atoi(args[2])
	if err != nil || port <= 0 || port > 65535 {
		return errors.Newf("invalid bus port %q", args[2]).
			Component("conf").
			Category(errors.CategoryValidation).
			Build()
	}

	s.Main.HostID = args[0]
	s.Bus.Host = args[1]
	s.Bus.Port = port
	s.Bus.Password = args[3]
	return nil
}

// CommandChannel returns the inbound command channel name for this host.
func (s *Settings) CommandChannel() string {
	return "vps-commands:" + s.Main.HostID
}

// SettingsKey returns the bus key holding the control-plane settings object
// for this host.
func (s *Settings) SettingsKey() string {
	return "agent-settings:" + s.Main.HostID
}
