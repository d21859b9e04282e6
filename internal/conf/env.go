// env.go - Environment variable configuration and validation for the agent
package conf

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// envBinding holds metadata for environment variable bindings (internal use)
type envBinding struct {
	ConfigKey string             // Viper config key
	EnvVars   []string           // Environment variable names, first match wins
	Validate  func(string) error // Optional validation function
}

// getEnvBindings returns all environment variable bindings with validation.
// The REDIS_* and DOWNLOAD_DIR names are kept for compatibility with
// deployments of the previous agent generation.
func getEnvBindings() []envBinding {
	return []envBinding{
		{"main.hostid", []string{"EZSTREAM_HOST_ID", "VPS_ID"}, nil},
		{"debug", []string{"EZSTREAM_DEBUG"}, validateEnvBool},

		{"bus.backend", []string{"EZSTREAM_BUS_BACKEND"}, validateEnvBackend},
		{"bus.host", []string{"EZSTREAM_BUS_HOST", "REDIS_HOST"}, nil},
		{"bus.port", []string{"EZSTREAM_BUS_PORT", "REDIS_PORT"}, validateEnvPort},
		{"bus.password", []string{"EZSTREAM_BUS_PASSWORD", "REDIS_PASSWORD"}, nil},
		{"bus.db", []string{"EZSTREAM_BUS_DB", "REDIS_DB"}, validateEnvInt},

		{"staging.root", []string{"EZSTREAM_STAGING_ROOT", "DOWNLOAD_DIR"}, nil},

		{"metrics.enabled", []string{"EZSTREAM_METRICS_ENABLED"}, validateEnvBool},
		{"metrics.listen", []string{"EZSTREAM_METRICS_LISTEN"}, nil},

		{"sentry.enabled", []string{"EZSTREAM_SENTRY_ENABLED"}, validateEnvBool},
		{"sentry.dsn", []string{"EZSTREAM_SENTRY_DSN"}, nil},
	}
}

// bindEnvVars sets up environment variable bindings with validation (internal)
func bindEnvVars() error {
	bindings := getEnvBindings()
	var warnings []string

	for _, binding := range bindings {
		// Bind the environment variables to the config key
		input := append([]string{binding.ConfigKey}, binding.EnvVars...)
		if err := viper.BindEnv(input...); err != nil {
			warnings = append(warnings, fmt.Sprintf("Failed to bind %v: %v", binding.EnvVars, err))
			continue
		}

		// Validate the value if it's set and validation function is provided
		if binding.Validate == nil {
			continue
		}
		for _, envVar := range binding.EnvVars {
			if envValue := os.Getenv(envVar); envValue != "" {
				if err := binding.Validate(envValue); err != nil {
					warnings = append(warnings, fmt.Sprintf("Invalid %s value '%s': %v", envVar, envValue, err))
				}
				break
			}
		}
	}

	if len(warnings) > 0 {
		return fmt.Errorf("environment variable issues:\n  - %s", strings.Join(warnings, "\n  - "))
	}

	return nil
}

// Environment variable validation functions

// validateEnvBool validates boolean environment variables
func validateEnvBool(value string) error {
	_, err := strconv.ParseBool(value)
	if err != nil {
		return fmt.Errorf("invalid boolean value '%s': must be true/false, 1/0, t/f, TRUE/FALSE, T/F", value)
	}
	return nil
}

// validateEnvInt validates integer environment variables
func validateEnvInt(value string) error {
	if _, err := strconv.Atoi(value); err != nil {
		return fmt.Errorf("invalid integer value '%s'", value)
	}
	return nil
}

// validateEnvPort validates port number environment variables
func validateEnvPort(value string) error {
	port, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid port: %w", err)
	}
	if port <= 0 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// validateEnvBackend validates the bus backend selector
func validateEnvBackend(value string) error {
	switch value {
	case "redis", "mqtt":
		return nil
	default:
		return fmt.Errorf("must be one of: redis, mqtt")
	}
}

// configureEnvironmentVariables sets up environment variable support for Viper
func configureEnvironmentVariables() error {
	// Set up key replacer for nested config keys
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Bind specific environment variables with validation
	// Return any errors to the caller for centralized handling
	return bindEnvVars()
}
