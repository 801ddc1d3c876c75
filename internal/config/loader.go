package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty, it searches for toolgate.yaml/.yml in
// standard locations. The search requires an explicit YAML extension so the
// binary itself (same base name, no extension) is never matched.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// No config file in any standard location. Set name/type without
		// search paths so ReadInConfig returns ConfigFileNotFoundError,
		// which callers handle by running on env vars alone.
		viper.SetConfigName("toolgate")
		viper.SetConfigType("yaml")
	}

	// Environment variable support: TOOLGATE_AUTH_MODE, TOOLGATE_PORT, ...
	viper.SetEnvPrefix("TOOLGATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

// findConfigFile searches standard locations for a toolgate config file with
// an explicit YAML extension.
func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, ".toolgate"),
		"/etc/toolgate",
	}
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, "toolgate"+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds nested scalar keys for environment overrides.
// Arrays (servers, policies, credentials) are file-only.
func bindNestedEnvKeys() {
	_ = viper.BindEnv("auth.mode")
	_ = viper.BindEnv("auth.token.secret")
	_ = viper.BindEnv("auth.token.issuer")
	_ = viper.BindEnv("auth.token.audience")
	_ = viper.BindEnv("auth.discovery.issuer")
	_ = viper.BindEnv("auth.discovery.jwksUrl")
	_ = viper.BindEnv("auth.discovery.audience")

	_ = viper.BindEnv("audit.dbPath")
	_ = viper.BindEnv("audit.chained")
	_ = viper.BindEnv("audit.webhookUrl")

	_ = viper.BindEnv("metering.enabled")

	_ = viper.BindEnv("rateLimit.perMinute")
	_ = viper.BindEnv("rateLimit.burstMultiplier")

	_ = viper.BindEnv("port")
	_ = viper.BindEnv("host")
	_ = viper.BindEnv("logLevel")
	_ = viper.BindEnv("devMode")
}

// Load reads the configuration, applies defaults, and validates it.
func Load() (*Config, error) {
	cfg, err := LoadRaw()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadRaw reads the configuration and applies defaults without validating.
// Use this when CLI flags may override fields before validation.
func LoadRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, continue with env vars only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	return &cfg, nil
}

// ParseFile reads and validates a single file without touching the global
// Viper state. The hot-reload watcher uses it to vet candidate documents.
func ParseFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// ConfigFileUsed returns the path of the loaded configuration file, or an
// empty string in env-vars-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
