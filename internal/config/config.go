package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the complete gateway configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Creation CreationConfig `mapstructure:"creation"`
	Pairing  PairingConfig  `mapstructure:"pairing"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener
type ServerConfig struct {
	// Addr is the listen address (default ":3000")
	Addr string `mapstructure:"addr"`
}

// CreationConfig controls the session creation serializer
type CreationConfig struct {
	// Concurrency caps how many creation tasks run in parallel across
	// distinct session names (default 2). Same-name attempts are always
	// serialized regardless of this bound.
	Concurrency int `mapstructure:"concurrency"`
}

// PairingConfig controls the pairing-credential lifecycle
type PairingConfig struct {
	// WaitTimeoutSeconds bounds how long a caller blocks for a credential
	WaitTimeoutSeconds int `mapstructure:"wait_timeout_seconds"`
	// CredentialTTLSeconds is how long an issued credential stays live
	CredentialTTLSeconds int `mapstructure:"credential_ttl_seconds"`
}

// StorageConfig controls where engine credential stores live
type StorageConfig struct {
	// TokensDir is the root directory; each session gets a subdirectory
	TokensDir string `mapstructure:"tokens_dir"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error"
	Level string `mapstructure:"level"`
	// EngineLevel is passed to the messaging engine's own logger
	EngineLevel string `mapstructure:"engine_level"`
}

// SetDefaults registers default values with viper
func SetDefaults() {
	viper.SetDefault("server.addr", DefaultServerAddr)
	viper.SetDefault("creation.concurrency", DefaultCreationConcurrency)
	viper.SetDefault("pairing.wait_timeout_seconds", int(DefaultCredentialWaitTimeout.Seconds()))
	viper.SetDefault("pairing.credential_ttl_seconds", int(DefaultCredentialTTL.Seconds()))
	viper.SetDefault("storage.tokens_dir", DefaultTokensDir)
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.engine_level", "WARN")
}

// Load reads configuration from the given file (optional), the
// environment, and defaults, in that order of precedence.
func Load(configFile string) (*Config, error) {
	SetDefaults()

	viper.SetEnvPrefix("WAGATEWAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if configFile != "" {
		viper.SetConfigFile(configFile)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.Creation.Concurrency < 1 {
		cfg.Creation.Concurrency = 1
	}

	return &cfg, nil
}
