package config

import "time"

// Default configuration values used throughout the gateway
const (
	// DefaultServerAddr is the default HTTP listen address
	DefaultServerAddr = ":3000"

	// DefaultCreationConcurrency caps parallel session creations
	DefaultCreationConcurrency = 2

	// DefaultCredentialWaitTimeout bounds how long a caller blocks
	// waiting for a pairing credential to be issued
	DefaultCredentialWaitTimeout = 15 * time.Second

	// DefaultCredentialTTL is how long an issued pairing credential
	// stays live before it must be re-issued
	DefaultCredentialTTL = 60 * time.Second

	// DefaultCredentialSweepInterval is how often expired credentials
	// are swept from the cache
	DefaultCredentialSweepInterval = 30 * time.Second

	// DefaultTokensDir is the root directory for per-session credential
	// storage
	DefaultTokensDir = "tokens"
)
