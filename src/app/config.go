package app

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

const (
	GasEstimatorNode  = "node"
	GasEstimatorLocal = "local"

	StatusStoreMemory = "memory"
	StatusStoreRedis  = "redis"
)

type AppConfig struct {
	// =========================== REQUIRED ===========================

	// Node JSON-RPC endpoint (required)
	RPCURL *string
	// Private key of the bundler EOA that signs handleOps (required)
	PrivateKey *string
	// API secret guarding the debug_bundler_* endpoint (required)
	APISecret *string

	// =========================== OPTIONAL ===========================

	// Deployment environment: dev, staging or prod
	Environment *string
	// Public host used in the swagger docs
	Host *string

	// Logging configuration
	LogLevel *string

	// HTTP server configuration
	Port *string

	// CORS configuration
	AllowOrigins *[]string

	// Bundling configuration
	EntryPoints         *[]common.Address
	WindowPaymasters    *[]common.Address
	Beneficiary         *common.Address
	GasEstimator        *string
	BundleInterval      *time.Duration
	MaxBundleSize       *int
	ReceiptTimeout      *time.Duration
	ReceiptPollInterval *time.Duration

	// Status storage configuration
	StatusStore     *string
	StatusRetention *time.Duration
	RedisURL        *string

	// Bundle history is persisted when DB_URL is set
	DSN *string
	// Migration configuration
	MigrationPath *string
}

func NewAppConfig() *AppConfig {
	config := &AppConfig{}

	// Load required configuration
	loadRequiredConfig(config)

	// Load optional configuration with defaults
	loadOptionalConfig(config)

	// Reject inconsistent combinations
	validateConfig(config)

	return config
}

// loadRequiredConfig loads all required configuration values and fails fast if any are missing
func loadRequiredConfig(config *AppConfig) {
	// Node RPC URL (required)
	rpcURL := os.Getenv("RPC_URL")
	if rpcURL == "" {
		log.Fatalf("REQUIRED: RPC_URL not set in environment")
	}
	config.RPCURL = &rpcURL

	// Private key for signing bundle transactions (required)
	privateKey := os.Getenv("PRIVATE_KEY")
	if privateKey == "" {
		log.Fatalf("REQUIRED: PRIVATE_KEY not set in environment")
	}
	// Remove 0x prefix if it exists
	privateKey = strings.TrimPrefix(privateKey, "0x")
	config.PrivateKey = &privateKey

	// API secret for the debug endpoint (required)
	apiSecret := os.Getenv("API_SECRET")
	if apiSecret == "" {
		log.Fatalf("REQUIRED: API_SECRET not set in environment")
	}
	config.APISecret = &apiSecret
}

// loadOptionalConfig loads all optional configuration values with sensible defaults
func loadOptionalConfig(config *AppConfig) {
	environment := getEnvWithDefault("ENVIRONMENT", "dev")
	config.Environment = &environment

	// HTTP server port (default: 8080)
	port := getEnvWithDefault("PORT", "8080")
	config.Port = &port

	host := getEnvWithDefault("HOST", "localhost:"+port)
	config.Host = &host

	// Log level (default: debug)
	// Available levels: "trace", "debug", "info", "warn", "error", "fatal", "panic", "disabled"
	logLevel := getEnvWithDefault("LOG_LEVEL", "debug")
	config.LogLevel = &logLevel

	loadCORSConfig(config)
	loadBundlingConfig(config)
	loadStorageConfig(config)
}

// loadCORSConfig parses ALLOW_ORIGINS. Empty allows every origin, which suits
// a public JSON-RPC endpoint.
func loadCORSConfig(config *AppConfig) {
	allowOrigins := splitList(os.Getenv("ALLOW_ORIGINS"))
	config.AllowOrigins = &allowOrigins
}

func loadBundlingConfig(config *AppConfig) {
	var entryPoints []common.Address
	for _, s := range splitList(os.Getenv("ENTRY_POINTS")) {
		if !common.IsHexAddress(s) {
			log.Fatalf("Invalid ENTRY_POINTS value '%s'", s)
		}
		entryPoints = append(entryPoints, common.HexToAddress(s))
	}
	config.EntryPoints = &entryPoints

	// Paymasters whose paymasterData starts with (validUntil, validAfter).
	// Empty checks every paymaster's data for such a window.
	var windowPaymasters []common.Address
	for _, s := range splitList(os.Getenv("PAYMASTER_WINDOW_ADDRESSES")) {
		if !common.IsHexAddress(s) {
			log.Fatalf("Invalid PAYMASTER_WINDOW_ADDRESSES value '%s'", s)
		}
		windowPaymasters = append(windowPaymasters, common.HexToAddress(s))
	}
	config.WindowPaymasters = &windowPaymasters

	if beneficiary := os.Getenv("BENEFICIARY"); beneficiary != "" {
		if !common.IsHexAddress(beneficiary) {
			log.Fatalf("Invalid BENEFICIARY value '%s'", beneficiary)
		}
		addr := common.HexToAddress(beneficiary)
		config.Beneficiary = &addr
	}

	// Gas estimator: node (eth_estimateGas) or local (in-process EVM)
	gasEstimator := strings.ToLower(getEnvWithDefault("GAS_ESTIMATOR", GasEstimatorNode))
	config.GasEstimator = &gasEstimator

	// Auto-bundling interval (default: 5s, 0 disables)
	bundleInterval := getDuration("BUNDLE_INTERVAL", 5*time.Second)
	config.BundleInterval = &bundleInterval

	// Maximum ops per bundle (default: 0, unlimited)
	maxBundleSize := getInt("MAX_BUNDLE_SIZE", 0)
	config.MaxBundleSize = &maxBundleSize

	receiptTimeout := getDuration("RECEIPT_TIMEOUT", 60*time.Second)
	config.ReceiptTimeout = &receiptTimeout

	receiptPollInterval := getDuration("RECEIPT_POLL_INTERVAL", time.Second)
	config.ReceiptPollInterval = &receiptPollInterval
}

func loadStorageConfig(config *AppConfig) {
	// Status store: memory or redis (default: memory)
	statusStore := strings.ToLower(getEnvWithDefault("STATUS_STORE", StatusStoreMemory))
	config.StatusStore = &statusStore

	statusRetention := getDuration("STATUS_RETENTION", 24*time.Hour)
	config.StatusRetention = &statusRetention

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		config.RedisURL = &redisURL
	}

	if dsn := os.Getenv("DB_URL"); dsn != "" {
		config.DSN = &dsn
	}

	// Migration path (default: file://migrations)
	migrationPath := getEnvWithDefault("MIGRATION_PATH", "file://migrations")
	config.MigrationPath = &migrationPath
}

func validateConfig(config *AppConfig) {
	switch *config.GasEstimator {
	case GasEstimatorNode, GasEstimatorLocal:
	default:
		log.Fatalf("Invalid GAS_ESTIMATOR value '%s', expected node or local", *config.GasEstimator)
	}

	switch *config.StatusStore {
	case StatusStoreMemory:
	case StatusStoreRedis:
		if config.RedisURL == nil {
			log.Fatalf("REQUIRED: REDIS_URL must be set when STATUS_STORE=redis")
		}
	default:
		log.Fatalf("Invalid STATUS_STORE value '%s', expected memory or redis", *config.StatusStore)
	}
}

// splitList parses a comma-separated list, dropping empty items
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		item = strings.TrimSpace(item)
		if item != "" {
			out = append(out, item)
		}
	}
	return out
}

// getDuration parses a Go duration, or a plain number of seconds, with default fallback
func getDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if parsed, err := time.ParseDuration(value); err == nil && parsed >= 0 {
		return parsed
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}

	log.Printf("Warning: Invalid %s value '%s', using default %s", key, value, defaultValue)
	return defaultValue
}

// getInt parses a non-negative integer with default fallback
func getInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return parsed
	}

	log.Printf("Warning: Invalid %s value '%s', using default %d", key, value, defaultValue)
	return defaultValue
}

// getEnvWithDefault returns environment variable value or default if not set
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
