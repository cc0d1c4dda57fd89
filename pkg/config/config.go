// Package config loads service configuration from the environment and
// court rulesets from versioned YAML profiles.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Modes for collaborator backends.
const (
	ModeStub = "stub"
	ModeRPC  = "rpc"
)

// Soft-cap enforcement modes.
const (
	SoftCapWarn    = "warn"
	SoftCapEnforce = "enforce"
)

// RateLimits are the per-agent sliding-window quotas counted from the
// action log.
type RateLimits struct {
	FilingPer24h       int
	EvidencePerHour    int
	SubmissionsPerHour int
	BallotsPerHour     int
}

// Config holds server configuration.
type Config struct {
	APIHost       string
	APIPort       string
	DBPath        string
	CORSOrigin    string
	PublicBaseURL string
	IsProduction  bool
	LogLevel      string

	SolanaMode     string // stub | rpc
	SolanaRPCURL   string
	SealWorkerMode string // stub | rpc
	SealWorkerURL  string
	DrandMode      string // stub | rpc
	DrandURL       string

	WorkerToken  string
	SystemAPIKey string
	// HeliusWebhookToken is accepted for deploy compatibility. Payment
	// finality is pulled from the RPC node at filing; the push
	// notification endpoint it guarded is not served.
	HeliusWebhookToken string
	MasterSecret       string

	TreasuryAddress string

	SoftDailyCaseCap int
	SoftCapMode      string // warn | enforce

	RateLimits RateLimits

	RulesetVersion string
	RulesetDir     string

	RedisURL     string
	OTLPEndpoint string

	EngineTick         time.Duration
	IdempotencyTTL     time.Duration
	SealMaxAttempts    int
	SealSweepOlderThan time.Duration
	AgreementMaxTTL    time.Duration

	WebhookTimeout    time.Duration
	WebhookMaxRetries int
	OutboundTimeout   time.Duration
}

// Load loads configuration from environment variables, with defaults
// suitable for local development.
func Load() *Config {
	return &Config{
		APIHost:       getenv("API_HOST", "0.0.0.0"),
		APIPort:       getenv("API_PORT", "8787"),
		DBPath:        getenv("DB_PATH", "opencawt.db"),
		CORSOrigin:    getenv("CORS_ORIGIN", "*"),
		PublicBaseURL: getenv("PUBLIC_BASE_URL", "https://court.opencawt.io"),
		IsProduction:  getenvBool("IS_PRODUCTION", false),
		LogLevel:      getenv("LOG_LEVEL", "INFO"),

		SolanaMode:     getenv("SOLANA_MODE", ModeStub),
		SolanaRPCURL:   getenv("SOLANA_RPC_URL", ""),
		SealWorkerMode: getenv("SEAL_WORKER_MODE", ModeStub),
		SealWorkerURL:  getenv("SEAL_WORKER_URL", "http://127.0.0.1:8788"),
		DrandMode:      getenv("DRAND_MODE", ModeRPC),
		DrandURL:       getenv("DRAND_URL", "https://api.drand.sh"),

		WorkerToken:        getenv("WORKER_TOKEN", ""),
		SystemAPIKey:       getenv("SYSTEM_API_KEY", ""),
		HeliusWebhookToken: getenv("HELIUS_WEBHOOK_TOKEN", ""),
		MasterSecret:       getenv("MASTER_SECRET", ""),

		TreasuryAddress: getenv("TREASURY_ADDRESS", ""),

		SoftDailyCaseCap: getenvInt("SOFT_DAILY_CASE_CAP", 100),
		SoftCapMode:      getenv("SOFT_CAP_MODE", SoftCapWarn),

		RateLimits: RateLimits{
			FilingPer24h:       getenvInt("RATE_FILING_PER_24H", 3),
			EvidencePerHour:    getenvInt("RATE_EVIDENCE_PER_HOUR", 30),
			SubmissionsPerHour: getenvInt("RATE_SUBMISSIONS_PER_HOUR", 20),
			BallotsPerHour:     getenvInt("RATE_BALLOTS_PER_HOUR", 20),
		},

		RulesetVersion: getenv("RULESET_VERSION", DefaultRulesetVersion),
		RulesetDir:     getenv("RULESET_DIR", ""),

		RedisURL:     getenv("REDIS_URL", ""),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", ""),

		EngineTick:         getenvDuration("ENGINE_TICK_MS", time.Second),
		IdempotencyTTL:     time.Duration(getenvInt("IDEMPOTENCY_TTL_HOURS", 24)) * time.Hour,
		SealMaxAttempts:    getenvInt("SEAL_MAX_ATTEMPTS", 5),
		SealSweepOlderThan: time.Duration(getenvInt("SEAL_SWEEP_OLDER_THAN_MINUTES", 2)) * time.Minute,
		AgreementMaxTTL:    time.Duration(getenvInt("AGREEMENT_TTL_HOURS", 72)) * time.Hour,

		WebhookTimeout:    time.Duration(getenvInt("WEBHOOK_TIMEOUT_SECONDS", 10)) * time.Second,
		WebhookMaxRetries: getenvInt("WEBHOOK_MAX_RETRIES", 3),
		OutboundTimeout:   time.Duration(getenvInt("OUTBOUND_TIMEOUT_SECONDS", 10)) * time.Second,
	}
}

// Validate rejects configurations that cannot run. Production requires
// the secrets that guard internal surfaces.
func (c *Config) Validate() error {
	if c.SoftCapMode != SoftCapWarn && c.SoftCapMode != SoftCapEnforce {
		return fmt.Errorf("SOFT_CAP_MODE must be %q or %q, got %q", SoftCapWarn, SoftCapEnforce, c.SoftCapMode)
	}
	for name, mode := range map[string]string{
		"SOLANA_MODE":      c.SolanaMode,
		"SEAL_WORKER_MODE": c.SealWorkerMode,
		"DRAND_MODE":       c.DrandMode,
	} {
		if mode != ModeStub && mode != ModeRPC {
			return fmt.Errorf("%s must be %q or %q, got %q", name, ModeStub, ModeRPC, mode)
		}
	}
	if c.IsProduction {
		if c.WorkerToken == "" {
			return fmt.Errorf("WORKER_TOKEN is required in production")
		}
		if c.MasterSecret == "" {
			return fmt.Errorf("MASTER_SECRET is required in production")
		}
		if c.SolanaMode == ModeRPC && c.SolanaRPCURL == "" {
			return fmt.Errorf("SOLANA_RPC_URL is required when SOLANA_MODE=rpc")
		}
	}
	if c.EngineTick <= 0 {
		return fmt.Errorf("engine tick must be positive")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return c.APIHost + ":" + c.APIPort
}

// WorkerConfig holds mint worker configuration.
type WorkerConfig struct {
	Host         string
	Port         string
	WorkerToken  string
	MintMode     string // stub | rpc
	BridgeURL    string
	BridgeAPIKey string
	IsProduction bool
	LogLevel     string

	OutboundTimeout time.Duration
}

// LoadWorker loads the mint worker's configuration from environment
// variables. The default port matches the court's SEAL_WORKER_URL
// default.
func LoadWorker() *WorkerConfig {
	return &WorkerConfig{
		Host:         getenv("WORKER_HOST", "0.0.0.0"),
		Port:         getenv("WORKER_PORT", "8788"),
		WorkerToken:  getenv("WORKER_TOKEN", ""),
		MintMode:     getenv("MINT_MODE", ModeStub),
		BridgeURL:    getenv("MINT_BRIDGE_URL", ""),
		BridgeAPIKey: getenv("MINT_BRIDGE_API_KEY", ""),
		IsProduction: getenvBool("IS_PRODUCTION", false),
		LogLevel:     getenv("LOG_LEVEL", "INFO"),

		OutboundTimeout: time.Duration(getenvInt("OUTBOUND_TIMEOUT_SECONDS", 30)) * time.Second,
	}
}

// Validate rejects worker configurations that cannot run.
func (c *WorkerConfig) Validate() error {
	if c.MintMode != ModeStub && c.MintMode != ModeRPC {
		return fmt.Errorf("MINT_MODE must be %q or %q, got %q", ModeStub, ModeRPC, c.MintMode)
	}
	if c.IsProduction && c.WorkerToken == "" {
		return fmt.Errorf("WORKER_TOKEN is required in production")
	}
	if c.MintMode == ModeRPC && c.BridgeURL == "" {
		return fmt.Errorf("MINT_BRIDGE_URL is required when MINT_MODE=rpc")
	}
	return nil
}

// Addr returns the listen address for the worker's HTTP server.
func (c *WorkerConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func getenvBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v == "true" || v == "1"
}

func getenvDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	ms, err := strconv.Atoi(v)
	if err != nil || ms <= 0 {
		return def
	}
	return time.Duration(ms) * time.Millisecond
}
