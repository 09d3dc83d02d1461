// Package config loads the OpsConductor AI pipeline configuration from
// environment variables. The recognized set is closed; unknown variables
// are ignored. Two secrets are required at boot: SECRETS_KMS_KEY and
// INTERNAL_KEY — missing either is fatal.
package config

import (
	"errors"
	"os"
	"strconv"
	"time"
)

// ErrMissingMasterKey is returned when SECRETS_KMS_KEY is unset.
var ErrMissingMasterKey = errors.New("SECRETS_KMS_KEY is required")

// ErrMissingInternalKey is returned when INTERNAL_KEY is unset.
var ErrMissingInternalKey = errors.New("INTERNAL_KEY is required")

// Config holds all configuration for the AI pipeline server.
type Config struct {
	Port    int
	Version string

	// BypassLLM enables the deterministic echo tool path used for
	// walking-skeleton validation and canary metric seeding.
	BypassLLM bool

	Database   DatabaseConfig
	Secrets    SecretsConfig
	LLM        LLMConfig
	Selector   SelectorConfig
	Services   ServicesConfig
	Embeddings EmbeddingsConfig
	Executor   ExecutorConfig
	Telemetry  TelemetryConfig
}

type DatabaseConfig struct {
	// URL is the PostgreSQL connection string. Empty selects the
	// in-memory stores (zero-config mode).
	URL            string
	MaxConnections int
}

type SecretsConfig struct {
	// MasterKey is the symmetric master key for credential encryption.
	MasterKey string
	// InternalKey is the pre-shared service-to-service token guarding
	// the /internal routes.
	InternalKey string
}

type LLMConfig struct {
	BaseURL       string
	BackupBaseURL string
	APIKey        string
	Model         string
	// TiebreakModel is used for the selector tie-break; defaults to
	// Model when unset.
	TiebreakModel string
	CallTimeout   time.Duration

	// Token-budget parameters for the selector prompt.
	MaxModelLen   int
	OutputReserve float64
	SafetyMargin  int
	TokensPerRow  int
}

type SelectorConfig struct {
	CacheTTL        time.Duration
	CacheMaxEntries int
	DegradedEnable  bool
	// AmbiguityMarginPct flags a tie when the top two scores differ by
	// strictly less than this percentage.
	AmbiguityMarginPct float64
}

type ServicesConfig struct {
	AutomationURL    string
	CommunicationURL string
	AssetURL         string
	NetworkURL       string
	PipelineBaseURL  string
}

type EmbeddingsConfig struct {
	Provider string
	Endpoint string
	Model    string
}

type ExecutorConfig struct {
	// RequestTimeout is the default per-request deadline.
	RequestTimeout time.Duration
	// StepTimeout is the default per-step deadline when tool metadata
	// carries none; StepTimeoutMax is the hard cap.
	StepTimeout     time.Duration
	StepTimeoutMax  time.Duration
	LoopConcurrency int
	TenantID        string
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with defaults.
// It does not validate the required secrets; call Validate for that so
// tests can construct configs freely.
func Load() *Config {
	return &Config{
		Port:      envInt("PORT", 8080),
		Version:   envStr("OPSCONDUCTOR_VERSION", "0.4.0"),
		BypassLLM: envBool("FEATURE_BYPASS_LLM", false),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 25),
		},
		Secrets: SecretsConfig{
			MasterKey:   envStr("SECRETS_KMS_KEY", ""),
			InternalKey: envStr("INTERNAL_KEY", ""),
		},
		LLM: LLMConfig{
			BaseURL:       envStr("LLM_BASE_URL", "http://localhost:8000/v1"),
			BackupBaseURL: envStr("LLM_BACKUP_BASE_URL", ""),
			APIKey:        envStr("LLM_API_KEY", ""),
			Model:         envStr("LLM_MODEL", "qwen2.5-14b-instruct"),
			TiebreakModel: envStr("LLM_TIEBREAK_MODEL", ""),
			CallTimeout:   envDur("LLM_CALL_TIMEOUT_MS", 15*time.Second),
			MaxModelLen:   envInt("LLM_MAX_MODEL_LEN", 8192),
			OutputReserve: envFloat("LLM_OUTPUT_RESERVE", 0.30),
			SafetyMargin:  envInt("LLM_SAFETY_MARGIN", 256),
			TokensPerRow:  envInt("TOKENS_PER_ROW_EST", 45),
		},
		Selector: SelectorConfig{
			CacheTTL:           envDurSec("SELECTOR_CACHE_TTL_SEC", 60*time.Second),
			CacheMaxEntries:    envInt("SELECTOR_CACHE_MAX_ENTRIES", 512),
			DegradedEnable:     envBool("SELECTOR_DEGRADED_ENABLE", true),
			AmbiguityMarginPct: envFloat("AMBIGUITY_MARGIN_PCT", 10),
		},
		Services: ServicesConfig{
			AutomationURL:    envStr("AUTOMATION_SERVICE_URL", "http://localhost:8010"),
			CommunicationURL: envStr("COMMUNICATION_SERVICE_URL", "http://localhost:8011"),
			AssetURL:         envStr("ASSET_SERVICE_URL", "http://localhost:8012"),
			NetworkURL:       envStr("NETWORK_SERVICE_URL", "http://localhost:8013"),
			PipelineBaseURL:  envStr("AI_PIPELINE_BASE_URL", "http://localhost:8080"),
		},
		Embeddings: EmbeddingsConfig{
			Provider: envStr("EMBEDDINGS_PROVIDER", "ollama"),
			Endpoint: envStr("EMBEDDINGS_ENDPOINT", "http://localhost:11434"),
			Model:    envStr("EMBEDDINGS_MODEL", "nomic-embed-text"),
		},
		Executor: ExecutorConfig{
			RequestTimeout:  envDur("EXEC_TIMEOUT_MS", 60*time.Second),
			StepTimeout:     30 * time.Second,
			StepTimeoutMax:  10 * time.Minute,
			LoopConcurrency: envInt("LOOP_CONCURRENCY", 1),
			TenantID:        envStr("TENANT_ID", "default"),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "opsconductor-ai-pipeline"),
		},
	}
}

// Validate checks the boot-fatal invariants.
func (c *Config) Validate() error {
	if c.Secrets.MasterKey == "" {
		return ErrMissingMasterKey
	}
	if c.Secrets.InternalKey == "" {
		return ErrMissingInternalKey
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// envDur reads a millisecond count.
func envDur(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

// envDurSec reads a second count.
func envDurSec(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if s, err := strconv.Atoi(v); err == nil && s > 0 {
			return time.Duration(s) * time.Second
		}
	}
	return fallback
}
