// Package config loads runtime configuration from environment variables
// (optionally a .env file), following the env-first, YAML-free shape the
// rest of this service uses.
package config

import "time"

// ServiceName identifies this binary to tracing/metrics exporters.
const ServiceName = "salesmesh"

// Config is the top-level, fully resolved runtime configuration.
type Config struct {
	Env    string // ENV_STATE: development|staging|production
	Secret SecretConfig
	Auth   AuthConfig
	HTTP   HTTPConfig
	WS     WebSocketConfig
	Redis  RedisConfig
	Databases DBConfig
	Embedding EmbeddingConfig
	Obs       ObsConfig
	RAG       RAGConfig
	Compliance ComplianceConfig
	RateLimit RateLimitConfig
	AuditLogEnabled bool
}

// SecretConfig carries JWT signing material.
type SecretConfig struct {
	Key                     string
	JWTAlgorithm            string
	AccessTokenExpireMinutes int
}

// AuthConfig carries the bootstrap admin account and CORS policy.
type AuthConfig struct {
	AdminUsername string
	AdminPassword string
	CORSOrigins   []string
}

// HTTPConfig carries the listen address for cmd/coachd's HTTP surface.
type HTTPConfig struct {
	Addr string
}

// WebSocketConfig carries /ws/{session_id} tuning knobs.
type WebSocketConfig struct {
	ManagerType      string // local|redis
	PingInterval     time.Duration
	PongWait         time.Duration
	WriteWait        time.Duration
	MaxMessageBytes  int64
}

// RedisConfig carries the connection string and bus selection flag.
type RedisConfig struct {
	URL         string
	UseRedisBus bool
}

// DBBackend names one pluggable recall/relational backend plus its DSN.
type DBBackend struct {
	Backend    string
	DSN        string
	Index      string
	Collection string
	Dimensions int
	Metric     string
}

// DBConfig groups every persistence backend this service depends on.
type DBConfig struct {
	DefaultDSN string
	Search     DBBackend
	Vector     DBBackend
	Relational DBBackend
}

// EmbeddingConfig configures the HTTP embedding client used by the
// retrieval pipeline for vector recall.
type EmbeddingConfig struct {
	BaseURL   string
	Model     string
	Path      string
	APIKey    string
	APIHeader string
	Headers   map[string]string
	Timeout   int // seconds
	Dimensions int
}

// ObsConfig configures OpenTelemetry export.
type ObsConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string
	OTLP           string
}

// RAGConfig configures retrieval-time behavior: fan-out size, decay, and
// the optional cross-encoder reranking stage.
type RAGConfig struct {
	TopK                int
	RerankerEnabled     bool
	RerankBaseURL       string
	RerankModel         string
	RerankPath          string
	SimilarityThreshold float64
	DecayHalfLifeHours  float64
}

// ComplianceConfig configures the keyword/regex compliance scanner.
type ComplianceConfig struct {
	SensitiveWords          []string
	InjectionRegexes        []string
	GuaranteedReturnKeywords []string
}

// RateLimitConfig toggles the sliding-window limiter.
type RateLimitConfig struct {
	Enabled bool
	Window  time.Duration
	Max     int
}
