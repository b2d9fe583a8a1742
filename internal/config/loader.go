package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Load reads configuration from environment variables, optionally
// overridden by a .env file in the working directory.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}
	cfg.Env = firstNonEmpty(strings.TrimSpace(os.Getenv("ENV_STATE")), "development")

	cfg.Secret.Key = strings.TrimSpace(os.Getenv("SECRET_KEY"))
	cfg.Secret.JWTAlgorithm = firstNonEmpty(strings.TrimSpace(os.Getenv("JWT_ALGORITHM")), "HS256")
	cfg.Secret.AccessTokenExpireMinutes = envInt("ACCESS_TOKEN_EXPIRE_MINUTES", 30)

	cfg.Auth.AdminUsername = strings.TrimSpace(os.Getenv("ADMIN_USERNAME"))
	cfg.Auth.AdminPassword = strings.TrimSpace(os.Getenv("ADMIN_PASSWORD"))
	if v := strings.TrimSpace(os.Getenv("CORS_ORIGINS")); v != "" {
		cfg.Auth.CORSOrigins = parseCommaSeparatedList(v)
	}

	cfg.HTTP.Addr = firstNonEmpty(strings.TrimSpace(os.Getenv("HTTP_ADDR")), ":8080")

	cfg.WS.ManagerType = firstNonEmpty(strings.TrimSpace(os.Getenv("WEBSOCKET_MANAGER_TYPE")), "local")
	cfg.WS.PingInterval = envSeconds("WS_PING_INTERVAL_SECONDS", 20)
	cfg.WS.PongWait = envSeconds("WS_PONG_WAIT_SECONDS", 60)
	cfg.WS.WriteWait = envSeconds("WS_WRITE_WAIT_SECONDS", 10)
	cfg.WS.MaxMessageBytes = int64(envInt("WS_MAX_MESSAGE_BYTES", 1<<20))

	cfg.Redis.URL = firstNonEmpty(strings.TrimSpace(os.Getenv("REDIS_URL")), "redis://localhost:6379/0")
	cfg.Redis.UseRedisBus = envBool("USE_REDIS_BUS", true)

	cfg.Databases.DefaultDSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.Databases.Search.Backend = strings.TrimSpace(os.Getenv("SEARCH_BACKEND"))
	cfg.Databases.Search.DSN = strings.TrimSpace(os.Getenv("SEARCH_DSN"))
	cfg.Databases.Vector.Backend = strings.TrimSpace(os.Getenv("VECTOR_BACKEND"))
	cfg.Databases.Vector.DSN = strings.TrimSpace(os.Getenv("VECTOR_DSN"))
	cfg.Databases.Vector.Collection = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_COLLECTION")), "salesmesh_memory")
	cfg.Databases.Vector.Dimensions = envInt("VECTOR_DIMENSIONS", 1536)
	cfg.Databases.Vector.Metric = firstNonEmpty(strings.TrimSpace(os.Getenv("VECTOR_METRIC")), "cosine")
	cfg.Databases.Relational.Backend = strings.TrimSpace(os.Getenv("RELATIONAL_BACKEND"))
	cfg.Databases.Relational.DSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	cfg.Embedding.BaseURL = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_BASE_URL")), "https://api.openai.com")
	cfg.Embedding.Model = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_MODEL")), "text-embedding-3-small")
	cfg.Embedding.Path = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_PATH")), "/v1/embeddings")
	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("EMBED_API_KEY"))
	cfg.Embedding.APIHeader = firstNonEmpty(strings.TrimSpace(os.Getenv("EMBED_API_HEADER")), "Authorization")
	cfg.Embedding.Timeout = envInt("EMBED_TIMEOUT", 30)
	cfg.Embedding.Dimensions = cfg.Databases.Vector.Dimensions

	cfg.Obs.ServiceName = firstNonEmpty(strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")), ServiceName)
	cfg.Obs.ServiceVersion = strings.TrimSpace(os.Getenv("SERVICE_VERSION"))
	cfg.Obs.Environment = cfg.Env
	cfg.Obs.OTLP = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	cfg.RAG.TopK = envInt("RAG_TOP_K", 8)
	cfg.RAG.RerankerEnabled = envBool("BGE_RERANKER_ENABLED", false)
	cfg.RAG.RerankBaseURL = firstNonEmpty(strings.TrimSpace(os.Getenv("RERANK_BASE_URL")), "http://localhost:8088")
	cfg.RAG.RerankModel = firstNonEmpty(strings.TrimSpace(os.Getenv("RERANK_MODEL")), "bge-reranker-base")
	cfg.RAG.RerankPath = firstNonEmpty(strings.TrimSpace(os.Getenv("RERANK_PATH")), "/rerank")
	cfg.RAG.SimilarityThreshold = envFloat("RAG_SIMILARITY_THRESHOLD", 0.25)
	cfg.RAG.DecayHalfLifeHours = envFloat("DECAY_HALF_LIFE_HOURS", 7*24)

	if v := strings.TrimSpace(os.Getenv("SENSITIVE_WORDS")); v != "" {
		cfg.Compliance.SensitiveWords = parseCommaSeparatedList(v)
	}
	if v := strings.TrimSpace(os.Getenv("INJECTION_REGEXES")); v != "" {
		cfg.Compliance.InjectionRegexes = parseCommaSeparatedList(v)
	}
	if v := strings.TrimSpace(os.Getenv("GUARANTEED_RETURN_KEYWORDS")); v != "" {
		cfg.Compliance.GuaranteedReturnKeywords = parseCommaSeparatedList(v)
	} else {
		cfg.Compliance.GuaranteedReturnKeywords = []string{
			"guaranteed return", "guaranteed profit", "zero risk", "risk-free return", "capital guaranteed",
		}
	}

	cfg.RateLimit.Enabled = envBool("RATE_LIMIT_ENABLED", true)
	cfg.RateLimit.Window = envSeconds("RATE_LIMIT_WINDOW_SECONDS", 60)
	cfg.RateLimit.Max = envInt("RATE_LIMIT_MAX", 120)

	cfg.AuditLogEnabled = envBool("AUDIT_LOG_ENABLED", cfg.Env == "production")

	// Database backend defaults: prefer postgres when a DSN is reachable,
	// fall back to in-memory for local dev and tests.
	if cfg.Databases.Search.Backend == "" {
		cfg.Databases.Search.Backend = autoOrMemory(cfg.Databases.DefaultDSN)
	}
	if cfg.Databases.Vector.Backend == "" {
		cfg.Databases.Vector.Backend = autoOrMemory(cfg.Databases.DefaultDSN)
	}
	if cfg.Databases.Relational.Backend == "" {
		cfg.Databases.Relational.Backend = autoOrMemory(cfg.Databases.DefaultDSN)
	}

	if cfg.Env == "production" {
		if cfg.Secret.Key == "" {
			return Config{}, fmt.Errorf("SECRET_KEY is required when ENV_STATE=production")
		}
	}
	return cfg, nil
}

func autoOrMemory(dsn string) string {
	if dsn != "" {
		return "auto"
	}
	return "memory"
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func parseCommaSeparatedList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
}

func envSeconds(key string, def int) time.Duration {
	return time.Duration(envInt(key, def)) * time.Second
}
