package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	ServerPort     string
	ServerHost     string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxRequestBody int64

	// Central database (index, consent, audit, identity)
	PostgresHost     string
	PostgresPort     string
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Redis
	RedisHost     string
	RedisPort     string
	RedisPassword string
	RedisDB       int

	// Kafka
	KafkaBrokers         []string
	KafkaGroupID         string
	RecordPersistedTopic string
	AuditMirrorTopic     string

	// Auth
	JWTSecret   string
	JWTIssuer   string
	JWTAudience string
	JWTTTL      time.Duration

	// First central admin, created on startup when no account holds the email
	BootstrapAdminEmail    string
	BootstrapAdminPassword string

	// Hospital directory
	HospitalRegistryPath string
	HospitalID           string
	HospitalAuthToken    string

	// Federation
	HospitalFetchTimeout   time.Duration
	IndexCacheTTL          time.Duration
	AuditDefaultLimit      int
	AuditMaxLimit          int
	BreakGlassMaxPerHour   int
	InteractionTablePath   string
	OutboundRetryAttempts  int
	OutboundRetryBaseDelay time.Duration

	// Gateway specific
	GatewayRateLimitRPS   int
	GatewayRateLimitBurst int

	// Log redaction rules; built-in rules when empty
	LogRedactionRulesPath string
}

func Load() *Config {
	return &Config{
		ServerPort:     getEnv("SERVER_PORT", "8080"),
		ServerHost:     getEnv("SERVER_HOST", "0.0.0.0"),
		ReadTimeout:    getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:   getDuration("WRITE_TIMEOUT", 30*time.Second),
		MaxRequestBody: int64(getIntEnv("MAX_REQUEST_BODY_BYTES", 1024*1024)),

		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnv("POSTGRES_PORT", "5432"),
		PostgresUser:     getEnv("POSTGRES_USER", "medrec"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "medrec123"),
		PostgresDB:       getEnv("POSTGRES_DB", "medrec_central"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getIntEnv("REDIS_DB", 0),

		KafkaBrokers:         getStringSliceEnv("KAFKA_BROKERS", []string{"localhost:9092"}),
		KafkaGroupID:         getEnv("KAFKA_GROUP_ID", "medrec-central"),
		RecordPersistedTopic: getEnv("RECORD_PERSISTED_TOPIC", "record-persisted"),
		AuditMirrorTopic:     getEnv("AUDIT_MIRROR_TOPIC", "audit-events"),

		JWTSecret:   getEnv("JWT_SECRET", ""),
		JWTIssuer:   getEnv("JWT_ISSUER", "medrec-central"),
		JWTAudience: getEnv("JWT_AUDIENCE", "medrec"),
		JWTTTL:      getDuration("JWT_TTL", 8*time.Hour),

		BootstrapAdminEmail:    getEnv("BOOTSTRAP_ADMIN_EMAIL", ""),
		BootstrapAdminPassword: getEnv("BOOTSTRAP_ADMIN_PASSWORD", ""),

		HospitalRegistryPath: getEnv("HOSPITAL_REGISTRY_PATH", "hospitals.yaml"),
		HospitalID:           getEnv("HOSPITAL_ID", ""),
		HospitalAuthToken:    getEnv("HOSPITAL_AUTH_TOKEN", ""),

		HospitalFetchTimeout:   getDuration("HOSPITAL_FETCH_TIMEOUT", 3*time.Second),
		IndexCacheTTL:          getDuration("INDEX_CACHE_TTL", 5*time.Minute),
		AuditDefaultLimit:      getIntEnv("AUDIT_DEFAULT_LIMIT", 100),
		AuditMaxLimit:          getIntEnv("AUDIT_MAX_LIMIT", 1000),
		BreakGlassMaxPerHour:   getIntEnv("BREAK_GLASS_MAX_PER_HOUR", 10),
		InteractionTablePath:   getEnv("INTERACTION_TABLE_PATH", ""),
		OutboundRetryAttempts:  getIntEnv("OUTBOUND_RETRY_ATTEMPTS", 2),
		OutboundRetryBaseDelay: getDuration("OUTBOUND_RETRY_BASE_DELAY", 100*time.Millisecond),

		GatewayRateLimitRPS:   getIntEnv("GATEWAY_RATE_LIMIT_RPS", 50),
		GatewayRateLimitBurst: getIntEnv("GATEWAY_RATE_LIMIT_BURST", 100),

		LogRedactionRulesPath: getEnv("LOG_REDACTION_RULES_PATH", ""),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getStringSliceEnv(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		var out []string
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, trimmed)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
