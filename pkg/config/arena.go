package config

import (
	"strings"
	"time"
)

// ArenaConfig holds runtime configuration for the arena service.
type ArenaConfig struct {
	Environment   string
	LogLevel      string
	Addr          string
	DatabaseURL   string
	MigrationsDir string

	WorkspaceRoot string
	DockerHost    string
	ImageRegistry string

	CycleLength      time.Duration
	ArtifactDeadline time.Duration
	SubmissionPoll   time.Duration

	BuildTimeout  time.Duration
	BuildCPUs     float64
	BuildMemoryMB int

	DomainSuffix     string
	AppPort          int
	HealthPath       string
	ReadinessTimeout time.Duration
	HealthInterval   time.Duration
	RoutingConfigDir string
	RoutingReloadCmd string
	RoutingContainer string

	BoundSecrets []string

	PaymentWebhookSecret string
	ProcessorPollURL     string
	ProcessorPollToken   string
	ProcessorPollEvery   time.Duration
	LedgerLateCutoff     time.Duration
	DedupRedisAddr       string
	DedupRedisPass       string
	DedupRedisDB         int
	DedupTTL             time.Duration

	RateLimitRedisAddr string
	RateLimitRedisPass string
	RateLimitRedisDB   int

	EventBuffer int
}

// LoadArenaConfig constructs an ArenaConfig from environment variables.
func LoadArenaConfig() ArenaConfig {
	return ArenaConfig{
		Environment:   GetString("APP_ENV", "development"),
		LogLevel:      GetString("LOG_LEVEL", "info"),
		Addr:          GetString("ARENA_ADDR", ":4000"),
		DatabaseURL:   GetString("DATABASE_URL", "postgres://arena:arena@db:5432/arena?sslmode=disable"),
		MigrationsDir: GetString("DB_MIGRATIONS_DIR", "./db/migrations"),

		WorkspaceRoot: GetString("WORKSPACE_ROOT", "/var/lib/arena/workspaces"),
		DockerHost:    GetString("DOCKER_HOST_OVERRIDE", ""),
		ImageRegistry: GetString("IMAGE_REGISTRY", "arena"),

		CycleLength:      GetDuration("CYCLE_LENGTH", 24*time.Hour),
		ArtifactDeadline: GetDuration("ARTIFACT_DEADLINE", 2*time.Hour),
		SubmissionPoll:   GetDuration("SUBMISSION_POLL_INTERVAL", 15*time.Second),

		BuildTimeout:  GetDuration("BUILD_TIMEOUT", 10*time.Minute),
		BuildCPUs:     float64(GetInt("BUILD_CPU_LIMIT_CENTI", 200)) / 100,
		BuildMemoryMB: GetInt("BUILD_MEMORY_LIMIT_MB", 4096),

		DomainSuffix:     GetString("DOMAIN_SUFFIX", ".apps.moneybench.dev"),
		AppPort:          GetInt("APP_PORT", 3000),
		HealthPath:       GetString("HEALTH_PATH", "/"),
		ReadinessTimeout: GetDuration("READINESS_TIMEOUT", 60*time.Second),
		HealthInterval:   GetDuration("HEALTH_CHECK_INTERVAL", 2*time.Second),
		RoutingConfigDir: GetString("ROUTING_CONFIG_DIR", "/etc/nginx/conf.d"),
		RoutingReloadCmd: GetString("ROUTING_RELOAD_COMMAND", "nginx -s reload"),
		RoutingContainer: GetString("ROUTING_CONTAINER_NAME", ""),

		BoundSecrets: splitList(GetString("BOUND_SECRET_NAMES", "STRIPE_API_KEY")),

		PaymentWebhookSecret: GetString("PAYMENT_WEBHOOK_SECRET", ""),
		ProcessorPollURL:     GetString("PROCESSOR_POLL_URL", ""),
		ProcessorPollToken:   GetString("PROCESSOR_POLL_TOKEN", ""),
		ProcessorPollEvery:   GetDuration("PROCESSOR_POLL_INTERVAL", time.Minute),
		LedgerLateCutoff:     GetDuration("LEDGER_LATE_CUTOFF", 72*time.Hour),
		DedupRedisAddr:       GetString("DEDUP_REDIS_ADDR", ""),
		DedupRedisPass:       GetString("DEDUP_REDIS_PASSWORD", ""),
		DedupRedisDB:         GetInt("DEDUP_REDIS_DB", 0),
		DedupTTL:             GetDuration("DEDUP_TTL", 14*24*time.Hour),

		RateLimitRedisAddr: GetString("RATE_LIMIT_REDIS_ADDR", ""),
		RateLimitRedisPass: GetString("RATE_LIMIT_REDIS_PASSWORD", ""),
		RateLimitRedisDB:   GetInt("RATE_LIMIT_REDIS_DB", 0),

		EventBuffer: GetInt("WS_EVENT_BUFFER", 100),
	}
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(item); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
