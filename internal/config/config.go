// Package config loads the deployment configuration from environment
// variables. Similarity thresholds are tuning parameters, not contracts:
// they start at the observed defaults and are expected to move as
// near-miss reviews accumulate.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Debug         bool   `env:"DEBUG" envDefault:"false"`
	Port          string `env:"PORT" envDefault:"8080"`
	MetricsPort   string `env:"METRICS_PORT" envDefault:"9090"`
	DatabaseURL   string `env:"DATABASE_URL,required"`
	MigrationsDir string `env:"MIGRATIONS_DIR" envDefault:"migrations"`

	// Embedding gateway
	EmbedDimensions   int           `env:"EMBED_DIMENSIONS" envDefault:"1024"`
	EmbedBatchMax     int           `env:"EMBED_BATCH_MAX" envDefault:"128"`
	EmbedTimeout      time.Duration `env:"EMBED_TIMEOUT" envDefault:"10s"`
	EmbedMaxRetries   int           `env:"EMBED_MAX_RETRIES" envDefault:"3"`
	EmbedBackoffBase  time.Duration `env:"EMBED_BACKOFF_BASE" envDefault:"250ms"`
	EmbedRateLimit    float64       `env:"EMBED_RATE_LIMIT" envDefault:"10"`
	EmbedRateBurst    int           `env:"EMBED_RATE_BURST" envDefault:"20"`
	BreakerThreshold  int           `env:"EMBED_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerResetAfter time.Duration `env:"EMBED_BREAKER_RESET_AFTER" envDefault:"30s"`

	// Primary embedding provider ("openai" or "ollama")
	EmbedAdapter    string `env:"EMBED_ADAPTER" envDefault:"openai"`
	EmbedModel      string `env:"EMBED_MODEL" envDefault:"text-embedding-3-large"`
	EmbedQueryModel string `env:"EMBED_QUERY_MODEL"`
	EmbedURL        string `env:"EMBED_URL"`
	EmbedKey        string `env:"EMBED_KEY"`

	// Optional fallback embedding provider, tried after the primary's
	// retries are exhausted.
	EmbedFallbackAdapter string `env:"EMBED_FALLBACK_ADAPTER"`
	EmbedFallbackModel   string `env:"EMBED_FALLBACK_MODEL"`
	EmbedFallbackURL     string `env:"EMBED_FALLBACK_URL"`
	EmbedFallbackKey     string `env:"EMBED_FALLBACK_KEY"`

	// Extraction model
	ExtractModel      string `env:"EXTRACT_MODEL" envDefault:"gpt-4o-mini"`
	ExtractURL        string `env:"EXTRACT_URL"`
	ExtractKey        string `env:"EXTRACT_KEY"`
	ExtractMaxRetries int    `env:"EXTRACT_MAX_RETRIES" envDefault:"3"`

	// Entity resolver thresholds
	ResolverFuzzyThreshold  float64 `env:"RESOLVER_FUZZY_THRESHOLD" envDefault:"0.92"`
	ResolverVectorThreshold float64 `env:"RESOLVER_VECTOR_THRESHOLD" envDefault:"0.85"`
	ResolverAutoMerge       float64 `env:"RESOLVER_AUTO_MERGE_THRESHOLD" envDefault:"0.90"`
	ResolverAmbiguityMargin float64 `env:"RESOLVER_AMBIGUITY_MARGIN" envDefault:"0.03"`
	ResolverCandidateLimit  int     `env:"RESOLVER_CANDIDATE_LIMIT" envDefault:"16"`

	// Temporal supersession
	SupportSimilarity float64 `env:"SUPERSEDE_SUPPORT_SIMILARITY" envDefault:"0.97"`
	SupportBoost      float64 `env:"SUPERSEDE_SUPPORT_BOOST" envDefault:"0.2"`

	// Ingestion pipeline
	IngestWorkers   int           `env:"INGEST_WORKERS" envDefault:"4"`
	EpisodeTimeout  time.Duration `env:"INGEST_EPISODE_TIMEOUT" envDefault:"60s"`
	TokenEncoder    string        `env:"INGEST_TOKEN_ENCODER" envDefault:"o200k_base"`
	UnitMaxTokens   int           `env:"INGEST_UNIT_MAX_TOKENS" envDefault:"1200"`
	QuarantineToS3  bool          `env:"INGEST_QUARANTINE_S3" envDefault:"false"`
	ParallelAICalls int           `env:"INGEST_PARALLEL_AI" envDefault:"8"`

	// Hybrid retrieval
	CandidateCount   int           `env:"RETRIEVE_CANDIDATE_COUNT" envDefault:"50"`
	ResultCount      int           `env:"RETRIEVE_RESULT_COUNT" envDefault:"10"`
	TraversalDepth   int           `env:"RETRIEVE_TRAVERSAL_DEPTH" envDefault:"2"`
	CandidateTimeout time.Duration `env:"RETRIEVE_CANDIDATE_TIMEOUT" envDefault:"500ms"`
	RetrieveTimeout  time.Duration `env:"RETRIEVE_TIMEOUT" envDefault:"3s"`

	// Message broker
	RabbitMQUser     string `env:"RABBITMQ_USER" envDefault:"guest"`
	RabbitMQPassword string `env:"RABBITMQ_PASSWORD" envDefault:"guest"`
	RabbitMQHost     string `env:"RABBITMQ_HOST" envDefault:"localhost"`
	RabbitMQPort     string `env:"RABBITMQ_PORT" envDefault:"5672"`

	// Quarantine archive (S3-compatible object store)
	AWSRegion        string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSEndpointURL   string `env:"AWS_ENDPOINT_URL"`
	AWSAccessKeyID   string `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretKey     string `env:"AWS_SECRET_ACCESS_KEY"`
	QuarantineBucket string `env:"QUARANTINE_BUCKET" envDefault:"kg-quarantine"`
}

// AMQPURL assembles the broker connection string.
func (c *Config) AMQPURL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%s/",
		c.RabbitMQUser, c.RabbitMQPassword, c.RabbitMQHost, c.RabbitMQPort)
}

// Load reads .env when present and parses the environment into a Config.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.EmbedDimensions <= 0 {
		return fmt.Errorf("EMBED_DIMENSIONS must be positive, got %d", c.EmbedDimensions)
	}
	if c.EmbedBatchMax <= 0 {
		return fmt.Errorf("EMBED_BATCH_MAX must be positive, got %d", c.EmbedBatchMax)
	}
	if c.ResolverAutoMerge < c.ResolverVectorThreshold {
		return fmt.Errorf("auto-merge threshold %.2f below vector threshold %.2f",
			c.ResolverAutoMerge, c.ResolverVectorThreshold)
	}
	if c.IngestWorkers <= 0 {
		return fmt.Errorf("INGEST_WORKERS must be positive, got %d", c.IngestWorkers)
	}
	return nil
}
