package server

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator"
	"github.com/golang-migrate/migrate/v4"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/hoferino/manda-platform-sub010/internal/config"
	"github.com/hoferino/manda-platform-sub010/internal/queue"
	mid "github.com/hoferino/manda-platform-sub010/internal/server/middleware"
	"github.com/hoferino/manda-platform-sub010/internal/storage"
	"github.com/hoferino/manda-platform-sub010/pkg/embed"
	"github.com/hoferino/manda-platform-sub010/pkg/leaselock"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
	"github.com/hoferino/manda-platform-sub010/pkg/resolver"
	"github.com/hoferino/manda-platform-sub010/pkg/retrieval"
	"github.com/hoferino/manda-platform-sub010/pkg/store"
)

type CustomValidator struct {
	validator *validator.Validate
}

func (cv *CustomValidator) Validate(i any) error {
	if err := cv.validator.Struct(i); err != nil {
		return err
	}
	return nil
}

func Init() {
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", "err", err)
	}

	e := echo.New()
	e.Validator = &CustomValidator{validator: validator.New()}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runMigrations(cfg.MigrationsDir, cfg.DatabaseURL)

	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to parse database config", "err", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	conn, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("Failed to connect to database", "err", err)
	}
	defer conn.Close()

	que := queue.Init(cfg.AMQPURL())
	defer que.Close()
	ch, err := que.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	if err := queue.SetupQueues(ch, []string{queue.IngestQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	st := store.NewWithPool(conn)

	gateway, err := newEmbedGateway(cfg)
	if err != nil {
		logger.Fatal("Failed to build embedding gateway", "err", err)
	}
	if err := gateway.Probe(ctx); err != nil {
		logger.Fatal("Embedding provider probe failed", "err", err)
	}

	retrievalSvc := retrieval.NewService(retrieval.NewServiceParams{
		Store:   st,
		Gateway: gateway,
		Params: retrieval.Params{
			CandidateCount:   cfg.CandidateCount,
			ResultCount:      cfg.ResultCount,
			TraversalDepth:   cfg.TraversalDepth,
			CandidateTimeout: cfg.CandidateTimeout,
			TotalTimeout:     cfg.RetrieveTimeout,
		},
	})

	var quarantine *storage.Quarantine
	if cfg.QuarantineToS3 {
		s3Client, err := storage.NewS3Client(ctx, storage.NewS3ClientParams{
			Region:    cfg.AWSRegion,
			Endpoint:  cfg.AWSEndpointURL,
			AccessKey: cfg.AWSAccessKeyID,
			SecretKey: cfg.AWSSecretKey,
		})
		if err != nil {
			logger.Fatal("Failed to create object store client", "err", err)
		}
		quarantine = storage.NewQuarantine(s3Client, cfg.QuarantineBucket)
	}

	app := &mid.App{
		DBConn: conn,
		Queue:  ch,
		Store:  st,
		// The server only uses the resolver for manual merges; resolution
		// of queued episodes happens in the worker.
		Resolver:   resolver.New(st, leaselock.New(conn), resolver.Params{}),
		Retrieval:  retrievalSvc,
		Quarantine: quarantine,
	}

	e.Use(mid.AppContextMiddleware(app))
	e.Use(middleware.CORS())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.BodyLimit("1M"))

	RegisterRoutes(e)

	go func() {
		logger.Info("Starting server", "port", cfg.Port)
		if err := e.Start(":" + cfg.Port); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed shutting down server", "err", err)
		}
	}()

	<-ctx.Done()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Failed to shutdown server", "err", err)
	}
}

// runMigrations brings the schema up to date before the pool opens.
// Only the server migrates; workers assume the schema is current.
func runMigrations(dir, databaseURL string) {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		logger.Fatal("Failed to initialize migrations", "err", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		logger.Fatal("Failed to run migrations", "err", err)
	}
	srcErr, dbErr := m.Close()
	if srcErr != nil {
		logger.Error("Failed to close migration source", "err", srcErr)
	}
	if dbErr != nil {
		logger.Error("Failed to close migration database handle", "err", dbErr)
	}
	logger.Info("Database schema up to date")
}

func newEmbedProvider(adapter, model, queryModel, baseURL, apiKey string, dims int) (embed.Provider, error) {
	switch adapter {
	case "ollama":
		return embed.NewOllamaProvider(embed.NewOllamaProviderParams{
			Model:      model,
			BaseURL:    baseURL,
			APIKey:     apiKey,
			Dimensions: dims,
		})
	default:
		return embed.NewOpenAIProvider(embed.NewOpenAIProviderParams{
			Model:      model,
			QueryModel: queryModel,
			BaseURL:    baseURL,
			APIKey:     apiKey,
			Dimensions: dims,
		}), nil
	}
}

func newEmbedGateway(cfg *config.Config) (*embed.Gateway, error) {
	primary, err := newEmbedProvider(cfg.EmbedAdapter, cfg.EmbedModel, cfg.EmbedQueryModel,
		cfg.EmbedURL, cfg.EmbedKey, cfg.EmbedDimensions)
	if err != nil {
		return nil, err
	}
	providers := []embed.Provider{primary}

	if cfg.EmbedFallbackAdapter != "" {
		fallback, err := newEmbedProvider(cfg.EmbedFallbackAdapter, cfg.EmbedFallbackModel, "",
			cfg.EmbedFallbackURL, cfg.EmbedFallbackKey, cfg.EmbedDimensions)
		if err != nil {
			return nil, err
		}
		providers = append(providers, fallback)
	}

	return embed.NewGateway(embed.NewGatewayParams{
		Providers:  providers,
		Dimensions: cfg.EmbedDimensions,

		BatchMax:    cfg.EmbedBatchMax,
		Timeout:     cfg.EmbedTimeout,
		MaxRetries:  cfg.EmbedMaxRetries,
		BackoffBase: cfg.EmbedBackoffBase,

		RateLimit: cfg.EmbedRateLimit,
		RateBurst: cfg.EmbedRateBurst,

		BreakerThreshold:  cfg.BreakerThreshold,
		BreakerResetAfter: cfg.BreakerResetAfter,
	})
}
