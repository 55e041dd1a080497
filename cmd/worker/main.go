package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hoferino/manda-platform-sub010/internal/config"
	"github.com/hoferino/manda-platform-sub010/internal/metrics"
	"github.com/hoferino/manda-platform-sub010/internal/queue"
	"github.com/hoferino/manda-platform-sub010/internal/storage"
	"github.com/hoferino/manda-platform-sub010/internal/util"
	"github.com/hoferino/manda-platform-sub010/pkg/ai/openai"
	"github.com/hoferino/manda-platform-sub010/pkg/embed"
	"github.com/hoferino/manda-platform-sub010/pkg/ingest"
	"github.com/hoferino/manda-platform-sub010/pkg/leaselock"
	"github.com/hoferino/manda-platform-sub010/pkg/logger"
	"github.com/hoferino/manda-platform-sub010/pkg/logger/console"
	"github.com/hoferino/manda-platform-sub010/pkg/resolver"
	"github.com/hoferino/manda-platform-sub010/pkg/store"
	"github.com/hoferino/manda-platform-sub010/pkg/supersede"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  debug,
		Prefix: "worker",
	})
	logger.Init(consoleLogger)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", "err", err)
	}

	// Init pgx client
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("Failed to parse database config", "err", err)
	}
	poolCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pgConn, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		logger.Fatal("Unable to connect to database", "err", err)
	}
	defer pgConn.Close()

	st := store.NewWithPool(pgConn)

	// Embedding gateway, primary provider plus optional fallback. The
	// probe fails the deploy on a dimension mismatch instead of letting
	// the worker write unsearchable vectors.
	gateway, err := newEmbedGateway(cfg)
	if err != nil {
		logger.Fatal("Failed to build embedding gateway", "err", err)
	}
	if err := gateway.Probe(ctx); err != nil {
		logger.Fatal("Embedding provider probe failed", "err", err)
	}

	// Extraction model client
	aiClient := openai.NewExtractionClient(openai.NewExtractionClientParams{
		ExtractionModel: cfg.ExtractModel,
		ChatURL:         cfg.ExtractURL,
		ChatKey:         cfg.ExtractKey,
	})

	// Resolver, serialized per mention key by lease locks
	res := resolver.New(st, leaselock.New(pgConn), resolver.Params{
		FuzzyThreshold:  cfg.ResolverFuzzyThreshold,
		VectorThreshold: cfg.ResolverVectorThreshold,
		AutoMerge:       cfg.ResolverAutoMerge,
		AmbiguityMargin: cfg.ResolverAmbiguityMargin,
		CandidateLimit:  cfg.ResolverCandidateLimit,
	})

	engine := supersede.NewEngine(st, supersede.Params{
		SupportSimilarity: cfg.SupportSimilarity,
		SupportBoost:      cfg.SupportBoost,
	})

	var archive ingest.Archiver
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
		archive = storage.NewQuarantine(s3Client, cfg.QuarantineBucket)
	}

	pipeline := ingest.NewPipeline(ingest.NewPipelineParams{
		Store:    st,
		Resolver: res,
		Engine:   engine,
		Gateway:  gateway,
		Client:   aiClient,
		Archive:  archive,
		Params: ingest.Params{
			TokenEncoder:   cfg.TokenEncoder,
			UnitMaxTokens:  cfg.UnitMaxTokens,
			ParallelAI:     cfg.ParallelAICalls,
			ExtractRetries: cfg.ExtractMaxRetries,
			EpisodeTimeout: cfg.EpisodeTimeout,
		},
	})

	// Init rabbitmq
	conn := queue.Init(cfg.AMQPURL())
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()

	if err := queue.SetupQueues(ch, []string{queue.IngestQueue}); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Metrics endpoint listening", "port", cfg.MetricsPort)
		if err := http.ListenAndServe(":"+cfg.MetricsPort, mux); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics endpoint failed", "err", err)
		}
	}()

	logger.Info("Listening for messages")

	// One consumer channel; prefetch matches the processor pool so each
	// processor holds at most one unacked delivery.
	consumerCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open consumer channel", "err", err)
	}
	defer consumerCh.Close()

	if err := consumerCh.Qos(cfg.IngestWorkers, 0, true); err != nil {
		logger.Fatal("Failed to set QoS", "err", err)
	}

	msgs, err := consumerCh.Consume(
		queue.IngestQueue,
		"ingest_consumer",
		false, // autoAck
		false, // exclusive
		false, // noLocal
		false, // noWait
		nil,   // args
	)
	if err != nil {
		logger.Fatal("Failed to start consuming", "queue", queue.IngestQueue, "err", err)
	}

	messageChan := make(chan amqp.Delivery)

	go func() {
		for {
			select {
			case <-ctx.Done():
				logger.Info("Stopping consumer", "queue", queue.IngestQueue)
				return
			case msg, ok := <-msgs:
				if !ok {
					logger.Info("Message channel closed", "queue", queue.IngestQueue)
					return
				}
				messageChan <- msg
			}
		}
	}()

	for range cfg.IngestWorkers {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-messageChan:
					startTime := time.Now()
					logger.Info("Received message", "queue", queue.IngestQueue)

					processingErr := queue.ProcessIngestMessage(ctx, pipeline, ch, msg.Body)

					// On error send to retry or dead-letter, otherwise ack
					if processingErr != nil {
						logger.Error("Error processing message", "queue", queue.IngestQueue, "err", processingErr)
						handleProcessingError(ctx, consumerCh, pipeline, msg)
					} else {
						if err := msg.Ack(false); err != nil {
							logger.Error("Failed to ack message", "err", err)
						}
						logger.Info("Message processed successfully",
							"queue", queue.IngestQueue,
							"duration", time.Since(startTime).Round(time.Millisecond))
					}
				}
			}
		}()
	}

	<-ctx.Done()
	logger.Info("Shutdown signal received, exiting...")
}

// handleProcessingError republishes a failed delivery to the retry
// queue, or parks it in the DLQ once the retry header hits the cap. The
// DLQ path also marks the episode failed so the loss shows up in the
// graph instead of only in the broker.
func handleProcessingError(ctx context.Context, ch *amqp.Channel, p queue.Ingestor, msg amqp.Delivery) {
	retries := 0
	if val, ok := msg.Headers["x-retries"]; ok {
		if v, ok := val.(int32); ok {
			retries = int(v)
		}
	}

	if retries >= queue.MaxRetries {
		dlqName := queue.DeadLetterQueue(queue.IngestQueue)
		logger.Info("Sending message to DLQ", "dlq", dlqName)
		pubErr := ch.PublishWithContext(ctx,
			"",
			dlqName,
			false,
			false,
			amqp.Publishing{
				ContentType: "application/json",
				Body:        msg.Body,
				Headers:     msg.Headers,
			},
		)
		if pubErr != nil {
			logger.Error("Failed to publish to DLQ", "dlq", dlqName, "err", pubErr)
			msg.Nack(false, true)
			return
		}
		metrics.QueueMessages.WithLabelValues(queue.IngestQueue, "dead_lettered").Inc()
		queue.MarkDeadLettered(ctx, p, msg.Body, "redelivery retries exhausted")
		msg.Ack(false)
		return
	}

	retryName := queue.RetryQueue(queue.IngestQueue)
	headers := msg.Headers
	if headers == nil {
		headers = amqp.Table{}
	}
	headers["x-retries"] = int32(retries + 1)

	pubErr := ch.PublishWithContext(ctx,
		"",
		retryName,
		false,
		false,
		amqp.Publishing{
			ContentType: "application/json",
			Body:        msg.Body,
			Headers:     headers,
		},
	)
	if pubErr != nil {
		logger.Error("Failed to publish to retry queue", "retry_queue", retryName, "err", pubErr)
		msg.Nack(false, true)
		return
	}
	metrics.QueueRetries.WithLabelValues(queue.IngestQueue).Inc()
	msg.Ack(false)
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
