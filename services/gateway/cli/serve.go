package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tasklane/tasklane/internal/kafka"
	"github.com/tasklane/tasklane/internal/notify"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/queue"
	"github.com/tasklane/tasklane/internal/redisq"
	"github.com/tasklane/tasklane/pkg/retry"
	"github.com/tasklane/tasklane/pkg/telemetry"
	"github.com/tasklane/tasklane/services/gateway/config"
	"github.com/tasklane/tasklane/services/gateway/handler"
	"github.com/tasklane/tasklane/services/gateway/middleware"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the queue HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("http-port", "8080", "HTTP server port")
	serveCmd.Flags().String("metrics-addr", ":9095", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("credential-secret", "changeme", "HMAC secret for task credentials")
	serveCmd.Flags().Int("rate-limit", 600, "API requests per client per minute")
	serveCmd.Flags().Duration("claim-timeout", queue.DefaultClaimTimeout, "how long a claim lasts before it may be retried")
	serveCmd.Flags().Duration("deadline-delay", queue.DefaultDeadlineDelay, "grace period after the deadline before enforcement")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("http_port", serveCmd.Flags(), "http-port")
	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("credential_secret", serveCmd.Flags(), "credential-secret")
	bindFlag("rate_limit", serveCmd.Flags(), "rate-limit")
	bindFlag("claim_timeout", serveCmd.Flags(), "claim-timeout")
	bindFlag("deadline_delay", serveCmd.Flags(), "deadline-delay")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	logger := buildLogger(cfg.LogLevel, "gateway")

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "gateway", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	brokers := strings.Split(cfg.KafkaBrokers, ",")
	producer := kafka.NewProducer(brokers)
	defer func() { _ = producer.Close() }()
	publisher := notify.NewPublisher(producer)

	redisClient := redisq.NewClient(cfg.RedisAddr)
	defer func() { _ = redisClient.Close() }()
	queueSvc := redisq.NewQueueService(redisClient)
	limiter := redisq.NewRateLimiter(redisClient, cfg.RateLimit, time.Minute)

	pool, err := dialPostgres(context.Background(), cfg.PostgresDSN, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	svc := queue.NewService(
		postgres.NewTaskStore(pool),
		postgres.NewDependencyStore(pool),
		postgres.NewGroupStore(pool),
		postgres.NewArtifactStore(pool),
		queueSvc,
		publisher,
		queue.NewHMACIssuer(cfg.CredentialSecret),
		queue.WithLogger(logger),
		queue.WithClaimTimeout(cfg.ClaimTimeout),
		queue.WithDeadlineDelay(cfg.DeadlineDelay),
	)

	rest := handler.NewREST(svc, logger)

	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.MaxBodySize(1 << 20)) // 1MB limit
	r.Get("/healthz", rest.Healthz)
	r.Get("/readyz", rest.Readyz)
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RateLimit(limiter, logger))

		r.Put("/task/{taskId}", rest.CreateTask)
		r.Get("/task/{taskId}", rest.GetTask)
		r.Get("/task/{taskId}/status", rest.GetStatus)
		r.Post("/task/{taskId}/schedule", rest.ScheduleTask)
		r.Post("/task/{taskId}/rerun", rest.RerunTask)
		r.Post("/task/{taskId}/cancel", rest.CancelTask)
		r.Get("/task/{taskId}/dependents", rest.ListDependents)

		r.Get("/task-group/{taskGroupId}/list", rest.ListTaskGroup)

		r.Get("/pending/{provisionerId}/{workerType}", rest.PendingCount)
		r.Post("/claim-work/{provisionerId}/{workerType}", rest.ClaimWork)

		r.Post("/task/{taskId}/runs/{runId}/claim", rest.ClaimTask)
		r.Post("/task/{taskId}/runs/{runId}/reclaim", rest.ReclaimTask)
		r.Post("/task/{taskId}/runs/{runId}/completed", rest.ReportCompleted)
		r.Post("/task/{taskId}/runs/{runId}/failed", rest.ReportFailed)
		r.Post("/task/{taskId}/runs/{runId}/exception", rest.ReportException)

		r.Get("/task/{taskId}/runs/{runId}/artifacts", rest.ListArtifacts)
		r.Put("/task/{taskId}/runs/{runId}/artifacts/*", rest.CreateArtifact)
		r.Post("/task/{taskId}/runs/{runId}/artifacts/*", rest.FinishArtifact)
		r.Get("/task/{taskId}/runs/{runId}/artifacts/*", rest.GetArtifact)
	})

	httpSrv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 45 * time.Second, // claimWork long-polls
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	go func() {
		logger.Info("gateway HTTP starting", slog.String("addr", httpSrv.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	<-quit
	logger.Info("shutting down...")
	runCancel()

	shutCtx, shutCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutCancel()
	if err := httpSrv.Shutdown(shutCtx); err != nil {
		logger.Error("HTTP shutdown error", slog.String("error", err.Error()))
	}
	logger.Info("stopped")
	return nil
}

// dialPostgres retries the initial connection so a restart during a
// database failover does not crash-loop the service.
func dialPostgres(ctx context.Context, dsn string, logger *slog.Logger) (pool *pgxpool.Pool, err error) {
	err = retry.Do(ctx, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   time.Second,
		OnRetry: func(attempt int, err error) {
			logger.Warn("postgres connection failed, retrying",
				slog.Int("attempt", attempt), slog.String("error", err.Error()))
		},
	}, func() error {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		pool, err = postgres.NewPool(dialCtx, dsn)
		return err
	})
	return pool, err
}
