package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tasklane/tasklane/internal/kafka"
	"github.com/tasklane/tasklane/internal/notify"
	"github.com/tasklane/tasklane/internal/postgres"
	"github.com/tasklane/tasklane/internal/queue"
	"github.com/tasklane/tasklane/internal/redisq"
	"github.com/tasklane/tasklane/pkg/retry"
	"github.com/tasklane/tasklane/pkg/telemetry"
	"github.com/tasklane/tasklane/services/resolver"
	"github.com/tasklane/tasklane/services/resolver/config"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the background resolvers and expiry jobs",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("metrics-addr", ":9096", "Prometheus metrics server address")
	serveCmd.Flags().String("kafka-brokers", "localhost:9092", "comma-separated Kafka broker addresses")
	serveCmd.Flags().String("redis-addr", "localhost:6379", "Redis address (host:port)")
	serveCmd.Flags().String("credential-secret", "changeme", "HMAC secret for task credentials")
	serveCmd.Flags().Int("parallelism", 4, "messages handled concurrently per resolver")
	serveCmd.Flags().String("expiry-schedule", "@hourly", "cron schedule for the expiry jobs")
	serveCmd.Flags().String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("metrics_addr", serveCmd.Flags(), "metrics-addr")
	bindFlag("kafka_brokers", serveCmd.Flags(), "kafka-brokers")
	bindFlag("redis_addr", serveCmd.Flags(), "redis-addr")
	bindFlag("credential_secret", serveCmd.Flags(), "credential-secret")
	bindFlag("parallelism", serveCmd.Flags(), "parallelism")
	bindFlag("expiry_schedule", serveCmd.Flags(), "expiry-schedule")
	bindFlag("otel_endpoint", serveCmd.Flags(), "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg := config.Load(viper.GetViper())
	instanceID := "resolver-" + uuid.New().String()[:8]
	logger := buildLogger(cfg.LogLevel, "resolver").With(slog.String("instance_id", instanceID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "resolver", cfg.OTelEndpoint)
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

	pool, err := dialPostgres(context.Background(), cfg.PostgresDSN, logger)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()

	tasks := postgres.NewTaskStore(pool)
	deps := postgres.NewDependencyStore(pool)
	groups := postgres.NewGroupStore(pool)
	artifacts := postgres.NewArtifactStore(pool)

	// The service is built only for its dependency tracker; the HTTP
	// surface lives in the gateway.
	svc := queue.NewService(
		tasks, deps, groups, artifacts,
		queueSvc, publisher,
		queue.NewHMACIssuer(cfg.CredentialSecret),
		queue.WithLogger(logger),
	)

	claimR := queue.NewClaimResolver(tasks, queueSvc, publisher, logger, cfg.Parallelism)
	deadlineR := queue.NewDeadlineResolver(tasks, queueSvc, publisher, logger, cfg.Parallelism)
	depR := queue.NewDependencyResolver(svc.Tracker(), tasks, queueSvc, publisher, logger, cfg.Parallelism)

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()

	telemetry.StartMetricsServer(runCtx, cfg.MetricsAddr, logger)

	// A resolver loop returning means it gave up after repeated
	// failures; the whole process restarts rather than limping along.
	errCh := make(chan error, 3)
	go func() { errCh <- claimR.Run(runCtx) }()
	go func() { errCh <- deadlineR.Run(runCtx) }()
	go func() { errCh <- depR.Run(runCtx) }()

	// Expiry jobs run on a schedule but only on the elected leader, so
	// multiple instances never run overlapping batch deletes.
	leader := resolver.NewLeader(redisClient, instanceID, logger)
	expiry := queue.NewExpiryJobs(tasks, deps, groups, artifacts, queueSvc, logger)

	c := cron.New()
	if _, err := c.AddFunc(cfg.ExpirySchedule, func() {
		if !leader.IsLeader(runCtx) {
			return
		}
		logger.Info("running expiry jobs")
		expiry.ExpireTasks(runCtx)
		expiry.ExpireDependencies(runCtx)
		expiry.ExpireGroups(runCtx)
		expiry.ExpireArtifacts(runCtx)
		expiry.ExpireLanes(runCtx)
	}); err != nil {
		return fmt.Errorf("expiry schedule %q: %w", cfg.ExpirySchedule, err)
	}
	c.Start()
	defer c.Stop()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	logger.Info("resolver started",
		slog.Int("parallelism", cfg.Parallelism),
		slog.String("expiry_schedule", cfg.ExpirySchedule),
	)

	select {
	case sig := <-quit:
		logger.Info("shutting down...", slog.String("signal", sig.String()))
	case err := <-errCh:
		if err != nil && runCtx.Err() == nil {
			logger.Error("resolver loop gave up", slog.String("error", err.Error()))
			runCancel()
			return err
		}
	}

	runCancel()
	<-c.Stop().Done()
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
