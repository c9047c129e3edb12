package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/avdeluca/agentcal/libs/auth"
	"github.com/avdeluca/agentcal/libs/config"
	"github.com/avdeluca/agentcal/libs/db"
	"github.com/avdeluca/agentcal/libs/httpx"
	"github.com/avdeluca/agentcal/libs/kafkax"
	otelx "github.com/avdeluca/agentcal/libs/otel"
	"github.com/avdeluca/agentcal/libs/runtime"
	"github.com/avdeluca/agentcal/services/availability-service/internal/busycache"
	"github.com/avdeluca/agentcal/services/availability-service/internal/consumer"
	"github.com/avdeluca/agentcal/services/availability-service/internal/engine"
	"github.com/avdeluca/agentcal/services/availability-service/internal/handlers"
	"github.com/avdeluca/agentcal/services/availability-service/internal/outbox"
	"github.com/avdeluca/agentcal/services/availability-service/internal/storage"
	"github.com/avdeluca/agentcal/services/availability-service/internal/upstream"
)

const serviceName = "availability-service"

func main() {
	log := runtime.NewLogger(serviceName)
	if err := run(log); err != nil {
		log.Error("service exited", "error", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger) error {
	ctx, stop := runtime.SignalContext()
	defer stop()

	port, err := config.Port("PORT", "8084")
	if err != nil {
		return err
	}
	databaseURL, err := config.RequiredString("DATABASE_URL")
	if err != nil {
		return err
	}
	redisAddr, err := config.RequiredString("REDIS_ADDR")
	if err != nil {
		return err
	}
	brokers := config.String("KAFKA_BROKERS", "kafka:9092")
	jwtSecret, err := config.RequiredString("JWT_SECRET")
	if err != nil {
		return err
	}

	shutdownTracing, err := otelx.Setup(ctx, otelx.ConfigFromEnv(serviceName))
	if err != nil {
		return fmt.Errorf("tracing setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			log.Warn("tracing shutdown failed", "error", err)
		}
	}()

	pool, err := db.Open(ctx, databaseURL, db.Options{
		MaxConns: int32(config.Int("DB_MAX_CONNS", 10)),
		MinConns: int32(config.Int("DB_MIN_CONNS", 1)),
	})
	if err != nil {
		return fmt.Errorf("db open: %w", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer rdb.Close()

	// One traced transport underneath both provider clients.
	baseHTTP := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		Timeout:   config.DurationSeconds("UPSTREAM_TIMEOUT_SECONDS", 15*time.Second),
	}

	var graph upstream.CalendarAPI
	if tenant := config.String("MSGRAPH_TENANT_ID", ""); tenant != "" {
		graph = upstream.NewGraphClient(ctx, upstream.GraphConfig{
			TenantID:     tenant,
			ClientID:     config.String("MSGRAPH_CLIENT_ID", ""),
			ClientSecret: config.String("MSGRAPH_CLIENT_SECRET", ""),
		}, baseHTTP)
	}
	var calcom upstream.CalendarAPI
	if apiKey := config.String("CALCOM_API_KEY", ""); apiKey != "" {
		calcom = upstream.NewCalComClient(apiKey, baseHTTP)
	}
	if graph == nil && calcom == nil {
		return errors.New("no calendar provider configured: set MSGRAPH_TENANT_ID or CALCOM_API_KEY")
	}

	store := storage.New(pool)
	cache := busycache.NewRedisCache(rdb)
	events := outbox.NewRepository(pool)
	eng := engine.New(store, upstream.NewRouter(graph, calcom), cache, events, log)

	writer := &kafka.Writer{
		Addr:         kafka.TCP(kafkax.SplitBrokers(brokers)...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	defer writer.Close()

	publisher := outbox.NewPublisher(pool, events, writer, log,
		config.DurationSeconds("OUTBOX_INTERVAL_SECONDS", time.Second),
		config.Int("OUTBOX_BATCH_SIZE", 100))
	go publisher.Run(ctx)

	changeConsumer := consumer.New(kafkax.SplitBrokers(brokers),
		config.String("KAFKA_GROUP_ID", serviceName), eng, log)
	consumerDone := make(chan error, 1)
	go func() { consumerDone <- changeConsumer.Run(ctx) }()

	mux := runtime.NewBaseMuxWithReady(
		runtime.ReadyCheck{Name: "postgres", Check: db.ReadyCheck(pool)},
		runtime.ReadyCheck{Name: "redis", Check: httpx.RedisReadyCheck(rdb)},
		runtime.ReadyCheck{Name: "kafka", Check: kafkax.ReadyCheck(brokers)},
	)

	api := http.NewServeMux()
	handlers.New(eng, log).Register(api)

	// Redis-backed limiting by default; in-process for single-node setups.
	var limit httpx.Middleware
	if config.String("HTTP_RATE_LIMIT_BACKEND", "redis") == "memory" {
		limit = httpx.NewRateLimiter(config.Int("HTTP_RATE_LIMIT", 120), time.Minute).Middleware()
	} else {
		limit = httpx.NewRedisRateLimiter(rdb,
			config.Int("HTTP_RATE_LIMIT", 120), time.Minute, serviceName).Middleware(log, true)
	}
	mux.Handle("/api/v1/", httpx.Chain(api,
		httpx.WithRequestID,
		httpx.WithAccessLog(log),
		limit,
		auth.Middleware(jwtSecret),
		httpx.WithBodyLimit(1<<20),
		httpx.WithTimeout(30*time.Second),
	))

	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           otelhttp.NewHandler(mux, serviceName),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return err
	case err := <-consumerDone:
		if err != nil {
			return fmt.Errorf("consumer: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
