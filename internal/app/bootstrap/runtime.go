package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	cacheadapter "github.com/zhiquai/aigrading/internal/adapters/cache"
	eventadapter "github.com/zhiquai/aigrading/internal/adapters/events"
	httpadapter "github.com/zhiquai/aigrading/internal/adapters/http"
	"github.com/zhiquai/aigrading/internal/adapters/memory"
	"github.com/zhiquai/aigrading/internal/adapters/postgres"
	"github.com/zhiquai/aigrading/internal/adapters/providers"
	"github.com/zhiquai/aigrading/internal/adapters/security"
	"github.com/zhiquai/aigrading/internal/application"
	"github.com/zhiquai/aigrading/internal/gateway"
	"github.com/zhiquai/aigrading/internal/ports"
)

type Runtime struct {
	cfg        Config
	logger     *slog.Logger
	httpServer *http.Server
	grpcServer *grpc.Server
	grpcLis    net.Listener
	outbox     *eventadapter.OutboxWorker
	// inProcessOutbox drains the outbox from the API process when storage is not shared.
	inProcessOutbox bool
	cleanupFn       func(context.Context)
}

type closer func(context.Context)

// configureNumberEncoding makes scores travel as JSON numbers, not quoted strings.
// It is process wide, so only the entrypoint sets it.
func configureNumberEncoding() {
	decimal.MarshalJSONWithoutQuotes = true
}

func NewRuntime(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	configureNumberEncoding()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)
	logger.Info("bootstrapping grading service",
		"service_id", cfg.ServiceID,
		"http_port", cfg.HTTPPort,
		"grpc_port", cfg.GRPCPort,
		"storage_driver", cfg.StorageDriver,
	)

	var closers []closer
	cleanup := func(ctx context.Context) {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i](ctx)
		}
	}
	fail := func(err error) (*Runtime, error) {
		cleanup(ctx)
		return nil, err
	}

	var (
		repos  ports.Repositories
		checks []func(context.Context) error
	)
	switch cfg.StorageDriver {
	case StorageDriverMemory:
		logger.Warn("using in-memory storage; state is lost on restart")
		repos = memory.NewRepositories()
	default:
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return fail(fmt.Errorf("connect postgres: %w", err))
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fail(fmt.Errorf("gorm sql db: %w", err))
		}
		closers = append(closers, func(context.Context) { _ = sqlDB.Close() })
		if err := postgres.RunMigrations(ctx, db); err != nil {
			return fail(fmt.Errorf("run migrations: %w", err))
		}
		repos = postgres.NewRepositories(db)
		checks = append(checks, sqlDB.PingContext)
	}

	var limiter ports.RateLimiter = memory.NewRateLimiter()
	if cfg.RedisURL != "" {
		redisClient, err := cacheadapter.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("connect redis: %w", err))
		}
		closers = append(closers, func(context.Context) { _ = redisClient.Close() })
		limiter = cacheadapter.NewRedisRateLimiter(redisClient)
		checks = append(checks, func(ctx context.Context) error { return redisClient.Ping(ctx).Err() })
	} else {
		logger.Warn("REDIS_URL not set; rate limits are enforced per process")
	}

	adminTokens, err := buildAdminTokens(cfg, logger)
	if err != nil {
		return fail(err)
	}

	entries, err := providers.Build(ctx, logger, providerConfigs(cfg.Providers), &http.Client{})
	if err != nil {
		return fail(fmt.Errorf("build providers: %w", err))
	}
	if len(entries) == 0 {
		logger.Warn("no AI provider configured; grading requests will fail")
	}
	judge := gateway.New(logger, entries...)

	svc := application.NewService(application.Dependencies{
		Config: application.Config{
			DeviceFreeQuota:    cfg.DeviceFreeQuota,
			IdempotencyTTL:     cfg.IdempotencyTTL,
			RateLimitPerWindow: cfg.RateLimitPerWindow,
			RateLimitWindow:    cfg.RateLimitWindow,
			CommitTimeout:      cfg.CommitTimeout,
			CodePrefix:         cfg.CodePrefix,
			MaxImageBytes:      cfg.MaxImageBytes,
		},
		Repositories: repos,
		RateLimiter:  limiter,
		Judge:        judge,
		AdminTokens:  adminTokens,
		Logger:       logger,
	})

	ready := func(ctx context.Context) error {
		for _, check := range checks {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
	router := httpadapter.NewRouter(httpadapter.NewHandler(svc, ready))
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCPort))
	if err != nil {
		return fail(fmt.Errorf("listen gRPC: %w", err))
	}

	publisher, err := buildPublisher(cfg, logger)
	if err != nil {
		_ = lis.Close()
		return fail(err)
	}
	if c, ok := publisher.(interface{ Close() error }); ok {
		closers = append(closers, func(context.Context) { _ = c.Close() })
	}
	outbox := eventadapter.NewOutboxWorker(
		logger,
		repos.Outbox,
		publisher,
		cfg.OutboxPollInterval,
		cfg.OutboxBatchSize,
		cfg.OutboxClaimTTL,
		cfg.OutboxMaxRetries,
	)

	return &Runtime{
		cfg:             cfg,
		logger:          logger,
		httpServer:      httpServer,
		grpcServer:      grpcServer,
		grpcLis:         lis,
		outbox:          outbox,
		inProcessOutbox: cfg.StorageDriver == StorageDriverMemory,
		cleanupFn:       cleanup,
	}, nil
}

func buildAdminTokens(cfg Config, logger *slog.Logger) (*security.AdminTokens, error) {
	if cfg.AdminJWTPublicKeyPEM != "" {
		tokens, err := security.NewAdminTokens(cfg.AdminJWTKeyID, cfg.AdminJWTIssuer, cfg.AdminJWTPrivateKeyPEM, cfg.AdminJWTPublicKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("init admin tokens: %w", err)
		}
		return tokens, nil
	}
	tokens, err := security.NewEphemeralAdminTokens(cfg.AdminJWTKeyID, cfg.AdminJWTIssuer)
	if err != nil {
		return nil, fmt.Errorf("init ephemeral admin tokens: %w", err)
	}
	now := time.Now().UTC()
	devToken, err := tokens.Sign(ports.AdminClaims{Subject: "local-admin", Role: "admin", IssuedAt: now, ExpiresAt: now.Add(12 * time.Hour)})
	if err != nil {
		return nil, fmt.Errorf("sign dev admin token: %w", err)
	}
	logger.Warn("using ephemeral admin JWT keys for local/dev runtime", "dev_admin_token", devToken)
	return tokens, nil
}

func buildPublisher(cfg Config, logger *slog.Logger) (ports.EventPublisher, error) {
	if len(cfg.KafkaBrokers) == 0 {
		logger.Warn("KAFKA_BROKERS not set; outbox events are logged only")
		return eventadapter.NewLoggingPublisher(logger), nil
	}
	publisher, err := eventadapter.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaDefaultTopic, cfg.KafkaTopics)
	if err != nil {
		return nil, fmt.Errorf("init kafka publisher: %w", err)
	}
	return publisher, nil
}

func providerConfigs(in []ProviderSettings) []providers.Config {
	out := make([]providers.Config, 0, len(in))
	for _, p := range in {
		out = append(out, providers.Config{
			Name:       p.Name,
			Kind:       p.Kind,
			Endpoint:   p.Endpoint,
			APIKey:     p.APIKey,
			APIVersion: p.APIVersion,
			Timeout:    p.Timeout,
			Models:     p.Models,
		})
	}
	return out
}

func (r *Runtime) RunAPI(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 3)
	go func() {
		r.logger.Info("http server started", "addr", r.httpServer.Addr)
		if err := r.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		r.logger.Info("grpc server started", "addr", r.grpcLis.Addr().String())
		if err := r.grpcServer.Serve(r.grpcLis); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()
	if r.inProcessOutbox {
		go func() {
			r.logger.Info("in-process outbox worker started")
			if err := r.outbox.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("outbox worker: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		r.logger.Info("shutdown signal received")
	case runErr = <-errCh:
		r.logger.Error("server failure", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = r.httpServer.Shutdown(shutdownCtx)
	r.grpcServer.GracefulStop()
	r.cleanupFn(shutdownCtx)
	return runErr
}

func (r *Runtime) RunWorker(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	_ = r.grpcLis.Close()

	if r.inProcessOutbox {
		r.logger.Warn("worker started with in-memory storage; it will see no events from the API process")
	}
	r.logger.Info("outbox worker started")
	err := r.outbox.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	r.cleanupFn(shutdownCtx)
	return nil
}
