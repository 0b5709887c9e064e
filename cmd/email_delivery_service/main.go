package main

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

	"github.com/go-playground/validator/v10"
	grpcprom "github.com/grpc-ecosystem/go-grpc-middleware/providers/prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/aradsms/email_gateway/internal/email_delivery_service/app"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/classifier"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/domain"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/provider"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/repository/memory"
	"github.com/aradsms/email_gateway/internal/email_delivery_service/repository/postgres"
	httptransport "github.com/aradsms/email_gateway/internal/email_delivery_service/transport/http"
	"github.com/aradsms/email_gateway/internal/platform/config"
	"github.com/aradsms/email_gateway/internal/platform/database"
	"github.com/aradsms/email_gateway/internal/platform/logger"
	"github.com/aradsms/email_gateway/internal/platform/messagebroker"
)

const (
	serviceName      = "email_delivery_service"
	shutdownTimeout  = 30 * time.Second
	reconcileWorkers = 8
)

type repositories struct {
	configs    domain.TenantConfigRepository
	limits     domain.RateLimitRepository
	deliveries domain.DeliveryRepository
	close      func()
}

func main() {
	mainCtx, mainCancel := context.WithCancel(context.Background())
	defer mainCancel()

	cfg, err := config.Load(serviceName)
	if err != nil {
		slog.Error("Failed to load configuration", "service", serviceName, "error", err)
		os.Exit(1)
	}
	appLogger := logger.New(cfg.LogLevel).With("service", serviceName)
	appLogger.Info("Email delivery service starting...",
		"http_port", cfg.HTTPPort,
		"grpc_health_port", cfg.GRPCHealthPort,
		"storage_backend", cfg.StorageBackend,
	)

	repos, err := openRepositories(mainCtx, cfg, appLogger)
	if err != nil {
		appLogger.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}
	defer repos.close()

	natsClient, err := messagebroker.NewNATSClient(cfg.NATSUrl, serviceName, appLogger)
	if err != nil {
		appLogger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()
	appLogger.Info("Successfully connected to NATS", "url", cfg.NATSUrl)

	providers := buildProviders(cfg, appLogger)
	appLogger.Info("Email providers registered", "providers", providers.Names(), "default", providers.DefaultName())

	validate := validator.New()
	governor := app.NewRateGovernor(repos.configs, repos.limits, appLogger)
	quota := app.NewQuotaService(repos.configs, appLogger)
	provisioner := app.NewProvisioner(repos.configs, appLogger)
	sender := app.NewSendService(governor, quota, repos.deliveries, providers, classifier.Default(), app.SendServiceConfig{
		ProviderTimeout: cfg.ProviderTimeout,
		MaxAttempts:     cfg.RetryMaxAttempts,
		BaseDelay:       cfg.RetryBaseDelay,
		MaxDelay:        cfg.RetryMaxDelay,
	}, appLogger)
	reporting := app.NewReportingService(repos.deliveries, appLogger)
	reputation := app.NewNATSReputationPublisher(natsClient, cfg.ReputationSubjectPrefix, appLogger)
	reconciler := app.NewEventReconciler(repos.deliveries, reputation, cfg.ReconcileMaxAttempts, appLogger)
	consumer := app.NewEventConsumer(natsClient, reconciler, app.EventConsumerConfig{
		SubjectPrefix: cfg.EventSubjectPrefix,
		Stream:        cfg.EventStream,
		Durable:       cfg.EventDurable,
		AckWait:       cfg.EventAckWait,
		MaxDeliver:    cfg.EventMaxDeliver,
		RedeliveryMin: cfg.EventRedeliveryDelay,
		RedeliveryMax: cfg.EventRedeliveryMax,
	}, appLogger)
	poller := app.NewRetryPoller(repos.deliveries, sender, cfg.RetryPollInterval, cfg.RetryClaimLease, cfg.RetryBatchSize, appLogger)

	eventSub, err := consumer.StartConsuming(mainCtx)
	if err != nil {
		appLogger.Error("Failed to subscribe to delivery events", "error", err)
		os.Exit(1)
	}
	tenantSub, err := provisioner.SubscribeTenantCreated(mainCtx, natsClient, cfg.TenantCreatedSubject, serviceName)
	if err != nil {
		appLogger.Error("Failed to subscribe to tenant creation events", "error", err)
		os.Exit(1)
	}

	router := httptransport.NewRouter(httptransport.RouterConfig{
		Email:     httptransport.NewEmailHandler(sender, governor, reporting, validate, appLogger),
		Admin:     httptransport.NewAdminHandler(provisioner, validate, appLogger),
		Webhooks:  httptransport.NewWebhookHandler(natsClient, validate, cfg.WebhookSigningSecret, cfg.EventSubjectPrefix, appLogger),
		JWTSecret: cfg.JWTAccessSecret,
		Logger:    appLogger,
	})
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.ProviderTimeout + 15*time.Second,
		IdleTimeout:  120 * time.Second,
	}

	grpcMetrics := grpcprom.NewServerMetrics(grpcprom.WithServerHandlingTimeHistogram())
	if err := prometheus.DefaultRegisterer.Register(grpcMetrics); err != nil {
		appLogger.Warn("Failed to register gRPC Prometheus metrics", "error", err)
	}
	healthServer := health.NewServer()
	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPCHealthPort))
	if err != nil {
		appLogger.Error("Failed to listen for gRPC health", "port", cfg.GRPCHealthPort, "error", err)
		os.Exit(1)
	}

	g, groupCtx := errgroup.WithContext(mainCtx)

	g.Go(func() error {
		appLogger.Info("HTTP server starting", "address", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		appLogger.Info("gRPC health server starting", "address", grpcListener.Addr().String())
		healthServer.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
		if err := grpcServer.Serve(grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc health server: %w", err)
		}
		return nil
	})

	g.Go(func() error { return consumer.Run(groupCtx, reconcileWorkers) })
	g.Go(func() error { return poller.Run(groupCtx) })
	g.Go(func() error { return quota.RunRollover(groupCtx, cfg.QuotaResetInterval) })

	stopSignal := make(chan os.Signal, 1)
	signal.Notify(stopSignal, syscall.SIGINT, syscall.SIGTERM)
	g.Go(func() error {
		select {
		case sig := <-stopSignal:
			appLogger.Info("Received termination signal", "signal", sig.String())
			mainCancel()
		case <-groupCtx.Done():
		}
		return nil
	})

	g.Go(func() error {
		<-groupCtx.Done()
		appLogger.Info("Initiating graceful shutdown...")
		healthServer.Shutdown()

		var shutdownErrors error
		for name, sub := range map[string]messagebroker.Subscription{"delivery events": eventSub, "tenant created": tenantSub} {
			if err := sub.Drain(); err != nil {
				shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("drain %s subscription: %w", name, err))
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			shutdownErrors = errors.Join(shutdownErrors, fmt.Errorf("http shutdown: %w", err))
		}
		grpcServer.GracefulStop()
		return shutdownErrors
	})

	appLogger.Info("Email delivery service is ready and running.")
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		appLogger.Error("Service group encountered an error during run/shutdown", "error", err)
	}
	appLogger.Info("Email delivery service shut down.")
}

func openRepositories(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*repositories, error) {
	if cfg.StorageBackend == "memory" {
		logger.Warn("Using in-memory storage; state is lost on restart")
		store := memory.NewStore()
		return &repositories{
			configs:    store.TenantConfigs(),
			limits:     store.RateLimits(),
			deliveries: store.Deliveries(),
			close:      func() {},
		}, nil
	}

	if cfg.RunMigrations {
		if err := database.Migrate(cfg.PostgresDSN, logger); err != nil {
			return nil, err
		}
	}
	pool, err := database.NewDBPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	logger.Info("Successfully connected to PostgreSQL")
	return &repositories{
		configs:    postgres.NewPgTenantConfigRepository(pool, logger),
		limits:     postgres.NewPgRateLimitRepository(pool),
		deliveries: postgres.NewPgDeliveryRepository(pool, logger),
		close:      pool.Close,
	}, nil
}

// buildProviders always registers the mock provider and adds the HTTP and SMTP providers when configured.
func buildProviders(cfg *config.Config, logger *slog.Logger) *provider.Registry {
	registry := provider.NewRegistry(cfg.DefaultProvider, provider.NewMockEmailProvider(logger, "mock", 50*time.Millisecond))
	if cfg.HTTPProviderURL != "" {
		registry.Register(provider.NewHTTPEmailProvider(logger, "ses", cfg.HTTPProviderURL, cfg.HTTPProviderAPIKey, cfg.HTTPProviderRegion, &http.Client{Timeout: cfg.ProviderTimeout}))
	}
	if cfg.SMTPHost != "" {
		registry.Register(provider.NewSMTPEmailProvider(logger, cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword, cfg.SMTPFrom))
	}
	return registry
}
