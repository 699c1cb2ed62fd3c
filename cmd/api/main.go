package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	cloudstorage "cloud.google.com/go/storage"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/sgwear/storefront/internal/domain"
	"github.com/sgwear/storefront/internal/handlers"
	"github.com/sgwear/storefront/internal/payments"
	"github.com/sgwear/storefront/internal/platform/auth"
	"github.com/sgwear/storefront/internal/platform/config"
	"github.com/sgwear/storefront/internal/platform/events"
	"github.com/sgwear/storefront/internal/platform/exports"
	pfirestore "github.com/sgwear/storefront/internal/platform/firestore"
	"github.com/sgwear/storefront/internal/platform/idempotency"
	"github.com/sgwear/storefront/internal/platform/observability"
	ppostgres "github.com/sgwear/storefront/internal/platform/postgres"
	"github.com/sgwear/storefront/internal/platform/redisx"
	"github.com/sgwear/storefront/internal/platform/secrets"
	"github.com/sgwear/storefront/internal/repositories"
	firestoreRepo "github.com/sgwear/storefront/internal/repositories/firestore"
	postgresRepo "github.com/sgwear/storefront/internal/repositories/postgres"
	"github.com/sgwear/storefront/internal/services"
)

const (
	idempotencyCollection = "idempotencyKeys"
	checkoutRateLimit     = 10
	checkoutRateWindow    = time.Minute
	shutdownTimeout       = 15 * time.Second
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	baseLogger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()
	logger := baseLogger.Named("api")
	eventLogger := observability.EventLogger(logger)

	envValues, err := config.EnvironmentValues()
	if err != nil {
		logger.Fatal("failed to read environment values", zap.Error(err))
	}

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.Names()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}
	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	clock := func() time.Time { return time.Now().UTC() }
	newID := func() string { return ulid.Make().String() }

	firestoreProvider := pfirestore.NewProvider(cfg.Firestore, pfirestore.WithDialTimeout(10*time.Second))
	firestoreClient, err := firestoreProvider.Client(ctx)
	if err != nil {
		logger.Fatal("failed to initialise firestore client", zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := firestoreProvider.Close(closeCtx); err != nil {
			logger.Warn("firestore close error", zap.Error(err))
		}
	}()

	productRepo, err := firestoreRepo.NewProductRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise product repository", zap.Error(err))
	}
	orderRepo, err := firestoreRepo.NewOrderRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise order repository", zap.Error(err))
	}
	counterRepo, err := firestoreRepo.NewCounterRepository(firestoreProvider)
	if err != nil {
		logger.Fatal("failed to initialise counter repository", zap.Error(err))
	}

	pool, err := ppostgres.Connect(ctx, cfg.Postgres)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()
	if cfg.Postgres.MigrateOnStart {
		if err := ppostgres.Migrate(ctx, pool, logger.Named("postgres")); err != nil {
			logger.Fatal("failed to migrate postgres schema", zap.Error(err))
		}
	}
	consentRepo, err := postgresRepo.NewConsentRepository(pool)
	if err != nil {
		logger.Fatal("failed to initialise consent repository", zap.Error(err))
	}
	exceptionRepo, err := postgresRepo.NewRefundExceptionRepository(pool)
	if err != nil {
		logger.Fatal("failed to initialise refund exception repository", zap.Error(err))
	}

	var (
		redisClient *redis.Client
		guard       services.ExceptionGuard
	)
	if strings.TrimSpace(cfg.Redis.Addr) != "" {
		redisClient, err = redisx.New(ctx, cfg.Redis)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
		guard = redisx.NewGuard(redisClient, cfg.Redis.GuardTTL)
	} else {
		logger.Warn("redis not configured; refund exception guard disabled")
	}

	publisher, closePublisher, err := newEventPublisher(ctx, cfg.Events)
	if err != nil {
		logger.Fatal("failed to initialise event publisher", zap.Error(err))
	}
	defer func() {
		if err := closePublisher(); err != nil {
			logger.Warn("event publisher close error", zap.Error(err))
		}
	}()

	storageClient, err := cloudstorage.NewClient(ctx)
	if err != nil {
		logger.Fatal("failed to initialise storage client", zap.Error(err))
	}
	defer func() {
		if err := storageClient.Close(); err != nil {
			logger.Warn("storage close error", zap.Error(err))
		}
	}()
	exportWriter, err := exports.NewGCSWriter(storageClient)
	if err != nil {
		logger.Fatal("failed to initialise export writer", zap.Error(err))
	}

	paymentManager, err := newPaymentManager(cfg.PSP, clock, eventLogger)
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	catalogService, err := services.NewCatalogService(services.CatalogServiceDeps{Products: productRepo})
	if err != nil {
		logger.Fatal("failed to initialise catalog service", zap.Error(err))
	}
	quoteService, err := services.NewCartQuoteService(services.CartQuoteServiceDeps{
		Products: productRepo,
		Pricing:  cfg.Pricing,
		Logger:   eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise cart quote service", zap.Error(err))
	}
	refundGate, err := services.NewRefundGate(services.RefundGateDeps{
		Consents:          consentRepo,
		Exceptions:        exceptionRepo,
		Orders:            orderRepo,
		Guard:             guard,
		Events:            publisher,
		SalesFinalEnabled: cfg.Policy.SalesFinalEnabled,
		CheckboxText:      cfg.Policy.ConsentCheckboxText,
		Timeout:           cfg.Refunds.GateTimeout,
		Meter:             otel.Meter("github.com/sgwear/storefront/internal/services"),
		Clock:             clock,
		Logger:            eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise refund gate", zap.Error(err))
	}
	orderService, err := services.NewOrderService(services.OrderServiceDeps{
		Orders:            orderRepo,
		Counters:          counterRepo,
		Quotes:            quoteService,
		Gate:              refundGate,
		Events:            publisher,
		SalesFinalEnabled: cfg.Policy.SalesFinalEnabled,
		CheckboxText:      cfg.Policy.ConsentCheckboxText,
		Clock:             clock,
		IDGenerator:       newID,
		Logger:            eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}
	refundService, err := services.NewRefundService(services.RefundServiceDeps{
		Orders:   orderService,
		Gate:     refundGate,
		Payments: paymentManager,
		Guard:    guard,
		Events:   publisher,
		Clock:    clock,
		Logger:   eventLogger,
	})
	if err != nil {
		logger.Fatal("failed to initialise refund service", zap.Error(err))
	}

	policyMarkdown, err := readPolicyMarkdown(cfg.Policy.PolicyMarkdownFile)
	if err != nil {
		logger.Fatal("failed to read policy markdown", zap.Error(err))
	}
	policyService, err := services.NewPolicyService(services.PolicyServiceDeps{
		SalesFinalEnabled: cfg.Policy.SalesFinalEnabled,
		CheckboxText:      cfg.Policy.ConsentCheckboxText,
		Markdown:          policyMarkdown,
	})
	if err != nil {
		logger.Fatal("failed to initialise policy service", zap.Error(err))
	}

	var exportService services.ConsentExportService
	if bucket := strings.TrimSpace(cfg.Storage.ExportsBucket); bucket != "" {
		exportService, err = services.NewConsentExportService(services.ConsentExportServiceDeps{
			Consents:    consentRepo,
			Writer:      exportWriter,
			Bucket:      bucket,
			Events:      publisher,
			Clock:       clock,
			IDGenerator: newID,
			Logger:      eventLogger,
		})
		if err != nil {
			logger.Fatal("failed to initialise consent export service", zap.Error(err))
		}
	} else {
		logger.Warn("exports bucket not configured; consent export disabled")
	}

	systemService, err := newSystemService(firestoreProvider, consentRepo, redisClient, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	verifier, err := auth.NewFirebaseVerifier(ctx, cfg.Firebase)
	if err != nil {
		logger.Fatal("failed to initialise firebase verifier", zap.Error(err))
	}
	authenticator := auth.NewAuthenticator(verifier, auth.WithVerificationTimeout(5*time.Second))

	idempotencyStore := idempotency.NewFirestoreStore(firestoreClient, idempotencyCollection)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithKeyRequired(),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	if cfg.Idempotency.CleanupInterval > 0 {
		cleanupWG.Add(1)
		go func() {
			defer cleanupWG.Done()
			idempotency.RunCleanup(cleanupCtx, idempotencyStore, cfg.Idempotency.CleanupInterval, logger.Named("idempotency"))
		}()
	}

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(projectID),
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(
			handlers.WithHealthBuildInfo(buildInfo),
			handlers.WithHealthSystemService(systemService),
		)),
		handlers.WithPublicRoutes(handlers.NewPublicHandlers(catalogService, quoteService, policyService).Routes),
		handlers.WithCheckoutRoutes(handlers.NewCheckoutHandlers(authenticator, orderService,
			handlers.WithCheckoutRateLimit(checkoutRateLimit, checkoutRateWindow, clock),
		).Routes),
		handlers.WithCheckoutMiddlewares(idempotencyMiddleware),
		handlers.WithOrderRoutes(handlers.NewOrderHandlers(authenticator, orderService).Routes),
		handlers.WithAdminRoutes(handlers.NewAdminOrderHandlers(authenticator, orderService, refundGate, refundService).Routes),
	}
	if secret := strings.TrimSpace(cfg.PSP.StripeWebhookSecret); secret != "" {
		webhookVerifier, err := payments.NewStripeWebhookVerifier(secret)
		if err != nil {
			logger.Fatal("failed to initialise stripe webhook verifier", zap.Error(err))
		}
		opts = append(opts, handlers.WithWebhookRoutes(handlers.NewStripeWebhookHandlers(webhookVerifier, orderService).Routes))
	} else {
		logger.Warn("stripe webhook secret not configured; webhook routes disabled")
	}
	if exportService != nil {
		opts = append(opts, handlers.WithInternalRoutes(handlers.NewInternalConsentHandlers(exportService).Routes))
		if oidc := buildOIDCMiddleware(logger, cfg); oidc != nil {
			opts = append(opts, handlers.WithInternalMiddlewares(oidc))
		}
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(zap.String("addr", server.Addr))
	go func() {
		serverLogger.Info("storefront api listening",
			zap.String("version", buildInfo.Version),
			zap.Bool("salesFinal", cfg.Policy.SalesFinalEnabled),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// newEventPublisher returns the configured publisher and a closer for everything it owns.
func newEventPublisher(ctx context.Context, cfg config.EventsConfig) (events.Publisher, func() error, error) {
	switch cfg.Backend {
	case config.EventsBackendPubSub:
		client, err := pubsub.NewClient(ctx, cfg.PubSubProjectID)
		if err != nil {
			return nil, nil, fmt.Errorf("pubsub client: %w", err)
		}
		publisher, err := events.NewPubSubPublisher(client.Topic(cfg.Topic))
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return publisher, func() error {
			return errors.Join(publisher.Close(), client.Close())
		}, nil
	case config.EventsBackendKafka:
		publisher, err := events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.Topic)
		if err != nil {
			return nil, nil, err
		}
		return publisher, publisher.Close, nil
	default:
		publisher := events.NoopPublisher{}
		return publisher, publisher.Close, nil
	}
}

// newPaymentManager always registers the manual provider. Stripe joins when an API key is set
// and then receives card refunds.
func newPaymentManager(cfg config.PSPConfig, clock func() time.Time, logger payments.Logger) (*payments.Manager, error) {
	providers := map[string]payments.Provider{
		payments.ProviderManual: payments.NewManualProvider(clock, logger),
	}
	if key := strings.TrimSpace(cfg.StripeAPIKey); key != "" {
		stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
			APIKey: key,
			Logger: logger,
			Clock:  clock,
		})
		if err != nil {
			return nil, err
		}
		providers[payments.ProviderStripe] = stripeProvider
	}
	return payments.NewManager(providers,
		payments.WithDefaultProvider(payments.ProviderManual),
		payments.WithMethodRoutes(map[string]string{
			string(domain.PaymentMethodCrypto): payments.ProviderManual,
			string(domain.PaymentMethodCash):   payments.ProviderManual,
			string(domain.PaymentMethodVenmo):  payments.ProviderManual,
			string(domain.PaymentMethodZelle):  payments.ProviderManual,
		}),
	)
}

func readPolicyMarkdown(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return "", nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func newSystemService(provider *pfirestore.Provider, consents *postgresRepo.ConsentRepository, redisClient *redis.Client, fetcher *secrets.Fetcher, build services.BuildInfo) (services.SystemService, error) {
	checks := []repositories.DependencyCheck{
		{
			Name:    "firestore",
			Timeout: 1500 * time.Millisecond,
			Check:   provider.Ping,
		},
		{
			Name:    "postgres",
			Timeout: time.Second,
			Check:   consents.Ping,
		},
	}
	if redisClient != nil {
		checks = append(checks, repositories.DependencyCheck{
			Name:     "redis",
			Timeout:  500 * time.Millisecond,
			Optional: true,
			Check: func(ctx context.Context) error {
				return redisClient.Ping(ctx).Err()
			},
		})
	}
	if fetcher != nil {
		const secretHealthReference = "secret://system/healthz?version=latest"
		checks = append(checks, repositories.DependencyCheck{
			Name:     "secretManager",
			Timeout:  time.Second,
			Optional: true,
			Check: func(ctx context.Context) error {
				_, err := fetcher.Resolve(ctx, secretHealthReference)
				if err == nil {
					return nil
				}
				if st, ok := status.FromError(err); ok && st.Code() == codes.NotFound {
					return nil
				}
				return err
			},
		})
	}
	repo, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, err
	}
	return services.NewSystemService(services.SystemServiceDeps{
		HealthRepository: repo,
		Clock:            time.Now,
		Build:            build,
	})
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	cache := auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL, auth.WithJWKSHTTPClient(&http.Client{Timeout: 5 * time.Second}))
	validator := auth.NewOIDCValidator(cache, logger.Named("oidc"))

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}

func newSecretFetcher(ctx context.Context, logger *zap.Logger, env map[string]string) (*secrets.Fetcher, error) {
	lookup := func(key string) string {
		return strings.TrimSpace(env[key])
	}

	defaultProject := lookup("API_SECRET_DEFAULT_PROJECT_ID")
	if defaultProject == "" {
		defaultProject = lookup("API_FIREBASE_PROJECT_ID")
	}
	opts := []secrets.Option{
		secrets.WithLogger(logger.Named("secrets")),
	}
	if fallbackPath := lookup("API_SECRET_FALLBACK_FILE"); fallbackPath != "" {
		opts = append(opts, secrets.WithFallbackFile(fallbackPath))
	}
	if defaultProject != "" {
		opts = append(opts, secrets.WithDefaultProject(defaultProject))
	}
	if credentialsFile := lookup("API_FIREBASE_CREDENTIALS_FILE"); credentialsFile != "" {
		opts = append(opts, secrets.WithClientOptions(option.WithCredentialsFile(credentialsFile)))
	}
	return secrets.NewFetcher(ctx, opts...)
}

// requiredSecretNames relaxes the Stripe credentials for local runs, where refunds fall back to
// the manual provider.
func requiredSecretNames(env map[string]string) []string {
	required := []string{"Postgres.DSN"}
	environment := strings.ToLower(strings.TrimSpace(env["API_SECURITY_ENVIRONMENT"]))
	if environment != "" && environment != "local" {
		required = append(required, "PSP.StripeAPIKey", "PSP.StripeWebhookSecret")
	}
	if strings.TrimSpace(env["API_REDIS_ADDR"]) != "" && strings.TrimSpace(env["API_REDIS_PASSWORD"]) != "" {
		required = append(required, "Redis.Password")
	}
	return uniqueStrings(required)
}

func uniqueStrings(values []string) []string {
	seen := make(map[string]struct{})
	out := make([]string, 0, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		if _, ok := seen[trimmed]; ok {
			continue
		}
		seen[trimmed] = struct{}{}
		out = append(out, trimmed)
	}
	sort.Strings(out)
	return out
}
