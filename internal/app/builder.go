package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/gitkv/internal/api"
	"github.com/stacklok/gitkv/internal/api/gitproto"
	v1 "github.com/stacklok/gitkv/internal/api/v1"
	"github.com/stacklok/gitkv/internal/auth"
	"github.com/stacklok/gitkv/internal/authz"
	"github.com/stacklok/gitkv/internal/config"
	"github.com/stacklok/gitkv/internal/git"
	"github.com/stacklok/gitkv/internal/push"
	"github.com/stacklok/gitkv/internal/reflock"
	"github.com/stacklok/gitkv/internal/service"
	"github.com/stacklok/gitkv/internal/store"
	"github.com/stacklok/gitkv/internal/telemetry"
	"github.com/stacklok/gitkv/internal/watch"
	"github.com/stacklok/gitkv/internal/writer"
)

// GitkvAppOptions is a function that configures the app builder
type GitkvAppOptions func(*gitkvAppConfig) error

// gitkvAppConfig collects everything NewGitkvApp needs. Components left nil
// are built from the configuration.
type gitkvAppConfig struct {
	config *config.Config

	// Optional component overrides (primarily for testing)
	repository *git.Repository

	// HTTP server options, taken from config.Server unless overridden
	address     string
	middlewares []func(http.Handler) http.Handler

	// Telemetry components
	meterProvider  metric.MeterProvider
	tracerProvider trace.TracerProvider
	metricsHandler http.Handler
}

func baseConfig(opts ...GitkvAppOptions) (*gitkvAppConfig, error) {
	cfg := &gitkvAppConfig{}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if cfg.config == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if cfg.address == "" {
		cfg.address = cfg.config.GetAddress()
	}

	return cfg, nil
}

// NewGitkvApp opens the repository and builds every component of the server
func NewGitkvApp(
	ctx context.Context,
	opts ...GitkvAppOptions,
) (*GitkvApp, error) {
	cfg, err := baseConfig(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build base configuration: %w", err)
	}

	if cfg.repository == nil {
		cfg.repository, err = openRepository(ctx, cfg.config)
		if err != nil {
			return nil, err
		}
	}

	// Ensure the repository is released on error
	cleanupNeeded := true
	defer func() {
		if cleanupNeeded {
			if err := cfg.repository.Close(); err != nil {
				slog.Error("Failed to close repository", "error", err)
			}
		}
	}()

	components, err := buildStoreComponents(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build store components: %w", err)
	}

	gitHandler, err := buildGitComponents(cfg, components)
	if err != nil {
		return nil, fmt.Errorf("failed to build git components: %w", err)
	}

	if cfg.config.WatchEnabled() {
		components.Watcher = buildWatcher(cfg, components)
	}

	httpServer, err := buildHTTPServer(ctx, cfg, components, gitHandler)
	if err != nil {
		return nil, fmt.Errorf("failed to build HTTP server: %w", err)
	}

	appCtx, cancel := context.WithCancel(ctx)
	cleanupNeeded = false

	return &GitkvApp{
		config:     cfg.config,
		components: components,
		httpServer: httpServer,
		ctx:        appCtx,
		cancelFunc: cancel,
	}, nil
}

// WithConfig sets the configuration
func WithConfig(c *config.Config) GitkvAppOptions {
	return func(cfg *gitkvAppConfig) error {
		cfg.config = c
		return nil
	}
}

// WithAddress overrides the HTTP server address of the configuration
func WithAddress(addr string) GitkvAppOptions {
	return func(cfg *gitkvAppConfig) error {
		if addr == "" {
			return fmt.Errorf("address cannot be empty")
		}

		host, port, found := strings.Cut(addr, ":")
		if !found || port == "" {
			return fmt.Errorf("address is not a valid port: %s", addr)
		}
		if host == "localhost" {
			host = "127.0.0.1"
		}
		if host == "" {
			host = "0.0.0.0"
		}

		if _, err := netip.ParseAddrPort(host + ":" + port); err != nil {
			return fmt.Errorf("address is not a valid port: %w", err)
		}

		cfg.address = addr
		return nil
	}
}

// WithMiddlewares replaces the default HTTP middlewares
func WithMiddlewares(mw ...func(http.Handler) http.Handler) GitkvAppOptions {
	return func(cfg *gitkvAppConfig) error {
		cfg.middlewares = mw
		return nil
	}
}

// WithRepository uses an already open repository instead of opening the
// configured path. The app takes ownership and closes it on Stop.
func WithRepository(repo *git.Repository) GitkvAppOptions {
	return func(cfg *gitkvAppConfig) error {
		if repo == nil {
			return fmt.Errorf("repository cannot be nil")
		}
		cfg.repository = repo
		return nil
	}
}

// WithMeterProvider sets the OpenTelemetry meter provider for HTTP and store metrics
func WithMeterProvider(mp metric.MeterProvider) GitkvAppOptions {
	return func(cfg *gitkvAppConfig) error {
		cfg.meterProvider = mp
		return nil
	}
}

// WithTracerProvider sets the OpenTelemetry tracer provider
func WithTracerProvider(tp trace.TracerProvider) GitkvAppOptions {
	return func(cfg *gitkvAppConfig) error {
		cfg.tracerProvider = tp
		return nil
	}
}

// WithMetricsHandler serves the given handler at /metrics
func WithMetricsHandler(h http.Handler) GitkvAppOptions {
	return func(cfg *gitkvAppConfig) error {
		cfg.metricsHandler = h
		return nil
	}
}

// openRepository opens the configured repository, creating it first when
// repository.initialize is set and nothing exists at its path.
func openRepository(ctx context.Context, c *config.Config) (*git.Repository, error) {
	repoCfg := c.Repository
	opts := []git.Option{
		git.WithName(repoCfg.GetName()),
		git.WithFileLockWait(repoCfg.GetFileLockWait()),
	}

	if repoCfg.Initialize {
		_, err := os.Stat(filepath.Join(repoCfg.Path, "HEAD"))
		if errors.Is(err, fs.ErrNotExist) {
			slog.Info("Repository not found, initializing", "path", repoCfg.Path)
			repo, err := git.Init(ctx, repoCfg.Path, opts...)
			if err != nil {
				return nil, fmt.Errorf("failed to initialize repository: %w", err)
			}
			return repo, nil
		}
	}

	repo, err := git.Open(ctx, repoCfg.Path, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open repository: %w", err)
	}
	return repo, nil
}

// buildStoreComponents builds the snapshot engine, user index, write
// coordinator and key service over the repository
func buildStoreComponents(b *gitkvAppConfig) (*AppComponents, error) {
	slog.Info("Initializing store components")
	c := b.config

	storeMetrics, err := telemetry.NewStoreMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create store metrics: %w", err)
	}
	engine, err := store.New(b.repository,
		store.WithBlobCacheSize(c.GetBlobCacheSize()),
		store.WithMetrics(storeMetrics),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create store engine: %w", err)
	}

	policies, err := c.Auth.GetPolicies()
	if err != nil {
		return nil, err
	}
	authorizer, err := authz.NewCedarAuthorizer(policies)
	if err != nil {
		return nil, fmt.Errorf("failed to create authorizer: %w", err)
	}
	index, err := authz.NewIndex(engine,
		authz.WithRealms(c.Auth.GetRealms()),
		authz.WithSecretsRef(c.Repository.GetSecretsRef()),
		authz.WithAuthorizer(authorizer),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user index: %w", err)
	}

	writeMetrics, err := telemetry.NewWriteMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create write metrics: %w", err)
	}
	locks := reflock.New(c.GetLockTimeout())
	writerOpts := []writer.Option{
		writer.WithMaxAttempts(c.GetMaxAttempts()),
		writer.WithRetryInterval(c.GetRetryInterval()),
		writer.WithMetrics(writeMetrics),
	}
	serviceOpts := []service.ServiceOption{
		service.WithDefaultRef(c.Repository.GetDefaultBranch()),
	}
	if b.tracerProvider != nil {
		writerOpts = append(writerOpts, writer.WithTracer(b.tracerProvider.Tracer(telemetry.StoreTracerName)))
		serviceOpts = append(serviceOpts, service.WithTracer(b.tracerProvider.Tracer(telemetry.StoreTracerName)))
	}
	coordinator := writer.New(engine, locks, writerOpts...)

	svc := service.New(engine, index, coordinator, serviceOpts...)

	slog.Info("Store components initialized successfully",
		"repository", b.repository.Name(),
		"default_branch", c.Repository.GetDefaultBranch(),
		"secrets_ref", c.Repository.GetSecretsRef())

	return &AppComponents{
		Repository: b.repository,
		Engine:     engine,
		Index:      index,
		Locks:      locks,
		Writer:     coordinator,
		Service:    svc,
	}, nil
}

// buildGitComponents builds the smart HTTP transport. Pushes are reviewed by
// the validator and applied under the same ref locks as key writes.
func buildGitComponents(b *gitkvAppConfig, c *AppComponents) (*gitproto.Handler, error) {
	slog.Info("Initializing git transport")

	pushMetrics, err := telemetry.NewPushMetrics(b.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("failed to create push metrics: %w", err)
	}
	validator := push.NewValidator(c.Engine, c.Index)
	receiver := push.NewReceiver(c.Repository, c.Locks, validator, pushMetrics)

	return gitproto.NewHandler(
		gitproto.NewResolver(c.Repository),
		receiver,
		c.Index,
		gitproto.WithSecretsRef(b.config.Repository.GetSecretsRef()),
		gitproto.WithChallenge(b.config.Auth.GetChallenge()),
	), nil
}

// buildWatcher builds the watcher that drops cached snapshots of refs moved
// by other processes
func buildWatcher(b *gitkvAppConfig, c *AppComponents) *watch.Watcher {
	return watch.New(c.Repository.Path(), c.Engine, c.Repository,
		watch.WithDebounce(b.config.GetWatchDebounce()))
}

// buildHTTPServer builds the HTTP server with router and middleware
//
//nolint:unparam // we prefer having a similar interface
func buildHTTPServer(
	_ context.Context,
	b *gitkvAppConfig,
	c *AppComponents,
	gitHandler *gitproto.Handler,
) (*http.Server, error) {
	slog.Info("Initializing HTTP server")
	cfg := b.config

	// Use default middlewares if not provided
	if b.middlewares == nil {
		b.middlewares = []func(http.Handler) http.Handler{
			middleware.RequestID,
			middleware.RealIP,
			middleware.Recoverer,
			middleware.Throttle(cfg.GetMaxConcurrentRequests()),
			middleware.Timeout(cfg.GetRequestTimeout()),
			api.LoggingMiddleware,
		}
	}

	// Tracing wraps everything after it so handler spans become children
	b.middlewares = append([]func(http.Handler) http.Handler{telemetry.TracingMiddleware(b.tracerProvider)}, b.middlewares...)

	// Add metrics middleware if meter provider is configured
	// This should be added early in the chain to capture all requests
	if b.meterProvider != nil {
		metricsMiddleware, err := telemetry.MetricsMiddleware(b.meterProvider)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics middleware: %w", err)
		}
		if metricsMiddleware != nil {
			// Prepend metrics middleware to capture all requests including those rejected by auth
			b.middlewares = append([]func(http.Handler) http.Handler{metricsMiddleware}, b.middlewares...)
			slog.Info("HTTP metrics middleware enabled")
		}
	}

	defaultRef := cfg.Repository.GetDefaultBranch()
	authMws, err := auth.NewAuthMiddlewares(c.Index, cfg.Auth, defaultRef)
	if err != nil {
		return nil, fmt.Errorf("failed to build auth middleware: %w", err)
	}

	serverOpts := []api.ServerOption{
		api.WithMiddlewares(b.middlewares...),
		api.WithV1Options(
			v1.WithDefaultRef(defaultRef),
			v1.WithChallenge(cfg.Auth.GetChallenge()),
			v1.WithKeyAuth(authMws.Keys),
			v1.WithUserAuth(authMws.Users),
		),
		api.WithGitHandler(gitHandler.Router(authMws.Git)),
	}
	if b.metricsHandler != nil {
		serverOpts = append(serverOpts, api.WithMetricsHandler(b.metricsHandler))
	}
	router := api.NewServer(c.Service, serverOpts...)

	server := &http.Server{
		Addr:         b.address,
		Handler:      router,
		ReadTimeout:  cfg.GetReadTimeout(),
		WriteTimeout: cfg.GetWriteTimeout(),
		IdleTimeout:  cfg.GetIdleTimeout(),
	}

	slog.Info("HTTP server configured",
		"address", b.address,
		"git_url", "/git/"+c.Repository.Name(),
		"max_concurrent_requests", cfg.GetMaxConcurrentRequests())
	return server, nil
}
