package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/internal/adapter/inbound/http"
	"github.com/toolgate/toolgate/internal/adapter/inbound/stdio"
	"github.com/toolgate/toolgate/internal/adapter/outbound/cel"
	mcpclient "github.com/toolgate/toolgate/internal/adapter/outbound/mcp"
	"github.com/toolgate/toolgate/internal/adapter/outbound/memory"
	"github.com/toolgate/toolgate/internal/adapter/outbound/sqlite"
	"github.com/toolgate/toolgate/internal/adapter/outbound/webhook"
	"github.com/toolgate/toolgate/internal/config"
	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/auth"
	"github.com/toolgate/toolgate/internal/domain/metering"
	"github.com/toolgate/toolgate/internal/domain/policy"
	"github.com/toolgate/toolgate/internal/domain/ratelimit"
	"github.com/toolgate/toolgate/internal/domain/server"
	"github.com/toolgate/toolgate/internal/observability"
	"github.com/toolgate/toolgate/internal/port/outbound"
	"github.com/toolgate/toolgate/internal/service"
)

// cleanupInterval is how often expired rate windows are swept.
const cleanupInterval = time.Minute

// shutdownGrace bounds the final flush of meters and telemetry.
const shutdownGrace = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the gateway",
	Long: `Start the toolgate gateway.

The gateway spawns the configured backend processes, discovers their tools,
and serves its own tool surface on stdin/stdout. The agent speaks
line-delimited JSON-RPC on that pair; logs go to stderr.

Examples:
  # Start with config file settings
  toolgate start

  # Start with a specific config file
  toolgate --config /path/to/toolgate.yaml start`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging, stdout telemetry)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Load without validation so the --dev flag can override first.
	cfg, err := config.LoadRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C hard-kills.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go func() {
		<-ctx.Done()
		stop()
	}()

	// Logs go to stderr; stdout carries the tool surface.
	logLevel := parseLogLevel(cfg.LogLevel)
	if cfg.DevMode {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))

	if file := config.ConfigFileUsed(); file != "" {
		logger.Info("loaded config", "file", file)
	}

	if err := run(ctx, cfg, logger); err != nil {
		return err
	}
	logger.Info("toolgate stopped")
	return nil
}

// run wires every component and serves until the context is canceled or the
// agent closes stdin.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	shutdownTelemetry, err := observability.Setup(ctx, cfg.DevMode, "toolgate", Version)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := shutdownTelemetry(flushCtx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	// Storage: sqlite when a path is configured, in-memory otherwise.
	storage, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = storage.Close() }()

	// Audit log, optionally fanning entries out to a webhook.
	var notifier audit.Notifier
	if cfg.Audit.WebhookURL != "" {
		wh := webhook.NewNotifier(cfg.Audit.WebhookURL, logger)
		defer wh.Wait()
		notifier = wh
	}
	auditLog, err := audit.Open(ctx, storage, cfg.Audit.ChainEnabled(), notifier, logger)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}

	meter := metering.NewMeter(storage, cfg.Metering.Enabled, logger)
	meter.StartFlusher(metering.DefaultFlushInterval)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := meter.Stop(flushCtx); err != nil {
			logger.Warn("meter flush failed on shutdown", "error", err)
		}
	}()

	limiter := ratelimit.NewLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.BurstMultiplier, logger)
	limiter.StartCleanup(cleanupInterval)
	defer limiter.Stop()

	compiler, err := cel.NewCompiler()
	if err != nil {
		return fmt.Errorf("create expression compiler: %w", err)
	}
	engine := policy.NewEngine(compiler, logger)
	engine.Reload(cfg.DomainPolicies())

	authenticator, err := buildAuthenticator(cfg)
	if err != nil {
		return fmt.Errorf("configure authentication: %w", err)
	}

	// Backend registry: spawn, handshake, discover, babysit.
	launcher := outbound.BackendLauncher(func(spec server.Spec) (outbound.BackendClient, error) {
		return mcpclient.NewClient(spec.Command, spec.Args, spec.Env, logger)
	})
	registry := service.NewRegistry(launcher, "toolgate", Version, logger)

	specs, err := cfg.DomainSpecs()
	if err != nil {
		return err
	}
	for _, spec := range specs {
		if err := registry.Register(spec); err != nil {
			return fmt.Errorf("register server %s: %w", spec.ID, err)
		}
	}
	registry.StartAll(ctx)
	defer registry.StopAll()

	// Operational HTTP endpoint is optional; metrics flow only when it runs.
	var metrics service.CallMetrics
	if cfg.Port > 0 {
		transport := http.NewTransport(cfg.Host, cfg.Port, logger)
		metrics = transport.Metrics()
		go func() {
			if err := transport.Start(); err != nil {
				logger.Error("operational http server failed", "error", err)
			}
		}()
		go refreshGauges(ctx, transport.Metrics(), registry, limiter)
		defer func() {
			shCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
			defer cancel()
			if err := transport.Shutdown(shCtx); err != nil {
				logger.Warn("http shutdown failed", "error", err)
			}
		}()
	}

	gateway := service.NewGateway(authenticator, engine, limiter, registry, auditLog, meter, metrics, logger)

	// Hot reload: credential and policy changes apply live, everything else
	// waits for a restart.
	if file := config.ConfigFileUsed(); file != "" {
		watcher, err := config.NewWatcher(file, reloadFunc(authenticator, engine, logger), logger)
		if err != nil {
			logger.Warn("config watching disabled", "error", err)
		} else {
			go func() {
				if err := watcher.Run(ctx); err != nil && ctx.Err() == nil {
					logger.Warn("config watcher stopped", "error", err)
				}
			}()
		}
	}

	logger.Info("toolgate starting",
		"version", Version,
		"dev_mode", cfg.DevMode,
		"auth_mode", cfg.Auth.Mode,
		"servers", len(specs),
		"policies", len(cfg.Policies),
		"audit_db", cfg.Audit.DBPath,
		"metering", cfg.Metering.Enabled,
		"rate_limit_per_minute", cfg.RateLimit.PerMinute,
	)

	srv := stdio.NewServer(gateway, "toolgate", Version, os.Stdout, logger)
	return srv.Run(ctx, os.Stdin)
}

// refreshGauges keeps the state gauges current while the HTTP endpoint runs.
func refreshGauges(ctx context.Context, metrics *http.Metrics, registry *service.Registry, limiter *ratelimit.Limiter) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			running := 0
			for _, info := range registry.Status() {
				if info.Status == server.StatusRunning {
					running++
				}
			}
			metrics.RunningServers.Set(float64(running))
			metrics.RateLimitKeys.Set(float64(limiter.Size()))
		}
	}
}

// openStorage picks the storage backend and creates the schema.
func openStorage(ctx context.Context, cfg *config.Config, logger *slog.Logger) (outbound.Storage, error) {
	var storage outbound.Storage
	if cfg.Audit.DBPath != "" {
		store, err := sqlite.NewStore(cfg.Audit.DBPath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		storage = store
		logger.Debug("storage: sqlite", "path", cfg.Audit.DBPath)
	} else {
		storage = memory.NewStore()
		logger.Debug("storage: memory")
	}
	if err := storage.Init(ctx); err != nil {
		_ = storage.Close()
		return nil, fmt.Errorf("init storage: %w", err)
	}
	return storage, nil
}

// buildAuthenticator constructs the authenticator for the configured mode.
func buildAuthenticator(cfg *config.Config) (auth.Authenticator, error) {
	switch cfg.Auth.Mode {
	case "none":
		return auth.NoneAuthenticator{}, nil

	case "preshared":
		creds, err := cfg.Auth.DomainCredentials()
		if err != nil {
			return nil, err
		}
		return auth.NewPresharedAuthenticator(creds), nil

	case "token":
		return auth.NewTokenAuthenticator(auth.TokenConfig{
			Secret:        cfg.Auth.Token.Secret,
			PublicKeyPEM:  cfg.Auth.Token.PublicKey,
			Issuer:        cfg.Auth.Token.Issuer,
			Audience:      cfg.Auth.Token.Audience,
			ConsumerClaim: cfg.Auth.Token.ConsumerClaim,
			RolesClaim:    cfg.Auth.Token.RolesClaim,
		})

	case "discovery":
		return auth.NewDiscoveryAuthenticator(auth.DiscoveryConfig{
			Issuer:              cfg.Auth.Discovery.Issuer,
			JWKSURL:             cfg.Auth.Discovery.JWKSURL,
			Audience:            cfg.Auth.Discovery.Audience,
			ConsumerClaim:       cfg.Auth.Discovery.ConsumerClaim,
			RolesClaim:          cfg.Auth.Discovery.RolesClaim,
			AllowedEmailDomains: cfg.Auth.Discovery.AllowedEmailDomains,
		})

	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

// reloadFunc applies the hot-reloadable sections of a fresh document.
func reloadFunc(authenticator auth.Authenticator, engine *policy.Engine, logger *slog.Logger) config.ReloadFunc {
	return func(cfg *config.Config) {
		if preshared, ok := authenticator.(*auth.PresharedAuthenticator); ok {
			creds, err := cfg.Auth.DomainCredentials()
			if err != nil {
				logger.Error("credential reload rejected", "error", err)
			} else {
				preshared.Reload(creds)
				logger.Info("credentials reloaded", "count", len(creds))
			}
		}
		engine.Reload(cfg.DomainPolicies())
		logger.Info("policies reloaded", "count", len(cfg.Policies))
	}
}

// parseLogLevel converts a config log level to slog.Level. Unrecognized
// values fall back to info.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
