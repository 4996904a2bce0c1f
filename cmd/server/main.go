// Command server runs the labflow protocol execution service.
//
// Configuration is read from a YAML file (-config, LABFLOW_CONFIG, or
// ./config.yaml) and LABFLOW_* environment overrides. See pkg/config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/rhuss/labflow/pkg/analysis"
	"github.com/rhuss/labflow/pkg/analysis/openaicompat"
	"github.com/rhuss/labflow/pkg/api"
	"github.com/rhuss/labflow/pkg/audit"
	"github.com/rhuss/labflow/pkg/auth"
	"github.com/rhuss/labflow/pkg/auth/apikey"
	"github.com/rhuss/labflow/pkg/auth/jwt"
	"github.com/rhuss/labflow/pkg/auth/noop"
	"github.com/rhuss/labflow/pkg/capture"
	"github.com/rhuss/labflow/pkg/catalog"
	"github.com/rhuss/labflow/pkg/config"
	"github.com/rhuss/labflow/pkg/debug"
	"github.com/rhuss/labflow/pkg/engine"
	"github.com/rhuss/labflow/pkg/observability"
	"github.com/rhuss/labflow/pkg/session"
	"github.com/rhuss/labflow/pkg/storage"
	"github.com/rhuss/labflow/pkg/storage/memory"
	"github.com/rhuss/labflow/pkg/storage/postgres"
	"github.com/rhuss/labflow/pkg/storage/sqlite"
	"github.com/rhuss/labflow/pkg/transport"
	transporthttp "github.com/rhuss/labflow/pkg/transport/http"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger, err := debug.Setup(debug.Options{
		Categories: cfg.Logging.Debug,
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("logging: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	protocols, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	cat, err := catalog.NewMemory(protocols...)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	slog.Info("catalog loaded", "path", cfg.Catalog.Path, "protocols", len(protocols))

	log := audit.New(store)
	caps := capture.NewService(store, log)
	sessions := session.NewManager(store, cat, log, session.Options{
		ClearForwardOnRegress: cfg.Engine.ClearForwardOnRegress,
	})

	dispatcher := newDispatcher(cfg.Analysis, caps)
	if dispatcher != nil {
		defer dispatcher.Close()
	}

	eng, err := engine.New(sessions, caps, dispatcher, engine.Config{
		BlockOnAnalysisFailure: cfg.Engine.BlockOnAnalysisFailure,
		EventBuffer:            cfg.Engine.EventBuffer,
	})
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	defer eng.Close()

	eng.OnComplete(func(sess *api.Session) {
		slog.Info("session completed", "session_id", sess.ID, "protocol", sess.ProtocolID)
	})

	chain, err := buildAuthChain(cfg.Auth)
	if err != nil {
		return err
	}
	restrictions, err := auth.NewRestrictions(cfg.Auth.Restrictions)
	if err != nil {
		return fmt.Errorf("auth.restrictions: %w", err)
	}
	guard := auth.Guard{
		Limiter:      buildLimiter(cfg.Auth.RateLimit),
		Restrictions: restrictions,
		Bypass:       auth.DefaultBypassEndpoints,
	}

	metricsPath := ""
	if cfg.Observability.Metrics.Enabled {
		metricsPath = cfg.Observability.Metrics.Path
	}

	srv := transporthttp.NewServer(transport.Services{
		Executor: eng,
		Sessions: sessions,
		Captures: caps,
		Audit:    log,
		Catalog:  cat,
		Health:   store,
	},
		transporthttp.WithAddr(":"+strconv.Itoa(cfg.Server.Port)),
		transporthttp.WithMaxBodySize(cfg.Server.MaxBodySize),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
		transporthttp.WithStreamKeepAlive(cfg.Server.StreamKeepAlive),
		transporthttp.WithMetricsPath(metricsPath),
		transporthttp.WithLogger(logger),
		transporthttp.WithMiddleware(auth.Middleware(chain, guard)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("labflow starting",
			"port", cfg.Server.Port,
			"storage", cfg.Storage.Type,
			"analysis", cfg.Analysis.Provider,
			"auth", cfg.Auth.Type,
		)
		return srv.Run(gctx)
	})

	if cfg.Catalog.Watch {
		w := catalog.NewWatcher(cfg.Catalog.Path, cat)
		w.OnReload = func(n int, err error) {
			if err != nil {
				observability.CatalogReloads.WithLabelValues("error").Inc()
				slog.Warn("catalog reload failed, keeping previous protocols", "error", err)
				return
			}
			observability.CatalogReloads.WithLabelValues("ok").Inc()
			slog.Info("catalog reloaded", "protocols", n)
		}
		g.Go(func() error {
			return w.Run(gctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func openStore(ctx context.Context, cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "postgres":
		s, err := postgres.New(ctx, postgres.Config{
			DSN:              cfg.Postgres.DSN,
			MaxConns:         cfg.Postgres.MaxConns,
			MinConns:         cfg.Postgres.MinConns,
			StatementTimeout: cfg.Postgres.StatementTimeout,
			Migrate:          cfg.Postgres.MigrateOnStart,
		})
		if err != nil {
			return nil, fmt.Errorf("opening postgres store: %w", err)
		}
		slog.Info("storage enabled", "type", "postgres", "max_conns", cfg.Postgres.MaxConns)
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		slog.Info("storage enabled", "type", "sqlite", "path", cfg.SQLite.Path)
		return s, nil
	default:
		slog.Info("storage enabled", "type", "memory", "max_size", cfg.MaxSize)
		return memory.New(cfg.MaxSize), nil
	}
}

// newDispatcher returns nil when no analysis backend is configured, in
// which case captures stay pending.
func newDispatcher(cfg config.AnalysisConfig, caps *capture.Service) *analysis.Dispatcher {
	if cfg.Provider != "openai" {
		return nil
	}
	client := openaicompat.NewClient(cfg.BackendURL, cfg.APIKey, cfg.Model, cfg.Timeout)
	reg := analysis.NewRegistry()
	for _, name := range cfg.Services {
		reg.Register(name, client)
	}
	slog.Info("analysis enabled", "backend", cfg.BackendURL, "model", cfg.Model, "services", cfg.Services)
	return analysis.NewDispatcher(caps, reg, cfg.Timeout)
}

func buildAuthChain(cfg config.AuthConfig) (*auth.Chain, error) {
	switch cfg.Type {
	case "none", "":
		op := cfg.Operator
		return auth.NewChain(auth.Allow, &noop.Authenticator{
			Operator: auth.Identity{Subject: op.Subject, Role: op.Role, Site: op.Site},
		}), nil
	case "apikey":
		keys := make([]apikey.Key, 0, len(cfg.APIKeys))
		for _, k := range cfg.APIKeys {
			keys = append(keys, apikey.Key{
				Secret: k.Key,
				Identity: auth.Identity{
					Subject: k.Subject,
					Role:    k.Role,
					Site:    k.Site,
					Scopes:  k.Scopes,
				},
			})
		}
		a, err := apikey.New(keys)
		if err != nil {
			return nil, fmt.Errorf("auth.api_keys: %w", err)
		}
		return auth.NewChain(auth.Deny, a), nil
	case "jwt":
		return auth.NewChain(auth.Deny, jwt.New(jwt.Config{
			Issuer:    cfg.JWT.Issuer,
			Audience:  cfg.JWT.Audience,
			JWKSURL:   cfg.JWT.JWKSURL,
			RoleClaim: cfg.JWT.RoleClaim,
			SiteClaim: cfg.JWT.SiteClaim,
			Roles:     cfg.JWT.Roles,
			Leeway:    cfg.JWT.Leeway,
		})), nil
	default:
		return nil, fmt.Errorf("unknown auth type %q", cfg.Type)
	}
}

// buildLimiter returns nil when no limit is configured.
func buildLimiter(cfg config.RateLimitConfig) auth.RateLimiter {
	if cfg.DefaultRPM <= 0 && len(cfg.Roles) == 0 {
		return nil
	}
	return auth.NewWindowLimiter(cfg.Roles, cfg.DefaultRPM)
}
