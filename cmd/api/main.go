package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ovaphlow/pitchfork/service-harvesta/internal/config"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/flows"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/provider"
	idrepo "github.com/ovaphlow/pitchfork/service-harvesta/internal/identity/repo"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/permerr"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/profile"
	prepo "github.com/ovaphlow/pitchfork/service-harvesta/internal/profile/repo"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/pubsub"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/router"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/session"
	"github.com/ovaphlow/pitchfork/service-harvesta/internal/token"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/database"
	"github.com/ovaphlow/pitchfork/service-harvesta/pkg/utilities"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}

	lg, err := utilities.Init(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer lg.Sync()
	sugar := lg.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Errorw("service stopped with error", "err", err)
		os.Exit(1)
	}
	sugar.Info("goodbye")
}

// tableOwner is implemented by the postgres repositories.
type tableOwner interface {
	EnsureTable(ctx context.Context) error
}

func run(ctx context.Context, cfg config.Config, logger *zap.SugaredLogger) error {
	logger.Infow("starting harvesta", "storage", cfg.StorageDriver, "bus", cfg.BusDriver, "dev", cfg.Dev)

	var (
		accounts  identity.AccountRepository
		redirects identity.RedirectRepository
		profiles  profile.Repository
		ready     func(context.Context) error
	)
	switch cfg.StorageDriver {
	case config.DriverPostgres:
		db, err := database.Connect(cfg.Database)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer db.Close()
		ready = db.PingContext

		a, r, p := idrepo.NewAccountRepo(db), idrepo.NewRedirectRepo(db), prepo.NewProfileRepo(db)
		for _, t := range []tableOwner{a, r, p} {
			if err := t.EnsureTable(ctx); err != nil {
				return fmt.Errorf("ensure tables: %w", err)
			}
		}
		accounts, redirects, profiles = a, r, p
	default:
		logger.Warn("using in-memory storage; data is lost on restart")
		accounts, redirects, profiles = idrepo.NewMemoryAccountRepo(), idrepo.NewMemoryRedirectRepo(), prepo.NewMemoryProfileRepo()
	}

	var bus pubsub.Bus
	switch cfg.BusDriver {
	case config.DriverRedis:
		client, err := database.ConnectRedis(cfg.Redis)
		if err != nil {
			return fmt.Errorf("redis connect: %w", err)
		}
		defer client.Close()
		bus = pubsub.NewRedisBus(client)
	default:
		bus = pubsub.NewMemoryBus()
	}

	tokens, err := token.NewService(cfg.Token)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}

	var federated []provider.OAuthProvider
	if cfg.Google.Enabled() {
		google, err := provider.NewOIDC(ctx, cfg.Google)
		if err != nil {
			return fmt.Errorf("google sign-in: %w", err)
		}
		federated = append(federated, google)
	} else {
		logger.Info("google sign-in disabled; GOOGLE_CLIENT_ID, GOOGLE_CLIENT_SECRET and GOOGLE_REDIRECT_URL are required")
	}

	emitter := permerr.NewEmitter(cfg.PermErrorLimit)
	unsubscribe := emitter.Subscribe(permerr.LogObserver(logger))
	defer unsubscribe()

	var gen flows.Generator
	if cfg.GenAI.APIKey != "" {
		g, err := flows.NewGenAIGenerator(ctx, cfg.GenAI)
		if err != nil {
			return err
		}
		logger.Infow("text generation enabled", "generator", g.Name())
		gen = g
	} else {
		logger.Warn("GEMINI_API_KEY not set; assistant flows will report unavailable")
	}

	auth := identity.NewService(identity.Deps{
		Accounts:  accounts,
		Redirects: redirects,
		Providers: provider.NewRegistry(federated...),
		Tokens:    tokens,
		Bus:       bus,
		Logger:    logger,
	})
	deps := router.Deps{
		Identity:   auth,
		Tokens:     tokens,
		Profiles:   profile.NewStore(profiles, bus, emitter, logger),
		PermErrors: emitter,
		Flows:      flows.NewService(gen, logger),
		Cookies:    cfg.Cookies,
		Routes:     session.DefaultRoutes(),
		Dev:        cfg.Dev,
		Ready:      ready,
	}
	if cfg.StaticDir != "" {
		deps.Pages = http.FileServer(http.Dir(cfg.StaticDir))
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router.RegisterRoutes(logger, deps),
		ReadHeaderTimeout: 10 * time.Second,
		// event streams hold the connection open, so no WriteTimeout
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Infow("http server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return auth.PurgeRedirects(gctx, auth.RedirectTTL)
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warnw("http server shutdown failed", "err", err)
		}
		return nil
	})
	return g.Wait()
}
