package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/Martian-dev/mailsync/internal/api"
	"github.com/Martian-dev/mailsync/internal/auth"
	"github.com/Martian-dev/mailsync/internal/config"
	"github.com/Martian-dev/mailsync/internal/logging"
	natsjs "github.com/Martian-dev/mailsync/internal/nats"
	"github.com/Martian-dev/mailsync/internal/notify"
	"github.com/Martian-dev/mailsync/internal/providers/gmail"
	"github.com/Martian-dev/mailsync/internal/providers/outlook"
	"github.com/Martian-dev/mailsync/internal/store/postgres"
	"github.com/Martian-dev/mailsync/internal/store/sqlite"
	"github.com/Martian-dev/mailsync/internal/sync"
)

// datastore is what both store backends provide.
type datastore interface {
	sync.Store
	sync.Changefeed
	api.Store
	Close() error
}

func main() {
	cfg := config.Load()
	log := logging.New(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat})
	for _, w := range cfg.Warnings {
		log.Warn().Msg(w)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	if !cfg.GinDebug {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := openStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Str("store", cfg.Store).Msg("failed to open datastore")
	}
	defer db.Close()

	// Downstream processing and the cross-process changefeed ride on NATS
	// when it is configured.
	var (
		hook sync.Hook
		feed sync.Changefeed = db
		pub  *natsjs.Publisher
	)
	if cfg.NATSURL != "" {
		pub, err = natsjs.Connect(cfg.NATSURL, cfg.NATSName, log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		defer pub.Close()
		if err := pub.EnsureStream(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ensure JetStream stream")
		}
		hook = natsjs.Hook(pub)

		relay := natsjs.NewRelay(pub, log)
		go func() {
			if err := relay.Run(ctx, db); err != nil {
				log.Error().Err(err).Msg("changefeed relay stopped")
			}
		}()
		if cfg.Changefeed == "nats" {
			feed = natsjs.NewFeed(pub.Conn(), log)
		}
	}

	deps := sync.Deps{Store: db, Hook: hook, Logger: log}
	factory := sync.NewFactory()
	if cfg.Gmail.Enabled() {
		factory.Register(sync.ProviderGmail, gmail.Constructor(gmail.Config{
			ClientID:     cfg.Gmail.ClientID,
			ClientSecret: cfg.Gmail.ClientSecret,
			RedirectURL:  cfg.Gmail.RedirectURL,
		}))
	}
	if cfg.Outlook.Enabled() {
		factory.Register(sync.ProviderOutlook, outlook.Constructor(outlook.Config{
			ClientID:     cfg.Outlook.ClientID,
			ClientSecret: cfg.Outlook.ClientSecret,
			RedirectURL:  cfg.Outlook.RedirectURL,
			Tenant:       cfg.Outlook.Tenant,
		}))
	}
	factory.Init(deps)

	hub := notify.NewHub(log)
	engine := sync.NewEngine(factory, deps, sync.Config{
		SyncInterval:    cfg.SyncInterval,
		RetryDelay:      cfg.RetryDelay,
		MaxRetries:      cfg.MaxRetries,
		PageSize:        cfg.PageSize,
		InitialLookback: cfg.InitialLookback,
		DebounceWait:    cfg.DebounceWait,
		SyncTimeout:     cfg.SyncTimeout,
	}, sync.WithChangefeed(feed), sync.WithNotifier(notify.NewNotifier(hub)))

	users, err := db.ListUsers(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to list users")
	}
	for _, userID := range users {
		if err := engine.StartSync(ctx, userID); err != nil {
			log.Error().Err(err).Str("user_id", userID).Msg("failed to start sync")
		}
	}

	verifier, err := newVerifier(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize session verifier")
	}

	server := api.New(api.Options{
		Engine:         engine,
		Providers:      factory,
		Store:          db,
		Auth:           verifier,
		State:          auth.NewStateSigner([]byte(cfg.StateSecret), cfg.StateTTL),
		Hub:            hub,
		Logger:         log,
		AllowedOrigins: cfg.AllowedOrigins,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTPAddr).Strs("providers", kinds(factory)).Msg("http server listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("http server stopped")
		}
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	sig := <-shutdown
	log.Info().Str("signal", sig.String()).Msg("shutting down")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancelShutdown()

	engine.Stop()
	// Streams never end on their own, so disconnect them before Shutdown
	// waits for active requests.
	hub.Close()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to shut down http server")
	}

	done := make(chan struct{})
	go func() {
		engine.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		log.Warn().Msg("sync passes still running at shutdown deadline")
	}
	cancel()
}

func openStore(ctx context.Context, cfg config.Config, log zerolog.Logger) (datastore, error) {
	if cfg.Store == "postgres" {
		return postgres.Open(ctx, postgres.Options{DSN: cfg.PostgresDSN, Logger: log, Listen: true})
	}
	return sqlite.Open(sqlite.Options{
		Path:         cfg.SQLitePath,
		Driver:       cfg.SQLiteDriver,
		PollInterval: cfg.ChangePoll,
		Retention:    cfg.ChangeRetain,
		Logger:       log,
	})
}

func newVerifier(ctx context.Context, cfg config.Config) (*auth.JWTVerifier, error) {
	var opts []auth.VerifierOption
	if cfg.JWTIssuer != "" {
		opts = append(opts, auth.WithIssuer(cfg.JWTIssuer))
	}
	if cfg.JWKSURL != "" {
		return auth.NewJWTVerifier(ctx, cfg.JWKSURL, opts...)
	}
	return auth.NewHMACVerifier([]byte(cfg.JWTSecret), opts...), nil
}

func kinds(f *sync.Factory) []string {
	var out []string
	for _, k := range f.Kinds() {
		out = append(out, string(k))
	}
	return out
}
