package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nwardle/chartreg/apikeys"
	"github.com/nwardle/chartreg/expiration"
	"github.com/nwardle/chartreg/internal/config"
	"github.com/nwardle/chartreg/internal/db"
	"github.com/nwardle/chartreg/ratelimit"
	"github.com/nwardle/chartreg/server"
	"github.com/nwardle/chartreg/sessions"
	"github.com/nwardle/chartreg/sessions/ldap"
	"github.com/nwardle/chartreg/sessions/local"
	"github.com/nwardle/chartreg/sessions/openid"
	"github.com/nwardle/chartreg/users"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if os.Getenv("CHARTREG_DEBUG") != "" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
	log.Info().Msg("server stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	configPath := os.Getenv("CHARTREG_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return err
	}

	displayAppname("chartreg")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	redisClient, err := db.ConnectRedis(ctx, cfg.Redis)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	sqlDB, err := db.ConnectPostgres(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	if sqlDB != nil {
		defer sqlDB.Close()
	}

	var limiter ratelimit.Limiter
	limiterOpts := []ratelimit.Option{
		ratelimit.WithWindow(cfg.RateLimit.Window),
		ratelimit.WithLimits(cfg.RateLimit.Authenticated, cfg.RateLimit.Anonymous),
	}
	switch cfg.RateLimit.Backend {
	case config.RateLimitBackendRedis:
		limiter = ratelimit.NewRedisLimiter(redisClient, limiterOpts...)
	default:
		memory := ratelimit.NewMemoryLimiter(limiterOpts...)
		defer memory.Close()
		limiter = memory
	}
	log.Info().Str("backend", cfg.RateLimit.Backend).Msg("rate limiter ready")

	exp := expiration.New(redisClient)
	defer exp.Close()

	sessionMgr, err := sessions.NewManager(redisClient, exp, []byte(cfg.Sessions.Secret),
		sessions.WithTokenTTLs(cfg.Sessions.AccessTTL, cfg.Sessions.RefreshTTL))
	if err != nil {
		return err
	}

	var userRepo users.Repo
	var keyMgr *apikeys.Manager
	if sqlDB != nil {
		userRepo = users.NewPostgresRepo(sqlDB)
		keyMgr = apikeys.NewManager(apikeys.NewPostgresRepo(sqlDB), redisClient, exp)
	}

	backend, err := sessionBackend(cfg, userRepo, sessionMgr)
	if err != nil {
		return err
	}

	// Re-arm deferred deletions from the previous run. A failure here is
	// degraded service, not a fatal one; the store's own TTLs still hold.
	if err := sessionMgr.Restore(ctx); err != nil {
		log.Warn().Err(err).Msg("could not restore session expirations")
	}
	sessionMgr.WatchExpirations(context.Background())
	if keyMgr != nil {
		if err := keyMgr.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("could not restore api key expirations")
		}
		keyMgr.WatchExpirations(context.Background())
	}

	httpServer := &http.Server{
		Addr: cfg.Server.Addr,
		Handler: server.New(cfg, server.Deps{
			Limiter:  limiter,
			Sessions: sessionMgr,
			Backend:  backend,
			Users:    userRepo,
			APIKeys:  keyMgr,
		}),
	}
	go listenAndServe(httpServer)
	waitForStopSignal()
	return shutdown(httpServer)
}

func sessionBackend(cfg config.Config, userRepo users.Repo, mgr *sessions.Manager) (sessions.Backend, error) {
	if userRepo == nil {
		return nil, errors.New("sessions: postgres.dsn is required for user accounts")
	}
	switch cfg.Sessions.Backend {
	case config.SessionBackendOpenID:
		return openid.New(openid.Config{
			Issuer:       cfg.Sessions.OpenID.Issuer,
			ClientID:     cfg.Sessions.OpenID.ClientID,
			ClientSecret: cfg.Sessions.OpenID.ClientSecret,
			RedirectURL:  cfg.Sessions.OpenID.RedirectURL,
			Scopes:       cfg.Sessions.OpenID.Scopes,
			AutoRegister: true,
		}, userRepo, mgr)
	case config.SessionBackendLDAP:
		return ldap.New(ldap.Config{
			URL:                cfg.Sessions.LDAP.URL,
			BindDNTemplate:     cfg.Sessions.LDAP.BindDN,
			StartTLS:           cfg.Sessions.LDAP.StartTLS,
			InsecureSkipVerify: cfg.Sessions.LDAP.InsecureSkipVerify,
			AutoRegister:       true,
		}, userRepo, mgr)
	default:
		return local.New(userRepo, mgr), nil
	}
}

func listenAndServe(httpServer *http.Server) {
	log.Info().Str("addr", httpServer.Addr).Msg("server listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("server.ListenAndServe")
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(httpServer *http.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server.Shutdown: %w", err)
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
