package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crm-platform/internal/audit"
	"crm-platform/internal/auth"
	"crm-platform/internal/calls"
	"crm-platform/internal/config"
	"crm-platform/internal/directory"
	"crm-platform/internal/httpapi"
	"crm-platform/internal/kommo"
	"crm-platform/internal/migration"
	"crm-platform/internal/routing"
	"crm-platform/internal/telephony"
	"crm-platform/pkg/logger"
	"crm-platform/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
)

func main() {
	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// A missing .env is fine; the environment wins either way.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn(".env load failed", "err", err)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		log.Error("auth init failed", "err", err)
		os.Exit(1)
	}

	tokenIssuer, err := telephony.NewTwilioTokenIssuer(cfg.Twilio)
	if err != nil {
		log.Error("voice token issuer init failed", "err", err)
		os.Exit(1)
	}

	db, err := utils.OpenPostgres(rootCtx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		log.Error("postgres init failed", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	rdb, err := utils.OpenRedis(rootCtx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		log.Error("redis init failed", "err", err)
		os.Exit(1)
	}
	defer rdb.Close()

	dir := directory.NewPostgresRepo(db)
	auditSvc := audit.NewService(audit.NewPostgresRepo(db))

	fetchers := func(ic migration.Config) (migration.PageFetcher, error) {
		return kommo.NewClient(ic.Subdomain, cfg.Kommo.BaseDomain, ic.AccessToken,
			kommo.WithTimeout(cfg.Kommo.RequestTimeout),
			kommo.WithLogger(log),
		)
	}

	webhook := telephony.TwilioWebhookHandler{
		Router: routing.NewInboundRouter(&routing.RingEngine{
			Directory: dir,
			Rotator:   utils.RoundRobin{Client: rdb, Prefix: "crm:rr:"},
		}),
		PublicURL: cfg.Twilio.WebhookURL,
	}
	if cfg.Twilio.AuthToken != "" {
		webhook.Validator = telephony.NewSignatureValidator(cfg.Twilio.AuthToken)
	} else if cfg.IsProduction() {
		log.Warn("TWILIO_AUTH_TOKEN not set; voice webhook signatures are not checked")
	}

	h := httpapi.Handlers{
		Auth:     authManager,
		Tokens:   tokenIssuer,
		Calls:    calls.NewService(calls.NewPostgresRepo(db)),
		Imports:  migration.NewImporter(migration.NewPostgresRepo(db), fetchers, auditSvc, cfg.Voice.DefaultCountryCode),
		StepLock: utils.Locker{Client: rdb, Prefix: "crm:lock:", TTL: cfg.Kommo.StepLockTTL},
	}

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))

	registerPublicRoutes(r, db, webhook)
	registerAuthRoutes(r, h, cfg.App.Env)
	registerProtectedRoutes(r, h, auth.RequireAccessToken(authManager), dir)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Import steps may wait on Kommo rate limits.
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("api listening", "addr", srv.Addr, "env", cfg.App.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("http server failed", "err", err)
			stop()
		}
	}()

	<-rootCtx.Done()
	log.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("http shutdown failed", "err", err)
	}

	_ = logger.ShutdownFlush(shutdownCtx, 2*time.Second)
}
