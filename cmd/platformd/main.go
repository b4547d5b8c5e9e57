package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	_ "modernc.org/sqlite"             // registers "sqlite"

	"github.com/openacademy/lti-platform/internal/audit"
	"github.com/openacademy/lti-platform/internal/config"
	"github.com/openacademy/lti-platform/internal/deeplink"
	"github.com/openacademy/lti-platform/internal/grade"
	"github.com/openacademy/lti-platform/internal/keys"
	"github.com/openacademy/lti-platform/internal/launch"
	"github.com/openacademy/lti-platform/internal/metrics"
	"github.com/openacademy/lti-platform/internal/middleware"
	"github.com/openacademy/lti-platform/internal/profile"
	"github.com/openacademy/lti-platform/internal/roster"
	"github.com/openacademy/lti-platform/internal/session"
	"github.com/openacademy/lti-platform/internal/storage"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	logger := newLogger(cfg)
	log.Logger = logger

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := cfg.DBDriver
	if driver == "postgres" {
		driver = "pgx"
	}
	db, err := storage.Connect(ctx, driver, cfg.DBDSN)
	if err != nil {
		logger.Fatal().Err(err).Msg("database connect failed")
	}
	defer db.Close()
	if err := storage.Up(ctx, db, cfg.DBDriver); err != nil {
		logger.Fatal().Err(err).Msg("migrations failed")
	}

	toolKey, err := cfg.ToolPublicKey()
	if err != nil {
		logger.Fatal().Err(err).Msg("tool public key invalid")
	}
	if toolKey == nil {
		logger.Warn().Msg("no tool public key configured; deep-link returns will be rejected")
	}

	auditLog := audit.NewLog(db.SQL, logger)
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	var rosterClient launch.Roster
	if cfg.RosterURL != "" {
		rosterClient = roster.NewClient(cfg.RosterURL)
	}

	srv := &launch.Server{
		Keys:      keys.NewStore(db.SQL),
		Sessions:  session.NewStore(db.SQL),
		DeepLinks: deeplink.NewRegistry(db),
		Grades:    grade.NewStore(db.SQL),
		Profiles:  profile.NewStore(db.SQL),
		Roster:    rosterClient,
		Audit:     auditLog,
		Metrics:   collector,

		Issuer:           cfg.PublicURL,
		ToolClientID:     cfg.ToolClientID,
		ToolOIDCLoginURL: cfg.ToolOIDCLoginURL,
		ToolLaunchURL:    cfg.ToolLaunchURL,
		ToolPublicKey:    toolKey,
		ToolSecretHash:   cfg.ToolSecretHash,

		DeploymentID:    cfg.DeploymentID,
		PlatformName:    cfg.PlatformName,
		PlatformVersion: cfg.PlatformVersion,
		PlatformGUID:    cfg.PlatformGUID,

		Logger: logger,
	}

	rlCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitPerMin > 0 {
		rlCfg.Rate = rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	}
	if cfg.RateLimitBurst > 0 {
		rlCfg.Burst = cfg.RateLimitBurst
	}
	limiter := middleware.NewRateLimiter(rlCfg)
	defer limiter.Stop()

	r := chi.NewRouter()
	r.Use(middleware.RequestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "HEAD", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/jwks", srv.HandleJWKS)
	r.Head("/jwks", srv.HandleJWKS)
	r.With(limiter.Middleware).Get("/login", srv.HandleLogin)
	r.With(limiter.Middleware).Post("/login", srv.HandleLogin)
	r.Get("/auth", srv.HandleAuthorize)
	r.Post("/deepLinkReturn", srv.HandleDeepLinkReturn)
	r.Get("/links", srv.HandleLinks)
	r.Post("/gradeCallback", srv.HandleGradeCallback)
	r.Post("/oauth/token", srv.HandleToken)

	r.Handle("/metrics", metrics.Handler(reg))
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.Ping(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("issuer", cfg.PublicURL).Msg("platform listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown failed")
	}
}

func newLogger(cfg config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	var out = os.Stderr
	logger := zerolog.New(out).Level(level).With().Timestamp().Logger()
	if cfg.LogPretty {
		logger = logger.Output(zerolog.ConsoleWriter{Out: out})
	}
	return logger
}
