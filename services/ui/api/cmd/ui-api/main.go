package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	"github.com/frosty308/webapps/pkg/telemetry"
	"github.com/frosty308/webapps/services/ui/api/internal/app"
	"github.com/frosty308/webapps/services/ui/api/internal/config"
	"github.com/frosty308/webapps/services/ui/api/internal/handlers"
	"github.com/frosty308/webapps/services/ui/api/internal/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	log.Logger = app.NewLogger(cfg.LogFormat).With().Str("service", version.Name).Logger()

	cleanup, middleware, err := telemetry.Init(ctx, version.Name, cfg.OTLPEndpoint, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init otel")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := cleanup(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown otel")
		}
	}()

	a, err := app.New(ctx, cfg, log.Logger)
	if err != nil {
		log.Fatal().Err(err).Msg("init app")
	}
	defer a.Close()

	if err := a.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	if err := a.StartAudit(ctx); err != nil {
		log.Fatal().Err(err).Msg("start audit")
	}

	r := handlers.Router(handlers.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Service:        a.Service,
		LoginURL:       cfg.LoginURL,
		AdminToken:     cfg.AdminToken,
		CSRFRequired:   cfg.CSRFRequired,
		Logger:         log.Logger,
		Middleware:     middleware,
		Ready:          a.Ready,
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Str("version", version.Version).Msg("starting webapps-accounts")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("http server")
			os.Exit(1)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown server")
	}
}
