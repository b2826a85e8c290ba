// Command loyalty runs the Soriano Club loyalty engine as an HTTP service.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	app "github.com/sorianoseguros/loyalty-engine/internal/app"
	"github.com/sorianoseguros/loyalty-engine/internal/app/httpapi"
	"github.com/sorianoseguros/loyalty-engine/internal/app/metrics"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage"
	"github.com/sorianoseguros/loyalty-engine/internal/app/storage/postgres"
	"github.com/sorianoseguros/loyalty-engine/internal/config"
	"github.com/sorianoseguros/loyalty-engine/internal/middleware"
	"github.com/sorianoseguros/loyalty-engine/pkg/logger"
)

func main() {
	_ = godotenv.Load()

	server, err := config.LoadServer()
	if err != nil {
		logger.NewDefault("main").WithError(err).Error("load server settings")
		os.Exit(1)
	}

	log := logger.New("loyalty", os.Stderr, server.LogLevel)

	cfg, err := config.Load(server.ConfigPath)
	if err != nil {
		log.WithError(err).Error("load configuration")
		os.Exit(1)
	}

	var store storage.Store
	if server.DatabaseURL != "" {
		db, err := sqlx.Connect("postgres", server.DatabaseURL)
		if err != nil {
			log.WithError(err).Error("connect to postgres")
			os.Exit(1)
		}
		defer db.Close()

		if err := postgres.Migrate(db); err != nil {
			log.WithError(err).Error("run migrations")
			os.Exit(1)
		}
		store = postgres.New(db)
		log.Info("using postgres store")
	} else {
		log.Warn("LOYALTY_DATABASE_URL not set; using in-memory store")
	}

	application, err := app.New(store, cfg, log)
	if err != nil {
		log.WithError(err).Error("build application")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := application.SeedCatalog(ctx); err != nil {
		log.WithError(err).Error("seed reward catalog")
		os.Exit(1)
	}

	limiter := middleware.NewRateLimiter(server.RateLimitPerSecond, server.RateLimitBurst, log)
	if err := application.Attach(limiter); err != nil {
		log.WithError(err).Error("attach rate limiter")
		os.Exit(1)
	}

	if err := application.Start(ctx); err != nil {
		log.WithError(err).Error("start application")
		os.Exit(1)
	}

	handler := metrics.InstrumentHandler(limiter.Handler(httpapi.NewHandler(application)))
	srv := &http.Server{
		Addr:              server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", server.Addr).Info("listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-errCh:
		log.WithError(err).Error("http server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("application shutdown")
	}
}
