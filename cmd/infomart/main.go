// Command infomart runs the knowledge marketplace: the product catalogue with
// its paywall, the external feed vendors and the budgeted purchasing agent.
package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	app "github.com/R3E-Network/infomart/internal/app"
	"github.com/R3E-Network/infomart/internal/app/httpapi"
	"github.com/R3E-Network/infomart/internal/config"
	"github.com/R3E-Network/infomart/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	addr := flag.String("addr", "", "listen address (overrides HTTP_ADDR)")
	seed := flag.String("seed", "", "seed catalogue YAML (overrides SEED_FILE)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.NewDefault("infomart").WithError(err).Fatal("load configuration")
	}
	if *addr != "" {
		cfg.HTTPAddr = *addr
	}
	if *seed != "" {
		cfg.SeedFile = *seed
	}

	log := logger.New("infomart", cfg.LogLevel, cfg.LogFormat)
	if err := run(cfg, log); err != nil {
		log.WithError(err).Error("infomart stopped with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, app.Options{Logger: log})
	if err != nil {
		return err
	}
	if err := application.Start(ctx); err != nil {
		return err
	}

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewHandler(application, httpapi.WithLogger(log.Named("http"))),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			_ = application.Stop(context.Background())
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	// Streams stay open until the bus closes, so stop the application first.
	appErr := application.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return errors.Join(appErr, err)
	}
	return appErr
}
