package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/warp/allowance-engine/api"
	"github.com/warp/allowance-engine/budget"
	"github.com/warp/allowance-engine/metrics"
	"github.com/warp/allowance-engine/screentime"
)

var serveFlags struct {
	listenAddress string
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server",
	Long: `Start the HTTP API and the grace expiry scheduler.

A JWT secret is required (auth.jwt_secret or ALLOWANCE_AUTH_JWT_SECRET).

Examples:
  # Defaults, secret from the environment
  ALLOWANCE_AUTH_JWT_SECRET=dev allowance-engine serve

  # Override listen address
  allowance-engine serve --listen 0.0.0.0:8080`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVarP(&serveFlags.listenAddress, "listen", "l", "", "override listen address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	if serveFlags.listenAddress != "" {
		cfg.Server.ListenAddress = serveFlags.listenAddress
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is required to serve (set ALLOWANCE_AUTH_JWT_SECRET)")
	}

	store, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	rec := metrics.New(reg)

	screen := screentime.NewService(store, cfg.Grace.Settings(), rec, logger)
	budgets := budget.NewService(store, rec, logger)
	handler := api.NewHandler(screen, budgets, store, logger)

	opts := api.RouterOptions{
		Auth:        api.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer),
		CORSOrigins: cfg.Server.CORSOrigins,
		Ping:        store.Ping,
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
		opts.MetricsPath = cfg.Metrics.Path
	}

	server := &http.Server{
		Addr:         cfg.Server.ListenAddress,
		Handler:      api.NewRouter(handler, opts),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	scheduler := api.NewExpiryScheduler(screen.Grace(), cfg.Grace.ExpirySchedule, cfg.Grace.PendingTimeout, logger)
	if err := scheduler.Start(ctx); err != nil {
		return err
	}
	defer scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "address", cfg.Server.ListenAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
