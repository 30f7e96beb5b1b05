package commands

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/abecu-hub/go-bus/internal/metrics"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the endpoint until interrupted",
	Long: `Run the configured endpoint with SimpleSaga1 and SimpleSaga2 registered.

When metrics.addr is configured, Prometheus metrics are served on /metrics.

Examples:
  # In-memory transport and store
  sagahost run

  # RabbitMQ transport and Redis store
  sagahost run --config sagahost.yml`,
	RunE: runEndpoint,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runEndpoint(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHost(ctx, cfg, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	defer h.close()

	if cfg.Metrics.Addr != "" {
		server := &http.Server{Addr: cfg.Metrics.Addr, Handler: metricsMux(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				h.log.WithError(err).Error("metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
		}()
	}

	if err := h.start(); err != nil {
		return err
	}

	<-ctx.Done()
	h.log.Info("shutting down")
	return nil
}

func metricsMux() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return mux
}
