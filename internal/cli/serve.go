package cli

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/omopmed/medquery/pkg/gateway"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the query agent as a gateway service",
	Long: `Run the query agent behind a websocket gateway so that an
orchestrator in another process can delegate sub-questions to it. Also
serves Prometheus metrics when enabled.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	app, err := newApp(ctx, false)
	if err != nil {
		return err
	}
	defer app.Close(context.Background())

	srv, err := gateway.NewServer(gateway.ServerConfig{
		Addr:     app.cfg.Gateway.Addr,
		Answerer: app.agent,
		Logger:   app.zlog.With().Str("component", "gateway").Logger(),
	})
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() { errCh <- srv.ListenAndServe() }()

	var metricsSrv *http.Server
	if app.cfg.Metrics.Enabled {
		metricsSrv = &http.Server{
			Addr:              app.cfg.Metrics.Addr,
			Handler:           app.metrics.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			app.zlog.Info().Str("addr", app.cfg.Metrics.Addr).Msg("Metrics listening")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-stop:
		app.zlog.Info().Str("signal", sig.String()).Msg("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if metricsSrv != nil {
		metricsSrv.Shutdown(shutdownCtx)
	}
	return srv.Shutdown(shutdownCtx)
}
