package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/swegraph/graph"
	"github.com/dshills/swegraph/internal/httpapi"
	"github.com/dshills/swegraph/internal/logging"
	"github.com/dshills/swegraph/swe"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the session API over HTTP",
	Long: `Serves the session API:

  POST /sessions                 start a session and run it
  POST /sessions/{id}/run        continue a session
  POST /sessions/{id}/resume     answer a pending review
  POST /sessions/{id}/cancel     stop an in-flight run
  GET  /sessions/{id}            latest checkpoint
  GET  /sessions/{id}/history    all checkpoints
  GET  /metrics                  Prometheus metrics
  GET  /healthz                  liveness`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("addr") {
			cfg.Server.Addr, _ = cmd.Flags().GetString("addr")
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer a.Close(context.WithoutCancel(ctx))
		return serve(ctx, a)
	},
}

func init() {
	serveCmd.Flags().String("addr", "", "listen address (default from config, :8080)")
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, a *app) error {
	handler := httpapi.NewHandler(a.engine,
		httpapi.WithStateFunc(func(req httpapi.StartRequest) (graph.State, error) {
			if req.Prompt == "" {
				return nil, errors.New("prompt is required")
			}
			return swe.InitialState(req.Prompt, req.Hint), nil
		}),
		httpapi.WithGatherer(a.registry),
		httpapi.WithLogger(a.logger),
		httpapi.WithBaseContext(ctx),
	)

	srv := &http.Server{
		Addr:              a.cfg.Server.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 1)
	go func() {
		a.logger.Info("serving", "addr", srv.Addr, "store", a.cfg.Store.Backend, "provider", a.cfg.Model.Provider)
		errs <- srv.ListenAndServe()
	}()

	select {
	case err := <-errs:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	a.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("graceful shutdown incomplete", logging.Err(err))
		return srv.Close()
	}
	return nil
}
