package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mimo/internal/app"
	"mimo/internal/logging"
	"mimo/internal/server/httpapi"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP gateway",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := app.New(cfg)
			if err != nil {
				return &exitError{code: exitFatal, err: err}
			}
			defer a.Close()
			a.Start()

			server := httpapi.New(a.Dispatcher, a.Registry, a.Router, a.Memory, a.Graph, a.Completer, a.Prometheus, httpapi.Options{
				Port:             cfg.HTTPPort,
				APIKey:           cfg.APIKey,
				RatePerMinute:    cfg.RateLimitPerMinute,
				RequestTimeout:   cfg.BrowserTimeout,
				Sandbox:          cfg.Sandbox,
				ExposeDeprecated: cfg.ExposeDeprecated,
			})

			logger := logging.NewComponentLogger("Serve")
			errCh := make(chan error, 1)
			go func() { errCh <- server.Start() }()

			stop := make(chan os.Signal, 1)
			signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
			select {
			case err := <-errCh:
				if err != nil {
					return &exitError{code: exitFatal, err: err}
				}
			case sig := <-stop:
				logger.Info("received %s, shutting down", sig)
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(ctx); err != nil {
					logger.Warn("shutdown: %v", err)
				}
			}
			return nil
		},
	}
}
