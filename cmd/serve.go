package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/media-fetcher/internal/app"
	"github.com/JakeFAU/media-fetcher/internal/config"
)

// newApp is the application factory. It's a variable so tests can replace it.
var newApp = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (server, error) {
	return app.New(ctx, cfg, logger, app.Options{})
}

// server is the part of *app.App the serve command drives.
type server interface {
	Start(ctx context.Context) error
	Close(ctx context.Context)
}

func newServeCmd() *cobra.Command {
	var shutdownTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Runs the admin API, the dispatcher and the scheduler",
		Long: `Starts the HTTP admin API, recovers jobs left running by a previous
process, and runs the cron scheduler until SIGINT or SIGTERM. Running jobs
are interrupted on shutdown and recorded as failed.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := resolveSession(cmd.Context())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			instance, err := newApp(ctx, rt.cfg, rt.logger)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
				defer cancel()
				instance.Close(closeCtx)
				rt.logger.Info("shutdown complete")
			}()

			if err := instance.Start(ctx); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second,
		"how long to wait for running jobs to stop")
	return cmd
}
