package cli

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/coah80/bgm/internal/config"
	"github.com/coah80/bgm/internal/metrics"
	"github.com/coah80/bgm/internal/middleware"
	"github.com/coah80/bgm/internal/routes"
	"github.com/coah80/bgm/internal/server"
	"github.com/coah80/bgm/internal/util"
)

const shutdownTimeout = 30 * time.Second

func newServeCommand(st *state) *cobra.Command {
	var corsFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server and the retention schedule",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, st, corsFile)
		},
	}
	cmd.Flags().StringVar(&corsFile, "cors-origins", middleware.CORSOriginsFile, "file listing allowed CORS origins")
	return cmd
}

func runServe(ctx context.Context, st *state, corsFile string) error {
	cfg, logger := st.cfg, st.logger

	a, err := newApp(cfg, st.fs, logger)
	if err != nil {
		return err
	}
	if err := a.placer.EnsureRoot(); err != nil {
		return err
	}
	if err := util.CheckDependencies(cfg.FFmpegPath, logger); err != nil {
		logger.Warn("audio extraction will fail until ffmpeg is installed", "err", err)
	}

	if err := a.sweeper.Start(cfg.RetentionSchedule); err != nil {
		return err
	}
	defer a.sweeper.Stop()

	limiter := middleware.NewRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	limiter.StartCleanup(time.Minute, stopCleanup)

	srv := server.New(server.Options{
		Config: cfg,
		Deps: &routes.Deps{
			Uploader:  a.uploader,
			Placer:    a.placer,
			Gate:      a.gate,
			Logger:    logger,
			Version:   config.Version,
			StartedAt: time.Now(),
		},
		Metrics:     metrics.HandlerFor(a.registry),
		RateLimiter: limiter,
		CORSFile:    corsFile,
		Logger:      logger,
	})

	server.PrintBanner()
	logger.Info("listening", "addr", srv.Addr, "root", a.placer.Root(), "env", cfg.EnvMode,
		"permits", cfg.MaxConcurrentUploads, "maxUpload", cfg.MaxUploadSize, "minFreeDisk", cfg.MinFreeDisk)
	a.alerts.ServerStarted(srv.Addr)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	a.alerts.ServerStopping()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("forced shutdown", "err", err)
	}

	waitForExtractions(a, cfg.ExtractHardTimeout)
	logger.Info("stopped")
	return nil
}

// waitForExtractions gives dispatched extractions until limit to finish.
func waitForExtractions(a *app, limit time.Duration) {
	done := make(chan struct{})
	go func() {
		a.uploader.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(limit):
		a.logger.Warn("extractions still running at exit", "waited", limit)
	}
}
