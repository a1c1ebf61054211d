package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/bundle"
)

// ErrPartialFailure is returned when the run finished but some requests failed.
var ErrPartialFailure = errors.New("run finished with failed requests")

const shutdownTimeout = 10 * time.Second

// newRunCmd creates the 'run' subcommand, which performs one fetch run.
func newRunCmd() *cobra.Command {
	var runID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Runs every configured source to completion",
		Long: `Replays completions left pending by an earlier run, then fetches every
request the configured sources discover until none are left. The operator API
(health, metrics, run status) is served on server.addr while the run lasts.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runFetch(cmd.Context(), cmd.OutOrStdout(), runID)
		},
	}
	cmd.Flags().StringVar(&runID, "run-id", "", "run identifier (default: a new UUIDv7)")
	return cmd
}

func runFetch(ctx context.Context, out io.Writer, runID string) error {
	st, err := resolveState(ctx)
	if err != nil {
		return err
	}
	cfg := st.cfg
	logger := st.logger
	if runID != "" {
		cfg.Run.RunID = runID
	}

	runner, err := newRunner(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize application services: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if cerr := runner.Close(closeCtx); cerr != nil {
			logger.Warn("Failed to close application services", zap.Error(cerr))
		}
	}()

	if cfg.Server.Addr != "" {
		srv := &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           runner.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("http server started", zap.String("addr", cfg.Server.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("http server error", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				logger.Error("server shutdown error", zap.Error(err))
			}
		}()
	}

	res, err := runner.Run(ctx)
	if err != nil {
		return fmt.Errorf("fetch run: %w", err)
	}
	for _, reqErr := range res.Errors {
		logger.Warn("request failed", zap.String("url", reqErr.Request.URL), zap.Error(reqErr.Err))
	}
	finished := cfg.Run.RunID
	if res.Context != nil {
		finished = res.Context.RunID
	}
	fmt.Fprintf(out, "run %s: %s, %d processed, %d bundles, %d errors\n",
		finished, res.Status, res.Processed, len(res.Bundles), len(res.Errors))

	if res.Status == bundle.StatusPartialFailure {
		return ErrPartialFailure
	}
	logger.Info("Run command finished.")
	return nil
}
