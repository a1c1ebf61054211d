package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/bundlefetch/internal/app"
	"github.com/JakeFAU/bundlefetch/internal/bundle"
	"github.com/JakeFAU/bundlefetch/internal/config"
	"github.com/JakeFAU/bundlefetch/internal/logging"
)

// ctxKey is the key for storing command state in the context.
type ctxKey string

const stateKey ctxKey = "state"

// state is loaded once by the root command and shared with subcommands.
type state struct {
	cfg    config.Config
	logger *zap.Logger
}

// Runner is the part of the application commands use.
// Tests replace newRunner with a fake.
type Runner interface {
	Run(ctx context.Context) (bundle.FetchResult, error)
	Handler() http.Handler
	Close(ctx context.Context) error
}

var newRunner = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (Runner, error) {
	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:   "bundlefetch",
		Short: "Fetches remote resources into crash-safe bundles.",
		Long: `bundlefetch discovers work through configured locators, fetches each
request over HTTP(S), SFTP or the local filesystem, and writes the result as
bundles to local disk, GCS or any gocloud blob bucket. Completed bundles are
recorded in the KV store before hooks and notifications run, so an interrupted
run is finished by the next one.`,
		SilenceUsage: true,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging)
			if err != nil {
				return err
			}
			zap.ReplaceGlobals(logger)
			cmd.SetContext(context.WithValue(cmd.Context(), stateKey, &state{cfg: cfg, logger: logger}))
			return nil
		},

		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if st, ok := cmd.Context().Value(stateKey).(*state); ok {
				// Sync fails on stderr for some platforms; nothing useful to do about it.
				_ = st.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default searches ./bundlefetch.yaml, /etc/bundlefetch/, $HOME/.bundlefetch/)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newValidateCmd())

	return cmd
}

func resolveState(ctx context.Context) (*state, error) {
	st, ok := ctx.Value(stateKey).(*state)
	if !ok || st == nil {
		return nil, errors.New("configuration not loaded")
	}
	return st, nil
}

// Execute is the main entry point.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
