// Package cmd defines the prospector command-line interface.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/logging"
)

// Process exit codes.
const (
	exitOK          = 0
	exitUsage       = 2
	exitConfig      = 3
	exitSink        = 4
	exitInterrupted = 5
)

var cfgFile string

// codedError carries the process exit code alongside the cause.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func usageError(err error) error  { return &codedError{code: exitUsage, err: err} }
func configError(err error) error { return &codedError{code: exitConfig, err: err} }
func sinkError(err error) error   { return &codedError{code: exitSink, err: err} }

func interruptError() error {
	return &codedError{code: exitInterrupted, err: errors.New("interrupted during shutdown")}
}

// newRootCmd creates and configures the root command.
func newRootCmd(logger *zap.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "prospector",
		Short: "Competitor-intelligence collection pipeline.",
		Long: `prospector turns candidate web domains into an enriched, classified
dataset. The collect command fetches and records pages under an admission
policy; the discover command generates live candidate domains for a niche
and region.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML); defaults apply when omitted")

	cmd.AddCommand(newCollectCmd(logger))
	cmd.AddCommand(newDiscoverCmd(logger))

	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	logger, err := logging.FromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		return exitConfig
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(logger).ExecuteContext(ctx); err != nil {
		var coded *codedError
		if errors.As(err, &coded) {
			logger.Error("command failed", zap.Error(coded.err), zap.Int("exit_code", coded.code))
			return coded.code
		}
		// Flag and argument parse failures surface here uncoded.
		logger.Error("command failed", zap.Error(err))
		return exitUsage
	}
	return exitOK
}
