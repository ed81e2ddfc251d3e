// factctl is the operator CLI of the fact memory kernel.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fact-memory-kernel/internal/config"
	"github.com/fact-memory-kernel/internal/jsonx"
	"github.com/fact-memory-kernel/internal/kernel"
)

const rootLongDesc string = `factctl runs the fact memory kernel from the command line.

Settings come from the optional --config YAML file and the environment
(STORE_DRIVER, SQLITE_PATH, REDIS_URL, OPENAI_API_KEY, INPUT_DIR, ...).

Examples:
  factctl process                     Process every conversation input
  factctl process asha --force        Re-extract one user
  factctl approve <node-id> --reviewer ops_user
  factctl candidates --user asha
  factctl reprocess <node-id>
  factctl stats`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

type app struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	a := &app{}
	cmd := &cobra.Command{
		Use:          "factctl",
		Short:        "Fact memory kernel operator CLI",
		Long:         rootLongDesc,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "Path to a YAML config file")
	cmd.PersistentFlags().BoolVarP(&a.debug, "debug", "d", false, "Enable debug logging")

	cmd.AddCommand(
		a.newProcessCmd(),
		a.newForgetCmd(),
		a.newCandidatesCmd(),
		a.newReprocessCmd(),
		a.newApproveCmd(),
		a.newRejectCmd(),
		a.newStatsCmd(),
	)
	return cmd
}

func (a *app) logger() (*zap.Logger, error) {
	if a.debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

// withKernel builds the kernel, runs fn and releases every connection.
func (a *app) withKernel(cmd *cobra.Command, fn func(ctx context.Context, k *kernel.Kernel) error) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger, err := a.logger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx := cmd.Context()
	k, err := kernel.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize kernel", zap.Error(err))
		return err
	}
	defer k.Close()

	if err := fn(ctx, k); err != nil {
		logger.Error("Command failed", zap.String("command", cmd.Name()), zap.Error(err))
		return err
	}
	return nil
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	data, err := jsonx.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}
