package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/italolelis/resilient_updater/internal/config"
	"github.com/italolelis/resilient_updater/internal/logctx"
	"github.com/spf13/cobra"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		slog.Error("fatal error", "err", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfg *config.Config

	rootCmd := &cobra.Command{
		Use:   "resilient_updater",
		Short: "Checks for, downloads and installs application updates on restrictive networks",
		Long: `resilient_updater keeps an application up to date behind corporate proxies and TLS
interception. Downloads are retried with proxy resets and fall back to the compressed
release archive when the vendor channel is blocked.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			var err error

			cfg, err = config.LoadConfig()
			if err != nil {
				return err
			}

			logger := slog.New(logctx.NewContextHandler(
				slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.SlogLevel()}),
			))
			slog.SetDefault(logger)

			cmd.SetContext(logctx.WithLogger(cmd.Context(), logger))

			return nil
		},
	}

	loaded := func() *config.Config { return cfg }

	rootCmd.AddCommand(newRunCmd(loaded))
	rootCmd.AddCommand(newCheckCmd(loaded))
	rootCmd.AddCommand(newDownloadCmd(loaded))
	rootCmd.AddCommand(newInstallCmd(loaded))
	rootCmd.AddCommand(newCertsCmd(loaded))

	return rootCmd
}
