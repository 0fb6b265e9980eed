package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/resilient_updater/internal/certstore"
	"github.com/italolelis/resilient_updater/internal/config"
	"github.com/italolelis/resilient_updater/internal/update"
	"github.com/spf13/cobra"
)

func newCheckCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Check the release feed for a newer version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, cfg(), func(ctx context.Context, s *stack) error {
				m, err := s.coordinator.CheckForUpdate(ctx)
				if err != nil {
					return err
				}

				if m == nil {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s is up to date\n", s.cfg.ProductName, s.cfg.CurrentVersion)

					return nil
				}

				fmt.Fprintf(cmd.OutOrStdout(), "update available: %s %s (released %s)\n", m.Product, m.Version, m.ReleaseDate)

				return nil
			})
		},
	}
}

func newDownloadCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "download",
		Short: "Check for an update and download it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, cfg(), func(ctx context.Context, s *stack) error {
				res, err := checkAndFetch(ctx, cmd.OutOrStdout(), s)
				if err != nil || res == nil {
					return err
				}

				fmt.Fprintf(cmd.OutOrStdout(), "installer ready: %s\n", res.InstallerPath)

				return nil
			})
		},
	}
}

func newInstallCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "Check for an update, download it and start the installer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStack(cmd, cfg(), func(ctx context.Context, s *stack) error {
				res, err := checkAndFetch(ctx, cmd.OutOrStdout(), s)
				if err != nil || res == nil {
					return err
				}

				return s.coordinator.Install(ctx)
			})
		},
	}
}

func newCertsCmd(cfg func() *config.Config) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "certs",
		Short: "Discover corporate interception certificates and write the combined root bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			c := cfg()
			ctx := cmd.Context()
			out := cmd.OutOrStdout()

			d := certstore.New(c.ResolvedCertDir(), c.InterceptionSignatures, nil)

			if refresh {
				if err := d.Invalidate(); err != nil {
					return fmt.Errorf("failed to remove cached bundles: %w", err)
				}
			}

			if c.ExtraCACerts != "" {
				if b, ok := certstore.ManualBundle(c.ExtraCACerts); ok {
					fmt.Fprintf(out, "manual bundle:       %s\n", b.FilePath)
				} else {
					fmt.Fprintf(out, "manual bundle:       %s (missing)\n", c.ExtraCACerts)
				}
			}

			if b, ok := d.FindInterceptionRootCertificate(ctx); ok {
				fmt.Fprintf(out, "interception root:   %s\n", b.FilePath)
			} else {
				fmt.Fprintln(out, "interception root:   not found")
			}

			b, ok := d.BuildCombinedBundle(ctx)
			if !ok {
				return errors.New("no certificates could be exported")
			}

			fmt.Fprintf(out, "combined roots:      %s\n", b.FilePath)

			return nil
		},
	}

	cmd.Flags().BoolVar(&refresh, "refresh", false, "Remove previously exported bundles before scanning")

	return cmd
}

// withStack builds the pipeline, prints its events to the command output while fn runs and
// tears everything down afterwards.
func withStack(cmd *cobra.Command, cfg *config.Config, fn func(ctx context.Context, s *stack) error) error {
	ctx := cmd.Context()

	s, err := buildStack(ctx, cfg, nil)
	if err != nil {
		return err
	}

	done := make(chan struct{})

	go func() {
		defer close(done)
		printEvents(cmd.OutOrStdout(), s.coordinator.Events())
	}()

	err = fn(ctx, s)

	s.Close(ctx)
	<-done

	return err
}

// checkAndFetch downloads the available update. It returns nil when there is none.
func checkAndFetch(ctx context.Context, out io.Writer, s *stack) (*update.Result, error) {
	m, err := s.coordinator.CheckForUpdate(ctx)
	if err != nil {
		return nil, err
	}

	if m == nil {
		fmt.Fprintf(out, "%s %s is up to date\n", s.cfg.ProductName, s.cfg.CurrentVersion)

		return nil, nil
	}

	return s.coordinator.Download(ctx)
}

func printEvents(out io.Writer, events <-chan update.Event) {
	lastDecile := -1

	for ev := range events {
		switch ev.Type {
		case update.EventDownloadProgress:
			decile := int(ev.Progress.Percent) / 10
			if ev.Progress.Total > 0 && decile == lastDecile {
				continue
			}

			lastDecile = decile

			if ev.Progress.Total > 0 {
				fmt.Fprintf(out, "  %3.0f%% %s / %s\n", ev.Progress.Percent,
					humanize.Bytes(uint64(ev.Progress.Transferred)), humanize.Bytes(uint64(ev.Progress.Total)))
			} else {
				fmt.Fprintf(out, "  %s\n", humanize.Bytes(uint64(ev.Progress.Transferred)))
			}
		case update.EventFallbackEntered, update.EventStatus, update.EventError:
			lastDecile = -1
			fmt.Fprintf(out, "%s: %s\n", ev.Type, ev.Message)
		case update.EventChecking, update.EventExtracting:
			fmt.Fprintf(out, "%s...\n", ev.Type)
		}
	}
}
