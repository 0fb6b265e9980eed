package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/resilient_updater/internal/cleanup"
	"github.com/italolelis/resilient_updater/internal/config"
	"github.com/italolelis/resilient_updater/internal/http/rest"
	"github.com/italolelis/resilient_updater/internal/logctx"
	"github.com/italolelis/resilient_updater/internal/notifier"
	"github.com/italolelis/resilient_updater/internal/storage"
	"github.com/italolelis/resilient_updater/internal/telemetry"
	"github.com/italolelis/resilient_updater/internal/update"
	"github.com/spf13/cobra"
)

func newRunCmd(cfg func() *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the update agent",
		Long: `Run checks for updates every CHECK_INTERVAL, downloads them when AUTO_DOWNLOAD is set and
serves the local status API on WEB_BIND_ADDRESS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg())
		},
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := logctx.LoggerFromContext(ctx)

	logger.Info("update agent starting...",
		"product", cfg.ProductName,
		"current_version", cfg.CurrentVersion,
		"log_level", cfg.LogLevel,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// =========================================================================
	// Start Update Pipeline
	s, err := buildStack(ctx, cfg, cancel)
	if err != nil {
		return err
	}
	defer s.Close(ctx)

	// =========================================================================
	// Start Notification
	events := setupNotification(ctx, s.coordinator, cfg)

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, s, cfg)

	go func() {
		logger.Info("Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Start Cleanup
	go cleanup.Run(ctx, cfg.ResolvedDownloadDir(), cfg.KeepStaleFor, cfg.CleanupInterval, func() []string {
		return []string{s.coordinator.Status().InstallerPath}
	})

	// =========================================================================
	// Start Main Loop
	timer := time.NewTimer(nextCheckIn(ctx, s.history, cfg.CheckInterval))
	defer timer.Stop()

	logger.Info("waiting for updates...",
		"feed_url", cfg.FeedURL,
		"check_interval", cfg.CheckInterval.String(),
		"auto_download", cfg.AutoDownload,
	)

	for {
		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
		case <-ctx.Done():
			logger.Info("start shutdown")

			// Give outstanding requests a deadline for completion.
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error("failed to gracefully shutdown the server", "err", err)

				if err = server.Close(); err != nil {
					return fmt.Errorf("could not stop server gracefully: %w", err)
				}
			}

			// Waits for a running update operation, then ends the event stream.
			s.coordinator.Close()
			<-events

			return nil
		case <-timer.C:
			checkAndDownload(ctx, s.coordinator, cfg.AutoDownload)
			timer.Reset(cfg.CheckInterval)
		}
	}
}

// checkAndDownload runs one update cycle. Failures are reported through events.
func checkAndDownload(ctx context.Context, coord *update.Coordinator, autoDownload bool) {
	logger := logctx.LoggerFromContext(ctx)

	m, err := coord.CheckForUpdate(ctx)
	if err != nil {
		if errors.Is(err, update.ErrInProgress) {
			logger.Debug("skipping scheduled check, an update operation is running")
		}

		return
	}

	if m == nil || !autoDownload {
		return
	}

	if _, err := coord.Download(ctx); err != nil && !errors.Is(err, update.ErrInProgress) {
		logger.Error("scheduled update download failed", "version", m.Version, "err", err)
	}
}

// nextCheckIn returns how long to wait before the first check, honouring the last recorded one.
func nextCheckIn(ctx context.Context, history storage.HistoryReadRepository, interval time.Duration) time.Duration {
	last, err := history.LastCheck(ctx)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			logctx.LoggerFromContext(ctx).Warn("failed to read last update check", "err", err)
		}

		return 0
	}

	return max(interval-time.Since(last.CheckedAt), 0)
}

// setupNotification logs every coordinator event and forwards terminal ones to the webhook.
// The returned channel is closed once the event stream has been drained.
func setupNotification(ctx context.Context, coord *update.Coordinator, cfg *config.Config) <-chan struct{} {
	logger := logctx.LoggerFromContext(ctx)
	done := make(chan struct{})

	var notif notifier.Notifier
	if cfg.NotifyWebhookURL != "" {
		notif = &notifier.WebhookNotifier{WebhookURL: cfg.NotifyWebhookURL}
	}

	go func() {
		defer close(done)

		for ev := range coord.Events() {
			logEvent(ctx, ev)

			if notif == nil {
				continue
			}

			msg, ok := notifier.MessageFor(cfg.ProductName, ev)
			if !ok {
				continue
			}

			if err := notif.Notify(context.WithoutCancel(ctx), msg); err != nil {
				logger.Error("failed to send notification", "event", ev.Type, "err", err)
			}
		}
	}()

	return done
}

func logEvent(ctx context.Context, ev update.Event) {
	logger := logctx.LoggerFromContext(ctx).With("event", ev.Type, "cycle_id", ev.CycleID)

	switch ev.Type {
	case update.EventDownloadProgress:
		logger.Debug("update event", "percent", ev.Progress.Percent, "transferred", ev.Progress.Transferred)
	case update.EventError:
		logger.Warn("update event", "version", ev.Version, "message", ev.Message)
	default:
		logger.Info("update event", "version", ev.Version, "message", ev.Message, "fallback_used", ev.FallbackUsed)
	}
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, s *stack, cfg *config.Config) *http.Server {
	uHandler := rest.NewUpdateHandler(ctx, s.coordinator, s.history, cfg.Web.Token)

	r := chi.NewRouter()
	r.Use(telemetry.RequestID)
	r.Use(telemetry.NewHTTPMiddleware(s.telemetry).Middleware)
	r.Use(telemetry.HTTPLogging)
	r.Handle("/metrics", s.telemetry.Handler())
	r.Mount("/", uHandler.Routes())

	return &http.Server{
		Addr:         cfg.Web.BindAddress,
		ReadTimeout:  cfg.Web.ReadTimeout,
		WriteTimeout: cfg.Web.WriteTimeout,
		IdleTimeout:  cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
