package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/italolelis/resilient_updater/internal/certstore"
	"github.com/italolelis/resilient_updater/internal/config"
	"github.com/italolelis/resilient_updater/internal/download"
	"github.com/italolelis/resilient_updater/internal/logctx"
	"github.com/italolelis/resilient_updater/internal/proxy"
	"github.com/italolelis/resilient_updater/internal/storage/sqlite"
	"github.com/italolelis/resilient_updater/internal/telemetry"
	"github.com/italolelis/resilient_updater/internal/trust"
	"github.com/italolelis/resilient_updater/internal/update"
)

const serviceName = "resilient-updater"

// stack is every long-lived component of the update pipeline.
type stack struct {
	cfg         *config.Config
	telemetry   *telemetry.Telemetry
	discovery   *certstore.Discovery
	verifier    *trust.Verifier
	proxy       *proxy.Manager
	database    *sql.DB
	history     *sqlite.InstrumentedHistoryRepository
	coordinator *update.Coordinator
}

// buildStack wires the update pipeline. quit is called once an installer has been started.
func buildStack(ctx context.Context, cfg *config.Config, quit func()) (*stack, error) {
	logger := logctx.LoggerFromContext(ctx)

	// =========================================================================
	// Start Telemetry
	tel, err := telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.TelemetryEnabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.CurrentVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Interval:       cfg.TelemetryInterval,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	s := &stack{cfg: cfg, telemetry: tel}

	// =========================================================================
	// Start Database
	s.database, err = sqlite.InitDB(cfg.DBPath)
	if err != nil {
		s.Close(ctx)

		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	s.history = sqlite.NewInstrumentedHistoryRepository(s.database, tel)

	// =========================================================================
	// Start Certificate Trust
	s.discovery = certstore.New(cfg.ResolvedCertDir(), cfg.InterceptionSignatures, logger)

	interception, confirmed := s.discovery.FindInterceptionRootCertificate(ctx)
	if confirmed {
		logger.Info("interception root certificate found", "path", interception.FilePath)
	} else {
		interception = nil
	}

	bundles := trustBundles(cfg.ExtraCACerts, interception, func() (*certstore.Bundle, bool) {
		return s.discovery.BuildCombinedBundle(ctx)
	})

	roots, err := trust.RootPool(bundles...)
	if err != nil {
		logger.Warn("some certificate bundles could not be loaded", "err", err)
	}

	resolver := trust.NewResolver(trust.Policy{
		AllowedHosts:             cfg.AllowedHosts(),
		InterceptionSignatures:   cfg.InterceptionSignatures,
		InterceptionConfirmed:    confirmed,
		RequireInterceptionMatch: cfg.RequireInterceptionMatch,
	})

	s.verifier = trust.NewVerifier(resolver, roots, logger)
	s.verifier.OnDecision(func(d trust.Decision) {
		tel.RecordTrustDecision(string(d.Code), d.Trusted)
	})

	// =========================================================================
	// Start Proxy Session
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       s.verifier.TLSConfig(),
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = proxy.DefaultUserAgent(cfg.ProductName, cfg.CurrentVersion)
	}

	profile := proxy.DetectProfile(os.Getenv)
	logger.Info("proxy profile detected", "profile", profile)

	s.proxy = proxy.NewManager(transport, profile, proxy.ManagerConfig{
		UserAgent: userAgent,
		Getenv:    os.Getenv,
	}, logger)

	if err := s.proxy.Apply(); err != nil {
		s.Close(ctx)

		return nil, fmt.Errorf("failed to apply proxy settings: %w", err)
	}

	s.proxy.OnReset(func(attempt int, err error) {
		status := "success"
		if err != nil {
			status = "error"
		}

		tel.RecordProxyReset(status)
	})

	client := &http.Client{Transport: tel.WrapTransport(transport)}

	// =========================================================================
	// Start Update Coordinator
	feed, err := update.NewFeedClient(client, cfg.FeedURL, cfg.CurrentVersion, s.proxy.UserAgent())
	if err != nil {
		s.Close(ctx)

		return nil, fmt.Errorf("failed to create feed client: %w", err)
	}

	downloader := download.New(
		client,
		s.proxy,
		download.NewLimiter(cfg.MaxConcurrentDownloads, cfg.SlotPollInterval),
		download.Config{
			MaxAttempts:    cfg.MaxRetryAttempts,
			RetryDelays:    cfg.RetryDelays,
			AttemptTimeout: cfg.AttemptTimeout,
			SettleInterval: cfg.ProxySettleInterval,
		},
		tel,
	)

	s.coordinator = update.NewCoordinator(update.Config{
		Product:               cfg.ProductName,
		PrimaryURLTemplate:    cfg.PrimaryURLTemplate,
		FallbackURLTemplate:   cfg.FallbackURLTemplate,
		InstallerPathTemplate: cfg.InstallerPathTemplate,
		InstallerArgs:         cfg.InstallerArgs,
		DownloadDir:           cfg.ResolvedDownloadDir(),
	}, feed, downloader, update.OSInstaller{}, s.history, tel, quit)

	return s, nil
}

// Close releases the stack. The coordinator's event stream is closed last.
func (s *stack) Close(ctx context.Context) {
	logger := logctx.LoggerFromContext(ctx)

	if s.coordinator != nil {
		s.coordinator.Close()
	}

	if s.database != nil {
		if err := s.database.Close(); err != nil {
			logger.Error("failed to close history database", "err", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := s.telemetry.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown telemetry", "err", err)
	}
}

// trustBundles lists the PEM files added to the system roots. A manual bundle is used together
// with the discovered interception root; without one the combined bundle is used.
func trustBundles(extra string, interception *certstore.Bundle, combined func() (*certstore.Bundle, bool)) []string {
	var bundles []string

	if extra != "" {
		bundles = append(bundles, extra)
	} else if b, ok := combined(); ok {
		return append(bundles, b.FilePath)
	}

	if interception != nil {
		bundles = append(bundles, interception.FilePath)
	}

	return bundles
}
