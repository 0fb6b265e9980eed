package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	FeedURL               string   `envconfig:"FEED_URL" default:"https://updates.scribe-app.com/latest.json"`
	ProductName           string   `envconfig:"PRODUCT_NAME" default:"Scribe"`
	CurrentVersion        string   `envconfig:"CURRENT_VERSION" default:"0.0.0"`
	PrimaryURLTemplate    string   `envconfig:"PRIMARY_URL_TEMPLATE" default:"https://updates.scribe-app.com/releases/{version}/{product}-Setup-{version}.exe"`
	FallbackURLTemplate   string   `envconfig:"FALLBACK_URL_TEMPLATE" default:"https://github.com/scribe-app/{product}/releases/download/v{version}/{product}-Setup-{version}-Compressed.zip"`
	InstallerPathTemplate string   `envconfig:"INSTALLER_PATH_TEMPLATE" default:"{product}-Setup-{version}.exe"`
	InstallerArgs         []string `envconfig:"INSTALLER_ARGS" default:"--updated"`

	DownloadDir            string          `envconfig:"DOWNLOAD_DIR"`
	MaxConcurrentDownloads int             `envconfig:"MAX_CONCURRENT_DOWNLOADS" default:"2"`
	MaxRetryAttempts       int             `envconfig:"MAX_RETRY_ATTEMPTS" default:"5"`
	AttemptTimeout         time.Duration   `envconfig:"ATTEMPT_TIMEOUT" default:"30s"`
	RetryDelays            []time.Duration `envconfig:"RETRY_DELAYS" default:"1s,2s,4s,8s,16s"`
	ProxySettleInterval    time.Duration   `envconfig:"PROXY_SETTLE_INTERVAL" default:"500ms"`
	SlotPollInterval       time.Duration   `envconfig:"SLOT_POLL_INTERVAL" default:"100ms"`

	// TrustedHosts extends the allow-list beyond the template hosts. The defaults are the
	// storage hosts GitHub release downloads redirect to; change them together with
	// FALLBACK_URL_TEMPLATE.
	TrustedHosts             []string `envconfig:"TRUSTED_HOSTS" default:"objects.githubusercontent.com,release-assets.githubusercontent.com"`
	InterceptionSignatures   []string `envconfig:"INTERCEPTION_SIGNATURES" default:"Zscaler"`
	RequireInterceptionMatch bool     `envconfig:"REQUIRE_INTERCEPTION_MATCH" default:"false"`
	ExtraCACerts             string   `envconfig:"EXTRA_CA_CERTS"`
	CertDir                  string   `envconfig:"CERT_DIR"`
	UserAgent                string   `envconfig:"USER_AGENT"`

	LogLevel          string        `envconfig:"LOG_LEVEL" default:"INFO"`
	DBPath            string        `envconfig:"DB_PATH" default:"updates.db"`
	CheckInterval     time.Duration `envconfig:"CHECK_INTERVAL" default:"4h"`
	AutoDownload      bool          `envconfig:"AUTO_DOWNLOAD" default:"true"`
	KeepStaleFor      time.Duration `envconfig:"KEEP_STALE_FOR" default:"24h"`
	CleanupInterval   time.Duration `envconfig:"CLEANUP_INTERVAL" default:"1h"`
	NotifyWebhookURL  string        `envconfig:"NOTIFY_WEBHOOK_URL"`
	TelemetryEnabled  bool          `envconfig:"TELEMETRY_ENABLED" default:"true"`
	OTLPEndpoint      string        `envconfig:"OTLP_ENDPOINT"`
	TelemetryInterval time.Duration `envconfig:"TELEMETRY_INTERVAL" default:"30s"`

	Web struct {
		BindAddress     string        `split_words:"true" default:"127.0.0.1:9460"`
		Token           string        `split_words:"true"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate rejects values the update pipeline cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrentDownloads < 1 {
		return errors.New("MAX_CONCURRENT_DOWNLOADS must be at least 1")
	}

	if c.MaxRetryAttempts < 1 {
		return errors.New("MAX_RETRY_ATTEMPTS must be at least 1")
	}

	if c.AttemptTimeout <= 0 {
		return errors.New("ATTEMPT_TIMEOUT must be positive")
	}

	for _, d := range c.RetryDelays {
		if d < 0 {
			return fmt.Errorf("RETRY_DELAYS contains a negative delay: %s", d)
		}
	}

	for name, raw := range map[string]string{"FEED_URL": c.FeedURL, "PRIMARY_URL_TEMPLATE": c.PrimaryURLTemplate} {
		if _, err := url.Parse(raw); err != nil || raw == "" {
			return fmt.Errorf("%s is not a valid URL: %q", name, raw)
		}
	}

	if !strings.Contains(c.FallbackURLTemplate, "{version}") {
		return errors.New("FALLBACK_URL_TEMPLATE must contain the {version} placeholder")
	}

	return nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ResolvedDownloadDir returns DOWNLOAD_DIR or a product directory under the OS temp dir.
func (c *Config) ResolvedDownloadDir() string {
	if c.DownloadDir != "" {
		return c.DownloadDir
	}

	return filepath.Join(os.TempDir(), strings.ToLower(c.ProductName)+"-updates")
}

// ResolvedCertDir returns CERT_DIR or an application-private directory in the user config dir.
func (c *Config) ResolvedCertDir() string {
	if c.CertDir != "" {
		return c.CertDir
	}

	base, err := os.UserConfigDir()
	if err != nil {
		base = os.TempDir()
	}

	return filepath.Join(base, c.ProductName, "certs")
}

// AllowedHosts is the explicit certificate allow-list: the feed host, both artifact hosts
// and any TRUSTED_HOSTS entries.
func (c *Config) AllowedHosts() []string {
	seen := make(map[string]bool)

	var hosts []string

	add := func(h string) {
		h = strings.ToLower(strings.TrimSpace(h))
		if h == "" || seen[h] {
			return
		}

		seen[h] = true
		hosts = append(hosts, h)
	}

	for _, raw := range []string{c.FeedURL, c.PrimaryURLTemplate, c.FallbackURLTemplate} {
		if u, err := url.Parse(raw); err == nil {
			add(u.Hostname())
		}
	}

	for _, h := range c.TrustedHosts {
		add(h)
	}

	return hosts
}
