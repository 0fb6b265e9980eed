package proxy

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const maxReapplyRetries = 3

// User agent tokens some corporate proxies reject.
var rejectedUATokens = []string{"electron/", "go-http-client/"}

// AuthRequiredError is a proxy answering CONNECT with 407 Proxy Authentication Required.
type AuthRequiredError struct {
	Proxy           string
	CredentialsSent bool
}

func (e *AuthRequiredError) Error() string {
	if e.CredentialsSent {
		return fmt.Sprintf("proxy %s rejected the configured credentials", e.Proxy)
	}

	return fmt.Sprintf("proxy %s requires authentication", e.Proxy)
}

// ManagerConfig tunes a Manager.
type ManagerConfig struct {
	// UserAgent overrides the default client identifier.
	UserAgent string
	// ResetWait is how long Reset waits between closing connections and reapplying.
	ResetWait time.Duration
	// Getenv, when set, is re-read on every Reset so a changed environment is picked up.
	Getenv func(string) string
	// ReapplyInterval is the first delay between reapply retries.
	ReapplyInterval time.Duration
}

// Manager owns the proxy Profile and is its only mutator.
type Manager struct {
	transport *http.Transport
	logger    *slog.Logger
	cfg       ManagerConfig
	userAgent string
	onReset   func(attempt int, err error)

	// resetSlot serializes Reset; AwaitReset passes through it.
	resetSlot chan struct{}
	resets    atomic.Int64

	mu       sync.RWMutex
	profile  Profile
	proxyURL *url.URL
}

// NewManager creates a Manager for transport. Call Apply before first use.
func NewManager(transport *http.Transport, profile Profile, cfg ManagerConfig, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.ReapplyInterval <= 0 {
		cfg.ReapplyInterval = 200 * time.Millisecond
	}

	return &Manager{
		transport: transport,
		logger:    logger,
		cfg:       cfg,
		userAgent: SanitizeUserAgent(cfg.UserAgent),
		resetSlot: make(chan struct{}, 1),
		profile:   profile,
	}
}

// OnReset registers a hook called after each Reset.
func (m *Manager) OnReset(fn func(attempt int, err error)) {
	m.onReset = fn
}

// Profile returns a copy of the current profile.
func (m *Manager) Profile() Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p := m.profile
	p.Bypass = append([]string(nil), m.profile.Bypass...)

	return p
}

// Resets returns how many resets have completed.
func (m *Manager) Resets() int {
	return int(m.resets.Load())
}

// Apply installs the proxy rules and the authentication callback on the transport.
func (m *Manager) Apply() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.applyLocked()
}

func (m *Manager) applyLocked() error {
	var proxyURL *url.URL

	if !m.profile.Direct() {
		u, err := url.Parse(m.profile.ProxyURL)
		if err != nil {
			return fmt.Errorf("failed to parse proxy URL: %w", err)
		}

		switch u.Scheme {
		case "http", "https", "socks5", "socks5h":
		default:
			return fmt.Errorf("unsupported proxy scheme %q", u.Scheme)
		}

		if u.Host == "" {
			return fmt.Errorf("proxy URL %q has no host", m.profile.ProxyURL)
		}

		proxyURL = u
	}

	m.proxyURL = proxyURL
	m.transport.Proxy = m.proxyFor
	m.transport.GetProxyConnectHeader = m.connectHeader
	m.transport.OnProxyConnectResponse = m.connectResponse

	if m.profile.PACScriptURL != "" {
		m.logger.Warn("proxy auto-config script detected but not evaluated", "pac_script_url", m.profile.PACScriptURL)
	}

	return nil
}

// Reset closes pooled connections, waits and reapplies the profile. Concurrent calls run
// one after the other.
func (m *Manager) Reset(ctx context.Context, attempt int) error {
	select {
	case m.resetSlot <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-m.resetSlot }()

	m.transport.CloseIdleConnections()

	if m.cfg.ResetWait > 0 {
		timer := time.NewTimer(m.cfg.ResetWait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.ReapplyInterval
	b.Multiplier = 2

	err := backoff.Retry(func() error {
		m.mu.Lock()
		defer m.mu.Unlock()

		if m.cfg.Getenv != nil {
			m.profile = DetectProfile(m.cfg.Getenv)
		}

		return m.applyLocked()
	}, backoff.WithContext(backoff.WithMaxRetries(b, maxReapplyRetries), ctx))

	m.resets.Add(1)

	logger := m.logger.With("attempt", attempt)
	if err != nil {
		logger.Error("failed to reapply proxy configuration", "err", err)
	} else {
		logger.Debug("proxy session reset", "profile", m.Profile())
	}

	if m.onReset != nil {
		m.onReset(attempt, err)
	}

	if err != nil {
		return fmt.Errorf("failed to reset proxy session: %w", err)
	}

	return nil
}

// AwaitReset blocks until no Reset is running.
func (m *Manager) AwaitReset(ctx context.Context) error {
	select {
	case m.resetSlot <- struct{}{}:
		<-m.resetSlot
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UserAgent returns the sanitized client identifier.
func (m *Manager) UserAgent() string {
	return m.userAgent
}

// AuthorizeRequest adds Proxy-Authorization to plain-HTTP requests that go through the proxy.
// HTTPS requests are authenticated on CONNECT instead.
func (m *Manager) AuthorizeRequest(req *http.Request) {
	if req.URL.Scheme != "http" {
		return
	}

	proxyURL, err := m.proxyFor(req)
	if err != nil || proxyURL == nil {
		return
	}

	if v := m.authorization(); v != "" {
		req.Header.Set("Proxy-Authorization", v)
	}
}

func (m *Manager) proxyFor(req *http.Request) (*url.URL, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.proxyURL == nil || ShouldBypass(req.URL.Hostname(), m.profile.Bypass) {
		return nil, nil
	}

	u := *m.proxyURL

	return &u, nil
}

// connectHeader supplies credentials on CONNECT. Without credentials no header is sent and a
// 407 from the proxy fails the request instead of prompting.
func (m *Manager) connectHeader(context.Context, *url.URL, string) (http.Header, error) {
	v := m.authorization()
	if v == "" {
		return nil, nil
	}

	h := make(http.Header)
	h.Set("Proxy-Authorization", v)

	return h, nil
}

// connectResponse turns a 407 on CONNECT into an *AuthRequiredError. Other statuses are left
// to the transport.
func (m *Manager) connectResponse(_ context.Context, proxyURL *url.URL, _ *http.Request, res *http.Response) error {
	if res.StatusCode != http.StatusProxyAuthRequired {
		return nil
	}

	err := &AuthRequiredError{CredentialsSent: m.authorization() != ""}
	if proxyURL != nil {
		err.Proxy = proxyURL.Redacted()
	}

	return err
}

func (m *Manager) authorization() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c := m.profile.Credentials
	if c == nil || c.Username == "" {
		return ""
	}

	return "Basic " + base64.StdEncoding.EncodeToString([]byte(c.Username+":"+c.Password))
}

// DefaultUserAgent identifies the product without runtime-specific tokens.
func DefaultUserAgent(product, version string) string {
	return fmt.Sprintf("%s/%s (%s; %s)", product, version, runtime.GOOS, runtime.GOARCH)
}

// SanitizeUserAgent drops tokens that some corporate proxies reject.
func SanitizeUserAgent(ua string) string {
	fields := strings.Fields(ua)
	kept := fields[:0]

	for _, f := range fields {
		lower := strings.ToLower(f)

		rejected := false
		for _, tok := range rejectedUATokens {
			if strings.HasPrefix(lower, tok) {
				rejected = true
				break
			}
		}

		if !rejected {
			kept = append(kept, f)
		}
	}

	return strings.Join(kept, " ")
}
