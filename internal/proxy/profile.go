// Package proxy manages the outbound proxy configuration used by update downloads: it detects
// the proxy from the environment, installs it on an http.Transport and can reset pooled
// connections between retries.
package proxy

import (
	"log/slog"
	"net"
	"net/url"
	"strings"
)

// Proxy URL variables in precedence order.
var proxyVars = []string{"HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy", "ALL_PROXY", "all_proxy"}

// DefaultBypass is always part of the bypass list.
var DefaultBypass = []string{"localhost", "127.0.0.1", "::1", "<local>"}

// Credentials authenticate against the proxy.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) LogValue() slog.Value {
	return slog.GroupValue(slog.String("username", c.Username), slog.String("password", "REDACTED"))
}

// Profile is the proxy configuration in effect.
type Profile struct {
	ProxyURL     string       `json:"proxy_url,omitempty"`
	Bypass       []string     `json:"bypass"`
	Credentials  *Credentials `json:"-"`
	PACScriptURL string       `json:"pac_script_url,omitempty"`
}

// Direct reports whether requests go out without a proxy.
func (p Profile) Direct() bool {
	return p.ProxyURL == ""
}

func (p Profile) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("proxy_url", p.ProxyURL),
		slog.Any("bypass", p.Bypass),
		slog.Bool("authenticated", p.Credentials != nil),
		slog.String("pac_script_url", p.PACScriptURL),
	)
}

// DetectProfile builds a Profile from environment lookups.
func DetectProfile(getenv func(string) string) Profile {
	var p Profile

	for _, k := range proxyVars {
		if v := strings.TrimSpace(getenv(k)); v != "" {
			p.ProxyURL = v
			break
		}
	}

	if p.ProxyURL != "" && !strings.Contains(p.ProxyURL, "://") {
		p.ProxyURL = "http://" + p.ProxyURL
	}

	if u, err := url.Parse(p.ProxyURL); err == nil && u.User != nil {
		pass, _ := u.User.Password()
		p.Credentials = &Credentials{Username: u.User.Username(), Password: pass}

		u.User = nil
		p.ProxyURL = u.String()
	}

	if user := getenv("PROXY_USERNAME"); user != "" {
		p.Credentials = &Credentials{Username: user, Password: getenv("PROXY_PASSWORD")}
	}

	p.Bypass = append(p.Bypass, DefaultBypass...)

	noProxy := getenv("NO_PROXY")
	if noProxy == "" {
		noProxy = getenv("no_proxy")
	}

	for _, entry := range strings.FieldsFunc(noProxy, func(r rune) bool { return r == ',' || r == ';' || r == ' ' }) {
		p.Bypass = append(p.Bypass, entry)
	}

	p.PACScriptURL = strings.TrimSpace(getenv("PROXY_PAC_URL"))

	return p
}

// ShouldBypass reports whether host must be reached directly. Entries match exactly or as a
// domain suffix ("corp" and ".corp" both match "x.corp"), "*" matches every host and
// "<local>" matches hosts without a dot.
func ShouldBypass(host string, bypass []string) bool {
	host = strings.TrimSuffix(strings.ToLower(strings.Trim(host, "[]")), ".")
	if host == "" {
		return false
	}

	for _, entry := range bypass {
		entry = strings.ToLower(strings.TrimSpace(entry))
		if h, _, err := net.SplitHostPort(entry); err == nil {
			entry = h
		}

		entry = strings.Trim(entry, "[]")

		switch {
		case entry == "":
			continue
		case entry == "*":
			return true
		case entry == "<local>":
			if !strings.Contains(host, ".") && !strings.Contains(host, ":") {
				return true
			}

			continue
		}

		entry = strings.TrimPrefix(entry, "*")
		domain := strings.TrimPrefix(entry, ".")

		if host == domain || strings.HasSuffix(host, "."+domain) {
			return true
		}
	}

	return false
}
