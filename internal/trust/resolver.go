// Package trust decides whether a TLS connection that failed certificate verification may
// still be used. The decision is deliberately narrow: only the "unknown issuing authority"
// failure that corporate interception proxies produce can ever be trusted, and only for hosts
// on an explicit allow-list.
package trust

import (
	"crypto/x509"
	"errors"
	"strings"
)

// ErrorCode is the class of a certificate verification failure.
type ErrorCode string

const (
	CodeUnknownAuthority ErrorCode = "unknown_authority"
	CodeExpired          ErrorCode = "expired"
	CodeHostnameMismatch ErrorCode = "hostname_mismatch"
	CodeRevoked          ErrorCode = "revoked"
	CodeInvalid          ErrorCode = "invalid"
	CodeUnknown          ErrorCode = "unknown"
)

// Decision is the verdict for one certificate-error event. It is never stored.
type Decision struct {
	Host    string    `json:"host"`
	Code    ErrorCode `json:"code"`
	Issuer  string    `json:"issuer,omitempty"`
	Trusted bool      `json:"trusted"`
	Reason  string    `json:"reason"`
}

// Policy configures a Resolver.
type Policy struct {
	// AllowedHosts are matched exactly or as a parent domain.
	AllowedHosts []string
	// InterceptionSignatures are case-insensitive issuer fragments of known interception proxies.
	InterceptionSignatures []string
	// InterceptionConfirmed reports whether an interception root was found in the environment.
	InterceptionConfirmed bool
	// RequireInterceptionMatch additionally demands a recognised, confirmed interception issuer
	// before an allow-listed host is trusted.
	RequireInterceptionMatch bool
}

// Resolver holds an immutable Policy. Decide has no side effects.
type Resolver struct {
	allowed    []string
	signatures []string
	confirmed  bool
	strict     bool
}

func NewResolver(p Policy) *Resolver {
	r := &Resolver{
		confirmed: p.InterceptionConfirmed,
		strict:    p.RequireInterceptionMatch,
	}

	for _, h := range p.AllowedHosts {
		if h = normalizeHost(h); h != "" {
			r.allowed = append(r.allowed, h)
		}
	}

	for _, s := range p.InterceptionSignatures {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			r.signatures = append(r.signatures, s)
		}
	}

	return r
}

// Decide returns the trust verdict for a certificate failure of class code on host, whose
// presented chain was issued by issuer.
func (r *Resolver) Decide(host string, code ErrorCode, issuer string) Decision {
	d := Decision{Host: host, Code: code, Issuer: issuer}

	if code != CodeUnknownAuthority {
		d.Reason = "certificate error class " + string(code) + " is never trusted"
		return d
	}

	if !r.hostAllowed(host) {
		d.Reason = "host is not on the certificate allow-list"
		return d
	}

	if r.strict {
		if !r.MatchesInterceptionSignature(issuer) {
			d.Reason = "issuer does not match a known interception proxy"
			return d
		}

		if !r.confirmed {
			d.Reason = "interception proxy signature matched but interception is not confirmed"
			return d
		}

		d.Trusted = true
		d.Reason = "allow-listed host behind a confirmed interception proxy"

		return d
	}

	d.Trusted = true
	d.Reason = "allow-listed host with unrecognized issuing authority"

	return d
}

// MatchesInterceptionSignature reports whether issuer contains a known interception proxy signature.
func (r *Resolver) MatchesInterceptionSignature(issuer string) bool {
	issuer = strings.ToLower(issuer)
	if issuer == "" {
		return false
	}

	for _, s := range r.signatures {
		if strings.Contains(issuer, s) {
			return true
		}
	}

	return false
}

func (r *Resolver) hostAllowed(host string) bool {
	host = normalizeHost(host)
	if host == "" {
		return false
	}

	for _, a := range r.allowed {
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}

	return false
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// CodeOf maps a certificate verification error to its ErrorCode.
func CodeOf(err error) ErrorCode {
	var (
		unknownAuthority x509.UnknownAuthorityError
		hostname         x509.HostnameError
		invalid          x509.CertificateInvalidError
		rejected         *RejectedError
	)

	switch {
	case err == nil:
		return ""
	case errors.As(err, &rejected):
		return rejected.Decision.Code
	case errors.As(err, &unknownAuthority):
		return CodeUnknownAuthority
	case errors.As(err, &hostname):
		return CodeHostnameMismatch
	case errors.As(err, &invalid):
		switch invalid.Reason {
		case x509.Expired:
			return CodeExpired
		default:
			return CodeInvalid
		}
	}

	if strings.Contains(strings.ToLower(err.Error()), "revoked") {
		return CodeRevoked
	}

	return CodeUnknown
}
