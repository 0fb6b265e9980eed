package download

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"

	"github.com/italolelis/resilient_updater/internal/proxy"
	"github.com/italolelis/resilient_updater/internal/trust"
)

// Kind is the failure class that drives the retry decision.
type Kind string

const (
	KindTransient        Kind = "transient"
	KindCertificateTrust Kind = "certificate_trust"
	KindBlocking         Kind = "blocking"
	KindFatal            Kind = "fatal"
)

// Retryable reports whether the same channel should be tried again.
func (k Kind) Retryable() bool {
	return k == KindTransient || k == KindCertificateTrust
}

// Classification describes one failed attempt.
type Classification struct {
	Kind Kind            `json:"kind"`
	Host string          `json:"host,omitempty"`
	Code trust.ErrorCode `json:"code,omitempty"`
	Hint string          `json:"hint,omitempty"`
}

// Classify maps an attempt failure to its Classification.
func Classify(err error) Classification {
	c := Classification{Host: hostOf(err)}

	var (
		rejected  *trust.RejectedError
		verifyErr *tls.CertificateVerificationError
		unknownCA x509.UnknownAuthorityError
		hostErr   x509.HostnameError
		invalid   x509.CertificateInvalidError
		status    *StatusError
		timeout   *TimeoutError
		blockPage *BlockPageError
		writeErr  *WriteError
		fatal     *FatalError
		proxyAuth *proxy.AuthRequiredError
		opErr     *net.OpError
		dnsErr    *net.DNSError
		netErr    net.Error
	)

	switch {
	case err == nil:
		return Classification{}
	case errors.As(err, &fatal):
		c.Kind, c.Hint = KindFatal, fatal.Hint
	case errors.As(err, &rejected):
		c.Kind, c.Host, c.Code, c.Hint = KindCertificateTrust, rejected.Decision.Host, rejected.Decision.Code, HintCA
	case errors.As(err, &verifyErr), errors.As(err, &unknownCA), errors.As(err, &hostErr), errors.As(err, &invalid):
		c.Kind, c.Code, c.Hint = KindCertificateTrust, trust.CodeOf(err), HintCA
	case errors.As(err, &timeout):
		c.Kind, c.Hint = KindTransient, HintProxy
	case errors.Is(err, ErrTooManyRedirects):
		c.Kind, c.Hint = KindTransient, HintProxy
	case errors.As(err, &status):
		c.Kind, c.Hint = classifyStatus(status.Code)
	case errors.As(err, &blockPage):
		c.Kind, c.Hint = KindBlocking, HintBlocked
	case errors.As(err, &writeErr):
		c.Kind, c.Hint = KindFatal, HintDisk
	case errors.Is(err, context.Canceled):
		c.Kind = KindFatal
	case errors.As(err, &proxyAuth):
		c.Kind, c.Hint = KindFatal, HintProxyAuth
	case errors.As(err, &opErr) && opErr.Op == "proxyconnect":
		c.Kind, c.Hint = KindTransient, HintProxy
	case errors.As(err, &dnsErr),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNABORTED),
		errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr):
		c.Kind, c.Hint = KindTransient, HintProxy
	default:
		c.Kind, c.Code = KindTransient, trust.CodeUnknown
		c.Hint = HintProxy
	}

	return c
}

func classifyStatus(code int) (Kind, string) {
	switch {
	case code == http.StatusProxyAuthRequired:
		return KindFatal, HintProxyAuth
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return KindTransient, HintProxy
	case code == http.StatusForbidden, code == http.StatusNotFound, code == http.StatusGone,
		code == http.StatusUnavailableForLegalReasons:
		return KindBlocking, HintBlocked
	default:
		return KindFatal, HintURL
	}
}

func hostOf(err error) string {
	var (
		urlErr   *url.Error
		hostErr  x509.HostnameError
		status   *StatusError
		rejected *trust.RejectedError
	)

	var raw string

	switch {
	case errors.As(err, &rejected):
		return rejected.Decision.Host
	case errors.As(err, &hostErr):
		return hostErr.Host
	case errors.As(err, &urlErr):
		raw = urlErr.URL
	case errors.As(err, &status):
		raw = status.URL
	default:
		return ""
	}

	if u, err := url.Parse(raw); err == nil {
		return u.Hostname()
	}

	return ""
}
