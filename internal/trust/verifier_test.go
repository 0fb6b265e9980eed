package trust

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getVia requests https://example.com/ routed to srv, so the handshake carries a server name
// covered by the test certificate.
func getVia(t *testing.T, srv *httptest.Server, v *Verifier) (*http.Response, error) {
	t.Helper()

	addr := srv.Listener.Addr().String()
	tr := &http.Transport{
		TLSClientConfig: v.TLSConfig(),
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}
	t.Cleanup(tr.CloseIdleConnections)

	resp, err := (&http.Client{Transport: tr}).Get("https://example.com/")
	if err == nil {
		resp.Body.Close()
	}

	return resp, err
}

func newTLSServer(t *testing.T, status int) *httptest.Server {
	t.Helper()

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)

	return srv
}

func TestVerifierAllowListedHost(t *testing.T) {
	srv := newTLSServer(t, http.StatusOK)

	var decisions []Decision

	v := NewVerifier(NewResolver(Policy{AllowedHosts: []string{"example.com"}}), nil, nil)
	v.OnDecision(func(d Decision) { decisions = append(decisions, d) })

	resp, err := getVia(t, srv, v)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.Len(t, decisions, 1)
	assert.True(t, decisions[0].Trusted)
	assert.Equal(t, CodeUnknownAuthority, decisions[0].Code)
	assert.Equal(t, "example.com", decisions[0].Host)
}

func TestVerifierRejectsUnlistedHost(t *testing.T) {
	srv := newTLSServer(t, http.StatusOK)

	v := NewVerifier(NewResolver(Policy{AllowedHosts: []string{"updates.scribe-app.com"}}), nil, nil)

	_, err := getVia(t, srv, v)
	require.Error(t, err)

	var rejected *RejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, CodeUnknownAuthority, rejected.Decision.Code)
	assert.Equal(t, "example.com", rejected.Decision.Host)
	assert.False(t, rejected.Decision.Trusted)
	assert.Equal(t, CodeUnknownAuthority, CodeOf(err))
}

func TestVerifierTrustedRootSkipsResolver(t *testing.T) {
	srv := newTLSServer(t, http.StatusNoContent)

	called := false

	v := NewVerifier(NewResolver(Policy{}), nil, nil)
	v.OnDecision(func(Decision) { called = true })
	v.SetRoots(srv.Client().Transport.(*http.Transport).TLSClientConfig.RootCAs)

	resp, err := getVia(t, srv, v)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, called)
}

func TestVerifierRejectsMissingServerName(t *testing.T) {
	v := NewVerifier(NewResolver(Policy{AllowedHosts: []string{"127.0.0.1"}}), nil, nil)

	srv := newTLSServer(t, http.StatusOK)
	leaf := srv.Certificate()

	err := v.VerifyConnection(tls.ConnectionState{PeerCertificates: []*x509.Certificate{leaf}})

	var rejected *RejectedError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, CodeHostnameMismatch, rejected.Decision.Code)
	assert.False(t, rejected.Decision.Trusted)
}

func TestVerifierNoCertificates(t *testing.T) {
	v := NewVerifier(NewResolver(Policy{}), nil, nil)
	assert.Error(t, v.VerifyConnection(tls.ConnectionState{ServerName: "example.com"}))
}

func TestRootPool(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.pem")
	require.NoError(t, os.WriteFile(empty, []byte("not a certificate"), 0o600))

	pool, err := RootPool("", empty, filepath.Join(dir, "missing.pem"))
	require.NotNil(t, pool)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no certificates found")
	assert.Contains(t, err.Error(), "failed to read certificate bundle")

	pool, err = RootPool()
	require.NoError(t, err)
	assert.NotNil(t, pool)
}
