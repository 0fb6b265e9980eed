// Package certstore locates the root certificate of a TLS interception proxy in the OS trust
// stores and exports it, or a combined bundle of trusted roots, as a PEM file the downloader
// can add to its root pool. Discovery is best-effort: every failure degrades to "not found".
package certstore

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

const (
	dirPerm  = 0o700
	filePerm = 0o600

	interceptionFile = "interception-root.pem"
	combinedFile     = "combined-roots.pem"
)

// Source tells where a bundle came from.
type Source string

const (
	SourceManual         Source = "manual"
	SourceAutoDiscovered Source = "auto_discovered"
)

// Bundle is a PEM file usable as an extra trusted-root source.
type Bundle struct {
	FilePath     string    `json:"file_path"`
	DiscoveredAt time.Time `json:"discovered_at"`
	Source       Source    `json:"source"`
}

// Store is one OS certificate store at one scope.
type Store interface {
	Name() string
	Certificates(ctx context.Context) ([]*x509.Certificate, error)
}

// Discovery scans stores for interception roots and caches the exported bundles for the
// process lifetime.
type Discovery struct {
	stores     []Store
	dir        string
	signatures []string
	logger     *slog.Logger
	now        func() time.Time

	mu           sync.Mutex
	interception *Bundle
	combined     *Bundle
}

// New creates a Discovery exporting into dir. Passing no stores scans SystemStores().
func New(dir string, signatures []string, logger *slog.Logger, stores ...Store) *Discovery {
	if len(stores) == 0 {
		stores = SystemStores()
	}

	if logger == nil {
		logger = slog.Default()
	}

	var sigs []string

	for _, s := range signatures {
		if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
			sigs = append(sigs, s)
		}
	}

	return &Discovery{
		stores:     stores,
		dir:        dir,
		signatures: sigs,
		logger:     logger,
		now:        time.Now,
	}
}

// FindInterceptionRootCertificate exports the first certificate matching a known interception
// vendor signature and returns its bundle, or false when none was found.
func (d *Discovery) FindInterceptionRootCertificate(ctx context.Context) (*Bundle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.interception != nil && fileExists(d.interception.FilePath) {
		return d.interception, true
	}

	for _, cert := range d.scan(ctx) {
		if !d.Matches(cert) {
			continue
		}

		path := filepath.Join(d.dir, interceptionFile)
		if err := writePEM(path, []*x509.Certificate{cert}); err != nil {
			d.logger.Warn("failed to export interception certificate", "subject", cert.Subject.String(), "err", err)

			return nil, false
		}

		d.logger.Info("interception root certificate discovered", "subject", cert.Subject.String(), "path", path)

		d.interception = &Bundle{FilePath: path, DiscoveredAt: d.now(), Source: SourceAutoDiscovered}

		return d.interception, true
	}

	d.logger.Debug("no interception root certificate found", "signatures", d.signatures)

	return nil, false
}

// BuildCombinedBundle exports every currently valid CA root plus any interception certificate
// into one PEM file.
func (d *Discovery) BuildCombinedBundle(ctx context.Context) (*Bundle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.combined != nil && fileExists(d.combined.FilePath) {
		return d.combined, true
	}

	now := d.now()
	seen := make(map[[sha256.Size]byte]bool)

	var selected []*x509.Certificate

	for _, cert := range d.scan(ctx) {
		valid := cert.IsCA && !now.Before(cert.NotBefore) && !now.After(cert.NotAfter)
		if !valid && !d.Matches(cert) {
			continue
		}

		sum := sha256.Sum256(cert.Raw)
		if seen[sum] {
			continue
		}

		seen[sum] = true
		selected = append(selected, cert)
	}

	if len(selected) == 0 {
		return nil, false
	}

	path := filepath.Join(d.dir, combinedFile)
	if err := writePEM(path, selected); err != nil {
		d.logger.Warn("failed to export combined certificate bundle", "err", err)

		return nil, false
	}

	d.logger.Info("combined certificate bundle written", "path", path, "certificates", len(selected))

	d.combined = &Bundle{FilePath: path, DiscoveredAt: now, Source: SourceAutoDiscovered}

	return d.combined, true
}

// Invalidate removes the exported bundles and forgets them.
func (d *Discovery) Invalidate() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var merr *multierror.Error

	for _, b := range []*Bundle{d.interception, d.combined} {
		if b == nil {
			continue
		}

		if err := os.Remove(b.FilePath); err != nil && !os.IsNotExist(err) {
			merr = multierror.Append(merr, fmt.Errorf("failed to remove %s: %w", b.FilePath, err))
		}
	}

	d.interception, d.combined = nil, nil

	return merr.ErrorOrNil()
}

// Matches reports whether the certificate's subject or issuer carries an interception signature.
func (d *Discovery) Matches(cert *x509.Certificate) bool {
	var fields []string

	for _, name := range []struct {
		cn     string
		org    []string
		orgUnt []string
	}{
		{cert.Subject.CommonName, cert.Subject.Organization, cert.Subject.OrganizationalUnit},
		{cert.Issuer.CommonName, cert.Issuer.Organization, cert.Issuer.OrganizationalUnit},
	} {
		fields = append(fields, name.cn)
		fields = append(fields, name.org...)
		fields = append(fields, name.orgUnt...)
	}

	for _, f := range fields {
		f = strings.ToLower(f)
		for _, s := range d.signatures {
			if f != "" && strings.Contains(f, s) {
				return true
			}
		}
	}

	return false
}

// scan reads all stores concurrently. Results keep the store order so machine scope wins
// over user scope. Store errors are logged and skipped.
func (d *Discovery) scan(ctx context.Context) []*x509.Certificate {
	results := make([][]*x509.Certificate, len(d.stores))

	g, gctx := errgroup.WithContext(ctx)

	for i, store := range d.stores {
		g.Go(func() error {
			certs, err := store.Certificates(gctx)
			if err != nil {
				d.logger.Debug("certificate store not readable", "store", store.Name(), "err", err)

				return nil
			}

			results[i] = certs

			return nil
		})
	}

	_ = g.Wait()

	var all []*x509.Certificate
	for _, r := range results {
		all = append(all, r...)
	}

	return all
}

// ManualBundle wraps a user-supplied CA bundle path, if it exists.
func ManualBundle(path string) (*Bundle, bool) {
	if path == "" {
		return nil, false
	}

	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return nil, false
	}

	return &Bundle{FilePath: path, DiscoveredAt: info.ModTime(), Source: SourceManual}, true
}

func writePEM(path string, certs []*x509.Certificate) error {
	if err := os.MkdirAll(filepath.Dir(path), dirPerm); err != nil {
		return fmt.Errorf("failed to create certificate directory: %w", err)
	}

	var buf []byte
	for _, c := range certs {
		buf = append(buf, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw})...)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf, filePerm); err != nil {
		return fmt.Errorf("failed to write certificate bundle: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)

		return fmt.Errorf("failed to move certificate bundle into place: %w", err)
	}

	return nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
