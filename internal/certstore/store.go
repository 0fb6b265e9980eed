package certstore

import (
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DirStore reads PEM and DER certificates from a set of directories or files.
type DirStore struct {
	name  string
	paths []string
}

func NewDirStore(name string, paths ...string) *DirStore {
	return &DirStore{name: name, paths: paths}
}

func (s *DirStore) Name() string {
	return s.name
}

func (s *DirStore) Certificates(ctx context.Context) ([]*x509.Certificate, error) {
	var (
		certs []*x509.Certificate
		found bool
	)

	for _, p := range s.paths {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}

		found = true

		files := []string{p}
		if info.IsDir() {
			entries, err := os.ReadDir(p)
			if err != nil {
				continue
			}

			files = files[:0]
			for _, e := range entries {
				if !e.IsDir() && isCertFile(e.Name()) {
					files = append(files, filepath.Join(p, e.Name()))
				}
			}
		}

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			data, err := os.ReadFile(f)
			if err != nil {
				continue
			}

			certs = append(certs, ParseCertificates(data)...)
		}
	}

	if !found {
		return nil, fmt.Errorf("no readable location for store %s", s.name)
	}

	return certs, nil
}

func isCertFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".pem", ".crt", ".cer", ".der":
		return true
	}

	return false
}

// ParseCertificates decodes every certificate in a PEM bundle, or a single DER certificate.
// Malformed entries are skipped.
func ParseCertificates(data []byte) []*x509.Certificate {
	var certs []*x509.Certificate

	rest := data
	for {
		var block *pem.Block

		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}

		if block.Type != "CERTIFICATE" {
			continue
		}

		if cert, err := x509.ParseCertificate(block.Bytes); err == nil {
			certs = append(certs, cert)
		}
	}

	if len(certs) == 0 {
		if cert, err := x509.ParseCertificate(data); err == nil {
			certs = append(certs, cert)
		}
	}

	return certs
}
