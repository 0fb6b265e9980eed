//go:build windows

package certstore

import (
	"context"
	"crypto/x509"
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

type systemStore struct {
	name     string
	location uint32
	store    string
}

// SystemStores returns the ROOT and CA stores for machine then user scope.
func SystemStores() []Store {
	return []Store{
		&systemStore{name: "machine/ROOT", location: windows.CERT_SYSTEM_STORE_LOCAL_MACHINE, store: "ROOT"},
		&systemStore{name: "machine/CA", location: windows.CERT_SYSTEM_STORE_LOCAL_MACHINE, store: "CA"},
		&systemStore{name: "user/ROOT", location: windows.CERT_SYSTEM_STORE_CURRENT_USER, store: "ROOT"},
		&systemStore{name: "user/CA", location: windows.CERT_SYSTEM_STORE_CURRENT_USER, store: "CA"},
	}
}

func (s *systemStore) Name() string {
	return s.name
}

func (s *systemStore) Certificates(ctx context.Context) ([]*x509.Certificate, error) {
	storeName, err := windows.UTF16PtrFromString(s.store)
	if err != nil {
		return nil, fmt.Errorf("failed to encode store name: %w", err)
	}

	handle, err := windows.CertOpenStore(
		windows.CERT_STORE_PROV_SYSTEM,
		0,
		0,
		s.location|windows.CERT_STORE_READONLY_FLAG,
		uintptr(unsafe.Pointer(storeName)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open certificate store %s: %w", s.name, err)
	}
	defer windows.CertCloseStore(handle, 0) //nolint:errcheck

	var (
		certs []*x509.Certificate
		cert  *windows.CertContext
	)

	for {
		if err := ctx.Err(); err != nil {
			if cert != nil {
				windows.CertFreeCertificateContext(cert) //nolint:errcheck
			}

			return nil, err
		}

		cert, err = windows.CertEnumCertificatesInStore(handle, cert)
		if err != nil || cert == nil {
			break
		}

		raw := unsafe.Slice(cert.EncodedCert, cert.Length)
		buf := make([]byte, len(raw))
		copy(buf, raw)

		if parsed, err := x509.ParseCertificate(buf); err == nil {
			certs = append(certs, parsed)
		}
	}

	return certs, nil
}
