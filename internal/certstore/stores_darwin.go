//go:build darwin

package certstore

import (
	"context"
	"crypto/x509"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

type keychainStore struct {
	name     string
	keychain string
}

// SystemStores returns the system keychains then the login keychain.
func SystemStores() []Store {
	stores := []Store{
		&keychainStore{name: "machine/System", keychain: "/Library/Keychains/System.keychain"},
		&keychainStore{name: "machine/SystemRoots", keychain: "/System/Library/Keychains/SystemRootCertificates.keychain"},
	}

	if home, err := os.UserHomeDir(); err == nil {
		stores = append(stores, &keychainStore{
			name:     "user/login",
			keychain: filepath.Join(home, "Library", "Keychains", "login.keychain-db"),
		})
	}

	return stores
}

func (s *keychainStore) Name() string {
	return s.name
}

func (s *keychainStore) Certificates(ctx context.Context) ([]*x509.Certificate, error) {
	out, err := exec.CommandContext(ctx, "/usr/bin/security", "find-certificate", "-a", "-p", s.keychain).Output()
	if err != nil {
		return nil, fmt.Errorf("failed to read keychain %s: %w", s.keychain, err)
	}

	return ParseCertificates(out), nil
}
