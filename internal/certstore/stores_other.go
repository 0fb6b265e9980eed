//go:build !windows && !darwin

package certstore

import (
	"os"
	"path/filepath"
)

// SystemStores returns the distribution CA directories then the user's local anchors.
func SystemStores() []Store {
	stores := []Store{
		NewDirStore("machine/anchors",
			"/usr/local/share/ca-certificates",
			"/etc/pki/ca-trust/source/anchors",
			"/etc/ca-certificates/trust-source/anchors",
		),
		NewDirStore("machine/bundle",
			"/etc/ssl/certs/ca-certificates.crt",
			"/etc/pki/tls/certs/ca-bundle.crt",
			"/etc/ssl/cert.pem",
		),
	}

	if home, err := os.UserHomeDir(); err == nil {
		stores = append(stores, NewDirStore("user/anchors", filepath.Join(home, ".local", "share", "ca-certificates")))
	}

	return stores
}
