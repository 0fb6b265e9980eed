package update

import (
	"net/url"
	"path"
	"strings"
)

// Manifest describes one published release. It is immutable once returned by CheckForUpdate.
type Manifest struct {
	Version      string `json:"version"`
	ReleaseDate  string `json:"release_date,omitempty"`
	ReleaseNotes string `json:"release_notes,omitempty"`
	Product      string `json:"product"`

	PrimaryArtifactURLTemplate  string `json:"-"`
	FallbackArtifactURLTemplate string `json:"-"`
	InstallerPathTemplate       string `json:"-"`
}

// PrimaryURL is the vendor-hosted installer for this version.
func (m *Manifest) PrimaryURL() string {
	return m.expand(m.PrimaryArtifactURLTemplate)
}

// FallbackURL is the compressed release asset for this version.
func (m *Manifest) FallbackURL() string {
	return m.expand(m.FallbackArtifactURLTemplate)
}

// InstallerPath is the installer's path relative to the root of the extracted fallback archive.
func (m *Manifest) InstallerPath() string {
	return m.expand(m.InstallerPathTemplate)
}

func (m *Manifest) expand(tmpl string) string {
	return strings.NewReplacer("{version}", m.Version, "{product}", m.Product).Replace(tmpl)
}

// artifactName is the last path element of an artifact URL, or fallback when it has none.
func artifactName(rawURL, fallback string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fallback
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return fallback
	}

	return name
}
