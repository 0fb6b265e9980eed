package update

import (
	"fmt"
	"os/exec"
	"path/filepath"

	"github.com/skratchdot/open-golang/open"
)

// Installer hands a downloaded installer over to the operating system.
type Installer interface {
	// Open asks the OS to open the file with its default handler.
	Open(path string) error
	// Launch starts the installer binary detached from this process.
	Launch(path string, args []string) error
}

// OSInstaller is the Installer for the running platform.
type OSInstaller struct{}

func (OSInstaller) Open(path string) error {
	if err := open.Start(path); err != nil {
		return fmt.Errorf("failed to open installer %s: %w", path, err)
	}

	return nil
}

func (OSInstaller) Launch(path string, args []string) error {
	cmd := exec.Command(path, args...)
	cmd.Dir = filepath.Dir(path)
	setDetached(cmd)

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start installer %s: %w", path, err)
	}

	// The installer outlives us; nothing waits for it.
	return cmd.Process.Release()
}
