//go:build unix

package update

import (
	"os/exec"
	"syscall"
)

// setDetached runs the installer in its own process group.
func setDetached(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}
