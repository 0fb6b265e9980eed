//go:build !unix && !windows

package update

import "os/exec"

func setDetached(*exec.Cmd) {}
