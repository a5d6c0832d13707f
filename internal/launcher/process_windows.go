//go:build windows

package launcher

import (
	"os"
	"os/exec"
	"strings"
)

// setProcessGroup is a no-op; Windows has no unix process groups.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup ends the main process and relies on Chromium tearing down its children.
func killProcessGroup(cmd *exec.Cmd, force bool) error {
	if cmd.Process == nil {
		return nil
	}
	if force {
		return cmd.Process.Kill()
	}
	return cmd.Process.Signal(os.Interrupt)
}

func isNoSuchProcess(err error) bool {
	return strings.Contains(err.Error(), "Access is denied") || strings.Contains(err.Error(), "not supported by windows")
}
