//go:build !unix

package sandbox

import "os/exec"

// setProcessGroup is a no-op on non-unix platforms.
func setProcessGroup(cmd *exec.Cmd) {}

// killProcessGroup falls back to killing just the interpreter process.
// Grandchildren may outlive the timeout on these platforms.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}
