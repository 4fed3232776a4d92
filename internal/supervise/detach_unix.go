//go:build unix

package supervise

import (
	"os/exec"
	"syscall"
)

// detach moves the daemon into its own session so a terminal interrupt
// aimed at the client never reaches it. The daemon outlives this process.
func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
}
