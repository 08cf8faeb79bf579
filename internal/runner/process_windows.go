//go:build windows

package runner

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

// Windows has no SIGTERM; interrupt is attempted and the kill follows after
// the grace period anyway.
func terminate(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func kill(p *os.Process) error {
	return p.Kill()
}
