//go:build windows

package process

import (
	"os/exec"
	"strconv"
)

func setupProcessGroup(cmd *exec.Cmd) {}

// Windows has no process groups or graceful interrupt for console-less
// children; both paths hard-kill the tree.
func interruptProcessGroup(pid int) error {
	return exec.Command("CMD", "/C", "TASKKILL", "/F", "/T", "/PID", strconv.Itoa(pid)).Run()
}

func killProcessGroup(pid int) error {
	return interruptProcessGroup(pid)
}
