//go:build !windows

package core

import (
	"os/exec"
	"syscall"
)

// newCmd builds the child process in its own process group. Shell commands
// run through /bin/sh with every element single-quoted.
func newCmd(cmd Command) (*exec.Cmd, error) {
	var c *exec.Cmd
	if cmd.Shell {
		c = exec.Command("/bin/sh", "-c", posixCommandLine(cmd.Name, cmd.Args))
	} else {
		c = exec.Command(cmd.Name, cmd.Args...)
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return c, nil
}

// killProcessGroup kills the whole group (negative PID).
func killProcessGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	_ = syscall.Kill(-c.Process.Pid, syscall.SIGKILL)
}
