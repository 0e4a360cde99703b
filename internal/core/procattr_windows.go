//go:build windows

package core

import (
	"os/exec"
	"strconv"
	"syscall"
)

// newCmd builds the child process. Shell commands hand cmd.exe a raw
// command line through SysProcAttr.CmdLine, since Go's argument escaping
// (\") is not understood by cmd.exe.
func newCmd(cmd Command) (*exec.Cmd, error) {
	if !cmd.Shell {
		return exec.Command(cmd.Name, cmd.Args...), nil
	}
	line, err := windowsCommandLine(cmd.Name, cmd.Args)
	if err != nil {
		return nil, err
	}
	c := exec.Command("cmd.exe")
	c.SysProcAttr = &syscall.SysProcAttr{CmdLine: line}
	return c, nil
}

// killProcessGroup kills the child and every process it started, so that
// a runtime launched through cmd.exe does not outlive a timeout.
func killProcessGroup(c *exec.Cmd) {
	if c.Process == nil {
		return
	}
	kill := exec.Command("taskkill", "/T", "/F", "/PID", strconv.Itoa(c.Process.Pid))
	if err := kill.Run(); err != nil {
		_ = c.Process.Kill()
	}
}
