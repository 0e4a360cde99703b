package core

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func TestExecutor_ReturnsWhenDescendantHoldsPipes(t *testing.T) {
	requireUnixShell(t)
	dir := t.TempDir()
	script := writeExecutable(t, dir, "spawn.sh", "sleep 3 &\necho started\nexit 0\n")

	e := &Executor{WaitDelay: 200 * time.Millisecond}
	start := time.Now()
	res, err := e.Execute(context.Background(), Command{Name: script}, 0)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Execute waited %s for a descendant", elapsed)
	}
	if res.ExitCode != 0 || res.TimedOut {
		t.Fatalf("expected clean exit, got %+v", res)
	}
	if !strings.Contains(string(res.Stdout), "started") {
		t.Fatalf("stdout lost: %q", res.Stdout)
	}
}

func TestExecutor_ShellPassesArgumentsVerbatim(t *testing.T) {
	requireUnixShell(t)
	arg := "$HOME `id` it's"
	res, err := NewExecutor().Execute(context.Background(), Command{
		Name:  "printf",
		Args:  []string{"%s", arg},
		Shell: true,
	}, 5*time.Second)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if string(res.Stdout) != arg {
		t.Fatalf("got %q, want %q", res.Stdout, arg)
	}
}

func TestExecutor_EmptyCommandIsSpawnError(t *testing.T) {
	_, err := NewExecutor().Execute(context.Background(), Command{}, 0)
	var se *SpawnError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SpawnError, got %v", err)
	}
}
