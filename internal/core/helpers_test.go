package core

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func requireUnixShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires /bin/sh")
	}
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("requires /bin/sh")
	}
}

// writeExecutable writes a /bin/sh script and marks it executable.
func writeExecutable(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return p
}

// fakeStatisticalRuntime emulates the statistical engine: it copies fixture
// into the file passed after -log and exits with code.
func fakeStatisticalRuntime(t *testing.T, dir, fixture string, code string) string {
	t.Helper()
	body := `log=""
while [ $# -gt 0 ]; do
  case "$1" in
    -log) shift; log="$1" ;;
  esac
  shift
done
`
	if fixture != "" {
		body += `cat "` + fixture + `" > "$log"
`
	}
	body += "exit " + code + "\n"
	return writeExecutable(t, dir, "fake-sas", body)
}
