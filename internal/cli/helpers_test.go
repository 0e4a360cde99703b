package cli

import (
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
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

func writeFile(t *testing.T, path, body string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

// project lays out a two-stage shell pipeline under a fresh work directory.
// Stage a writes out/a.csv, stage b writes out/b.csv and exits with
// secondExit.
type project struct {
	workDir string
	config  string
}

func newProject(t *testing.T, secondExit int, extra string) project {
	t.Helper()
	workDir := t.TempDir()

	writeFile(t, filepath.Join(workDir, "stages", "a.sh"),
		"mkdir -p ../out && printf 'doc,score\\nd1,0.93\\n' > ../out/a.csv\n")
	writeFile(t, filepath.Join(workDir, "stages", "b.sh"),
		"echo 'working' && printf 'x\\n1\\n' > ../out/b.csv\n"+
			"if [ "+strconv.Itoa(secondExit)+" -ne 0 ]; then echo 'ValueError: bad input' >&2; fi\n"+
			"exit "+strconv.Itoa(secondExit)+"\n")
	if err := os.MkdirAll(filepath.Join(workDir, "src"), 0o755); err != nil {
		t.Fatalf("mkdir src: %v", err)
	}

	cfg := `
watch:
  dirs: [src]
  cooldown: 0s
stages:
  - path: stages/a.sh
  - path: stages/b.sh
outputs:
  - path: out/a.csv
    preview: similarity
    checkpoints: [0]
  - path: out/b.csv
    checkpoints: [1]
interpreter:
  command: sh
  extensions: [.sh]
` + extra
	p := filepath.Join(workDir, DefaultConfigName)
	writeFile(t, p, strings.TrimLeft(cfg, "\n"))
	return project{workDir: workDir, config: p}
}

func (p project) invocation(t *testing.T) Invocation {
	t.Helper()
	inv, err := ParseInvocation(Flags{WorkDir: p.workDir})
	if err != nil {
		t.Fatalf("ParseInvocation: %v", err)
	}
	return inv
}
