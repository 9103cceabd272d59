package fctest

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// Scripts standing in for the firecracker binary.
const (
	// Sleeper runs until SIGTERM and exits cleanly.
	Sleeper = "#!/bin/sh\ntrap 'exit 0' TERM\nwhile true; do sleep 0.1; done\n"

	// Stubborn ignores SIGTERM and only dies to SIGKILL.
	Stubborn = "#!/bin/sh\ntrap '' TERM\nwhile true; do sleep 0.1; done\n"
)

// Exiting returns a script that exits immediately with code.
func Exiting(code int) string {
	return fmt.Sprintf("#!/bin/sh\nexit %d\n", code)
}

// WriteBinary writes script as an executable named name in dir.
func WriteBinary(t testing.TB, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

// TempDir returns a short temporary directory so socket paths stay within
// the sun_path limit.
func TempDir(t testing.TB) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "vmm")
	if err != nil {
		t.Fatalf("create temp dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}
