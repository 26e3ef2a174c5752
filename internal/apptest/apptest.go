// Package apptest builds application directories on disk for tests.
package apptest

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// App describes a fixture application.
type App struct {
	Identifier   string
	Namespace    string // defaults to Identifier
	OutputRoot   string // defaults to "runs"
	Isolation    *bool  // defaults to true
	Dependencies []string
	// Script is the body of the POSIX shell entry point (without shebang).
	Script string
	// Dir is the directory name under the discovery root; defaults to Identifier.
	Dir string
}

// Write creates the application under root and returns its resolved directory.
func Write(t testing.TB, root string, a App) string {
	t.Helper()

	dirName := a.Dir
	if dirName == "" {
		dirName = a.Identifier
	}
	ns := a.Namespace
	if ns == "" {
		ns = a.Identifier
	}
	out := a.OutputRoot
	if out == "" {
		out = "runs"
	}
	isolation := true
	if a.Isolation != nil {
		isolation = *a.Isolation
	}
	script := a.Script
	if script == "" {
		script = `cat > "$(pwd)/` + out + `/payload.txt"`
	}

	dir := filepath.Join(root, dirName)
	if err := os.MkdirAll(filepath.Join(dir, "bin"), 0o755); err != nil {
		t.Fatalf("create app dir: %v", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, out), 0o755); err != nil {
		t.Fatalf("create output dir: %v", err)
	}

	var deps string
	if len(a.Dependencies) > 0 {
		deps = fmt.Sprintf("dependencies: [%s]\n", strings.Join(a.Dependencies, ", "))
	}
	manifest := fmt.Sprintf(`identifier: %s
version: 1.0.0
isolation_required: %t
namespace_prefix: %s
entry_point: bin/run
output_root: %s
%s`, a.Identifier, isolation, ns, out, deps)
	if err := os.WriteFile(filepath.Join(dir, "manifest.yaml"), []byte(manifest), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bin", "run"), []byte("#!/bin/sh\n"+script+"\n"), 0o755); err != nil {
		t.Fatalf("write entry point: %v", err)
	}

	resolved, err := filepath.EvalSymlinks(dir)
	if err != nil {
		t.Fatalf("resolve app dir: %v", err)
	}
	return resolved
}

// Root returns a fresh, symlink-resolved discovery root.
func Root(t testing.TB) string {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	if err != nil {
		t.Fatalf("resolve temp dir: %v", err)
	}
	return dir
}

// Bool returns a pointer to b.
func Bool(b bool) *bool { return &b }
