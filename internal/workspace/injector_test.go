package workspace

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/apptest"
)

func newTestInjector(t *testing.T, env map[string]string, appEnv map[string]map[string]string) (*Injector, string) {
	t.Helper()
	base := filepath.Join(t.TempDir(), "scratch")
	inj, err := NewInjector(Options{
		ScratchBase: base,
		Passthrough: []string{"PATH", "LANG", "HOME"},
		AppEnv:      func(id string) map[string]string { return appEnv[id] },
		LookupEnv: func(k string) (string, bool) {
			v, ok := env[k]
			return v, ok
		},
	})
	if err != nil {
		t.Fatalf("NewInjector() error = %v", err)
	}
	return inj, base
}

func loadApp(t *testing.T, a apptest.App) app.Descriptor {
	t.Helper()
	root := apptest.Root(t)
	apptest.Write(t, root, a)
	store, err := app.NewStore([]string{root}, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	desc, err := store.Load(context.Background(), a.Identifier)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	return desc
}

func TestInjectBuildsIsolatedContext(t *testing.T) {
	desc := loadApp(t, apptest.App{Identifier: "alpha", Namespace: "alpha-tools"})
	inj, base := newTestInjector(t,
		map[string]string{"PATH": "/usr/bin:/bin", "LANG": "C.UTF-8", "HOME": "/home/router", "SECRET": "x"},
		map[string]map[string]string{"alpha": {"mode": "fast", "root": "ignored", "scratch_dir": "/elsewhere"}},
	)

	c, err := inj.Inject(context.Background(), desc)
	if err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	defer c.Release()

	if _, err := uuid.Parse(c.DispatchID); err != nil {
		t.Fatalf("DispatchID %q is not a UUID: %v", c.DispatchID, err)
	}
	if c.WorkDir != desc.Root {
		t.Fatalf("WorkDir = %q, want %q", c.WorkDir, desc.Root)
	}
	if c.OutputDir != filepath.Join(desc.Root, "runs") {
		t.Fatalf("OutputDir = %q", c.OutputDir)
	}
	if c.Namespace != "ALPHA_TOOLS" {
		t.Fatalf("Namespace = %q, want ALPHA_TOOLS", c.Namespace)
	}
	if c.ScratchDir != filepath.Join(inj.ScratchBase(), c.DispatchID) {
		t.Fatalf("ScratchDir = %q, want under %q", c.ScratchDir, base)
	}
	if info, err := os.Stat(c.ScratchDir); err != nil || !info.IsDir() {
		t.Fatalf("scratch directory not created: %v", err)
	}

	want := map[string]string{
		"PATH":                    "/usr/bin:/bin",
		"LANG":                    "C.UTF-8",
		"HOME":                    desc.Root,
		"TMPDIR":                  c.ScratchDir,
		"ALPHA_TOOLS_NAMESPACE":   "alpha-tools",
		"ALPHA_TOOLS_ROOT":        desc.Root,
		"ALPHA_TOOLS_OUTPUT_DIR":  c.OutputDir,
		"ALPHA_TOOLS_SCRATCH_DIR": c.ScratchDir,
		"ALPHA_TOOLS_DISPATCH_ID": c.DispatchID,
		"ALPHA_TOOLS_MODE":        "fast",
	}
	for k, v := range want {
		got, ok := c.Lookup(k)
		if !ok || got != v {
			t.Errorf("env %s = %q (set=%v), want %q", k, got, ok, v)
		}
	}
	if _, ok := c.Lookup("SECRET"); ok {
		t.Errorf("non-allowlisted variable leaked into context")
	}
	if len(c.Env) != len(want) {
		t.Errorf("env has %d entries, want %d: %v", len(c.Env), len(want), c.Env)
	}
}

func TestInjectLeavesRouterProcessUntouched(t *testing.T) {
	desc := loadApp(t, apptest.App{Identifier: "alpha"})
	inj, err := NewInjector(Options{ScratchBase: filepath.Join(t.TempDir(), "scratch"), Passthrough: []string{"PATH"}})
	if err != nil {
		t.Fatalf("NewInjector() error = %v", err)
	}

	wdBefore, _ := os.Getwd()
	envBefore := os.Environ()

	c, err := inj.Inject(context.Background(), desc)
	if err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	if err := c.Release(); err != nil {
		t.Fatalf("Release() error = %v", err)
	}

	wdAfter, _ := os.Getwd()
	if wdBefore != wdAfter {
		t.Fatalf("working directory changed: %q -> %q", wdBefore, wdAfter)
	}
	if strings.Join(envBefore, "\n") != strings.Join(os.Environ(), "\n") {
		t.Fatalf("process environment changed")
	}
}

func TestInjectGivesEachDispatchItsOwnContext(t *testing.T) {
	desc := loadApp(t, apptest.App{Identifier: "alpha"})
	inj, _ := newTestInjector(t, map[string]string{"PATH": "/bin"}, nil)

	a, err := inj.Inject(context.Background(), desc)
	if err != nil {
		t.Fatalf("Inject(a) error = %v", err)
	}
	defer a.Release()
	b, err := inj.Inject(context.Background(), desc)
	if err != nil {
		t.Fatalf("Inject(b) error = %v", err)
	}
	defer b.Release()

	if a.DispatchID == b.DispatchID || a.ScratchDir == b.ScratchDir {
		t.Fatalf("contexts share identity: %q / %q", a.ScratchDir, b.ScratchDir)
	}
}

func TestInjectMissingDependency(t *testing.T) {
	binDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(binDir, "present"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(binDir, "not-exec"), []byte("data"), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	desc := loadApp(t, apptest.App{Identifier: "alpha", Dependencies: []string{"present", "absent-tool", "not-exec"}})
	inj, base := newTestInjector(t, map[string]string{"PATH": binDir}, nil)

	_, err := inj.Inject(context.Background(), desc)
	var missing *MissingDependencyError
	if !errors.As(err, &missing) {
		t.Fatalf("Inject() error = %v, want MissingDependencyError", err)
	}
	if strings.Join(missing.Missing, ",") != "absent-tool,not-exec" {
		t.Fatalf("Missing = %v", missing.Missing)
	}
	if entries, _ := os.ReadDir(base); len(entries) != 0 {
		t.Fatalf("failed injection left %d scratch entries", len(entries))
	}
}

func TestMissingDependenciesMatchesInject(t *testing.T) {
	binDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(binDir, "present"), []byte("#!/bin/sh\n"), 0o755); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	desc := loadApp(t, apptest.App{Identifier: "alpha", Dependencies: []string{"present", "absent-tool"}})

	inj, base := newTestInjector(t, map[string]string{"PATH": binDir}, nil)
	if got := inj.MissingDependencies(desc); len(got) != 1 || got[0] != "absent-tool" {
		t.Fatalf("MissingDependencies() = %v, want [absent-tool]", got)
	}
	if _, err := os.Stat(base); !os.IsNotExist(err) {
		t.Fatalf("MissingDependencies() touched scratch base: %v", err)
	}

	// Without PATH in the context nothing can be found.
	bare, _ := newTestInjector(t, map[string]string{}, nil)
	if got := bare.MissingDependencies(desc); len(got) != 2 {
		t.Fatalf("MissingDependencies() without PATH = %v", got)
	}
}

func TestInjectCancelled(t *testing.T) {
	desc := loadApp(t, apptest.App{Identifier: "alpha"})
	inj, _ := newTestInjector(t, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := inj.Inject(ctx, desc); !errors.Is(err, context.Canceled) {
		t.Fatalf("Inject() error = %v, want context.Canceled", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	desc := loadApp(t, apptest.App{Identifier: "alpha"})
	inj, _ := newTestInjector(t, nil, nil)

	c, err := inj.Inject(context.Background(), desc)
	if err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	if err := os.WriteFile(filepath.Join(c.ScratchDir, "tmp.txt"), []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	for i := 0; i < 2; i++ {
		if err := c.Release(); err != nil {
			t.Fatalf("Release() #%d error = %v", i, err)
		}
	}
	if _, err := os.Stat(c.ScratchDir); !os.IsNotExist(err) {
		t.Fatalf("scratch directory should be removed, err = %v", err)
	}
}

func TestNewInjectorRejectsScratchInsideDiscoveryRoot(t *testing.T) {
	root := t.TempDir()
	_, err := NewInjector(Options{ScratchBase: filepath.Join(root, "apps", ".scratch"), DiscoveryRoots: []string{filepath.Join(root, "apps")}})
	if err == nil {
		t.Fatalf("NewInjector() should reject scratch inside a discovery root")
	}
	if _, err := NewInjector(Options{ScratchBase: "  "}); err == nil {
		t.Fatalf("NewInjector() should reject an empty scratch base")
	}
}

func TestInjectorCleanup(t *testing.T) {
	desc := loadApp(t, apptest.App{Identifier: "alpha"})
	inj, base := newTestInjector(t, nil, nil)

	old, err := inj.Inject(context.Background(), desc)
	if err != nil {
		t.Fatalf("Inject(old) error = %v", err)
	}
	fresh, err := inj.Inject(context.Background(), desc)
	if err != nil {
		t.Fatalf("Inject(new) error = %v", err)
	}
	foreign := filepath.Join(base, "not-a-dispatch")
	if err := os.Mkdir(foreign, 0o755); err != nil {
		t.Fatalf("Mkdir() error = %v", err)
	}

	oldTime := time.Now().Add(-48 * time.Hour)
	for _, dir := range []string{old.ScratchDir, foreign} {
		if err := os.Chtimes(dir, oldTime, oldTime); err != nil {
			t.Fatalf("Chtimes() error = %v", err)
		}
	}

	report, err := inj.Cleanup(context.Background(), 24*time.Hour)
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if report.DeletedDirs != 1 {
		t.Fatalf("Cleanup() deleted = %d, want 1", report.DeletedDirs)
	}
	if _, err := os.Stat(old.ScratchDir); !os.IsNotExist(err) {
		t.Fatalf("old scratch should be deleted, err = %v", err)
	}
	if _, err := os.Stat(fresh.ScratchDir); err != nil {
		t.Fatalf("new scratch should still exist, err = %v", err)
	}
	if _, err := os.Stat(foreign); err != nil {
		t.Fatalf("foreign directory should be left alone, err = %v", err)
	}

	if _, err := inj.Cleanup(context.Background(), 0); err == nil {
		t.Fatalf("Cleanup(0) should fail")
	}
}

func TestValidateDispatchID(t *testing.T) {
	for _, id := range []string{"", " ", ".", "..", "a/b", `a\b`, "a/../b"} {
		if err := validateDispatchID(id); err == nil {
			t.Errorf("validateDispatchID(%q) should fail", id)
		}
	}
	if err := validateDispatchID(uuid.New().String()); err != nil {
		t.Errorf("validateDispatchID(uuid) error = %v", err)
	}
}

func TestInjectUsesDispatchIDFromContext(t *testing.T) {
	desc := loadApp(t, apptest.App{Identifier: "alpha"})
	inj, _ := newTestInjector(t, nil, nil)

	id := uuid.New().String()
	c, err := inj.Inject(WithDispatchID(context.Background(), id), desc)
	if err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	defer c.Release()
	if c.DispatchID != id {
		t.Fatalf("DispatchID = %q, want %q", c.DispatchID, id)
	}
	if got, _ := c.Lookup("ALPHA_DISPATCH_ID"); got != id {
		t.Fatalf("ALPHA_DISPATCH_ID = %q, want %q", got, id)
	}

	if _, err := inj.Inject(WithDispatchID(context.Background(), "../escape"), desc); err == nil {
		t.Fatalf("Inject() should reject a dispatch ID with path separators")
	}
}

func TestContextPathDropsSiblingRoots(t *testing.T) {
	root := apptest.Root(t)
	alphaDir := apptest.Write(t, root, apptest.App{Identifier: "alpha"})
	betaDir := apptest.Write(t, root, apptest.App{Identifier: "beta"})

	store, err := app.NewStore([]string{root}, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	desc, err := store.Load(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	alphaBin := filepath.Join(alphaDir, "bin")
	betaBin := filepath.Join(betaDir, "bin")
	path := strings.Join([]string{alphaBin, betaBin, "/usr/bin"}, string(filepath.ListSeparator))

	inj, err := NewInjector(Options{
		ScratchBase:    filepath.Join(t.TempDir(), "scratch"),
		Passthrough:    []string{"PATH"},
		DiscoveryRoots: []string{root},
		LookupEnv: func(k string) (string, bool) {
			if k == "PATH" {
				return path, true
			}
			return "", false
		},
	})
	if err != nil {
		t.Fatalf("NewInjector() error = %v", err)
	}

	c, err := inj.Inject(context.Background(), desc)
	if err != nil {
		t.Fatalf("Inject() error = %v", err)
	}
	defer c.Release()

	got, ok := c.Lookup("PATH")
	if !ok {
		t.Fatalf("PATH missing from context")
	}
	want := strings.Join([]string{alphaBin, "/usr/bin"}, string(filepath.ListSeparator))
	if got != want {
		t.Fatalf("PATH = %q, want %q", got, want)
	}
}
