package workspace

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/switchyard/internal/app"
)

// Options configures an Injector.
type Options struct {
	// ScratchBase is the router-owned directory per-dispatch scratch
	// directories are created under.
	ScratchBase string
	// Passthrough names router environment variables copied into every
	// context when set.
	Passthrough []string
	// AppEnv returns router-configured values for an application, exposed
	// as <NS>_<KEY>.
	AppEnv func(identifier string) map[string]string
	// DiscoveryRoots must not contain ScratchBase.
	DiscoveryRoots []string
	// LookupEnv reads the router environment. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Injector builds execution contexts on local disk.
type Injector struct {
	scratchBase string
	roots       []string
	passthrough []string
	appEnv      func(string) map[string]string
	lookupEnv   func(string) (string, bool)
	now         func() time.Time
	newID       func() string
}

var _ Provider = (*Injector)(nil)

// reserved suffixes always come from the router and cannot be overridden by
// configured values.
var reserved = map[string]struct{}{
	"NAMESPACE":   {},
	"ROOT":        {},
	"OUTPUT_DIR":  {},
	"SCRATCH_DIR": {},
	"DISPATCH_ID": {},
}

// NewInjector creates an injector whose scratch directories live under
// opts.ScratchBase.
func NewInjector(opts Options) (*Injector, error) {
	trimmed := strings.TrimSpace(opts.ScratchBase)
	if trimmed == "" {
		return nil, fmt.Errorf("scratch base directory is empty")
	}
	base, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve scratch base directory: %w", err)
	}
	base = resolveExisting(base)

	roots := make([]string, 0, len(opts.DiscoveryRoots))
	for _, root := range opts.DiscoveryRoots {
		root = resolveExisting(root)
		if app.IsWithin(root, base) || app.IsWithin(base, root) {
			return nil, fmt.Errorf("scratch directory %s overlaps discovery root %s", base, root)
		}
		roots = append(roots, root)
	}

	inj := &Injector{
		scratchBase: base,
		roots:       roots,
		passthrough: append([]string(nil), opts.Passthrough...),
		appEnv:      opts.AppEnv,
		lookupEnv:   opts.LookupEnv,
		now:         time.Now,
		newID:       func() string { return uuid.New().String() },
	}
	if inj.appEnv == nil {
		inj.appEnv = func(string) map[string]string { return nil }
	}
	if inj.lookupEnv == nil {
		inj.lookupEnv = os.LookupEnv
	}
	return inj, nil
}

// ScratchBase returns the resolved scratch base directory.
func (i *Injector) ScratchBase() string { return i.scratchBase }

// Inject prepares a context for one dispatch to desc. The router's own
// working directory and environment are only read, never changed.
func (i *Injector) Inject(ctx context.Context, desc app.Descriptor) (*Context, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if desc.Root == "" || desc.Identifier == "" {
		return nil, fmt.Errorf("descriptor is incomplete")
	}
	if app.IsWithin(desc.Root, i.scratchBase) {
		return nil, fmt.Errorf("scratch directory %s is inside application root %s", i.scratchBase, desc.Root)
	}

	dispatchID := DispatchIDFrom(ctx)
	if dispatchID == "" {
		dispatchID = i.newID()
	}
	scratch, err := i.scratchPath(dispatchID)
	if err != nil {
		return nil, err
	}

	c := &Context{
		DispatchID: dispatchID,
		App:        desc.Identifier,
		WorkDir:    desc.Root,
		OutputDir:  desc.OutputDir(),
		Namespace:  desc.NamespaceKey(),
		ScratchDir: scratch,
		CreatedAt:  i.now().UTC(),
	}
	c.Env = i.buildEnv(desc, c)

	path, _ := c.Lookup("PATH")
	if missing := missingDependencies(desc.Dependencies, path); len(missing) > 0 {
		return nil, &MissingDependencyError{App: desc.Identifier, Missing: missing, Path: path}
	}

	if err := os.MkdirAll(i.scratchBase, 0o755); err != nil {
		return nil, fmt.Errorf("create scratch base directory: %w", err)
	}
	if err := os.Mkdir(scratch, 0o700); err != nil {
		return nil, fmt.Errorf("create scratch directory for dispatch %q: %w", dispatchID, err)
	}
	return c, nil
}

func (i *Injector) buildEnv(desc app.Descriptor, c *Context) []string {
	env := make([]string, 0, len(i.passthrough)+8)
	for _, key := range i.passthrough {
		if key == "HOME" || key == "TMPDIR" {
			continue
		}
		if key == "PATH" {
			if v, ok := i.contextPath(desc); ok {
				env = append(env, "PATH="+v)
			}
			continue
		}
		if v, ok := i.lookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	env = append(env,
		"HOME="+desc.Root,
		"TMPDIR="+c.ScratchDir,
	)

	ns := c.Namespace
	env = append(env,
		ns+"_NAMESPACE="+desc.NamespacePrefix,
		ns+"_ROOT="+desc.Root,
		ns+"_OUTPUT_DIR="+c.OutputDir,
		ns+"_SCRATCH_DIR="+c.ScratchDir,
		ns+"_DISPATCH_ID="+c.DispatchID,
	)

	extra := i.appEnv(desc.Identifier)
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		suffix := strings.ToUpper(k)
		if _, ok := reserved[suffix]; ok {
			continue
		}
		env = append(env, ns+"_"+suffix+"="+extra[k])
	}
	return env
}

// MissingDependencies reports which of desc's dependencies a dispatch would
// fail to find on its context PATH. Nothing is created on disk.
func (i *Injector) MissingDependencies(desc app.Descriptor) []string {
	path, _ := i.contextPath(desc)
	return missingDependencies(desc.Dependencies, path)
}

// contextPath is the router's PATH with every directory under a discovery
// root dropped, except those under desc's own root.
func (i *Injector) contextPath(desc app.Descriptor) (string, bool) {
	passed := false
	for _, key := range i.passthrough {
		if key == "PATH" {
			passed = true
			break
		}
	}
	if !passed {
		return "", false
	}
	raw, ok := i.lookupEnv("PATH")
	if !ok {
		return "", false
	}

	own := resolveExisting(desc.Root)
	kept := make([]string, 0, 8)
	for _, dir := range filepath.SplitList(raw) {
		if dir == "" {
			continue
		}
		resolved := resolveExisting(dir)
		if !app.IsWithin(own, resolved) && i.underDiscoveryRoot(resolved) {
			continue
		}
		kept = append(kept, dir)
	}
	return strings.Join(kept, string(filepath.ListSeparator)), true
}

func (i *Injector) underDiscoveryRoot(path string) bool {
	for _, root := range i.roots {
		if app.IsWithin(root, path) {
			return true
		}
	}
	return false
}

// Cleanup removes scratch directories older than olderThan based on
// directory modification time. Entries that are not dispatch IDs are left
// alone.
func (i *Injector) Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error) {
	if err := ctx.Err(); err != nil {
		return CleanupReport{}, err
	}
	if olderThan <= 0 {
		return CleanupReport{}, fmt.Errorf("olderThan must be positive")
	}

	entries, err := os.ReadDir(i.scratchBase)
	if os.IsNotExist(err) {
		return CleanupReport{}, nil
	}
	if err != nil {
		return CleanupReport{}, fmt.Errorf("read scratch base directory: %w", err)
	}

	cutoff := i.now().Add(-olderThan)
	report := CleanupReport{}

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return report, fmt.Errorf("read scratch entry info %q: %w", entry.Name(), err)
		}
		if info.ModTime().After(cutoff) {
			continue
		}

		path := filepath.Join(i.scratchBase, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return report, fmt.Errorf("remove scratch directory %q: %w", entry.Name(), err)
		}
		report.DeletedDirs++
	}

	return report, nil
}

func (i *Injector) scratchPath(dispatchID string) (string, error) {
	if err := validateDispatchID(dispatchID); err != nil {
		return "", err
	}
	return filepath.Join(i.scratchBase, dispatchID), nil
}

func validateDispatchID(id string) error {
	trimmed := strings.TrimSpace(id)
	if trimmed == "" {
		return fmt.Errorf("dispatch ID is empty")
	}
	if trimmed == "." || trimmed == ".." {
		return fmt.Errorf("dispatch ID %q is invalid", id)
	}
	if strings.Contains(trimmed, "/") || strings.Contains(trimmed, `\`) {
		return fmt.Errorf("dispatch ID %q must not contain path separators", id)
	}
	if filepath.Clean(trimmed) != trimmed {
		return fmt.Errorf("dispatch ID %q is invalid", id)
	}
	return nil
}

// missingDependencies resolves each name against pathList the way a shell
// would, without consulting the router's own PATH.
func missingDependencies(deps []string, pathList string) []string {
	var missing []string
	for _, dep := range deps {
		if !onPath(dep, pathList) {
			missing = append(missing, dep)
		}
	}
	return missing
}

func onPath(name, pathList string) bool {
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" || !filepath.IsAbs(dir) {
			continue
		}
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || info.IsDir() {
			continue
		}
		if info.Mode()&0o111 != 0 {
			return true
		}
	}
	return false
}

// resolveExisting evaluates symlinks for the longest existing prefix of p so
// paths that do not exist yet still compare correctly.
func resolveExisting(p string) string {
	p = filepath.Clean(p)
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		return resolved
	}
	parent := filepath.Dir(p)
	if parent == p {
		return p
	}
	return filepath.Join(resolveExisting(parent), filepath.Base(p))
}
