package app

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrNotFound is returned by Load when no manifest declares the identifier.
var ErrNotFound = errors.New("application not found")

// InvalidManifestError reports a discovered application whose manifest failed
// validation. It only ever excludes that one application.
type InvalidManifestError struct {
	Path       string // manifest path
	Identifier string // declared identifier, if the manifest parsed far enough
	Err        error
}

func (e *InvalidManifestError) Error() string {
	if e.Identifier != "" {
		return fmt.Sprintf("invalid manifest for %q at %s: %v", e.Identifier, e.Path, e.Err)
	}
	return fmt.Sprintf("invalid manifest at %s: %v", e.Path, e.Err)
}

func (e *InvalidManifestError) Unwrap() error { return e.Err }

// Store reads application manifests from a set of discovery roots.
type Store struct {
	roots  []string
	logger func(level, msg string, args ...any)
}

// NewStore resolves and checks the discovery roots. Roots are kept in input
// order; duplicates (after symlink resolution) are dropped.
func NewStore(roots []string, logger func(level, msg string, args ...any)) (*Store, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	resolved := make([]string, 0, len(roots))
	seen := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve discovery root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("discovery root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat discovery root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("discovery root is not a directory: %s", absRoot)
		}
		realRoot, err := filepath.EvalSymlinks(absRoot)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve discovery root symlink %s: %w", absRoot, err)
		}
		if _, ok := seen[realRoot]; ok {
			continue
		}
		seen[realRoot] = struct{}{}
		resolved = append(resolved, realRoot)
	}
	if len(resolved) == 0 {
		return nil, fmt.Errorf("at least one discovery root is required")
	}

	return &Store{roots: resolved, logger: logger}, nil
}

// Roots returns the resolved discovery roots.
func (s *Store) Roots() []string {
	return append([]string(nil), s.roots...)
}

// Candidates returns every directory under the discovery roots that holds a
// manifest, in root order then lexical walk order. Hidden directories are
// skipped.
func (s *Store) Candidates(ctx context.Context) ([]string, error) {
	var dirs []string
	for _, root := range s.roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				if path == root {
					return walkErr
				}
				s.logger("warn", "skipping unreadable path during discovery", "path", path, "error", walkErr.Error())
				if d != nil && d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if d.Name() == ManifestFilename {
				dirs = append(dirs, filepath.Dir(path))
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan discovery root %s: %w", root, err)
		}
	}
	return dirs, nil
}

// Load finds the application declaring identifier. It returns ErrNotFound
// when no manifest declares it, or the *InvalidManifestError of the first
// manifest that declares it but fails validation.
func (s *Store) Load(ctx context.Context, identifier string) (Descriptor, error) {
	dirs, err := s.Candidates(ctx)
	if err != nil {
		return Descriptor{}, err
	}
	for _, dir := range dirs {
		desc, err := s.LoadAt(dir)
		if err != nil {
			var invalid *InvalidManifestError
			if errors.As(err, &invalid) && invalid.Identifier == identifier {
				return Descriptor{}, err
			}
			continue
		}
		if desc.Identifier == identifier {
			return desc, nil
		}
	}
	return Descriptor{}, fmt.Errorf("%w: %q", ErrNotFound, identifier)
}

// LoadAt reads and validates the manifest in dir. Every failure is an
// *InvalidManifestError.
func (s *Store) LoadAt(dir string) (Descriptor, error) {
	manifestPath := filepath.Join(dir, ManifestFilename)
	invalid := func(id string, err error) (Descriptor, error) {
		return Descriptor{}, &InvalidManifestError{Path: manifestPath, Identifier: id, Err: err}
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return invalid("", fmt.Errorf("failed to read manifest: %w", err))
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return invalid("", fmt.Errorf("failed to parse manifest YAML: %w", err))
	}
	m.Identifier = strings.TrimSpace(m.Identifier)
	m.NamespacePrefix = strings.TrimSpace(m.NamespacePrefix)

	if err := validateManifest(&m); err != nil {
		return invalid(m.Identifier, err)
	}

	root, err := s.resolveRoot(dir)
	if err != nil {
		return invalid(m.Identifier, err)
	}

	entrypoint, err := validateEntryPoint(root, m.EntryPoint)
	if err != nil {
		return invalid(m.Identifier, fmt.Errorf("trust validation failed: %w", err))
	}

	outputRoot := filepath.Clean(m.OutputRoot)
	if m.OutputRoot == "" {
		outputRoot = DefaultOutputRoot
	}
	if err := validateOutputRoot(root, outputRoot); err != nil {
		return invalid(m.Identifier, err)
	}

	return Descriptor{
		Identifier:        m.Identifier,
		Root:              root,
		IsolationRequired: m.IsolationRequired,
		NamespacePrefix:   m.NamespacePrefix,
		EntryPoint:        entrypoint,
		OutputRoot:        outputRoot,
		Dependencies:      append([]string(nil), m.Dependencies...),
		Version:           m.Version,
		Description:       m.Description,
		ManifestPath:      filepath.Join(root, ManifestFilename),
	}, nil
}

// resolveRoot resolves dir and checks it sits under a discovery root and is
// not world-writable.
func (s *Store) resolveRoot(dir string) (string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolve application root: %w", err)
	}
	root, err := filepath.EvalSymlinks(absDir)
	if err != nil {
		return "", fmt.Errorf("application root does not exist: %w", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		return "", fmt.Errorf("application root not found: %w", err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("application root is not a directory: %s", root)
	}
	if info.Mode().Perm()&0o002 != 0 {
		return "", fmt.Errorf("application root is world-writable: %s", root)
	}

	for _, discoveryRoot := range s.roots {
		if IsWithin(discoveryRoot, root) {
			return root, nil
		}
	}
	return "", fmt.Errorf("application root %s is not under any discovery root", root)
}

// validateEntryPoint enforces that the entry point resolves under root and is
// an executable regular file.
func validateEntryPoint(root, entry string) (string, error) {
	entryPath := filepath.Join(root, entry)
	resolved, err := filepath.EvalSymlinks(entryPath)
	if err != nil {
		return "", fmt.Errorf("entry_point not found: %w", err)
	}
	if !IsWithin(root, resolved) || resolved == root {
		return "", fmt.Errorf("entry_point %s is not under application root %s", resolved, root)
	}

	info, err := os.Stat(resolved)
	if err != nil {
		return "", fmt.Errorf("entry_point not found: %w", err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("entry_point is not a regular file: %s", resolved)
	}
	if info.Mode()&0o111 == 0 {
		return "", fmt.Errorf("entry_point is not executable: %s", resolved)
	}
	return resolved, nil
}

// validateOutputRoot rejects an existing output root that escapes the
// application root through a symlink.
func validateOutputRoot(root, outputRoot string) error {
	outDir := filepath.Join(root, outputRoot)
	resolved, err := filepath.EvalSymlinks(outDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve output_root: %w", err)
	}
	if !IsWithin(root, resolved) || resolved == root {
		return fmt.Errorf("output_root %s resolves outside application root %s", outputRoot, root)
	}
	return nil
}

// IsWithin reports whether path equals base or lies beneath it. Both must be
// clean absolute paths.
func IsWithin(base, path string) bool {
	if path == base {
		return true
	}
	return strings.HasPrefix(path, strings.TrimSuffix(base, string(os.PathSeparator))+string(os.PathSeparator))
}
