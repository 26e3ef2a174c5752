// Package registry builds routing tables from discovered application
// manifests and publishes them to in-flight dispatches without mutation.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattjoyce/switchyard/internal/app"
)

// Source is the descriptor store the registry scans.
type Source interface {
	Candidates(ctx context.Context) ([]string, error)
	LoadAt(dir string) (app.Descriptor, error)
}

// Build scans src and admits descriptors in discovery order. A later
// descriptor is rejected, with a warning, when its identifier, namespace
// prefix, or root collides with an already admitted one. Only a failure to
// enumerate candidates is returned as an error.
func Build(ctx context.Context, src Source, logger func(level, msg string, args ...any)) (*Table, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	dirs, err := src.Candidates(ctx)
	if err != nil {
		return nil, err
	}

	var (
		admitted   []app.Descriptor
		warnings   []Warning
		byID       = make(map[string]app.Descriptor)
		byNS       = make(map[string]app.Descriptor)
		rejectWith = func(kind WarningKind, path, id, msg string) {
			warnings = append(warnings, Warning{Kind: kind, Path: path, Identifier: id, Message: msg})
			logger("warn", "application not admitted", "kind", string(kind), "path", path, "app", id, "reason", msg)
		}
	)

	for _, dir := range dirs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		desc, err := src.LoadAt(dir)
		if err != nil {
			var invalid *app.InvalidManifestError
			if errors.As(err, &invalid) {
				rejectWith(WarnInvalidManifest, invalid.Path, invalid.Identifier, invalid.Err.Error())
			} else {
				rejectWith(WarnInvalidManifest, dir, "", err.Error())
			}
			continue
		}

		if existing, ok := byID[desc.Identifier]; ok {
			rejectWith(WarnDuplicateIdentifier, desc.Root, desc.Identifier,
				fmt.Sprintf("identifier already registered by %s (keeping first discovered)", existing.Root))
			continue
		}
		if existing, ok := byNS[desc.NamespaceKey()]; ok {
			rejectWith(WarnNamespaceCollision, desc.Root, desc.Identifier,
				fmt.Sprintf("namespace_prefix %q collides with %q of application %q", desc.NamespacePrefix, existing.NamespacePrefix, existing.Identifier))
			continue
		}
		if other, ok := overlapping(admitted, desc.Root); ok {
			rejectWith(WarnOverlappingRoot, desc.Root, desc.Identifier,
				fmt.Sprintf("root overlaps application %q at %s", other.Identifier, other.Root))
			continue
		}

		byID[desc.Identifier] = desc
		byNS[desc.NamespaceKey()] = desc
		admitted = append(admitted, desc)
		logger("info", "loaded application", "app", desc.Identifier, "path", desc.Root, "version", desc.Version)
	}

	return newTable(admitted, warnings, time.Now().UTC()), nil
}

func overlapping(admitted []app.Descriptor, root string) (app.Descriptor, bool) {
	for _, d := range admitted {
		if app.IsWithin(d.Root, root) || app.IsWithin(root, d.Root) {
			return d, true
		}
	}
	return app.Descriptor{}, false
}

// Registry publishes the current routing table. Rebuilding swaps in a new
// table; tables already handed out are never modified.
type Registry struct {
	src     Source
	logger  func(level, msg string, args ...any)
	current atomic.Pointer[Table]

	rebuild  sync.Mutex
	onChange func(next *Table, added, removed []string)
}

// New returns a registry with an empty table. Call Rediscover to populate it.
func New(src Source, logger func(level, msg string, args ...any)) *Registry {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}
	r := &Registry{src: src, logger: logger}
	r.current.Store(Empty())
	return r
}

// OnChange registers fn to run after a rebuild publishes a table that
// differs from the previous one. It runs under the rebuild lock.
func (r *Registry) OnChange(fn func(next *Table, added, removed []string)) {
	r.rebuild.Lock()
	defer r.rebuild.Unlock()
	r.onChange = fn
}

// Current returns the table new dispatches should use.
func (r *Registry) Current() *Table {
	return r.current.Load()
}

// Rediscover builds a fresh table and publishes it. On failure the previous
// table stays in place.
func (r *Registry) Rediscover(ctx context.Context) (*Table, error) {
	r.rebuild.Lock()
	defer r.rebuild.Unlock()

	next, err := Build(ctx, r.src, r.logger)
	if err != nil {
		return nil, fmt.Errorf("rediscover applications: %w", err)
	}

	prev := r.current.Swap(next)
	if prev != nil && !prev.Equal(next) {
		added, removed := diffIdentifiers(prev, next)
		r.logger("info", "routing table changed",
			"apps", next.Len(), "added", added, "removed", removed, "fingerprint", next.Fingerprint())
		if r.onChange != nil {
			r.onChange(next, added, removed)
		}
	}
	return next, nil
}

func diffIdentifiers(prev, next *Table) (added, removed []string) {
	for _, id := range next.order {
		if _, ok := prev.entries[id]; !ok {
			added = append(added, id)
		}
	}
	for _, id := range prev.order {
		if _, ok := next.entries[id]; !ok {
			removed = append(removed, id)
		}
	}
	return added, removed
}
