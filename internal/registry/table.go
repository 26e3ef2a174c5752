package registry

import (
	"encoding/hex"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/switchyard/internal/app"
)

// WarningKind classifies why a discovered application was not admitted.
type WarningKind string

const (
	WarnInvalidManifest     WarningKind = "invalid_manifest"
	WarnDuplicateIdentifier WarningKind = "duplicate_identifier"
	WarnNamespaceCollision  WarningKind = "namespace_collision"
	WarnOverlappingRoot     WarningKind = "overlapping_root"
)

// Warning records one application excluded from a table build.
type Warning struct {
	Kind       WarningKind `json:"kind"`
	Path       string      `json:"path"`
	Identifier string      `json:"identifier,omitempty"`
	Message    string      `json:"message"`
}

// UnknownApplicationError is returned by Resolve for identifiers not in the
// table. Known lists every routable identifier, sorted.
type UnknownApplicationError struct {
	Identifier string
	Known      []string
}

func (e *UnknownApplicationError) Error() string {
	if len(e.Known) == 0 {
		return fmt.Sprintf("unknown application %q (no applications are registered)", e.Identifier)
	}
	return fmt.Sprintf("unknown application %q (known: %s)", e.Identifier, strings.Join(e.Known, ", "))
}

// Table is an immutable routing table from identifier to descriptor. A
// dispatch holds one Table for its whole lifetime.
type Table struct {
	entries     map[string]app.Descriptor
	order       []string
	warnings    []Warning
	fingerprint string
	builtAt     time.Time
}

// Empty returns a table with no applications.
func Empty() *Table {
	return newTable(nil, nil, time.Time{})
}

func newTable(admitted []app.Descriptor, warnings []Warning, builtAt time.Time) *Table {
	t := &Table{
		entries:  make(map[string]app.Descriptor, len(admitted)),
		order:    make([]string, 0, len(admitted)),
		warnings: append([]Warning(nil), warnings...),
		builtAt:  builtAt,
	}
	for _, d := range admitted {
		t.entries[d.Identifier] = d
		t.order = append(t.order, d.Identifier)
	}
	t.fingerprint = fingerprint(admitted)
	return t
}

// Resolve looks up identifier. Absence yields *UnknownApplicationError.
func (t *Table) Resolve(identifier string) (app.Descriptor, error) {
	d, ok := t.entries[identifier]
	if !ok {
		return app.Descriptor{}, &UnknownApplicationError{Identifier: identifier, Known: t.Identifiers()}
	}
	return cloneDescriptor(d), nil
}

// Identifiers returns all routable identifiers, sorted.
func (t *Table) Identifiers() []string {
	ids := append([]string(nil), t.order...)
	sort.Strings(ids)
	return ids
}

// Descriptors returns the admitted descriptors in admission order.
func (t *Table) Descriptors() []app.Descriptor {
	out := make([]app.Descriptor, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, cloneDescriptor(t.entries[id]))
	}
	return out
}

// Len returns the number of routable applications.
func (t *Table) Len() int { return len(t.order) }

// Warnings returns the exclusions recorded while building the table.
func (t *Table) Warnings() []Warning { return append([]Warning(nil), t.warnings...) }

// Fingerprint is a BLAKE3 digest over the admitted descriptors.
func (t *Table) Fingerprint() string { return t.fingerprint }

// BuiltAt returns when discovery produced this table.
func (t *Table) BuiltAt() time.Time { return t.builtAt }

// RootsExcept returns the roots of every admitted application other than
// identifier, in admission order.
func (t *Table) RootsExcept(identifier string) []string {
	roots := make([]string, 0, len(t.order))
	for _, id := range t.order {
		if id == identifier {
			continue
		}
		roots = append(roots, t.entries[id].Root)
	}
	return roots
}

// Equal reports whether both tables route the same identifiers to the same
// descriptors.
func (t *Table) Equal(other *Table) bool {
	if t == nil || other == nil {
		return t == other
	}
	return t.fingerprint == other.fingerprint && reflect.DeepEqual(t.entries, other.entries)
}

func cloneDescriptor(d app.Descriptor) app.Descriptor {
	d.Dependencies = append([]string(nil), d.Dependencies...)
	return d
}

func fingerprint(descs []app.Descriptor) string {
	sorted := append([]app.Descriptor(nil), descs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Identifier < sorted[j].Identifier })

	h := blake3.New()
	for _, d := range sorted {
		fields := []string{
			d.Identifier, d.Root, d.NamespacePrefix, d.EntryPoint, d.OutputRoot,
			strings.Join(d.Dependencies, ","), d.Version,
		}
		_, _ = h.Write([]byte(strings.Join(fields, "\x1f")))
		_, _ = h.Write([]byte{'\x1e'})
	}
	return hex.EncodeToString(h.Sum(nil))
}
