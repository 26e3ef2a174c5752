package proxy

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeebo/blake3"

	"github.com/mattjoyce/switchyard/internal/app"
)

// ChangeKind classifies a difference between two snapshots.
type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Removed  ChangeKind = "removed"
)

// Change is one filesystem difference, with an absolute path.
type Change struct {
	Path  string     `json:"path"`
	Kind  ChangeKind `json:"kind"`
	IsDir bool       `json:"is_dir,omitempty"`
}

type entry struct {
	mode    fs.FileMode
	size    int64
	modTime time.Time
	// digest is a content hash for small regular files, or the link target
	// for symlinks.
	digest string
}

// Snapshot is the state of one directory tree at a point in time.
type Snapshot struct {
	Root    string
	entries map[string]entry
	exists  bool
}

// Len returns the number of entries below Root.
func (s *Snapshot) Len() int { return len(s.entries) }

// Guard takes snapshots of directory trees so changes made by a dispatch can
// be found afterwards.
type Guard struct {
	// HashContents adds a BLAKE3 digest for regular files no larger than
	// HashMaxBytes, catching same-size rewrites within one mtime tick.
	HashContents bool
	HashMaxBytes int64
}

// Snapshot walks root without following symlinks. Subtrees in skip are left
// out. A missing root yields an empty snapshot.
func (g *Guard) Snapshot(ctx context.Context, root string, skip []string) (*Snapshot, error) {
	snap := &Snapshot{Root: root, entries: make(map[string]entry)}

	info, err := os.Lstat(root)
	if os.IsNotExist(err) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}
	snap.exists = true
	if !info.IsDir() {
		e, err := g.entryFor(root, info)
		if err != nil {
			return nil, err
		}
		snap.entries["."] = e
		return snap, nil
	}

	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			// Entries may vanish mid-walk while another process works.
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == root {
			return nil
		}
		for _, s := range skip {
			if app.IsWithin(s, path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
		}

		info, err := d.Info()
		if os.IsNotExist(err) {
			return nil
		}
		if err != nil {
			return err
		}
		e, err := g.entryFor(path, info)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		snap.entries[rel] = e
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot %s: %w", root, err)
	}
	return snap, nil
}

func (g *Guard) entryFor(path string, info fs.FileInfo) (entry, error) {
	e := entry{mode: info.Mode(), size: info.Size(), modTime: info.ModTime()}
	switch {
	case info.Mode()&fs.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil && !os.IsNotExist(err) {
			return entry{}, fmt.Errorf("read symlink %s: %w", path, err)
		}
		e.digest = target
	case info.Mode().IsRegular() && g.HashContents && info.Size() <= g.HashMaxBytes:
		digest, err := hashFile(path)
		if err != nil && !os.IsNotExist(err) {
			return entry{}, err
		}
		e.digest = digest
	}
	return e, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Diff lists what changed between two snapshots of the same root, sorted by
// path. A directory whose only change is its mtime is not reported; its
// children are.
func Diff(before, after *Snapshot) []Change {
	var changes []Change
	abs := func(rel string) string {
		if rel == "." {
			return after.Root
		}
		return filepath.Join(after.Root, rel)
	}

	if before.exists != after.exists && len(before.entries) == 0 && len(after.entries) == 0 {
		kind := Created
		if before.exists {
			kind = Removed
		}
		changes = append(changes, Change{Path: after.Root, Kind: kind, IsDir: true})
	}

	for rel, a := range after.entries {
		b, ok := before.entries[rel]
		switch {
		case !ok:
			changes = append(changes, Change{Path: abs(rel), Kind: Created, IsDir: a.mode.IsDir()})
		case a.mode.IsDir() && b.mode.IsDir():
			continue
		case a.mode.Type() != b.mode.Type(),
			a.size != b.size,
			!a.modTime.Equal(b.modTime),
			a.digest != b.digest,
			a.mode.Perm() != b.mode.Perm():
			changes = append(changes, Change{Path: abs(rel), Kind: Modified, IsDir: a.mode.IsDir()})
		}
	}
	for rel, b := range before.entries {
		if _, ok := after.entries[rel]; !ok {
			changes = append(changes, Change{Path: abs(rel), Kind: Removed, IsDir: b.mode.IsDir()})
		}
	}

	sort.Slice(changes, func(i, j int) bool { return changes[i].Path < changes[j].Path })
	return changes
}

// Revert removes entries the dispatch created, deepest first, and returns
// the changes it could not undo. Modified and removed entries cannot be
// restored from a metadata snapshot.
func Revert(changes []Change) []Change {
	var created, rest []Change
	for _, c := range changes {
		if c.Kind == Created {
			created = append(created, c)
		} else {
			rest = append(rest, c)
		}
	}
	sort.Slice(created, func(i, j int) bool { return len(created[i].Path) > len(created[j].Path) })
	for _, c := range created {
		if err := os.RemoveAll(c.Path); err != nil {
			rest = append(rest, c)
		}
	}
	sort.Slice(rest, func(i, j int) bool { return rest[i].Path < rest[j].Path })
	return rest
}
