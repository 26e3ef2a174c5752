// Package proxy runs an application's entry point inside its execution
// context and checks afterwards that nothing outside the application's own
// root was touched.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/log"
	"github.com/mattjoyce/switchyard/internal/sandbox"
	"github.com/mattjoyce/switchyard/internal/workspace"
)

// Config holds boundary supervision settings.
type Config struct {
	// ProtectedPaths are extra trees no application may change.
	ProtectedPaths []string
	// DiscoveryRoots are protected as a whole; application roots inside
	// them are checked per application.
	DiscoveryRoots []string
	// ReadOnlyPaths are what a confined entry point may read besides its
	// own root. Defaults to sandbox.DefaultReadOnly.
	ReadOnlyPaths []string
	// ScratchBase is never treated as protected.
	ScratchBase  string
	HashContents bool
	HashMaxBytes int64
}

// Request is one execution.
type Request struct {
	App     app.Descriptor
	Payload string
	Context *workspace.Context
	// Siblings are the other admitted applications; their roots are
	// protected for the duration of the run.
	Siblings []app.Descriptor
}

// RawOutcome is what one execution produced before validation.
type RawOutcome struct {
	DispatchID string
	ExitCode   int
	Stdout     []byte
	Stderr     string
	Duration   time.Duration
	// Artifacts are regular files created or modified under the
	// application's root, sorted.
	Artifacts []string
}

// BoundaryViolationError reports changes a dispatch made outside its own
// application root, or accesses the kernel refused. Created entries are
// removed again; Unreverted lists what could not be undone.
type BoundaryViolationError struct {
	App        string
	Changes    []Change
	Unreverted []Change
	// Denied holds the entry point's own reports of refused accesses.
	Denied []string
}

func (e *BoundaryViolationError) Error() string {
	if len(e.Changes) == 0 {
		return fmt.Sprintf("application %q was denied access outside its root: %s",
			e.App, strings.Join(limit(e.Denied, 3), "; "))
	}
	paths := make([]string, 0, len(e.Changes))
	for _, c := range e.Changes {
		paths = append(paths, fmt.Sprintf("%s (%s)", c.Path, c.Kind))
	}
	msg := fmt.Sprintf("application %q changed %d path(s) outside its root: %s",
		e.App, len(e.Changes), strings.Join(limit(paths, 5), ", "))
	if len(e.Unreverted) > 0 {
		msg += fmt.Sprintf("; %d change(s) could not be reverted", len(e.Unreverted))
	}
	return msg
}

// ExitError reports an entry point that exited non-zero.
type ExitError struct {
	App        string
	Code       int
	StderrTail string
}

func (e *ExitError) Error() string {
	if e.StderrTail == "" {
		return fmt.Sprintf("application %q exited with status %d", e.App, e.Code)
	}
	return fmt.Sprintf("application %q exited with status %d: %s", e.App, e.Code, lastLine(e.StderrTail))
}

// Proxy executes entry points with boundary supervision.
//
// When the runner confines its processes the kernel keeps every entry point
// inside its own root, so dispatches to different applications run
// concurrently and only the application's own tree is diffed. Otherwise
// every supervised run holds an exclusive window from the first snapshot to
// the last diff, so any change found in a protected tree belongs to the run
// being checked.
type Proxy struct {
	runner   Runner
	confined bool
	guard    *Guard
	cfg      Config
	ledger   *Ledger
	locks    *appLocks
	window   chan struct{}
	logger   *slog.Logger
}

// New creates a proxy that starts processes through runner.
func New(runner Runner, cfg Config) *Proxy {
	if cfg.HashMaxBytes <= 0 {
		cfg.HashMaxBytes = 1 << 20
	}
	if cfg.ReadOnlyPaths == nil {
		cfg.ReadOnlyPaths = sandbox.DefaultReadOnly
	}
	confined := false
	if c, ok := runner.(Confiner); ok {
		confined = c.Confined()
	}
	return &Proxy{
		runner:   runner,
		confined: confined,
		guard:    &Guard{HashContents: cfg.HashContents, HashMaxBytes: cfg.HashMaxBytes},
		cfg:      cfg,
		ledger:   NewLedger(),
		locks:    newAppLocks(),
		window:   make(chan struct{}, 1),
		logger:   log.WithComponent("proxy"),
	}
}

// Confined reports whether entry points run under kernel confinement.
func (p *Proxy) Confined() bool { return p.confined }

// Ledger exposes the in-flight ledger.
func (p *Proxy) Ledger() *Ledger { return p.ledger }

type tree struct {
	root string
	skip []string
}

// Execute runs req.App's entry point with req.Payload on stdin, inside
// req.Context. The context is released before Execute returns, whatever the
// outcome. Dispatches to the same application run one at a time.
func (p *Proxy) Execute(ctx context.Context, req Request) (RawOutcome, error) {
	desc, wctx := req.App, req.Context
	if wctx == nil {
		return RawOutcome{}, errors.New("execution context is required")
	}
	defer func() {
		if err := wctx.Release(); err != nil {
			p.logger.Warn("failed to release execution context", "dispatch_id", wctx.DispatchID, "error", err)
		}
	}()
	out := RawOutcome{DispatchID: wctx.DispatchID, ExitCode: -1}

	release, err := p.locks.acquire(ctx, desc.Identifier)
	if err != nil {
		return out, fmt.Errorf("waiting for application %q: %w", desc.Identifier, err)
	}
	defer release()

	ticket := p.ledger.Begin(desc.Identifier)
	defer ticket.End()

	var trees []tree
	if !p.confined {
		select {
		case p.window <- struct{}{}:
			defer func() { <-p.window }()
		case <-ctx.Done():
			return out, fmt.Errorf("waiting for supervision window: %w", ctx.Err())
		}
		trees = p.protectedTrees(desc, req.Siblings)
	}

	ownBefore, err := p.guard.Snapshot(ctx, desc.Root, nil)
	if err != nil {
		return out, fmt.Errorf("snapshot application root: %w", err)
	}
	before := make([]*Snapshot, len(trees))
	for i, t := range trees {
		if before[i], err = p.guard.Snapshot(ctx, t.root, t.skip); err != nil {
			return out, fmt.Errorf("snapshot protected tree: %w", err)
		}
	}

	inv := Invocation{
		Path:  desc.EntryPoint,
		Dir:   wctx.WorkDir,
		Env:   wctx.Env,
		Stdin: []byte(req.Payload),
	}
	if p.confined {
		inv.Confine = p.policy(desc, wctx, req.Siblings)
	}
	res, runErr := p.runner.Run(ctx, inv)
	out.ExitCode = res.ExitCode
	out.Stdout = res.Stdout
	out.Stderr = res.Stderr
	out.Duration = res.Duration

	// The checks below must run even when ctx is already done.
	checkCtx := context.WithoutCancel(ctx)

	var violations []Change
	for i, t := range trees {
		after, err := p.guard.Snapshot(checkCtx, t.root, t.skip)
		if err != nil {
			return out, fmt.Errorf("snapshot protected tree after run: %w", err)
		}
		violations = append(violations, Diff(before[i], after)...)
	}
	if len(violations) > 0 {
		unreverted := Revert(violations)
		p.logger.Warn("boundary violation", "app", desc.Identifier, "dispatch_id", wctx.DispatchID,
			"changes", len(violations), "unreverted", len(unreverted))
		return out, &BoundaryViolationError{App: desc.Identifier, Changes: violations, Unreverted: unreverted}
	}

	ownAfter, err := p.guard.Snapshot(checkCtx, desc.Root, nil)
	if err != nil {
		return out, fmt.Errorf("snapshot application root after run: %w", err)
	}
	out.Artifacts = artifacts(Diff(ownBefore, ownAfter))

	if runErr != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(runErr, ctxErr) {
			return out, fmt.Errorf("execution of %q interrupted: %w", desc.Identifier, runErr)
		}
		return out, fmt.Errorf("run application %q: %w", desc.Identifier, runErr)
	}
	if res.ExitCode != 0 {
		if p.confined {
			if denied := sandbox.DeniedAccess(res.Stderr); len(denied) > 0 {
				p.logger.Warn("boundary violation", "app", desc.Identifier, "dispatch_id", wctx.DispatchID,
					"denied", len(denied))
				return out, &BoundaryViolationError{App: desc.Identifier, Denied: denied}
			}
		}
		return out, &ExitError{App: desc.Identifier, Code: res.ExitCode, StderrTail: res.Stderr}
	}
	return out, nil
}

// policy grants desc read-write access to its own root and scratch
// directory, and read access to system paths that expose no other
// application.
func (p *Proxy) policy(desc app.Descriptor, wctx *workspace.Context, siblings []app.Descriptor) *sandbox.Policy {
	guarded := append([]string(nil), p.cfg.DiscoveryRoots...)
	for _, s := range siblings {
		if s.Root != desc.Root {
			guarded = append(guarded, s.Root)
		}
	}
	guarded = append(guarded, p.cfg.ProtectedPaths...)

	readOnly, dropped := sandbox.ReadOnlyFor(p.cfg.ReadOnlyPaths, guarded)
	if len(dropped) > 0 {
		p.logger.Debug("read-only paths withheld from confined run", "app", desc.Identifier, "paths", dropped)
	}
	readWrite := append([]string{desc.Root, wctx.ScratchDir}, sandbox.DefaultDevices...)
	return &sandbox.Policy{ReadWrite: readWrite, ReadOnly: readOnly}
}

// protectedTrees lists sibling roots, discovery roots and configured
// protected paths. The application's own root and the scratch base are
// carved out.
func (p *Proxy) protectedTrees(desc app.Descriptor, siblings []app.Descriptor) []tree {
	var trees []tree
	var siblingRoots []string
	for _, s := range siblings {
		if s.Identifier == desc.Identifier || s.Root == desc.Root {
			continue
		}
		trees = append(trees, tree{root: s.Root})
		siblingRoots = append(siblingRoots, s.Root)
	}

	skip := append([]string{desc.Root}, siblingRoots...)
	if p.cfg.ScratchBase != "" {
		skip = append(skip, p.cfg.ScratchBase)
	}
	covered := append([]string(nil), siblingRoots...)
	extra := append(append([]string(nil), p.cfg.DiscoveryRoots...), p.cfg.ProtectedPaths...)
	for _, path := range extra {
		if app.IsWithin(desc.Root, path) || coveredBy(covered, path) {
			continue
		}
		trees = append(trees, tree{root: path, skip: skip})
		covered = append(covered, path)
	}
	return trees
}

func coveredBy(roots []string, path string) bool {
	for _, r := range roots {
		if app.IsWithin(r, path) {
			return true
		}
	}
	return false
}

func artifacts(changes []Change) []string {
	var paths []string
	for _, c := range changes {
		if c.IsDir || c.Kind == Removed {
			continue
		}
		paths = append(paths, c.Path)
	}
	sort.Strings(paths)
	return paths
}

func limit(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return append(append([]string(nil), items[:n]...), fmt.Sprintf("and %d more", len(items)-n))
}

func lastLine(s string) string {
	s = strings.TrimRight(s, "\n")
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
