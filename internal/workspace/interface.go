package workspace

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/mattjoyce/switchyard/internal/app"
)

// Context is everything one dispatch needs to run an application as if it
// had been invoked directly. It is built fresh per dispatch and never shared.
//
// Absolute paths for the application come from its descriptor; the scratch
// directory is owned by the router and lives outside every application root.
type Context struct {
	DispatchID string
	App        string
	WorkDir    string
	OutputDir  string
	Namespace  string
	Env        []string
	ScratchDir string
	CreatedAt  time.Time

	releaseOnce sync.Once
	releaseErr  error
}

// Release removes the scratch directory. Safe to call more than once.
func (c *Context) Release() error {
	if c == nil {
		return nil
	}
	c.releaseOnce.Do(func() {
		if c.ScratchDir == "" {
			return
		}
		if err := os.RemoveAll(c.ScratchDir); err != nil {
			c.releaseErr = fmt.Errorf("remove scratch directory for dispatch %q: %w", c.DispatchID, err)
		}
	})
	return c.releaseErr
}

// Lookup returns the value of key in the context environment.
func (c *Context) Lookup(key string) (string, bool) {
	prefix := key + "="
	for i := len(c.Env) - 1; i >= 0; i-- {
		if strings.HasPrefix(c.Env[i], prefix) {
			return strings.TrimPrefix(c.Env[i], prefix), true
		}
	}
	return "", false
}

type dispatchIDKey struct{}

// WithDispatchID returns a ctx carrying the ID Inject should use instead of
// generating one.
func WithDispatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, dispatchIDKey{}, id)
}

// DispatchIDFrom returns the dispatch ID carried by ctx, if any.
func DispatchIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(dispatchIDKey{}).(string)
	return id
}

// CleanupReport summarizes a cleanup run.
type CleanupReport struct {
	DeletedDirs int
}

// MissingDependencyError reports declared dependencies that could not be
// found on the context PATH.
type MissingDependencyError struct {
	App     string
	Missing []string
	Path    string
}

func (e *MissingDependencyError) Error() string {
	return fmt.Sprintf("application %q depends on %s, not found on PATH %q",
		e.App, strings.Join(e.Missing, ", "), e.Path)
}

// Provider builds and tears down execution contexts.
type Provider interface {
	// Inject prepares a context for one dispatch to desc.
	Inject(ctx context.Context, desc app.Descriptor) (*Context, error)

	// Cleanup removes scratch directories older than olderThan.
	Cleanup(ctx context.Context, olderThan time.Duration) (CleanupReport, error)
}
