package dispatch

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/protocol"
)

// Status is the terminal outcome a caller sees.
type Status string

const (
	StatusCompleted Status = protocol.StatusCompleted
	StatusRejected  Status = protocol.StatusRejected
	StatusDegraded  Status = protocol.StatusDegraded
)

// FailureKind says why a dispatch did not complete.
type FailureKind string

const (
	KindMalformed          FailureKind = "malformed"
	KindUnknownApplication FailureKind = "unknown_application"
	KindMissingDependency  FailureKind = "missing_dependency"
	KindContextFailed      FailureKind = "context_failed"
	KindBoundaryViolation  FailureKind = "boundary_violation"
	KindContractViolation  FailureKind = "contract_violation"
	KindApplicationFailed  FailureKind = "application_failed"
	KindSpawnFailed        FailureKind = "spawn_failed"
	KindCancelled          FailureKind = "cancelled"
	KindTimeout            FailureKind = "timeout"
	KindInternal           FailureKind = "internal_fault"
)

// stderrTailBytes bounds the stderr carried in a result.
const stderrTailBytes = 4 * 1024

// Result is the outcome of one dispatch.
type Result struct {
	Status     Status
	DispatchID string
	App        string
	// State is the last non-terminal state reached.
	State State

	OutputLocation string
	Artifacts      []string

	Kind     FailureKind
	Message  string
	Fallback string
	Known    []string

	// ExitCode is set once the entry point has run.
	ExitCode *int
	Stderr   string
	Duration time.Duration

	// Err is the underlying error, for callers that want errors.As.
	Err error
}

// Wire converts r to its JSON form.
func (r *Result) Wire() *protocol.DispatchResult {
	return &protocol.DispatchResult{
		Status:         string(r.Status),
		DispatchID:     r.DispatchID,
		App:            r.App,
		State:          string(r.State),
		OutputLocation: r.OutputLocation,
		Artifacts:      r.Artifacts,
		Kind:           string(r.Kind),
		Message:        r.Message,
		Fallback:       r.Fallback,
		Known:          r.Known,
		ExitCode:       r.ExitCode,
		Stderr:         r.Stderr,
		DurationMS:     r.Duration.Milliseconds(),
	}
}

// FallbackCommand is a shell command that runs the application directly,
// outside the router, with the same payload on stdin.
func FallbackCommand(desc app.Descriptor, payload string) string {
	entry := desc.EntryPoint
	if rel, err := filepath.Rel(desc.Root, desc.EntryPoint); err == nil && !strings.HasPrefix(rel, "..") {
		entry = "./" + rel
	}
	return fmt.Sprintf("cd %s && printf '%%s' %s | %s", shellQuote(desc.Root), shellQuote(payload), shellQuote(entry))
}

func shellQuote(s string) string {
	if s != "" && strings.Trim(s, "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789-_./") == "" {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
