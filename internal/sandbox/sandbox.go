// Package sandbox confines an entry point to its own application root with
// Landlock. The router cannot restrict itself, so a confined child is started
// by re-executing the current binary with a policy in the environment; Main
// applies the policy and then execs the entry point, which inherits the
// restrictions.
package sandbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/landlock-lsm/go-landlock/landlock"
	ll "github.com/landlock-lsm/go-landlock/landlock/syscall"

	"github.com/mattjoyce/switchyard/internal/app"
)

// EnvPolicy carries the JSON policy from the router to the re-executed child.
const EnvPolicy = "SWITCHYARD_SANDBOX_POLICY"

// MinABI is the first Landlock ABI that also governs truncation. Older
// kernels would leave truncate(2) on sibling files unchecked.
const MinABI = 3

// ExitSetupFailed is the child's exit status when the policy could not be
// applied or the entry point could not be started.
const ExitSetupFailed = 126

// DefaultReadOnly are system trees an entry point may read and execute from.
var DefaultReadOnly = []string{
	"/bin", "/sbin", "/usr", "/lib", "/lib32", "/lib64", "/libx32",
	"/etc", "/opt", "/nix/store",
}

// DefaultDevices are device files an entry point may read and write.
var DefaultDevices = []string{"/dev/null", "/dev/zero", "/dev/urandom", "/dev/random"}

// Policy is what a confined entry point may touch. Everything else is denied
// by the kernel with EACCES.
type Policy struct {
	Entry     string   `json:"entry"`
	ReadWrite []string `json:"read_write"`
	ReadOnly  []string `json:"read_only"`
}

// ABI returns the kernel's Landlock ABI version, or 0 when Landlock is
// unavailable.
func ABI() int {
	v, err := ll.LandlockGetABIVersion()
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// Available reports whether the kernel can enforce a Policy.
func Available() bool {
	return ABI() >= MinABI
}

// ErrUnavailable is returned when confinement is required but the kernel
// does not support it.
var ErrUnavailable = errors.New("landlock is not available on this kernel")

// Launcher builds commands that start an entry point under a Policy.
type Launcher struct {
	self string
}

// NewLauncher returns a launcher that re-executes the running binary. The
// binary must call Main before doing anything else.
func NewLauncher() (*Launcher, error) {
	if !Available() {
		return nil, fmt.Errorf("%w (abi %d, need %d)", ErrUnavailable, ABI(), MinABI)
	}
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate own executable: %w", err)
	}
	return &Launcher{self: self}, nil
}

// Command returns the path and environment to start instead of p.Entry.
func (l *Launcher) Command(p Policy, env []string) (string, []string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("encode sandbox policy: %w", err)
	}
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if !strings.HasPrefix(kv, EnvPolicy+"=") {
			out = append(out, kv)
		}
	}
	return l.self, append(out, EnvPolicy+"="+string(data)), nil
}

// Main turns the current process into a confined entry point when it was
// started by a Launcher, and returns otherwise. It never returns in the
// confined case.
func Main() {
	raw, ok := os.LookupEnv(EnvPolicy)
	if !ok {
		return
	}
	if err := run(raw); err != nil {
		fmt.Fprintf(os.Stderr, "switchyard sandbox: %v\n", err)
	}
	os.Exit(ExitSetupFailed)
}

func run(raw string) error {
	var p Policy
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return fmt.Errorf("decode policy: %w", err)
	}
	if p.Entry == "" {
		return errors.New("policy has no entry point")
	}
	if err := os.Unsetenv(EnvPolicy); err != nil {
		return fmt.Errorf("clear policy from environment: %w", err)
	}
	if err := Restrict(p); err != nil {
		return err
	}
	return syscall.Exec(p.Entry, []string{p.Entry}, os.Environ())
}

// Restrict applies p to the calling process and all of its future children.
// Paths that do not exist are left out.
func Restrict(p Policy) error {
	rules := make([]landlock.Rule, 0, len(p.ReadWrite)+len(p.ReadOnly))
	for _, path := range p.ReadWrite {
		switch kind(path) {
		case dir:
			rules = append(rules, landlock.RWDirs(path))
		case file:
			rules = append(rules, landlock.RWFiles(path))
		}
	}
	for _, path := range p.ReadOnly {
		switch kind(path) {
		case dir:
			rules = append(rules, landlock.RODirs(path))
		case file:
			rules = append(rules, landlock.ROFiles(path))
		}
	}
	if err := landlock.V5.BestEffort().RestrictPaths(rules...); err != nil {
		return fmt.Errorf("apply landlock policy: %w", err)
	}
	return nil
}

type pathKind int

const (
	missing pathKind = iota
	dir
	file
)

func kind(path string) pathKind {
	info, err := os.Stat(path)
	if err != nil {
		return missing
	}
	if info.IsDir() {
		return dir
	}
	return file
}

// ReadOnlyFor drops every candidate that would expose one of the guarded
// roots: an ancestor of a root, or a path inside one.
func ReadOnlyFor(candidates, guarded []string) (kept, dropped []string) {
	for _, c := range candidates {
		c = filepath.Clean(c)
		exposes := false
		for _, g := range guarded {
			if app.IsWithin(c, g) || app.IsWithin(g, c) {
				exposes = true
				break
			}
		}
		if exposes {
			dropped = append(dropped, c)
			continue
		}
		kept = append(kept, c)
	}
	return kept, dropped
}

// DeniedAccess returns the stderr lines that report a permission error. A
// confined entry point that failed with such lines was stopped by the
// kernel at its boundary.
func DeniedAccess(stderr string) []string {
	var lines []string
	for _, line := range strings.Split(stderr, "\n") {
		l := strings.ToLower(line)
		if strings.Contains(l, "permission denied") || strings.Contains(l, "operation not permitted") {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	return lines
}
