// Package verify checks that a finished execution kept its results inside
// the application's declared output root.
package verify

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/proxy"
)

// ContractViolationError lists artifacts found outside the output root.
type ContractViolationError struct {
	App       string
	OutputDir string
	Offending []string
}

func (e *ContractViolationError) Error() string {
	return fmt.Sprintf("application %q wrote %d artifact(s) outside its output root %s: %s",
		e.App, len(e.Offending), e.OutputDir, strings.Join(e.Offending, ", "))
}

// Verified is the accepted result of one execution.
type Verified struct {
	OutputLocation string
	Artifacts      []string
}

// Validate accepts outcome only if every artifact, with symlinks resolved,
// lies under desc's output directory.
func Validate(desc app.Descriptor, outcome proxy.RawOutcome) (Verified, error) {
	outDir := resolve(desc.OutputDir())

	var offending []string
	artifacts := make([]string, 0, len(outcome.Artifacts))
	for _, a := range outcome.Artifacts {
		resolved := resolve(a)
		if resolved == outDir || !app.IsWithin(outDir, resolved) {
			offending = append(offending, a)
			continue
		}
		artifacts = append(artifacts, a)
	}
	if len(offending) > 0 {
		return Verified{}, &ContractViolationError{App: desc.Identifier, OutputDir: desc.OutputDir(), Offending: offending}
	}

	return Verified{
		OutputLocation: outputLocation(desc.OutputDir(), artifacts),
		Artifacts:      artifacts,
	}, nil
}

// outputLocation is the deepest directory containing every artifact, or
// outDir when there are none.
func outputLocation(outDir string, artifacts []string) string {
	if len(artifacts) == 0 {
		return outDir
	}
	common := filepath.Dir(artifacts[0])
	for _, a := range artifacts[1:] {
		for !app.IsWithin(common, a) {
			parent := filepath.Dir(common)
			if parent == common {
				break
			}
			common = parent
		}
	}
	if !app.IsWithin(outDir, common) {
		return outDir
	}
	return common
}

// resolve evaluates symlinks where the path still exists.
func resolve(p string) string {
	if r, err := filepath.EvalSymlinks(p); err == nil {
		return r
	}
	if _, err := os.Lstat(p); err != nil {
		if r, err := filepath.EvalSymlinks(filepath.Dir(p)); err == nil {
			return filepath.Join(r, filepath.Base(p))
		}
	}
	return filepath.Clean(p)
}
