// Package doctor checks a router configuration against the applications it
// would serve and reports what would stop a dispatch from completing.
package doctor

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mattjoyce/switchyard/internal/app"
	"github.com/mattjoyce/switchyard/internal/config"
	"github.com/mattjoyce/switchyard/internal/registry"
	"github.com/mattjoyce/switchyard/internal/sandbox"
)

// Result holds the outcome of a check run.
type Result struct {
	Valid    bool        `json:"valid"`
	Apps     []AppStatus `json:"apps"`
	Errors   []Issue     `json:"errors,omitempty"`
	Warnings []Issue     `json:"warnings,omitempty"`
}

// AppStatus summarises one admitted application.
type AppStatus struct {
	Identifier   string   `json:"identifier"`
	Version      string   `json:"version,omitempty"`
	Root         string   `json:"root"`
	Namespace    string   `json:"namespace"`
	EntryPoint   string   `json:"entry_point"`
	OutputDir    string   `json:"output_dir"`
	Dependencies []string `json:"dependencies,omitempty"`
	Missing      []string `json:"missing_dependencies,omitempty"`
}

// Issue describes a single error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// DependencyChecker reports dependencies a dispatch would not find.
type DependencyChecker interface {
	MissingDependencies(desc app.Descriptor) []string
}

// Doctor validates configuration against a routing table.
type Doctor struct {
	cfg   *config.Config
	table *registry.Table
	deps  DependencyChecker
}

// New creates a Doctor. deps may be nil to skip dependency resolution.
func New(cfg *config.Config, table *registry.Table, deps DependencyChecker) *Doctor {
	return &Doctor{cfg: cfg, table: table, deps: deps}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true, Apps: []AppStatus{}}

	d.checkDiscoveryRoots(r)
	d.checkApps(r)
	d.checkDiscoveryWarnings(r)
	d.checkAppConfigRefs(r)
	d.checkProtectedPaths(r)
	d.checkSandbox(r, sandbox.Available())
	d.checkAPIConfig(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) checkDiscoveryRoots(r *Result) {
	for i, root := range d.cfg.Discovery.Roots {
		info, err := os.Stat(root)
		field := fmt.Sprintf("discovery.roots[%d]", i)
		switch {
		case err != nil:
			d.addError(r, "discovery", field, fmt.Sprintf("discovery root %s is not accessible: %v", root, err))
		case !info.IsDir():
			d.addError(r, "discovery", field, fmt.Sprintf("discovery root %s is not a directory", root))
		}
	}
}

// checkApps lists admitted applications and resolves their dependencies.
func (d *Doctor) checkApps(r *Result) {
	if d.table.Len() == 0 {
		d.addWarning(r, "apps", "", "no applications are routable")
		return
	}
	for _, desc := range d.table.Descriptors() {
		st := AppStatus{
			Identifier:   desc.Identifier,
			Version:      desc.Version,
			Root:         desc.Root,
			Namespace:    desc.NamespaceKey(),
			EntryPoint:   desc.EntryPoint,
			OutputDir:    desc.OutputDir(),
			Dependencies: desc.Dependencies,
		}
		if d.deps != nil {
			st.Missing = d.deps.MissingDependencies(desc)
			if len(st.Missing) > 0 {
				d.addError(r, "dependencies", desc.Identifier,
					fmt.Sprintf("application %q needs %s, not found on the dispatch PATH",
						desc.Identifier, strings.Join(st.Missing, ", ")))
			}
		}
		if _, err := os.Stat(desc.OutputDir()); err != nil {
			d.addWarning(r, "apps", desc.Identifier,
				fmt.Sprintf("output root %s does not exist yet", desc.OutputDir()))
		}
		r.Apps = append(r.Apps, st)
	}
}

// checkDiscoveryWarnings surfaces manifests the registry refused.
func (d *Doctor) checkDiscoveryWarnings(r *Result) {
	for _, w := range d.table.Warnings() {
		d.addError(r, string(w.Kind), w.Path, w.Message)
	}
}

// checkAppConfigRefs warns about settings for applications that are not
// routable and about values left empty by interpolation.
func (d *Doctor) checkAppConfigRefs(r *Result) {
	ids := make([]string, 0, len(d.cfg.Apps))
	for id := range d.cfg.Apps {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if _, err := d.table.Resolve(id); err != nil {
			d.addWarning(r, "config", "apps."+id,
				fmt.Sprintf("settings for %q but no such application was discovered", id))
		}
		keys := make([]string, 0, len(d.cfg.Apps[id].Env))
		for k := range d.cfg.Apps[id].Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if d.cfg.Apps[id].Env[k] == "" {
				d.addWarning(r, "env_vars", fmt.Sprintf("apps.%s.env.%s", id, k),
					"value is empty (possibly unresolved environment variable)")
			}
		}
	}
}

func (d *Doctor) checkProtectedPaths(r *Result) {
	roots := make(map[string]string)
	for _, desc := range d.table.Descriptors() {
		roots[desc.Identifier] = desc.Root
	}
	for i, p := range d.cfg.Execution.ProtectedPaths {
		field := fmt.Sprintf("execution.protected_paths[%d]", i)
		if _, err := os.Stat(p); err != nil {
			d.addWarning(r, "protected_paths", field, fmt.Sprintf("%s does not exist; changes to it are still detected", p))
		}
		for id, root := range roots {
			if app.IsWithin(root, p) {
				d.addWarning(r, "protected_paths", field,
					fmt.Sprintf("%s is inside the root of %q and is not protected from it", p, id))
			}
		}
	}
}

func (d *Doctor) checkSandbox(r *Result, available bool) {
	const unconfined = "reads outside application roots go undetected and supervised runs are serialised"
	switch mode := d.cfg.Execution.Sandbox; {
	case mode == config.SandboxOff:
		d.addWarning(r, "sandbox", "execution.sandbox", "confinement is disabled; "+unconfined)
	case available:
	case mode == config.SandboxRequired:
		d.addError(r, "sandbox", "execution.sandbox",
			fmt.Sprintf("confinement is required but landlock ABI %d is below %d", sandbox.ABI(), sandbox.MinABI))
	default:
		d.addWarning(r, "sandbox", "execution.sandbox", "landlock is unavailable; "+unconfined)
	}
}

func (d *Doctor) checkAPIConfig(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	if d.cfg.API.Auth.APIKey == "" && len(d.cfg.API.Auth.Tokens) == 0 {
		d.addWarning(r, "api", "api.auth.api_key", "API enabled but no authentication configured; every /v1 request will be refused")
	}
}

// FormatHuman returns a human-readable report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%d application(s) routable\n", len(r.Apps))
	for _, a := range r.Apps {
		fmt.Fprintf(&b, "  %-20s %s\n", a.Identifier, a.Root)
		if len(a.Missing) > 0 {
			fmt.Fprintf(&b, "  %-20s missing: %s\n", "", strings.Join(a.Missing, ", "))
		}
	}

	switch {
	case r.Valid && len(r.Warnings) == 0:
		b.WriteString("Configuration valid.\n")
		return b.String()
	case r.Valid:
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	default:
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}
	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
