package app

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"unicode"

	"github.com/go-playground/validator/v10"
)

// ManifestFilename is the file every application directory must contain.
const ManifestFilename = "manifest.yaml"

// DefaultOutputRoot is used when a manifest leaves output_root empty.
const DefaultOutputRoot = "output"

// Manifest is the self-declared description an application ships in its
// manifest.yaml. The router only ever reads it.
type Manifest struct {
	Identifier        string   `yaml:"identifier" validate:"required,cmdtoken"`
	Version           string   `yaml:"version,omitempty"`
	Description       string   `yaml:"description,omitempty"`
	IsolationRequired bool     `yaml:"isolation_required"`
	NamespacePrefix   string   `yaml:"namespace_prefix" validate:"required,nsprefix"`
	EntryPoint        string   `yaml:"entry_point" validate:"required,relpath"`
	OutputRoot        string   `yaml:"output_root,omitempty" validate:"omitempty,relpath"`
	Dependencies      []string `yaml:"dependencies,omitempty" validate:"dive,required,cmdtoken"`
}

// Descriptor is a validated, admitted view of one application.
type Descriptor struct {
	Identifier        string
	Root              string // absolute, symlink-resolved application directory
	IsolationRequired bool
	NamespacePrefix   string
	EntryPoint        string // absolute path to the executable under Root
	OutputRoot        string // relative to Root
	Dependencies      []string
	Version           string
	Description       string
	ManifestPath      string
}

// OutputDir returns the absolute directory all results must be written under.
func (d Descriptor) OutputDir() string {
	return filepath.Join(d.Root, d.OutputRoot)
}

// NamespaceKey returns the normalised form of the namespace prefix used for
// collision checks and environment variable names: upper case, with every
// character outside [A-Z0-9] folded to '_'.
func (d Descriptor) NamespaceKey() string {
	return NormalizeNamespace(d.NamespacePrefix)
}

// NormalizeNamespace folds a namespace prefix to its environment-safe key.
func NormalizeNamespace(prefix string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(strings.TrimSpace(prefix)) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

var (
	manifestValidate *validator.Validate
	nsPrefixPattern  = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.-]*$`)
)

func init() {
	manifestValidate = validator.New()
	manifestValidate.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = manifestValidate.RegisterValidation("cmdtoken", validateCommandToken)
	_ = manifestValidate.RegisterValidation("nsprefix", func(fl validator.FieldLevel) bool {
		return nsPrefixPattern.MatchString(fl.Field().String())
	})
	_ = manifestValidate.RegisterValidation("relpath", validateRelativePath)
}

// IsCommandToken reports whether s is usable as a command identifier:
// printable, no whitespace, no path separator.
func IsCommandToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) || unicode.IsSpace(r) || r == '/' || r == '\\' {
			return false
		}
	}
	return true
}

func validateCommandToken(fl validator.FieldLevel) bool {
	return IsCommandToken(fl.Field().String())
}

func validateRelativePath(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if filepath.IsAbs(p) {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	return true
}

// validateManifest checks required manifest fields and the isolation flag.
func validateManifest(m *Manifest) error {
	if err := manifestValidate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return describeFieldError(verrs[0])
		}
		return err
	}
	if !m.IsolationRequired {
		return fmt.Errorf("isolation_required must be true")
	}
	if out := filepath.Clean(m.OutputRoot); m.OutputRoot != "" && out == "." {
		return fmt.Errorf("output_root must name a subdirectory, not the application root")
	}
	return nil
}

func describeFieldError(fe validator.FieldError) error {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "cmdtoken":
		return fmt.Errorf("%s %q must be printable with no whitespace or path separators", field, fe.Value())
	case "nsprefix":
		return fmt.Errorf("%s %q must start with a letter and contain only letters, digits, '_', '-', '.'", field, fe.Value())
	case "relpath":
		return fmt.Errorf("%s %q must be a relative path without '..'", field, fe.Value())
	default:
		return fmt.Errorf("%s failed %s validation", field, fe.Tag())
	}
}
