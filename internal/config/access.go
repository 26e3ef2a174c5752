package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// GetPath retrieves a value from the configuration using a dot-notation path
// such as "execution.grace_period". The address "app:<id>" is shorthand for
// "apps.<id>".
func (c *Config) GetPath(path string) (any, error) {
	path, err := expandAddress(path)
	if err != nil {
		return nil, err
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	var m map[string]any
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return getValue(m, path)
}

// SetPath writes value at path in the config file this Config was loaded
// from. The edited file must still load and validate; otherwise the original
// bytes are restored and the validation error returned.
func (c *Config) SetPath(path, value string) error {
	if c.SourcePath == "" {
		return fmt.Errorf("no configuration file loaded; pass --config to edit one")
	}
	path, err := expandAddress(path)
	if err != nil {
		return err
	}

	original, err := os.ReadFile(c.SourcePath)
	if err != nil {
		return fmt.Errorf("read config %s: %w", c.SourcePath, err)
	}
	var root yaml.Node
	if err := yaml.Unmarshal(original, &root); err != nil {
		return fmt.Errorf("parse config %s: %w", c.SourcePath, err)
	}
	if root.Kind != yaml.DocumentNode || len(root.Content) == 0 {
		root = yaml.Node{Kind: yaml.DocumentNode, Content: []*yaml.Node{{Kind: yaml.MappingNode, Tag: "!!map"}}}
	}

	target, err := findNode(root.Content[0], path)
	if err != nil {
		return fmt.Errorf("failed to navigate/create path %q: %w", path, err)
	}
	target.Kind = yaml.ScalarNode
	target.Content = nil
	target.Value = value
	target.Tag = guessTag(value)

	candidate, err := yaml.Marshal(&root)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return persistWithValidation(c.SourcePath, original, candidate)
}

func expandAddress(path string) (string, error) {
	head, rest, _ := strings.Cut(path, ".")
	kind, name, ok := strings.Cut(head, ":")
	if !ok {
		return path, nil
	}
	if kind != "app" || name == "" {
		return "", fmt.Errorf("unsupported address %q (expected app:<identifier>)", head)
	}
	if rest == "" {
		return "apps." + name, nil
	}
	return "apps." + name + "." + rest, nil
}

func getValue(m map[string]any, path string) (any, error) {
	var current any = m
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			continue
		}
		node, ok := current.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("path %q breaks at %q (not a map)", path, part)
		}
		val, exists := node[part]
		if !exists {
			return nil, fmt.Errorf("path %q: key %q not found", path, part)
		}
		current = val
	}
	return current, nil
}

// findNode walks a mapping node along path, creating missing keys.
func findNode(node *yaml.Node, path string) (*yaml.Node, error) {
	current := node
	for _, part := range strings.Split(path, ".") {
		if part == "" {
			return nil, fmt.Errorf("empty path segment")
		}
		if current.Kind != yaml.MappingNode {
			return nil, fmt.Errorf("%q is not a mapping", part)
		}

		var next *yaml.Node
		for i := 0; i+1 < len(current.Content); i += 2 {
			if current.Content[i].Value == part {
				next = current.Content[i+1]
				break
			}
		}
		if next == nil {
			next = &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
			current.Content = append(current.Content,
				&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: part}, next)
		}
		current = next
	}
	return current, nil
}

func guessTag(v string) string {
	if v == "true" || v == "false" {
		return "!!bool"
	}
	isDigit := v != "" && v != "-"
	for i, c := range v {
		if i == 0 && c == '-' {
			continue
		}
		if c < '0' || c > '9' {
			isDigit = false
			break
		}
	}
	if isDigit {
		return "!!int"
	}
	return "!!str"
}

func persistWithValidation(path string, original, candidate []byte) error {
	mode := os.FileMode(0o644)
	if info, err := os.Stat(path); err == nil {
		mode = info.Mode().Perm()
	}
	// A locked file stays locked across edits.
	_, lockErr := LoadChecksum(path)
	locked := lockErr == nil

	if err := os.WriteFile(path, candidate, mode); err != nil {
		return fmt.Errorf("failed to persist config change: %w", err)
	}
	if locked {
		if _, err := Lock(path); err != nil {
			_ = os.WriteFile(path, original, mode)
			return fmt.Errorf("relock config: %w", err)
		}
	}

	if _, err := Load(path); err != nil {
		restoreErr := os.WriteFile(path, original, mode)
		if restoreErr == nil && locked {
			_, restoreErr = Lock(path)
		}
		if restoreErr != nil {
			return fmt.Errorf("validation failed (%v) and rollback failed (%v)", err, restoreErr)
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}
