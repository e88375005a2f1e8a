package config

import (
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ImportYAML converts a legacy YAML config file into config.json5.
// It refuses to overwrite an existing config unless force is set.
func ImportYAML(homeDir, yamlPath string, force bool) error {
	target := ConfigPath(homeDir)
	if !force {
		if _, err := os.Stat(target); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", target)
		}
	}

	data, err := os.ReadFile(yamlPath)
	if err != nil {
		return fmt.Errorf("read %s: %w", yamlPath, err)
	}
	var tree map[string]any
	if err := yaml.Unmarshal(data, &tree); err != nil {
		return fmt.Errorf("parse %s: %w", yamlPath, err)
	}

	plain, err := json.Marshal(normalizeYAML(tree))
	if err != nil {
		return fmt.Errorf("convert %s: %w", yamlPath, err)
	}
	if err := ValidateSchema(plain); err != nil {
		return fmt.Errorf("%s: %w", yamlPath, err)
	}

	var indented map[string]any
	if err := json.Unmarshal(plain, &indented); err != nil {
		return fmt.Errorf("reparse converted config: %w", err)
	}
	out, err := json.MarshalIndent(indented, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal converted config: %w", err)
	}
	out = append(out, '\n')

	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create oni home: %w", err)
	}
	return writeFileAtomic(target, out, 0o644)
}

// normalizeYAML rewrites yaml.v3's decoded values into JSON-encodable ones
// (map[any]any keys become strings).
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalizeYAML(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalizeYAML(val)
		}
		return out
	default:
		return v
	}
}
