package prompt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/goccy/go-yaml"
)

// LoadDir registers every .yaml, .yml or .json prompt file in path into r,
// overriding builtins with the same name and version. An override may only
// use variables the prompt it replaces already had. A missing directory
// loads nothing.
func (r *Registry) LoadDir(path string) (int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, nil
	}
	entries, err := os.ReadDir(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".yaml", ".yml", ".json":
		default:
			continue
		}
		spec, err := loadFile(filepath.Join(path, entry.Name()))
		if err != nil {
			return loaded, err
		}
		if current, ok := r.Resolve(spec.Name); ok {
			if err := checkOverride(current, spec); err != nil {
				return loaded, err
			}
		}
		if err := r.Register(spec); err != nil {
			return loaded, err
		}
		loaded++
	}
	return loaded, nil
}

func loadFile(path string) (Spec, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Spec{}, fmt.Errorf("read prompt file %q: %w", path, err)
	}
	var spec Spec
	// JSON is valid YAML, so one decoder serves both.
	if err := yaml.Unmarshal(content, &spec); err != nil {
		return Spec{}, fmt.Errorf("decode prompt file %q: %w", path, err)
	}
	if strings.TrimSpace(spec.Name) == "" {
		base := filepath.Base(path)
		spec.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return spec, nil
}
