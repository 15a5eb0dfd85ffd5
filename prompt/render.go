package prompt

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
)

// placeholder matches "{{ name }}" and the optional form "{{ name? }}", which
// renders empty when the variable is absent.
var placeholder = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.-]+)(\?)?\s*\}\}`)

// Render substitutes vars into template. Every required placeholder must
// have a value.
func Render(template string, vars map[string]string) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", fmt.Errorf("template is required")
	}
	var missing []string
	out := placeholder.ReplaceAllStringFunc(template, func(match string) string {
		m := placeholder.FindStringSubmatch(match)
		if value, ok := vars[m[1]]; ok {
			return value
		}
		if m[2] == "" && !slices.Contains(missing, m[1]) {
			missing = append(missing, m[1])
		}
		return ""
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("missing prompt variables: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// Variables lists the placeholders of template in first-use order.
func Variables(template string) []string {
	var names []string
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if !slices.Contains(names, m[1]) {
			names = append(names, m[1])
		}
	}
	return names
}

// Variables lists the placeholders used by the system and user templates.
func (s Spec) Variables() []string {
	names := Variables(s.System)
	for _, name := range Variables(s.User) {
		if !slices.Contains(names, name) {
			names = append(names, name)
		}
	}
	return names
}

// checkOverride rejects an override that needs variables the prompt it
// replaces never received from its caller.
func checkOverride(current, override Spec) error {
	known := current.Variables()
	var unknown []string
	for _, name := range override.Variables() {
		if !slices.Contains(known, name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return fmt.Errorf("prompt %s override uses unknown variables: %s", override.Name, strings.Join(unknown, ", "))
	}
	return nil
}
