package deployment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Variable Substitution Functions
// =============================================================================

// SubstituteVariables replaces ${VAR} and ${VAR:-default} placeholders with
// values from the variables map and reports the names it could not resolve.
//
// Behavior:
//   - ${VAR} - replaced with variables["VAR"] if present, otherwise kept and reported
//   - ${VAR:-default} - replaced with variables["VAR"] if present, otherwise "default"
//   - ${VAR:-} - replaced with variables["VAR"] if present, otherwise ""
//   - unmatched text is left unchanged
//
// Examples:
//
//	SubstituteVariables("${PORT:-8080}", nil)
//	// Returns: "8080", nil
//
//	SubstituteVariables("postgres://${HOST}:${PORT}", map[string]string{"HOST": "db"})
//	// Returns: "postgres://db:${PORT}", []string{"PORT"}
func SubstituteVariables(value string, variables map[string]string) (string, []string) {
	var unresolved []string
	out := domain.PlaceholderPattern.ReplaceAllStringFunc(value, func(match string) string {
		sub := domain.PlaceholderPattern.FindStringSubmatch(match)
		name := sub[1]
		if val, ok := variables[name]; ok {
			return val
		}
		if sub[2] != "" {
			return sub[3]
		}
		unresolved = append(unresolved, name)
		return match
	})
	return out, unresolved
}

// ResolveVariables applies declared defaults under the supplied values and
// checks that every required variable has a value.
// Supplied values for undeclared names are kept.
func ResolveVariables(specs []domain.VariableSpec, supplied map[string]string) (map[string]string, error) {
	resolved := make(map[string]string, len(specs)+len(supplied))
	for _, spec := range specs {
		if spec.Default != "" {
			resolved[spec.Name] = spec.Default
		}
	}
	for k, v := range supplied {
		resolved[k] = v
	}

	var missing []string
	for _, spec := range specs {
		if !spec.Required {
			continue
		}
		if v, ok := resolved[spec.Name]; !ok || v == "" {
			missing = append(missing, spec.Name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingVariable, strings.Join(missing, ", "))
	}
	return resolved, nil
}
