package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// =============================================================================
// Slugify Tests
// =============================================================================

func TestSlugify_Basic(t *testing.T) {
	assert.Equal(t, "hello-world", Slugify("Hello World"))
}

func TestSlugify_CollapsesSeparators(t *testing.T) {
	assert.Equal(t, "hello-world", Slugify("hello _- world"))
}

func TestSlugify_TrimsSeparators(t *testing.T) {
	assert.Equal(t, "trim-me", Slugify(" -trim me. "))
}

func TestSlugify_TableDriven(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{"basic", "Hello World", "hello-world"},
		{"lowercase", "already lowercase", "already-lowercase"},
		{"uppercase", "UPPERCASE", "uppercase"},
		{"numbers", "Test123App", "test123app"},
		{"special chars", "Hello! World?", "hello-world"},
		{"hyphens preserved", "my-app", "my-app"},
		{"underscores", "hello_world", "hello-world"},
		{"dots", "v3.0", "v3-0"},
		{"path", "acme_crm/API", "acme-crm-api"},
		{"unicode dropped", "Hällo", "hllo"},
		{"empty", "", ""},
		{"only special", "!@#$%", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Slugify(tt.input))
		})
	}
}

func TestInstanceName(t *testing.T) {
	assert.Equal(t, "acme-crm-database", InstanceName("acme-crm", "database"))
	assert.Equal(t, "acme-web-ui", InstanceName("Acme", "Web UI"))
}
