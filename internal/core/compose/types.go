package compose

import "github.com/artpar/stacker/internal/core/domain"

// =============================================================================
// Manifest Extensions
// =============================================================================

const (
	// ExtensionStack is the top-level key carrying stack metadata.
	ExtensionStack = "x-stacker"

	// ExtensionLifecycle is the per-service key selecting "service" or "init".
	ExtensionLifecycle = "x-lifecycle"

	// LabelLifecycle is accepted as an alternative to ExtensionLifecycle.
	LabelLifecycle = "stacker.lifecycle"
)

// StackMeta is the content of the x-stacker extension.
//
//	x-stacker:
//	  name: CRM
//	  description: Customer relationship manager
//	  variables:
//	    - name: DB_PASSWORD
//	      required: true
//	  settings:
//	    health:
//	      restart_threshold: 5
type StackMeta struct {
	Name        string                `yaml:"name"`
	Description string                `yaml:"description"`
	Variables   []domain.VariableSpec `yaml:"variables"`
	Settings    domain.ConfigSnapshot `yaml:"settings"`
}

// rawManifest captures the parts of the document compose-go does not
// preserve: service declaration order and the stack extension.
type rawManifest struct {
	Services rawServices `yaml:"services"`
	Stack    StackMeta   `yaml:"x-stacker"`
}

// rawServices records the keys of the services mapping in document order.
type rawServices struct {
	Order []string
}
