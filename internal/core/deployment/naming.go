package deployment

import (
	"fmt"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Resource Naming Functions
// =============================================================================

// NetworkName generates the default network of a stack instance.
// Pattern: stacker_{environment}_{stack}
//
// Example:
//
//	NetworkName("prod", "crm") // returns "stacker_prod_crm"
func NetworkName(environmentID, stackName string) string {
	return fmt.Sprintf("stacker_%s_%s", domain.Slugify(environmentID), domain.Slugify(stackName))
}

// ScopedNetworkName generates the name of a manifest-declared network.
// The compose "default" network maps to NetworkName.
//
// Example:
//
//	ScopedNetworkName("prod", "crm", "backend") // returns "stacker_prod_crm_backend"
func ScopedNetworkName(environmentID, stackName, network string) string {
	if network == "" || network == "default" {
		return NetworkName(environmentID, stackName)
	}
	return fmt.Sprintf("%s_%s", NetworkName(environmentID, stackName), domain.Slugify(network))
}

// VolumeName generates a named volume for a stack instance.
// Pattern: stacker_{environment}_{stack}_{volume}
//
// Example:
//
//	VolumeName("prod", "crm", "pgdata") // returns "stacker_prod_crm_pgdata"
func VolumeName(environmentID, stackName, volumeName string) string {
	return fmt.Sprintf("stacker_%s_%s_%s", domain.Slugify(environmentID), domain.Slugify(stackName), domain.Slugify(volumeName))
}

// ContainerName generates a container name for a service in a stack instance.
// Pattern: stacker_{environment}_{stack}_{service}
//
// Example:
//
//	ContainerName("prod", "crm", "api") // returns "stacker_prod_crm_api"
func ContainerName(environmentID, stackName, serviceName string) string {
	return fmt.Sprintf("stacker_%s_%s_%s", domain.Slugify(environmentID), domain.Slugify(stackName), domain.Slugify(serviceName))
}
