package deployment

import "github.com/artpar/stacker/internal/core/domain"

// =============================================================================
// Port Conversion Functions
// =============================================================================

// buildPortPlans converts template ports to port plans.
// Default protocol is "tcp" if empty.
//
// Example:
//
//	buildPortPlans([]domain.PortSpec{{ContainerPort: 80, HostPort: 8080}})
//	// Result: []PortPlan{{ContainerPort: 80, HostPort: 8080, Protocol: "tcp"}}
func buildPortPlans(ports []domain.PortSpec) []PortPlan {
	if len(ports) == 0 {
		return nil
	}

	result := make([]PortPlan, 0, len(ports))
	for _, p := range ports {
		proto := p.Protocol
		if proto == "" {
			proto = "tcp"
		}
		result = append(result, PortPlan{
			ContainerPort: p.ContainerPort,
			HostPort:      p.HostPort,
			Protocol:      proto,
			HostIP:        p.HostIP,
		})
	}
	return result
}
