package deployment

import (
	"fmt"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Service Ordering Functions
// =============================================================================

// TopologicalSort orders services by their dependencies using Kahn's
// algorithm. Ties are broken by manifest order, so a manifest already in
// dependency order comes back unchanged.
//
// The plan builder does not reorder by this result; it uses it to prove the
// dependency graph is acyclic.
//
// Example:
//
//	// Services: web → api → db
//	services := []domain.ServiceTemplate{
//	    {Name: "web", DependsOn: []string{"api"}},
//	    {Name: "api", DependsOn: []string{"db"}},
//	    {Name: "db"},
//	}
//	sorted, err := TopologicalSort(services)
//	// Result: [db, api, web]
func TopologicalSort(services []domain.ServiceTemplate) ([]domain.ServiceTemplate, error) {
	if len(services) == 0 {
		return services, nil
	}

	index := make(map[string]int, len(services))
	inDegree := make([]int, len(services))
	dependents := make(map[string][]int)

	for i, svc := range services {
		index[svc.Name] = i
	}
	for i, svc := range services {
		for _, dep := range svc.DependsOn {
			if _, ok := index[dep]; !ok {
				continue
			}
			inDegree[i]++
			dependents[dep] = append(dependents[dep], i)
		}
	}

	done := make([]bool, len(services))
	result := make([]domain.ServiceTemplate, 0, len(services))
	for len(result) < len(services) {
		next := -1
		for i := range services {
			if !done[i] && inDegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var stuck []string
			for i, svc := range services {
				if !done[i] {
					stuck = append(stuck, svc.Name)
				}
			}
			return nil, fmt.Errorf("%w: dependency cycle among %v", domain.ErrInvalidServiceSpec, stuck)
		}
		done[next] = true
		result = append(result, services[next])
		for _, d := range dependents[services[next].Name] {
			inDegree[d]--
		}
	}

	return result, nil
}

// CheckDependencies verifies that every depends_on reference names a
// service of the stack, that no init service waits on a long-running
// service, and that the graph has no cycle.
func CheckDependencies(services []domain.ServiceTemplate) error {
	lifecycle := make(map[string]domain.Lifecycle, len(services))
	for _, svc := range services {
		lifecycle[svc.Name] = svc.Lifecycle.Normalize()
	}

	for _, svc := range services {
		for _, dep := range svc.DependsOn {
			depLifecycle, ok := lifecycle[dep]
			if !ok {
				return fmt.Errorf("%w: service %s depends on unknown service %s", domain.ErrInvalidServiceSpec, svc.Name, dep)
			}
			if svc.Lifecycle.IsInit() && !depLifecycle.IsInit() {
				return fmt.Errorf("%w: init service %s cannot depend on service %s, init containers run first",
					domain.ErrInvalidServiceSpec, svc.Name, dep)
			}
		}
	}

	_, err := TopologicalSort(services)
	return err
}
