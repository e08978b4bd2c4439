package deployment

import (
	"fmt"
	"sort"
	"strings"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Plan Building
// =============================================================================

// PlanParams contains the inputs of a deploy or upgrade plan.
type PlanParams struct {
	EnvironmentID string
	StackName     string
	Definition    *domain.StackDefinition
	Variables     map[string]string
}

// BuildPlan builds the deploy plan of a stack instance: pull, create and
// start for every init service in manifest order, then the same for every
// long-running service in manifest order.
//
// Missing required variables, unresolved placeholders and malformed
// templates fail the build; no partial plan is returned.
func BuildPlan(p PlanParams) (*Plan, error) {
	plan, containers, err := preparePlan(p)
	if err != nil {
		return nil, err
	}

	for _, c := range containers {
		plan.Steps = append(plan.Steps, launchSteps(c)...)
	}
	return plan, nil
}

// BuildUpgradePlan builds a plan that replaces the containers in current
// with those of the new definition. Services in both are pulled, stopped,
// removed, recreated and started; services only in current are stopped and
// removed as trailing steps. Leftover init containers are removed before the
// new init containers run.
func BuildUpgradePlan(p PlanParams, current []domain.DeployedService) (*Plan, error) {
	plan, containers, err := preparePlan(p)
	if err != nil {
		return nil, err
	}

	existing := make(map[string]domain.DeployedService, len(current))
	for _, svc := range current {
		existing[svc.ServiceName] = svc
	}

	for _, svc := range current {
		if svc.IsInitContainer {
			plan.Steps = append(plan.Steps, teardownSteps(svc, domain.LifecycleInit)...)
		}
	}

	kept := make(map[string]bool, len(containers))
	for _, c := range containers {
		kept[c.tmpl.Name] = true
		steps := launchSteps(c)
		old, ok := existing[c.tmpl.Name]
		if !ok || old.IsInitContainer {
			plan.Steps = append(plan.Steps, steps...)
			continue
		}
		plan.Steps = append(plan.Steps, steps[0])
		plan.Steps = append(plan.Steps, teardownSteps(old, domain.LifecycleService)...)
		plan.Steps = append(plan.Steps, steps[1:]...)
	}

	for i := len(current) - 1; i >= 0; i-- {
		svc := current[i]
		if svc.IsInitContainer || kept[svc.ServiceName] {
			continue
		}
		plan.Steps = append(plan.Steps, teardownSteps(svc, domain.LifecycleService)...)
	}

	return plan, nil
}

// BuildRemovalPlan stops and removes every deployed container in reverse
// deploy order.
func BuildRemovalPlan(environmentID, stackName string, current []domain.DeployedService) *Plan {
	plan := &Plan{EnvironmentID: environmentID, StackName: stackName}
	for i := len(current) - 1; i >= 0; i-- {
		svc := current[i]
		plan.Steps = append(plan.Steps, teardownSteps(svc, lifecycleOf(svc))...)
	}
	return plan
}

// BuildStopPlan stops every long-running container in reverse deploy order.
func BuildStopPlan(environmentID, stackName string, current []domain.DeployedService) *Plan {
	plan := &Plan{EnvironmentID: environmentID, StackName: stackName}
	for i := len(current) - 1; i >= 0; i-- {
		svc := current[i]
		if svc.IsInitContainer {
			continue
		}
		plan.Steps = append(plan.Steps, existingStep(ActionStop, svc, domain.LifecycleService))
	}
	return plan
}

// BuildStartPlan starts every long-running container in deploy order.
func BuildStartPlan(environmentID, stackName string, current []domain.DeployedService) *Plan {
	plan := &Plan{EnvironmentID: environmentID, StackName: stackName}
	for _, svc := range current {
		if svc.IsInitContainer {
			continue
		}
		plan.Steps = append(plan.Steps, existingStep(ActionStart, svc, domain.LifecycleService))
	}
	return plan
}

// =============================================================================
// Plan Queries
// =============================================================================

// ServiceCounts returns how many init and long-running containers the plan
// starts. The two are reported separately, never summed.
func (p *Plan) ServiceCounts() (initCount, serviceCount int) {
	for _, s := range p.Steps {
		if s.Action != ActionStart {
			continue
		}
		if s.IsInit() {
			initCount++
		} else {
			serviceCount++
		}
	}
	return initCount, serviceCount
}

// NetworkNames returns the plan's networks sorted by name.
func (p *Plan) NetworkNames() []string {
	out := make([]string, 0, len(p.Networks))
	for name := range p.Networks {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// helpers
// =============================================================================

type plannedContainer struct {
	tmpl      domain.ServiceTemplate
	container ContainerPlan
}

// preparePlan validates the inputs, resolves variables and builds the
// container plans in execution order (init group first, manifest order
// within each group).
func preparePlan(p PlanParams) (*Plan, []plannedContainer, error) {
	if strings.TrimSpace(p.EnvironmentID) == "" || strings.TrimSpace(p.StackName) == "" {
		return nil, nil, fmt.Errorf("%w: environment and stack name are required", domain.ErrValidation)
	}
	if err := ValidateDefinition(p.Definition); err != nil {
		return nil, nil, err
	}
	def := p.Definition

	vars, err := ResolveVariables(def.Variables, p.Variables)
	if err != nil {
		return nil, nil, err
	}

	plan := &Plan{
		EnvironmentID: p.EnvironmentID,
		StackID:       def.ID,
		StackName:     p.StackName,
		StackVersion:  def.Version,
		GlobalEnv:     vars,
		Networks:      make(map[string]NetworkPlan),
	}

	var initGroup, serviceGroup []plannedContainer
	volumes := make(map[string]bool)
	for _, tmpl := range def.Services {
		tmpl.Lifecycle = tmpl.Lifecycle.Normalize()
		c, err := BuildContainerPlan(BuildContainerPlanParams{
			EnvironmentID: p.EnvironmentID,
			StackID:       def.ID,
			StackName:     p.StackName,
			StackVersion:  def.Version,
			Service:       tmpl,
			Variables:     vars,
		})
		if err != nil {
			return nil, nil, err
		}

		for _, n := range c.Networks {
			plan.Networks[n] = NetworkPlan{
				Name: n,
				Labels: map[string]string{
					LabelManaged:     "true",
					LabelStack:       p.StackName,
					LabelEnvironment: p.EnvironmentID,
				},
			}
		}
		for _, v := range c.Volumes {
			if !v.Bind {
				volumes[v.Source] = true
			}
		}

		pc := plannedContainer{tmpl: tmpl, container: c}
		if tmpl.Lifecycle.IsInit() {
			initGroup = append(initGroup, pc)
		} else {
			serviceGroup = append(serviceGroup, pc)
		}
	}

	for v := range volumes {
		plan.Volumes = append(plan.Volumes, v)
	}
	sort.Strings(plan.Volumes)

	return plan, append(initGroup, serviceGroup...), nil
}

func launchSteps(c plannedContainer) []Step {
	base := Step{
		Service:   c.tmpl.Name,
		Lifecycle: c.tmpl.Lifecycle,
		Image:     c.container.Image,
		DependsOn: c.tmpl.DependsOn,
	}
	pull, create, start := base, base, base
	pull.Action = ActionPull
	create.Action = ActionCreate
	create.Container = c.container
	start.Action = ActionStart
	start.Container.Name = c.container.Name
	return []Step{pull, create, start}
}

func teardownSteps(svc domain.DeployedService, lifecycle domain.Lifecycle) []Step {
	return []Step{
		existingStep(ActionStop, svc, lifecycle),
		existingStep(ActionRemove, svc, lifecycle),
	}
}

func existingStep(action Action, svc domain.DeployedService, lifecycle domain.Lifecycle) Step {
	return Step{
		Action:      action,
		Service:     svc.ServiceName,
		Lifecycle:   lifecycle,
		Image:       svc.Image,
		ContainerID: svc.ContainerID,
		Container:   ContainerPlan{Name: svc.ContainerName},
	}
}

func lifecycleOf(svc domain.DeployedService) domain.Lifecycle {
	if svc.IsInitContainer {
		return domain.LifecycleInit
	}
	return domain.LifecycleService
}
