package deployment

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Container Plan Building Functions
// =============================================================================

// BuildContainerPlanParams contains all inputs for building a container plan.
type BuildContainerPlanParams struct {
	EnvironmentID string
	StackID       string
	StackName     string
	StackVersion  string
	Service       domain.ServiceTemplate
	Variables     map[string]string
}

// BuildContainerPlan builds a ContainerPlan from a service template.
//
// The function:
//   - Generates the container name using ContainerName()
//   - Substitutes variables into image, command, entrypoint, env values and labels
//   - Scopes named volumes and networks to the stack instance
//   - Parses health check durations, failing on malformed ones
//   - Sets the restart policy by lifecycle
//   - Attaches the standard stacker labels, which template labels cannot override
//
// Any placeholder left without a value fails the build with an error naming
// the service.
func BuildContainerPlan(params BuildContainerPlanParams) (ContainerPlan, error) {
	svc := params.Service
	lifecycle := svc.Lifecycle.Normalize()
	sub := substituter{vars: params.Variables}

	plan := ContainerPlan{
		Name:       ContainerName(params.EnvironmentID, params.StackName, svc.Name),
		Image:      sub.apply("image", svc.Image),
		Command:    sub.applyAll("command", svc.Command),
		Entrypoint: sub.applyAll("entrypoint", svc.Entrypoint),
		Env:        make(map[string]string, len(svc.Env)),
		Labels:     make(map[string]string, len(svc.Labels)+7),
		Ports:      buildPortPlans(svc.Ports),
	}

	for k, v := range svc.Env {
		plan.Env[k] = sub.apply("env "+k, v)
	}
	for k, v := range svc.Labels {
		plan.Labels[k] = sub.apply("label "+k, v)
	}
	for k, v := range StandardLabels(params.EnvironmentID, params.StackName, svc.Name, lifecycle) {
		plan.Labels[k] = v
	}
	if params.StackID != "" {
		plan.Labels[LabelStackID] = params.StackID
	}
	if params.StackVersion != "" {
		plan.Labels[LabelStackVersion] = params.StackVersion
	}

	if err := sub.err(svc.Name); err != nil {
		return ContainerPlan{}, err
	}
	if strings.TrimSpace(plan.Image) == "" {
		return ContainerPlan{}, fmt.Errorf("%w: service %s: image resolves to an empty reference", domain.ErrInvalidServiceSpec, svc.Name)
	}

	plan.Networks = ServiceNetworks(params.EnvironmentID, params.StackName, svc)

	for _, v := range svc.Volumes {
		source := v.Source
		if !v.Bind {
			source = VolumeName(params.EnvironmentID, params.StackName, v.Source)
		}
		plan.Volumes = append(plan.Volumes, VolumePlan{
			Source:   source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
			Bind:     v.Bind,
		})
	}

	if svc.HealthCheck != nil {
		hc, err := buildHealthCheckPlan(svc.Name, svc.HealthCheck)
		if err != nil {
			return ContainerPlan{}, err
		}
		plan.HealthCheck = hc
	}

	if lifecycle.IsInit() {
		plan.RestartPolicy = RestartNever
	} else {
		plan.RestartPolicy = RestartUnlessStopped
	}

	return plan, nil
}

func buildHealthCheckPlan(service string, hc *domain.HealthCheckSpec) (*HealthCheckPlan, error) {
	plan := &HealthCheckPlan{Test: hc.Test, Retries: hc.Retries}
	for _, f := range []struct {
		name  string
		value string
		dst   *time.Duration
	}{
		{"interval", hc.Interval, &plan.Interval},
		{"timeout", hc.Timeout, &plan.Timeout},
		{"start_period", hc.StartPeriod, &plan.StartPeriod},
	} {
		if f.value == "" {
			continue
		}
		d, err := time.ParseDuration(f.value)
		if err != nil {
			return nil, fmt.Errorf("%w: service %s: healthcheck %s %q is not a duration",
				domain.ErrInvalidServiceSpec, service, f.name, f.value)
		}
		*f.dst = d
	}
	return plan, nil
}

// StandardLabels returns the four discovery labels plus the managed marker.
func StandardLabels(environmentID, stackName, serviceName string, lifecycle domain.Lifecycle) map[string]string {
	return map[string]string{
		LabelManaged:     "true",
		LabelStack:       stackName,
		LabelService:     serviceName,
		LabelEnvironment: environmentID,
		LabelLifecycle:   string(lifecycle.Normalize()),
	}
}

// ServiceNetworks returns the scoped networks a service joins. Every service
// joins the stack's default network.
func ServiceNetworks(environmentID, stackName string, svc domain.ServiceTemplate) []string {
	seen := map[string]bool{}
	nets := []string{NetworkName(environmentID, stackName)}
	seen[nets[0]] = true
	extra := make([]string, 0, len(svc.Networks))
	for _, n := range svc.Networks {
		scoped := ScopedNetworkName(environmentID, stackName, n)
		if !seen[scoped] {
			seen[scoped] = true
			extra = append(extra, scoped)
		}
	}
	sort.Strings(extra)
	return append(nets, extra...)
}

// substituter applies variables and collects unresolved placeholders.
type substituter struct {
	vars       map[string]string
	unresolved []string
}

func (s *substituter) apply(field, value string) string {
	out, missing := SubstituteVariables(value, s.vars)
	for _, name := range missing {
		s.unresolved = append(s.unresolved, fmt.Sprintf("%s in %s", name, field))
	}
	return out
}

func (s *substituter) applyAll(field string, values []string) []string {
	if values == nil {
		return nil
	}
	out := make([]string, len(values))
	for i, v := range values {
		out[i] = s.apply(field, v)
	}
	return out
}

func (s *substituter) err(service string) error {
	if len(s.unresolved) == 0 {
		return nil
	}
	sort.Strings(s.unresolved)
	return fmt.Errorf("%w: service %s: %s", domain.ErrUnresolvedVariable, service, strings.Join(s.unresolved, "; "))
}
