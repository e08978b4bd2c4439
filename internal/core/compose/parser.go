package compose

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Parser Functions
// =============================================================================

// ParseStackManifest parses a stack manifest into a StackDefinition.
// Services keep their manifest declaration order. Variable placeholders
// (${VAR}, ${VAR:-default}) are left in place for the plan builder.
func ParseStackManifest(stackID, version string, content []byte) (*domain.StackDefinition, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, ErrEmptyInput
	}

	var raw rawManifest
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return nil, NewParseError("", "invalid YAML syntax: "+err.Error(), ErrInvalidYAML)
	}
	if len(raw.Services.Order) == 0 {
		return nil, ErrNoServices
	}

	project, err := loadProject(stackID, content)
	if err != nil {
		return nil, err
	}
	if err := checkUnsupportedFeatures(project); err != nil {
		return nil, err
	}

	def := &domain.StackDefinition{
		ID:          stackID,
		Name:        raw.Stack.Name,
		Version:     version,
		Description: raw.Stack.Description,
		Variables:   raw.Stack.Variables,
		Settings:    raw.Stack.Settings,
		Services:    make([]domain.ServiceTemplate, 0, len(raw.Services.Order)),
	}
	if def.Name == "" {
		def.Name = stackID
	}

	for _, name := range raw.Services.Order {
		svc, ok := project.Services[name]
		if !ok {
			return nil, NewParseError("services."+name, "service was not loaded", ErrInvalidYAML)
		}
		tmpl, err := convertService(svc)
		if err != nil {
			return nil, err
		}
		def.Services = append(def.Services, tmpl)
	}

	if err := detectCircularDependencies(def.Services); err != nil {
		return nil, err
	}

	for name := range project.Networks {
		def.Networks = append(def.Networks, name)
	}
	for name := range project.Volumes {
		def.Volumes = append(def.Volumes, name)
	}
	sort.Strings(def.Networks)
	sort.Strings(def.Volumes)

	return def, nil
}

// UnmarshalYAML records service keys in document order.
func (r *rawServices) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.MappingNode {
		return fmt.Errorf("services must be a mapping")
	}
	for i := 0; i+1 < len(value.Content); i += 2 {
		r.Order = append(r.Order, value.Content[i].Value)
	}
	return nil
}

// loadProject loads the manifest using compose-go without interpolation, so
// placeholders survive, and without touching the filesystem.
func loadProject(stackID string, content []byte) (*types.Project, error) {
	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil || dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	projectName := domain.Slugify(stackID)
	if projectName == "" {
		projectName = "stacker"
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: content,
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName, false)
		opts.SkipInterpolation = true
		opts.SkipNormalization = true
		opts.SkipExtends = true
		opts.ResolvePaths = false
	})
	if err != nil {
		errStr := err.Error()
		if strings.Contains(errStr, "dependency cycle detected") {
			return nil, NewParseError("", "circular dependency detected", ErrCircularDependency)
		}
		if strings.Contains(errStr, "image") && strings.Contains(errStr, "build") {
			return nil, NewParseError("", errStr, ErrServiceNoImage)
		}
		return nil, NewParseError("", errStr, ErrInvalidYAML)
	}

	return project, nil
}

// checkUnsupportedFeatures rejects compose features the engine does not apply.
func checkUnsupportedFeatures(project *types.Project) error {
	if len(project.Secrets) > 0 {
		return NewParseError("secrets", "secrets are not supported", ErrUnsupportedFeature)
	}
	if len(project.Configs) > 0 {
		return NewParseError("configs", "configs are not supported", ErrUnsupportedFeature)
	}
	for _, svc := range project.Services {
		if svc.Build != nil {
			return NewParseError("services."+svc.Name+".build", "build is not supported; use a published image", ErrUnsupportedFeature)
		}
		if svc.Extends != nil {
			return NewParseError("services."+svc.Name+".extends", "extends is not supported", ErrUnsupportedFeature)
		}
	}
	return nil
}

// convertService converts a compose-go service to a ServiceTemplate.
func convertService(svc types.ServiceConfig) (domain.ServiceTemplate, error) {
	field := "services." + svc.Name
	if svc.Image == "" {
		return domain.ServiceTemplate{}, NewParseError(field, "service must have an image", ErrServiceNoImage)
	}

	tmpl := domain.ServiceTemplate{
		Name:       svc.Name,
		Image:      svc.Image,
		Command:    svc.Command,
		Entrypoint: svc.Entrypoint,
		Env:        make(map[string]string),
		Labels:     make(map[string]string),
	}

	lifecycle, err := serviceLifecycle(svc)
	if err != nil {
		return domain.ServiceTemplate{}, err
	}
	tmpl.Lifecycle = lifecycle

	for i, p := range svc.Ports {
		port := domain.PortSpec{
			ContainerPort: int(p.Target),
			Protocol:      p.Protocol,
			HostIP:        p.HostIP,
		}
		if p.Published != "" {
			pub, err := strconv.Atoi(p.Published)
			if err != nil {
				return domain.ServiceTemplate{}, NewParseError(
					fmt.Sprintf("%s.ports[%d]", field, i),
					"published port must be a number: "+p.Published,
					ErrServiceInvalidPort,
				)
			}
			port.HostPort = pub
		}
		if port.ContainerPort <= 0 || port.ContainerPort > 65535 || port.HostPort < 0 || port.HostPort > 65535 {
			return domain.ServiceTemplate{}, NewParseError(
				fmt.Sprintf("%s.ports[%d]", field, i),
				"port must be between 1 and 65535",
				ErrServiceInvalidPort,
			)
		}
		tmpl.Ports = append(tmpl.Ports, port)
	}

	for k, v := range svc.Environment {
		if v != nil {
			tmpl.Env[k] = *v
		}
	}

	for _, v := range svc.Volumes {
		mount := domain.MountSpec{
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		}
		switch v.Type {
		case "bind":
			mount.Bind = true
		case "volume":
		default:
			mount.Bind = strings.HasPrefix(v.Source, "./") || strings.HasPrefix(v.Source, "/") || strings.HasPrefix(v.Source, "~")
		}
		tmpl.Volumes = append(tmpl.Volumes, mount)
	}

	for net := range svc.Networks {
		tmpl.Networks = append(tmpl.Networks, net)
	}
	sort.Strings(tmpl.Networks)

	for dep := range svc.DependsOn {
		tmpl.DependsOn = append(tmpl.DependsOn, dep)
	}
	sort.Strings(tmpl.DependsOn)

	for k, v := range svc.Labels {
		if k == LabelLifecycle {
			continue
		}
		tmpl.Labels[k] = v
	}

	if svc.HealthCheck != nil && !svc.HealthCheck.Disable {
		tmpl.HealthCheck = &domain.HealthCheckSpec{
			Test: svc.HealthCheck.Test,
		}
		if svc.HealthCheck.Retries != nil {
			tmpl.HealthCheck.Retries = int(*svc.HealthCheck.Retries)
		}
		if svc.HealthCheck.Interval != nil {
			tmpl.HealthCheck.Interval = svc.HealthCheck.Interval.String()
		}
		if svc.HealthCheck.Timeout != nil {
			tmpl.HealthCheck.Timeout = svc.HealthCheck.Timeout.String()
		}
		if svc.HealthCheck.StartPeriod != nil {
			tmpl.HealthCheck.StartPeriod = svc.HealthCheck.StartPeriod.String()
		}
	}

	return tmpl, nil
}

// serviceLifecycle reads x-lifecycle, falling back to the stacker.lifecycle label.
func serviceLifecycle(svc types.ServiceConfig) (domain.Lifecycle, error) {
	value := svc.Labels[LabelLifecycle]
	if ext, ok := svc.Extensions[ExtensionLifecycle]; ok {
		s, isString := ext.(string)
		if !isString {
			return "", NewParseError("services."+svc.Name+"."+ExtensionLifecycle, "lifecycle must be a string", ErrInvalidLifecycle)
		}
		value = s
	}

	lc := domain.Lifecycle(strings.ToLower(strings.TrimSpace(value))).Normalize()
	if lc != domain.LifecycleService && lc != domain.LifecycleInit {
		return "", NewParseError("services."+svc.Name+"."+ExtensionLifecycle,
			fmt.Sprintf("lifecycle %q must be %q or %q", value, domain.LifecycleService, domain.LifecycleInit),
			ErrInvalidLifecycle)
	}
	return lc, nil
}

// detectCircularDependencies detects cycles in depends_on references.
func detectCircularDependencies(services []domain.ServiceTemplate) error {
	deps := make(map[string][]string)
	for _, svc := range services {
		deps[svc.Name] = svc.DependsOn
	}

	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var hasCycle func(node string) bool
	hasCycle = func(node string) bool {
		visited[node] = true
		recStack[node] = true

		for _, dep := range deps[node] {
			if dep == node {
				return true
			}
			if !visited[dep] {
				if hasCycle(dep) {
					return true
				}
			} else if recStack[dep] {
				return true
			}
		}

		recStack[node] = false
		return false
	}

	for _, svc := range services {
		if !visited[svc.Name] && hasCycle(svc.Name) {
			return NewParseError("services."+svc.Name+".depends_on", "circular dependency detected", ErrCircularDependency)
		}
	}

	return nil
}

// =============================================================================
// Variable Extraction
// =============================================================================

// ManifestVariables returns the placeholder names referenced by a manifest's
// raw content, in first-seen order. Placeholders with a default are included.
func ManifestVariables(content []byte) []string {
	seen := make(map[string]bool)
	var vars []string
	for _, match := range domain.PlaceholderPattern.FindAllStringSubmatch(string(content), -1) {
		if !seen[match[1]] {
			seen[match[1]] = true
			vars = append(vars, match[1])
		}
	}
	return vars
}
