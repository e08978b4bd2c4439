package deployment

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/artpar/stacker/internal/core/domain"
	"github.com/go-playground/validator/v10"
)

var (
	validatorOnce sync.Once
	validateInst  *validator.Validate

	serviceNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)
)

// validatorInstance returns the shared validator for service templates.
func validatorInstance() *validator.Validate {
	validatorOnce.Do(func() {
		v := validator.New()

		_ = v.RegisterValidation("service_name", func(fl validator.FieldLevel) bool {
			return serviceNamePattern.MatchString(fl.Field().String())
		})

		validateInst = v
	})
	return validateInst
}

// ValidateTemplate checks a single service template. The error names the
// service and the first offending field.
func ValidateTemplate(tmpl domain.ServiceTemplate) error {
	err := validatorInstance().Struct(tmpl)
	if err == nil {
		return nil
	}

	name := tmpl.Name
	if name == "" {
		name = "<unnamed>"
	}

	var ves validator.ValidationErrors
	if errors.As(err, &ves) && len(ves) > 0 {
		fe := ves[0]
		field := fe.StructNamespace()
		if idx := strings.Index(field, "."); idx >= 0 {
			field = field[idx+1:]
		}
		return fmt.Errorf("%w: service %s: %s failed %q check (value %v)",
			domain.ErrInvalidServiceSpec, name, field, fe.Tag(), fe.Value())
	}
	return fmt.Errorf("%w: service %s: %v", domain.ErrInvalidServiceSpec, name, err)
}

// ValidateDefinition checks every template, rejects duplicate service names
// and verifies dependency references.
func ValidateDefinition(def *domain.StackDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: stack definition is nil", domain.ErrValidation)
	}
	if len(def.Services) == 0 {
		return fmt.Errorf("%w: stack %s has no services", domain.ErrInvalidServiceSpec, def.ID)
	}

	seen := make(map[string]bool, len(def.Services))
	for _, tmpl := range def.Services {
		if err := ValidateTemplate(tmpl); err != nil {
			return err
		}
		if seen[tmpl.Name] {
			return fmt.Errorf("%w: duplicate service %s", domain.ErrInvalidServiceSpec, tmpl.Name)
		}
		seen[tmpl.Name] = true
	}

	return CheckDependencies(def.Services)
}

// ValidatePlan checks the ordering invariant of a plan: no init step may
// follow a service step.
func ValidatePlan(plan *Plan) error {
	if plan == nil {
		return fmt.Errorf("%w: plan is nil", domain.ErrValidation)
	}
	seenService := false
	for i, step := range plan.Steps {
		if step.IsInit() {
			if seenService && (step.Action == ActionPull || step.Action == ActionCreate || step.Action == ActionStart) {
				return fmt.Errorf("%w: step %d (%s %s) is an init step after a service step",
					domain.ErrValidation, i, step.Action, step.Service)
			}
			continue
		}
		if step.Action == ActionPull || step.Action == ActionCreate || step.Action == ActionStart {
			seenService = true
		}
	}
	return nil
}
