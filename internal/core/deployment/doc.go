// Package deployment provides pure functions for deployment planning.
//
// This package turns a stack definition and a resolved variable map into an
// ordered Plan of engine operations. All functions are pure (no I/O, no side
// effects).
//
// # Functions
//
//   - Naming: scoped resource names (NetworkName, VolumeName, ContainerName)
//   - Variables: defaults, required checks and placeholder substitution
//   - Validation: service template and plan invariants (ValidateDefinition, ValidatePlan)
//   - Ordering: dependency reference and cycle checks (CheckDependencies)
//   - Container: container plans with the standard labels (BuildContainerPlan)
//   - Plans: deploy, upgrade, removal, stop and start plans
//
// # Usage
//
// The deployment engine (internal/shell/engine) executes the plans against
// the container engine client.
//
//	plan, err := deployment.BuildPlan(deployment.PlanParams{
//	    EnvironmentID: "prod",
//	    StackName:     "crm",
//	    Definition:    def,
//	    Variables:     vars,
//	})
package deployment
