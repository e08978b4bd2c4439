package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Product Deployment Status
// =============================================================================

type ProductStatus string

const (
	ProductDeploying        ProductStatus = "deploying"
	ProductRunning          ProductStatus = "running"
	ProductPartiallyRunning ProductStatus = "partially_running"
	ProductFailed           ProductStatus = "failed"
	ProductUpgrading        ProductStatus = "upgrading"
	ProductRemoving         ProductStatus = "removing"
	ProductRemoved          ProductStatus = "removed"
)

// IsInFlight reports whether an orchestration call currently owns the status.
func (s ProductStatus) IsInFlight() bool {
	return s == ProductDeploying || s == ProductUpgrading || s == ProductRemoving
}

// IsTerminal reports whether no further transition is possible.
func (s ProductStatus) IsTerminal() bool {
	return s == ProductRemoved
}

// Removing -> Failed lets a removal that stopped part-way be retried.
var validProductTransitions = map[ProductStatus][]ProductStatus{
	ProductDeploying:        {ProductRunning, ProductPartiallyRunning, ProductFailed},
	ProductRunning:          {ProductUpgrading, ProductRemoving},
	ProductPartiallyRunning: {ProductUpgrading, ProductRemoving},
	ProductUpgrading:        {ProductRunning, ProductPartiallyRunning, ProductFailed},
	ProductFailed:           {ProductUpgrading, ProductRemoving},
	ProductRemoving:         {ProductRemoved, ProductFailed},
	ProductRemoved:          {},
}

// ValidateProductTransition checks if a product status transition is valid.
func ValidateProductTransition(from, to ProductStatus) error {
	for _, s := range validProductTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &TransitionError{Entity: "product deployment", From: string(from), To: string(to)}
}

// =============================================================================
// Product Stack Status
// =============================================================================

type StackStatus string

const (
	StackPending   StackStatus = "pending"
	StackDeploying StackStatus = "deploying"
	StackRunning   StackStatus = "running"
	StackFailed    StackStatus = "failed"
	StackRemoved   StackStatus = "removed"
)

// Pending -> Removed covers stacks that were never deployed.
var validStackTransitions = map[StackStatus][]StackStatus{
	StackPending:   {StackDeploying, StackRemoved},
	StackDeploying: {StackRunning, StackFailed},
	StackRunning:   {StackPending, StackRemoved},
	StackFailed:    {StackPending, StackRemoved},
	StackRemoved:   {},
}

// ValidateStackTransition checks if a per-stack status transition is valid.
func ValidateStackTransition(from, to StackStatus) error {
	for _, s := range validStackTransitions[from] {
		if s == to {
			return nil
		}
	}
	return &TransitionError{Entity: "product stack", From: string(from), To: string(to)}
}

// =============================================================================
// Product Stack Deployment
// =============================================================================

// ProductStackDeployment tracks one stack within a product deployment.
// DeploymentID references a Deployment by value.
type ProductStackDeployment struct {
	ID               string            `json:"id"`
	StackName        string            `json:"stack_name"`
	StackDisplayName string            `json:"stack_display_name,omitempty"`
	StackID          string            `json:"stack_id"`
	StackVersion     string            `json:"stack_version,omitempty"`
	DeploymentID     string            `json:"deployment_id,omitempty"`
	Order            int               `json:"order"`
	Status           StackStatus       `json:"status"`
	ServiceCount     int               `json:"service_count"`
	Variables        map[string]string `json:"variables,omitempty"`
	Obsolete         bool              `json:"obsolete,omitempty"`
	StartedAt        *time.Time        `json:"started_at,omitempty"`
	CompletedAt      *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage     string            `json:"error_message,omitempty"`
}

// =============================================================================
// Product Deployment
// =============================================================================

// ProductDeployment coordinates the deployments of a product's stacks.
// At most one non-removed ProductDeployment exists per
// (EnvironmentID, ProductGroupID).
type ProductDeployment struct {
	ID              string                    `json:"id"`
	EnvironmentID   string                    `json:"environment_id"`
	ProductGroupID  string                    `json:"product_group_id"`
	ProductID       string                    `json:"product_id"`
	ProductVersion  string                    `json:"product_version"`
	DeployedBy      string                    `json:"deployed_by"`
	Status          ProductStatus             `json:"status"`
	Stacks          []*ProductStackDeployment `json:"stacks"`
	SharedVariables map[string]string         `json:"shared_variables,omitempty"`
	Phases          []PhaseRecord             `json:"phases,omitempty"`
	ErrorMessage    string                    `json:"error_message,omitempty"`
	PreviousVersion string                    `json:"previous_version,omitempty"`
	UpgradeCount    int                       `json:"upgrade_count"`
	CreatedAt       time.Time                 `json:"created_at"`
	UpdatedAt       time.Time                 `json:"updated_at"`
	CompletedAt     *time.Time                `json:"completed_at,omitempty"`
	Version         int                       `json:"version"`
}

// ProductStartParams carries the inputs of a new product deployment.
type ProductStartParams struct {
	EnvironmentID   string
	ProductGroupID  string
	ProductID       string
	ProductVersion  string
	DeployedBy      string
	SharedVariables map[string]string
	Stacks          []ProductStackRef
}

// StartProductDeployment creates a Deploying product deployment with every
// stack Pending. Stack order is the slice order of p.Stacks.
func StartProductDeployment(p ProductStartParams, now time.Time) (*ProductDeployment, []Event, error) {
	if strings.TrimSpace(p.EnvironmentID) == "" {
		return nil, nil, fmt.Errorf("%w: environment id is required", ErrValidation)
	}
	if strings.TrimSpace(p.ProductGroupID) == "" {
		return nil, nil, fmt.Errorf("%w: product group id is required", ErrValidation)
	}
	if len(p.Stacks) == 0 {
		return nil, nil, fmt.Errorf("%w: product %s has no stacks", ErrValidation, p.ProductGroupID)
	}

	pd := &ProductDeployment{
		ID:              uuid.New().String(),
		EnvironmentID:   p.EnvironmentID,
		ProductGroupID:  p.ProductGroupID,
		ProductID:       p.ProductID,
		ProductVersion:  p.ProductVersion,
		DeployedBy:      p.DeployedBy,
		Status:          ProductDeploying,
		SharedVariables: copyVars(p.SharedVariables),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	seen := make(map[string]bool, len(p.Stacks))
	for i, ref := range p.Stacks {
		if ref.Name == "" {
			return nil, nil, fmt.Errorf("%w: stack %d of product %s has no name", ErrValidation, i, p.ProductGroupID)
		}
		if seen[ref.Name] {
			return nil, nil, fmt.Errorf("%w: duplicate stack %q in product %s", ErrValidation, ref.Name, p.ProductGroupID)
		}
		seen[ref.Name] = true
		pd.Stacks = append(pd.Stacks, newStack(ref, i))
	}
	pd.addPhase(PhaseInitialized, fmt.Sprintf("product %s %s: %d stack(s) pending", p.ProductGroupID, p.ProductVersion, len(pd.Stacks)), now)

	return pd, []Event{pd.event(EventProductStarted, "", string(ProductDeploying), p.ProductVersion, now)}, nil
}

func newStack(ref ProductStackRef, order int) *ProductStackDeployment {
	return &ProductStackDeployment{
		ID:               uuid.New().String(),
		StackName:        ref.Name,
		StackDisplayName: ref.DisplayName,
		StackID:          ref.StackID,
		StackVersion:     ref.StackVersion,
		Order:            order,
		Status:           StackPending,
		Variables:        copyVars(ref.Variables),
	}
}

// IsActive reports whether the product deployment is non-terminal.
func (pd *ProductDeployment) IsActive() bool {
	return !pd.Status.IsTerminal()
}

// Stack returns the child with the given stack name.
func (pd *ProductDeployment) Stack(name string) *ProductStackDeployment {
	for _, s := range pd.Stacks {
		if s.StackName == name {
			return s
		}
	}
	return nil
}

// StacksInOrder returns the children sorted by ascending Order.
func (pd *ProductDeployment) StacksInOrder() []*ProductStackDeployment {
	out := make([]*ProductStackDeployment, len(pd.Stacks))
	copy(out, pd.Stacks)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Order < out[j].Order })
	return out
}

// StacksInRemovalOrder returns the children sorted by descending Order.
func (pd *ProductDeployment) StacksInRemovalOrder() []*ProductStackDeployment {
	out := pd.StacksInOrder()
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

// CompletedStacks counts current (non-obsolete) stacks that are Running.
func (pd *ProductDeployment) CompletedStacks() int {
	return pd.countStacks(StackRunning)
}

// FailedStacks counts current (non-obsolete) stacks that are Failed.
func (pd *ProductDeployment) FailedStacks() int {
	return pd.countStacks(StackFailed)
}

func (pd *ProductDeployment) countStacks(status StackStatus) int {
	n := 0
	for _, s := range pd.Stacks {
		if !s.Obsolete && s.Status == status {
			n++
		}
	}
	return n
}

// EvaluateOutcome applies the aggregate status rule to the current stacks:
// all Running is Running, none Running is Failed, anything else is
// PartiallyRunning.
func (pd *ProductDeployment) EvaluateOutcome() ProductStatus {
	total, running := 0, 0
	for _, s := range pd.Stacks {
		if s.Obsolete {
			continue
		}
		total++
		if s.Status == StackRunning {
			running++
		}
	}
	switch {
	case total > 0 && running == total:
		return ProductRunning
	case running == 0:
		return ProductFailed
	default:
		return ProductPartiallyRunning
	}
}

// =============================================================================
// Per-stack transitions
// =============================================================================

// StartStack marks a Pending stack Deploying.
func (pd *ProductDeployment) StartStack(name string, now time.Time) ([]Event, error) {
	s, err := pd.requireStack(name)
	if err != nil {
		return nil, err
	}
	ev, err := pd.moveStack(s, StackDeploying, now)
	if err != nil {
		return nil, err
	}
	s.StartedAt = &now
	s.CompletedAt = nil
	s.ErrorMessage = ""
	return ev, nil
}

// CompleteStack marks a Deploying stack Running and links its deployment.
func (pd *ProductDeployment) CompleteStack(name, deploymentID string, serviceCount int, now time.Time) ([]Event, error) {
	s, err := pd.requireStack(name)
	if err != nil {
		return nil, err
	}
	ev, err := pd.moveStack(s, StackRunning, now)
	if err != nil {
		return nil, err
	}
	s.DeploymentID = deploymentID
	s.ServiceCount = serviceCount
	s.CompletedAt = &now
	pd.addPhase(PhaseServices, fmt.Sprintf("stack %s running (%d service(s))", name, serviceCount), now)
	return ev, nil
}

// FailStack marks a Deploying stack Failed. deploymentID may be empty when
// no deployment record was created.
func (pd *ProductDeployment) FailStack(name, deploymentID, message string, now time.Time) ([]Event, error) {
	s, err := pd.requireStack(name)
	if err != nil {
		return nil, err
	}
	ev, err := pd.moveStack(s, StackFailed, now)
	if err != nil {
		return nil, err
	}
	if deploymentID != "" {
		s.DeploymentID = deploymentID
	}
	s.ErrorMessage = message
	s.CompletedAt = &now
	pd.addPhase(PhaseFailed, fmt.Sprintf("stack %s failed: %s", name, message), now)
	ev[0].Message = message
	return ev, nil
}

// ResetStack returns a Running or Failed stack to Pending ahead of an upgrade
// or retry. A stack already Pending is left as is.
func (pd *ProductDeployment) ResetStack(name string, now time.Time) ([]Event, error) {
	s, err := pd.requireStack(name)
	if err != nil {
		return nil, err
	}
	if s.Status == StackPending {
		return nil, nil
	}
	return pd.moveStack(s, StackPending, now)
}

// MarkStackRemoved records that a stack's deployment was removed.
func (pd *ProductDeployment) MarkStackRemoved(name string, now time.Time) ([]Event, error) {
	s, err := pd.requireStack(name)
	if err != nil {
		return nil, err
	}
	ev, err := pd.moveStack(s, StackRemoved, now)
	if err != nil {
		return nil, err
	}
	s.CompletedAt = &now
	s.ErrorMessage = ""
	pd.addPhase(PhaseRemoved, fmt.Sprintf("stack %s removed", name), now)
	return ev, nil
}

// RecordStackError notes a failure on a stack without changing its status.
func (pd *ProductDeployment) RecordStackError(name, message string, now time.Time) error {
	s, err := pd.requireStack(name)
	if err != nil {
		return err
	}
	s.ErrorMessage = message
	pd.UpdatedAt = now
	pd.addPhase(PhaseFailed, fmt.Sprintf("stack %s: %s", name, message), now)
	return nil
}

// =============================================================================
// Orchestration transitions
// =============================================================================

// CompleteOrchestration closes a Deploying or Upgrading run with the status
// EvaluateOutcome yields.
func (pd *ProductDeployment) CompleteOrchestration(now time.Time) ([]Event, error) {
	to := pd.EvaluateOutcome()
	from := pd.Status
	if err := pd.transition(to); err != nil {
		return nil, err
	}
	completed, failed := pd.CompletedStacks(), pd.FailedStacks()
	msg := fmt.Sprintf("%d stack(s) running, %d failed", completed, failed)
	switch to {
	case ProductRunning:
		pd.ErrorMessage = ""
	case ProductPartiallyRunning:
		pd.ErrorMessage = fmt.Sprintf("%d of %d stack(s) running; failed: %s",
			completed, completed+pd.countNotRunning(), strings.Join(pd.failedNames(), ", "))
	case ProductFailed:
		pd.ErrorMessage = "no stack reached running"
		if names := pd.failedNames(); len(names) > 0 {
			pd.ErrorMessage += "; failed: " + strings.Join(names, ", ")
		}
	}
	pd.CompletedAt = &now
	pd.UpdatedAt = now
	pd.addPhase(PhaseCompleted, msg, now)
	return []Event{pd.event(EventProductStatus, string(from), string(to), msg, now)}, nil
}

// FailOrchestration fails the product without evaluating stacks. Used for a
// precondition failure before any stack was attempted and for a removal that
// stopped part-way.
func (pd *ProductDeployment) FailOrchestration(message string, now time.Time) ([]Event, error) {
	from := pd.Status
	if err := pd.transition(ProductFailed); err != nil {
		return nil, err
	}
	pd.ErrorMessage = message
	pd.CompletedAt = &now
	pd.UpdatedAt = now
	pd.addPhase(PhaseFailed, message, now)
	return []Event{pd.event(EventProductStatus, string(from), string(ProductFailed), message, now)}, nil
}

// Interrupt closes an in-flight run that no orchestration call owns any
// more. Stacks left Deploying are failed, then the product becomes Failed so
// it can be upgraded or removed.
func (pd *ProductDeployment) Interrupt(message string, now time.Time) ([]Event, error) {
	if !pd.Status.IsInFlight() {
		return nil, &TransitionError{Entity: "product deployment", ID: pd.ID, From: string(pd.Status), To: string(ProductFailed)}
	}
	var events []Event
	for _, s := range pd.StacksInOrder() {
		if s.Status != StackDeploying {
			continue
		}
		ev, err := pd.FailStack(s.StackName, "", message, now)
		if err != nil {
			return nil, err
		}
		events = append(events, ev...)
	}
	ev, err := pd.FailOrchestration(message, now)
	if err != nil {
		return nil, err
	}
	return append(events, ev...), nil
}

// UpgradeParams describes the target version of an upgrade or rollback.
type UpgradeParams struct {
	ProductID       string
	ProductVersion  string
	DeployedBy      string
	SharedVariables map[string]string
	Stacks          []ProductStackRef
}

// BeginUpgrade moves the product to Upgrading against a target version.
// Matched stacks are reset to Pending with the target's settings; stacks
// only in the target are appended; stacks absent from the target are left
// untouched and flagged Obsolete.
func (pd *ProductDeployment) BeginUpgrade(p UpgradeParams, now time.Time) ([]Event, error) {
	if len(p.Stacks) == 0 {
		return nil, fmt.Errorf("%w: target version %s has no stacks", ErrValidation, p.ProductVersion)
	}
	from := pd.Status
	if err := pd.transition(ProductUpgrading); err != nil {
		return nil, err
	}

	events := []Event{pd.event(EventProductUpgradeBegun, pd.ProductVersion, p.ProductVersion, "", now)}

	pd.PreviousVersion = pd.ProductVersion
	pd.ProductVersion = p.ProductVersion
	if p.ProductID != "" {
		pd.ProductID = p.ProductID
	}
	if p.DeployedBy != "" {
		pd.DeployedBy = p.DeployedBy
	}
	pd.SharedVariables = copyVars(p.SharedVariables)
	pd.UpgradeCount++
	pd.ErrorMessage = ""
	pd.CompletedAt = nil

	inTarget := make(map[string]bool, len(p.Stacks))
	next := pd.nextOrder()
	for _, ref := range p.Stacks {
		inTarget[ref.Name] = true
		s := pd.Stack(ref.Name)
		if s == nil {
			pd.Stacks = append(pd.Stacks, newStack(ref, next))
			next++
			continue
		}
		if s.Status == StackRunning || s.Status == StackFailed {
			ev, err := pd.moveStack(s, StackPending, now)
			if err != nil {
				return nil, err
			}
			events = append(events, ev...)
		}
		s.StackID = ref.StackID
		s.StackVersion = ref.StackVersion
		s.StackDisplayName = ref.DisplayName
		s.Variables = copyVars(ref.Variables)
		s.Obsolete = false
	}
	var obsolete []string
	for _, s := range pd.Stacks {
		if !inTarget[s.StackName] {
			s.Obsolete = true
			obsolete = append(obsolete, s.StackName)
		}
	}

	msg := fmt.Sprintf("upgrade %s -> %s", pd.PreviousVersion, pd.ProductVersion)
	if len(obsolete) > 0 {
		msg += "; not in target, left untouched: " + strings.Join(obsolete, ", ")
	}
	pd.UpdatedAt = now
	pd.addPhase(PhaseUpgrade, msg, now)
	events = append(events, pd.event(EventProductStatus, string(from), string(ProductUpgrading), msg, now))
	return events, nil
}

// BeginRemoval moves the product to Removing.
func (pd *ProductDeployment) BeginRemoval(now time.Time) ([]Event, error) {
	from := pd.Status
	if err := pd.transition(ProductRemoving); err != nil {
		return nil, err
	}
	pd.CompletedAt = nil
	pd.UpdatedAt = now
	pd.addPhase(PhaseRemoved, "removal initiated", now)
	return []Event{pd.event(EventProductStatus, string(from), string(ProductRemoving), "", now)}, nil
}

// CompleteRemoval moves a Removing product to Removed once every stack is
// Removed.
func (pd *ProductDeployment) CompleteRemoval(now time.Time) ([]Event, error) {
	for _, s := range pd.Stacks {
		if s.Status != StackRemoved {
			return nil, fmt.Errorf("%w: stack %s is still %s", ErrValidation, s.StackName, s.Status)
		}
	}
	if err := pd.transition(ProductRemoved); err != nil {
		return nil, err
	}
	pd.ErrorMessage = ""
	pd.CompletedAt = &now
	pd.UpdatedAt = now
	pd.addPhase(PhaseCompleted, fmt.Sprintf("%d stack(s) removed", len(pd.Stacks)), now)
	return []Event{pd.event(EventProductStatus, string(ProductRemoving), string(ProductRemoved), "", now)}, nil
}

// =============================================================================
// Reconciliation
// =============================================================================

// ReconcileStack aligns a Running or Failed stack with the observed status of
// its deployment. Only Running <-> Failed drift is corrected.
func (pd *ProductDeployment) ReconcileStack(name string, observed StackStatus, message string, now time.Time) []Event {
	s := pd.Stack(name)
	if s == nil || s.Status == observed {
		return nil
	}
	if (s.Status != StackRunning && s.Status != StackFailed) ||
		(observed != StackRunning && observed != StackFailed) {
		return nil
	}
	from := s.Status
	s.Status = observed
	if observed == StackFailed {
		s.ErrorMessage = message
	} else {
		s.ErrorMessage = ""
	}
	pd.UpdatedAt = now
	msg := fmt.Sprintf("stack %s reconciled %s -> %s", name, from, observed)
	if message != "" {
		msg += ": " + message
	}
	pd.addPhase(PhaseHealth, msg, now)
	return []Event{pd.stackEvent(EventProductStackStatus, s, string(from), string(observed), message, now)}
}

// Reconcile re-evaluates the product status from its stacks. It applies only
// to Running, PartiallyRunning and Failed products with no removed stacks.
func (pd *ProductDeployment) Reconcile(now time.Time) []Event {
	switch pd.Status {
	case ProductRunning, ProductPartiallyRunning, ProductFailed:
	default:
		return nil
	}
	for _, s := range pd.Stacks {
		if s.Status == StackRemoved {
			return nil
		}
	}
	to := pd.EvaluateOutcome()
	if to == pd.Status {
		return nil
	}
	from := pd.Status
	pd.Status = to
	pd.UpdatedAt = now
	msg := fmt.Sprintf("reconciled %s -> %s: %d running, %d failed", from, to, pd.CompletedStacks(), pd.FailedStacks())
	if to == ProductRunning {
		pd.ErrorMessage = ""
	} else if names := pd.failedNames(); len(names) > 0 {
		pd.ErrorMessage = "failed: " + strings.Join(names, ", ")
	}
	pd.addPhase(PhaseHealth, msg, now)
	return []Event{pd.event(EventProductReconciled, string(from), string(to), msg, now)}
}

// =============================================================================
// helpers
// =============================================================================

func (pd *ProductDeployment) requireStack(name string) (*ProductStackDeployment, error) {
	s := pd.Stack(name)
	if s == nil {
		return nil, fmt.Errorf("%w: product %s has no stack %q", ErrValidation, pd.ProductGroupID, name)
	}
	return s, nil
}

func (pd *ProductDeployment) moveStack(s *ProductStackDeployment, to StackStatus, now time.Time) ([]Event, error) {
	if err := ValidateStackTransition(s.Status, to); err != nil {
		if te, ok := err.(*TransitionError); ok {
			te.ID = s.StackName
		}
		return nil, err
	}
	from := s.Status
	s.Status = to
	pd.UpdatedAt = now
	return []Event{pd.stackEvent(EventProductStackStatus, s, string(from), string(to), "", now)}, nil
}

func (pd *ProductDeployment) transition(to ProductStatus) error {
	if err := ValidateProductTransition(pd.Status, to); err != nil {
		if te, ok := err.(*TransitionError); ok {
			te.ID = pd.ID
		}
		return err
	}
	pd.Status = to
	return nil
}

func (pd *ProductDeployment) nextOrder() int {
	next := 0
	for _, s := range pd.Stacks {
		if s.Order >= next {
			next = s.Order + 1
		}
	}
	return next
}

func (pd *ProductDeployment) countNotRunning() int {
	n := 0
	for _, s := range pd.Stacks {
		if !s.Obsolete && s.Status != StackRunning {
			n++
		}
	}
	return n
}

func (pd *ProductDeployment) failedNames() []string {
	var names []string
	for _, s := range pd.StacksInOrder() {
		if !s.Obsolete && s.Status == StackFailed {
			names = append(names, s.StackName)
		}
	}
	return names
}

func (pd *ProductDeployment) addPhase(phase Phase, message string, now time.Time) {
	pd.Phases = append(pd.Phases, PhaseRecord{Phase: phase, Message: message, Timestamp: now})
}

func (pd *ProductDeployment) event(t EventType, from, to, msg string, now time.Time) Event {
	return Event{
		Type:        t,
		AggregateID: pd.ID,
		Subject:     pd.ProductGroupID,
		From:        from,
		To:          to,
		Message:     msg,
		OccurredAt:  now,
	}
}

func (pd *ProductDeployment) stackEvent(t EventType, s *ProductStackDeployment, from, to, msg string, now time.Time) Event {
	return Event{
		Type:        t,
		AggregateID: pd.ID,
		Subject:     s.StackName,
		From:        from,
		To:          to,
		Message:     msg,
		OccurredAt:  now,
	}
}

// InstanceName is the Deployment StackName used for a product's stack in an
// environment: "<product group>-<stack>" slugified.
func InstanceName(productGroupID, stackName string) string {
	return Slugify(productGroupID + "-" + stackName)
}
