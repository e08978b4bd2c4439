package domain

import "time"

// =============================================================================
// Domain Events
// =============================================================================

// EventType names a state change on an aggregate.
type EventType string

const (
	EventDeploymentStarted   EventType = "deployment.started"
	EventDeploymentRunning   EventType = "deployment.running"
	EventDeploymentUpgraded  EventType = "deployment.upgraded"
	EventDeploymentFailed    EventType = "deployment.failed"
	EventDeploymentStopped   EventType = "deployment.stopped"
	EventDeploymentRemoved   EventType = "deployment.removed"
	EventDeploymentRedeploy  EventType = "deployment.redeploy"
	EventProductStarted      EventType = "product.started"
	EventProductStatus       EventType = "product.status_changed"
	EventProductStackStatus  EventType = "product.stack_status_changed"
	EventProductReconciled   EventType = "product.reconciled"
	EventProductUpgradeBegun EventType = "product.upgrade_started"
)

// Event is emitted by an aggregate mutation. Mutating methods return the
// events they produce; aggregates keep no event buffer.
type Event struct {
	Type        EventType `json:"type"`
	AggregateID string    `json:"aggregate_id"`
	Subject     string    `json:"subject,omitempty"`
	From        string    `json:"from,omitempty"`
	To          string    `json:"to,omitempty"`
	Message     string    `json:"message,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}
