// Package notify delivers deployment progress, init container logs and
// domain events to observers. Every delivery is fire-and-forget: sinks
// never return errors to the operation that produced the notification.
package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/artpar/stacker/internal/core/domain"
)

// =============================================================================
// Notifications
// =============================================================================

// Progress reports how far a stack operation has got.
type Progress struct {
	DeploymentID string
	StackName    string
	Phase        domain.Phase
	Message      string
	Percent      int
	Service      string
	Completed    int
	Total        int
}

// ProductProgress reports a per-stack change during product orchestration.
type ProductProgress struct {
	ProductDeploymentID string
	ProductGroupID      string
	StackName           string
	Status              domain.StackStatus
	Message             string
	Completed           int
	Total               int
}

// Notifier receives progress and log notifications.
type Notifier interface {
	DeploymentProgress(ctx context.Context, p Progress)
	ContainerLog(ctx context.Context, deploymentID, container, line string)
	ProductProgress(ctx context.Context, p ProductProgress)
}

// EventSink receives the domain events produced by aggregate mutations.
type EventSink interface {
	Publish(ctx context.Context, events []domain.Event)
}

// =============================================================================
// No-op
// =============================================================================

// Nop discards everything.
type Nop struct{}

func (Nop) DeploymentProgress(context.Context, Progress) {}

func (Nop) ContainerLog(context.Context, string, string, string) {}

func (Nop) ProductProgress(context.Context, ProductProgress) {}

func (Nop) Publish(context.Context, []domain.Event) {}

// =============================================================================
// Structured Log Sink
// =============================================================================

// LogSink writes notifications and events to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "notify")}
}

func (s *LogSink) DeploymentProgress(ctx context.Context, p Progress) {
	s.logger.InfoContext(ctx, "deployment progress",
		"deployment_id", p.DeploymentID,
		"stack", p.StackName,
		"phase", p.Phase,
		"message", p.Message,
		"percent", p.Percent,
		"completed", p.Completed,
		"total", p.Total,
	)
}

func (s *LogSink) ContainerLog(ctx context.Context, deploymentID, container, line string) {
	s.logger.DebugContext(ctx, "container log", "deployment_id", deploymentID, "container", container, "line", line)
}

func (s *LogSink) ProductProgress(ctx context.Context, p ProductProgress) {
	s.logger.InfoContext(ctx, "product progress",
		"product_deployment_id", p.ProductDeploymentID,
		"product_group", p.ProductGroupID,
		"stack", p.StackName,
		"status", p.Status,
		"message", p.Message,
		"completed", p.Completed,
		"total", p.Total,
	)
}

func (s *LogSink) Publish(ctx context.Context, events []domain.Event) {
	for _, e := range events {
		s.logger.InfoContext(ctx, "domain event",
			"type", e.Type,
			"aggregate_id", e.AggregateID,
			"subject", e.Subject,
			"from", e.From,
			"to", e.To,
			"message", e.Message,
		)
	}
}

// =============================================================================
// Fan-out
// =============================================================================

// Fanout forwards every notification to each of its sinks. A panicking
// sink is logged and skipped.
type Fanout struct {
	notifiers []Notifier
	sinks     []EventSink
	logger    *slog.Logger
}

// NewFanout creates a Fanout. Values implementing Notifier, EventSink or both
// are registered for what they implement.
func NewFanout(logger *slog.Logger, targets ...any) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	f := &Fanout{logger: logger.With("component", "notify")}
	for _, t := range targets {
		if n, ok := t.(Notifier); ok {
			f.notifiers = append(f.notifiers, n)
		}
		if s, ok := t.(EventSink); ok {
			f.sinks = append(f.sinks, s)
		}
	}
	return f
}

// GuardNotifier returns a Notifier that forwards to n and recovers from its
// panics. A nil n yields Nop.
func GuardNotifier(logger *slog.Logger, n Notifier) Notifier {
	switch n := n.(type) {
	case nil:
		return Nop{}
	case Nop, *Fanout:
		return n
	}
	f := NewFanout(logger)
	f.notifiers = []Notifier{n}
	return f
}

// GuardSink returns an EventSink that forwards to s and recovers from its
// panics. A nil s yields Nop.
func GuardSink(logger *slog.Logger, s EventSink) EventSink {
	switch s := s.(type) {
	case nil:
		return Nop{}
	case Nop, *Fanout:
		return s
	}
	f := NewFanout(logger)
	f.sinks = []EventSink{s}
	return f
}

func (f *Fanout) DeploymentProgress(ctx context.Context, p Progress) {
	for _, n := range f.notifiers {
		f.safely(func() { n.DeploymentProgress(ctx, p) })
	}
}

func (f *Fanout) ContainerLog(ctx context.Context, deploymentID, container, line string) {
	for _, n := range f.notifiers {
		f.safely(func() { n.ContainerLog(ctx, deploymentID, container, line) })
	}
}

func (f *Fanout) ProductProgress(ctx context.Context, p ProductProgress) {
	for _, n := range f.notifiers {
		f.safely(func() { n.ProductProgress(ctx, p) })
	}
}

func (f *Fanout) Publish(ctx context.Context, events []domain.Event) {
	if len(events) == 0 {
		return
	}
	for _, s := range f.sinks {
		f.safely(func() { s.Publish(ctx, events) })
	}
}

func (f *Fanout) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Warn("notification sink panicked", "panic", r)
		}
	}()
	fn()
}

// =============================================================================
// Recorder
// =============================================================================

// Recorder keeps every notification in memory. It is safe for concurrent use.
type Recorder struct {
	mu       sync.Mutex
	progress []Progress
	logs     []string
	products []ProductProgress
	events   []domain.Event
}

func (r *Recorder) DeploymentProgress(_ context.Context, p Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progress = append(r.progress, p)
}

func (r *Recorder) ContainerLog(_ context.Context, _, container, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs = append(r.logs, container+": "+line)
}

func (r *Recorder) ProductProgress(_ context.Context, p ProductProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.products = append(r.products, p)
}

func (r *Recorder) Publish(_ context.Context, events []domain.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
}

// Progress returns the recorded deployment progress updates.
func (r *Recorder) Progress() []Progress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Progress(nil), r.progress...)
}

// Logs returns the recorded log lines as "container: line".
func (r *Recorder) Logs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.logs...)
}

// Products returns the recorded product progress updates.
func (r *Recorder) Products() []ProductProgress {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ProductProgress(nil), r.products...)
}

// Events returns the recorded domain events.
func (r *Recorder) Events() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domain.Event(nil), r.events...)
}

// EventTypes returns the types of the recorded domain events in order.
func (r *Recorder) EventTypes() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}
