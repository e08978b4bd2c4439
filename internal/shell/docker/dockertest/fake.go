// Package dockertest provides an in-memory docker.Client that records every
// call and supports per-service exit codes and fault injection.
package dockertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/artpar/stacker/internal/core/deployment"
	"github.com/artpar/stacker/internal/core/domain"
	"github.com/artpar/stacker/internal/shell/docker"
)

// Operation names recorded by the fake.
const (
	OpPing    = "ping"
	OpPull    = "pull"
	OpCreate  = "create"
	OpStart   = "start"
	OpStop    = "stop"
	OpRemove  = "remove"
	OpInspect = "inspect"
	OpLogs    = "logs"
	OpNetwork = "network"
)

// Call is one recorded client call. Target is the service name for
// container operations, the image ref for pulls and the network name
// for networks.
type Call struct {
	Op     string
	Target string
}

func (c Call) String() string {
	return c.Op + " " + c.Target
}

type fakeContainer struct {
	state   docker.ContainerState
	spec    docker.ContainerSpec
	service string
	isInit  bool
	polls   int
}

// Fake is a concurrency-safe in-memory container engine.
type Fake struct {
	mu sync.Mutex

	calls      []Call
	containers map[string]*fakeContainer
	networks   map[string]docker.NetworkSpec
	nextID     int

	faults      map[string]error
	exitCodes   map[string]int
	hanging     map[string]bool
	logs        map[string][]string
	health      map[string]string
	restarts    map[string]int
	unreachable bool
	pollsToExit int
}

var _ docker.Client = (*Fake)(nil)

// New returns an empty fake. Init containers exit on their first inspect
// unless configured otherwise.
func New() *Fake {
	return &Fake{
		containers:  make(map[string]*fakeContainer),
		networks:    make(map[string]docker.NetworkSpec),
		faults:      make(map[string]error),
		exitCodes:   make(map[string]int),
		hanging:     make(map[string]bool),
		logs:        make(map[string][]string),
		health:      make(map[string]string),
		restarts:    make(map[string]int),
		pollsToExit: 1,
	}
}

// =============================================================================
// Configuration
// =============================================================================

// FailOn makes the next and every later op against target fail with err.
func (f *Fake) FailOn(op, target string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults[op+" "+target] = err
}

// ClearFault removes a fault injected with FailOn.
func (f *Fake) ClearFault(op, target string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.faults, op+" "+target)
}

// SetUnreachable makes every call fail with docker.ErrUnreachable.
func (f *Fake) SetUnreachable(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unreachable = v
}

// SetExitCode sets the exit code an init service's container reports.
func (f *Fake) SetExitCode(service string, code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exitCodes[service] = code
}

// SetPollsToExit sets how many inspects an init container stays running for.
func (f *Fake) SetPollsToExit(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pollsToExit = n
}

// Hang keeps the service's init container running forever.
func (f *Fake) Hang(service string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hanging[service] = true
}

// SetLogs sets the lines StreamLogs emits for the service.
func (f *Fake) SetLogs(service string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[service] = lines
}

// SetHealth sets the health status inspect reports for the service.
func (f *Fake) SetHealth(service, health string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.health[service] = health
}

// SetRestartCount sets the restart count reported for the service.
func (f *Fake) SetRestartCount(service string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts[service] = n
}

// SetStatus forces the status of the service's container.
func (f *Fake) SetStatus(service string, status docker.ContainerStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.service == service {
			c.state.Status = status
		}
	}
}

// =============================================================================
// Inspection
// =============================================================================

// Calls returns a copy of every recorded call.
func (f *Fake) Calls() []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Call, len(f.calls))
	copy(out, f.calls)
	return out
}

// CallStrings returns the recorded calls as "op target", skipping ops in
// ignore. Inspect, logs and ping are noisy and usually ignored.
func (f *Fake) CallStrings(ignore ...string) []string {
	skip := make(map[string]bool, len(ignore))
	for _, op := range ignore {
		skip[op] = true
	}
	var out []string
	for _, c := range f.Calls() {
		if !skip[c.Op] {
			out = append(out, c.String())
		}
	}
	return out
}

// LifecycleCalls returns pull/create/start/stop/remove calls only.
func (f *Fake) LifecycleCalls() []string {
	return f.CallStrings(OpPing, OpInspect, OpLogs, OpNetwork)
}

// CallsFor returns the targets of every call with the given op.
func (f *Fake) CallsFor(op string) []string {
	var out []string
	for _, c := range f.Calls() {
		if c.Op == op {
			out = append(out, c.Target)
		}
	}
	return out
}

// Container returns the state of the service's live container.
func (f *Fake) Container(service string) (docker.ContainerState, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.containers {
		if c.service == service {
			return c.state, true
		}
	}
	return docker.ContainerState{}, false
}

// ContainerCount returns the number of live containers.
func (f *Fake) ContainerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// Networks returns the names of every ensured network.
func (f *Fake) Networks() map[string]docker.NetworkSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]docker.NetworkSpec, len(f.networks))
	for k, v := range f.networks {
		out[k] = v
	}
	return out
}

// Seed adds a running container for service and returns its ID.
func (f *Fake) Seed(service string, spec docker.ContainerSpec) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.addLocked(service, spec)
	f.containers[id].state.Status = docker.ContainerStatusRunning
	return id
}

// =============================================================================
// docker.Client
// =============================================================================

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordLocked(ctx, OpPing, "engine")
}

func (f *Fake) PullImage(ctx context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.recordLocked(ctx, OpPull, ref)
}

func (f *Fake) CreateContainer(ctx context.Context, spec docker.ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	service := spec.Labels[deployment.LabelService]
	if service == "" {
		service = spec.Name
	}
	if err := f.recordLocked(ctx, OpCreate, service); err != nil {
		return "", err
	}
	for _, c := range f.containers {
		if c.spec.Name == spec.Name {
			return "", docker.NewDockerError("CreateContainer", "container", spec.Name, "name in use", docker.ErrContainerAlreadyExists)
		}
	}
	return f.addLocked(service, spec), nil
}

func (f *Fake) StartContainer(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.lookupLocked(ctx, OpStart, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	c.state.Status = docker.ContainerStatusRunning
	c.state.StartedAt = &now
	c.polls = 0
	return nil
}

func (f *Fake) StopContainer(ctx context.Context, id string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.lookupLocked(ctx, OpStop, id)
	if err != nil {
		return err
	}
	if c.state.Status == docker.ContainerStatusRunning {
		now := time.Now().UTC()
		c.state.Status = docker.ContainerStatusExited
		c.state.FinishedAt = &now
	}
	return nil
}

func (f *Fake) RemoveContainer(ctx context.Context, id string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.lookupLocked(ctx, OpRemove, id); err != nil {
		return err
	}
	delete(f.containers, id)
	return nil
}

func (f *Fake) InspectContainer(ctx context.Context, id string) (*docker.ContainerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	c, err := f.lookupLocked(ctx, OpInspect, id)
	if err != nil {
		return nil, err
	}
	if c.isInit && c.state.Status == docker.ContainerStatusRunning && !f.hanging[c.service] {
		c.polls++
		if c.polls >= f.pollsToExit {
			now := time.Now().UTC()
			c.state.Status = docker.ContainerStatusExited
			c.state.ExitCode = f.exitCodes[c.service]
			c.state.FinishedAt = &now
		}
	}
	c.state.Health = f.health[c.service]
	c.state.RestartCount = f.restarts[c.service]

	state := c.state
	return &state, nil
}

func (f *Fake) GetRestartCount(ctx context.Context, id string) (int, error) {
	state, err := f.InspectContainer(ctx, id)
	if err != nil {
		return 0, err
	}
	return state.RestartCount, nil
}

func (f *Fake) StreamLogs(ctx context.Context, id string, onLine func(line string)) error {
	f.mu.Lock()
	c, err := f.lookupLocked(ctx, OpLogs, id)
	var lines []string
	if err == nil {
		lines = append(lines, f.logs[c.service]...)
	}
	f.mu.Unlock()
	if err != nil {
		return err
	}

	for _, line := range lines {
		if ctx.Err() != nil {
			return nil
		}
		onLine(line)
	}
	return nil
}

func (f *Fake) EnsureNetwork(ctx context.Context, spec docker.NetworkSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.recordLocked(ctx, OpNetwork, spec.Name); err != nil {
		return err
	}
	if _, ok := f.networks[spec.Name]; !ok {
		f.networks[spec.Name] = spec
	}
	return nil
}

func (f *Fake) Close() error { return nil }

// =============================================================================
// helpers
// =============================================================================

func (f *Fake) recordLocked(ctx context.Context, op, target string) error {
	f.calls = append(f.calls, Call{Op: op, Target: target})
	if err := ctx.Err(); err != nil {
		return docker.NewDockerError(op, "", target, "cancelled", fmt.Errorf("%w: %w", domain.ErrCancelled, err))
	}
	if f.unreachable {
		return docker.NewDockerError(op, "", target, "connection refused", docker.ErrUnreachable)
	}
	if err, ok := f.faults[op+" "+target]; ok {
		return docker.NewDockerError(op, "", target, "injected fault", err)
	}
	return nil
}

func (f *Fake) lookupLocked(ctx context.Context, op, id string) (*fakeContainer, error) {
	c, ok := f.containers[id]
	target := id
	if ok {
		target = c.service
	}
	if err := f.recordLocked(ctx, op, target); err != nil {
		return nil, err
	}
	if !ok {
		return nil, docker.NewDockerError(op, "container", id, "no such container", docker.ErrContainerNotFound)
	}
	return c, nil
}

func (f *Fake) addLocked(service string, spec docker.ContainerSpec) string {
	f.nextID++
	id := fmt.Sprintf("ctr-%d-%s", f.nextID, service)
	f.containers[id] = &fakeContainer{
		spec:    spec,
		service: service,
		isInit:  spec.Labels[deployment.LabelLifecycle] == string(domain.LifecycleInit),
		state: docker.ContainerState{
			ID:     id,
			Name:   spec.Name,
			Image:  spec.Image,
			Status: docker.ContainerStatusCreated,
			Labels: spec.Labels,
		},
	}
	return id
}
