package jobrunner

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"accountpool/internal/bus"
	"accountpool/internal/event"
	"accountpool/pkg/platform/sentinel"
)

// Memory is an in-process Runner for tests and local mode. It completes
// every run immediately by publishing a JobCompleted event, the same way
// the external runner reports back through the bus.
type Memory struct {
	mu          sync.Mutex
	publisher   bus.Publisher
	environment string

	identities  map[Kind]IdentityRef
	definitions map[string]JobSpec
	runs        []string

	// propagationLag makes the first N EnsureJobDefinition calls after an
	// identity is created fail with ErrNotPropagated, mimicking eventual
	// consistency of permission propagation.
	propagationLag int
	lagRemaining   map[Kind]int

	// silent suppresses completion events so watchdog timeouts can be
	// exercised; failNext reports the next run as FAILED.
	silent   bool
	failNext bool
}

type MemoryOption func(*Memory)

func WithPropagationLag(calls int) MemoryOption {
	return func(m *Memory) { m.propagationLag = calls }
}

// Silent stops the runner from reporting completions.
func Silent() MemoryOption {
	return func(m *Memory) { m.silent = true }
}

func NewMemory(publisher bus.Publisher, environment string, opts ...MemoryOption) *Memory {
	m := &Memory{
		publisher:    publisher,
		environment:  environment,
		identities:   make(map[Kind]IdentityRef),
		definitions:  make(map[string]JobSpec),
		lagRemaining: make(map[Kind]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) EnsureRunnerIdentity(_ context.Context, kind Kind) (IdentityRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ref, ok := m.identities[kind]; ok {
		return ref, nil
	}
	ref := IdentityRef("identity/" + string(kind))
	m.identities[kind] = ref
	m.lagRemaining[kind] = m.propagationLag
	return ref, nil
}

func (m *Memory) EnsureJobDefinition(_ context.Context, name string, spec JobSpec, identity IdentityRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	kind := kindOfJob(name)
	if m.lagRemaining[kind] > 0 {
		m.lagRemaining[kind]--
		return fmt.Errorf("identity %s: %w", identity, sentinel.ErrNotPropagated)
	}
	// Redefining an existing job with the same name is allowed.
	m.definitions[name] = spec
	return nil
}

func (m *Memory) Run(ctx context.Context, name string) error {
	m.mu.Lock()
	spec, ok := m.definitions[name]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("job %s: %w", name, sentinel.ErrNotFound)
	}
	m.runs = append(m.runs, name)
	silent, failNext := m.silent, m.failNext
	m.failNext = false
	m.mu.Unlock()

	if silent {
		return nil
	}
	status := event.JobSucceeded
	if failNext {
		status = event.JobFailed
	}
	env := event.New(event.LabelJobCompleted, spec.Account, m.environment)
	env.Detail.Job = name
	env.Detail.Status = status
	return m.publisher.Publish(ctx, env)
}

// FailNext makes the next run report FAILED. Test helper.
func (m *Memory) FailNext() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = true
}

// Runs lists the job names started, in order.
func (m *Memory) Runs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.runs...)
}

func kindOfJob(name string) Kind {
	if strings.HasPrefix(name, string(KindPurge)) {
		return KindPurge
	}
	return KindPrepare
}
