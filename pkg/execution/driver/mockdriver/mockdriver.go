// Package mockdriver provides a scriptable action handler for tests.
package mockdriver

import (
	"context"
	"sync"

	"github.com/everflow-crm/everflow/pkg/execution/driver"
)

const Name = "mock"

// Mock is a Handler whose responses are scripted per invocation.  Calls
// beyond the scripted responses succeed.
type Mock struct {
	name string

	mu        sync.Mutex
	responses []driver.Response
	calls     []Call
}

type Call struct {
	Config  map[string]any
	Context driver.Context
}

type Opt func(*Mock)

func WithName(name string) Opt {
	return func(m *Mock) {
		m.name = name
	}
}

func New(opts ...Opt) *Mock {
	m := &Mock{name: Name}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Mock) Name() string { return m.name }

// Respond appends a scripted response consumed by the next Execute call.
func (m *Mock) Respond(r driver.Response) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, r)
	return m
}

func (m *Mock) Execute(ctx context.Context, config map[string]any, ec driver.Context) (*driver.Response, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, Call{Config: config, Context: ec})

	if len(m.responses) == 0 {
		return &driver.Response{Outcome: driver.OutcomeSuccess}, nil
	}
	r := m.responses[0]
	m.responses = m.responses[1:]
	return &r, nil
}

// Calls returns every invocation recorded so far.
func (m *Mock) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Call, len(m.calls))
	copy(out, m.calls)
	return out
}
