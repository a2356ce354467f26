package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/anvil-platform/conduit/plugin"
)

type mockComponent struct {
	mu    sync.Mutex
	mocks map[string]*MockEndpoint
}

func newMockComponent(*Context) plugin.Component {
	return &mockComponent{mocks: map[string]*MockEndpoint{}}
}

func (m *mockComponent) Scheme() string { return "mock" }

// Endpoint returns one MockEndpoint per name regardless of query parameters.
func (m *mockComponent) Endpoint(uri string) (plugin.Endpoint, error) {
	name, _, err := endpointName(uri)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.mocks[name]
	if !ok {
		ep = &MockEndpoint{uri: "mock:" + name, changed: make(chan struct{})}
		m.mocks[name] = ep
	}
	return ep, nil
}

// MockEndpoint records what it receives, for assertions in tests.
type MockEndpoint struct {
	uri string

	mu       sync.Mutex
	received []*plugin.Message
	expected int
	failWith error
	changed  chan struct{}
}

func (m *MockEndpoint) URI() string { return m.uri }

func (m *MockEndpoint) Send(_ context.Context, msg *plugin.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWith != nil {
		return m.failWith
	}
	m.received = append(m.received, msg.Copy())
	close(m.changed)
	m.changed = make(chan struct{})
	return nil
}

// ExpectedCount sets the count Await waits for.
func (m *MockEndpoint) ExpectedCount(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.expected = n
}

// FailWith makes every subsequent Send return err. nil restores normal
// behavior.
func (m *MockEndpoint) FailWith(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// Await blocks until at least the expected number of messages arrived.
func (m *MockEndpoint) Await(ctx context.Context) error {
	for {
		m.mu.Lock()
		n, want, changed := len(m.received), m.expected, m.changed
		m.mu.Unlock()
		if n >= want {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return fmt.Errorf("%s: received %d of %d messages: %w", m.uri, n, want, ctx.Err())
		}
	}
}

// Received returns copies of the messages received so far.
func (m *MockEndpoint) Received() []*plugin.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*plugin.Message(nil), m.received...)
}

func (m *MockEndpoint) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = nil
	m.expected = 0
	m.failWith = nil
}
