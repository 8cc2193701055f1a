package credentials

import (
	"fmt"
	"sync"
)

// Broker hands out secret values by name. Real backends would wrap a
// system keychain or a secrets manager; the agent only ever sees values
// the user has approved for the session.
type Broker interface {
	Get(name string) (string, error)
}

// IsApproved reports whether a credential name is on the session's
// approved list.
func IsApproved(name string, approved []string) bool {
	for _, a := range approved {
		if a == name {
			return true
		}
	}
	return false
}

// MockBroker fabricates stable placeholder values. Useful for development
// and tests where no real secret store is configured.
type MockBroker struct {
	mu     sync.Mutex
	issued map[string]string
}

func NewMockBroker() *MockBroker {
	return &MockBroker{issued: make(map[string]string)}
}

func (b *MockBroker) Get(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("credential name is empty")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if value, ok := b.issued[name]; ok {
		return value, nil
	}
	value := fmt.Sprintf("<mock-value-for-%s>", name)
	b.issued[name] = value
	return value, nil
}

// New returns the broker for a configured backend name.
func New(backend string) (Broker, error) {
	switch backend {
	case "", "mock":
		return NewMockBroker(), nil
	default:
		return nil, fmt.Errorf("unknown credentials backend: %s", backend)
	}
}
