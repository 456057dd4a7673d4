package history

import (
	"context"
	"sync"

	"github.com/sells-group/fraud-analyst/internal/model"
)

// Memory keeps profiles in process. Used when no Redis address is configured
// and in tests.
type Memory struct {
	mu       sync.RWMutex
	profiles map[string]*Profile
}

// NewMemory creates an empty Memory provider.
func NewMemory() *Memory {
	return &Memory{profiles: make(map[string]*Profile)}
}

// Get implements Provider.
func (m *Memory) Get(_ context.Context, customerID string) (*model.CustomerHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.profiles[customerID].History(), nil
}

// Record implements Provider.
func (m *Memory) Record(_ context.Context, tx model.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.profiles[tx.CustomerID]
	if !ok {
		p = &Profile{}
		m.profiles[tx.CustomerID] = p
	}
	p.Apply(tx)
	return nil
}
