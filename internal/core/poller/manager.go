package poller

import (
	"context"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/sdwanlab/ratewatch/internal/core"
	"github.com/sdwanlab/ratewatch/internal/core/reconcile"
)

// Manager runs one poller per agent.
type Manager struct {
	order   []string
	pollers map[string]*Poller
}

// NewManager indexes pollers by agent id. Later duplicates replace earlier ones.
func NewManager(pollers ...*Poller) *Manager {
	m := &Manager{pollers: make(map[string]*Poller, len(pollers))}
	for _, p := range pollers {
		if _, exists := m.pollers[p.AgentID()]; !exists {
			m.order = append(m.order, p.AgentID())
		}
		m.pollers[p.AgentID()] = p
	}
	return m
}

// Run starts every poller and blocks until ctx is cancelled or one fails.
func (m *Manager) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, id := range m.order {
		p := m.pollers[id]
		g.Go(func() error {
			return p.Run(ctx)
		})
	}
	return g.Wait()
}

// PollOnce polls every agent concurrently and returns the first error.
// All agents are polled even when one fails.
func (m *Manager) PollOnce(ctx context.Context) error {
	var g errgroup.Group
	for _, id := range m.order {
		p := m.pollers[id]
		g.Go(func() error {
			return p.PollOnce(ctx)
		})
	}
	return g.Wait()
}

// Agent returns the poller for id.
func (m *Manager) Agent(id string) (*Poller, bool) {
	p, ok := m.pollers[id]
	return p, ok
}

// Agents returns the status of every agent, sorted by id.
func (m *Manager) Agents() []core.AgentStatus {
	out := make([]core.AgentStatus, 0, len(m.pollers))
	for _, p := range m.pollers {
		out = append(out, p.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Streams returns the reconcilers of agent id.
func (m *Manager) Streams(id string) (*reconcile.StreamSet, bool) {
	p, ok := m.pollers[id]
	if !ok {
		return nil, false
	}
	return p.Streams(), true
}
