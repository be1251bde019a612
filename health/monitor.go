package health

import (
	"sort"
	"sync"
)

// Checker reports its current health on demand
type Checker interface {
	Health() Status
}

// CheckerFunc adapts a function to Checker
type CheckerFunc func() Status

// Health implements Checker
func (f CheckerFunc) Health() Status { return f() }

// Monitor polls registered checkers and aggregates their statuses
type Monitor struct {
	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewMonitor creates an empty monitor
func NewMonitor() *Monitor {
	return &Monitor{checkers: make(map[string]Checker)}
}

// Register adds or replaces the checker for name
func (m *Monitor) Register(name string, c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers[name] = c
}

// Remove stops checking name
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkers, name)
}

// Check returns the current status of name
func (m *Monitor) Check(name string) (Status, bool) {
	m.mu.RLock()
	c, ok := m.checkers[name]
	m.mu.RUnlock()
	if !ok {
		return Status{}, false
	}
	return m.run(name, c), true
}

// Aggregate checks every component, sorted by name, and combines them
func (m *Monitor) Aggregate(system string) Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checkers))
	for name := range m.checkers {
		names = append(names, name)
	}
	checkers := make(map[string]Checker, len(m.checkers))
	for name, c := range m.checkers {
		checkers[name] = c
	}
	m.mu.RUnlock()

	sort.Strings(names)
	subs := make([]Status, 0, len(names))
	for _, name := range names {
		subs = append(subs, m.run(name, checkers[name]))
	}
	return Aggregate(system, subs)
}

func (m *Monitor) run(name string, c Checker) Status {
	s := c.Health()
	s.Component = name
	return s
}
