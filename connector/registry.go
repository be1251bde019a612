package connector

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/c360/attrstream/errors"
	"github.com/c360/attrstream/health"
)

// Registry indexes the connectors of one process by resource name
type Registry struct {
	mu         sync.RWMutex
	connectors map[string]*Connector
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{connectors: make(map[string]*Connector)}
}

// Add registers c under its resource name
func (r *Registry) Add(c *Connector) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.connectors[c.Resource()]; exists {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "Add", "register resource "+c.Resource())
	}
	r.connectors[c.Resource()] = c
	return nil
}

// Get returns the connector for resource
func (r *Registry) Get(resource string) (*Connector, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.connectors[resource]
	return c, ok
}

// Names returns the registered resource names, sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.connectors))
	for name := range r.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StartAll starts every connector in name order and stops at the first failure
func (r *Registry) StartAll(ctx context.Context) error {
	for _, name := range r.Names() {
		c, _ := r.Get(name)
		if err := c.Start(ctx); err != nil {
			return errors.Wrap(err, "Registry", "StartAll", "start "+name)
		}
	}
	return nil
}

// StopAll stops every connector and joins their errors
func (r *Registry) StopAll(timeout time.Duration) error {
	var errs []error
	for _, name := range r.Names() {
		c, _ := r.Get(name)
		if err := c.Stop(timeout); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}

// Register adds every connector to the health monitor
func (r *Registry) Register(m *health.Monitor) {
	for _, name := range r.Names() {
		c, _ := r.Get(name)
		m.Register("connector:"+name, c)
	}
}
