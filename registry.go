package mqtransport

import (
	"sort"
	"sync"
)

// Registry keeps the active consumers keyed by channel name.
type Registry interface {
	// Register stores c under channel, returning the consumer it replaced, if any.
	Register(channel string, c Consumer) (previous Consumer, replaced bool)
	Lookup(channel string) (Consumer, bool)
	Channels() []string
	Len() int
	// Drain removes and returns every registered consumer.
	Drain() map[string]Consumer
}

type registryImpl struct {
	consumers map[string]Consumer
	mu        sync.RWMutex
}

func (r *registryImpl) Register(channel string, c Consumer) (Consumer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, exists := r.consumers[channel]
	r.consumers[channel] = c
	return prev, exists
}

func (r *registryImpl) Lookup(channel string) (Consumer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.consumers[channel]
	return c, ok
}

func (r *registryImpl) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.consumers))
	for name := range r.consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *registryImpl) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.consumers)
}

func (r *registryImpl) Drain() map[string]Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	drained := r.consumers
	r.consumers = make(map[string]Consumer)
	return drained
}

func NewRegistry() Registry {
	return &registryImpl{consumers: make(map[string]Consumer)}
}
