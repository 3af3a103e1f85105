// Package agentlock serializes deployment-affecting operations per agent.
//
// Evolutions for the same agent must be processed in submission order, and
// rollback must mutually exclude concurrent approval/deployment on that
// agent: both compete for the single "what is currently deployed" slot.
// Different agents proceed fully in parallel.
package agentlock

import "sync"

// Keyed hands out one mutex per agent ID.
type Keyed struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an empty keyed lock set.
func New() *Keyed {
	return &Keyed{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for agentID, creating it on first use.
func (k *Keyed) Lock(agentID string) {
	k.get(agentID).Lock()
}

// Unlock releases the mutex for agentID.
func (k *Keyed) Unlock(agentID string) {
	k.get(agentID).Unlock()
}

func (k *Keyed) get(agentID string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()
	m, ok := k.locks[agentID]
	if !ok {
		m = &sync.Mutex{}
		k.locks[agentID] = m
	}
	return m
}
