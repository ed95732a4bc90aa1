// Package reconcile maintains the canonical in-memory view of server-owned
// state: job records and the worker pool snapshot. Updates arrive from two
// uncoordinated sources, the push channel and responses to locally issued
// commands, and both are funneled through one merge entry point keyed by
// identity so no interleaving can produce duplicate records or a repeated
// terminal notification.
package reconcile

import (
	"sync"

	"github.com/opswatch/jobsync/internal/protocol"
	"github.com/opswatch/jobsync/pkg/debug"
)

// Engine merges entity updates into a single ordered collection and tracks
// which entities have already raised their terminal notification.
type Engine struct {
	mu       sync.Mutex
	entities *collection
	pool     *protocol.PoolStatus
	notified map[string]bool // IDs whose terminal notification already fired
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{
		entities: newCollection(),
		notified: make(map[string]bool),
	}
}

// Apply merges one incoming update, from either source, into the collection.
// It returns a copy of the merged record and whether this update crossed the
// entity into a terminal status for the first time.
//
// The merge rule:
//   - unknown ID: insert; an already-terminal status fires immediately
//     (covers fast-completing work first observed via either source)
//   - known ID: overwrite status and incoming fields last-writer-wins; the
//     two sources are not timestamped relative to each other, so neither is
//     trusted over the other
//   - the terminal notification fires at most once per ID for the lifetime
//     of the engine, even if later corrections re-deliver a terminal status
func (e *Engine) Apply(u protocol.EntityUpdate) (Entity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entity, known := e.entities.get(u.ID)
	if !known {
		entity = &Entity{
			ID:     u.ID,
			Status: Status(u.Status),
			Fields: make(map[string]interface{}, len(u.Fields)),
		}
		for k, v := range u.Fields {
			entity.Fields[k] = v
		}
		e.entities.insert(entity)
		debug.Debug("Reconciled new entity %s (status: %s)", u.ID, u.Status)
	} else {
		// Partial updates are common on the push path: only the keys
		// present in the incoming payload are overwritten.
		if u.Status != "" {
			entity.Status = Status(u.Status)
		}
		for k, v := range u.Fields {
			entity.Fields[k] = v
		}
	}

	fired := false
	if entity.Status.IsTerminal() && !e.notified[u.ID] {
		e.notified[u.ID] = true
		fired = true
		debug.Info("Entity %s reached terminal status %s", u.ID, entity.Status)
	}

	return entity.clone(), fired
}

// ApplyPool replaces the worker pool snapshot.
func (e *Engine) ApplyPool(p protocol.PoolStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	snapshot := p
	e.pool = &snapshot
}

// Snapshot returns copies of all entities in insertion order.
func (e *Engine) Snapshot() []Entity {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entities.snapshot()
}

// Get returns a copy of one entity by ID.
func (e *Engine) Get(id string) (Entity, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	entity, ok := e.entities.get(id)
	if !ok {
		return Entity{}, false
	}
	return entity.clone(), true
}

// Len returns the number of reconciled entities.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entities.len()
}

// Pool returns the last applied pool snapshot, if any.
func (e *Engine) Pool() (protocol.PoolStatus, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pool == nil {
		return protocol.PoolStatus{}, false
	}
	return *e.pool, true
}
