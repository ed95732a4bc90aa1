package reconcile

// Entity is one reconciled record, keyed by its server-assigned ID.
type Entity struct {
	ID     string
	Status Status
	Fields map[string]interface{}
}

// clone returns a copy safe to hand to observers: the fields map is copied
// so callers cannot mutate the canonical record.
func (e *Entity) clone() Entity {
	fields := make(map[string]interface{}, len(e.Fields))
	for k, v := range e.Fields {
		fields[k] = v
	}
	return Entity{ID: e.ID, Status: e.Status, Fields: fields}
}

// collection is an insertion-ordered map from ID to entity. It holds at most
// one entry per ID regardless of how many sources introduced that ID; all
// mutation goes through the engine's merge rule.
type collection struct {
	byID  map[string]*Entity
	order []string
}

func newCollection() *collection {
	return &collection{byID: make(map[string]*Entity)}
}

func (c *collection) get(id string) (*Entity, bool) {
	e, ok := c.byID[id]
	return e, ok
}

// insert adds a new entry at the end of the iteration order. The caller has
// already checked the ID is unknown.
func (c *collection) insert(e *Entity) {
	c.byID[e.ID] = e
	c.order = append(c.order, e.ID)
}

func (c *collection) len() int {
	return len(c.byID)
}

// snapshot returns copies of all entities in insertion order.
func (c *collection) snapshot() []Entity {
	out := make([]Entity, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.byID[id].clone())
	}
	return out
}
