package observe

// Touch records that a write transaction changed one entity.
type Touch struct {
	// Kind is the entity category, e.g. "kv_entry".
	Kind string

	// ID is the entity identifier within its kind.
	ID string

	// Reindex marks the entity for the external search indexer.
	Reindex bool
}

// touchKey identifies an entity within a change set.
type touchKey struct {
	kind string
	id   string
}

// ChangeSet accumulates the touches of a single write transaction.
//
// Touches are recorded without side effects until the transaction commits;
// the committed set is produced by Seal. A change set belongs to exactly
// one write transaction and is not safe for concurrent use.
type ChangeSet struct {
	events []Touch
	remap  map[touchKey]string
}

// NewChangeSet returns an empty change set.
func NewChangeSet() *ChangeSet {
	return &ChangeSet{
		remap: make(map[touchKey]string),
	}
}

// Touch enqueues an entity into the change set. Touching the same entity
// again keeps its original position and merges the reindex flag.
func (c *ChangeSet) Touch(kind, id string, reindex bool) {
	c.events = append(c.events, Touch{Kind: kind, ID: id, Reindex: reindex})
}

// UpdateIDMapping records that an entity's identifier changed mid-transaction,
// typically from a provisional value to the final row identifier. Touches
// recorded under the old identifier, before or after this call, resolve to
// the new one when the set is sealed.
func (c *ChangeSet) UpdateIDMapping(kind, oldID, newID string) {
	c.remap[touchKey{kind: kind, id: oldID}] = newID
}

// Empty reports whether the transaction touched anything.
func (c *ChangeSet) Empty() bool {
	return len(c.events) == 0
}

// Seal resolves identifier remappings and collapses duplicate touches into
// the final change list delivered to observers. First-enqueue order is
// preserved; a duplicate contributes only its reindex flag.
func (c *ChangeSet) Seal() []Touch {
	if len(c.events) == 0 {
		return nil
	}

	seen := make(map[touchKey]int, len(c.events))
	out := make([]Touch, 0, len(c.events))

	for _, t := range c.events {
		id := c.resolve(t.Kind, t.ID)
		k := touchKey{kind: t.Kind, id: id}

		if i, ok := seen[k]; ok {
			out[i].Reindex = out[i].Reindex || t.Reindex
			continue
		}
		seen[k] = len(out)
		out = append(out, Touch{Kind: t.Kind, ID: id, Reindex: t.Reindex})
	}

	return out
}

// resolve follows the remap chain for an identifier. The iteration cap
// keeps an accidental mapping cycle from looping forever.
func (c *ChangeSet) resolve(kind, id string) string {
	for i := 0; i < len(c.remap); i++ {
		next, ok := c.remap[touchKey{kind: kind, id: id}]
		if !ok {
			break
		}
		id = next
	}
	return id
}
