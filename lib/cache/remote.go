package cache

import (
	"github.com/ValentinKolb/dSync/lib/model"
)

// --------------------------------------------------------------------------
// Remote writes
// --------------------------------------------------------------------------

// The functions in this file mirror changes delivered by a replication adapter.
// Records are expected in JSON shape with a non empty id. A record with a revision
// lower than the cached one is stale and ignored; records without revision
// (whole-collection replication) always win.

// Replace sets the complete content of a collection. Documents that are not part of
// records are removed, the order of records becomes the order of the collection.
// It reports whether the collection changed visibly.
func (c *Cache) Replace(name string, records []model.Record) bool {
	coll := c.collection(name)
	coll.mu.Lock()
	defer coll.mu.Unlock()

	changed := false
	incoming := make(map[string]bool, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		id := rec.Doc.ID()
		if id == "" || incoming[id] {
			if id != "" {
				// duplicate id, the last record wins but keeps the first position
				changed = c.upsertLocked(coll, rec, false) || changed
			}
			continue
		}
		incoming[id] = true
		order = append(order, id)
		changed = c.upsertLocked(coll, rec, false) || changed
	}

	for _, id := range append([]string(nil), coll.order...) {
		if !incoming[id] {
			delete(coll.entries, id)
			changed = true
		}
	}

	if !sameOrder(coll.order, order) {
		changed = true
	}
	coll.order = order

	if changed {
		coll.version++
	}
	return changed
}

// Upsert creates or overwrites documents. It reports whether the collection changed visibly.
func (c *Cache) Upsert(name string, records []model.Record) bool {
	coll := c.collection(name)
	coll.mu.Lock()
	defer coll.mu.Unlock()

	changed := false
	for _, rec := range records {
		if rec.Doc.ID() == "" {
			continue
		}
		changed = c.upsertLocked(coll, rec, true) || changed
	}
	if changed {
		coll.version++
	}
	return changed
}

// Remove deletes a document. It reports whether the collection changed.
func (c *Cache) Remove(name, id string) bool {
	coll, ok := c.collections.Load(name)
	if !ok {
		return false
	}
	coll.mu.Lock()
	defer coll.mu.Unlock()

	if _, ok := coll.entries[id]; !ok {
		return false
	}
	c.seq.Add(1)
	coll.remove(id)
	coll.version++
	return true
}

// upsertLocked writes rec without touching the version. If appendNew is set,
// new documents are appended to the order. Must be called with the write lock held.
func (c *Cache) upsertLocked(coll *collection, rec model.Record, appendNew bool) bool {
	id := rec.Doc.ID()
	cur, ok := coll.entries[id]
	if !ok {
		coll.entries[id] = &entry{doc: rec.Doc.Clone(), meta: rec.Meta, seq: c.seq.Add(1)}
		if appendNew {
			coll.order = append(coll.order, id)
		}
		return true
	}

	if rec.Meta.Revision > 0 && cur.meta.Revision > rec.Meta.Revision {
		log.Debugf("stale record %s (revision %d < %d) ignored", id, rec.Meta.Revision, cur.meta.Revision)
		return false
	}
	cur.meta = rec.Meta
	if model.Equal(cur.doc, rec.Doc) {
		return false
	}
	cur.doc = rec.Doc.Clone()
	cur.seq = c.seq.Add(1)
	return true
}

func sameOrder(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
