package cache

import (
	"sort"

	"github.com/ValentinKolb/dSync/lib/model"
)

// Applied describes one mutation of a batch after it was applied to the cache.
type Applied struct {
	Mutation model.Mutation
	// BaseRevision is the revision the document had before the batch touched it (0 = absent).
	BaseRevision uint64
	// Noop is true for mutations that had no target: Update and Delete of an id
	// that was absent when the mutation was applied.
	Noop bool
}

// BatchResult is the outcome of Batch.
type BatchResult struct {
	Ops         []Applied
	Collections []string // collections touched by the batch, sorted
	Changed     []string // collections that changed visibly, sorted
	Undo        *Undo
}

// preImage is the state of one document before a batch touched it
type preImage struct {
	key     model.Key
	existed bool
	doc     model.Document
	meta    model.Meta
	pos     int

	written bool   // the batch wrote the document
	present bool   // the document exists after the batch
	seq     uint64 // sequence of the last write of the batch
}

// Undo holds the pre-images of a batch. It is used to revert the batch (Rollback)
// or to attach backend metadata to its writes (Confirm).
type Undo struct {
	images []*preImage
	byKey  map[model.Key]*preImage
}

// Batch applies all mutations atomically with respect to readers of the cache:
// the locks of all touched collections are taken in sorted order and held until
// every mutation was applied. Mutations are expected to be normalized.
func (c *Cache) Batch(muts []model.Mutation) BatchResult {
	names := collectionNames(muts)
	colls := c.lockAll(names)
	defer unlockAll(colls, names)

	undo := &Undo{byKey: make(map[model.Key]*preImage)}
	changed := make(map[string]bool)
	result := BatchResult{Collections: names, Undo: undo}

	for _, m := range muts {
		coll := colls[m.Collection]
		key := m.Key()

		img, seen := undo.byKey[key]
		if !seen {
			img = capture(coll, key)
			undo.byKey[key] = img
			undo.images = append(undo.images, img)
		}

		_, existsNow := coll.entries[m.ID]
		applied := Applied{Mutation: m}
		if img.existed {
			applied.BaseRevision = img.meta.Revision
		}
		if !existsNow && (m.Type == model.OpUpdate || m.Type == model.OpDelete) {
			applied.Noop = true
		}

		ok, seq := c.applyLocked(coll, m)
		if ok {
			changed[m.Collection] = true
			img.written = true
			img.seq = seq
		}
		_, img.present = coll.entries[m.ID]
		result.Ops = append(result.Ops, applied)
	}

	for name := range changed {
		result.Changed = append(result.Changed, name)
	}
	sort.Strings(result.Changed)
	return result
}

// Rollback reverts the writes of a batch. A document is only restored if it is
// still in the state the batch left it in, writes that happened after the batch
// (e.g. remote changes) are kept. It returns the collections that changed visibly.
func (c *Cache) Rollback(u *Undo) []string {
	if u == nil {
		return nil
	}
	names := u.collections()
	colls := c.lockAll(names)
	defer unlockAll(colls, names)

	changed := make(map[string]bool)
	for i := len(u.images) - 1; i >= 0; i-- {
		img := u.images[i]
		if !img.written {
			continue
		}
		coll := colls[img.key.Collection]
		cur, ok := coll.entries[img.key.ID]

		untouched := (img.present && ok && cur.seq == img.seq) || (!img.present && !ok)
		if !untouched {
			log.Debugf("rollback of %s skipped, document was changed concurrently", img.key)
			continue
		}

		switch {
		case img.existed && ok:
			cur.doc = img.doc
			cur.meta = img.meta
			cur.seq = c.seq.Add(1)
		case img.existed && !ok:
			coll.insertAt(img.pos, img.key.ID, &entry{doc: img.doc, meta: img.meta, seq: c.seq.Add(1)})
		case !img.existed && ok:
			coll.remove(img.key.ID)
		default:
			continue
		}
		coll.version++
		changed[img.key.Collection] = true
	}

	return sortedKeys(changed)
}

// Confirm attaches the metadata assigned by the backend to the documents written
// by a batch. Documents that were changed again after the batch keep their metadata.
// Metadata is not part of the visible state, the version does not change.
func (c *Cache) Confirm(u *Undo, metas map[model.Key]model.Meta) {
	if u == nil || len(metas) == 0 {
		return
	}
	names := u.collections()
	colls := c.lockAll(names)
	defer unlockAll(colls, names)

	for key, meta := range metas {
		coll, ok := colls[key.Collection]
		if !ok {
			continue
		}
		cur, ok := coll.entries[key.ID]
		if !ok {
			continue
		}
		img := u.byKey[key]
		switch {
		case img != nil && img.written && cur.seq == img.seq:
			cur.meta = meta
		case (img == nil || !img.written) && meta.Revision > cur.meta.Revision:
			cur.meta = meta
		}
	}
}

// --------------------------------------------------------------------------
// Helper functions
// --------------------------------------------------------------------------

// capture records the current state of a document. Must be called with the lock held.
func capture(coll *collection, key model.Key) *preImage {
	img := &preImage{key: key, pos: -1}
	if e, ok := coll.entries[key.ID]; ok {
		img.existed = true
		img.present = true
		img.doc = e.doc
		img.meta = e.meta
		for i, id := range coll.order {
			if id == key.ID {
				img.pos = i
				break
			}
		}
	}
	return img
}

// insertAt inserts a new entry at position pos (or at the end). Must be called with the write lock held.
func (coll *collection) insertAt(pos int, id string, e *entry) {
	coll.entries[id] = e
	if pos < 0 || pos >= len(coll.order) {
		coll.order = append(coll.order, id)
		return
	}
	coll.order = append(coll.order, "")
	copy(coll.order[pos+1:], coll.order[pos:])
	coll.order[pos] = id
}

func (u *Undo) collections() []string {
	set := make(map[string]bool)
	for _, img := range u.images {
		set[img.key.Collection] = true
	}
	return sortedKeys(set)
}

func collectionNames(muts []model.Mutation) []string {
	set := make(map[string]bool)
	for _, m := range muts {
		set[m.Collection] = true
	}
	return sortedKeys(set)
}

// lockAll write-locks the given collections in the given (sorted) order
func (c *Cache) lockAll(names []string) map[string]*collection {
	colls := make(map[string]*collection, len(names))
	for _, name := range names {
		coll := c.collection(name)
		coll.mu.Lock()
		colls[name] = coll
	}
	return colls
}

func unlockAll(colls map[string]*collection, names []string) {
	for i := len(names) - 1; i >= 0; i-- {
		colls[names[i]].mu.Unlock()
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
