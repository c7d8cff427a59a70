package txn

import (
	"fmt"

	"github.com/ValentinKolb/dSync/lib/model"
)

// Tx collects the mutations of a transaction. The first invalid call is
// remembered and fails the whole transaction when it is executed.
type Tx struct {
	muts []model.Mutation
	err  error
}

// Set upserts doc into collection.
func (tx *Tx) Set(collection string, doc model.Document) *Tx {
	tx.muts = append(tx.muts, model.Set(collection, doc))
	return tx
}

// Update merges fields into the document. Updating an absent document does nothing.
func (tx *Tx) Update(collection, id string, fields map[string]any) *Tx {
	tx.muts = append(tx.muts, model.Update(collection, id, fields))
	return tx
}

// Delete removes the document. Deleting an absent document does nothing.
func (tx *Tx) Delete(collection, id string) *Tx {
	tx.muts = append(tx.muts, model.Delete(collection, id))
	return tx
}

// Ref returns a reference to the document addressed by a "collection:id" path.
func (tx *Tx) Ref(path string) DocRef {
	key, err := model.ParseKey(path)
	if err != nil && tx.err == nil {
		tx.err = err
	}
	return DocRef{tx: tx, key: key, valid: err == nil}
}

// UpdateKey is a shorthand for Ref(path).Update(fields).
func (tx *Tx) UpdateKey(path string, fields map[string]any) *Tx {
	tx.Ref(path).Update(fields)
	return tx
}

// Mutations returns the collected mutations.
func (tx *Tx) Mutations() []model.Mutation {
	return append([]model.Mutation(nil), tx.muts...)
}

// Err returns the first error recorded while building the transaction.
func (tx *Tx) Err() error {
	return tx.err
}

// Len returns the number of collected mutations.
func (tx *Tx) Len() int {
	return len(tx.muts)
}

// DocRef addresses a single document inside a transaction.
type DocRef struct {
	tx    *Tx
	key   model.Key
	valid bool
}

// Key returns the composite key of the document.
func (r DocRef) Key() model.Key {
	return r.key
}

// Set upserts the document. The id field of doc is set to the id of the reference.
func (r DocRef) Set(doc model.Document) {
	if !r.valid {
		return
	}
	if id := doc.ID(); id != "" && id != r.key.ID {
		if r.tx.err == nil {
			r.tx.err = fmt.Errorf("document id %q does not match reference %s", id, r.key)
		}
		return
	}
	doc = doc.Merge(map[string]any{model.IDField: r.key.ID})
	r.tx.Set(r.key.Collection, doc)
}

// Update merges fields into the document.
func (r DocRef) Update(fields map[string]any) {
	if r.valid {
		r.tx.Update(r.key.Collection, r.key.ID, fields)
	}
}

// Delete removes the document.
func (r DocRef) Delete() {
	if r.valid {
		r.tx.Delete(r.key.Collection, r.key.ID)
	}
}
