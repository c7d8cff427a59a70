package txn

import (
	"fmt"

	"github.com/ValentinKolb/dSync/lib/model"
)

// Descriptor describes a single operation, the short form of a transaction.
//
//	{"operationType": "update", "collectionName": "users", "documentId": "U1", "data": {"name": "x"}}
type Descriptor struct {
	OperationType  string         `json:"operationType"`
	CollectionName string         `json:"collectionName"`
	DocumentID     string         `json:"documentId,omitempty"`
	Data           map[string]any `json:"data,omitempty"`
}

// Mutation converts the descriptor. For set the document id may be given in
// documentId, in data or in both (then they must match).
func (d Descriptor) Mutation() (model.Mutation, error) {
	op, err := model.ParseOpType(d.OperationType)
	if err != nil {
		return model.Mutation{}, err
	}
	if d.CollectionName == "" {
		return model.Mutation{}, fmt.Errorf("collectionName is required")
	}
	switch op {
	case model.OpSet:
		doc := model.Document(d.Data)
		if d.DocumentID != "" {
			if id := doc.ID(); id != "" && id != d.DocumentID {
				return model.Mutation{}, fmt.Errorf("documentId %q does not match data id %q", d.DocumentID, id)
			}
			doc = doc.Merge(map[string]any{model.IDField: d.DocumentID})
		}
		return model.Set(d.CollectionName, doc), nil
	case model.OpUpdate:
		if d.DocumentID == "" {
			return model.Mutation{}, fmt.Errorf("documentId is required for update")
		}
		return model.Update(d.CollectionName, d.DocumentID, d.Data), nil
	default:
		if d.DocumentID == "" {
			return model.Mutation{}, fmt.Errorf("documentId is required for delete")
		}
		return model.Delete(d.CollectionName, d.DocumentID), nil
	}
}
