package gossip

import (
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/serializer"
	"github.com/VictoriaMetrics/metrics"
)

var (
	decodeErrors = metrics.NewCounter("dsync_gossip_decode_errors_total")
	blobsSent    = metrics.NewCounter(`dsync_gossip_blobs_total{result="sent"}`)
	blobsFailed  = metrics.NewCounter(`dsync_gossip_blobs_total{result="failed"}`)
	blobsApplied = metrics.NewCounter(`dsync_gossip_blobs_total{result="accepted"}`)
	blobsStale   = metrics.NewCounter(`dsync_gossip_blobs_total{result="stale"}`)
)

// Blob is the unit of replication: the complete content of one collection.
// Data is always a JSON array of documents, independent of the serializer used
// for the envelope.
type Blob struct {
	Collection string          `json:"collection"`
	Version    uint64          `json:"version"` // lamport clock of the writer
	Origin     string          `json:"origin"`  // node that wrote the blob
	Data       json.RawMessage `json:"data"`
}

// newerThan reports whether b replaces other. Ties go to the larger origin name.
func (b *Blob) newerThan(other *Blob) bool {
	if other == nil {
		return true
	}
	if b.Version != other.Version {
		return b.Version > other.Version
	}
	return b.Origin > other.Origin
}

// state is exchanged during push/pull.
type state struct {
	Blobs []*Blob `json:"blobs"`
}

func encodeBlob(s serializer.ISerializer, b *Blob) ([]byte, error) {
	return s.Serialize(b)
}

func decodeBlob(s serializer.ISerializer, msg []byte) (*Blob, error) {
	b := &Blob{}
	if err := s.Deserialize(msg, b); err != nil {
		return nil, err
	}
	if b.Collection == "" {
		return nil, fmt.Errorf("blob without collection")
	}
	return b, nil
}

// decodeDocs parses the data of a blob. It never fails: a payload that is not a
// JSON array yields an empty collection, elements that are not documents with a
// string id are skipped. Duplicate ids keep the position of their first
// occurrence and the fields of their last.
func decodeDocs(collection string, data json.RawMessage) []model.Record {
	records := []model.Record{}
	if len(data) == 0 {
		return records
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(data, &elements); err != nil {
		decodeErrors.Inc()
		log.Warningf("blob of %q is not a document array, treating collection as empty: %v", collection, err)
		return records
	}

	index := make(map[string]int, len(elements))
	for i, raw := range elements {
		var doc model.Document
		if err := json.Unmarshal(raw, &doc); err != nil || doc == nil {
			decodeErrors.Inc()
			log.Warningf("skipping element %d of %q: not a document", i, collection)
			continue
		}
		id, ok := doc["id"].(string)
		if !ok || id == "" {
			decodeErrors.Inc()
			log.Warningf("skipping element %d of %q: missing string id", i, collection)
			continue
		}
		if pos, dup := index[id]; dup {
			records[pos].Doc = doc
			continue
		}
		index[id] = len(records)
		records = append(records, model.Record{Doc: doc})
	}
	return records
}
