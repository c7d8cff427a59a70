package boltdb

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
	"go.etcd.io/bbolt"
)

var (
	bucketMeta        = []byte("meta")
	bucketCollections = []byte("collections")
	bucketDocs        = []byte("docs")
	bucketIDs         = []byte("ids")
	keyWriteIdx       = []byte("write_idx")
)

var errCorrupt = errors.New("corrupt bolt database")

// stored is the on disk value of a document
type stored struct {
	Doc      model.Document `json:"d"`
	Revision uint64         `json:"r"`
	Create   int64          `json:"c,omitempty"`
	Update   int64          `json:"u,omitempty"`
}

func (s stored) record() model.Record {
	m := model.Meta{Revision: s.Revision}
	if s.Create != 0 {
		m.CreateTime = time.Unix(0, s.Create).UTC()
	}
	if s.Update != 0 {
		m.UpdateTime = time.Unix(0, s.Update).UTC()
	}
	return model.Record{Doc: s.Doc, Meta: m}
}

func fromRecord(rec model.Record) stored {
	return stored{Doc: rec.Doc, Revision: rec.Meta.Revision, Create: toNanos(rec.Meta.CreateTime), Update: toNanos(rec.Meta.UpdateTime)}
}

// boltImpl implements db.DocDB with bbolt
type boltImpl struct {
	db       *bbolt.DB
	path     string
	writeIdx atomic.Uint64
}

// NewBoltDB opens (or creates) the bbolt file at path.
func NewBoltDB(path string) (db.DocDB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	bdb, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}

	impl := &boltImpl{db: bdb, path: path}
	err = bdb.Update(func(tx *bbolt.Tx) error {
		meta, err := tx.CreateBucketIfNotExists(bucketMeta)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketCollections); err != nil {
			return err
		}
		if v := meta.Get(keyWriteIdx); v != nil {
			if len(v) != 8 {
				return errCorrupt
			}
			impl.writeIdx.Store(binary.BigEndian.Uint64(v))
		}
		return nil
	})
	if err != nil {
		bdb.Close()
		return nil, err
	}
	return impl, nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (b *boltImpl) Commit(c db.Commit, writeIndex uint64) (db.CommitResult, error) {
	result := db.CommitResult{Index: writeIndex}

	// bbolt allows a single read-write transaction at a time
	err := b.db.Update(func(tx *bbolt.Tx) error {
		err := db.CheckBase(c, func(collection, id string) (uint64, error) {
			rec, ok, err := getRecord(tx, collection, id)
			if err != nil || !ok {
				return 0, err
			}
			return rec.Meta.Revision, nil
		})
		if err != nil {
			return err
		}

		for _, op := range c.Ops {
			current, exists, err := getRecord(tx, op.Collection, op.ID)
			if err != nil {
				return err
			}

			next, nextExists, changed := db.ApplyOp(op, current, exists, writeIndex, c.Timestamp)
			if !changed {
				continue
			}

			if !nextExists {
				if err := deleteRecord(tx, op.Collection, op.ID); err != nil {
					return err
				}
				result.Events = append(result.Events, db.Event{Type: db.EventTDelete, Collection: op.Collection, ID: op.ID})
				continue
			}
			if err := putRecord(tx, op.Collection, next); err != nil {
				return err
			}
			result.Events = append(result.Events, db.Event{Type: db.EventTUpsert, Collection: op.Collection, ID: op.ID, Record: next})
		}

		if writeIndex > b.writeIdx.Load() {
			return tx.Bucket(bucketMeta).Put(keyWriteIdx, itob(writeIndex))
		}
		return nil
	})
	if err != nil {
		return db.CommitResult{}, err
	}

	if writeIndex > b.writeIdx.Load() {
		b.writeIdx.Store(writeIndex)
	}
	return result, nil
}

// --------------------------------------------------------------------------
// Bucket Helper
// --------------------------------------------------------------------------

// Every collection is a bucket below "collections" holding two buckets:
// docs maps a big endian position to the stored document, ids maps a document id to its position.

func collectionBuckets(tx *bbolt.Tx, collection string) (docs, ids *bbolt.Bucket) {
	coll := tx.Bucket(bucketCollections).Bucket([]byte(collection))
	if coll == nil {
		return nil, nil
	}
	return coll.Bucket(bucketDocs), coll.Bucket(bucketIDs)
}

func getRecord(tx *bbolt.Tx, collection, id string) (model.Record, bool, error) {
	docs, ids := collectionBuckets(tx, collection)
	if docs == nil || ids == nil {
		return model.Record{}, false, nil
	}
	pos := ids.Get([]byte(id))
	if pos == nil {
		return model.Record{}, false, nil
	}
	raw := docs.Get(pos)
	if raw == nil {
		return model.Record{}, false, fmt.Errorf("%w: %s:%s has no document", errCorrupt, collection, id)
	}
	var s stored
	if err := json.Unmarshal(raw, &s); err != nil {
		return model.Record{}, false, fmt.Errorf("corrupt document %s:%s: %w", collection, id, err)
	}
	return s.record(), true, nil
}

func putRecord(tx *bbolt.Tx, collection string, rec model.Record) error {
	coll, err := tx.Bucket(bucketCollections).CreateBucketIfNotExists([]byte(collection))
	if err != nil {
		return err
	}
	docs, err := coll.CreateBucketIfNotExists(bucketDocs)
	if err != nil {
		return err
	}
	ids, err := coll.CreateBucketIfNotExists(bucketIDs)
	if err != nil {
		return err
	}

	id := []byte(rec.Doc.ID())
	pos := bytes.Clone(ids.Get(id))
	if pos == nil {
		seq, err := docs.NextSequence()
		if err != nil {
			return err
		}
		pos = itob(seq)
		if err := ids.Put(id, pos); err != nil {
			return err
		}
	}

	raw, err := json.Marshal(fromRecord(rec))
	if err != nil {
		return err
	}
	return docs.Put(pos, raw)
}

func deleteRecord(tx *bbolt.Tx, collection, id string) error {
	docs, ids := collectionBuckets(tx, collection)
	if docs == nil || ids == nil {
		return nil
	}
	pos := bytes.Clone(ids.Get([]byte(id)))
	if pos == nil {
		return nil
	}
	if err := docs.Delete(pos); err != nil {
		return err
	}
	return ids.Delete([]byte(id))
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

func (b *boltImpl) List(collection string) ([]model.Record, error) {
	records := []model.Record{}
	err := b.db.View(func(tx *bbolt.Tx) error {
		docs, _ := collectionBuckets(tx, collection)
		if docs == nil {
			return nil
		}
		return docs.ForEach(func(_, raw []byte) error {
			var s stored
			if err := json.Unmarshal(raw, &s); err != nil {
				// skip values that are not valid documents
				return nil
			}
			records = append(records, s.record())
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (b *boltImpl) Get(collection, id string) (rec model.Record, ok bool, err error) {
	err = b.db.View(func(tx *bbolt.Tx) error {
		rec, ok, err = getRecord(tx, collection, id)
		return err
	})
	return rec, ok, err
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

func (b *boltImpl) Save(w io.Writer) error {
	dump := db.Dump{
		WriteIdx:    b.writeIdx.Load(),
		Order:       []string{},
		Collections: map[string][]model.Record{},
	}
	err := b.db.View(func(tx *bbolt.Tx) error {
		// bucket keys are iterated in byte order, so the dump order is sorted
		return tx.Bucket(bucketCollections).ForEachBucket(func(name []byte) error {
			docs, _ := collectionBuckets(tx, string(name))
			if docs == nil || docs.Stats().KeyN == 0 {
				return nil
			}
			records := []model.Record{}
			err := docs.ForEach(func(_, raw []byte) error {
				var s stored
				if err := json.Unmarshal(raw, &s); err != nil {
					return nil
				}
				records = append(records, s.record())
				return nil
			})
			if err != nil {
				return err
			}
			dump.Order = append(dump.Order, string(name))
			dump.Collections[string(name)] = records
			return nil
		})
	})
	if err != nil {
		return err
	}
	return db.WriteDump(w, dump)
}

func (b *boltImpl) Load(r io.Reader) error {
	dump, err := db.ReadDump(r)
	if err != nil {
		return err
	}

	err = b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketCollections); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		if _, err := tx.CreateBucket(bucketCollections); err != nil {
			return err
		}
		for _, name := range dump.Order {
			for _, rec := range dump.Collections[name] {
				if rec.Doc.ID() == "" {
					continue
				}
				if err := putRecord(tx, name, rec); err != nil {
					return err
				}
			}
		}
		return tx.Bucket(bucketMeta).Put(keyWriteIdx, itob(dump.WriteIdx))
	})
	if err != nil {
		return err
	}
	b.writeIdx.Store(dump.WriteIdx)
	return nil
}

// --------------------------------------------------------------------------
// Info and Features
// --------------------------------------------------------------------------

func (b *boltImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureCommit | db.FeatureList | db.FeatureGet | db.FeatureSave | db.FeatureLoad
	return feature&supported == feature
}

func (b *boltImpl) GetInfo() db.DatabaseInfo {
	counts := map[string]int{}
	_ = b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketCollections).ForEachBucket(func(name []byte) error {
			if _, ids := collectionBuckets(tx, string(name)); ids != nil {
				if n := ids.Stats().KeyN; n > 0 {
					counts[string(name)] = n
				}
			}
			return nil
		})
	})
	return db.DatabaseInfo{
		Collections:       counts,
		WriteIdx:          b.writeIdx.Load(),
		DbType:            db.ImplBolt,
		SupportedFeatures: []db.Feature{db.FeatureCommit, db.FeatureList, db.FeatureGet, db.FeatureSave, db.FeatureLoad},
		Metadata:          map[string]string{"path": b.path},
	}
}

func (b *boltImpl) WriteIdx() uint64 {
	return b.writeIdx.Load()
}

func (b *boltImpl) Close() error {
	return b.db.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func itob(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
