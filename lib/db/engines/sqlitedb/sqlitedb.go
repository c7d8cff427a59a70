package sqlitedb

import (
	"database/sql"
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
	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	collection  TEXT    NOT NULL,
	id          TEXT    NOT NULL,
	data        TEXT    NOT NULL,
	revision    INTEGER NOT NULL,
	create_time INTEGER NOT NULL,
	update_time INTEGER NOT NULL,
	position    INTEGER NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value INTEGER NOT NULL
);`

// sqliteImpl implements db.DocDB with SQLite
type sqliteImpl struct {
	db       *sql.DB
	path     string
	writeIdx atomic.Uint64
}

// NewSQLiteDB opens (or creates) the database at path. Use ":memory:" for an ephemeral database.
func NewSQLiteDB(path string) (db.DocDB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
	}
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	conn.SetMaxOpenConns(1)

	if path != ":memory:" {
		if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
			conn.Close()
			return nil, err
		}
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, err
	}

	impl := &sqliteImpl{db: conn, path: path}

	var idx int64
	err = conn.QueryRow("SELECT value FROM meta WHERE key = 'write_idx'").Scan(&idx)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		conn.Close()
		return nil, err
	}
	impl.writeIdx.Store(uint64(idx))

	return impl, nil
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (s *sqliteImpl) Commit(c db.Commit, writeIndex uint64) (db.CommitResult, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return db.CommitResult{}, err
	}
	defer tx.Rollback()

	err = db.CheckBase(c, func(collection, id string) (uint64, error) {
		rec, ok, err := getRecord(tx, collection, id)
		if err != nil || !ok {
			return 0, err
		}
		return rec.Meta.Revision, nil
	})
	if err != nil {
		return db.CommitResult{}, err
	}

	result := db.CommitResult{Index: writeIndex}
	for _, op := range c.Ops {
		current, exists, err := getRecord(tx, op.Collection, op.ID)
		if err != nil {
			return db.CommitResult{}, err
		}

		next, nextExists, changed := db.ApplyOp(op, current, exists, writeIndex, c.Timestamp)
		if !changed {
			continue
		}

		if !nextExists {
			if _, err := tx.Exec("DELETE FROM documents WHERE collection = ? AND id = ?", op.Collection, op.ID); err != nil {
				return db.CommitResult{}, err
			}
			result.Events = append(result.Events, db.Event{Type: db.EventTDelete, Collection: op.Collection, ID: op.ID})
			continue
		}

		raw, err := json.Marshal(next.Doc)
		if err != nil {
			return db.CommitResult{}, err
		}
		if exists {
			_, err = tx.Exec(
				"UPDATE documents SET data = ?, revision = ?, create_time = ?, update_time = ? WHERE collection = ? AND id = ?",
				string(raw), next.Meta.Revision, toNanos(next.Meta.CreateTime), toNanos(next.Meta.UpdateTime), op.Collection, op.ID,
			)
		} else {
			_, err = tx.Exec(
				`INSERT INTO documents (collection, id, data, revision, create_time, update_time, position)
				 VALUES (?, ?, ?, ?, ?, ?, (SELECT COALESCE(MAX(position), 0) + 1 FROM documents WHERE collection = ?))`,
				op.Collection, op.ID, string(raw), next.Meta.Revision, toNanos(next.Meta.CreateTime), toNanos(next.Meta.UpdateTime), op.Collection,
			)
		}
		if err != nil {
			return db.CommitResult{}, err
		}
		result.Events = append(result.Events, db.Event{Type: db.EventTUpsert, Collection: op.Collection, ID: op.ID, Record: next})
	}

	if writeIndex > s.writeIdx.Load() {
		if _, err := tx.Exec(
			"INSERT INTO meta (key, value) VALUES ('write_idx', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
			int64(writeIndex),
		); err != nil {
			return db.CommitResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return db.CommitResult{}, err
	}
	if writeIndex > s.writeIdx.Load() {
		s.writeIdx.Store(writeIndex)
	}
	return result, nil
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// queryer is implemented by *sql.DB and *sql.Tx
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
	Query(query string, args ...any) (*sql.Rows, error)
}

func getRecord(q queryer, collection, id string) (model.Record, bool, error) {
	var (
		raw                string
		rev                int64
		createNs, updateNs int64
	)
	err := q.QueryRow(
		"SELECT data, revision, create_time, update_time FROM documents WHERE collection = ? AND id = ?",
		collection, id,
	).Scan(&raw, &rev, &createNs, &updateNs)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	var doc model.Document
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return model.Record{}, false, fmt.Errorf("corrupt document %s:%s: %w", collection, id, err)
	}
	return model.Record{Doc: doc, Meta: meta(rev, createNs, updateNs)}, true, nil
}

func (s *sqliteImpl) List(collection string) ([]model.Record, error) {
	rows, err := s.db.Query(
		"SELECT id, data, revision, create_time, update_time FROM documents WHERE collection = ? ORDER BY position",
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		var (
			id, raw            string
			rev                int64
			createNs, updateNs int64
		)
		if err := rows.Scan(&id, &raw, &rev, &createNs, &updateNs); err != nil {
			return nil, err
		}
		var doc model.Document
		if err := json.Unmarshal([]byte(raw), &doc); err != nil {
			// skip rows that are not valid documents
			continue
		}
		records = append(records, model.Record{Doc: doc, Meta: meta(rev, createNs, updateNs)})
	}
	return records, rows.Err()
}

func (s *sqliteImpl) Get(collection, id string) (model.Record, bool, error) {
	return getRecord(s.db, collection, id)
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

func (s *sqliteImpl) Save(w io.Writer) error {
	rows, err := s.db.Query("SELECT DISTINCT collection FROM documents ORDER BY collection")
	if err != nil {
		return err
	}
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		names = append(names, name)
	}
	rows.Close()

	dump := db.Dump{
		WriteIdx:    s.writeIdx.Load(),
		Order:       names,
		Collections: make(map[string][]model.Record, len(names)),
	}
	for _, name := range names {
		records, err := s.List(name)
		if err != nil {
			return err
		}
		dump.Collections[name] = records
	}
	return db.WriteDump(w, dump)
}

func (s *sqliteImpl) Load(r io.Reader) error {
	dump, err := db.ReadDump(r)
	if err != nil {
		return err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM documents"); err != nil {
		return err
	}
	for _, name := range dump.Order {
		for pos, rec := range dump.Collections[name] {
			raw, err := json.Marshal(rec.Doc)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(
				`INSERT INTO documents (collection, id, data, revision, create_time, update_time, position) VALUES (?, ?, ?, ?, ?, ?, ?)
				 ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, revision = excluded.revision, update_time = excluded.update_time`,
				name, rec.Doc.ID(), string(raw), int64(rec.Meta.Revision), toNanos(rec.Meta.CreateTime), toNanos(rec.Meta.UpdateTime), pos+1,
			); err != nil {
				return err
			}
		}
	}
	if _, err := tx.Exec(
		"INSERT INTO meta (key, value) VALUES ('write_idx', ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value",
		int64(dump.WriteIdx),
	); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	s.writeIdx.Store(dump.WriteIdx)
	return nil
}

// --------------------------------------------------------------------------
// Info and Features
// --------------------------------------------------------------------------

func (s *sqliteImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureCommit | db.FeatureList | db.FeatureGet | db.FeatureSave | db.FeatureLoad
	return feature&supported == feature
}

func (s *sqliteImpl) GetInfo() db.DatabaseInfo {
	counts := map[string]int{}
	if rows, err := s.db.Query("SELECT collection, COUNT(*) FROM documents GROUP BY collection"); err == nil {
		for rows.Next() {
			var (
				name string
				n    int
			)
			if rows.Scan(&name, &n) == nil {
				counts[name] = n
			}
		}
		rows.Close()
	}
	return db.DatabaseInfo{
		Collections:       counts,
		WriteIdx:          s.writeIdx.Load(),
		DbType:            db.ImplSQLite,
		SupportedFeatures: []db.Feature{db.FeatureCommit, db.FeatureList, db.FeatureGet, db.FeatureSave, db.FeatureLoad},
		Metadata:          map[string]string{"path": s.path},
	}
}

func (s *sqliteImpl) WriteIdx() uint64 {
	return s.writeIdx.Load()
}

func (s *sqliteImpl) Close() error {
	return s.db.Close()
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func meta(rev, createNs, updateNs int64) model.Meta {
	m := model.Meta{Revision: uint64(rev)}
	if createNs != 0 {
		m.CreateTime = time.Unix(0, createNs).UTC()
	}
	if updateNs != 0 {
		m.UpdateTime = time.Unix(0, updateNs).UTC()
	}
	return m
}
