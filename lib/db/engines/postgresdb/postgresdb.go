package postgresdb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is the document table used if Config.Table is empty.
const DefaultTable = "dsync_documents"

// Config configures the postgres engine.
type Config struct {
	URL     string        // connection string, e.g. postgres://user:pw@host:5432/db
	Table   string        // document table, the meta table is named <Table>_meta
	Timeout time.Duration // timeout of a single database call
}

// postgresImpl implements db.DocDB with PostgreSQL
type postgresImpl struct {
	pool     *pgxpool.Pool
	docs     string // sanitized table names
	meta     string
	table    string
	timeout  time.Duration
	writeIdx atomic.Uint64
}

// NewPostgresDB connects to the database and creates the tables if necessary.
func NewPostgresDB(ctx context.Context, cfg Config) (db.DocDB, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultTable
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	pool, err := pgxpool.New(ctx, cfg.URL)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres not reachable: %w", err)
	}

	impl := &postgresImpl{
		pool:    pool,
		docs:    pgx.Identifier{cfg.Table}.Sanitize(),
		meta:    pgx.Identifier{cfg.Table + "_meta"}.Sanitize(),
		table:   cfg.Table,
		timeout: cfg.Timeout,
	}

	schema := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	collection  TEXT      NOT NULL,
	id          TEXT      NOT NULL,
	data        JSONB     NOT NULL,
	revision    BIGINT    NOT NULL,
	create_time BIGINT    NOT NULL,
	update_time BIGINT    NOT NULL,
	position    BIGSERIAL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS %[2]s (
	key   TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);`, impl.docs, impl.meta)
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, err
	}

	var idx int64
	err = pool.QueryRow(ctx, fmt.Sprintf("SELECT value FROM %s WHERE key = 'write_idx'", impl.meta)).Scan(&idx)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		pool.Close()
		return nil, err
	}
	impl.writeIdx.Store(uint64(idx))

	return impl, nil
}

func (p *postgresImpl) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), p.timeout)
}

// --------------------------------------------------------------------------
// Write Operations
// --------------------------------------------------------------------------

func (p *postgresImpl) Commit(c db.Commit, writeIndex uint64) (db.CommitResult, error) {
	ctx, cancel := p.ctx()
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return db.CommitResult{}, err
	}
	defer tx.Rollback(ctx)

	// one committer at a time, so that revision checks and writes are not interleaved
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", p.table); err != nil {
		return db.CommitResult{}, err
	}

	err = db.CheckBase(c, func(collection, id string) (uint64, error) {
		rec, ok, err := p.getRecord(ctx, tx, collection, id)
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
		current, exists, err := p.getRecord(ctx, tx, op.Collection, op.ID)
		if err != nil {
			return db.CommitResult{}, err
		}

		next, nextExists, changed := db.ApplyOp(op, current, exists, writeIndex, c.Timestamp)
		if !changed {
			continue
		}

		if !nextExists {
			if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE collection = $1 AND id = $2", p.docs), op.Collection, op.ID); err != nil {
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
			_, err = tx.Exec(ctx,
				fmt.Sprintf("UPDATE %s SET data = $1::jsonb, revision = $2, create_time = $3, update_time = $4 WHERE collection = $5 AND id = $6", p.docs),
				string(raw), int64(next.Meta.Revision), toNanos(next.Meta.CreateTime), toNanos(next.Meta.UpdateTime), op.Collection, op.ID,
			)
		} else {
			_, err = tx.Exec(ctx,
				fmt.Sprintf("INSERT INTO %s (collection, id, data, revision, create_time, update_time) VALUES ($1, $2, $3::jsonb, $4, $5, $6)", p.docs),
				op.Collection, op.ID, string(raw), int64(next.Meta.Revision), toNanos(next.Meta.CreateTime), toNanos(next.Meta.UpdateTime),
			)
		}
		if err != nil {
			return db.CommitResult{}, err
		}
		result.Events = append(result.Events, db.Event{Type: db.EventTUpsert, Collection: op.Collection, ID: op.ID, Record: next})
	}

	if writeIndex > p.writeIdx.Load() {
		if err := p.storeWriteIdx(ctx, tx, writeIndex); err != nil {
			return db.CommitResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return db.CommitResult{}, err
	}
	if writeIndex > p.writeIdx.Load() {
		p.writeIdx.Store(writeIndex)
	}
	return result, nil
}

func (p *postgresImpl) storeWriteIdx(ctx context.Context, tx pgx.Tx, idx uint64) error {
	_, err := tx.Exec(ctx,
		fmt.Sprintf("INSERT INTO %s (key, value) VALUES ('write_idx', $1) ON CONFLICT (key) DO UPDATE SET value = excluded.value", p.meta),
		int64(idx),
	)
	return err
}

// --------------------------------------------------------------------------
// Query Operations
// --------------------------------------------------------------------------

// querier is implemented by *pgxpool.Pool and pgx.Tx
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func (p *postgresImpl) getRecord(ctx context.Context, q querier, collection, id string) (model.Record, bool, error) {
	var (
		raw                []byte
		rev                int64
		createNs, updateNs int64
	)
	err := q.QueryRow(ctx,
		fmt.Sprintf("SELECT data, revision, create_time, update_time FROM %s WHERE collection = $1 AND id = $2", p.docs),
		collection, id,
	).Scan(&raw, &rev, &createNs, &updateNs)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Record{}, false, nil
	}
	if err != nil {
		return model.Record{}, false, err
	}
	var doc model.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Record{}, false, fmt.Errorf("corrupt document %s:%s: %w", collection, id, err)
	}
	return model.Record{Doc: doc, Meta: meta(rev, createNs, updateNs)}, true, nil
}

func (p *postgresImpl) list(ctx context.Context, q querier, collection string) ([]model.Record, error) {
	rows, err := q.Query(ctx,
		fmt.Sprintf("SELECT data, revision, create_time, update_time FROM %s WHERE collection = $1 ORDER BY position", p.docs),
		collection,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []model.Record{}
	for rows.Next() {
		var (
			raw                []byte
			rev                int64
			createNs, updateNs int64
		)
		if err := rows.Scan(&raw, &rev, &createNs, &updateNs); err != nil {
			return nil, err
		}
		var doc model.Document
		if err := json.Unmarshal(raw, &doc); err != nil {
			continue
		}
		records = append(records, model.Record{Doc: doc, Meta: meta(rev, createNs, updateNs)})
	}
	return records, rows.Err()
}

func (p *postgresImpl) List(collection string) ([]model.Record, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	return p.list(ctx, p.pool, collection)
}

func (p *postgresImpl) Get(collection, id string) (model.Record, bool, error) {
	ctx, cancel := p.ctx()
	defer cancel()
	return p.getRecord(ctx, p.pool, collection, id)
}

// --------------------------------------------------------------------------
// Persistence Operations
// --------------------------------------------------------------------------

func (p *postgresImpl) Save(w io.Writer) error {
	ctx, cancel := p.ctx()
	defer cancel()

	// a repeatable read transaction sees one consistent state over all queries
	tx, err := p.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, fmt.Sprintf("SELECT DISTINCT collection FROM %s ORDER BY collection", p.docs))
	if err != nil {
		return err
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}

	dump := db.Dump{
		WriteIdx:    p.writeIdx.Load(),
		Order:       names,
		Collections: make(map[string][]model.Record, len(names)),
	}
	for _, name := range names {
		records, err := p.list(ctx, tx, name)
		if err != nil {
			return err
		}
		dump.Collections[name] = records
	}
	return db.WriteDump(w, dump)
}

func (p *postgresImpl) Load(r io.Reader) error {
	dump, err := db.ReadDump(r)
	if err != nil {
		return err
	}

	ctx, cancel := p.ctx()
	defer cancel()

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", p.table); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("DELETE FROM %s", p.docs)); err != nil {
		return err
	}

	batch := &pgx.Batch{}
	for _, name := range dump.Order {
		for _, rec := range dump.Collections[name] {
			raw, err := json.Marshal(rec.Doc)
			if err != nil {
				return err
			}
			batch.Queue(
				fmt.Sprintf(`INSERT INTO %s (collection, id, data, revision, create_time, update_time) VALUES ($1, $2, $3::jsonb, $4, $5, $6)
				 ON CONFLICT (collection, id) DO UPDATE SET data = excluded.data, revision = excluded.revision, update_time = excluded.update_time`, p.docs),
				name, rec.Doc.ID(), string(raw), int64(rec.Meta.Revision), toNanos(rec.Meta.CreateTime), toNanos(rec.Meta.UpdateTime),
			)
		}
	}
	if batch.Len() > 0 {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}
	}
	if err := p.storeWriteIdx(ctx, tx, dump.WriteIdx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return err
	}
	p.writeIdx.Store(dump.WriteIdx)
	return nil
}

// --------------------------------------------------------------------------
// Info and Features
// --------------------------------------------------------------------------

func (p *postgresImpl) SupportsFeature(feature db.Feature) bool {
	supported := db.FeatureCommit | db.FeatureList | db.FeatureGet | db.FeatureSave | db.FeatureLoad
	return feature&supported == feature
}

func (p *postgresImpl) GetInfo() db.DatabaseInfo {
	ctx, cancel := p.ctx()
	defer cancel()

	counts := map[string]int{}
	if rows, err := p.pool.Query(ctx, fmt.Sprintf("SELECT collection, COUNT(*) FROM %s GROUP BY collection", p.docs)); err == nil {
		for rows.Next() {
			var (
				name string
				n    int64
			)
			if rows.Scan(&name, &n) == nil {
				counts[name] = int(n)
			}
		}
		rows.Close()
	}
	stat := p.pool.Stat()
	return db.DatabaseInfo{
		Collections:       counts,
		WriteIdx:          p.writeIdx.Load(),
		DbType:            db.ImplPostgres,
		SupportedFeatures: []db.Feature{db.FeatureCommit, db.FeatureList, db.FeatureGet, db.FeatureSave, db.FeatureLoad},
		Metadata: map[string]any{
			"table":          p.table,
			"total_conns":    stat.TotalConns(),
			"acquired_conns": stat.AcquiredConns(),
		},
	}
}

func (p *postgresImpl) WriteIdx() uint64 {
	return p.writeIdx.Load()
}

func (p *postgresImpl) Close() error {
	p.pool.Close()
	return nil
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
