package txn

import (
	"context"
	"time"

	"github.com/ValentinKolb/dSync/lib/cache"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/oklog/ulid/v2"
)

var (
	log = logger.GetLogger("txn")

	txCommitted = metrics.NewCounter(`dsync_transactions_total{result="committed"}`)
	txConflict  = metrics.NewCounter(`dsync_transactions_total{result="conflict"}`)
	txFailed    = metrics.NewCounter(`dsync_transactions_total{result="failed"}`)
	txInvalid   = metrics.NewCounter(`dsync_transactions_total{result="invalid"}`)
	txDuration  = metrics.NewHistogram("dsync_transaction_duration_seconds")
)

// DefaultTimeout bounds a persist if no timeout is configured.
const DefaultTimeout = 5 * time.Second

// Publisher delivers fresh snapshots of collections to their subscribers.
type Publisher interface {
	Publish(collections ...string)
}

// Result describes an executed transaction.
type Result struct {
	ID string
	// Changed lists the collections whose local state changed.
	Changed []string
	// Revisions holds the backend metadata of the written documents (strict backends only).
	Revisions map[model.Key]model.Meta
}

// Coordinator executes transactions: it applies the mutations to the cache
// optimistically, persists them through the adapter and notifies subscribers.
// If persisting fails, a strict backend gets its changes rolled back while an
// eventual backend keeps them as provisional local state.
type Coordinator struct {
	cache     *cache.Cache
	adapter   replication.Adapter
	publisher Publisher
	timeout   time.Duration
	validate  func([]model.Mutation) error
}

// New creates a coordinator. A timeout <= 0 uses DefaultTimeout.
func New(c *cache.Cache, a replication.Adapter, p Publisher, timeout time.Duration) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Coordinator{cache: c, adapter: a, publisher: p, timeout: timeout}
}

// SetValidator installs a check that runs before a transaction touches the cache.
// Its error is returned unchanged.
func (c *Coordinator) SetValidator(fn func([]model.Mutation) error) {
	c.validate = fn
}

// Execute runs the mutations as one transaction. The returned error is a
// *replication.Error. Cancelling ctx does not abort a persist that already
// started, it ends at the latest after the coordinator's timeout.
func (c *Coordinator) Execute(ctx context.Context, muts []model.Mutation) (Result, error) {
	start := time.Now()
	res := Result{ID: ulid.Make().String()}
	defer txDuration.UpdateDuration(start)

	if err := ctx.Err(); err != nil {
		txFailed.Inc()
		return res, replication.Wrap(err, "transaction "+res.ID+" not started")
	}
	if c.validate != nil {
		if err := c.validate(muts); err != nil {
			txInvalid.Inc()
			return res, err
		}
	}

	normalized := make([]model.Mutation, len(muts))
	for i, m := range muts {
		n, err := m.Normalized()
		if err != nil {
			txInvalid.Inc()
			return res, replication.NewError(replication.ErrInvalid, "invalid mutation", err)
		}
		normalized[i] = n
	}
	if len(normalized) == 0 {
		txCommitted.Inc()
		return res, nil
	}

	// 1. optimistic apply
	applied := c.cache.Batch(normalized)
	res.Changed = applied.Changed

	ops := make([]replication.Op, 0, len(applied.Ops))
	for _, a := range applied.Ops {
		if a.Noop {
			log.Debugf("transaction %s: skipping %s of absent %s", res.ID, a.Mutation.Type, a.Mutation.Key())
			continue
		}
		ops = append(ops, replication.Op{Mutation: a.Mutation, BaseRevision: a.BaseRevision})
	}
	if len(ops) == 0 {
		txCommitted.Inc()
		return res, nil
	}

	// 2. persist, bounded by the timeout only
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
	receipt, err := c.adapter.Persist(pctx, replication.Batch{
		ID:          res.ID,
		Timestamp:   start,
		Ops:         ops,
		Collections: applied.Collections,
		Read:        c.cache.Read,
	})
	cancel()

	// 3. success
	if err == nil {
		c.cache.Confirm(applied.Undo, receipt.Revisions)
		res.Revisions = receipt.Revisions
		c.publish(res.Changed)
		txCommitted.Inc()
		log.Debugf("transaction %s committed (%d ops, changed %v)", res.ID, len(ops), res.Changed)
		return res, nil
	}

	// 4. failure
	err = replication.Wrap(err, "persist failed")
	if replication.IsConflict(err) {
		txConflict.Inc()
	} else {
		txFailed.Inc()
	}

	if c.adapter.Consistency() == replication.Strict {
		reverted := c.cache.Rollback(applied.Undo)
		res.Changed = reverted
		c.publish(reverted)
		log.Infof("transaction %s rolled back: %v", res.ID, err)
		return res, err
	}

	c.publish(res.Changed)
	log.Warningf("transaction %s kept locally, persist failed: %v", res.ID, err)
	return res, err
}

// Run builds a transaction with fn and executes it. If fn returns an error the
// transaction is discarded and the error returned unchanged.
func (c *Coordinator) Run(ctx context.Context, fn func(tx *Tx) error) (Result, error) {
	tx := &Tx{}
	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if tx.err != nil {
		txInvalid.Inc()
		return Result{}, replication.NewError(replication.ErrInvalid, "invalid transaction", tx.err)
	}
	return c.Execute(ctx, tx.muts)
}

// ExecuteDescriptor executes a single operation descriptor.
func (c *Coordinator) ExecuteDescriptor(ctx context.Context, d Descriptor) (Result, error) {
	m, err := d.Mutation()
	if err != nil {
		txInvalid.Inc()
		return Result{}, replication.NewError(replication.ErrInvalid, "invalid descriptor", err)
	}
	return c.Execute(ctx, []model.Mutation{m})
}

func (c *Coordinator) publish(collections []string) {
	if len(collections) > 0 && c.publisher != nil {
		c.publisher.Publish(collections...)
	}
}
