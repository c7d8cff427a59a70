package transactional

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	log = logger.GetLogger("transactional")

	remoteUpserts = metrics.NewCounter(`dsync_remote_changes_total{kind="upsert"}`)
	remoteDeletes = metrics.NewCounter(`dsync_remote_changes_total{kind="delete"}`)
	remoteResets  = metrics.NewCounter(`dsync_remote_changes_total{kind="reset"}`)
)

// Options configure the transactional adapter.
type Options struct {
	// Name is used in logs and metrics, e.g. the backend ("raft", "sqlite"). Defaults to "transactional".
	Name string
	// RetryInterval caps the backoff of the reconnect loop. Defaults to 5s.
	RetryInterval time.Duration
}

// Adapter replicates single documents through the atomic commits of a store.IStore.
// A batch becomes one commit, every operation carries the revision the local cache
// based it on, so a concurrent write to the same document fails the whole batch.
type Adapter struct {
	store store.IStore
	opts  Options
	life  *replication.Lifecycle

	mu      sync.Mutex
	streams map[string]map[uint64]replication.ChangeFunc
	nextID  uint64

	startOnce    sync.Once
	cancelWatch  func()
	reconnecting atomic.Bool
	// set when a bootstrap was answered empty because the backend was down
	stale  atomic.Bool
	closed atomic.Bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an adapter on top of s. The adapter does not own s, closing the
// adapter leaves the store open.
func New(s store.IStore, opts Options) *Adapter {
	if opts.Name == "" {
		opts.Name = "transactional"
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		store:   s,
		opts:    opts,
		life:    replication.NewLifecycle(opts.Name),
		streams: map[string]map[uint64]replication.ChangeFunc{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (a *Adapter) Name() string {
	return a.opts.Name
}

func (a *Adapter) Consistency() replication.Consistency {
	return replication.Strict
}

func (a *Adapter) State() replication.State {
	return a.life.State()
}

// Lifecycle exposes the lifecycle, mainly to wait for a state in tests.
func (a *Adapter) Lifecycle() *replication.Lifecycle {
	return a.life
}

// --------------------------------------------------------------------------
// Bootstrap and Stream
// --------------------------------------------------------------------------

func (a *Adapter) start(ctx context.Context) {
	a.startOnce.Do(func() {
		a.life.Transition(replication.Bootstrapping)
		a.cancelWatch = a.store.Watch(a.onEvents)
		if _, err := a.store.GetDBInfo(ctx); err != nil {
			log.Warningf("%s: backend not reachable: %v", a.opts.Name, err)
			a.triggerReconnect()
			return
		}
		a.life.Transition(replication.Synced)
	})
}

// Bootstrap lists a collection. If the backend is unreachable the collection
// starts empty and the reconnect loop replaces it once the backend is back.
func (a *Adapter) Bootstrap(ctx context.Context, collection string) ([]model.Record, error) {
	if a.closed.Load() {
		return nil, replication.NewError(replication.ErrClosed, "adapter is closed", nil)
	}
	a.start(ctx)
	records, err := a.store.List(ctx, collection)
	if err != nil {
		wrapped := replication.Wrap(err, "failed to list "+collection)
		if !replication.IsTransport(wrapped) || ctx.Err() != nil {
			return nil, wrapped
		}
		log.Warningf("%s: %s starts empty until the backend is reachable: %v", a.opts.Name, collection, err)
		a.stale.Store(true)
		a.triggerReconnect()
		return []model.Record{}, nil
	}
	if records == nil {
		records = []model.Record{}
	}
	return records, nil
}

func (a *Adapter) StreamChanges(collection string, fn replication.ChangeFunc) (stop func()) {
	a.mu.Lock()
	a.nextID++
	id := a.nextID
	if a.streams[collection] == nil {
		a.streams[collection] = map[uint64]replication.ChangeFunc{}
	}
	a.streams[collection][id] = fn
	a.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			a.mu.Lock()
			delete(a.streams[collection], id)
			a.mu.Unlock()
		})
	}
}

func (a *Adapter) listeners(collection string) []replication.ChangeFunc {
	a.mu.Lock()
	defer a.mu.Unlock()
	fns := make([]replication.ChangeFunc, 0, len(a.streams[collection]))
	for _, fn := range a.streams[collection] {
		fns = append(fns, fn)
	}
	return fns
}

func (a *Adapter) streamed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.streams))
	for name, fns := range a.streams {
		if len(fns) > 0 {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// onEvents runs on the goroutine that applied a commit and only hands off.
func (a *Adapter) onEvents(events []db.Event) {
	for _, ev := range events {
		switch ev.Type {
		case db.EventTUpsert:
			remoteUpserts.Inc()
			a.emit(replication.Change{Kind: replication.ChangeUpsert, Collection: ev.Collection, Records: []model.Record{ev.Record}})
		case db.EventTDelete:
			remoteDeletes.Inc()
			a.emit(replication.Change{Kind: replication.ChangeDelete, Collection: ev.Collection, ID: ev.ID})
		case db.EventTReset:
			remoteResets.Inc()
			log.Infof("%s: backend state was replaced, resyncing", a.opts.Name)
			// listing from inside the apply path of the store may block it
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.resync(a.ctx)
			}()
		}
	}
}

func (a *Adapter) emit(ch replication.Change) {
	for _, fn := range a.listeners(ch.Collection) {
		fn(ch)
	}
}

// resync re-reads every streamed collection and replaces it in the cache.
func (a *Adapter) resync(ctx context.Context) error {
	for _, name := range a.streamed() {
		records, err := a.store.List(ctx, name)
		if err != nil {
			log.Warningf("%s: resync of %s failed: %v", a.opts.Name, name, err)
			return err
		}
		a.emit(replication.Change{Kind: replication.ChangeReplace, Collection: name, Records: records})
	}
	return nil
}

// --------------------------------------------------------------------------
// Persist
// --------------------------------------------------------------------------

// Persist submits the batch as one commit. Nothing is applied if any operation's
// base revision is outdated.
func (a *Adapter) Persist(ctx context.Context, b replication.Batch) (replication.Receipt, error) {
	if a.closed.Load() {
		return replication.Receipt{}, replication.NewError(replication.ErrClosed, "adapter is closed", nil)
	}

	commit := db.Commit{ID: b.ID, Timestamp: b.Timestamp.UnixNano(), Ops: make([]db.Op, len(b.Ops))}
	for i, op := range b.Ops {
		commit.Ops[i] = db.Op{
			Type:         op.Type,
			Collection:   op.Collection,
			ID:           op.ID,
			Data:         op.Data,
			BaseRevision: op.BaseRevision,
		}
	}

	result, err := a.store.Commit(ctx, commit)
	if err != nil {
		wrapped := replication.Wrap(err, "commit of transaction "+b.ID+" failed")
		if replication.IsTransport(wrapped) {
			a.triggerReconnect()
		}
		return replication.Receipt{}, wrapped
	}

	receipt := replication.Receipt{Revisions: make(map[model.Key]model.Meta, len(result.Events))}
	for _, ev := range result.Events {
		if ev.Type == db.EventTUpsert {
			receipt.Revisions[model.Key{Collection: ev.Collection, ID: ev.ID}] = ev.Record.Meta
		}
	}
	log.Debugf("%s: transaction %s committed at index %d", a.opts.Name, b.ID, result.Index)
	return receipt, nil
}

// --------------------------------------------------------------------------
// Reconnect and Close
// --------------------------------------------------------------------------

func (a *Adapter) triggerReconnect() {
	if a.closed.Load() || !a.reconnecting.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		err := replication.Reconnect(a.ctx, a.life, a.opts.RetryInterval, func(ctx context.Context) error {
			if _, err := a.store.GetDBInfo(ctx); err != nil {
				return err
			}
			a.stale.Store(false)
			return a.resync(ctx)
		})
		a.reconnecting.Store(false)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("%s: reconnect loop stopped: %v", a.opts.Name, err)
			return
		}
		// a bootstrap failed after the last resync started
		if err == nil && a.stale.Load() {
			a.triggerReconnect()
		}
	}()
}

func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	if a.cancelWatch != nil {
		a.cancelWatch()
	}
	a.wg.Wait()
	a.life.Transition(replication.Disconnected)
	return nil
}
