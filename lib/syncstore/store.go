package syncstore

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/cache"
	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/pubsub"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/ValentinKolb/dSync/lib/txn"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("syncstore")

// Options configure a Store.
type Options struct {
	// Collections is the fixed collection namespace. Defaults to model.DefaultCollections.
	Collections []string
	// Timeout bounds every persist. Defaults to txn.DefaultTimeout.
	Timeout time.Duration
}

// Store gives every consumer a reactive view of a fixed set of collections,
// kept in sync with a remote backend by exactly one replication adapter.
type Store struct {
	opts     Options
	adapter  replication.Adapter
	cache    *cache.Cache
	builder  *snapshot.Builder
	registry *pubsub.Registry
	coord    *txn.Coordinator

	ingest *util.Mailbox[replication.Change]
	done   chan struct{}
	stops  []func()

	startOnce sync.Once
	started   atomic.Bool
	closed    atomic.Bool
}

// New creates a store on top of adapter. The store owns the adapter and closes it.
func New(adapter replication.Adapter, opts Options) *Store {
	if len(opts.Collections) == 0 {
		opts.Collections = model.DefaultCollections
	}
	opts.Collections = slices.Clone(opts.Collections)
	sort.Strings(opts.Collections)

	c := cache.New()
	builder := snapshot.NewBuilder(c)
	registry := pubsub.NewRegistry(builder)
	s := &Store{
		opts:     opts,
		adapter:  adapter,
		cache:    c,
		builder:  builder,
		registry: registry,
		coord:    txn.New(c, adapter, registry, opts.Timeout),
		ingest:   util.NewMailbox[replication.Change](),
		done:     make(chan struct{}),
	}
	s.coord.SetValidator(s.check)
	return s
}

// --------------------------------------------------------------------------
// Lifecycle
// --------------------------------------------------------------------------

// Start bootstraps every collection and begins mirroring remote changes.
// Remote changes arriving during bootstrap are queued and applied afterwards.
func (s *Store) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		for _, name := range s.opts.Collections {
			s.stops = append(s.stops, s.adapter.StreamChanges(name, s.enqueue))
		}
		for _, name := range s.opts.Collections {
			records, berr := s.adapter.Bootstrap(ctx, name)
			if berr != nil {
				err = fmt.Errorf("bootstrap of %s failed: %w", name, berr)
				return
			}
			s.cache.Replace(name, records)
			log.Infof("bootstrapped %s with %d documents", name, len(records))
		}
		go s.ingestLoop()
		s.started.Store(true)
		s.registry.Publish(s.opts.Collections...)
	})
	return err
}

// Close stops all subscriptions, the change stream and the adapter.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.registry.Close()
	for _, stop := range s.stops {
		stop()
	}
	s.ingest.Close()
	if s.started.Load() {
		<-s.done
	}
	return s.adapter.Close()
}

// State returns the lifecycle state of the adapter.
func (s *Store) State() replication.State {
	return s.adapter.State()
}

// Adapter returns the replication adapter of the store.
func (s *Store) Adapter() replication.Adapter {
	return s.adapter
}

// Collections returns the collection namespace, sorted.
func (s *Store) Collections() []string {
	return slices.Clone(s.opts.Collections)
}

// --------------------------------------------------------------------------
// Remote changes
// --------------------------------------------------------------------------

// enqueue is the ChangeFunc of all streams. It never blocks.
func (s *Store) enqueue(ch replication.Change) {
	if !s.ingest.Push(ch) {
		log.Debugf("dropping %s change of %s, store is closed", ch.Kind, ch.Collection)
	}
}

// ingestLoop is the only writer of remote changes to the cache.
func (s *Store) ingestLoop() {
	defer close(s.done)
	for ch := range s.ingest.Recv() {
		if s.applyChange(ch) {
			s.registry.Publish(ch.Collection)
		}
	}
}

func (s *Store) applyChange(ch replication.Change) (changed bool) {
	apply := func() {
		switch ch.Kind {
		case replication.ChangeReplace:
			changed = s.cache.Replace(ch.Collection, ch.Records)
		case replication.ChangeUpsert:
			changed = s.cache.Upsert(ch.Collection, ch.Records)
		case replication.ChangeDelete:
			changed = s.cache.Remove(ch.Collection, ch.ID)
		}
	}
	if ch.Guard != nil {
		ch.Guard(apply)
	} else {
		apply()
	}
	return changed
}

// --------------------------------------------------------------------------
// Reads and Subscriptions
// --------------------------------------------------------------------------

// Get returns a copy of all documents of a collection. Unknown collections are empty.
func (s *Store) Get(collection string) []model.Document {
	return s.cache.Read(collection)
}

// Doc returns a single document.
func (s *Store) Doc(collection, id string) (model.Document, bool) {
	rec, ok := s.cache.Get(collection, id)
	return rec.Doc, ok
}

// Snapshot returns the current snapshot of a collection.
func (s *Store) Snapshot(collection string) snapshot.Snapshot {
	return s.builder.Build(collection)
}

// Subscribe registers fn for snapshots of a collection. The current snapshot is
// delivered before Subscribe returns. The returned function unsubscribes.
func (s *Store) Subscribe(collection string, fn pubsub.Callback) (unsubscribe func()) {
	return s.registry.Subscribe(collection, fn)
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Apply executes the mutations as one transaction.
func (s *Store) Apply(ctx context.Context, muts ...model.Mutation) (txn.Result, error) {
	return s.coord.Execute(ctx, muts)
}

// RunTransaction builds a transaction with fn and executes it. If fn returns an
// error nothing is executed and the error is returned unchanged.
func (s *Store) RunTransaction(ctx context.Context, fn func(tx *txn.Tx) error) (txn.Result, error) {
	return s.coord.Run(ctx, fn)
}

// Execute runs a single operation descriptor.
func (s *Store) Execute(ctx context.Context, d txn.Descriptor) (txn.Result, error) {
	return s.coord.ExecuteDescriptor(ctx, d)
}

// SeedIfEmpty writes the seed documents of every collection that is empty.
// Collections are seeded one transaction each, in name order.
func (s *Store) SeedIfEmpty(ctx context.Context, seed map[string][]model.Document) error {
	names := make([]string, 0, len(seed))
	for name := range seed {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if s.cache.Len(name) > 0 || len(seed[name]) == 0 {
			continue
		}
		muts := make([]model.Mutation, len(seed[name]))
		for i, doc := range seed[name] {
			muts[i] = model.Set(name, doc)
		}
		if _, err := s.Apply(ctx, muts...); err != nil {
			return fmt.Errorf("seeding %s failed: %w", name, err)
		}
		log.Infof("seeded %s with %d documents", name, len(muts))
	}
	return nil
}

func (s *Store) check(muts []model.Mutation) error {
	if s.closed.Load() {
		return replication.NewError(replication.ErrClosed, "store is closed", nil)
	}
	if !s.started.Load() {
		return replication.NewError(replication.ErrInvalid, "store is not started", nil)
	}
	for _, m := range muts {
		if _, ok := slices.BinarySearch(s.opts.Collections, m.Collection); !ok {
			return replication.NewError(replication.ErrInvalid, fmt.Sprintf("unknown collection %q", m.Collection), nil)
		}
	}
	return nil
}
