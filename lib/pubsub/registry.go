package pubsub

import (
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/ValentinKolb/dSync/lib/db/util"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/VictoriaMetrics/metrics"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var (
	log = logger.GetLogger("pubsub")

	deliveries    = metrics.NewCounter("dsync_deliveries_total")
	deliveryPanic = metrics.NewCounter("dsync_delivery_panics_total")
	skipped       = metrics.NewCounter("dsync_publish_skipped_total")
)

// backlogWarning is the mailbox length at which a slow subscriber is logged
const backlogWarning = 256

// Callback receives snapshots of a collection.
type Callback func(snapshot.Snapshot)

// Source builds the current snapshot of a collection.
type Source interface {
	Build(collection string) snapshot.Snapshot
}

// Registry keeps the subscribers of all collections and fans out snapshots.
//
// Every subscriber owns a mailbox and a worker goroutine. A publish only enqueues,
// so a slow or blocking callback delays its own subscriber and nobody else.
type Registry struct {
	source Source
	topics *xsync.MapOf[string, *topic]
	nextID atomic.Uint64
	closed atomic.Bool
}

type topic struct {
	mu   sync.Mutex
	subs []*subscriber // registration order
	// version of the last pushed snapshot
	version uint64
}

// NewRegistry creates a registry that renders snapshots with source.
func NewRegistry(source Source) *Registry {
	return &Registry{
		source: source,
		topics: xsync.NewMapOf[string, *topic](),
	}
}

func (r *Registry) topic(collection string) *topic {
	t, _ := r.topics.LoadOrCompute(collection, func() *topic { return &topic{} })
	return t
}

// --------------------------------------------------------------------------
// Subscribe
// --------------------------------------------------------------------------

// Subscribe registers fn for a collection. The current snapshot is delivered to fn
// before Subscribe returns, every later publish is delivered asynchronously in order.
//
// The returned function unsubscribes. It is idempotent and may be called from within fn.
// Once it returned no new delivery is started, one that is already running may finish.
func (r *Registry) Subscribe(collection string, fn Callback) (unsubscribe func()) {
	sub := &subscriber{
		id:         r.nextID.Add(1),
		collection: collection,
		fn:         fn,
		mailbox:    util.NewMailbox[snapshot.Snapshot](),
	}
	sub.active.Store(true)

	if r.closed.Load() {
		sub.active.Store(false)
		sub.mailbox.Close()
		return func() {}
	}

	t := r.topic(collection)

	// building under the topic lock orders the initial snapshot before every
	// publish that can reach the mailbox
	t.mu.Lock()
	initial := r.source.Build(collection)
	t.subs = append(t.subs, sub)
	t.mu.Unlock()

	sub.deliver(initial)
	go sub.run()

	return func() {
		sub.once.Do(func() {
			sub.active.Store(false)
			t.mu.Lock()
			t.subs = slices.DeleteFunc(t.subs, func(s *subscriber) bool { return s == sub })
			t.mu.Unlock()
			sub.mailbox.Close()
			log.Debugf("subscriber %d of %q removed", sub.id, collection)
		})
	}
}

// Count returns the number of active subscribers of a collection.
func (r *Registry) Count(collection string) int {
	t, ok := r.topics.Load(collection)
	if !ok {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.subs)
}

// --------------------------------------------------------------------------
// Publish
// --------------------------------------------------------------------------

// Publish renders a fresh snapshot of each collection and hands it to every
// subscriber in registration order. A subscriber does not receive a snapshot
// whose content equals the last one it received.
func (r *Registry) Publish(collections ...string) {
	if r.closed.Load() {
		return
	}
	for _, name := range collections {
		t, ok := r.topics.Load(name)
		if !ok {
			continue
		}
		t.mu.Lock()
		if len(t.subs) == 0 {
			t.mu.Unlock()
			continue
		}
		snap := r.source.Build(name)
		if snap.Version <= t.version {
			t.mu.Unlock()
			skipped.Inc()
			continue
		}
		t.version = snap.Version
		for _, sub := range t.subs {
			sub.push(snap)
		}
		t.mu.Unlock()
	}
}

// Close removes all subscribers. Pending deliveries are dropped.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	r.topics.Range(func(name string, t *topic) bool {
		t.mu.Lock()
		subs := t.subs
		t.subs = nil
		t.mu.Unlock()
		for _, sub := range subs {
			sub.once.Do(func() {
				sub.active.Store(false)
				sub.mailbox.Close()
			})
		}
		return true
	})
}

// --------------------------------------------------------------------------
// Subscriber
// --------------------------------------------------------------------------

type subscriber struct {
	id         uint64
	collection string
	fn         Callback
	active     atomic.Bool
	once       sync.Once
	mailbox    *util.Mailbox[snapshot.Snapshot]
	backlogged atomic.Bool
	// last delivered snapshot, only touched by the delivering goroutine
	last    snapshot.Snapshot
	hasLast bool
}

func (s *subscriber) push(snap snapshot.Snapshot) {
	s.mailbox.Push(snap)
	if s.mailbox.Len() > backlogWarning && !s.backlogged.Swap(true) {
		log.Warningf("subscriber %d of %q is %d snapshots behind", s.id, s.collection, s.mailbox.Len())
	}
}

func (s *subscriber) run() {
	for snap := range s.mailbox.Recv() {
		switch {
		case s.hasLast && snap.Version <= s.last.Version:
		case s.hasLast && snap.SameContent(s.last):
			s.last.Version = snap.Version
			skipped.Inc()
		default:
			s.deliver(snap)
		}
		if s.mailbox.Len() == 0 {
			s.backlogged.Store(false)
		}
	}
}

func (s *subscriber) deliver(snap snapshot.Snapshot) {
	if !s.active.Load() {
		return
	}
	s.last, s.hasLast = snap, true
	defer func() {
		if r := recover(); r != nil {
			deliveryPanic.Inc()
			log.Errorf("subscriber %d of %q panicked: %v\n%s", s.id, s.collection, r, debug.Stack())
		}
	}()
	deliveries.Inc()
	s.fn(snap)
}
