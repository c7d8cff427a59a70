package gossip

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/serializer"
	"github.com/lni/dragonboat/v4/logger"
)

var log = logger.GetLogger("gossip")

// Options configure the gossip adapter.
type Options struct {
	// Serializer encodes blob envelopes. Defaults to JSON.
	Serializer serializer.ISerializer
	// RetryInterval caps the backoff of the reconnect loop. Defaults to 5s.
	RetryInterval time.Duration
}

// Adapter replicates whole collections as last writer wins blobs over a Network.
//
// Every persist republishes the complete local content of each touched collection.
// Two nodes writing different documents of the same collection concurrently lose
// one of the writes: the blob with the higher lamport version (then the larger
// origin name) wins everywhere.
type Adapter struct {
	net  Network
	ser  serializer.ISerializer
	opts Options
	life *replication.Lifecycle

	mu      sync.Mutex
	clock   uint64
	blobs   map[string]*Blob // latest accepted blob per collection
	pending map[string]bool  // local blobs that could not be broadcast
	streams map[string]map[uint64]replication.ChangeFunc
	nextID  uint64

	startOnce    sync.Once
	startErr     error
	reconnecting atomic.Bool
	closed       atomic.Bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates a gossip adapter on top of net. The network is started by the
// first Bootstrap.
func New(net Network, opts Options) *Adapter {
	if opts.Serializer == nil {
		opts.Serializer = serializer.NewJSONSerializer()
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Adapter{
		net:     net,
		ser:     opts.Serializer,
		opts:    opts,
		life:    replication.NewLifecycle("gossip"),
		blobs:   map[string]*Blob{},
		pending: map[string]bool{},
		streams: map[string]map[uint64]replication.ChangeFunc{},
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (a *Adapter) Name() string {
	return "gossip"
}

func (a *Adapter) Consistency() replication.Consistency {
	return replication.Eventual
}

func (a *Adapter) State() replication.State {
	return a.life.State()
}

// Lifecycle exposes the lifecycle, mainly to wait for a state in tests.
func (a *Adapter) Lifecycle() *replication.Lifecycle {
	return a.life
}

// Pending returns the collections whose latest local blob was not delivered yet.
func (a *Adapter) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.pending))
	for name := range a.pending {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// --------------------------------------------------------------------------
// Bootstrap and Stream
// --------------------------------------------------------------------------

// start brings the node into the cluster. A failed join is not fatal, the node
// keeps working on its local state while the reconnect loop retries.
func (a *Adapter) start(ctx context.Context) error {
	a.startOnce.Do(func() {
		a.life.Transition(replication.Bootstrapping)
		if err := a.net.Start(a); err != nil {
			a.startErr = replication.NewError(replication.ErrTransport, "failed to start gossip network", err)
			a.life.Transition(replication.Disconnected)
			return
		}
		if err := a.net.Join(ctx); err != nil {
			log.Warningf("node %s could not join the cluster, continuing offline: %v", a.net.LocalNode(), err)
			a.triggerReconnect()
			return
		}
		a.life.Transition(replication.Synced)
		log.Infof("node %s joined the cluster with %d peers", a.net.LocalNode(), a.net.Peers())
	})
	return a.startErr
}

func (a *Adapter) Bootstrap(ctx context.Context, collection string) ([]model.Record, error) {
	if a.closed.Load() {
		return nil, replication.NewError(replication.ErrClosed, "adapter is closed", nil)
	}
	if err := a.start(ctx); err != nil {
		return nil, err
	}
	a.mu.Lock()
	blob := a.blobs[collection]
	a.mu.Unlock()
	if blob == nil {
		return []model.Record{}, nil
	}
	return decodeDocs(collection, blob.Data), nil
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

// --------------------------------------------------------------------------
// Handler (incoming traffic)
// --------------------------------------------------------------------------

// NotifyMsg handles a blob broadcast by a peer.
func (a *Adapter) NotifyMsg(msg []byte) {
	blob, err := decodeBlob(a.ser, msg)
	if err != nil {
		decodeErrors.Inc()
		log.Warningf("dropping undecodable message of %d bytes: %v", len(msg), err)
		return
	}
	a.accept(blob)
}

// LocalState returns all known blobs.
func (a *Adapter) LocalState() []byte {
	a.mu.Lock()
	s := state{Blobs: make([]*Blob, 0, len(a.blobs))}
	for _, b := range a.blobs {
		s.Blobs = append(s.Blobs, b)
	}
	a.mu.Unlock()

	buf, err := a.ser.Serialize(s)
	if err != nil {
		log.Errorf("failed to encode local state: %v", err)
		return nil
	}
	return buf
}

// MergeRemoteState accepts every blob of a peer's state that is newer than the local one.
func (a *Adapter) MergeRemoteState(buf []byte) {
	if len(buf) == 0 {
		return
	}
	var s state
	if err := a.ser.Deserialize(buf, &s); err != nil {
		decodeErrors.Inc()
		log.Warningf("dropping undecodable remote state: %v", err)
		return
	}
	for _, b := range s.Blobs {
		if b != nil && b.Collection != "" {
			a.accept(b)
		}
	}
}

// accept stores blob if it is newer than the current one and forwards it to the streams.
func (a *Adapter) accept(blob *Blob) {
	a.mu.Lock()
	if !blob.newerThan(a.blobs[blob.Collection]) {
		a.mu.Unlock()
		blobsStale.Inc()
		return
	}
	a.blobs[blob.Collection] = blob
	if blob.Version > a.clock {
		a.clock = blob.Version
	}
	if a.pending[blob.Collection] {
		log.Warningf("pending local blob of %q was overwritten by %s (version %d)", blob.Collection, blob.Origin, blob.Version)
		delete(a.pending, blob.Collection)
	}
	fns := make([]replication.ChangeFunc, 0, len(a.streams[blob.Collection]))
	for _, fn := range a.streams[blob.Collection] {
		fns = append(fns, fn)
	}
	a.mu.Unlock()
	blobsApplied.Inc()

	if len(fns) == 0 {
		return
	}
	change := replication.Change{
		Kind:       replication.ChangeReplace,
		Collection: blob.Collection,
		Records:    decodeDocs(blob.Collection, blob.Data),
		Guard:      a.guard(blob),
	}
	for _, fn := range fns {
		fn(change)
	}
}

// guard runs apply only while blob is still the current blob of its collection.
// Holding the lock during apply keeps a concurrent persist from reading the
// cache before the change landed in it.
func (a *Adapter) guard(blob *Blob) func(apply func()) {
	return func(apply func()) {
		a.mu.Lock()
		defer a.mu.Unlock()
		if a.blobs[blob.Collection] != blob {
			log.Debugf("skipping superseded blob of %q (version %d)", blob.Collection, blob.Version)
			return
		}
		apply()
	}
}

// --------------------------------------------------------------------------
// Persist
// --------------------------------------------------------------------------

// Persist publishes the current local content of every collection of the batch.
// If a broadcast fails the collection stays pending and is republished by the
// reconnect loop.
func (a *Adapter) Persist(ctx context.Context, b replication.Batch) (replication.Receipt, error) {
	if a.closed.Load() {
		return replication.Receipt{}, replication.NewError(replication.ErrClosed, "adapter is closed", nil)
	}
	if b.Read == nil {
		return replication.Receipt{}, replication.NewError(replication.ErrInvalid, "batch without cache reader", nil)
	}

	var firstErr error
	for _, name := range b.Collections {
		blob, err := a.publishLocal(name, b.Read)
		if err != nil {
			return replication.Receipt{}, err
		}
		if err := a.broadcast(ctx, blob); err != nil {
			a.mu.Lock()
			if a.blobs[name] == blob {
				a.pending[name] = true
			}
			a.mu.Unlock()
			a.triggerReconnect()
			if firstErr == nil {
				firstErr = replication.Wrap(err, "broadcast of "+name+" failed")
			}
		}
	}
	if firstErr != nil {
		return replication.Receipt{}, firstErr
	}
	log.Debugf("transaction %s published %v", b.ID, b.Collections)
	return replication.Receipt{}, nil
}

// publishLocal makes the current cache content of a collection the newest blob.
func (a *Adapter) publishLocal(name string, read func(string) []model.Document) (*Blob, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	data, err := json.Marshal(read(name))
	if err != nil {
		return nil, replication.NewError(replication.ErrInvalid, "failed to encode "+name, err)
	}
	a.clock++
	blob := &Blob{Collection: name, Version: a.clock, Origin: a.net.LocalNode(), Data: data}
	a.blobs[name] = blob
	return blob, nil
}

func (a *Adapter) broadcast(ctx context.Context, blob *Blob) error {
	msg, err := encodeBlob(a.ser, blob)
	if err != nil {
		return replication.NewError(replication.ErrInvalid, "failed to encode blob", err)
	}
	if err := a.net.Broadcast(ctx, blob.Collection, msg); err != nil {
		blobsFailed.Inc()
		return err
	}
	blobsSent.Inc()
	return nil
}

// --------------------------------------------------------------------------
// Reconnect
// --------------------------------------------------------------------------

func (a *Adapter) triggerReconnect() {
	if a.closed.Load() || !a.reconnecting.CompareAndSwap(false, true) {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer a.reconnecting.Store(false)
		err := replication.Reconnect(a.ctx, a.life, a.opts.RetryInterval, a.probe)
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Errorf("reconnect loop stopped: %v", err)
		}
	}()
}

// probe rejoins the cluster and republishes pending collections.
func (a *Adapter) probe(ctx context.Context) error {
	if err := a.net.Join(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	var blobs []*Blob
	for name := range a.pending {
		blobs = append(blobs, a.blobs[name])
	}
	a.mu.Unlock()

	for _, blob := range blobs {
		if err := a.broadcast(ctx, blob); err != nil {
			return err
		}
		a.mu.Lock()
		if a.blobs[blob.Collection] == blob {
			delete(a.pending, blob.Collection)
		}
		a.mu.Unlock()
		log.Infof("republished pending blob of %q (version %d)", blob.Collection, blob.Version)
	}
	return nil
}

// --------------------------------------------------------------------------
// Close
// --------------------------------------------------------------------------

func (a *Adapter) Close() error {
	if a.closed.Swap(true) {
		return nil
	}
	a.cancel()
	a.wg.Wait()
	a.mu.Lock()
	a.streams = map[string]map[uint64]replication.ChangeFunc{}
	a.mu.Unlock()
	err := a.net.Close()
	a.life.Transition(replication.Disconnected)
	return err
}
