package gossip

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"github.com/lni/dragonboat/v4/logger"
)

var mlLog = logger.GetLogger("memberlist")

// MemberlistConfig configures a memberlist based network.
type MemberlistConfig struct {
	NodeName string // unique node name
	BindAddr string // address to bind the gossip listeners to
	BindPort int    // port for UDP and TCP gossip, 0 picks a free port
	// Seeds are addresses (host:port) of nodes to join.
	Seeds []string
	// Discover, if set, returns additional seeds on every join (e.g. via mDNS).
	Discover func(ctx context.Context) ([]string, error)
	// PushPullInterval is the interval of the full state exchange. 0 keeps the memberlist default.
	PushPullInterval time.Duration
}

type memberlistNetwork struct {
	cfg MemberlistConfig

	mu      sync.Mutex
	list    *memberlist.Memberlist
	queue   *memberlist.TransmitLimitedQueue
	handler Handler
	maxMsg  int
}

// NewMemberlistNetwork creates a network that gossips over hashicorp/memberlist.
// Small blobs piggyback on the gossip protocol, larger ones are sent to every
// member over TCP.
func NewMemberlistNetwork(cfg MemberlistConfig) Network {
	return &memberlistNetwork{cfg: cfg}
}

func (n *memberlistNetwork) LocalNode() string {
	return n.cfg.NodeName
}

func (n *memberlistNetwork) Start(h Handler) error {
	conf := memberlist.DefaultLANConfig()
	conf.Name = n.cfg.NodeName
	if n.cfg.BindAddr != "" {
		conf.BindAddr = n.cfg.BindAddr
	}
	conf.BindPort = n.cfg.BindPort
	conf.AdvertisePort = n.cfg.BindPort
	if n.cfg.PushPullInterval > 0 {
		conf.PushPullInterval = n.cfg.PushPullInterval
	}
	conf.Delegate = &delegate{n: n}
	conf.Events = &events{n: n}
	conf.Logger = stdlog.New(&logWriter{}, "", 0)

	n.mu.Lock()
	n.handler = h
	n.maxMsg = conf.UDPBufferSize - 512
	n.mu.Unlock()

	list, err := memberlist.Create(conf)
	if err != nil {
		return fmt.Errorf("failed to create memberlist: %w", err)
	}

	n.mu.Lock()
	n.list = list
	n.queue = &memberlist.TransmitLimitedQueue{
		NumNodes:       list.NumMembers,
		RetransmitMult: conf.RetransmitMult,
	}
	n.mu.Unlock()

	node := list.LocalNode()
	mlLog.Infof("memberlist node %s listening on %s:%d", node.Name, node.Addr, node.Port)
	return nil
}

func (n *memberlistNetwork) seeds(ctx context.Context) []string {
	seeds := append([]string(nil), n.cfg.Seeds...)
	if n.cfg.Discover != nil {
		found, err := n.cfg.Discover(ctx)
		if err != nil {
			mlLog.Warningf("seed discovery failed: %v", err)
		}
		seeds = append(seeds, found...)
	}
	return seeds
}

func (n *memberlistNetwork) Join(ctx context.Context) error {
	seeds := n.seeds(ctx)
	if len(seeds) == 0 {
		return nil
	}

	type result struct {
		contacted int
		err       error
	}
	done := make(chan result, 1)
	go func() {
		contacted, err := n.list.Join(seeds)
		done <- result{contacted, err}
	}()

	select {
	case r := <-done:
		if r.contacted == 0 {
			if r.err == nil {
				r.err = ErrNoPeers
			}
			return fmt.Errorf("failed to join any of %v: %w", seeds, r.err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *memberlistNetwork) Broadcast(ctx context.Context, key string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.Peers() == 0 {
		if len(n.cfg.Seeds) > 0 || n.cfg.Discover != nil {
			return ErrNoPeers
		}
		return nil
	}

	if len(msg) <= n.maxMsg {
		n.queue.QueueBroadcast(&broadcast{key: key, msg: msg})
		return nil
	}

	var errs []error
	for _, m := range n.list.Members() {
		if m.Name == n.cfg.NodeName {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := n.list.SendReliable(m, msg); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
		}
	}
	if len(errs) > 0 && len(errs) == n.Peers() {
		return errors.Join(errs...)
	}
	for _, err := range errs {
		mlLog.Warningf("failed to send %q: %v", key, err)
	}
	return nil
}

func (n *memberlistNetwork) Peers() int {
	n.mu.Lock()
	list := n.list
	n.mu.Unlock()
	if list == nil {
		return 0
	}
	return list.NumMembers() - 1
}

func (n *memberlistNetwork) Close() error {
	n.mu.Lock()
	list := n.list
	n.mu.Unlock()
	if list == nil {
		return nil
	}
	if err := list.Leave(time.Second); err != nil {
		mlLog.Warningf("failed to leave cluster: %v", err)
	}
	return list.Shutdown()
}

// --------------------------------------------------------------------------
// memberlist callbacks
// --------------------------------------------------------------------------

type broadcast struct {
	key string
	msg []byte
}

// Invalidates drops an older queued blob of the same collection.
func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
	o, ok := other.(*broadcast)
	return ok && o.key == b.key
}

func (b *broadcast) Message() []byte {
	return b.msg
}

func (b *broadcast) Finished() {}

type delegate struct {
	n *memberlistNetwork
}

func (d *delegate) NodeMeta(limit int) []byte {
	return nil
}

func (d *delegate) NotifyMsg(msg []byte) {
	if len(msg) == 0 {
		return
	}
	// memberlist reuses the buffer
	d.n.handler.NotifyMsg(append([]byte(nil), msg...))
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	d.n.mu.Lock()
	queue := d.n.queue
	d.n.mu.Unlock()
	if queue == nil {
		return nil
	}
	return queue.GetBroadcasts(overhead, limit)
}

func (d *delegate) LocalState(join bool) []byte {
	return d.n.handler.LocalState()
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {
	d.n.handler.MergeRemoteState(buf)
}

type events struct {
	n *memberlistNetwork
}

func (e *events) NotifyJoin(node *memberlist.Node) {
	mlLog.Infof("node %s joined (%s:%d)", node.Name, node.Addr, node.Port)
}

func (e *events) NotifyLeave(node *memberlist.Node) {
	mlLog.Infof("node %s left", node.Name)
}

func (e *events) NotifyUpdate(node *memberlist.Node) {
	mlLog.Debugf("node %s updated", node.Name)
}

// logWriter routes the standard logger of memberlist into the memberlist package logger.
type logWriter struct{}

func (w *logWriter) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	switch {
	case bytes.Contains(p, []byte("[DEBUG]")):
		mlLog.Debugf("%s", line)
	case bytes.Contains(p, []byte("[WARN]")):
		mlLog.Warningf("%s", line)
	case bytes.Contains(p, []byte("[ERR]")):
		mlLog.Errorf("%s", line)
	default:
		mlLog.Infof("%s", line)
	}
	return len(p), nil
}
