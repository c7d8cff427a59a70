package gossip

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var errPartitioned = errors.New("node is partitioned")

// LocalHub connects any number of in-process nodes. Delivery is synchronous and
// ordered, which makes multi-node scenarios deterministic. Hold and Partition
// simulate delayed and lost traffic.
type LocalHub struct {
	mu      sync.Mutex
	nodes   []*localNode
	held    bool
	queue   []heldMsg
	cut     map[string]bool
	dropped int
}

type heldMsg struct {
	from string
	msg  []byte
}

// NewLocalHub creates an empty hub.
func NewLocalHub() *LocalHub {
	return &LocalHub{cut: map[string]bool{}}
}

// Node creates a network endpoint with the given name.
func (h *LocalHub) Node(name string) Network {
	return &localNode{hub: h, name: name}
}

// Hold queues all broadcasts until Release is called.
func (h *LocalHub) Hold() {
	h.mu.Lock()
	h.held = true
	h.mu.Unlock()
}

// Release delivers all held broadcasts in the order they were sent.
func (h *LocalHub) Release() {
	h.mu.Lock()
	queue := h.queue
	h.queue, h.held = nil, false
	h.mu.Unlock()

	for _, m := range queue {
		h.deliver(m.from, m.msg)
	}
}

// Partition cuts a node off (cut = true) or reconnects it.
func (h *LocalHub) Partition(name string, cut bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cut {
		h.cut[name] = true
	} else {
		delete(h.cut, name)
	}
}

// Dropped returns the number of messages that were not delivered because of a partition.
func (h *LocalHub) Dropped() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

func (h *LocalHub) deliver(from string, msg []byte) {
	h.mu.Lock()
	if h.cut[from] {
		h.dropped++
		h.mu.Unlock()
		return
	}
	var targets []Handler
	for _, n := range h.nodes {
		if n.name == from {
			continue
		}
		if h.cut[n.name] {
			h.dropped++
			continue
		}
		targets = append(targets, n.handler)
	}
	h.mu.Unlock()

	for _, t := range targets {
		t.NotifyMsg(append([]byte(nil), msg...))
	}
}

// peersOf returns the started, reachable nodes other than name.
func (h *LocalHub) peersOf(name string) []*localNode {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cut[name] {
		return nil
	}
	var peers []*localNode
	for _, n := range h.nodes {
		if n.name != name && !h.cut[n.name] {
			peers = append(peers, n)
		}
	}
	return peers
}

// --------------------------------------------------------------------------
// Node
// --------------------------------------------------------------------------

type localNode struct {
	hub     *LocalHub
	name    string
	handler Handler
}

func (n *localNode) LocalNode() string {
	return n.name
}

func (n *localNode) Start(h Handler) error {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	for _, other := range n.hub.nodes {
		if other.name == n.name {
			return fmt.Errorf("node %q already started", n.name)
		}
	}
	n.handler = h
	n.hub.nodes = append(n.hub.nodes, n)
	return nil
}

func (n *localNode) Join(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.hub.mu.Lock()
	cut := n.hub.cut[n.name]
	n.hub.mu.Unlock()
	if cut {
		return errPartitioned
	}
	// push/pull with every peer
	for _, p := range n.hub.peersOf(n.name) {
		n.handler.MergeRemoteState(p.handler.LocalState())
		p.handler.MergeRemoteState(n.handler.LocalState())
	}
	return nil
}

func (n *localNode) Broadcast(ctx context.Context, _ string, msg []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	n.hub.mu.Lock()
	if n.hub.cut[n.name] {
		n.hub.mu.Unlock()
		return errPartitioned
	}
	if n.hub.held {
		n.hub.queue = append(n.hub.queue, heldMsg{from: n.name, msg: append([]byte(nil), msg...)})
		n.hub.mu.Unlock()
		return nil
	}
	n.hub.mu.Unlock()
	n.hub.deliver(n.name, msg)
	return nil
}

func (n *localNode) Peers() int {
	return len(n.hub.peersOf(n.name))
}

func (n *localNode) Close() error {
	n.hub.mu.Lock()
	defer n.hub.mu.Unlock()
	for i, other := range n.hub.nodes {
		if other == n {
			n.hub.nodes = append(n.hub.nodes[:i], n.hub.nodes[i+1:]...)
			break
		}
	}
	return nil
}
