package gossip

import (
	"context"
	"errors"
)

// ErrNoPeers is returned by Broadcast when the node expects peers but none is reachable.
var ErrNoPeers = errors.New("no reachable peers")

// Handler receives traffic from a Network. It mirrors the delegate of memberlist.
type Handler interface {
	// NotifyMsg is called for every message broadcast by another node.
	// The slice may be retained.
	NotifyMsg(msg []byte)
	// LocalState returns the complete local state, sent to peers on join and
	// during periodic anti-entropy.
	LocalState() []byte
	// MergeRemoteState merges the state returned by LocalState of a peer.
	MergeRemoteState(buf []byte)
}

// Network carries blobs between the nodes of a gossip cluster.
type Network interface {
	// LocalNode returns the unique name of this node.
	LocalNode() string
	// Start begins delivering traffic to h. It is called once.
	Start(h Handler) error
	// Join contacts the known peers and exchanges state with them.
	// A node without configured peers joins successfully on its own.
	Join(ctx context.Context) error
	// Broadcast sends msg to all peers. key identifies the message stream,
	// a newer message with the same key may replace an older one not yet sent.
	Broadcast(ctx context.Context, key string, msg []byte) error
	// Peers returns the number of reachable peers, excluding this node.
	Peers() int
	// Close leaves the cluster.
	Close() error
}
