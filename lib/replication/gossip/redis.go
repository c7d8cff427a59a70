package gossip

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// RedisConfig configures a network that relays blobs through a Redis server.
type RedisConfig struct {
	NodeName string
	Addr     string // host:port of the Redis server
	Password string
	DB       int
	// Prefix namespaces the channel and the state hash. Defaults to "dsync".
	Prefix string
}

type redisNetwork struct {
	cfg     RedisConfig
	client  *redis.Client
	channel string
	hash    string

	mu      sync.Mutex
	pubsub  *redis.PubSub
	handler Handler
	done    chan struct{}
}

// NewRedisNetwork creates a network that publishes blobs on a Redis channel and
// keeps the latest blob of every collection in a hash, which joining nodes read
// as their initial state. Redis only relays, conflict resolution stays in the nodes.
func NewRedisNetwork(cfg RedisConfig) Network {
	if cfg.Prefix == "" {
		cfg.Prefix = "dsync"
	}
	return &redisNetwork{
		cfg: cfg,
		client: redis.NewClient(&redis.Options{
			Addr:     cfg.Addr,
			Password: cfg.Password,
			DB:       cfg.DB,
		}),
		channel: cfg.Prefix + ":gossip",
		hash:    cfg.Prefix + ":blobs",
		done:    make(chan struct{}),
	}
}

func (n *redisNetwork) LocalNode() string {
	return n.cfg.NodeName
}

func (n *redisNetwork) Start(h Handler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
	n.pubsub = n.client.Subscribe(context.Background(), n.channel)

	go func(ch <-chan *redis.Message) {
		for msg := range ch {
			h.NotifyMsg([]byte(msg.Payload))
		}
		close(n.done)
	}(n.pubsub.Channel())
	return nil
}

// Join reads the latest blob of every collection from the state hash.
func (n *redisNetwork) Join(ctx context.Context) error {
	if err := n.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis at %s unreachable: %w", n.cfg.Addr, err)
	}
	blobs, err := n.client.HGetAll(ctx, n.hash).Result()
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}
	for _, raw := range blobs {
		n.handler.NotifyMsg([]byte(raw))
	}
	return nil
}

// Broadcast stores the blob as the latest state of its collection and publishes it.
func (n *redisNetwork) Broadcast(ctx context.Context, key string, msg []byte) error {
	_, err := n.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, n.hash, key, msg)
		pipe.Publish(ctx, n.channel, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis broadcast failed: %w", err)
	}
	return nil
}

// Peers returns the number of other subscribers of the gossip channel.
func (n *redisNetwork) Peers() int {
	counts, err := n.client.PubSubNumSub(context.Background(), n.channel).Result()
	if err != nil {
		return 0
	}
	if c := int(counts[n.channel]) - 1; c > 0 {
		return c
	}
	return 0
}

func (n *redisNetwork) Close() error {
	n.mu.Lock()
	ps := n.pubsub
	n.mu.Unlock()
	if ps != nil {
		_ = ps.Close()
		<-n.done
	}
	return n.client.Close()
}
