package server

import (
	"context"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/db/engines/boltdb"
	"github.com/ValentinKolb/dSync/lib/db/engines/memdb"
	"github.com/ValentinKolb/dSync/lib/db/engines/postgresdb"
	"github.com/ValentinKolb/dSync/lib/db/engines/sqlitedb"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/replication/gossip"
	"github.com/ValentinKolb/dSync/lib/replication/transactional"
	"github.com/ValentinKolb/dSync/lib/serializer"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/dstore"
	"github.com/ValentinKolb/dSync/lib/store/lstore"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/lni/dragonboat/v4"
)

// discoveryWindow bounds a single mDNS browse
const discoveryWindow = 2 * time.Second

// backend is a replication adapter together with everything that has to be
// released after the adapter was closed.
type backend struct {
	adapter replication.Adapter
	release []func()
}

func (b *backend) close() {
	for i := len(b.release) - 1; i >= 0; i-- {
		b.release[i]()
	}
}

// openBackend creates the adapter selected by config.Backend.
func openBackend(ctx context.Context, config common.ServerConfig) (*backend, error) {
	timeout := time.Duration(config.TimeoutSecond) * time.Second

	switch config.Backend {
	case common.BackendGossip:
		return openGossip(config)

	case common.BackendRaft:
		nodeHost, err := dragonboat.NewNodeHost(config.ToNodeHostConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create node host: %w", err)
		}
		hub := store.NewHub()
		factory := dstore.CreateStateMachineFactory(func() db.DocDB { return memdb.NewMemDB() }, hub)
		if err := nodeHost.StartConcurrentReplica(config.ClusterMembers, false, factory, config.ToDragonboatConfig()); err != nil {
			nodeHost.Close()
			return nil, fmt.Errorf("failed to start shard %d: %w", config.ShardID, err)
		}
		s := dstore.NewDistributedStore(nodeHost, config.ShardID, hub, timeout)
		Logger.Infof("started raft shard %d as replica %d", config.ShardID, config.ReplicaID)
		return &backend{
			adapter: transactional.New(s, transactional.Options{Name: string(common.BackendRaft)}),
			release: []func(){func() { _ = s.Close() }, nodeHost.Close},
		}, nil

	case common.BackendSQLite, common.BackendBolt, common.BackendPostgres, common.BackendMemory:
		database, err := openDocDB(ctx, config)
		if err != nil {
			return nil, err
		}
		s := lstore.NewLocalStore(func() db.DocDB { return database })
		return &backend{
			adapter: transactional.New(s, transactional.Options{Name: string(config.Backend)}),
			release: []func(){func() { _ = s.Close() }},
		}, nil

	default:
		return nil, fmt.Errorf("invalid backend %q", config.Backend)
	}
}

// openDocDB opens the document database of a local transactional backend.
func openDocDB(ctx context.Context, config common.ServerConfig) (db.DocDB, error) {
	switch config.Backend {
	case common.BackendSQLite:
		return sqlitedb.NewSQLiteDB(config.DBPath)
	case common.BackendBolt:
		return boltdb.NewBoltDB(config.DBPath)
	case common.BackendPostgres:
		return postgresdb.NewPostgresDB(ctx, postgresdb.Config{
			URL:     config.PostgresURL,
			Table:   config.PostgresTable,
			Timeout: time.Duration(config.TimeoutSecond) * time.Second,
		})
	default:
		return memdb.NewMemDB(), nil
	}
}

func openGossip(config common.ServerConfig) (*backend, error) {
	ser, err := serializer.New(config.Serializer)
	if err != nil {
		return nil, err
	}
	b := &backend{}

	var network gossip.Network
	switch config.GossipTransport {
	case common.GossipRedis:
		network = gossip.NewRedisNetwork(gossip.RedisConfig{
			NodeName: config.NodeName,
			Addr:     config.RedisAddr,
			Password: config.RedisPassword,
			DB:       config.RedisDB,
			Prefix:   config.RedisPrefix,
		})
	default:
		mlConfig := gossip.MemberlistConfig{
			NodeName: config.NodeName,
			BindAddr: config.BindAddr,
			BindPort: config.BindPort,
			Seeds:    config.Seeds,
		}
		if config.MDNS {
			stop, err := gossip.Advertise(config.NodeName, config.BindPort)
			if err != nil {
				return nil, err
			}
			b.release = append(b.release, stop)
			mlConfig.Discover = gossip.Discoverer(config.NodeName, discoveryWindow)
		}
		network = gossip.NewMemberlistNetwork(mlConfig)
	}

	b.adapter = gossip.New(network, gossip.Options{Serializer: ser})
	return b, nil
}
