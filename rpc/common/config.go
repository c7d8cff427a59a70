package common

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lni/dragonboat/v4/config"
)

// --------------------------------------------------------------------------
// helper functions to interface with Dragonboat (raft backend)
// --------------------------------------------------------------------------

// Dragonboat uses RTT (Round Trip Time) to determine the timing of elections and heartbeats.
// These default values are selected according to the RAFT Paper
const (
	electionRTTFactor  = 10
	heartbeatRTTFactor = 1
)

// ToDragonboatConfig converts the ServerConfig to Dragonboat Config
func (c *ServerConfig) ToDragonboatConfig() config.Config {
	return config.Config{
		ReplicaID:          c.ReplicaID,
		ShardID:            c.ShardID,
		ElectionRTT:        electionRTTFactor,
		HeartbeatRTT:       heartbeatRTTFactor,
		CheckQuorum:        true,
		SnapshotEntries:    c.SnapshotEntries,
		CompactionOverhead: c.CompactionOverhead,
		MaxInMemLogSize:    0,
	}
}

// ToNodeHostConfig creates a NodeHostConfig for Dragonboat
func (c *ServerConfig) ToNodeHostConfig() config.NodeHostConfig {
	return config.NodeHostConfig{
		WALDir:         c.DataDir,
		NodeHostDir:    c.DataDir,
		RTTMillisecond: c.RTTMillisecond,
		RaftAddress:    c.ClusterMembers[c.ReplicaID],
	}
}

// --------------------------------------------------------------------------
// Server configuration struct
// --------------------------------------------------------------------------

// Backend selects the replication backend of a server.
type Backend string

const (
	BackendGossip   Backend = "gossip"   // eventual, whole-collection blobs between peers
	BackendRaft     Backend = "raft"     // strict, raft replicated document database
	BackendSQLite   Backend = "sqlite"   // strict, local SQLite file
	BackendBolt     Backend = "bolt"     // strict, local bbolt file
	BackendPostgres Backend = "postgres" // strict, PostgreSQL database
	BackendMemory   Backend = "memory"   // strict, in memory (tests and demos)
)

// Backends lists all valid backends.
var Backends = []Backend{BackendGossip, BackendRaft, BackendSQLite, BackendBolt, BackendPostgres, BackendMemory}

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	for _, b := range Backends {
		if string(b) == strings.ToLower(strings.TrimSpace(s)) {
			return b, nil
		}
	}
	names := make([]string, len(Backends))
	for i, b := range Backends {
		names[i] = string(b)
	}
	return "", fmt.Errorf("invalid backend %q (expected one of: %s)", s, strings.Join(names, ", "))
}

// Gossip transports
const (
	GossipMemberlist = "memberlist"
	GossipRedis      = "redis"
)

// ServerConfig holds all configuration parameters of a dsync server.
type ServerConfig struct {
	Backend     Backend
	Collections []string

	// transaction timeout
	TimeoutSecond int64

	// HTTP api settings
	Endpoint   string
	Serializer string

	// file with initial documents, {collection: [documents]}
	SeedFile string

	// Gossip parameters
	NodeName        string
	GossipTransport string // memberlist or redis
	BindAddr        string
	BindPort        int
	Seeds           []string
	MDNS            bool
	RedisAddr       string
	RedisPassword   string
	RedisDB         int
	RedisPrefix     string

	// Dragonboat parameters
	ShardID            uint64
	RTTMillisecond     uint64
	SnapshotEntries    uint64
	CompactionOverhead uint64
	DataDir            string
	ReplicaID          uint64
	ClusterMembers     map[uint64]string

	// database parameters (sqlite, bolt, postgres)
	DBPath        string
	PostgresURL   string
	PostgresTable string

	// Logging configuration
	LogLevel string
}

// Validate checks the parameters required by the selected backend.
func (c *ServerConfig) Validate() error {
	if _, err := ParseBackend(string(c.Backend)); err != nil {
		return err
	}
	if len(c.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	switch c.Backend {
	case BackendGossip:
		if c.NodeName == "" {
			return fmt.Errorf("gossip backend requires a node name")
		}
		switch c.GossipTransport {
		case GossipMemberlist:
		case GossipRedis:
			if c.RedisAddr == "" {
				return fmt.Errorf("redis gossip transport requires a redis address")
			}
		default:
			return fmt.Errorf("invalid gossip transport %q (expected %s or %s)", c.GossipTransport, GossipMemberlist, GossipRedis)
		}
	case BackendRaft:
		if len(c.ClusterMembers) == 0 {
			return fmt.Errorf("raft backend requires cluster members")
		}
		if _, ok := c.ClusterMembers[c.ReplicaID]; !ok {
			return fmt.Errorf("no address found for replica ID %d in cluster members", c.ReplicaID)
		}
	case BackendSQLite, BackendBolt:
		if c.DBPath == "" {
			return fmt.Errorf("%s backend requires a database path", c.Backend)
		}
	case BackendPostgres:
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres backend requires a connection url")
		}
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c *ServerConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("API Server")
	addField("Endpoint", c.Endpoint)
	addField("Serializer", c.Serializer)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))

	addSection("Logging")
	addField("Log Level", c.LogLevel)

	addSection("Store")
	addField("Backend", string(c.Backend))
	addField("Collections", strings.Join(c.Collections, ", "))
	if c.SeedFile != "" {
		addField("Seed File", c.SeedFile)
	}

	switch c.Backend {
	case BackendGossip:
		addSection("Gossip")
		addField("Node Name", c.NodeName)
		addField("Transport", c.GossipTransport)
		if c.GossipTransport == GossipRedis {
			addField("Redis Address", c.RedisAddr)
			addField("Redis DB", strconv.Itoa(c.RedisDB))
			addField("Redis Prefix", c.RedisPrefix)
		} else {
			addField("Bind", fmt.Sprintf("%s:%d", c.BindAddr, c.BindPort))
			addField("Seeds", strings.Join(c.Seeds, ", "))
			addField("mDNS Discovery", strconv.FormatBool(c.MDNS))
		}

	case BackendRaft:
		addSection("Node Identity")
		addField("RAFT Address", c.ClusterMembers[c.ReplicaID])
		addField("Node ID", strconv.FormatUint(c.ReplicaID, 10))
		addField("Shard ID", strconv.FormatUint(c.ShardID, 10))

		addSection("RAFT Parameters")
		addField("Round Trip Time (ms)", fmt.Sprintf("%d ms", c.RTTMillisecond))
		addField("Election RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*electionRTTFactor))
		addField("Heartbeat RTT (ms)", fmt.Sprintf("%d", c.RTTMillisecond*heartbeatRTTFactor))
		addField("Check Quorum", fmt.Sprintf("%t", true))
		addField("Snapshot Entries", fmt.Sprintf("%d", c.SnapshotEntries))
		addField("Compaction Overhead", fmt.Sprintf("%d", c.CompactionOverhead))

		addSection("Storage")
		addField("Data Directory", c.DataDir)

		addSection("Cluster")
		sb.WriteString("  Initial Cluster Members:\n")

		// Sort keys for consistent output
		var keys []uint64
		for k := range c.ClusterMembers {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

		for _, k := range keys {
			sb.WriteString(fmt.Sprintf("    Node %d: %s\n", k, c.ClusterMembers[k]))
		}

	case BackendSQLite, BackendBolt:
		addSection("Storage")
		addField("Database Path", c.DBPath)

	case BackendPostgres:
		addSection("Storage")
		addField("Table", c.PostgresTable)
	}
	return sb.String()
}

// --------------------------------------------------------------------------
// Client configuration struct
// --------------------------------------------------------------------------

type ClientConfig struct {
	Endpoint      string
	TimeoutSecond int
	RetryCount    int
	Serializer    string
}

// String returns a formatted string representation of the client configuration
func (c *ClientConfig) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}

	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("Client Configuration")
	addField("Endpoint", c.Endpoint)
	addField("Timeout", fmt.Sprintf("%d sec", c.TimeoutSecond))
	addField("Retry Count", strconv.Itoa(c.RetryCount))
	addField("Serializer", c.Serializer)

	return sb.String()
}
