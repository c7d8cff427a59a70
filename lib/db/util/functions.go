package util

import (
	"github.com/cespare/xxhash/v2"
)

// --------------------------------------------------------------------------
// Hash Functions
// --------------------------------------------------------------------------

// HashString hashes s with xxHash64.
func HashString(s string) uint64 {
	return xxhash.Sum64String(s)
}

// ReplicaID derives a raft replica id from a human readable node name
// (e.g. "node-1"). Dragonboat reserves 0, so a zero hash is mapped to 1.
func ReplicaID(name string) uint64 {
	if id := HashString(name); id != 0 {
		return id
	}
	return 1
}
