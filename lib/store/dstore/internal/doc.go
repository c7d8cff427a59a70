// Package internal provides the communication protocol structures and serialization
// logic for the dstore package. It defines the wire format used to transmit commits
// between the store client and the distributed state machine.
//
// This package is intended for internal use by the dstore implementation and should
// not be imported directly by external code.
//
// The package consists of two main components:
//
//   - Command System: Defines write operations that modify the state of the
//     database. A Command carries one complete db.Commit, is proposed to the RAFT
//     cluster and executed on the state machine of every replica.
//
//   - Query System: Defines read operations (List, Get, GetDBInfo) that retrieve data
//     from the database without modifying its state. Queries are executed locally on
//     the state machine and therefore do not require serialization.
//
// Command Format:
//
//   - 1 byte: Command type
//   - 8 bytes: Timestamp (int64 unix nanos, big endian)
//   - 4 bytes: Transaction id length (uint32, big endian)
//   - N bytes: Transaction id
//   - M bytes: Operations, JSON encoded
//
// The timestamp is part of the log entry so that all replicas assign identical
// create and update times.
package internal
