package internal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/ValentinKolb/dSync/lib/db"
)

// CommandType defines the possible operations for the state machine.
type CommandType uint8

const (
	CommandTCommit CommandType = iota // Apply a list of document operations atomically.
)

func (ct CommandType) String() string {
	switch ct {
	case CommandTCommit:
		return "Commit"
	default:
		return fmt.Sprintf("Unknown(%d)", ct)
	}
}

// ToDBFeature converts a CommandType to the corresponding db.Feature.
// This can be used for checking if the database supports a certain operation.
func (ct CommandType) ToDBFeature() (db.Feature, error) {
	switch ct {
	case CommandTCommit:
		return db.FeatureCommit, nil
	default:
		return 0, fmt.Errorf("unknown command type %d", ct)
	}
}

// headerSize is the size of the fixed part of a serialized command:
// Type + Timestamp + IDLen
const headerSize = 1 + 8 + 4

// Command represents a command to be executed by the state machine (a single entry in the raft log)
type Command struct {
	Type      CommandType
	ID        string // transaction id, used for logging
	Timestamp int64  // unix nanos chosen by the proposer
	Ops       []db.Op
}

// NewCommitCommand wraps a db.Commit into a Command.
func NewCommitCommand(c db.Commit) Command {
	return Command{
		Type:      CommandTCommit,
		ID:        c.ID,
		Timestamp: c.Timestamp,
		Ops:       c.Ops,
	}
}

// ToCommit converts the command back into a db.Commit.
func (command *Command) ToCommit() db.Commit {
	return db.Commit{
		ID:        command.ID,
		Timestamp: command.Timestamp,
		Ops:       command.Ops,
	}
}

// Serialize serializes a command into a byte array with the format:
// 1 byte for operation type,
// 8 bytes for the timestamp (big endian),
// 4 bytes for id length (big endian),
// N bytes for id data,
// M bytes for the JSON encoded operations
func (command *Command) Serialize() ([]byte, error) {
	ops, err := json.Marshal(command.Ops)
	if err != nil {
		return nil, fmt.Errorf("failed to encode operations: %w", err)
	}

	result := make([]byte, headerSize+len(command.ID)+len(ops))

	// Set operation type
	result[0] = byte(command.Type)

	// Set timestamp
	binary.BigEndian.PutUint64(result[1:9], uint64(command.Timestamp))

	// Set id length (4 bytes, big endian)
	binary.BigEndian.PutUint32(result[9:13], uint32(len(command.ID)))

	// Copy id and operations
	copy(result[headerSize:], command.ID)
	copy(result[headerSize+len(command.ID):], ops)

	return result, nil
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < headerSize {
		return fmt.Errorf("data too short for command")
	}

	command.Type = CommandType(data[0])
	command.Timestamp = int64(binary.BigEndian.Uint64(data[1:9]))

	idLen := binary.BigEndian.Uint32(data[9:13])
	if len(data) < headerSize+int(idLen) {
		return fmt.Errorf("data too short for id of length %d", idLen)
	}
	command.ID = string(data[headerSize : headerSize+int(idLen)])

	command.Ops = nil
	payload := data[headerSize+int(idLen):]
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, &command.Ops); err != nil {
		return fmt.Errorf("failed to decode operations: %w", err)
	}
	return nil
}
