package dstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/dstore/internal"
	sm "github.com/lni/dragonboat/v4/statemachine"
)

// --------------------------------------------------------------------------
// State Machine Implementation
// --------------------------------------------------------------------------

// DocStateMachine is a state machine implementation for Dragonboat RAFT
type DocStateMachine struct {
	replicaID uint64
	shardID   uint64
	database  db.DocDB   // the actual dataStorage
	hub       *store.Hub // receives the events of every applied entry
}

// CreateStateMachineFactory returns a function that can be used by dragonboat to create a new state machine for a node host.
// The factory pattern is used to enable the caller to pass an interchangeable dbFactory.
// The hub is shared with the store client created by NewDistributedStore, so that watchers
// on this node see every commit of the shard.
//
// The state machine is recovered from snapshots and the raft log, the dbFactory should
// therefore return an empty, non-persistent database (memdb or sqlite ":memory:").
func CreateStateMachineFactory(dbFactory store.DBFactory, hub *store.Hub) func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
	return func(shardID uint64, replicaID uint64) sm.IConcurrentStateMachine {
		return &DocStateMachine{
			replicaID: replicaID,
			shardID:   shardID,
			database:  dbFactory(),
			hub:       hub,
		}
	}
}

// Lookup handles read-only queries by mapping each Query operation to the corresponding DocDB method.
func (fsm *DocStateMachine) Lookup(itf interface{}) (interface{}, error) {

	// try to parse Query into Query struct
	q, ok := itf.(internal.Query)
	if !ok {
		return nil, store.NewError(store.RetCInternalError, fmt.Sprintf("invalid Query type: %T", itf))
	}

	// Handle different Query types
	switch q.Type {
	case internal.QueryTList:
		if !fsm.database.SupportsFeature(db.FeatureList) {
			return nil, store.NewError(store.RetCUnsupportedOperation, "List operation is not supported")
		}
		records, err := fsm.database.List(q.Collection)
		if err != nil {
			return nil, store.WrapError(store.RetCInternalError, err)
		}
		return records, nil
	case internal.QueryTGet:
		if !fsm.database.SupportsFeature(db.FeatureGet) {
			return nil, store.NewError(store.RetCUnsupportedOperation, "Get operation is not supported")
		}
		rec, ok, err := fsm.database.Get(q.Collection, q.ID)
		if err != nil {
			return nil, store.WrapError(store.RetCInternalError, err)
		}
		return internal.QueryResult{
			Record: rec,
			Ok:     ok,
		}, nil
	case internal.QueryTGetDBInfo:
		return fsm.database.GetInfo(), nil
	default:
		return nil, store.NewError(store.RetCInvalidOperation, fmt.Sprintf("unknown Query operation: %d", q.Type))
	}
}

// Update handles write commands on the DocDB instance
// All write operations are serialized into []byte and are accessible via the entries struct.
// The raft index of an entry is the revision of every document written by it.
func (fsm *DocStateMachine) Update(entries []sm.Entry) ([]sm.Entry, error) {

	// Nothing to do
	if len(entries) == 0 {
		return entries, nil
	}

	// Stats
	start := time.Now()

	for idx, e := range entries {
		entries[idx].Result = fsm.apply(e)
	}

	// Log if the update took long
	if elapsed := time.Since(start); elapsed > time.Millisecond {
		log.Infof("Statemachine took long to update. Batch updated %d entries, took %.2fms", len(entries), float64(elapsed)/float64(time.Millisecond))
	}
	return entries, nil
}

// apply executes a single log entry and returns its result
func (fsm *DocStateMachine) apply(e sm.Entry) sm.Result {
	if len(e.Cmd) == 0 {
		return sm.Result{Value: uint64(store.RetCInvalidOperation), Data: []byte("empty command ignored")}
	}

	// entries that are already part of the database (replay after restart) are skipped
	if e.Index <= fsm.database.WriteIdx() {
		return sm.Result{Value: uint64(store.RetCSuccess)}
	}

	// Deserialize the command
	cmd := internal.Command{}
	if err := cmd.Deserialize(e.Cmd); err != nil {
		return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(fmt.Sprintf("failed to deserialize command: %v", err))}
	}

	// Check if the db supports the operation
	feat, err := cmd.Type.ToDBFeature()
	if err != nil {
		return sm.Result{
			Value: uint64(store.RetCInvalidOperation),
			Data:  []byte(fmt.Sprintf("unknown Command operation: %s", cmd.Type)),
		}
	}
	if !fsm.database.SupportsFeature(feat) {
		return sm.Result{
			Value: uint64(store.RetCUnsupportedOperation),
			Data:  []byte(fmt.Sprintf("%s operation is not supported", cmd.Type)),
		}
	}

	res, err := fsm.database.Commit(cmd.ToCommit(), e.Index)
	var conflict *db.ConflictError
	switch {
	case errors.As(err, &conflict):
		data, _ := json.Marshal(conflict)
		log.Debugf("commit %s rejected at index %d: %v", cmd.ID, e.Index, conflict)
		return sm.Result{Value: uint64(store.RetCConflict), Data: data}
	case err != nil:
		return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(err.Error())}
	}

	fsm.hub.Emit(res.Events)

	data, err := json.Marshal(res)
	if err != nil {
		return sm.Result{Value: uint64(store.RetCInternalError), Data: []byte(fmt.Sprintf("failed to encode result: %v", err))}
	}
	return sm.Result{Value: uint64(store.RetCSuccess), Data: data}
}

// PrepareSnapshot is not used. We don't need to prepare anything since we use fuzzy snapshotting
func (fsm *DocStateMachine) PrepareSnapshot() (interface{}, error) {
	return nil, nil
}

// SaveSnapshot saves a db snapshot to the writer
func (fsm *DocStateMachine) SaveSnapshot(_ interface{}, writer io.Writer, _ sm.ISnapshotFileCollection, _ <-chan struct{}) error {
	if !fsm.database.SupportsFeature(db.FeatureSave) {
		return fmt.Errorf("the used DocDB implementation does not support Save() operations")
	}
	return fsm.database.Save(writer)
}

// RecoverFromSnapshot replaces the database with the snapshot and tells all watchers
// to re-read their collections.
func (fsm *DocStateMachine) RecoverFromSnapshot(r io.Reader, _ []sm.SnapshotFile, _ <-chan struct{}) error {
	if !fsm.database.SupportsFeature(db.FeatureLoad) {
		return fmt.Errorf("the used DocDB implementation does not support Load() operations")
	}
	if err := fsm.database.Load(r); err != nil {
		return err
	}
	fsm.hub.Emit([]db.Event{{Type: db.EventTReset}})
	return nil
}

// Close performs any necessary cleanup.
func (fsm *DocStateMachine) Close() error {
	return fsm.database.Close()
}
