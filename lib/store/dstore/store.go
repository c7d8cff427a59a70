package dstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ValentinKolb/dSync/lib/db"
	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/store"
	"github.com/ValentinKolb/dSync/lib/store/dstore/internal"
	"github.com/lni/dragonboat/v4"
	"github.com/lni/dragonboat/v4/client"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	retries = 5
	log     = logger.GetLogger("store")
)

// storeImpl is the concrete implementation of the IStore interface for a raft shard.
// It encapsulates a Dragonboat NodeHost which is used to communicate with the state machine.
type storeImpl struct {
	nh      *dragonboat.NodeHost
	shardID uint64
	cs      *client.Session
	timeout time.Duration
	hub     *store.Hub
}

// NewDistributedStore creates a new distributed store instance which uses raft consensus to ensure strict linearizability
// across multiple nodes. The hub must be the one passed to CreateStateMachineFactory for the same shard.
// The NodeHost is owned by the caller, Close does not stop it.
func NewDistributedStore(nh *dragonboat.NodeHost, shardID uint64, hub *store.Hub, timeout time.Duration) store.IStore {
	cs := nh.GetNoOPSession(shardID)
	return &storeImpl{
		nh:      nh,
		shardID: shardID,
		cs:      cs,
		timeout: timeout,
		hub:     hub,
	}
}

// --------------------------------------------------------------------------
// Internal write and read operations (used by interface methods)
// --------------------------------------------------------------------------

// retryable reports whether a dragonboat error is worth another attempt
func retryable(err error) bool {
	return errors.Is(err, dragonboat.ErrSystemBusy) || errors.Is(err, dragonboat.ErrShardNotReady)
}

// transportError converts dragonboat errors into store errors.
// Everything that prevents the request from reaching a quorum is reported as RetCUnavailable.
func transportError(err error) *store.Error {
	switch {
	case errors.Is(err, dragonboat.ErrTimeout), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &store.Error{Code: store.RetCUnavailable, Msg: "timeout: " + err.Error(), Err: err}
	case errors.Is(err, dragonboat.ErrClosed), errors.Is(err, dragonboat.ErrShardClosed), retryable(err):
		return &store.Error{Code: store.RetCUnavailable, Msg: err.Error(), Err: err}
	default:
		return store.WrapError(store.RetCInternalError, err)
	}
}

// write sends a Command via SyncPropose and decodes the result.
// System busy errors are retried, all other errors are returned as *store.Error.
func (s *storeImpl) write(ctx context.Context, cmd internal.Command) (db.CommitResult, error) {
	data, err := cmd.Serialize()
	if err != nil {
		return db.CommitResult{}, store.WrapError(store.RetCInvalidOperation, err)
	}

	var lastErr error
	for i := 0; i < retries; i++ {
		proposeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		res, err := s.nh.SyncPropose(proposeCtx, s.cs, data)
		cancel()

		// Check for system busy errors
		if retryable(err) {
			lastErr = err
			log.Infof("SyncPropose: %v, retrying (%d/%d)...", err, i+1, retries)
			select {
			case <-time.After(s.timeout / 10):
				continue
			case <-ctx.Done():
				return db.CommitResult{}, transportError(ctx.Err())
			}
		}

		if err != nil {
			return db.CommitResult{}, transportError(err)
		}
		return decodeResult(res.Value, res.Data)
	}
	return db.CommitResult{}, transportError(lastErr)
}

// decodeResult converts the result of a state machine update into a CommitResult or an error
func decodeResult(code uint64, data []byte) (db.CommitResult, error) {
	switch store.RetCode(code) {
	case store.RetCSuccess:
		var result db.CommitResult
		if len(data) > 0 {
			if err := json.Unmarshal(data, &result); err != nil {
				return db.CommitResult{}, store.NewError(store.RetCInternalError, fmt.Sprintf("failed to decode result: %v", err))
			}
		}
		return result, nil
	case store.RetCConflict:
		conflict := &db.ConflictError{}
		if err := json.Unmarshal(data, conflict); err != nil {
			return db.CommitResult{}, store.NewError(store.RetCConflict, string(data))
		}
		return db.CommitResult{}, &store.Error{Code: store.RetCConflict, Msg: conflict.Error(), Err: conflict}
	default:
		return db.CommitResult{}, store.NewError(store.RetCode(code), string(data))
	}
}

// read is a generic helper function that queries the state machine
// and attempts to convert the response into the expected type R.
//
// This function uses the SyncRead function (dragonboat) by default to Query the state machine.
// If linearizability is not required, the stale parameter can be set to true to use the faster StaleRead function.
//
// If the read operation fails due to a system busy error, the function retries up to 5 times.
func read[R any](ctx context.Context, r *storeImpl, q internal.Query, stale bool) (R, error) {
	var zero R
	var lastErr error
	for i := 0; i < retries; i++ {

		var res interface{}
		var err error

		// Query the state machine, use StaleRead if stale is set otherwise use SyncRead (default)
		if stale {
			res, err = r.nh.StaleRead(r.shardID, q)
		} else {
			readCtx, cancel := context.WithTimeout(ctx, r.timeout)
			res, err = r.nh.SyncRead(readCtx, r.shardID, q)
			cancel()
		}

		// Check for system busy errors
		if retryable(err) {
			lastErr = err
			log.Infof("SyncRead: %v, retrying (%d/%d)...", err, i+1, retries)
			time.Sleep(r.timeout / 10)
			continue
		}

		if err != nil {
			var se *store.Error
			if errors.As(err, &se) {
				return zero, se
			}
			return zero, transportError(err)
		}

		// The state machine is expected to return the response in the expected type R.
		casted, ok := res.(R)
		if !ok {
			return zero, store.NewError(store.RetCInternalError,
				fmt.Sprintf("unexpected type: received %T, expected %T", res, zero))
		}
		return casted, nil
	}
	return zero, transportError(lastErr)
}

// --------------------------------------------------------------------------
// Interface Methods (docs see store/interface.go)
// --------------------------------------------------------------------------

func (s *storeImpl) Commit(ctx context.Context, c db.Commit) (db.CommitResult, error) {
	return s.write(ctx, internal.NewCommitCommand(c))
}

func (s *storeImpl) List(ctx context.Context, collection string) ([]model.Record, error) {
	return read[[]model.Record](ctx, s, internal.Query{
		Type:       internal.QueryTList,
		Collection: collection,
	}, false)
}

func (s *storeImpl) Get(ctx context.Context, collection, id string) (model.Record, bool, error) {
	res, err := read[internal.QueryResult](ctx, s, internal.Query{
		Type:       internal.QueryTGet,
		Collection: collection,
		ID:         id,
	}, false)
	if err != nil {
		return model.Record{}, false, err
	}
	return res.Record, res.Ok, nil
}

func (s *storeImpl) Watch(fn store.WatchFunc) func() {
	return s.hub.Add(fn)
}

func (s *storeImpl) GetDBInfo(ctx context.Context) (db.DatabaseInfo, error) {
	return read[db.DatabaseInfo](
		ctx,
		s,
		internal.Query{
			Type: internal.QueryTGetDBInfo,
		},
		true, // Note: allow for stale reads
	)
}

func (s *storeImpl) Close() error {
	return nil
}
