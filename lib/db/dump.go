package db

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ValentinKolb/dSync/lib/model"
)

const (
	magicNum    = "DSYNCDB\x00" // File format identifier
	dumpVersion = 1
)

// Dump is the engine independent serialized state of a DocDB.
type Dump struct {
	Version     int                       `json:"version"`
	WriteIdx    uint64                    `json:"write_idx"`
	Order       []string                  `json:"order"`
	Collections map[string][]model.Record `json:"collections"`
}

// WriteDump writes a dump with a magic header to w.
func WriteDump(w io.Writer, d Dump) error {
	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString(magicNum); err != nil {
		return err
	}
	d.Version = dumpVersion
	if err := json.NewEncoder(bw).Encode(d); err != nil {
		return err
	}
	return bw.Flush()
}

// ReadDump reads a dump written by WriteDump.
func ReadDump(r io.Reader) (Dump, error) {
	var d Dump
	br := bufio.NewReader(r)
	header := make([]byte, len(magicNum))
	if _, err := io.ReadFull(br, header); err != nil {
		return d, fmt.Errorf("failed to read header: %w", err)
	}
	if string(header) != magicNum {
		return d, fmt.Errorf("invalid file format")
	}
	if err := json.NewDecoder(br).Decode(&d); err != nil {
		return d, fmt.Errorf("failed to decode dump: %w", err)
	}
	if d.Version != dumpVersion {
		return d, fmt.Errorf("unsupported dump version %d", d.Version)
	}
	if d.Collections == nil {
		d.Collections = map[string][]model.Record{}
	}
	return d, nil
}

// ApplyOp computes the effect of a single operation on the current record of a document.
// It returns the new record, whether the document exists afterwards and whether anything changed.
// Shared by all engines so that Set/Update/Delete semantics are identical everywhere.
func ApplyOp(op Op, current model.Record, exists bool, writeIndex uint64, ts int64) (next model.Record, nextExists bool, changed bool) {
	now := timeFromNanos(ts)
	switch op.Type {
	case model.OpSet:
		next = model.Record{Doc: op.Data.Clone(), Meta: model.Meta{Revision: writeIndex, CreateTime: now, UpdateTime: now}}
		if exists {
			next.Meta.CreateTime = current.Meta.CreateTime
		}
		return next, true, true
	case model.OpUpdate:
		if !exists {
			return current, false, false
		}
		next = model.Record{Doc: current.Doc.Merge(op.Data).Clone(), Meta: current.Meta}
		next.Meta.Revision = writeIndex
		next.Meta.UpdateTime = now
		return next, true, true
	case model.OpDelete:
		if !exists {
			return current, false, false
		}
		return model.Record{}, false, true
	default:
		return current, exists, false
	}
}

// CheckBase validates the base revisions of all operations against the state before
// the commit. lookup returns the current revision of a document (0 if absent).
func CheckBase(c Commit, lookup func(collection, id string) (uint64, error)) error {
	for _, op := range c.Ops {
		rev, err := lookup(op.Collection, op.ID)
		if err != nil {
			return err
		}
		if rev != op.BaseRevision {
			return &ConflictError{Collection: op.Collection, ID: op.ID, Expected: op.BaseRevision, Actual: rev}
		}
	}
	return nil
}
