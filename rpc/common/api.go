package common

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/replication"
	"github.com/ValentinKolb/dSync/lib/snapshot"
	"github.com/ValentinKolb/dSync/lib/txn"
)

// Version of the dsync binary and API.
const Version = "0.3.0"

// API routes
const (
	PathCollection   = "/v1/collections/{name}"
	PathDocument     = "/v1/collections/{name}/docs/{id}"
	PathWatch        = "/v1/collections/{name}/watch"
	PathTransactions = "/v1/transactions"
	PathOperations   = "/v1/operations"
	PathStatus       = "/v1/status"
	PathMetrics      = "/metrics"
)

// --------------------------------------------------------------------------
// Messages
// --------------------------------------------------------------------------

// CollectionResponse is the body of GET /v1/collections/{name} and of every
// message sent on the watch stream.
type CollectionResponse struct {
	Collection string           `json:"collection"`
	Version    uint64           `json:"version"`
	Documents  []model.Document `json:"documents"`
}

// NewCollectionResponse converts a snapshot. Documents are copies.
func NewCollectionResponse(s snapshot.Snapshot) CollectionResponse {
	return CollectionResponse{Collection: s.Collection, Version: s.Version, Documents: s.Documents()}
}

// TransactionRequest is the body of POST /v1/transactions.
type TransactionRequest struct {
	Mutations []model.Mutation `json:"mutations"`
}

// TransactionResponse is returned for a committed transaction or operation.
type TransactionResponse struct {
	ID        string                `json:"id"`
	Changed   []string              `json:"changed"`
	Revisions map[string]model.Meta `json:"revisions,omitempty"`
}

// NewTransactionResponse converts a coordinator result.
func NewTransactionResponse(r txn.Result) TransactionResponse {
	resp := TransactionResponse{ID: r.ID, Changed: r.Changed}
	if resp.Changed == nil {
		resp.Changed = []string{}
	}
	if len(r.Revisions) > 0 {
		resp.Revisions = make(map[string]model.Meta, len(r.Revisions))
		for k, m := range r.Revisions {
			resp.Revisions[k.String()] = m
		}
	}
	return resp
}

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Backend     string         `json:"backend"`
	Consistency string         `json:"consistency"`
	State       string         `json:"state"`
	Collections map[string]int `json:"collections"`
	Version     string         `json:"version"`
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Retryable bool   `json:"retryable"`
}

// NewErrorResponse classifies err and returns the matching HTTP status.
func NewErrorResponse(err error) (int, ErrorResponse) {
	var rerr *replication.Error
	if !errors.As(err, &rerr) {
		return http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "internal"}
	}
	resp := ErrorResponse{Error: err.Error(), Code: rerr.Code.String(), Retryable: rerr.Retryable()}
	switch rerr.Code {
	case replication.ErrConflict:
		return http.StatusConflict, resp
	case replication.ErrTransport:
		return http.StatusServiceUnavailable, resp
	case replication.ErrTimeout:
		return http.StatusGatewayTimeout, resp
	case replication.ErrInvalid:
		return http.StatusBadRequest, resp
	case replication.ErrClosed:
		return http.StatusServiceUnavailable, resp
	default:
		return http.StatusInternalServerError, resp
	}
}

// AsError converts an error response back into a typed error.
func (e ErrorResponse) AsError() error {
	for _, code := range []replication.ErrCode{
		replication.ErrTransport, replication.ErrConflict, replication.ErrTimeout,
		replication.ErrInvalid, replication.ErrClosed,
	} {
		if code.String() == e.Code {
			return replication.NewError(code, strings.TrimPrefix(e.Error, e.Code+" error: "), nil)
		}
	}
	return errors.New(e.Error)
}
