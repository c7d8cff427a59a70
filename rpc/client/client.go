package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ValentinKolb/dSync/lib/model"
	"github.com/ValentinKolb/dSync/lib/serializer"
	"github.com/ValentinKolb/dSync/lib/txn"
	"github.com/ValentinKolb/dSync/rpc/common"
	"github.com/cenkalti/backoff"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	Logger = logger.GetLogger("client")
)

// Client talks to the HTTP API of a dsync server. It is safe for concurrent use.
type Client struct {
	config common.ClientConfig
	base   *url.URL
	http   *http.Client
	ser    serializer.ISerializer
}

// NewClient creates a client for config.Endpoint (e.g. http://localhost:8080).
func NewClient(config common.ClientConfig) (*Client, error) {
	endpoint := config.Endpoint
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	base, err := url.Parse(strings.TrimSuffix(endpoint, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", config.Endpoint, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid endpoint %q: scheme must be http or https", config.Endpoint)
	}
	ser, err := serializer.New(config.Serializer)
	if err != nil {
		return nil, err
	}
	if config.TimeoutSecond <= 0 {
		config.TimeoutSecond = 10
	}
	return &Client{
		config: config,
		base:   base,
		http:   &http.Client{Timeout: time.Duration(config.TimeoutSecond) * time.Second},
		ser:    ser,
	}, nil
}

// --------------------------------------------------------------------------
// Reads
// --------------------------------------------------------------------------

// Collection returns the current content of a collection.
func (c *Client) Collection(ctx context.Context, name string) (common.CollectionResponse, error) {
	var resp common.CollectionResponse
	err := c.get(ctx, "/v1/collections/"+url.PathEscape(name), &resp)
	return resp, err
}

// Document returns a single document. The boolean is false if it does not exist.
func (c *Client) Document(ctx context.Context, collection, id string) (model.Document, bool, error) {
	var doc model.Document
	err := c.get(ctx, "/v1/collections/"+url.PathEscape(collection)+"/docs/"+url.PathEscape(id), &doc)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound && apiErr.Response.Code == "not_found" {
			return nil, false, nil
		}
		return nil, false, err
	}
	return doc, true, nil
}

// Status returns the status of the server.
func (c *Client) Status(ctx context.Context) (common.StatusResponse, error) {
	var resp common.StatusResponse
	err := c.get(ctx, common.PathStatus, &resp)
	return resp, err
}

// --------------------------------------------------------------------------
// Writes
// --------------------------------------------------------------------------

// Apply executes the mutations as one transaction on the server.
// Writes are never retried, a failed transaction returns the typed replication error
// (see common.ErrorResponse.AsError), so replication.IsConflict works on the result.
func (c *Client) Apply(ctx context.Context, muts ...model.Mutation) (common.TransactionResponse, error) {
	var resp common.TransactionResponse
	err := c.post(ctx, common.PathTransactions, common.TransactionRequest{Mutations: muts}, &resp)
	return resp, err
}

// Execute runs a single operation descriptor on the server.
func (c *Client) Execute(ctx context.Context, d txn.Descriptor) (common.TransactionResponse, error) {
	var resp common.TransactionResponse
	err := c.post(ctx, common.PathOperations, d, &resp)
	return resp, err
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// APIError is returned for responses that are neither a success nor a typed replication error.
type APIError struct {
	Status   int
	Response common.ErrorResponse
}

func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Response.Error)
}

// get fetches path, retrying transport errors and 5xx responses up to RetryCount times
func (c *Client) get(ctx context.Context, path string, out any) error {
	attempt := 0
	op := func() error {
		attempt++
		err := c.do(ctx, http.MethodGet, path, nil, out)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if (errors.As(err, &apiErr) && apiErr.Status < 500) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		Logger.Debugf("GET %s failed (attempt %d): %v", path, attempt, err)
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	retries := c.config.RetryCount
	if retries < 0 {
		retries = 0
	}
	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx))
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	data, err := c.ser.Serialize(body)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, data, out)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", c.ser.ContentType())
	if body != nil {
		req.Header.Set("Content-Type", c.ser.ContentType())
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	ser := serializer.ForContentType(resp.Header.Get("Content-Type"))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ser.Deserialize(data, out)
	}

	var errResp common.ErrorResponse
	if err := ser.Deserialize(data, &errResp); err != nil || errResp.Code == "" {
		return &APIError{Status: resp.StatusCode, Response: common.ErrorResponse{Error: strings.TrimSpace(string(data)), Code: "internal"}}
	}
	switch resp.StatusCode {
	case http.StatusConflict, http.StatusBadRequest, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		if method == http.MethodPost {
			return errResp.AsError()
		}
	}
	return &APIError{Status: resp.StatusCode, Response: errResp}
}
