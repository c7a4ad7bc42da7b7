package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vecgate/vecgate/internal/debug"
)

// Collection is the backend's collection record as returned by the
// collections listing and creation endpoints.
type Collection struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata"`
}

// BackendError is a non-2xx response from an instance, preserved so the
// proxy can relay upstream status codes verbatim.
type BackendError struct {
	Status int
	Body   string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend status %d: %s", e.Status, truncate(e.Body, 200))
}

// ErrNotFound is the 404 case, returned typed so DELETE idempotence checks
// read naturally.
var ErrNotFound = errors.New("collection not found")

// Client issues requests against backend instances. A single Client is
// shared by every component; it is safe for concurrent use.
type Client struct {
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient builds a client with the configured per-call timeout.
func NewClient(timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        50,
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		timeout: timeout,
	}
}

// Do issues one request to an instance. The response body is NOT read;
// callers own it. Transport failures update the instance's rolling
// counters; semantic non-2xx responses do not (the instance is up).
func (c *Client) Do(ctx context.Context, inst *Instance, method, path string, body []byte, header http.Header) (*http.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, inst.BaseURL+path, rdr)
	if err != nil {
		cancel()
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		cancel()
		inst.RecordFailure()
		return nil, err
	}
	inst.RecordSuccess()
	// Tie the cancel to body close so the caller can stream.
	resp.Body = &cancelingBody{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

type cancelingBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelingBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}

// DoRead issues a request and fully reads the response. Transient failures
// (connection errors, 502/503/504, timeouts) are retried with exponential
// backoff within a small budget; other statuses return immediately.
func (c *Client) DoRead(ctx context.Context, inst *Instance, method, path string, body []byte, header http.Header) (int, []byte, error) {
	var status int
	var respBody []byte

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxElapsedTime = 8 * time.Second

	err := backoff.Retry(func() error {
		resp, err := c.Do(ctx, inst, method, path, body, header)
		if err != nil {
			if isTransportTransient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()
		b, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		if err != nil {
			return err // truncated read, retry
		}
		status = resp.StatusCode
		respBody = b
		if IsTransientStatus(status) {
			return fmt.Errorf("transient backend status %d", status)
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if err != nil && status == 0 {
		return 0, nil, err
	}
	return status, respBody, nil
}

// IsTransientStatus reports the status codes retried as transient.
func IsTransientStatus(code int) bool {
	return code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable ||
		code == http.StatusGatewayTimeout
}

func isTransportTransient(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"connection refused", "connection reset", "broken pipe", "eof", "no such host"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// ListCollections fetches the instance's collection listing.
func (c *Client) ListCollections(ctx context.Context, inst *Instance, tenant, database string) ([]Collection, error) {
	status, body, err := c.DoRead(ctx, inst, "GET", CollectionsPath(tenant, database), nil, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &BackendError{Status: status, Body: string(body)}
	}
	var cols []Collection
	if err := json.Unmarshal(body, &cols); err != nil {
		return nil, fmt.Errorf("parse collections listing: %w", err)
	}
	return cols, nil
}

// FindCollection locates a collection by name in the instance's listing.
// Returns ErrNotFound when absent.
func (c *Client) FindCollection(ctx context.Context, inst *Instance, tenant, database, name string) (*Collection, error) {
	cols, err := c.ListCollections(ctx, inst, tenant, database)
	if err != nil {
		return nil, err
	}
	for i := range cols {
		if cols[i].Name == name {
			return &cols[i], nil
		}
	}
	return nil, ErrNotFound
}

// CreateCollection creates (or get_or_create's) a collection on one
// instance and returns the instance-local record. A 409 is reported with
// the status so callers can apply CREATE idempotence.
func (c *Client) CreateCollection(ctx context.Context, inst *Instance, tenant, database, name string, metadata map[string]any, getOrCreate bool) (*Collection, int, error) {
	reqBody, _ := json.Marshal(map[string]any{
		"name":          name,
		"metadata":      metadata,
		"get_or_create": getOrCreate,
	})
	status, body, err := c.DoRead(ctx, inst, "POST", CollectionsPath(tenant, database), reqBody, nil)
	if err != nil {
		return nil, 0, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, status, &BackendError{Status: status, Body: string(body)}
	}
	var col Collection
	if err := json.Unmarshal(body, &col); err != nil {
		return nil, status, fmt.Errorf("parse create response: %w", err)
	}
	return &col, status, nil
}

// DeleteCollection deletes by name or UUID. 404 is returned as a status,
// not an error; DELETE is idempotent at this layer's callers.
func (c *Client) DeleteCollection(ctx context.Context, inst *Instance, tenant, database, idOrName string) (int, error) {
	p := ParsedPath{Tenant: tenant, Database: database, CollectionID: idOrName}
	status, body, err := c.DoRead(ctx, inst, "DELETE", p.String(), nil, nil)
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK && status != http.StatusNoContent && status != http.StatusNotFound {
		return status, &BackendError{Status: status, Body: string(body)}
	}
	return status, nil
}

// GetMetadatas fetches the metadata records for specific document IDs,
// used by the WAL engine's deletion conversion.
func (c *Client) GetMetadatas(ctx context.Context, inst *Instance, tenant, database, collectionUUID string, ids []string) ([]map[string]any, error) {
	p := ParsedPath{Tenant: tenant, Database: database, CollectionID: collectionUUID, Op: OpGet}
	reqBody, _ := json.Marshal(map[string]any{
		"ids":     ids,
		"include": []string{"metadatas"},
	})
	status, body, err := c.DoRead(ctx, inst, "POST", p.String(), reqBody, nil)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, &BackendError{Status: status, Body: string(body)}
	}
	var parsed struct {
		Metadatas []map[string]any `json:"metadatas"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("parse get response: %w", err)
	}
	return parsed.Metadatas, nil
}

// Probe checks instance liveness: the collections listing must return 200
// and parse as a JSON array. Uses its own timeout, independent of the
// client's request timeout.
func (c *Client) Probe(ctx context.Context, inst *Instance, timeout time.Duration) error {
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, "GET",
		inst.BaseURL+CollectionsPath(DefaultTenant, DefaultDatabase), nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		debug.Logf("probe %s: %v\n", inst.Name, err)
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return &BackendError{Status: resp.StatusCode}
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return err
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(body, &arr); err != nil {
		return fmt.Errorf("probe response is not a JSON array: %w", err)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
