// Package connector provides Remote Connector implementations: a REST/JSON
// client for a real backend and an in-process remote for tests and demos.
package connector

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/meetsync/internal/errors"
	"github.com/kimhsiao/meetsync/internal/models"
)

// HTTPConfig holds HTTP connector configuration.
type HTTPConfig struct {
	BaseURL   string
	Token     string
	Timeout   time.Duration
	UserAgent string
}

// HTTPConnector talks to the remote store over REST:
//
//	PUT    /v1/collections/{c}/records/{id}   create or update
//	DELETE /v1/collections/{c}/records/{id}   delete
//	GET    /v1/collections/{c}/records/{id}   current state, 404 when absent
//	GET    /v1/collections/{c}/changes?since= records changed after a cursor
//	GET    /v1/health                         reachability
type HTTPConnector struct {
	baseURL   *url.URL
	token     string
	userAgent string
	client    *http.Client
}

type pushRequest struct {
	ItemID         string                 `json:"item_id"`
	Operation      models.OperationType   `json:"operation"`
	Payload        map[string]interface{} `json:"payload,omitempty"`
	LocalVersion   int64                  `json:"local_version"`
	LocalUpdatedAt int64                  `json:"local_updated_at"`
}

type changesResponse struct {
	Records []*models.RemoteRecordState `json:"records"`
}

// NewHTTPConnector creates an HTTPConnector.
func NewHTTPConnector(cfg HTTPConfig) (*HTTPConnector, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, apperrors.New(apperrors.ErrSyncNotConfigured, "remote base URL is empty")
	}
	u, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, fmt.Sprintf("invalid remote base URL %q", cfg.BaseURL), err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "meetsync"
	}

	return &HTTPConnector{
		baseURL:   u,
		token:     cfg.Token,
		userAgent: cfg.UserAgent,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Client returns the underlying HTTP client.
func (c *HTTPConnector) Client() *http.Client {
	return c.client
}

func (c *HTTPConnector) recordURL(collection, recordID string) string {
	return c.baseURL.String() + "/v1/collections/" + url.PathEscape(collection) + "/records/" + url.PathEscape(recordID)
}

func (c *HTTPConnector) newRequest(ctx context.Context, method, target string, body interface{}) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Permanent(fmt.Errorf("encode request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, apperrors.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

// do executes req and returns the response when the status is 2xx or one
// of allowed. Transport failures are transient.
func (c *HTTPConnector) do(req *http.Request, allowed ...int) (*http.Response, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, apperrors.Transient(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	for _, code := range allowed {
		if resp.StatusCode == code {
			return resp, nil
		}
	}

	defer resp.Body.Close()
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return nil, classifyStatus(resp.StatusCode,
		fmt.Errorf("%s %s: %s: %s", req.Method, req.URL.Path, resp.Status, strings.TrimSpace(string(msg))))
}

// classifyStatus maps an HTTP status to a transient or permanent error.
// Version preconditions (409, 412) are transient: the next sweep re-runs
// conflict detection against the newer remote state.
func classifyStatus(status int, err error) error {
	switch {
	case status >= 500,
		status == http.StatusRequestTimeout,
		status == http.StatusConflict,
		status == http.StatusPreconditionFailed,
		status == http.StatusTooManyRequests:
		return apperrors.Transient(err)
	default:
		return apperrors.Permanent(err)
	}
}

func decodeState(resp *http.Response) (*models.RemoteRecordState, error) {
	defer resp.Body.Close()

	var state models.RemoteRecordState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return nil, apperrors.Transient(fmt.Errorf("decode remote state: %w", err))
	}
	return &state, nil
}

// Push applies one queued mutation remotely.
func (c *HTTPConnector) Push(ctx context.Context, item *models.QueueItem) (*models.RemoteRecordState, error) {
	target := c.recordURL(item.Collection, item.RecordID)

	var (
		req *http.Request
		err error
	)
	if item.Operation == models.OperationDelete {
		req, err = c.newRequest(ctx, http.MethodDelete, target, nil)
	} else {
		req, err = c.newRequest(ctx, http.MethodPut, target, &pushRequest{
			ItemID:         item.ItemID,
			Operation:      item.Operation,
			Payload:        item.Payload,
			LocalVersion:   item.LocalVersion,
			LocalUpdatedAt: item.LocalUpdatedAt,
		})
	}
	if err != nil {
		return nil, err
	}

	req.Header.Set("Idempotency-Key", item.ItemID)
	switch {
	case item.BaseVersion > 0:
		req.Header.Set("If-Match", strconv.FormatInt(item.BaseVersion, 10))
	case item.Operation == models.OperationCreate:
		req.Header.Set("If-None-Match", "*")
	}

	if item.Operation == models.OperationDelete {
		resp, err := c.do(req, http.StatusNotFound)
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		return &models.RemoteRecordState{
			RecordID:   item.RecordID,
			Collection: item.Collection,
			Deleted:    true,
		}, nil
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	state, err := decodeState(resp)
	if err != nil {
		return nil, err
	}
	if state.RecordID == "" {
		state.RecordID = item.RecordID
	}
	if state.Collection == "" {
		state.Collection = item.Collection
	}
	return state, nil
}

// FetchRemoteState returns the record's current remote state, or nil when it
// does not exist remotely.
func (c *HTTPConnector) FetchRemoteState(ctx context.Context, collection, recordID string) (*models.RemoteRecordState, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.recordURL(collection, recordID), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req, http.StatusNotFound, http.StatusGone)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		resp.Body.Close()
		return nil, nil
	}

	state, err := decodeState(resp)
	if err != nil {
		return nil, err
	}
	if state.Deleted {
		return nil, nil
	}
	if state.Collection == "" {
		state.Collection = collection
	}
	return state, nil
}

// IsReachable probes the health endpoint.
func (c *HTTPConnector) IsReachable(ctx context.Context) bool {
	req, err := c.newRequest(ctx, http.MethodGet, c.baseURL.String()+"/v1/health", nil)
	if err != nil {
		return false
	}
	resp, err := c.do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

// PullChanges returns records of a collection changed remotely after since
// (unix ms).
func (c *HTTPConnector) PullChanges(ctx context.Context, collection string, since int64) ([]*models.RemoteRecordState, error) {
	target := c.baseURL.String() + "/v1/collections/" + url.PathEscape(collection) +
		"/changes?since=" + strconv.FormatInt(since, 10)
	req, err := c.newRequest(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body changesResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, apperrors.Transient(fmt.Errorf("decode changes: %w", err))
	}
	for _, r := range body.Records {
		if r.Collection == "" {
			r.Collection = collection
		}
	}
	return body.Records, nil
}
