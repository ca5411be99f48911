// Package httpstore talks to the hub over HTTP and implements the sync engine's
// remote store.
package httpstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/sigerd/fieldsync/internal/records"
	"github.com/sigerd/fieldsync/internal/syncengine"
	"go.uber.org/zap"
)

const (
	defaultTimeout  = 15 * time.Second
	defaultPageSize = 500
	maxErrorBody    = 4 << 10
)

var errMissingBaseURL = errors.New("httpstore: base url is required")

// Config describes the hub endpoint.
type Config struct {
	BaseURL string
	// Token is sent as a bearer token on every request.
	Token      string
	Timeout    time.Duration
	PageSize   int
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// Client is a syncengine.RemoteStore backed by the hub HTTP API.
type Client struct {
	baseURL  *url.URL
	token    string
	pageSize int
	http     *http.Client
	logger   *zap.Logger
}

func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil {
		return nil, fmt.Errorf("httpstore: parse base url: %w", err)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:  base,
		token:    strings.TrimSpace(cfg.Token),
		pageSize: pageSize,
		http:     httpClient,
		logger:   logger,
	}, nil
}

type wireRecord struct {
	RemoteID  string          `json:"remoteId,omitempty"`
	LocalKey  string          `json:"localKey,omitempty"`
	HumanID   string          `json:"humanId,omitempty"`
	Status    string          `json:"status"`
	CreatedAt time.Time       `json:"createdAt"`
	UpdatedAt time.Time       `json:"updatedAt"`
	SyncedAt  *time.Time      `json:"syncedAt,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type pullResponse struct {
	Records []wireRecord `json:"records"`
}

type humanIDsResponse struct {
	HumanIDs []string `json:"humanIds"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func (c *Client) Push(ctx context.Context, record records.Record) (syncengine.PushResult, error) {
	payload, err := toWirePayload(record.Payload)
	if err != nil {
		return syncengine.PushResult{}, &syncengine.RejectedError{Reason: err.Error()}
	}
	body := wireRecord{
		RemoteID:  record.RemoteID,
		LocalKey:  record.IdentityKey(),
		HumanID:   record.HumanID,
		Status:    string(record.Status),
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.UpdatedAt,
		Payload:   payload,
	}
	var echoed wireRecord
	if err := c.do(ctx, http.MethodPost, c.recordsPath(record.EntityType), nil, body, &echoed); err != nil {
		return syncengine.PushResult{}, err
	}
	return syncengine.PushResult{RemoteID: echoed.RemoteID, UpdatedAt: echoed.UpdatedAt}, nil
}

// PullSince follows the hub's pages until a short page is returned.
func (c *Client) PullSince(ctx context.Context, entityType records.EntityType, watermark time.Time) ([]syncengine.RemoteRecord, error) {
	var out []syncengine.RemoteRecord
	since := watermark
	for {
		query := url.Values{"limit": []string{strconv.Itoa(c.pageSize)}}
		if !since.IsZero() {
			query.Set("since", since.UTC().Format(time.RFC3339Nano))
		}
		var page pullResponse
		if err := c.do(ctx, http.MethodGet, c.recordsPath(entityType), query, nil, &page); err != nil {
			return nil, err
		}
		for _, wire := range page.Records {
			remote := c.toRemoteRecord(entityType, wire)
			out = append(out, remote)
			if remote.SyncedAt.After(since) {
				since = remote.SyncedAt
			}
		}
		if len(page.Records) < c.pageSize {
			return out, nil
		}
	}
}

// Delete tombstones the record on the hub. An unknown remote id is treated as
// already deleted.
func (c *Client) Delete(ctx context.Context, entityType records.EntityType, remoteID string) error {
	err := c.do(ctx, http.MethodDelete, c.recordsPath(entityType)+"/"+url.PathEscape(remoteID), nil, nil, nil)
	var statusErr *statusError
	if errors.As(err, &statusErr) && statusErr.status == http.StatusNotFound {
		return nil
	}
	return err
}

func (c *Client) HumanIDs(ctx context.Context, entityType records.EntityType, year int) ([]string, error) {
	query := url.Values{"year": []string{strconv.Itoa(year)}}
	var response humanIDsResponse
	if err := c.do(ctx, http.MethodGet, c.recordsPath(entityType)+"/human-ids", query, nil, &response); err != nil {
		return nil, err
	}
	return response.HumanIDs, nil
}

func (c *Client) recordsPath(entityType records.EntityType) string {
	return "/v1/records/" + url.PathEscape(entityType.String())
}

func (c *Client) toRemoteRecord(entityType records.EntityType, wire wireRecord) syncengine.RemoteRecord {
	payload, err := fromWirePayload(wire.Payload)
	if err != nil {
		// Passed through untouched; the sync engine skips payloads it cannot decode.
		c.logger.Warn("remote payload is not valid json",
			zap.String("entity_type", entityType.String()),
			zap.String("remote_id", wire.RemoteID),
			zap.Error(err))
		payload = wire.Payload
	}
	remote := syncengine.RemoteRecord{
		RemoteID:   wire.RemoteID,
		EntityType: entityType,
		HumanID:    wire.HumanID,
		LocalKey:   wire.LocalKey,
		Status:     records.Status(wire.Status),
		CreatedAt:  wire.CreatedAt,
		UpdatedAt:  wire.UpdatedAt,
		Payload:    payload,
	}
	if wire.SyncedAt != nil {
		remote.SyncedAt = *wire.SyncedAt
	}
	return remote
}

// statusError is an unexpected HTTP status before classification.
type statusError struct {
	status int
	code   string
	detail string
}

func (e *statusError) Error() string {
	if e.detail != "" {
		return fmt.Sprintf("hub responded %d %s: %s", e.status, e.code, e.detail)
	}
	return fmt.Sprintf("hub responded %d %s", e.status, e.code)
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	endpoint := *c.baseURL
	endpoint.Path = strings.TrimRight(endpoint.Path, "/") + path
	if query != nil {
		endpoint.RawQuery = query.Encode()
	}

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return &syncengine.RejectedError{Reason: err.Error()}
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return &syncengine.TransportError{Err: err}
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	request.Header.Set("Accept", "application/json")
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.http.Do(request)
	if err != nil {
		c.logger.Debug("hub request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return &syncengine.TransportError{Err: err}
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		if out == nil || response.StatusCode == http.StatusNoContent {
			_, _ = io.Copy(io.Discard, response.Body)
			return nil
		}
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return &syncengine.TransportError{Err: fmt.Errorf("decode %s %s response: %w", method, path, err)}
		}
		return nil
	}
	return classify(response)
}

// classify maps an error status to the sync engine taxonomy: the hub being
// unreachable, overloaded or refusing our credentials is a transport problem,
// everything else is a rejection of the record itself.
func classify(response *http.Response) error {
	statusErr := &statusError{status: response.StatusCode}
	raw, _ := io.ReadAll(io.LimitReader(response.Body, maxErrorBody))
	var parsed errorResponse
	if json.Unmarshal(raw, &parsed) == nil {
		statusErr.code = parsed.Error
		statusErr.detail = parsed.Detail
	}
	switch {
	case response.StatusCode >= 500,
		response.StatusCode == http.StatusUnauthorized,
		response.StatusCode == http.StatusForbidden,
		response.StatusCode == http.StatusTooManyRequests,
		response.StatusCode == http.StatusRequestTimeout:
		return &syncengine.TransportError{Err: statusErr}
	default:
		return &syncengine.RejectedError{Reason: statusErr.Error(), Err: statusErr}
	}
}
