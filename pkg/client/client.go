// Package client talks to the changefeed hub: it posts detected changes,
// reads progress and stats, and provides the long-lived event consumers.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fruitsalade/changefeed/internal/logging"
	"github.com/fruitsalade/changefeed/pkg/protocol"
	"github.com/fruitsalade/changefeed/pkg/retry"
)

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
	Logger      *zap.Logger
}

// Client is an HTTP client for the hub API.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	stream      *http.Client
	retryConfig retry.Config
	logger      *zap.Logger

	mu        sync.RWMutex
	authToken string
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: &http.Client{Timeout: cfg.Timeout, Transport: transport},
		// Streams stay open until the server ends them.
		stream:      &http.Client{Transport: transport},
		retryConfig: cfg.RetryConfig,
		logger:      logging.Named(cfg.Logger, "client"),
		authToken:   cfg.AuthToken,
	}
}

// BaseURL returns the hub base URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

func (c *Client) token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.authToken
}

func (c *Client) applyAuth(req *http.Request) {
	if t := c.token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}
}

// WebSocketURL returns the hub websocket endpoint with the scheme rewritten
// to ws/wss.
func (c *Client) WebSocketURL() (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse hub url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported hub url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/api/v1/ws"
	return u.String(), nil
}

// Ping checks if the hub is reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %d", resp.StatusCode)
	}
	return nil
}

// IngestError describes a batch the hub did not accept.
type IngestError struct {
	ProjectID  string
	Changes    int
	StatusCode int // 0 when the request never reached the hub
	Err        error
}

func (e *IngestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ingest %d changes for %s: server returned %d: %v", e.Changes, e.ProjectID, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("ingest %d changes for %s: %v", e.Changes, e.ProjectID, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// PostChanges sends one batch to the ingestion endpoint. There is no retry;
// the caller decides what a failed batch means.
func (c *Client) PostChanges(ctx context.Context, projectID string, changes []protocol.FileChange) (*protocol.FilesUpdateResponse, error) {
	body, err := json.Marshal(protocol.FilesUpdateRequest{Changes: changes})
	if err != nil {
		return nil, &IngestError{ProjectID: projectID, Changes: len(changes), Err: err}
	}

	u := c.baseURL + "/api/v1/projects/" + url.PathEscape(projectID) + "/files/update"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, &IngestError{ProjectID: projectID, Changes: len(changes), Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &IngestError{ProjectID: projectID, Changes: len(changes), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &IngestError{
			ProjectID:  projectID,
			Changes:    len(changes),
			StatusCode: resp.StatusCode,
			Err:        readError(resp.Body),
		}
	}

	var out protocol.FilesUpdateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &IngestError{ProjectID: projectID, Changes: len(changes), StatusCode: resp.StatusCode, Err: err}
	}
	return &out, nil
}

// Ingest posts a batch and logs the outcome. A failed batch is dropped.
func (c *Client) Ingest(ctx context.Context, projectID string, changes []protocol.FileChange) {
	if len(changes) == 0 {
		return
	}
	for start := 0; start < len(changes); start += protocol.MaxChangesPerRequest {
		end := min(start+protocol.MaxChangesPerRequest, len(changes))
		resp, err := c.PostChanges(ctx, projectID, changes[start:end])
		if err != nil {
			c.logger.Warn("dropping change batch", logging.Project(projectID), zap.Error(err))
			continue
		}
		c.logger.Debug("change batch ingested",
			logging.Project(projectID),
			zap.Int("sent", end-start),
			zap.Int("processed", resp.ChangesProcessed),
		)
	}
}

// Progress fetches the current progress of a project once.
func (c *Client) Progress(ctx context.Context, projectID string) (protocol.ProgressEvent, error) {
	var ev protocol.ProgressEvent
	err := c.getJSON(ctx, "/api/v1/projects/"+url.PathEscape(projectID)+"/progress", &ev)
	return ev, err
}

// ReportProgress posts a progress report for a project.
func (c *Client) ReportProgress(ctx context.Context, projectID string, report protocol.ProgressReport) (protocol.ProgressEvent, error) {
	var ev protocol.ProgressEvent
	body, err := json.Marshal(report)
	if err != nil {
		return ev, err
	}
	u := c.baseURL + "/api/v1/projects/" + url.PathEscape(projectID) + "/progress"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return ev, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return ev, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return ev, fmt.Errorf("server returned %d: %w", resp.StatusCode, readError(resp.Body))
	}
	err = json.NewDecoder(resp.Body).Decode(&ev)
	return ev, err
}

// Stats fetches hub connection statistics, retrying on server errors.
func (c *Client) Stats(ctx context.Context) (protocol.HubStats, error) {
	var stats protocol.HubStats
	err := retry.Do(ctx, c.retryConfig, func() error {
		return c.getJSON(ctx, "/api/v1/hub/stats", &stats)
	})
	return stats, err
}

// Events lists recorded events of a project with a sequence above since.
func (c *Client) Events(ctx context.Context, projectID string, since int64, limit int) ([]protocol.SyncEvent, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var events []protocol.SyncEvent
	err := retry.Do(ctx, c.retryConfig, func() error {
		return c.getJSON(ctx, "/api/v1/projects/"+url.PathEscape(projectID)+"/events?"+q.Encode(), &events)
	})
	return events, err
}

// getJSON performs a GET and decodes the body. 5xx and transport errors are
// marked retryable.
func (c *Client) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return retry.Retryable(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("server returned %d: %w", resp.StatusCode, readError(resp.Body))
		if resp.StatusCode >= 500 {
			return retry.Retryable(err)
		}
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func readError(r io.Reader) error {
	var er protocol.ErrorResponse
	data, _ := io.ReadAll(io.LimitReader(r, 4096))
	if json.Unmarshal(data, &er) == nil && er.Error != "" {
		return errors.New(er.Error)
	}
	if s := strings.TrimSpace(string(data)); s != "" {
		return errors.New(s)
	}
	return errors.New("no response body")
}
