// Package swapclient is a Go client for the OpenSwap REST API.
package swapclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Execute waits for on-chain confirmations, so pass a client with a longer
// timeout when calling it.
const DefaultHTTPTimeout = 30 * time.Second

// Client wraps the HTTP interactions with the OpenSwap REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client

	mu    sync.RWMutex
	token string
}

// APIError is the decoded error envelope returned by the server.
type APIError struct {
	StatusCode int
	Code       string            `json:"code"`
	Message    string            `json:"message"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("openswap api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("openswap api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client. When httpClient is nil a default client
// with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// SetToken sets the bearer token sent with every request.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

// SubmitOrder submits a structured order into the session.
func (c *Client) SubmitOrder(ctx context.Context, sessionID string, order Order) (*Session, error) {
	var session Session
	if err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "orders"), order, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// SubmitText submits a free-form order sentence for server-side parsing.
func (c *Client) SubmitText(ctx context.Context, sessionID, ownerID, text string) (*Session, error) {
	body := map[string]string{"owner_id": ownerID, "text": text}
	var session Session
	if err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "orders"), body, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// WithdrawOrder removes the owner's order from the session.
func (c *Client) WithdrawOrder(ctx context.Context, sessionID, ownerID string) (*Session, error) {
	var session Session
	if err := c.call(ctx, http.MethodDelete, sessionPath(sessionID, "orders", ownerID), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetSession fetches a session snapshot.
func (c *Client) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := c.call(ctx, http.MethodGet, sessionPath(sessionID), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// Deposits reports deposit status without changing session state.
func (c *Client) Deposits(ctx context.Context, sessionID string) (*DepositStatus, error) {
	var status DepositStatus
	if err := c.call(ctx, http.MethodGet, sessionPath(sessionID, "deposits"), nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Verify requests deposit verification.
func (c *Client) Verify(ctx context.Context, sessionID string) (*VerificationOutcome, error) {
	var outcome VerificationOutcome
	if err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "verify"), nil, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// Approve records the owner's approval.
func (c *Client) Approve(ctx context.Context, sessionID, ownerID string) (*VerificationOutcome, error) {
	var outcome VerificationOutcome
	body := map[string]string{"owner_id": ownerID}
	if err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "approvals"), body, &outcome); err != nil {
		return nil, err
	}
	return &outcome, nil
}

// Execute runs the approved session and blocks until it settles.
func (c *Client) Execute(ctx context.Context, sessionID string) (*ExecutionResult, error) {
	var result ExecutionResult
	if err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "execute"), nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel cancels a session that is not executing.
func (c *Client) Cancel(ctx context.Context, sessionID string) (*Session, error) {
	var session Session
	if err := c.call(ctx, http.MethodPost, sessionPath(sessionID, "cancel"), nil, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// ListSessions returns sessions matching the filter. Requires an operator token.
func (c *Client) ListSessions(ctx context.Context, filter ListFilter) ([]Session, error) {
	q := url.Values{}
	if len(filter.States) > 0 {
		q.Set("state", strings.Join(filter.States, ","))
	}
	if filter.Limit > 0 {
		q.Set("limit", strconv.Itoa(filter.Limit))
	}
	if filter.Offset > 0 {
		q.Set("offset", strconv.Itoa(filter.Offset))
	}
	if filter.Ascending {
		q.Set("order", "asc")
	}
	endpoint := "/api/v1/sessions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var out struct {
		Sessions []Session `json:"sessions"`
	}
	if err := c.call(ctx, http.MethodGet, endpoint, nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

// Stats returns session counts by state. Requires an operator token.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	if err := c.call(ctx, http.MethodGet, "/api/v1/stats", nil, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

// CustodyAddress returns the address parties deposit into.
func (c *Client) CustodyAddress(ctx context.Context) (string, error) {
	var out struct {
		Address string `json:"custody_address"`
	}
	if err := c.call(ctx, http.MethodGet, "/api/v1/custody", nil, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

func sessionPath(id string, parts ...string) string {
	segments := append([]string{"/api/v1/sessions", url.PathEscape(id)}, escapeAll(parts)...)
	return strings.Join(segments, "/")
}

func escapeAll(parts []string) []string {
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = url.PathEscape(p)
	}
	return out
}

func (c *Client) call(ctx context.Context, method, endpoint string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	// endpoint segments are already escaped.
	target := strings.TrimRight(c.baseURL.String(), "/") + endpoint
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.mu.RLock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	c.mu.RUnlock()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		_ = json.Unmarshal(data, &struct {
			Error *APIError `json:"error"`
		}{Error: apiErr})
	}
	apiErr.StatusCode = resp.StatusCode
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
