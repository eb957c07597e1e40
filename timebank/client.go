package timebank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	errs "github.com/alexjbarnes/timebank-sync/internal/errors"
	"github.com/alexjbarnes/timebank-sync/internal/models"
)

const (
	maxRedirects      = 10
	httpClientTimeout = 30 * time.Second

	// Response bodies are read up to this size.
	maxAPIResponseBytes = 4 << 20

	defaultPageSize = 20
)

// APIError is a non-2xx response from the REST API. Detail is the
// server's human-readable message, Code its machine-readable reason.
type APIError struct {
	Endpoint   string
	StatusCode int
	Code       string `json:"code"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API %s (%d %s): %s", e.Endpoint, e.StatusCode, e.Code, e.Detail)
	}

	return fmt.Sprintf("API %s (%d): %s", e.Endpoint, e.StatusCode, e.Detail)
}

func (e *APIError) Unwrap() error { return errs.ErrAPIRequest }

// MessagePage is one page of history, newest-first as sent by the server.
type MessagePage struct {
	Results []models.Message
	Next    string
}

// Client talks to the marketplace REST API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	pageSize   int
	logger     *slog.Logger

	tokenMu sync.RWMutex
	token   string
}

// sameHostRedirectPolicy keeps the bearer token on the API host.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	switch {
	case len(via) == 0:
		return nil
	case len(via) >= maxRedirects:
		return fmt.Errorf("too many redirects (%d)", len(via))
	case req.URL.Host != via[0].URL.Host:
		return fmt.Errorf("refusing redirect from %s to %s", via[0].URL.Host, req.URL.Host)
	}

	return nil
}

// NewHTTPClient returns an http.Client with the given timeout that only
// follows redirects on the original host.
func NewHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = httpClientTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// NewClient creates an API client for baseURL with the given http.Client.
// If httpClient is nil, a client with a 30-second timeout and
// same-host redirect policy is created.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = NewHTTPClient(httpClientTimeout)
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		pageSize:   defaultPageSize,
		logger:     slog.New(slog.DiscardHandler),
		token:      token,
	}
}

// SetLogger sets where skipped records are reported.
func (c *Client) SetLogger(l *slog.Logger) {
	if l != nil {
		c.logger = l
	}
}

// SetPageSize overrides the message page size.
func (c *Client) SetPageSize(n int) {
	if n > 0 {
		c.pageSize = n
	}
}

// SetToken swaps the bearer token, e.g. after credential rotation.
func (c *Client) SetToken(token string) {
	c.tokenMu.Lock()
	c.token = token
	c.tokenMu.Unlock()
}

func (c *Client) bearer() string {
	c.tokenMu.RLock()
	defer c.tokenMu.RUnlock()

	return c.token
}

// sanitizeResponseBody makes a response body safe to quote in errors
// and logs: at most 256 bytes, valid UTF-8, no control characters
// besides whitespace.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			return '?'
		}

		return r
	}, strings.ToValidUTF8(string(body), "?"))
}

// do sends a JSON request and returns the raw response body on 2xx.
func (c *Client) do(ctx context.Context, method, target string, body interface{}) ([]byte, error) {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	endpoint := target
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = c.baseURL + target
	} else {
		endpoint = pathOf(target)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token := c.bearer(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Detail == "" {
			apiErr.Detail = sanitizeResponseBody(respBody)
		}

		return nil, apiErr
	}

	return respBody, nil
}

func pathOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	return u.Path
}

func handshakePath(handshakeID, action string) string {
	p := "/api/handshakes/" + url.PathEscape(handshakeID) + "/"
	if action != "" {
		p += action + "/"
	}

	return p
}

// ListConversations returns every conversation visible to the user.
func (c *Client) ListConversations(ctx context.Context) ([]models.Conversation, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/handshakes/conversations/", nil)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	convs, skipped, err := decodeConversations(data)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	for _, e := range skipped {
		c.logger.Warn("skipping invalid conversation", slog.String("error", e.Error()))
	}

	return convs, nil
}

// GetHandshake returns a single conversation.
func (c *Client) GetHandshake(ctx context.Context, handshakeID string) (models.Conversation, error) {
	data, err := c.do(ctx, http.MethodGet, handshakePath(handshakeID, ""), nil)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("getting handshake: %w", err)
	}

	conv, err := decodeConversation(data)
	if err != nil {
		return models.Conversation{}, fmt.Errorf("getting handshake: %w", err)
	}

	return conv, nil
}

// ListMessages fetches one page of history. cursor is the Next value of
// the previous page, or empty for the newest page.
func (c *Client) ListMessages(ctx context.Context, handshakeID, cursor string) (*MessagePage, error) {
	target := cursor
	if target == "" {
		target = handshakePath(handshakeID, "messages") + "?page_size=" + strconv.Itoa(c.pageSize)
	} else if err := c.checkCursor(cursor); err != nil {
		return nil, err
	}

	data, err := c.do(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	page, err := decodeMessagePage(data, handshakeID)
	if err != nil {
		return nil, fmt.Errorf("listing messages: %w", err)
	}

	return page, nil
}

// checkCursor refuses absolute cursors pointing at another host so the
// bearer token never leaves the API origin.
func (c *Client) checkCursor(cursor string) error {
	if !strings.HasPrefix(cursor, "http://") && !strings.HasPrefix(cursor, "https://") {
		if !strings.HasPrefix(cursor, "/") {
			return fmt.Errorf("invalid page cursor %q", cursor)
		}

		return nil
	}

	cu, err := url.Parse(cursor)
	if err != nil {
		return fmt.Errorf("invalid page cursor: %w", err)
	}

	bu, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base url: %w", err)
	}

	if cu.Host != bu.Host {
		return fmt.Errorf("page cursor host %s does not match API host %s", cu.Host, bu.Host)
	}

	return nil
}

// SendMessage posts a message over REST and returns the confirmed copy.
func (c *Client) SendMessage(ctx context.Context, handshakeID, body string) (models.Message, error) {
	data, err := c.do(ctx, http.MethodPost, handshakePath(handshakeID, "messages"), map[string]string{"body": body})
	if err != nil {
		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	msg, err := decodeMessage(data)
	if err != nil {
		return models.Message{}, fmt.Errorf("sending message: %w", err)
	}

	return msg, nil
}

func (c *Client) postAction(ctx context.Context, handshakeID, action string, body interface{}) error {
	if body == nil {
		body = struct{}{}
	}

	if _, err := c.do(ctx, http.MethodPost, handshakePath(handshakeID, action), body); err != nil {
		return fmt.Errorf("%s handshake: %w", action, err)
	}

	return nil
}

// Initiate submits the provider's negotiation details.
func (c *Client) Initiate(ctx context.Context, handshakeID string, details models.InitiateDetails) error {
	return c.postAction(ctx, handshakeID, "initiate", details)
}

// Approve accepts the provider's details (receiver only).
func (c *Client) Approve(ctx context.Context, handshakeID string) error {
	return c.postAction(ctx, handshakeID, "approve", nil)
}

// RequestChanges hands the negotiation back to the provider.
func (c *Client) RequestChanges(ctx context.Context, handshakeID string) error {
	return c.postAction(ctx, handshakeID, "request-changes", nil)
}

// Decline rejects the handshake.
func (c *Client) Decline(ctx context.Context, handshakeID string) error {
	return c.postAction(ctx, handshakeID, "decline", nil)
}

// Cancel withdraws a pending handshake.
func (c *Client) Cancel(ctx context.Context, handshakeID string) error {
	return c.postAction(ctx, handshakeID, "cancel", nil)
}

// ConfirmCompletion records the caller's completion confirmation.
func (c *Client) ConfirmCompletion(ctx context.Context, handshakeID string) error {
	return c.postAction(ctx, handshakeID, "confirm", nil)
}

// SubmitReputation posts the receiver's feedback.
func (c *Client) SubmitReputation(ctx context.Context, handshakeID string, rep models.Reputation) error {
	return c.postAction(ctx, handshakeID, "reputation", rep)
}

// Me returns the current user's profile including the time balance.
func (c *Client) Me(ctx context.Context) (models.Profile, error) {
	data, err := c.do(ctx, http.MethodGet, "/api/users/me/", nil)
	if err != nil {
		return models.Profile{}, fmt.Errorf("fetching profile: %w", err)
	}

	p, err := decodeProfile(data)
	if err != nil {
		return models.Profile{}, fmt.Errorf("fetching profile: %w", err)
	}

	return p, nil
}
