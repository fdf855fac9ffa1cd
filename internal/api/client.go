// Package api is the HTTP transport for the agent platform's REST API.
//
// A single Client injects the bearer token from the credential store into
// every authenticated request. A 401 triggers exactly one refresh through
// POST /auth/refresh followed by one replay of the original request; if
// that still fails the credentials are cleared and ErrAuthExpired is
// returned.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"agentchat/internal/auth"
)

const (
	DefaultTimeout = 60 * time.Second

	// maxResponseBytes bounds how much of a response body is read.
	maxResponseBytes = 8 << 20
)

var errNoRefreshToken = errors.New("api: no refresh token")

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the API root, e.g. "http://localhost:8000".
	BaseURL string
	// HTTPClient is used for all requests. If nil, a client with Timeout
	// is created.
	HTTPClient *http.Client
	// Timeout bounds each request when HTTPClient is nil. Zero means
	// DefaultTimeout.
	Timeout time.Duration
	// Credentials supplies and receives the token pair. If nil, an
	// in-memory store is used.
	Credentials *auth.Store
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// OnAuthExpired is called after the credentials were cleared because a
	// 401 could not be recovered.
	OnAuthExpired func()
}

type Client struct {
	baseURL       string
	httpClient    *http.Client
	creds         *auth.Store
	logger        *slog.Logger
	onAuthExpired func()

	refreshMu sync.Mutex
	inflight  *refreshCall
}

type refreshCall struct {
	done chan struct{}
	err  error
}

func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("api: BaseURL %q must be http or https", config.BaseURL)
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		timeout := config.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	creds := config.Credentials
	if creds == nil {
		creds, err = auth.NewStore(context.Background(), nil, logger)
		if err != nil {
			return nil, err
		}
	}

	return &Client{
		baseURL:       strings.TrimRight(config.BaseURL, "/"),
		httpClient:    httpClient,
		creds:         creds,
		logger:        logger,
		onAuthExpired: config.OnAuthExpired,
	}, nil
}

// Credentials returns the store the client reads tokens from.
func (c *Client) Credentials() *auth.Store {
	return c.creds
}

// ResolveURL makes a server-relative reference such as an audio_url
// absolute against the API root.
func (c *Client) ResolveURL(ref string) string {
	if ref == "" || strings.Contains(ref, "://") {
		return ref
	}
	return c.baseURL + "/" + strings.TrimLeft(ref, "/")
}

// call describes one logical request. The body is held as bytes so the
// request can be replayed after a refresh.
type call struct {
	method      string
	path        string
	query       url.Values
	body        []byte
	contentType string
	// public requests never carry the access token and are never retried.
	public bool
	// bearer overrides the access token (used by refresh).
	bearer string
}

func jsonCall(method, path string, payload any) (call, error) {
	c := call{method: method, path: path}
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return c, fmt.Errorf("api: failed to encode request body: %w", err)
		}
		c.body = encoded
	}
	c.contentType = "application/json"
	return c, nil
}

// do sends the call, handling the single 401 refresh-and-replay.
func (c *Client) do(ctx context.Context, req call) ([]byte, error) {
	sentWith := c.creds.Tokens().Access
	body, err := c.send(ctx, req, sentWith)
	if req.public || !IsStatus(err, http.StatusUnauthorized) {
		return body, err
	}

	c.logger.Debug("access token rejected, refreshing", "method", req.method, "path", req.path)
	if refreshErr := c.refreshOnce(ctx, sentWith); refreshErr != nil {
		if errors.Is(refreshErr, context.Canceled) || errors.Is(refreshErr, context.DeadlineExceeded) {
			return nil, refreshErr
		}
		return nil, fmt.Errorf("%w: %w", ErrAuthExpired, refreshErr)
	}

	replayWith := c.creds.Tokens().Access
	body, err = c.send(ctx, req, replayWith)
	if IsStatus(err, http.StatusUnauthorized) {
		c.expire(ctx, replayWith, err)
		return nil, fmt.Errorf("%w: %w", ErrAuthExpired, err)
	}
	return body, err
}

// refreshOnce performs or joins a refresh. staleAccess is the token the
// failed request carried; if the store already holds a different token
// another request refreshed in the meantime and nothing is sent.
//
// The refresh itself runs detached from any one caller's context, so a
// canceled caller only stops waiting. A failed refresh expires the
// credentials once, before any waiter is released.
func (c *Client) refreshOnce(ctx context.Context, staleAccess string) error {
	c.refreshMu.Lock()
	if current := c.creds.Tokens().Access; current != "" && current != staleAccess {
		c.refreshMu.Unlock()
		return nil
	}
	pending := c.inflight
	if pending == nil {
		pending = &refreshCall{done: make(chan struct{})}
		c.inflight = pending
		go c.runRefresh(context.WithoutCancel(ctx), pending, staleAccess)
	}
	c.refreshMu.Unlock()

	select {
	case <-pending.done:
		return pending.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) runRefresh(ctx context.Context, pending *refreshCall, staleAccess string) {
	_, err := c.Refresh(ctx)
	if err != nil {
		c.expire(ctx, staleAccess, err)
	}

	c.refreshMu.Lock()
	pending.err = err
	c.inflight = nil
	c.refreshMu.Unlock()
	close(pending.done)
}

// expire clears the credentials if they still hold access. Only the call
// that actually removed them notifies OnAuthExpired.
func (c *Client) expire(ctx context.Context, access string, cause error) {
	cleared, err := c.creds.ClearIfCurrent(context.WithoutCancel(ctx), access)
	if err != nil {
		c.logger.Warn("failed to clear credentials", "error", err)
	}
	if !cleared {
		return
	}
	c.logger.Warn("authentication expired, cleared credentials", "error", cause)
	if c.onAuthExpired != nil {
		c.onAuthExpired()
	}
}

// send performs one HTTP round trip. On 2xx it returns the body; otherwise
// an *Error.
func (c *Client) send(ctx context.Context, req call, accessToken string) ([]byte, error) {
	requestURL := c.baseURL + req.path
	if len(req.query) > 0 {
		requestURL += "?" + req.query.Encode()
	}

	var bodyReader io.Reader
	if req.body != nil {
		bodyReader = bytes.NewReader(req.body)
	}

	request, err := http.NewRequestWithContext(ctx, req.method, requestURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("api: failed to create request: %w", err)
	}
	if req.contentType != "" {
		request.Header.Set("Content-Type", req.contentType)
	}
	request.Header.Set("Accept", "application/json")

	switch {
	case req.bearer != "":
		request.Header.Set("Authorization", "Bearer "+req.bearer)
	case !req.public && accessToken != "":
		request.Header.Set("Authorization", "Bearer "+accessToken)
	}

	started := time.Now()
	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("api: request to %s %s failed: %w", req.method, req.path, err)
	}
	defer response.Body.Close()

	responseBody, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("api: failed to read response body: %w", err)
	}

	c.logger.Debug("api request",
		"method", req.method,
		"path", req.path,
		"status", response.StatusCode,
		"duration", time.Since(started),
	)

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		return responseBody, nil
	}

	return responseBody, &Error{
		StatusCode: response.StatusCode,
		Detail:     decodeDetail(responseBody),
		Method:     req.method,
		Path:       req.path,
	}
}

// doJSON runs a JSON call and decodes the response into out (if non-nil).
func (c *Client) doJSON(ctx context.Context, method, path string, payload, out any, query url.Values) error {
	req, err := jsonCall(method, path, payload)
	if err != nil {
		return err
	}
	req.query = query
	body, err := c.do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("api: failed to parse %s %s response: %w", method, path, err)
	}
	return nil
}
