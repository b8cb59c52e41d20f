// Package backend is a client for the hosted auth backend: the GoTrue auth
// endpoints and the PostgREST profile table. It persists the session in
// LocalStorage under the same key and shape the browser SDK uses, and emits
// auth events to subscribers.
package backend

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

	"golang.org/x/sync/singleflight"

	pa "github.com/panyam/pocketauth"
)

// DefaultRefreshMargin is how long before expiry GetSession refreshes a session
const DefaultRefreshMargin = 30 * time.Second

// ClientInfo is sent in the X-Client-Info header
const ClientInfo = "pocketauth-go/0.1"

var (
	_ pa.AuthProvider = (*Client)(nil)
	_ pa.ProfileStore = (*Client)(nil)
)

// Client talks to one backend project
type Client struct {
	baseURL       string
	anonKey       string
	storage       pa.LocalStorage
	storageKey    string
	profileTable  string
	refreshMargin time.Duration
	httpClient    *http.Client
	logger        *slog.Logger
	now           func() time.Time

	// sessionMu serializes writes of the persisted session
	sessionMu sync.Mutex
	refreshes singleflight.Group
	events    *hub
}

// ClientOption configures a Client
type ClientOption func(*Client)

// WithHTTPClient sets the HTTP client used for all requests
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithStorageKey overrides the key the session is persisted under
func WithStorageKey(key string) ClientOption {
	return func(c *Client) {
		if key != "" {
			c.storageKey = key
		}
	}
}

// WithProfileTable sets the PostgREST table holding profile rows
func WithProfileTable(table string) ClientOption {
	return func(c *Client) {
		if table != "" {
			c.profileTable = table
		}
	}
}

// WithRefreshMargin sets how close to expiry a session is refreshed on read
func WithRefreshMargin(d time.Duration) ClientOption {
	return func(c *Client) {
		if d >= 0 {
			c.refreshMargin = d
		}
	}
}

// NewClient creates a client for the backend at baseURL, authenticating
// anonymous requests with anonKey and persisting the session in storage.
func NewClient(baseURL, anonKey string, storage pa.LocalStorage, opts ...ClientOption) (*Client, error) {
	if anonKey == "" {
		return nil, errors.New("backend: anon key is required")
	}
	if storage == nil {
		return nil, errors.New("backend: storage is required")
	}
	key, err := pa.SessionStorageKey(baseURL)
	if err != nil {
		return nil, err
	}

	c := &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		anonKey:       anonKey,
		storage:       storage,
		storageKey:    key,
		profileTable:  "profiles",
		refreshMargin: DefaultRefreshMargin,
		httpClient:    &http.Client{},
		logger:        slog.Default(),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.events = newHub(c)
	return c, nil
}

// BaseURL returns the backend URL
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StorageKey returns the key the session is persisted under
func (c *Client) StorageKey() string {
	return c.storageKey
}

// Storage returns the LocalStorage the session is persisted in
func (c *Client) Storage() pa.LocalStorage {
	return c.storage
}

// request describes one backend call
type request struct {
	op     string
	method string
	path   string
	query  url.Values
	body   any
	bearer string // access token; the anon key is used when empty
	header map[string]string

	// credentialOp marks endpoints where 400/401/403 means a rejected credential
	credentialOp bool
	// profileOp marks PostgREST profile calls
	profileOp bool
}

// do sends r and returns the response body. Non-2xx responses and transport
// failures come back as classified *pa.Error values.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return nil, pa.WrapError(pa.KindUnknown, r.op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return nil, pa.WrapError(pa.KindUnknown, r.op, err)
	}
	bearer := r.bearer
	if bearer == "" {
		bearer = c.anonKey
	}
	req.Header.Set("apikey", c.anonKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Client-Info", ClientInfo)
	req.Header.Set("Accept", "application/json")
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.header {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, classifyTransport(r.op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransport(r.op, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, classifyResponse(r, resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) logFailure(ctx context.Context, op string, err error) {
	c.logger.WarnContext(ctx, "backend call failed",
		"module", "backend",
		"layer", "adapter",
		"operation", op,
		"outcome", "failure",
		"kind", pa.KindOf(err).String(),
		"error", err,
	)
}

func decodeJSON(op string, data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return &pa.Error{Kind: pa.KindUnknown, Op: op, Code: "bad_response", Message: fmt.Sprintf("unexpected response: %v", err), Err: err}
	}
	return nil
}
