// Package backend is the HTTP client for the Qwen web chat API.
//
// The API is the one the chat.qwen.ai web app talks to. It is undocumented,
// so requests mimic the browser client: the same headers, a bearer session
// token, and the account cookie merged with operator-supplied common cookies.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/nulpointcorp/qwen-gateway/internal/credentials"
)

const (
	// DefaultBaseURL is the API root used by the web app.
	DefaultBaseURL = "https://chat.qwen.ai/api"

	userAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:138.0) Gecko/20100101 Firefox/138.0"
	acceptLanguage = "zh-CN,zh;q=0.8,zh-TW;q=0.7,zh-HK;q=0.5,en-US;q=0.3,en;q=0.2"

	defaultJSONTimeout = 30 * time.Second
	maxErrorBody       = 64 << 10
	maxJSONBody        = 8 << 20
)

// Client talks to the vendor API. It is safe for concurrent use.
type Client struct {
	baseURL string
	origin  string
	http    *http.Client
	cookies func() map[string]string
	timeout time.Duration
	log     *slog.Logger
}

type Option func(*Client)

// WithBaseURL overrides the API root, e.g. to point at a local mock.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithCommonCookies sets the source of cookies merged into every request.
func WithCommonCookies(fn func() map[string]string) Option {
	return func(c *Client) { c.cookies = fn }
}

// WithJSONTimeout bounds the non-streaming calls (login, STS, task status,
// model list). Chat calls are bounded by the caller's context only.
func WithJSONTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New creates a Client with the given options.
func New(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		http:    &http.Client{},
		timeout: defaultJSONTimeout,
		log:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	c.origin = originOf(c.baseURL)
	return c
}

// BaseURL returns the configured API root.
func (c *Client) BaseURL() string { return c.baseURL }

// Headers returns the browser-like headers for a request signed with cred.
func (c *Client) Headers(cred credentials.Credential) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	h.Set("Accept-Language", acceptLanguage)
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", userAgent)
	h.Set("Origin", c.origin)
	h.Set("Referer", c.origin+"/")
	h.Set("Source", "web")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	if cred.SessionToken != "" {
		h.Set("Authorization", "Bearer "+cred.SessionToken)
	}
	if cookie := c.mergeCookies(cred.SessionCookie); cookie != "" {
		h.Set("Cookie", cookie)
	}
	return h
}

// mergeCookies joins the account cookie with the common cookies.
func (c *Client) mergeCookies(account string) string {
	var parts []string
	if account = strings.TrimSpace(account); account != "" {
		parts = append(parts, account)
	}
	if c.cookies != nil {
		common := c.cookies()
		keys := make([]string, 0, len(common))
		for k := range common {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			parts = append(parts, k+"="+common[k])
		}
	}
	return strings.Join(parts, "; ")
}

// doJSON performs a bounded request and returns the body of a 200 response.
// Any other status becomes an *Error.
func (c *Client) doJSON(ctx context.Context, op, method, path string, header http.Header, payload any) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := newJSONRequest(ctx, method, c.url(path), payload)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", op, err)
	}
	req.Header = header

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, parseError(op, resp)
	}

	data, err := readLimited(resp, maxJSONBody)
	if err != nil {
		return nil, fmt.Errorf("backend: %s: %w", op, err)
	}
	return data, nil
}

// newJSONRequest builds a request whose body is payload encoded as JSON. A
// nil payload sends no body.
func newJSONRequest(ctx context.Context, method, url string, payload any) (*http.Request, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(data)
	}
	return http.NewRequestWithContext(ctx, method, url, body)
}

func readLimited(resp *http.Response, limit int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return data, nil
}

func (c *Client) url(path string) string {
	return c.baseURL + "/" + strings.TrimLeft(path, "/")
}

// originOf returns scheme://host of raw, falling back to the public web app.
func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "https://chat.qwen.ai"
	}
	return u.Scheme + "://" + u.Host
}
