package pushstream

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

	"github.com/rs/zerolog"
)

// ============================================================================
// REST Client
// ============================================================================

const (
	DefaultTimeout = 10 * time.Second

	codeSuccess      = 200
	codeUnauthorized = 401
)

// ErrUnauthorized is returned when the server rejects the credential. The
// credential source is invalidated before it is returned.
var ErrUnauthorized = errors.New("unauthorized")

// APIError is a non-success reply, either an HTTP status or an error code in
// the response envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("api error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("http %d: %s", e.Status, e.Message)
}

// envelope is the {code, msg, data} wrapper around every reply.
type envelope struct {
	Code *int            `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Client talks to the notification REST endpoints. It implements
// UnreadFetcher and ListFetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	creds      CredentialSource
	log        zerolog.Logger
}

var (
	_ UnreadFetcher = (*Client)(nil)
	_ ListFetcher   = (*Client)(nil)
)

type ClientOption func(*Client)

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

// WithCredentials sets the source of the bearer token.
func WithCredentials(creds CredentialSource) ClientOption {
	return func(c *Client) { c.creds = creds }
}

func WithLogger(log zerolog.Logger) ClientOption {
	return func(c *Client) { c.log = log.With().Str("component", "client").Logger() }
}

// NewClient creates a client for the API rooted at baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: DefaultTimeout},
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func channelPath(ch Channel) (string, error) {
	switch ch {
	case ChannelMessage:
		return "/system/message", nil
	case ChannelNotice:
		return "/system/notice/user", nil
	default:
		return "", fmt.Errorf("unknown channel %q", ch)
	}
}

// FetchUnreadCount implements UnreadFetcher.
func (c *Client) FetchUnreadCount(ctx context.Context, ch Channel) (int, error) {
	base, err := channelPath(ch)
	if err != nil {
		return 0, err
	}
	data, err := c.doRequest(ctx, http.MethodGet, base+"/unreadCount")
	if err != nil {
		return 0, err
	}
	return resolveUnreadCount(data), nil
}

// FetchUnreadList implements ListFetcher.
func (c *Client) FetchUnreadList(ctx context.Context, ch Channel) ([]Record, error) {
	base, err := channelPath(ch)
	if err != nil {
		return nil, err
	}
	data, err := c.doRequest(ctx, http.MethodGet, base+"/unreadList")
	if err != nil {
		return nil, err
	}
	return resolveUnreadList(data), nil
}

// MarkRead marks one record read on the server.
func (c *Client) MarkRead(ctx context.Context, ch Channel, id string) error {
	base, err := channelPath(ch)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, base+"/read/"+url.PathEscape(id))
	return err
}

// MarkAllRead marks every record of the channel read on the server.
func (c *Client) MarkAllRead(ctx context.Context, ch Channel) error {
	base, err := channelPath(ch)
	if err != nil {
		return err
	}
	_, err = c.doRequest(ctx, http.MethodPost, base+"/readAll")
	return err
}

// ============================================================================
// Internal request helper
// ============================================================================

func (c *Client) doRequest(ctx context.Context, method, path string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain, */*")
	if c.creds != nil {
		if token := c.creds.CurrentValidCredential(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	c.log.Debug().Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("request")

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, c.unauthorized(&APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)})
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	return c.unwrap(resp.StatusCode, body)
}

// unwrap strips the response envelope. Bodies without a code field are
// returned as-is.
func (c *Client) unwrap(status int, body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return trimmed, nil
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if env.Code == nil {
		return trimmed, nil
	}
	switch *env.Code {
	case codeSuccess:
		return env.Data, nil
	case codeUnauthorized:
		return nil, c.unauthorized(&APIError{Status: status, Code: *env.Code, Message: env.Msg})
	default:
		return nil, &APIError{Status: status, Code: *env.Code, Message: env.Msg}
	}
}

func (c *Client) unauthorized(apiErr *APIError) error {
	if c.creds != nil {
		c.creds.Invalidate()
	}
	return fmt.Errorf("%w: %w", ErrUnauthorized, apiErr)
}

// ============================================================================
// Tolerant payload parsing
// ============================================================================

// resolveUnreadCount accepts a bare number, {"data": n} or an object with
// unreadCount, count or total. Anything else counts as zero.
func resolveUnreadCount(data json.RawMessage) int {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return 0
	}
	if n, ok := v.(json.Number); ok {
		return numberValue(n)
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return 0
	}
	if n, ok := obj["data"].(json.Number); ok {
		return numberValue(n)
	}
	for _, key := range []string{"unreadCount", "count", "total"} {
		if val, ok := obj[key]; ok && val != nil {
			return countValue(val)
		}
	}
	return 0
}

func countValue(v any) int {
	switch x := v.(type) {
	case json.Number:
		return numberValue(x)
	case string:
		return numberValue(json.Number(strings.TrimSpace(x)))
	case bool:
		if x {
			return 1
		}
	}
	return 0
}

func numberValue(n json.Number) int {
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	if f, err := strconv.ParseFloat(string(n), 64); err == nil {
		return int(f)
	}
	return 0
}

// resolveUnreadList accepts a bare array, {"records": [...]} or
// {"list": [...]}. Non-object elements are skipped.
func resolveUnreadList(data json.RawMessage) []Record {
	var v any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil
	}
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case map[string]any:
		if l, ok := x["records"].([]any); ok {
			items = l
		} else if l, ok := x["list"].([]any); ok {
			items = l
		}
	}
	out := make([]Record, 0, len(items))
	for _, it := range items {
		if obj, ok := it.(map[string]any); ok {
			out = append(out, Record(obj))
		}
	}
	return out
}
