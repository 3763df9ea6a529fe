package supabase

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const (
	defaultTimeout  = 10 * time.Second
	maxResponseBody = 4 << 20
	singleObject    = "application/vnd.pgrst.object+json"
	// codeNoRows is returned by PostgREST when a single-object request matched nothing.
	codeNoRows = "PGRST116"
)

// Config holds client configuration.
type Config struct {
	URL        string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Client talks to the PostgREST endpoint of a Supabase project.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// APIError is a non-2xx PostgREST response.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("supabase: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("supabase: %d: %s", e.Status, e.Message)
}

// NoRows reports whether a single-object request matched no row.
func (e *APIError) NoRows() bool {
	return e.Code == codeNoRows || e.Status == http.StatusNotFound
}

// Transient reports whether retrying later might succeed.
func (e *APIError) Transient() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Conflict reports unique or foreign key violations.
func (e *APIError) Conflict() bool {
	return e.Status == http.StatusConflict || e.Code == "23505"
}

// New validates the configuration and returns a client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if base == "" {
		return nil, errors.New("supabase: url is required")
	}
	if _, err := url.ParseRequestURI(base); err != nil {
		return nil, fmt.Errorf("supabase: invalid url: %w", err)
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("supabase: api key is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	return &Client{baseURL: base, apiKey: strings.TrimSpace(cfg.APIKey), httpClient: httpClient}, nil
}

// RPC calls a stored procedure and returns its JSON result.
func (c *Client) RPC(ctx context.Context, fn string, params any) (gjson.Result, error) {
	if params == nil {
		params = map[string]any{}
	}
	return c.send(ctx, http.MethodPost, "/rest/v1/rpc/"+url.PathEscape(fn), nil, params, nil)
}

// Insert writes rows into table and returns the inserted representation.
func (c *Client) Insert(ctx context.Context, table string, rows any) (gjson.Result, error) {
	headers := http.Header{"Prefer": []string{"return=representation"}}
	return c.send(ctx, http.MethodPost, "/rest/v1/"+url.PathEscape(table), nil, rows, headers)
}

// SelectOne fetches exactly one row where column equals value.
func (c *Client) SelectOne(ctx context.Context, table, column, value string) (gjson.Result, error) {
	query := url.Values{}
	query.Set("select", "*")
	query.Set(column, "eq."+value)
	headers := http.Header{"Accept": []string{singleObject}}
	return c.send(ctx, http.MethodGet, "/rest/v1/"+url.PathEscape(table), query, nil, headers)
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, body any, headers http.Header) (gjson.Result, error) {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("supabase: marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("supabase: create request: %w", err)
	}
	req.Header.Set("apikey", c.apiKey)
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, values := range headers {
		req.Header[key] = values
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("supabase: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return gjson.Result{}, fmt.Errorf("supabase: read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return gjson.Result{}, decodeAPIError(resp.StatusCode, data)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return gjson.Result{}, nil
	}
	if !gjson.ValidBytes(data) {
		return gjson.Result{}, fmt.Errorf("supabase: %s %s: invalid json response", method, path)
	}
	return gjson.ParseBytes(data), nil
}

func decodeAPIError(status int, body []byte) error {
	apiErr := &APIError{Status: status, Message: http.StatusText(status)}
	if gjson.ValidBytes(body) {
		parsed := gjson.ParseBytes(body)
		apiErr.Code = parsed.Get("code").String()
		for _, field := range []string{"message", "error", "hint"} {
			if msg := parsed.Get(field).String(); msg != "" {
				apiErr.Message = msg
				break
			}
		}
	}
	return apiErr
}
