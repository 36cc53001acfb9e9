// Package rest implements remote.Store over a PostgREST-style HTTP API.
//
// Tables are addressed as <base>/rest/v1/<table>. Filters are encoded as
// query parameters (col=eq.v, col=in.("a","b"), updated_at=gt.<ts>) and
// every write asks for the stored representation back.
package rest

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

	"github.com/sirupsen/logrus"

	"github.com/clubroll/clubroll/internal/auth"
	"github.com/clubroll/clubroll/internal/remote"
)

// TokenFunc returns the bearer token for a request.
type TokenFunc func(ctx context.Context) (string, error)

// Config holds client configuration.
type Config struct {
	// BaseURL of the service, without the /rest/v1 suffix.
	BaseURL string
	// APIKey is sent as the apikey header when set.
	APIKey string
	// Token supplies the user's access token. Required.
	Token TokenFunc
	// HTTPClient defaults to a client with a 30s timeout.
	HTTPClient *http.Client
	Logger     logrus.FieldLogger
}

// Client talks to the REST API.
type Client struct {
	base   string
	apiKey string
	token  TokenFunc
	http   *http.Client
	logger logrus.FieldLogger
}

var _ remote.Store = (*Client)(nil)

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if cfg.Token == nil {
		return nil, fmt.Errorf("token func cannot be nil")
	}
	c := &Client{
		base:   strings.TrimRight(cfg.BaseURL, "/") + "/rest/v1/",
		apiKey: cfg.APIKey,
		token:  cfg.Token,
		http:   cfg.HTTPClient,
		logger: cfg.Logger,
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = logrus.StandardLogger()
	}
	c.logger = c.logger.WithField("component", "remote")
	return c, nil
}

// Select implements remote.Store.
func (c *Client) Select(ctx context.Context, table string, q remote.Query) ([]json.RawMessage, error) {
	params := encode(q)
	params.Set("select", "*")
	return c.do(ctx, "select", http.MethodGet, table, params, nil, "")
}

// Insert implements remote.Store.
func (c *Client) Insert(ctx context.Context, table string, row any) (json.RawMessage, error) {
	rows, err := c.do(ctx, "insert", http.MethodPost, table, nil, row, "return=representation")
	return single("insert", table, rows, err)
}

// Update implements remote.Store.
func (c *Client) Update(ctx context.Context, table, id string, row any) (json.RawMessage, error) {
	rows, err := c.do(ctx, "update", http.MethodPatch, table, encode(remote.ByID(id)), row, "return=representation")
	return single("update", table, rows, err)
}

// Upsert implements remote.Store.
func (c *Client) Upsert(ctx context.Context, table string, row any, onConflict ...string) (json.RawMessage, error) {
	params := url.Values{}
	if len(onConflict) > 0 {
		params.Set("on_conflict", strings.Join(onConflict, ","))
	}
	rows, err := c.do(ctx, "upsert", http.MethodPost, table, params, row, "resolution=merge-duplicates,return=representation")
	return single("upsert", table, rows, err)
}

// Delete implements remote.Store.
func (c *Client) Delete(ctx context.Context, table string, q remote.Query) error {
	if q.IsEmpty() {
		return &remote.Error{Op: "delete", Table: table, Err: fmt.Errorf("refusing to delete without a filter")}
	}
	_, err := c.do(ctx, "delete", http.MethodDelete, table, encode(q), nil, "return=minimal")
	return err
}

func (c *Client) do(ctx context.Context, op, method, table string, params url.Values, body any, prefer string) ([]json.RawMessage, error) {
	fail := func(status int, err error) ([]json.RawMessage, error) {
		return nil, &remote.Error{Op: op, Table: table, Status: status, Err: err}
	}

	token, err := c.token(ctx)
	if err != nil {
		return fail(0, err)
	}

	u := c.base + url.PathEscape(table)
	if len(params) > 0 {
		u += "?" + params.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail(0, fmt.Errorf("failed to encode body: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return fail(0, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if prefer != "" {
		req.Header.Set("Prefer", prefer)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fail(0, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fail(resp.StatusCode, fmt.Errorf("failed to read response: %w", err))
	}
	c.logger.WithFields(logrus.Fields{
		"op":       op,
		"table":    table,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("remote call")

	if resp.StatusCode >= 300 {
		return fail(resp.StatusCode, statusError(resp.StatusCode, data))
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}

	var rows []json.RawMessage
	if err := json.Unmarshal(data, &rows); err != nil {
		return fail(resp.StatusCode, fmt.Errorf("failed to decode response: %w", err))
	}
	return rows, nil
}

// apiError is the PostgREST error body.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
}

func statusError(status int, body []byte) error {
	var ae apiError
	msg := strings.TrimSpace(string(body))
	if json.Unmarshal(body, &ae) == nil && ae.Message != "" {
		msg = ae.Message
		if ae.Details != "" {
			msg += ": " + ae.Details
		}
	}

	switch {
	case status == http.StatusUnauthorized:
		return &auth.AuthError{Op: "request", Err: fmt.Errorf("%w: %s", auth.ErrUnauthorized, msg)}
	case status == http.StatusConflict || ae.Code == "23505":
		return fmt.Errorf("%w: %s", remote.ErrConflict, msg)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %s", remote.ErrNotFound, msg)
	default:
		return errors.New(msg)
	}
}

func single(op, table string, rows []json.RawMessage, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, &remote.Error{Op: op, Table: table, Err: remote.ErrNotFound}
	}
	return rows[0], nil
}

// encode renders filters as PostgREST query parameters.
func encode(q remote.Query) url.Values {
	params := url.Values{}
	for _, f := range q.Filters {
		switch f.Op {
		case remote.OpIn:
			quoted := make([]string, len(f.Values))
			for i, v := range f.Values {
				quoted[i] = quote(v)
			}
			params.Add(f.Column, "in.("+strings.Join(quoted, ",")+")")
		default:
			v := ""
			if len(f.Values) > 0 {
				v = f.Values[0]
			}
			params.Add(f.Column, f.Op+"."+v)
		}
	}
	return params
}

func quote(v string) string {
	return `"` + strings.ReplaceAll(strings.ReplaceAll(v, `\`, `\\`), `"`, `\"`) + `"`
}
