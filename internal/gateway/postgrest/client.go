// Package postgrest talks to the hosted backend's REST interface.
package postgrest

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
	"strings"
	"time"

	"github.com/matheus3301/campus/internal/apperr"
	"github.com/matheus3301/campus/internal/gateway"
	"go.uber.org/zap"
)

// DefaultTimeout bounds a single request when Config.Timeout is zero.
const DefaultTimeout = 15 * time.Second

// Config configures a Client.
type Config struct {
	// BaseURL is the project URL; requests go to BaseURL/rest/v1.
	BaseURL string
	APIKey  string
	// Token returns the signed-in user's access token, or "" for anonymous
	// requests (the API key is sent as the bearer then).
	Token   func() string
	Timeout time.Duration
}

// Client implements gateway.Store over HTTP.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *zap.Logger
}

// New creates a client. httpClient may be nil.
func New(cfg Config, httpClient *http.Client, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, http: httpClient, logger: logger}
}

var _ gateway.Store = (*Client)(nil)

// Fetch implements gateway.Store.
func (c *Client) Fetch(ctx context.Context, q gateway.Query) ([]gateway.Row, error) {
	params := url.Values{"select": {"*"}}
	addFilters(params, q.Filters)
	if len(q.Order) > 0 {
		parts := make([]string, 0, len(q.Order))
		for _, o := range q.Order {
			dir := "asc"
			if o.Desc {
				dir = "desc"
			}
			parts = append(parts, o.Column+"."+dir)
		}
		params.Set("order", strings.Join(parts, ","))
	}
	if q.Limit > 0 {
		params.Set("limit", fmt.Sprint(q.Limit))
	}
	var rows []gateway.Row
	if err := c.do(ctx, "fetch "+q.Table, http.MethodGet, "/rest/v1/"+q.Table, params, nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Insert implements gateway.Store.
func (c *Client) Insert(ctx context.Context, table string, row gateway.Row) (gateway.Row, error) {
	op := "insert " + table
	var rows []gateway.Row
	if err := c.do(ctx, op, http.MethodPost, "/rest/v1/"+table, nil, []gateway.Row{row}, &rows); err != nil {
		return nil, err
	}
	if len(rows) != 1 {
		return nil, apperr.Queryf(op, "insert returned %d rows", len(rows))
	}
	return rows[0], nil
}

// Update implements gateway.Store.
func (c *Client) Update(ctx context.Context, table string, filters []gateway.Filter, patch gateway.Row) ([]gateway.Row, error) {
	op := "update " + table
	if len(filters) == 0 {
		return nil, apperr.Validationf(op, "update without filters")
	}
	params := url.Values{}
	addFilters(params, filters)
	var rows []gateway.Row
	if err := c.do(ctx, op, http.MethodPatch, "/rest/v1/"+table, params, patch, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Delete implements gateway.Store.
func (c *Client) Delete(ctx context.Context, table string, filters []gateway.Filter) error {
	op := "delete " + table
	if len(filters) == 0 {
		return apperr.Validationf(op, "delete without filters")
	}
	params := url.Values{}
	addFilters(params, filters)
	return c.do(ctx, op, http.MethodDelete, "/rest/v1/"+table, params, nil, nil)
}

// Call implements gateway.Store by POSTing to /rest/v1/rpc/{fn}.
func (c *Client) Call(ctx context.Context, fn string, args gateway.Row) (any, error) {
	if args == nil {
		args = gateway.Row{}
	}
	var out any
	if err := c.do(ctx, "rpc "+fn, http.MethodPost, "/rest/v1/rpc/"+fn, nil, args, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func addFilters(params url.Values, filters []gateway.Filter) {
	for _, f := range filters {
		name, value := f.Param()
		params.Add(name, value)
	}
}

func (c *Client) do(ctx context.Context, op, method, path string, params url.Values, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	target := c.cfg.BaseURL + path
	if len(params) > 0 {
		target += "?" + params.Encode()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.Validation, op, err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return apperr.Wrap(apperr.Query, op, err)
	}
	req.Header.Set("apikey", c.cfg.APIKey)
	req.Header.Set("Authorization", "Bearer "+c.bearer(ctx))
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Debug("backend request failed", zap.String("op", op), zap.Error(err))
		return transportError(op, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return transportError(op, err)
	}
	c.logger.Debug("backend request",
		zap.String("op", op),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode >= 300 {
		return statusError(op, resp.StatusCode, data)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return apperr.Wrap(apperr.Query, op, fmt.Errorf("decode response: %w", err))
	}
	return nil
}

// bearer picks the request token: one attached to ctx, then the signed-in
// user's, then the anon key.
func (c *Client) bearer(ctx context.Context) string {
	if tok, ok := gateway.TokenFrom(ctx); ok {
		return tok
	}
	if c.cfg.Token != nil {
		if tok := c.cfg.Token(); tok != "" {
			return tok
		}
	}
	return c.cfg.APIKey
}

func transportError(op string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) || errors.As(err, &netErr) {
		return apperr.Wrap(apperr.Network, op, err)
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return apperr.Wrap(apperr.Network, op, err)
	}
	return apperr.Wrap(apperr.Query, op, err)
}

// errorBody is the backend's error document.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func statusError(op string, status int, data []byte) error {
	var body errorBody
	_ = json.Unmarshal(data, &body)
	msg := body.Message
	if msg == "" {
		msg = http.StatusText(status)
	}
	e := &apperr.Error{Op: op, Code: body.Code, Message: msg}
	switch {
	case status == http.StatusUnauthorized || body.Code == "PGRST301" || body.Code == "PGRST303":
		e.Kind = apperr.Auth
	case status == http.StatusConflict || body.Code == "23505":
		e.Kind = apperr.Conflict
	case body.Code == "23514" || body.Code == "22P02" || body.Code == "23502" || body.Code == "22001":
		e.Kind = apperr.Validation
	case status >= 500 || status == http.StatusTooManyRequests || status == http.StatusRequestTimeout:
		e.Kind = apperr.Network
	default:
		e.Kind = apperr.Query
	}
	if e.Code == "" {
		e.Code = fmt.Sprint(status)
	}
	return e
}
