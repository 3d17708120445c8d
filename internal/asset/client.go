// Package asset is a client for the tracker's asset-oriented REST API.
package asset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"carryover/internal/domain"
)

const (
	DefaultDataPath = "rest-1.v1/Data"
	DefaultTimeout  = 30 * time.Second

	// Headers understood by the forwarding proxy.
	HeaderTargetBaseURL = "X-Target-Base-Url"
	HeaderTargetAuth    = "X-Target-Authorization"
)

// Client issues read, query, create and named-operation calls.
type Client struct {
	BaseURL     string
	DataPath    string
	AuthHeader  string
	ProxyURL    string
	Timeout     time.Duration
	ReadRetries int
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// New creates a client with sane defaults.
func New(baseURL, authHeader string) *Client {
	return &Client{
		BaseURL:    baseURL,
		DataPath:   DefaultDataPath,
		AuthHeader: authHeader,
		Timeout:    DefaultTimeout,
	}
}

// Query selects fields and filters a collection.
type Query struct {
	Select []string
	Where  string
	Sort   string
}

func (q Query) values() url.Values {
	v := url.Values{}
	if len(q.Select) > 0 {
		v.Set("sel", strings.Join(q.Select, ","))
	}
	if q.Where != "" {
		v.Set("where", q.Where)
	}
	if q.Sort != "" {
		v.Set("sort", q.Sort)
	}
	return v
}

// Get reads a single asset with the selected fields.
func (c *Client) Get(ctx context.Context, ref domain.EntityRef, fields []string) (domain.SourceEntity, error) {
	var out domain.SourceEntity
	err := c.retryRead(ctx, func() error {
		body, err := c.do(ctx, http.MethodGet, assetPath(ref), Query{Select: fields}.values(), nil)
		if err != nil {
			return err
		}
		var w wireAsset
		if err := json.Unmarshal(body, &w); err != nil {
			return fmt.Errorf("parse asset %s: %w", ref, err)
		}
		if w.ID == "" {
			w.ID = ref.String()
		}
		out, err = w.entity()
		return err
	})
	return out, err
}

// Query lists assets of a type.
func (c *Client) Query(ctx context.Context, assetType string, q Query) ([]domain.SourceEntity, error) {
	var out []domain.SourceEntity
	err := c.retryRead(ctx, func() error {
		body, err := c.do(ctx, http.MethodGet, url.PathEscape(assetType), q.values(), nil)
		if err != nil {
			return err
		}
		var w wireAssets
		if len(body) > 0 {
			if err := json.Unmarshal(body, &w); err != nil {
				return fmt.Errorf("parse %s assets: %w", assetType, err)
			}
		}
		out = make([]domain.SourceEntity, 0, len(w.Assets))
		for _, a := range w.Assets {
			e, err := a.entity()
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// Create creates an asset and returns its ref without the moment segment.
func (c *Client) Create(ctx context.Context, assetType string, p *Payload) (domain.EntityRef, error) {
	body, err := c.do(ctx, http.MethodPost, url.PathEscape(assetType), nil, p)
	if err != nil {
		return domain.EntityRef{}, err
	}
	status := http.StatusOK
	if body == nil {
		status = http.StatusNoContent
	}
	var created struct {
		ID string `json:"id"`
	}
	if len(bytes.TrimSpace(body)) > 0 {
		if err := json.Unmarshal(body, &created); err != nil {
			return domain.EntityRef{}, fmt.Errorf("parse create response: %w", err)
		}
	}
	if created.ID == "" {
		return domain.EntityRef{}, &Error{Status: status, Message: "create returned no id"}
	}
	ref, err := domain.ParseRef(created.ID)
	if err != nil {
		return domain.EntityRef{}, fmt.Errorf("parse create response: %w", err)
	}
	return ref, nil
}

// Operation invokes a named operation such as Close on an asset.
func (c *Client) Operation(ctx context.Context, ref domain.EntityRef, op string) error {
	_, err := c.do(ctx, http.MethodPost, assetPath(ref), url.Values{"op": {op}}, nil)
	return err
}

func assetPath(ref domain.EntityRef) string {
	return url.PathEscape(ref.Type) + "/" + url.PathEscape(ref.ID)
}

// retryRead repeats fn on transport errors only; API errors are final.
func (c *Client) retryRead(ctx context.Context, fn func() error) error {
	if c.ReadRetries <= 0 {
		return fn()
	}
	b := backoff.WithMaxRetries(backoff.WithContext(backoff.NewExponentialBackOff(), ctx), uint64(c.ReadRetries))
	return backoff.Retry(func() error {
		err := fn()
		if err != nil && !IsTransport(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// do executes one request. A 204 yields (nil, nil).
func (c *Client) do(ctx context.Context, method, endpoint string, query url.Values, body any) ([]byte, error) {
	if c.HTTPClient == nil {
		timeout := c.Timeout
		if timeout <= 0 {
			timeout = DefaultTimeout
		}
		c.HTTPClient = &http.Client{Timeout: timeout}
	}
	target := c.url(endpoint, query)
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, transportError(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.ProxyURL != "" {
		req.Header.Set(HeaderTargetBaseURL, c.BaseURL)
		if c.AuthHeader != "" {
			req.Header.Set(HeaderTargetAuth, c.AuthHeader)
		}
	} else if c.AuthHeader != "" {
		req.Header.Set("Authorization", c.AuthHeader)
	}

	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		c.logger().Debug("asset request failed", "method", method, "path", endpoint, "err", err)
		return nil, transportError(err)
	}
	defer func() { _ = resp.Body.Close() }()
	c.logger().Debug("asset request", "method", method, "path", endpoint, "status", resp.StatusCode, "elapsed", time.Since(start))

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, transportError(fmt.Errorf("read response: %w", err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, parseError(resp.StatusCode, resp.Status, data)
	}
	return data, nil
}

func (c *Client) url(endpoint string, query url.Values) string {
	base := c.BaseURL
	if c.ProxyURL != "" {
		base = c.ProxyURL
	}
	dataPath := c.DataPath
	if dataPath == "" {
		dataPath = DefaultDataPath
	}
	u := strings.TrimRight(base, "/") + "/" + strings.Trim(dataPath, "/") + "/" + strings.TrimLeft(endpoint, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}
