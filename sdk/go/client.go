package carryoversdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Carryover HTTP API client.
type Client struct {
	BaseURL     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BearerToken: token,
		Timeout:     60 * time.Second,
	}
}

// ReplicationRequest asks the server to copy stories into a timebox.
type ReplicationRequest struct {
	Stories      []string `json:"stories"`
	Timebox      string   `json:"timebox"`
	Parent       string   `json:"parent,omitempty"`
	Scope        string   `json:"scope,omitempty"`
	ResolveScope bool     `json:"resolve_scope,omitempty"`
	DryRun       bool     `json:"dry_run,omitempty"`
}

// Item is the outcome of one selected story.
type Item struct {
	Source         string         `json:"source"`
	Name           string         `json:"name"`
	Status         string         `json:"status"`
	Reason         string         `json:"reason"`
	Detail         string         `json:"detail"`
	Created        string         `json:"created"`
	Closed         bool           `json:"closed"`
	TasksSucceeded int            `json:"tasks_succeeded"`
	TasksFailed    int            `json:"tasks_failed"`
	Warnings       []string       `json:"warnings"`
	Payload        map[string]any `json:"payload"`
}

// Replication is a batch outcome.
type Replication struct {
	RunID      string   `json:"run_id"`
	Timebox    string   `json:"timebox"`
	Parent     string   `json:"parent"`
	Scope      string   `json:"scope"`
	DryRun     bool     `json:"dry_run"`
	Succeeded  int      `json:"succeeded"`
	Failed     int      `json:"failed"`
	Skipped    int      `json:"skipped"`
	Summary    string   `json:"summary"`
	Warnings   []string `json:"warnings"`
	Items      []Item   `json:"items"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
}

// Run is a recorded batch.
type Run struct {
	ID         string    `json:"id"`
	ActorID    string    `json:"actor_id"`
	Timebox    string    `json:"timebox"`
	Parent     string    `json:"parent"`
	Scope      string    `json:"scope"`
	DryRun     bool      `json:"dry_run"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Summary    string    `json:"summary"`
	StartedAt  string    `json:"started_at"`
	FinishedAt string    `json:"finished_at"`
	Items      []RunItem `json:"items,omitempty"`
}

// RunItem is one recorded story outcome.
type RunItem struct {
	Seq            int      `json:"seq"`
	Source         string   `json:"source"`
	Name           string   `json:"name"`
	Status         string   `json:"status"`
	Reason         string   `json:"reason"`
	Detail         string   `json:"detail"`
	Created        string   `json:"created"`
	Closed         bool     `json:"closed"`
	TasksSucceeded int      `json:"tasks_succeeded"`
	TasksFailed    int      `json:"tasks_failed"`
	Warnings       []string `json:"warnings"`
}

// Timebox and Parent are catalog entries.
type Timebox struct {
	Ref       string `json:"ref"`
	Name      string `json:"name"`
	State     string `json:"state"`
	BeginDate string `json:"begin_date"`
	EndDate   string `json:"end_date"`
	Schedule  string `json:"schedule"`
}

type Parent struct {
	Ref    string `json:"ref"`
	Name   string `json:"name"`
	Number string `json:"number"`
	Scope  string `json:"scope"`
}

type Catalog struct {
	Timeboxes []Timebox `json:"timeboxes"`
	Parents   []Parent  `json:"parents"`
}

// Story is a story summary in a timebox listing.
type Story struct {
	Ref        string   `json:"ref"`
	Number     string   `json:"number"`
	Name       string   `json:"name"`
	Status     string   `json:"status"`
	Estimate   string   `json:"estimate"`
	AssetState string   `json:"asset_state"`
	Owners     []string `json:"owners"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	RunID      string         `json:"run_id"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code and Message are filled from the
// error envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedRuns wraps run listings with cursors.
type PaginatedRuns struct {
	Items      []Run  `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// Replicate copies stories into a timebox and closes the originals.
func (c *Client) Replicate(ctx context.Context, req ReplicationRequest) (Replication, error) {
	var resp Replication
	err := c.do(ctx, http.MethodPost, "v0/replications", req, &resp)
	return resp, err
}

// Catalog returns the timeboxes and parents available as targets.
func (c *Client) Catalog(ctx context.Context) (Catalog, error) {
	var resp Catalog
	err := c.do(ctx, http.MethodGet, "v0/catalog", nil, &resp)
	return resp, err
}

// Stories lists the stories planned in a timebox.
func (c *Client) Stories(ctx context.Context, timebox string) ([]Story, error) {
	var resp struct {
		Items []Story `json:"items"`
	}
	endpoint := fmt.Sprintf("v0/timeboxes/%s/stories", url.PathEscape(timebox))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// RunsPage lists recorded runs, newest first.
func (c *Client) RunsPage(ctx context.Context, timebox, actor string, limit int, cursor string) (PaginatedRuns, error) {
	q := url.Values{}
	if timebox != "" {
		q.Set("timebox", timebox)
	}
	if actor != "" {
		q.Set("actor", actor)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedRuns
	err := c.do(ctx, http.MethodGet, withQuery("v0/runs", q), nil, &resp)
	return resp, err
}

// Run fetches one run with its items.
func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("v0/events", q), nil, &resp)
	return resp, err
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return decodeAPIError(resp.StatusCode, b)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(body, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
