// Package millworksdk is a minimal client for the millwork HTTP API. Client
// implements presence.RPC so a Tracker can run against a remote server.
package millworksdk

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

	"millwork/internal/domain"
	"millwork/internal/presence"
)

// Client is a minimal millwork HTTP API client. Credentials are tried in
// order: BearerToken, APIKey, then UserID as X-User-Id for servers that
// accept the development header.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	UserID      string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

var _ presence.RPC = (*Client)(nil)

// New creates a client with sane defaults. baseURL includes the base path,
// e.g. http://localhost:8080/v1.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the body carries one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, status int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

type Step struct {
	Step  string `json:"step"`
	Error string `json:"error"`
}

// Partial is set on best-effort operations that applied only some steps.
type Partial struct {
	Partial     bool     `json:"partial,omitempty"`
	Done        []string `json:"done_steps,omitempty"`
	FailedSteps []Step   `json:"failed_steps,omitempty"`
}

type OrderInput struct {
	Title       string     `json:"title"`
	Client      *string    `json:"client,omitempty"`
	Description *string    `json:"description,omitempty"`
	Value       int64      `json:"value,omitempty"`
	DueDate     *time.Time `json:"due_date,omitempty"`
	Status      *string    `json:"status,omitempty"`
}

type TaskInput struct {
	OrderID           string     `json:"order_id"`
	Title             string     `json:"title"`
	Description       *string    `json:"description,omitempty"`
	ResponsibleUserID *string    `json:"responsible_user_id,omitempty"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	Salary            int64      `json:"salary,omitempty"`
	Priority          *string    `json:"priority,omitempty"`
}

type Transition struct {
	Order           domain.Order `json:"order"`
	From            string       `json:"from"`
	Noop            bool         `json:"noop"`
	Task            *domain.Task `json:"task,omitempty"`
	AutomationError string       `json:"automation_error,omitempty"`
}

type TaskResult struct {
	domain.Task
	Partial
}

type Completion struct {
	Task             domain.Task `json:"task"`
	Payment          int64       `json:"payment"`
	HasPenalty       bool        `json:"has_penalty"`
	Settled          bool        `json:"settled"`
	Duplicate        bool        `json:"duplicate"`
	AlreadyCompleted bool        `json:"already_completed"`
	Partial
}

type Deletion struct {
	Task     domain.Task `json:"task"`
	Reversed []struct {
		UserID string             `json:"user_id"`
		Entry  domain.LedgerEntry `json:"entry"`
	} `json:"reversed,omitempty"`
	Partial
}

type Presence struct {
	Online []domain.PresenceRecord `json:"online"`
	All    []domain.PresenceRecord `json:"all,omitempty"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor"`
}

// CreateOrder creates an order.
func (c *Client) CreateOrder(ctx context.Context, in OrderInput) (domain.Order, error) {
	var resp domain.Order
	err := c.do(ctx, http.MethodPost, "orders", in, &resp)
	return resp, err
}

// Order fetches an order by uuid or number.
func (c *Client) Order(ctx context.Context, ref string) (domain.Order, error) {
	var resp domain.Order
	err := c.do(ctx, http.MethodGet, "orders/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

// ListOrders lists orders, optionally in one stage.
func (c *Client) ListOrders(ctx context.Context, status string) ([]domain.Order, error) {
	endpoint := "orders"
	if status != "" {
		endpoint += "?status=" + url.QueryEscape(status)
	}
	var resp []domain.Order
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Transition moves an order to stage to. from is the stage the caller last
// saw; empty skips the staleness check.
func (c *Client) Transition(ctx context.Context, ref, from, to string) (Transition, error) {
	body := map[string]string{"to": to}
	if from != "" {
		body["from"] = from
	}
	var resp Transition
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("orders/%s/transition", url.PathEscape(ref)), body, &resp)
	return resp, err
}

// CreateTask creates a task under an order.
func (c *Client) CreateTask(ctx context.Context, in TaskInput) (TaskResult, error) {
	var resp TaskResult
	err := c.do(ctx, http.MethodPost, "tasks", in, &resp)
	return resp, err
}

// ListTasks lists tasks of one order, or all when orderRef is empty.
func (c *Client) ListTasks(ctx context.Context, orderRef string) ([]domain.Task, error) {
	endpoint := "tasks"
	if orderRef != "" {
		endpoint += "?order_id=" + url.QueryEscape(orderRef)
	}
	var resp []domain.Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// CompleteTask completes a task and settles its pay. proofURL is optional.
func (c *Client) CompleteTask(ctx context.Context, ref, proofURL string) (Completion, error) {
	var body any
	if proofURL != "" {
		body = map[string]string{"proof_url": proofURL}
	}
	var resp Completion
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("tasks/%s/complete", url.PathEscape(ref)), body, &resp)
	return resp, err
}

// DeleteTask removes a task, reversing any pay it settled.
func (c *Client) DeleteTask(ctx context.Context, ref string) (Deletion, error) {
	var resp Deletion
	err := c.do(ctx, http.MethodDelete, "tasks/"+url.PathEscape(ref), nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]domain.Event, error) {
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
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// The presence endpoints act on the authenticated user, so userID must match
// it when the client knows who it is.
func (c *Client) checkSelf(userID string) error {
	if c.UserID != "" && userID != c.UserID {
		return fmt.Errorf("client is authenticated as %s, not %s", c.UserID, userID)
	}
	return nil
}

func (c *Client) SetOnline(ctx context.Context, userID string) error {
	if err := c.checkSelf(userID); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "presence/online", nil, nil)
}

func (c *Client) SetOffline(ctx context.Context, userID string) error {
	if err := c.checkSelf(userID); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "presence/offline", nil, nil)
}

func (c *Client) TouchActivity(ctx context.Context, userID string) error {
	if err := c.checkSelf(userID); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "presence/heartbeat", nil, nil)
}

func (c *Client) CleanupStaleOnline(ctx context.Context) ([]string, error) {
	var resp struct {
		Offline []string `json:"offline"`
	}
	err := c.do(ctx, http.MethodPost, "presence/sweep", nil, &resp)
	return resp.Offline, err
}

func (c *Client) ListPresence(ctx context.Context) ([]domain.PresenceRecord, error) {
	p, err := c.Presence(ctx, true)
	return p.All, err
}

// Presence returns the effectively online users, and every stored record
// when all is set.
func (c *Client) Presence(ctx context.Context, all bool) (Presence, error) {
	endpoint := "presence"
	if all {
		endpoint += "?all=true"
	}
	var resp Presence
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
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
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	case c.UserID != "":
		req.Header.Set("X-User-Id", c.UserID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code, apiErr.Message = env.Error.Code, env.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
