// Package remote is the HTTP client for the task server.
//
// Every call goes through the retry transport and, when a token source is
// configured, an oauth2 transport that sets the bearer token. Failures are
// mapped to the error taxonomy in errors.go at this boundary.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"

	"golang.org/x/oauth2"

	"github.com/fieldworks/fieldsync/internal/model"
	"github.com/fieldworks/fieldsync/internal/retry"
	"github.com/fieldworks/fieldsync/internal/status"
)

const (
	// DefaultPageSize is the page size used by ListAllTasks.
	DefaultPageSize = 100

	maxBodySize  = 4 << 20
	maxDetailLen = 200
	maxPages     = 1000
)

// Config configures a Client.
type Config struct {
	// BaseURL is the API root, e.g. https://tasks.example.com/api.
	BaseURL string
	// TokenSource provides the bearer token. nil sends no Authorization header.
	TokenSource oauth2.TokenSource
	// Retry overrides the default retry policy.
	Retry *retry.Policy
	// Transport is the innermost transport. nil means http.DefaultTransport.
	Transport http.RoundTripper
	// PageSize for ListAllTasks. Zero means DefaultPageSize.
	PageSize int
	Logger   *log.Logger
}

// Client talks to the task server.
type Client struct {
	baseURL  *url.URL
	http     *http.Client
	pageSize int
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("base URL must be http or https (got %q)", cfg.BaseURL)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	policy := retry.DefaultPolicy()
	if cfg.Retry != nil {
		policy = *cfg.Retry
	}

	var rt http.RoundTripper = retry.NewTransport(cfg.Transport, policy, logger)
	if cfg.TokenSource != nil {
		rt = &oauth2.Transport{Source: cfg.TokenSource, Base: rt}
	}

	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	return &Client{
		baseURL:  u,
		http:     &http.Client{Transport: rt},
		pageSize: pageSize,
	}, nil
}

// Addr returns host:port of the server, for reachability probes.
func (c *Client) Addr() string {
	port := c.baseURL.Port()
	if port == "" {
		port = "80"
		if c.baseURL.Scheme == "https" {
			port = "443"
		}
	}
	return net.JoinHostPort(c.baseURL.Hostname(), port)
}

// ListOptions filters ListTasks.
type ListOptions struct {
	Page         int
	Size         int
	Status       status.Status
	AssignedToMe bool
}

// TaskPage is one page of the task list.
type TaskPage struct {
	Items []model.Task
	Total int
	Page  int
	Size  int
	Pages int
}

// ListTasks fetches one page of tasks.
func (c *Client) ListTasks(ctx context.Context, opts ListOptions) (*TaskPage, error) {
	q := url.Values{}
	if opts.Page > 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	if opts.Size > 0 {
		q.Set("size", strconv.Itoa(opts.Size))
	}
	if opts.Status.IsKnown() {
		q.Set("status", opts.Status.String())
	}
	if opts.AssignedToMe {
		q.Set("assigned_to_me", "true")
	}

	var page wirePage
	if err := c.do(ctx, http.MethodGet, "tasks", q, nil, &page); err != nil {
		return nil, err
	}

	out := &TaskPage{
		Items: make([]model.Task, 0, len(page.Items)),
		Total: page.Total,
		Page:  page.Page,
		Size:  page.Size,
		Pages: page.Pages,
	}
	for i := range page.Items {
		out.Items = append(out.Items, page.Items[i].toModel())
	}
	return out, nil
}

// ListAllTasks walks every page of the caller's tasks.
func (c *Client) ListAllTasks(ctx context.Context) ([]model.Task, error) {
	var all []model.Task
	for page := 1; page <= maxPages; page++ {
		p, err := c.ListTasks(ctx, ListOptions{Page: page, Size: c.pageSize, AssignedToMe: true})
		if err != nil {
			return nil, err
		}
		all = append(all, p.Items...)
		if page >= p.Pages || len(p.Items) == 0 {
			break
		}
	}
	if all == nil {
		all = []model.Task{}
	}
	return all, nil
}

// GetTask fetches a task with its comments.
func (c *Client) GetTask(ctx context.Context, id int64) (*model.TaskDetail, error) {
	var w wireTask
	if err := c.do(ctx, http.MethodGet, taskPath(id), nil, nil, &w); err != nil {
		return nil, err
	}
	return w.toDetail(), nil
}

// UpdateStatus changes the status of a task and returns the updated task.
func (c *Client) UpdateStatus(ctx context.Context, id int64, to status.Status, comment string) (*model.TaskDetail, error) {
	var w wireTask
	body := statusRequest{Status: to.String(), Comment: comment}
	if err := c.do(ctx, http.MethodPut, taskPath(id)+"/status", nil, body, &w); err != nil {
		return nil, err
	}
	return w.toDetail(), nil
}

// AddComment posts a comment and returns the server's copy.
func (c *Client) AddComment(ctx context.Context, id int64, text, author string) (*model.Comment, error) {
	var w wireComment
	body := commentRequest{Text: text, Author: author}
	if err := c.do(ctx, http.MethodPost, taskPath(id)+"/comments", nil, body, &w); err != nil {
		return nil, err
	}
	cm := w.toModel()
	if cm.TaskID == 0 {
		cm.TaskID = id
	}
	return &cm, nil
}

// RegisterDevice registers a push token for this device.
func (c *Client) RegisterDevice(ctx context.Context, token, name string) error {
	return c.do(ctx, http.MethodPost, "devices/register", nil, deviceRequest{Token: token, DeviceName: name}, nil)
}

func taskPath(id int64) string {
	return "tasks/" + strconv.FormatInt(id, 10)
}

// do sends a JSON request and decodes the JSON response into out.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out any) error {
	u := c.baseURL.JoinPath(path)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return transportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := parseDetail(data)
		if r := []rune(detail); len(r) > maxDetailLen {
			detail = string(r[:maxDetailLen])
		}
		return statusError(resp.StatusCode, detail)
	}

	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &UnknownError{Message: fmt.Sprintf("failed to decode %s %s response: %v", method, u.Path, err), Err: err}
	}
	return nil
}
