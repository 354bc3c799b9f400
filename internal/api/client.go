// Package api is the REST client for the AutoDev Engine.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mpataki/autodev/internal/logging"
	"github.com/mpataki/autodev/internal/models"
)

const (
	DefaultTimeout  = 30 * time.Second
	DefaultPageSize = 25
)

// CreateEndpoint selects which route creates executions; engine builds differ.
type CreateEndpoint int

const (
	// CreateViaProject posts to /api/executions/{projectId}.
	CreateViaProject CreateEndpoint = iota
	// CreateViaAutodev posts to /api/autodev/execute.
	CreateViaAutodev
)

// TokenSource supplies the bearer token for each request. An empty token
// sends no Authorization header.
type TokenSource func() string

type Client struct {
	baseURL        string
	httpClient     *http.Client
	token          TokenSource
	createEndpoint CreateEndpoint
	logger         *slog.Logger
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

func WithToken(ts TokenSource) Option {
	return func(c *Client) { c.token = ts }
}

func WithCreateEndpoint(e CreateEndpoint) Option {
	return func(c *Client) { c.createEndpoint = e }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = logging.OrDiscard(l) }
}

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		token:      func() string { return "" },
		logger:     logging.Discard(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

// LoadPage fetches one page of a project's execution history, newest-first.
func (c *Client) LoadPage(ctx context.Context, projectID string, page, size int) (*models.ExecutionPage, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	path := "/api/executions/history/" + url.PathEscape(projectID) + "?" + q.Encode()

	fallback := "Failed to fetch execution history"
	if page > 0 {
		fallback = "Failed to load more executions"
	}

	var out models.ExecutionPage
	if err := c.do(ctx, http.MethodGet, path, nil, &out, fallback); err != nil {
		return nil, fmt.Errorf("load history page %d: %w", page, err)
	}
	c.logger.Debug("history page loaded",
		"project", projectID, "page", out.PageNumber, "count", len(out.Content), "total_pages", out.TotalPages)
	return &out, nil
}

// CreateExecution submits a prompt. The returned execution is the server's
// acknowledgement; it is not in the history until this returns.
func (c *Client) CreateExecution(ctx context.Context, projectID string, prompt string) (*models.Execution, error) {
	pid, err := strconv.ParseInt(projectID, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid project id %q: %w", projectID, err)
	}
	path := "/api/executions/" + url.PathEscape(projectID)
	if c.createEndpoint == CreateViaAutodev {
		path = "/api/autodev/execute"
	}

	body := models.CreateExecutionRequest{ProjectID: pid, Prompt: prompt}
	var out models.Execution
	if err := c.do(ctx, http.MethodPost, path, body, &out, "Failed to create execution"); err != nil {
		return nil, fmt.Errorf("create execution: %w", err)
	}
	c.logger.Info("execution created", "project", projectID, "execution", out.ID, "status", out.Status)
	return &out, nil
}

// Login exchanges credentials for a token.
func (c *Client) Login(ctx context.Context, username, password string) (string, error) {
	var out models.LoginResponse
	req := models.LoginRequest{Username: username, Password: password}
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &out, "Login failed"); err != nil {
		return "", fmt.Errorf("login: %w", err)
	}
	if out.Token == "" {
		return "", fmt.Errorf("login: server returned no token")
	}
	return out.Token, nil
}

type errorBody struct {
	Message string `json:"message"`
	Error   string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, fallback string) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuthHeader(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: method + " " + path, Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := fallback
		var eb errorBody
		if json.Unmarshal(data, &eb) == nil {
			if eb.Message != "" {
				msg = eb.Message
			} else if eb.Error != "" {
				msg = eb.Error
			}
		}
		c.logger.Debug("request failed", "method", method, "path", path, "status", resp.StatusCode, "message", msg)
		return &ServerError{Status: resp.StatusCode, Message: msg}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) setAuthHeader(req *http.Request) {
	if tok := c.token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
}
