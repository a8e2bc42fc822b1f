package client

import (
	"bufio"
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
)

// Client provides typed access to the deployer daemon for interactive
// tools.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client pointing at the provided daemon base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid daemon base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("daemon request failed with status %d", e.Status)
	}
	return fmt.Sprintf("daemon request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, token string, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if strings.TrimSpace(token) != "" {
		req.Header.Set("X-Operator-Token", strings.TrimSpace(token))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	data, err := io.ReadAll(body)
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	return strings.TrimSpace(payload.Error)
}

// Deployment reflects the daemon's deployment payload.
type Deployment struct {
	ID           string    `json:"id"`
	RepoURL      string    `json:"repo_url"`
	RepoName     string    `json:"repo_name"`
	BuildCommand string    `json:"build_command"`
	RunCommand   string    `json:"run_command"`
	EnvFile      string    `json:"env_file"`
	State        string    `json:"state"`
	Workdir      string    `json:"workdir"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Summary is the listing view of a deployment.
type Summary struct {
	ID       string `json:"id"`
	RepoName string `json:"repo_name"`
	RepoURL  string `json:"repo_url"`
	State    string `json:"state"`
}

// DeployInput captures the payload for a new deployment.
type DeployInput struct {
	RepoURL      string            `json:"repo_url"`
	BuildCommand string            `json:"build_command,omitempty"`
	RunCommand   string            `json:"run_command"`
	Env          map[string]string `json:"env,omitempty"`
	EnvFile      string            `json:"env_file,omitempty"`
	Proxy        string            `json:"proxy,omitempty"`
}

// Deploy submits a repository for clone, build and launch.
func (c *Client) Deploy(ctx context.Context, token string, input DeployInput) (Deployment, error) {
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, "/deploy", input, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// ListDeployments returns all tracked deployments.
func (c *Client) ListDeployments(ctx context.Context, token string) ([]Summary, error) {
	var summaries []Summary
	if err := c.do(ctx, http.MethodGet, "/deployments", nil, token, &summaries); err != nil {
		return nil, err
	}
	return summaries, nil
}

// GetDeployment fetches one deployment record.
func (c *Client) GetDeployment(ctx context.Context, token, id string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s", url.PathEscape(id))
	var dep Deployment
	if err := c.do(ctx, http.MethodGet, path, nil, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// StopDeployment kills the deployment's process.
func (c *Client) StopDeployment(ctx context.Context, token, id string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s/stop", url.PathEscape(id))
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, path, nil, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// RestartDeployment re-launches the deployment's run command.
func (c *Client) RestartDeployment(ctx context.Context, token, id string) (Deployment, error) {
	path := fmt.Sprintf("/deployments/%s/restart", url.PathEscape(id))
	var dep Deployment
	if err := c.do(ctx, http.MethodPost, path, nil, token, &dep); err != nil {
		return Deployment{}, err
	}
	return dep, nil
}

// LogLine is one streamed console line.
type LogLine struct {
	DeploymentID string    `json:"id"`
	Text         string    `json:"text"`
	Ts           time.Time `json:"ts"`
}

// StreamLogs follows the daemon's live log stream, invoking handler for
// each line until ctx is cancelled or the stream closes. An empty
// deploymentID follows every deployment.
func (c *Client) StreamLogs(ctx context.Context, token, deploymentID string, handler func(LogLine)) error {
	if handler == nil {
		return fmt.Errorf("handler is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + "/logs/stream"
	if strings.TrimSpace(deploymentID) != "" {
		endpoint += "?deployment_id=" + url.QueryEscape(strings.TrimSpace(deploymentID))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	if strings.TrimSpace(token) != "" {
		req.Header.Set("X-Operator-Token", strings.TrimSpace(token))
	}

	// The streaming request must outlive the default client timeout.
	streamClient := &http.Client{Transport: c.httpClient.Transport}
	resp, err := streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := extractError(resp.Body)
		return APIError{Status: resp.StatusCode, Message: msg}
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var logLine LogLine
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &logLine); err != nil {
			continue
		}
		handler(logLine)
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
