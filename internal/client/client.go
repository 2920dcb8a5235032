package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/agentregistry-dev/agentplane/internal/registry/service"
	"github.com/agentregistry-dev/agentplane/pkg/models"
)

const (
	DefaultBaseURL = "http://localhost:8333/api/v1"

	envBaseURL = "AGENTPLANE_API_BASE_URL"
	envToken   = "AGENTPLANE_API_TOKEN"

	pingAttempts = 5
)

var pingRetryDelay = 500 * time.Millisecond

// Client talks to the agentplane management API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// VersionBody mirrors the server's /version response.
type VersionBody struct {
	Version   string `json:"version"`
	GitCommit string `json:"git_commit"`
	BuildTime string `json:"build_time"`
}

// APIError is a non-2xx answer from the server.
type APIError struct {
	StatusCode int
	Title      string `json:"title"`
	Detail     string `json:"detail"`
}

func (e *APIError) Error() string {
	msg := e.Detail
	if msg == "" {
		msg = e.Title
	}
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("api error (%d): %s", e.StatusCode, msg)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// NewClient creates a client for baseURL. An empty token sends no Authorization header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// FromEnv builds a client from AGENTPLANE_API_BASE_URL and
// AGENTPLANE_API_TOKEN without contacting the server.
func FromEnv() *Client {
	baseURL := os.Getenv(envBaseURL)
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return NewClient(baseURL, os.Getenv(envToken))
}

// NewClientFromEnv is FromEnv followed by waiting for the server to answer.
func NewClientFromEnv() (*Client, error) {
	c := FromEnv()
	if err := pingWithRetry(c); err != nil {
		return nil, fmt.Errorf("agentplane server at %s is not reachable: %w", c.baseURL, err)
	}
	return c, nil
}

// BaseURL returns the API root the client was built for.
func (c *Client) BaseURL() string {
	return c.baseURL
}

func pingWithRetry(c *Client) error {
	var err error
	for attempt := range pingAttempts {
		if err = c.Ping(); err == nil {
			return nil
		}
		if attempt < pingAttempts-1 {
			time.Sleep(pingRetryDelay)
		}
	}
	return err
}

// Ping checks that the server answers.
func (c *Client) Ping() error {
	return c.do(context.Background(), http.MethodGet, "/ping", nil, nil)
}

// GetVersion returns the server build information.
func (c *Client) GetVersion() (*VersionBody, error) {
	var out VersionBody
	if err := c.do(context.Background(), http.MethodGet, "/version", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProviders returns the registered providers with their deployment state.
func (c *Client) ListProviders(ctx context.Context) ([]models.ProviderStatus, error) {
	var out struct {
		Providers []models.ProviderStatus `json:"providers"`
	}
	if err := c.do(ctx, http.MethodGet, "/providers", nil, &out); err != nil {
		return nil, err
	}
	return out.Providers, nil
}

// RegisterProvider installs a provider location on the server.
func (c *Client) RegisterProvider(ctx context.Context, in *models.CreateProviderInput) (*models.ProviderStatus, error) {
	var out models.ProviderStatus
	if err := c.do(ctx, http.MethodPost, "/providers", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProvider removes a provider and its agents.
func (c *Client) DeleteProvider(ctx context.Context, providerID string) error {
	return c.do(ctx, http.MethodDelete, "/providers/"+url.PathEscape(providerID), nil, nil)
}

// ProviderLogs returns the last limit log lines of a managed provider.
func (c *Client) ProviderLogs(ctx context.Context, providerID string, limit int) ([]string, error) {
	var out struct {
		Lines []string `json:"lines"`
	}
	path := fmt.Sprintf("/providers/%s/logs?limit=%d", url.PathEscape(providerID), limit)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Lines, nil
}

// ListAgents returns every agent known to the server.
func (c *Client) ListAgents(ctx context.Context) ([]models.Agent, error) {
	var out struct {
		Agents []models.Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

// ListVariables returns the names of the global environment variables.
func (c *Client) ListVariables(ctx context.Context) ([]string, error) {
	var out struct {
		Names []string `json:"names"`
	}
	if err := c.do(ctx, http.MethodGet, "/variables", nil, &out); err != nil {
		return nil, err
	}
	return out.Names, nil
}

// UpdateVariables sets and removes global variables.
func (c *Client) UpdateVariables(ctx context.Context, set map[string]string, remove []string) (*service.EnvRotationResult, error) {
	in := map[string]any{"set": set, "remove": remove}
	var out service.EnvRotationResult
	if err := c.do(ctx, http.MethodPut, "/variables", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
