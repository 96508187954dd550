package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// APIClient talks to a running gatewarden daemon over its control API.
type APIClient struct {
	baseURL string
	client  *http.Client
}

// NewAPIClient creates a client for the daemon's control API.
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:7580"
	}
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &APIClient{baseURL: baseURL, client: &http.Client{Timeout: timeout}}
}

func (c *APIClient) get(path string) (map[string]any, error) {
	resp, err := c.client.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func (c *APIClient) post(path string) (map[string]any, error) {
	resp, err := c.client.Post(c.baseURL+path, "application/json", nil)
	if err != nil {
		return nil, err
	}
	return decodeResponse(resp)
}

func decodeResponse(resp *http.Response) (map[string]any, error) {
	defer func() { _ = resp.Body.Close() }()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if msg, ok := body["error"].(string); ok {
			return body, fmt.Errorf("API error: %s", msg)
		}
		return body, fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return body, nil
}

// Status fetches the daemon's full status report.
func (c *APIClient) Status() (map[string]any, error) { return c.get("/status") }

// Health fetches the daemon's liveness report.
func (c *APIClient) Health() (map[string]any, error) { return c.get("/health") }

// Restart asks the daemon to restart the agent.
func (c *APIClient) Restart() (map[string]any, error) { return c.post("/restart") }

// SyncNow asks the daemon to run a skills synchronization immediately.
// A failed sync comes back as both the outcome body and an error.
func (c *APIClient) SyncNow() (map[string]any, error) {
	body, err := c.post("/sync-now")
	if err != nil {
		return body, err
	}
	return body, nil
}
