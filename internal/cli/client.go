package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gbmerrall/localhttps/internal/control"
)

// Client talks to the control API of a running proxy.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client for the control API on localhost:port.
func NewClient(port int) *Client {
	return &Client{
		baseURL:    fmt.Sprintf("http://127.0.0.1:%d", port),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

// GetStatus fetches /status.
func (c *Client) GetStatus(ctx context.Context) (*control.Status, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("could not connect to the control API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("control API returned non-200 status: %s\n%s", resp.Status, string(body))
	}

	var st control.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return nil, fmt.Errorf("could not decode control API response: %w", err)
	}
	return &st, nil
}
