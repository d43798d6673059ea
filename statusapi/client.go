// Package statusapi is the client for the storefront's order status endpoint.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ordertrack/taxonomy"
)

// OrderStatus is the authoritative server view of an order.
type OrderStatus struct {
	Status      taxonomy.Status    `json:"status"`
	OrderNumber int                `json:"orderNumber"`
	OrderType   taxonomy.OrderType `json:"orderType"`
	CreatedAt   time.Time          `json:"createdAt"`
}

// Client calls the order status REST endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a Client rooted at baseURL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// GetOrderStatus fetches the current status of orderID.
func (c *Client) GetOrderStatus(ctx context.Context, orderID string) (*OrderStatus, error) {
	var st OrderStatus
	if err := c.get(ctx, "/orders/"+url.PathEscape(orderID)+"/status", &st); err != nil {
		return nil, err
	}
	if st.Status == "" {
		return nil, fmt.Errorf("status api: order %s: empty status", orderID)
	}
	return &st, nil
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("status api request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("status api GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	return c.decode(resp, result)
}

func (c *Client) decode(resp *http.Response, result any) error {
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("status api read body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status api HTTP %d: %s", resp.StatusCode, string(data))
	}
	if result != nil {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("status api decode: %w", err)
		}
	}
	return nil
}

// BaseURL returns the client's base URL.
func (c *Client) BaseURL() string { return c.baseURL }
