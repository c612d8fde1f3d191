package client

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

	"github.com/martinsuchenak/vnetd/internal/log"
	"github.com/martinsuchenak/vnetd/internal/model"
	"github.com/martinsuchenak/vnetd/internal/transport"
	"github.com/martinsuchenak/vnetd/internal/worker"
)

// APIError is a non-2xx answer from the server
type APIError struct {
	Status     int
	Message    string
	Attachment string
}

func (e *APIError) Error() string {
	if e.Attachment != "" {
		return fmt.Sprintf("server error (%d): %s (attached: %s)", e.Status, e.Message, e.Attachment)
	}
	return fmt.Sprintf("server error (%d): %s", e.Status, e.Message)
}

// Client talks to the vnetd REST API on behalf of one tenant
type Client struct {
	baseURL string
	token   string
	tenant  string
	http    *http.Client
}

// New creates a client for tenant against the server at baseURL
func New(baseURL, token, tenant string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		tenant:  tenant,
		http:    &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *Client) tenantPath(parts ...string) string {
	escaped := make([]string, 0, len(parts)+2)
	escaped = append(escaped, "api", url.PathEscape(c.tenant))
	for _, p := range parts {
		escaped = append(escaped, url.PathEscape(p))
	}
	return "/" + strings.Join(escaped, "/")
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	log.Debug("Sending request", "method", method, "path", path)
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error      string `json:"error"`
			Attachment string `json:"attachment"`
		}
		if json.Unmarshal(data, &payload) == nil && payload.Error != "" {
			apiErr.Message = payload.Error
			apiErr.Attachment = payload.Attachment
		}
		log.Debug("Server returned error", "status", resp.StatusCode, "message", apiErr.Message)
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// Networks

func (c *Client) ListNetworks(ctx context.Context) ([]model.NetworkView, error) {
	var networks []model.NetworkView
	err := c.do(ctx, http.MethodGet, c.tenantPath("networks"), nil, &networks)
	return networks, err
}

func (c *Client) CreateNetwork(ctx context.Context, name string) (*model.NetworkView, error) {
	var network model.NetworkView
	err := c.do(ctx, http.MethodPost, c.tenantPath("networks"), map[string]string{"name": name}, &network)
	return &network, err
}

func (c *Client) GetNetwork(ctx context.Context, networkID string) (*model.NetworkView, error) {
	var network model.NetworkView
	err := c.do(ctx, http.MethodGet, c.tenantPath("networks", networkID), nil, &network)
	return &network, err
}

func (c *Client) GetNetworkLink(ctx context.Context, networkID string) (*model.TransportLink, error) {
	var link model.TransportLink
	err := c.do(ctx, http.MethodGet, c.tenantPath("networks", networkID, "link"), nil, &link)
	return &link, err
}

func (c *Client) UpdateNetwork(ctx context.Context, networkID string, update model.NetworkUpdate) (*model.NetworkView, error) {
	var network model.NetworkView
	err := c.do(ctx, http.MethodPut, c.tenantPath("networks", networkID), update, &network)
	return &network, err
}

func (c *Client) DeleteNetwork(ctx context.Context, networkID string) (*model.NetworkView, error) {
	var network model.NetworkView
	err := c.do(ctx, http.MethodDelete, c.tenantPath("networks", networkID), nil, &network)
	return &network, err
}

// Ports

func (c *Client) ListPorts(ctx context.Context, networkID string) ([]model.PortView, error) {
	var ports []model.PortView
	err := c.do(ctx, http.MethodGet, c.tenantPath("networks", networkID, "ports"), nil, &ports)
	return ports, err
}

func (c *Client) CreatePort(ctx context.Context, networkID, adminState string) (*model.PortView, error) {
	var port model.PortView
	err := c.do(ctx, http.MethodPost, c.tenantPath("networks", networkID, "ports"), map[string]string{"admin_state": adminState}, &port)
	return &port, err
}

func (c *Client) GetPort(ctx context.Context, networkID, portID string) (*model.PortView, error) {
	var port model.PortView
	err := c.do(ctx, http.MethodGet, c.tenantPath("networks", networkID, "ports", portID), nil, &port)
	return &port, err
}

func (c *Client) UpdatePort(ctx context.Context, networkID, portID string, update model.PortUpdate) (*model.PortView, error) {
	var port model.PortView
	err := c.do(ctx, http.MethodPut, c.tenantPath("networks", networkID, "ports", portID), update, &port)
	return &port, err
}

func (c *Client) DeletePort(ctx context.Context, networkID, portID string) error {
	return c.do(ctx, http.MethodDelete, c.tenantPath("networks", networkID, "ports", portID), nil, nil)
}

func (c *Client) PlugInterface(ctx context.Context, networkID, portID, attachment string) (*model.PortView, error) {
	var port model.PortView
	err := c.do(ctx, http.MethodPut, c.tenantPath("networks", networkID, "ports", portID, "attachment"), map[string]string{"id": attachment}, &port)
	return &port, err
}

func (c *Client) UnplugInterface(ctx context.Context, networkID, portID string) (*model.PortView, error) {
	var port model.PortView
	err := c.do(ctx, http.MethodDelete, c.tenantPath("networks", networkID, "ports", portID, "attachment"), nil, &port)
	return &port, err
}

func (c *Client) GetPortBinding(ctx context.Context, networkID, portID string) (*model.PortBinding, error) {
	var binding model.PortBinding
	err := c.do(ctx, http.MethodGet, c.tenantPath("networks", networkID, "ports", portID, "binding"), nil, &binding)
	return &binding, err
}

func (c *Client) GetPortAttributes(ctx context.Context, networkID, portID string) (model.PortAttributes, error) {
	var attrs model.PortAttributes
	err := c.do(ctx, http.MethodGet, c.tenantPath("networks", networkID, "ports", portID, "attributes"), nil, &attrs)
	return attrs, err
}

func (c *Client) SetPortAttributes(ctx context.Context, networkID, portID string, attrs model.PortAttributes) (model.PortAttributes, error) {
	var stored model.PortAttributes
	err := c.do(ctx, http.MethodPut, c.tenantPath("networks", networkID, "ports", portID, "attributes"), attrs, &stored)
	return stored, err
}

// Pool

func (c *Client) PoolStats(ctx context.Context) (*transport.Stats, error) {
	var stats transport.Stats
	err := c.do(ctx, http.MethodGet, "/api/pool", nil, &stats)
	return &stats, err
}

func (c *Client) Reconcile(ctx context.Context) (*worker.Report, error) {
	var report worker.Report
	err := c.do(ctx, http.MethodPost, "/api/pool/reconcile", nil, &report)
	return &report, err
}
