package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/energizer-project/proxytransport/internal/api"
	"github.com/energizer-project/proxytransport/internal/db"
	"github.com/energizer-project/proxytransport/internal/monitor"
	"github.com/energizer-project/proxytransport/internal/network"
	"github.com/energizer-project/proxytransport/internal/session"
)

// Client queries the admin API of a running process.
type Client struct {
	BaseURL string
	APIKey  string
	HTTP    *http.Client
}

// NewClient creates a client for the API at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		APIKey:  apiKey,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.BaseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	if c.APIKey != "" {
		req.Header.Set(api.APIKeyHeader, c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("request %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s: %s (%d)", path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// Sessions lists open sessions, optionally on one server.
func (c *Client) Sessions(ctx context.Context, server string) ([]session.Info, error) {
	q := url.Values{}
	if server != "" {
		q.Set("server", server)
	}
	var body struct {
		Sessions []session.Info `json:"sessions"`
	}
	err := c.get(ctx, "/api/sessions", q, &body)
	return body.Sessions, err
}

// Pool lists pooled multiplexed connections.
func (c *Client) Pool(ctx context.Context) ([]network.PoolEntry, error) {
	var body struct {
		Connections []network.PoolEntry `json:"connections"`
	}
	err := c.get(ctx, "/api/pool", nil, &body)
	return body.Connections, err
}

// Latency returns per-server latency aggregates.
func (c *Client) Latency(ctx context.Context) ([]monitor.ServerStats, error) {
	var body struct {
		Servers []monitor.ServerStats `json:"servers"`
	}
	err := c.get(ctx, "/api/latency", nil, &body)
	return body.Servers, err
}

// Dumps lists stored buffer dumps.
func (c *Client) Dumps(ctx context.Context, server string, limit int) ([]db.Dump, error) {
	q := url.Values{}
	if server != "" {
		q.Set("server", server)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var body struct {
		Dumps []db.Dump `json:"dumps"`
	}
	err := c.get(ctx, "/api/dumps", q, &body)
	return body.Dumps, err
}
