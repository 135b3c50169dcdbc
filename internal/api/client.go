package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/havencarlson/CS/internal/events"
	"github.com/havencarlson/CS/internal/httputil"
)

// Client talks to a running checksum app over its HTTP API.
type Client struct {
	BaseURL string
	HTTP    httputil.Doer
}

func NewClient(baseURL string, doer httputil.Doer) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{BaseURL: strings.TrimRight(baseURL, "/"), HTTP: doer}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb httputil.ErrorBody
		if json.Unmarshal(data, &eb) == nil && eb.Error != "" {
			return fmt.Errorf("%s %s: %d: %s", method, path, resp.StatusCode, eb.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}

// SendCommand uplinks one command and returns how it was handled.
func (c *Client) SendCommand(ctx context.Context, req CommandRequest) (CommandResponse, error) {
	var resp CommandResponse
	err := c.do(ctx, http.MethodPost, "/api/command", req, &resp)
	return resp, err
}

func (c *Client) Housekeeping(ctx context.Context) (Housekeeping, error) {
	var hk Housekeeping
	err := c.do(ctx, http.MethodGet, "/api/housekeeping", nil, &hk)
	return hk, err
}

// Events returns up to limit recent events, newest first.
func (c *Client) Events(ctx context.Context, limit int) ([]events.Event, error) {
	var evs []events.Event
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("/api/events?limit=%d", limit), nil, &evs)
	return evs, err
}

// Poke overwrites memory image bytes on the app.
func (c *Client) Poke(ctx context.Context, req PokeRequest) error {
	return c.do(ctx, http.MethodPost, "/api/poke", req, nil)
}
