package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"blockci/internal/core"
)

// Client talks to a blockci server.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient returns a Client for baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 30 * time.Second},
	}
}

// Trigger submits a trigger event and returns the queued run id.
func (c *Client) Trigger(ctx context.Context, t core.Trigger) (*TriggerResponse, error) {
	body, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var out TriggerResponse
	if err := c.do(ctx, http.MethodPost, "/triggers", body, http.StatusAccepted, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Run fetches one run, with its report once finished.
func (c *Client) Run(ctx context.Context, id string) (*RunView, error) {
	var out RunView
	if err := c.do(ctx, http.MethodGet, "/runs/"+id, nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Wait polls a run until it leaves the queued and running states.
func (c *Client) Wait(ctx context.Context, id string, interval time.Duration) (*RunView, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		v, err := c.Run(ctx, id)
		if err != nil {
			return nil, err
		}
		if v.Status != StatusQueued && v.Status != StatusRunning {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, e.Error)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
