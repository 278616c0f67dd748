// Package pairclient drives the agent side of device pairing: request a
// code from the relay, let the user approve it in a browser, poll until
// the relay hands back a long-lived token.
package pairclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"time"
)

const (
	requestTimeout = 10 * time.Second
	pollInterval   = 2 * time.Second
)

// Pairing is the relay's answer to a pair request.
type Pairing struct {
	Code      string `json:"code"`
	PairURL   string `json:"pairUrl"`
	ExpiresIn int    `json:"expiresIn"`
}

// Approval is the relay's answer once the browser approves the code.
type Approval struct {
	Status  string `json:"status"`
	Token   string `json:"token,omitempty"`
	AgentID string `json:"agentId,omitempty"`
}

// ErrExpired means the pairing code lapsed before approval.
var ErrExpired = fmt.Errorf("pairing code expired")

// Client talks to the relay's pairing endpoints.
type Client struct {
	baseURL string
	version string
	http    *http.Client
}

func New(baseURL, version string) *Client {
	return &Client{
		baseURL: baseURL,
		version: version,
		http:    &http.Client{Timeout: requestTimeout},
	}
}

// Start requests a fresh pairing code.
func (c *Client) Start(ctx context.Context) (*Pairing, error) {
	hostname, _ := os.Hostname()
	body, _ := json.Marshal(map[string]string{
		"hostname": hostname,
		"os":       runtime.GOOS,
		"version":  c.version,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/agents/pair", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request pairing code: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("pairing request failed: %s", resp.Status)
	}

	var p Pairing
	if err := json.NewDecoder(resp.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("parse pairing response: %w", err)
	}
	return &p, nil
}

// Wait polls the pairing status until the code is approved, expires, or
// ctx is cancelled.
func (c *Client) Wait(ctx context.Context, code string) (*Approval, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}

		approval, err := c.poll(ctx, code)
		if err != nil {
			return nil, err
		}
		if approval != nil && approval.Status == "approved" {
			return approval, nil
		}
	}
}

func (c *Client) poll(ctx context.Context, code string) (*Approval, error) {
	u := c.baseURL + "/api/agents/pair-status?code=" + url.QueryEscape(code)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		// Transient; the next tick retries.
		return nil, nil
	}
	defer func() { _ = resp.Body.Close() }()

	switch resp.StatusCode {
	case http.StatusOK:
		var a Approval
		if err := json.NewDecoder(resp.Body).Decode(&a); err != nil {
			return nil, fmt.Errorf("parse pair status: %w", err)
		}
		return &a, nil
	case http.StatusGone:
		return nil, ErrExpired
	case http.StatusNotFound:
		return nil, fmt.Errorf("pairing code unknown (already used?)")
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil
	}
}
