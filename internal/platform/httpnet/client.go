// Package httpnet implements platform.NetworkTransport over net/http against the API origin.
package httpnet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"intelligence-substrate/core/internal/platform"
)

const (
	defaultTimeout = 30 * time.Second
	// beaconTimeout bounds a single fire-and-forget request.
	beaconTimeout = 5 * time.Second
	// maxErrorBody caps how much of a failed response body is kept on StatusError.
	maxErrorBody = 4 << 10
)

// Client is a NetworkTransport for a single base URL.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	// StreamClient is used for OpenStream; it has no overall timeout because stream bodies are long-lived.
	StreamClient *http.Client
	Logger       *zap.Logger

	beacons sync.WaitGroup
}

var _ platform.NetworkTransport = (*Client)(nil)

// New returns a client for baseURL (e.g. http://localhost:8080).
func New(baseURL string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:      strings.TrimSuffix(baseURL, "/"),
		HTTPClient:   &http.Client{Timeout: defaultTimeout},
		StreamClient: &http.Client{},
		Logger:       logger,
	}
}

// PostJSON posts body as JSON and decodes a 2xx response into out.
func (c *Client) PostJSON(ctx context.Context, path string, body, out any) error {
	resp, err := c.do(ctx, c.HTTPClient, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("httpnet: decode %s: %w", path, err)
	}
	return nil
}

// OpenStream posts body and returns the open response body.
func (c *Client) OpenStream(ctx context.Context, path string, body any) (io.ReadCloser, error) {
	resp, err := c.do(ctx, c.StreamClient, path, body)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Beacon marshals body synchronously and sends it on a goroutine with a short timeout, detached from any
// caller context so teardown does not abort it. Errors are logged.
func (c *Client) Beacon(path string, body any) bool {
	raw, err := json.Marshal(body)
	if err != nil {
		c.Logger.Warn("httpnet: beacon marshal failed", zap.String("path", path), zap.Error(err))
		return false
	}
	c.beacons.Add(1)
	go func() {
		defer c.beacons.Done()
		ctx, cancel := context.WithTimeout(context.Background(), beaconTimeout)
		defer cancel()
		resp, err := c.do(ctx, c.HTTPClient, path, json.RawMessage(raw))
		if err != nil {
			c.Logger.Warn("httpnet: beacon failed", zap.String("path", path), zap.Error(err))
			return
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
	return true
}

// Drain waits for in-flight beacons or until ctx is done.
func (c *Client) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		c.beacons.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ping issues a HEAD request to the base URL. Any HTTP response counts as reachable.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.BaseURL+"/", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, path string, body any) (*http.Response, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("httpnet: marshal %s: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		return nil, &platform.StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	return resp, nil
}
