// Package loki pushes telemetry batches to Grafana Loki as log streams.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"intelligence-substrate/core/internal/telemetry"
	"intelligence-substrate/core/internal/telemetry/domain"
)

// PushRequest is the Loki push API request body (v1).
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is a single stream with labels and log entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"` // each entry is [timestamp_ns, log_line]
}

// labelSanitize replaces characters we avoid in Loki label values.
var labelSanitize = regexp.MustCompile(`[^a-zA-Z0-9_\-:]`)

// Client is a telemetry.Sender that pushes one stream per (app, event type) pair.
type Client struct {
	baseURL string
	job     string
	http    *http.Client
	logger  *zap.Logger
}

var _ telemetry.Sender = (*Client)(nil)

// NewClient returns a Loki sink for baseURL (e.g. http://localhost:3100). Returns nil when baseURL is empty.
func NewClient(baseURL, job string, logger *zap.Logger) *Client {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		return nil
	}
	if job == "" {
		job = "intelligence-substrate"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		job:     job,
		http:    &http.Client{Timeout: 10 * time.Second},
		logger:  logger,
	}
}

// BuildPush groups events into streams labelled by app and event type. Each line is the event JSON; the entry
// timestamp is the event's own timestamp. Streams are ordered by label for stable output.
func BuildPush(job string, events []domain.TelemetryEvent) (PushRequest, error) {
	byKey := make(map[string]*Stream)
	var keys []string
	for _, e := range events {
		app := sanitize(e.AppID)
		typ := sanitize(string(e.EventType))
		key := app + "\x00" + typ
		s, ok := byKey[key]
		if !ok {
			labels := map[string]string{"job": job}
			if app != "" {
				labels["app_id"] = app
			}
			if typ != "" {
				labels["event_type"] = typ
			}
			s = &Stream{Stream: labels}
			byKey[key] = s
			keys = append(keys, key)
		}
		line, err := json.Marshal(e)
		if err != nil {
			return PushRequest{}, err
		}
		ns := time.UnixMilli(e.Timestamp).UnixNano()
		s.Values = append(s.Values, []string{strconv.FormatInt(ns, 10), string(line)})
	}
	sort.Strings(keys)
	req := PushRequest{Streams: make([]Stream, 0, len(keys))}
	for _, k := range keys {
		req.Streams = append(req.Streams, *byKey[k])
	}
	return req, nil
}

// Send pushes the batch. Returns an error if the HTTP request fails or Loki returns non-2xx.
func (c *Client) Send(ctx context.Context, batch domain.Batch) error {
	if c == nil || len(batch.Events) == 0 {
		return nil
	}
	body, err := BuildPush(c.job, batch.Events)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/loki/api/v1/push", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("loki: push returned %s", resp.Status)
	}
	return nil
}

// Beacon pushes the batch on a background goroutine.
func (c *Client) Beacon(batch domain.Batch) bool {
	if c == nil {
		return false
	}
	return telemetry.SendAsync(c.Send, batch, c.logger)
}

func sanitize(v string) string {
	return labelSanitize.ReplaceAllString(strings.TrimSpace(v), "_")
}
