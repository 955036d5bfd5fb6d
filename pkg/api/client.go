package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/raidan-labs/provisiond/pkg/engine"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// Client talks to a provisiond control API.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewClient returns a client for baseURL, e.g. "http://127.0.0.1:8680".
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Error is a non-2xx response.
type Error struct {
	Status int
	APIError
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s, HTTP %d)", e.Message, e.Code, e.Status)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// StartRun submits a configuration document (YAML or JSON).
func (c *Client) StartRun(ctx context.Context, document []byte) (*engine.RunSnapshot, error) {
	var snap engine.RunSnapshot
	if err := c.do(ctx, http.MethodPost, "/v1/runs/", bytes.NewReader(document), &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// GetStatus returns the snapshot of a run.
func (c *Client) GetStatus(ctx context.Context, runID string) (*engine.RunSnapshot, error) {
	var snap engine.RunSnapshot
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CancelRun requests cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, runID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/runs/"+url.PathEscape(runID), nil, nil)
}

// ListRuns lists runs, optionally restricted to tenant.
func (c *Client) ListRuns(ctx context.Context, tenant string) ([]engine.RunSnapshot, error) {
	path := "/v1/runs/"
	if tenant != "" {
		path += "?tenant=" + url.QueryEscape(tenant)
	}
	var runs []engine.RunSnapshot
	if err := c.do(ctx, http.MethodGet, path, nil, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Logs returns the log of a run.
func (c *Client) Logs(ctx context.Context, runID string) ([]engine.LogRecord, error) {
	var logs []engine.LogRecord
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/logs", nil, &logs); err != nil {
		return nil, err
	}
	return logs, nil
}

// Report returns the report of a settled run.
func (c *Client) Report(ctx context.Context, runID string) (*engine.Report, error) {
	var report engine.Report
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+url.PathEscape(runID)+"/report", nil, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Follow streams a run's events to fn until the run settles, ctx ends or
// fn returns an error. The first event is always a snapshot.
func (c *Client) Follow(ctx context.Context, runID string, fn func(event string, data json.RawMessage) error) error {
	return c.stream(ctx, "/v1/runs/"+url.PathEscape(runID)+"/events", fn)
}

// EventQuery narrows the lifecycle event stream.
type EventQuery struct {
	Tenant string
	RunID  string
	Level  string
	Types  []string
}

// Events streams lifecycle events of every run until ctx ends or fn returns
// an error.
func (c *Client) Events(ctx context.Context, q EventQuery, fn func(telemetry.Event) error) error {
	v := url.Values{}
	if q.Tenant != "" {
		v.Set("tenant", q.Tenant)
	}
	if q.RunID != "" {
		v.Set("run", q.RunID)
	}
	if q.Level != "" {
		v.Set("level", q.Level)
	}
	if len(q.Types) > 0 {
		v.Set("type", strings.Join(q.Types, ","))
	}
	path := "/v1/events"
	if len(v) > 0 {
		path += "?" + v.Encode()
	}
	return c.stream(ctx, path, func(_ string, data json.RawMessage) error {
		var e telemetry.Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("failed to decode event: %w", err)
		}
		return fn(e)
	})
}

// stream reads server-sent events from path. Comment lines are skipped.
func (c *Client) stream(ctx context.Context, path string, fn func(event string, data json.RawMessage) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// The stream outlives the request timeout of the regular client.
	hc := *c.httpClient()
	hc.Timeout = 0
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 4<<20)
	var event string
	var data bytes.Buffer
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if event != "" || data.Len() > 0 {
				if err := fn(event, json.RawMessage(append([]byte(nil), data.Bytes()...))); err != nil {
					return err
				}
			}
			event = ""
			data.Reset()
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return ctx.Err()
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/yaml")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func decodeError(resp *http.Response) error {
	e := &Error{Status: resp.StatusCode}
	var body errorBody
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		e.APIError = body.Error
	} else {
		e.Message = strings.TrimSpace(string(data))
		if e.Message == "" {
			e.Message = http.StatusText(resp.StatusCode)
		}
	}
	return e
}
