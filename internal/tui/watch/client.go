package watch

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mattjoyce/deployhook/internal/events"
	"github.com/mattjoyce/deployhook/internal/history"
)

// Client talks to the deployhook admin API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	stream  *http.Client
}

// NewClient returns a client for the API at baseURL authenticating with token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 5 * time.Second},
		stream:  &http.Client{},
	}
}

// Health is the body of GET /healthz.
type Health struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	AppsLoaded    int    `json:"apps_loaded"`
	Subscribers   int    `json:"event_subscribers"`
}

func (c *Client) get(ctx context.Context, client *http.Client, path string, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body)
		if body.Error == "" {
			body.Error = http.StatusText(resp.StatusCode)
		}
		return nil, fmt.Errorf("GET %s: %d %s", path, resp.StatusCode, body.Error)
	}
	return resp, nil
}

// Health fetches GET /healthz.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	resp, err := c.get(ctx, c.http, "/healthz", nil)
	if err != nil {
		return h, err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return h, fmt.Errorf("decode health: %w", err)
	}
	return h, nil
}

// RecentRuns fetches the newest limit runs from GET /runs.
func (c *Client) RecentRuns(ctx context.Context, limit int) ([]history.Run, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	resp, err := c.get(ctx, c.http, "/runs?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body struct {
		Runs []history.Run `json:"runs"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode runs: %w", err)
	}
	return body.Runs, nil
}

// Stream reads GET /events until the connection ends, passing each event to
// emit. Events after lastID are replayed first when lastID > 0.
func (c *Client) Stream(ctx context.Context, lastID int64, emit func(events.Event)) error {
	header := http.Header{}
	header.Set("Accept", "text/event-stream")
	if lastID > 0 {
		header.Set("Last-Event-ID", strconv.FormatInt(lastID, 10))
	}
	resp, err := c.get(ctx, c.stream, "/events", header)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return readSSE(resp.Body, emit)
}

// readSSE parses a text/event-stream body. Comment lines are keep-alives.
func readSSE(r io.Reader, emit func(events.Event)) error {
	scanner := bufio.NewScanner(r)
	var (
		ev      events.Event
		hasData bool
	)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if hasData {
				if ev.At.IsZero() {
					ev.At = time.Now()
				}
				emit(ev)
			}
			ev, hasData = events.Event{}, false
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "id:"):
			if id, err := strconv.ParseInt(strings.TrimSpace(line[3:]), 10, 64); err == nil {
				ev.ID = id
			}
		case strings.HasPrefix(line, "event:"):
			ev.Type = strings.TrimSpace(line[6:])
		case strings.HasPrefix(line, "data:"):
			ev.Data = append(ev.Data, strings.TrimPrefix(line[5:], " ")...)
			hasData = true
		}
	}
	return scanner.Err()
}
