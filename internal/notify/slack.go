// Package notify posts deployment summaries to Slack incoming webhooks.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Summary describes a finished pipeline run.
type Summary struct {
	App      string
	RunID    string
	Trigger  string
	Success  bool
	Commit   string
	Duration time.Duration
	// Phase and Error are set for failed runs.
	Phase string
	Error string
}

type message struct {
	Username    string       `json:"username"`
	IconEmoji   string       `json:"icon_emoji"`
	Channel     string       `json:"channel,omitempty"`
	Attachments []attachment `json:"attachments"`
}

type attachment struct {
	Pretext  string  `json:"pretext,omitempty"`
	Color    string  `json:"color"`
	Fallback string  `json:"fallback"`
	Fields   []field `json:"fields,omitempty"`
}

type field struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Short bool   `json:"short"`
}

// Slack posts summaries to an incoming webhook URL.
type Slack struct {
	url      string
	channel  string
	username string
	client   *http.Client
}

// NewSlack returns a notifier for webhookURL. An empty username uses "deployhook-bot".
func NewSlack(webhookURL, channel, username string) *Slack {
	if username == "" {
		username = "deployhook-bot"
	}
	return &Slack{
		url:      webhookURL,
		channel:  channel,
		username: username,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Notify sends s. The caller decides what to do with the error; the
// pipeline only logs it.
func (s *Slack) Notify(ctx context.Context, sum Summary) error {
	body, err := json.Marshal(s.build(sum))
	if err != nil {
		return fmt.Errorf("marshal slack message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post slack message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}

func (s *Slack) build(sum Summary) message {
	fields := []field{
		{Title: "App", Value: sum.App, Short: true},
		{Title: "Trigger", Value: sum.Trigger, Short: true},
	}
	if sum.Commit != "" {
		fields = append(fields, field{Title: "Commit", Value: shortCommit(sum.Commit), Short: true})
	}
	fields = append(fields, field{Title: "Duration", Value: sum.Duration.Round(time.Millisecond).String(), Short: true})

	att := attachment{Color: "good", Fields: fields}
	if sum.Success {
		att.Pretext = fmt.Sprintf("Deployed %s", sum.App)
	} else {
		att.Color = "danger"
		att.Pretext = fmt.Sprintf("Deployment of %s failed in %s", sum.App, sum.Phase)
		att.Fields = append(att.Fields, field{Title: "Error", Value: sum.Error})
	}
	att.Fallback = att.Pretext

	return message{
		Username:    s.username,
		IconEmoji:   ":bar_chart:",
		Channel:     s.channel,
		Attachments: []attachment{att},
	}
}

func shortCommit(c string) string {
	if len(c) > 10 {
		return c[:10]
	}
	return c
}
