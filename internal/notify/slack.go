package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"coinflow/config"
)

// Slack posts events to an incoming webhook.
type Slack struct {
	webhookURL string
	username   string
	client     *http.Client
}

// NewSlack returns a Slack sink. A nil client gets a 10 second timeout.
func NewSlack(cfg config.SlackConfig, client *http.Client) *Slack {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Slack{webhookURL: cfg.WebhookURL, username: cfg.Username, client: client}
}

type slackPayload struct {
	Username string `json:"username,omitempty"`
	Text     string `json:"text"`
}

func (s *Slack) Notify(ctx context.Context, event Event) error {
	text := event.String()
	if event.Status == StatusFailed {
		text = ":red_circle: " + text
	} else {
		text = ":large_green_circle: " + text
	}
	body, err := json.Marshal(slackPayload{Username: s.username, Text: text})
	if err != nil {
		return fmt.Errorf("failed to encode slack payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to post slack notification: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("slack webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(msg))
	}
	return nil
}
