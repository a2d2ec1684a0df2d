package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/smtp"
	"strings"

	"github.com/breeze-rmm/breeze/internal/httperr"
	"github.com/slack-go/slack"
)

// EmailSender delivers over SMTP with the channel's own server credentials.
type EmailSender struct{}

type emailConfig struct {
	Host     string   `json:"host"`
	Port     int      `json:"port"`
	Username string   `json:"username"`
	Password string   `json:"password"`
	From     string   `json:"from"`
	To       []string `json:"to"`
}

func (s *EmailSender) Send(_ context.Context, config json.RawMessage, msg *Message) error {
	var cfg emailConfig
	if err := json.Unmarshal(config, &cfg); err != nil {
		return httperr.Validation("malformed email channel config", nil)
	}
	if cfg.Host == "" || cfg.From == "" || len(cfg.To) == 0 {
		return httperr.Validation("email channel requires host, from, to", nil)
	}
	if cfg.Port == 0 {
		cfg.Port = 587
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", cfg.From)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(cfg.To, ", "))
	fmt.Fprintf(&body, "Subject: [%s] %s\r\n", strings.ToUpper(msg.Severity), msg.Title)
	body.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	body.WriteString(msg.Body)
	body.WriteString("\r\n")

	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	if err := smtp.SendMail(addr, auth, cfg.From, cfg.To, []byte(body.String())); err != nil {
		return httperr.External("smtp send failed", err)
	}
	return nil
}

// SlackSender posts through an incoming-webhook URL.
type SlackSender struct{}

type slackConfig struct {
	WebhookURL string `json:"webhookUrl"`
	Channel    string `json:"channel,omitempty"`
}

func (s *SlackSender) Send(ctx context.Context, config json.RawMessage, msg *Message) error {
	var cfg slackConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.WebhookURL == "" {
		return httperr.Validation("malformed slack channel config", nil)
	}

	payload := &slack.WebhookMessage{
		Channel: cfg.Channel,
		Attachments: []slack.Attachment{{
			Color: severityColor(msg.Severity),
			Title: msg.Title,
			Text:  msg.Body,
		}},
	}
	if err := slack.PostWebhookContext(ctx, cfg.WebhookURL, payload); err != nil {
		return httperr.External("slack post failed", err)
	}
	return nil
}

func severityColor(severity string) string {
	switch severity {
	case "critical":
		return "danger"
	case "warning":
		return "warning"
	default:
		return "#439FE0"
	}
}

// TeamsSender posts a MessageCard to a Teams incoming webhook.
type TeamsSender struct {
	client *http.Client
}

type teamsConfig struct {
	WebhookURL string `json:"webhookUrl"`
}

func (s *TeamsSender) Send(ctx context.Context, config json.RawMessage, msg *Message) error {
	var cfg teamsConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.WebhookURL == "" {
		return httperr.Validation("malformed teams channel config", nil)
	}
	card := map[string]any{
		"@type":    "MessageCard",
		"@context": "https://schema.org/extensions",
		"summary":  msg.Title,
		"title":    msg.Title,
		"text":     msg.Body,
	}
	return postJSON(ctx, s.client, cfg.WebhookURL, nil, card)
}

// WebhookSender posts the raw message as JSON to a tenant URL.
type WebhookSender struct {
	client *http.Client
}

type webhookChannelConfig struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

func (s *WebhookSender) Send(ctx context.Context, config json.RawMessage, msg *Message) error {
	var cfg webhookChannelConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.URL == "" {
		return httperr.Validation("malformed webhook channel config", nil)
	}
	body := map[string]string{
		"title":    msg.Title,
		"message":  msg.Body,
		"severity": msg.Severity,
		"alertId":  msg.AlertID,
	}
	return postJSON(ctx, s.client, cfg.URL, cfg.Headers, body)
}

// PagerDutySender triggers an incident through the Events API v2.
type PagerDutySender struct {
	client *http.Client
}

type pagerDutyConfig struct {
	RoutingKey string `json:"routingKey"`
}

const pagerDutyEventsURL = "https://events.pagerduty.com/v2/enqueue"

func (s *PagerDutySender) Send(ctx context.Context, config json.RawMessage, msg *Message) error {
	var cfg pagerDutyConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.RoutingKey == "" {
		return httperr.Validation("malformed pagerduty channel config", nil)
	}
	event := map[string]any{
		"routing_key":  cfg.RoutingKey,
		"event_action": "trigger",
		"dedup_key":    msg.AlertID,
		"payload": map[string]any{
			"summary":  msg.Title,
			"source":   "breeze",
			"severity": pagerDutySeverity(msg.Severity),
			"custom_details": map[string]string{
				"message": msg.Body,
			},
		},
	}
	return postJSON(ctx, s.client, pagerDutyEventsURL, nil, event)
}

func pagerDutySeverity(severity string) string {
	switch severity {
	case "critical":
		return "critical"
	case "warning":
		return "warning"
	default:
		return "info"
	}
}

// SMSSender posts to a tenant-configured SMS gateway.
type SMSSender struct {
	client *http.Client
}

type smsConfig struct {
	URL    string   `json:"url"`
	APIKey string   `json:"apiKey,omitempty"`
	To     []string `json:"to"`
}

func (s *SMSSender) Send(ctx context.Context, config json.RawMessage, msg *Message) error {
	var cfg smsConfig
	if err := json.Unmarshal(config, &cfg); err != nil || cfg.URL == "" || len(cfg.To) == 0 {
		return httperr.Validation("malformed sms channel config", nil)
	}
	headers := map[string]string{}
	if cfg.APIKey != "" {
		headers["Authorization"] = "Bearer " + cfg.APIKey
	}
	body := map[string]any{
		"to":      cfg.To,
		"message": fmt.Sprintf("[%s] %s: %s", strings.ToUpper(msg.Severity), msg.Title, msg.Body),
	}
	return postJSON(ctx, s.client, cfg.URL, headers, body)
}

func postJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return httperr.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return httperr.Validation("invalid channel url", nil)
	}
	req.Header.Set("Content-Type", "application/json")
	for name, value := range headers {
		req.Header.Set(name, value)
	}

	resp, err := client.Do(req)
	if err != nil {
		return httperr.External("channel request failed", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode >= 300 {
		return httperr.External(fmt.Sprintf("channel endpoint returned %d", resp.StatusCode), nil)
	}
	return nil
}
