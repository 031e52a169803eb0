package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// DiscordSender delivers alerts via a Discord webhook, rendered as embeds
// colored by severity.
type DiscordSender struct {
	webhookURL string
	client     *http.Client
}

// NewDiscordSender creates a sender for the given webhook URL.
func NewDiscordSender(webhookURL string) *DiscordSender {
	return &DiscordSender{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
}

func severityColor(s Severity) int {
	switch s {
	case SeverityCritical:
		return 0xE74C3C
	case SeverityWarning:
		return 0xF1C40F
	default:
		return 0x3498DB
	}
}

type discordEmbed struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Color       int    `json:"color"`
	Timestamp   string `json:"timestamp,omitempty"`
}

// Send posts the alert as a single embed. Discord returns 204 on success.
func (d *DiscordSender) Send(ctx context.Context, alert Alert) error {
	payload := map[string]any{
		"embeds": []discordEmbed{{
			Title:       alert.Title,
			Description: alert.Body,
			Color:       severityColor(alert.Severity),
			Timestamp:   alert.At.Format(time.RFC3339),
		}},
	}
	if err := postJSON(ctx, d.client, d.webhookURL, payload); err != nil {
		return fmt.Errorf("discord: %w", err)
	}
	return nil
}

// Name returns the sender identifier.
func (d *DiscordSender) Name() string {
	return "discord"
}
