package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"emconnect.org/internal/config"
	"emconnect.org/internal/obs"
)

// ErrSimulatedFailure is returned by LogSender when a failure is injected.
var ErrSimulatedFailure = errors.New("notify: simulated delivery failure")

// LogSender writes messages to the structured log instead of sending them.
// FailureRate in [0,1] injects delivery failures for exercising retries.
type LogSender struct {
	FailureRate float64
	rand        func() float64
}

func NewLogSender(failureRate float64) *LogSender {
	return &LogSender{FailureRate: failureRate, rand: rand.Float64}
}

func (s *LogSender) Send(_ context.Context, to, message string) (string, error) {
	id := uuid.NewString()
	obs.Info("sms_dev_send", map[string]any{"message_id": id, "to": maskAddress(to), "chars": len([]rune(message))})
	if s.FailureRate > 0 && s.rand != nil && s.rand() < s.FailureRate {
		return "", ErrSimulatedFailure
	}
	return id, nil
}

// maskAddress keeps only the last four characters.
func maskAddress(to string) string {
	r := []rune(to)
	if len(r) <= 4 {
		return strings.Repeat("*", len(r))
	}
	return strings.Repeat("*", len(r)-4) + string(r[len(r)-4:])
}

// WebhookSender posts messages to an HTTP SMS gateway.
type WebhookSender struct {
	url    string
	auth   string
	client *http.Client
}

func NewWebhookSender(url, authHeader string, client *http.Client) (*WebhookSender, error) {
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("notify: webhook url is required")
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &WebhookSender{url: url, auth: authHeader, client: client}, nil
}

type webhookRequest struct {
	ID      string `json:"id"`
	To      string `json:"to"`
	Message string `json:"message"`
}

func (s *WebhookSender) Send(ctx context.Context, to, message string) (string, error) {
	id := uuid.NewString()
	body, err := json.Marshal(webhookRequest{ID: id, To: to, Message: message})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", id)
	if s.auth != "" {
		req.Header.Set("Authorization", s.auth)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sms webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("sms webhook: status %d", resp.StatusCode)
	}
	return id, nil
}

// SenderFromConfig selects the SMS provider.
func SenderFromConfig(cfg config.SMSConfig) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "log", "dev":
		return NewLogSender(cfg.FailureRate), nil
	case "webhook":
		return NewWebhookSender(cfg.WebhookURL, cfg.WebhookAuth, nil)
	default:
		return nil, fmt.Errorf("notify: unknown sms provider %q", cfg.Provider)
	}
}
