package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ggmlforge/internal/config"
)

const userAgent = "ggmlforge/0.1.0"

// Service defines the notification surface exposed to the pipeline.
type Service interface {
	NotifyConversionCompleted(ctx context.Context, source, profile, artifact string, duration time.Duration) error
	NotifyConversionFailed(ctx context.Context, source, profile string, err error) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:    topic,
		client:      &http.Client{Timeout: timeout},
		completions: cfg.Notifications.Completions,
		errors:      cfg.Notifications.Errors,
	}
}

// NewNoop returns a service that discards every notification.
func NewNoop() Service {
	return noopService{}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint    string
	client      *http.Client
	completions bool
	errors      bool
}

func (n *ntfyService) NotifyConversionCompleted(ctx context.Context, source, profile, artifact string, duration time.Duration) error {
	if !n.completions {
		return nil
	}
	message := fmt.Sprintf("✅ %s quantized to %s", strings.TrimSpace(source), strings.TrimSpace(profile))
	if artifact = strings.TrimSpace(artifact); artifact != "" {
		message = fmt.Sprintf("%s\nFile: %s", message, artifact)
	}
	if duration = duration.Round(time.Second); duration > 0 {
		message = fmt.Sprintf("%s\nTook: %s", message, duration)
	}
	return n.send(ctx, payload{
		title:   "ggmlforge - Conversion Complete",
		message: message,
		tags:    []string{"ggmlforge", "convert", "completed"},
	})
}

func (n *ntfyService) NotifyConversionFailed(ctx context.Context, source, profile string, err error) error {
	if !n.errors {
		return nil
	}
	var builder strings.Builder
	builder.WriteString("❌ ")
	builder.WriteString(strings.TrimSpace(source))
	if profile = strings.TrimSpace(profile); profile != "" {
		builder.WriteString(" (")
		builder.WriteString(profile)
		builder.WriteString(")")
	}
	builder.WriteString(" failed: ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}
	return n.send(ctx, payload{
		title:    "ggmlforge - Conversion Failed",
		message:  builder.String(),
		tags:     []string{"ggmlforge", "error", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    "ggmlforge - Test",
		message:  "🧪 Notification system test",
		tags:     []string{"ggmlforge", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifyConversionCompleted(context.Context, string, string, string, time.Duration) error {
	return nil
}
func (noopService) NotifyConversionFailed(context.Context, string, string, error) error { return nil }
func (noopService) TestNotification(context.Context) error                             { return nil }
