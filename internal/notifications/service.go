package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"heimdallr/internal/config"
)

const userAgent = "Heimdallr-Go/0.1.0"

// Event names a pipeline milestone.
type Event string

const (
	EventStudyDelivered Event = "study_delivered"
	EventDeliveryFailed Event = "delivery_failed"
	EventCaseCompleted  Event = "case_completed"
	EventCaseFailed     Event = "case_failed"
	EventError          Event = "error"
	EventTest           Event = "test"
)

// Payload carries event fields keyed by name.
type Payload map[string]any

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint:   topic,
		client:     &http.Client{Timeout: timeout},
		deliveries: cfg.Notifications.Deliveries,
		cases:      cfg.Notifications.Cases,
	}
}

type message struct {
	title    string
	body     string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint   string
	client     *http.Client
	deliveries bool
	cases      bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, payload Payload) error {
	msg, ok := n.format(event, payload)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) format(event Event, p Payload) (message, bool) {
	switch event {
	case EventStudyDelivered:
		if !n.deliveries {
			return message{}, false
		}
		body := fmt.Sprintf("📤 Study delivered: %s (%d instances)", p.str("studyUID"), p.integer("instances"))
		if caseID := p.str("caseID"); caseID != "" {
			body += "\nCase: " + caseID
		}
		return message{title: "Heimdallr - Study Delivered", body: body, tags: []string{"heimdallr", "transfer", "delivered"}}, true
	case EventDeliveryFailed:
		body := fmt.Sprintf("❌ Delivery failed: %s after %d attempts", p.str("studyUID"), p.integer("attempts"))
		if reason := p.str("error"); reason != "" {
			body += "\n" + reason
		}
		return message{title: "Heimdallr - Delivery Failed", body: body, tags: []string{"heimdallr", "transfer", "failed"}, priority: "high"}, true
	case EventCaseCompleted:
		if !n.cases {
			return message{}, false
		}
		body := fmt.Sprintf("✅ Case complete: %s", p.str("caseID"))
		if elapsed := p.duration("elapsed"); elapsed > 0 {
			body += fmt.Sprintf(" in %s", elapsed.Round(time.Second))
		}
		return message{title: "Heimdallr - Case Complete", body: body, tags: []string{"heimdallr", "case", "completed"}}, true
	case EventCaseFailed:
		body := fmt.Sprintf("❌ Case failed: %s", p.str("caseID"))
		if stage := p.str("stage"); stage != "" {
			body += " at " + stage
		}
		if reason := p.str("error"); reason != "" {
			body += ": " + reason
		}
		return message{title: "Heimdallr - Case Failed", body: body, tags: []string{"heimdallr", "case", "failed"}, priority: "high"}, true
	case EventError:
		var b strings.Builder
		b.WriteString("❌ Error")
		if label := p.str("context"); label != "" {
			b.WriteString(" with ")
			b.WriteString(label)
		}
		b.WriteString(": ")
		if reason := p.str("error"); reason != "" {
			b.WriteString(reason)
		} else {
			b.WriteString("unknown")
		}
		return message{title: "Heimdallr - Error", body: b.String(), tags: []string{"heimdallr", "error", "alert"}, priority: "high"}, true
	case EventTest:
		return message{title: "Heimdallr - Test", body: "🧪 Notification system test", tags: []string{"heimdallr", "test"}, priority: "low"}, true
	}
	return message{}, false
}

func (n *ntfyService) send(ctx context.Context, msg message) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.body))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if msg.title != "" {
		req.Header.Set("Title", msg.title)
	}
	if len(msg.tags) > 0 {
		req.Header.Set("Tags", strings.Join(msg.tags, ","))
	}
	if msg.priority != "" && msg.priority != "default" {
		req.Header.Set("Priority", msg.priority)
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

func (p Payload) str(key string) string {
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case error:
		return strings.TrimSpace(v.Error())
	case fmt.Stringer:
		return v.String()
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

func (p Payload) integer(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}

func (p Payload) duration(key string) time.Duration {
	if v, ok := p[key].(time.Duration); ok {
		return v
	}
	return 0
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
