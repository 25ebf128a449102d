package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"heimdallr/internal/config"
	"heimdallr/internal/notifications"
)

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = ""
	svc := notifications.NewService(&cfg)
	if err := svc.Publish(context.Background(), notifications.EventCaseCompleted, notifications.Payload{"caseID": "X"}); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	tests := []struct {
		name           string
		event          notifications.Event
		payload        notifications.Payload
		expectTitle    string
		expectMessage  string
		expectTags     string
		expectPriority string
	}{
		{
			name:          "study delivered",
			event:         notifications.EventStudyDelivered,
			payload:       notifications.Payload{"studyUID": "1.2.3", "instances": 120, "caseID": "SILVA_20260201"},
			expectTitle:   "Heimdallr - Study Delivered",
			expectMessage: "📤 Study delivered: 1.2.3 (120 instances)\nCase: SILVA_20260201",
			expectTags:    "heimdallr,transfer,delivered",
		},
		{
			name:           "delivery failed",
			event:          notifications.EventDeliveryFailed,
			payload:        notifications.Payload{"studyUID": "1.2.3", "attempts": 3, "error": errors.New("status 503")},
			expectTitle:    "Heimdallr - Delivery Failed",
			expectMessage:  "❌ Delivery failed: 1.2.3 after 3 attempts\nstatus 503",
			expectTags:     "heimdallr,transfer,failed",
			expectPriority: "high",
		},
		{
			name:          "case completed",
			event:         notifications.EventCaseCompleted,
			payload:       notifications.Payload{"caseID": "CASE1", "elapsed": 95 * time.Second},
			expectTitle:   "Heimdallr - Case Complete",
			expectMessage: "✅ Case complete: CASE1 in 1m35s",
			expectTags:    "heimdallr,case,completed",
		},
		{
			name:           "case failed",
			event:          notifications.EventCaseFailed,
			payload:        notifications.Payload{"caseID": "CASE1", "stage": "tissue", "error": "mask missing"},
			expectTitle:    "Heimdallr - Case Failed",
			expectMessage:  "❌ Case failed: CASE1 at tissue: mask missing",
			expectTags:     "heimdallr,case,failed",
			expectPriority: "high",
		},
		{
			name:           "error",
			event:          notifications.EventError,
			payload:        notifications.Payload{"context": "receiver", "error": "bind failed"},
			expectTitle:    "Heimdallr - Error",
			expectMessage:  "❌ Error with receiver: bind failed",
			expectTags:     "heimdallr,error,alert",
			expectPriority: "high",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var captured struct {
				title    string
				tags     string
				priority string
				body     string
			}

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost {
					t.Errorf("unexpected method: %s", r.Method)
				}
				captured.title = r.Header.Get("Title")
				captured.tags = r.Header.Get("Tags")
				captured.priority = r.Header.Get("Priority")
				body, _ := io.ReadAll(r.Body)
				captured.body = string(body)
				w.WriteHeader(http.StatusOK)
			}))
			defer server.Close()

			cfg := config.Default()
			cfg.Notifications.NtfyTopic = server.URL
			cfg.Notifications.RequestTimeout = 5

			svc := notifications.NewService(&cfg)
			if err := svc.Publish(context.Background(), tc.event, tc.payload); err != nil {
				t.Fatalf("notification returned error: %v", err)
			}

			if captured.title != tc.expectTitle {
				t.Fatalf("expected title %q, got %q", tc.expectTitle, captured.title)
			}
			if captured.body != tc.expectMessage {
				t.Fatalf("expected message %q, got %q", tc.expectMessage, captured.body)
			}
			if captured.tags != tc.expectTags {
				t.Fatalf("expected tags %q, got %q", tc.expectTags, captured.tags)
			}
			if captured.priority != tc.expectPriority {
				t.Fatalf("expected priority %q, got %q", tc.expectPriority, captured.priority)
			}
		})
	}
}

func TestNtfyServiceHonoursEventToggles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Errorf("unexpected call for suppressed event: %s", r.Header.Get("Title"))
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.Deliveries = false
	cfg.Notifications.Cases = false

	svc := notifications.NewService(&cfg)
	for _, event := range []notifications.Event{notifications.EventStudyDelivered, notifications.EventCaseCompleted, notifications.Event("unknown")} {
		if err := svc.Publish(context.Background(), event, notifications.Payload{}); err != nil {
			t.Fatalf("expected no error for suppressed event %s, got %v", event, err)
		}
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "topic closed", http.StatusForbidden)
	}))
	defer server.Close()

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	if err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventTest, nil); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
