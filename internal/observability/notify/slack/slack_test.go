package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docketwatch/docketwatch/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatMessageIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#docketwatch-alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobEventPayload{
		Event:       notify.EventJobFailed,
		JobID:       "job-123",
		QueueName:   "case-processing",
		CaseID:      "case-1",
		Attempts:    3,
		MaxAttempts: 3,
		Error:       "summarizer unavailable",
		ErrorClass:  "unavailable",
		Severity:    notify.SeverityCritical,
		Degraded:    []string{"search_authorities"},
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#docketwatch-alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !containsAll(text, []string{
		"Job failure alert", "job-123", "case-processing", "case-1",
		"3/3", "summarizer unavailable", "unavailable", "critical", "search_authorities",
	}) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatMessageCaseLink(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL:    "https://hooks.slack.com/services/test",
		CaseURLPrefix: "https://app.docketwatch.local/cases",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobEventPayload{
		Event:  notify.EventJobRetrying,
		CaseID: "case-123",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	expected := "<https://app.docketwatch.local/cases/case-123|case-123>"
	if !strings.Contains(text, expected) {
		t.Fatalf("expected case link %q in text: %s", expected, text)
	}
}

func TestFormatMessageEscapesCaseID(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatMessage(notify.JobEventPayload{
		Event:  notify.EventJobFailed,
		CaseID: "case <1> & co",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	if !strings.Contains(text, "case &lt;1&gt; &amp; co") {
		t.Fatalf("expected escaped case id, got: %s", text)
	}
}

func TestFormatCaseValuePermutations(t *testing.T) {
	tcs := []struct {
		name   string
		caseID string
		prefix string
		want   string
	}{
		{
			name:   "id with link",
			caseID: "case-1",
			prefix: "https://app.example/cases",
			want:   "<https://app.example/cases/case-1|case-1>",
		},
		{
			name:   "id without link",
			caseID: "case-2",
			prefix: "not a url",
			want:   "case-2",
		},
		{
			name:   "empty id",
			prefix: "https://app.example/cases",
			want:   "",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			client, err := NewClient(Config{
				WebhookURL:    "https://hooks.slack.com/services/test",
				CaseURLPrefix: tc.prefix,
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			got := client.formatCaseValue(tc.caseID)
			if got != tc.want {
				t.Fatalf("formatCaseValue(%q) = %q, want %q", tc.caseID, got, tc.want)
			}
		})
	}
}

func TestSendJobEventPostsWebhook(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("unexpected content type %q", ct)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := client.SendJobEvent(context.Background(), notify.JobEventPayload{
		Event: notify.EventJobFailed,
		JobID: "job-1",
	}); err != nil {
		t.Fatalf("SendJobEvent error: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("expected 1 webhook call, got %d", calls.Load())
	}
}

func TestSendJobEventRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL, RetryLimit: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := client.SendJobEvent(context.Background(), notify.JobEventPayload{Event: notify.EventJobFailed}); err != nil {
		t.Fatalf("SendJobEvent error: %v", err)
	}

	if calls.Load() != 2 {
		t.Fatalf("expected 2 webhook calls, got %d", calls.Load())
	}
}

func TestSendJobEventReturnsLastError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "no", http.StatusInternalServerError)
	}))
	defer srv.Close()

	client, err := NewClient(Config{WebhookURL: srv.URL})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = client.SendJobEvent(context.Background(), notify.JobEventPayload{Event: notify.EventJobFailed})
	if err == nil {
		t.Fatal("expected error from failing webhook")
	}
	if !strings.Contains(err.Error(), "500") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func containsAll(text string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(text, s) {
			return false
		}
	}
	return true
}
