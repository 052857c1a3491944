package notifications_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"ggmlforge/internal/config"
	"ggmlforge/internal/notifications"
)

type captured struct {
	title    string
	tags     string
	priority string
	body     string
}

func newCaptureServer(t *testing.T, status int) (*httptest.Server, func() []captured) {
	t.Helper()
	var mu sync.Mutex
	var requests []captured
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		requests = append(requests, captured{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			body:     string(body),
		})
		mu.Unlock()
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []captured {
		mu.Lock()
		defer mu.Unlock()
		return append([]captured(nil), requests...)
	}
}

func TestNewServiceReturnsNoopWhenTopicMissing(t *testing.T) {
	cfg := config.Default()
	svc := notifications.NewService(&cfg)
	if err := svc.NotifyConversionFailed(context.Background(), "Llama2_7b", "Q4", errors.New("boom")); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
	if err := svc.TestNotification(context.Background()); err != nil {
		t.Fatalf("expected noop notifier to return nil, got %v", err)
	}
}

func TestNtfyServiceFormatsPayloads(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusOK)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL + "/ggmlforge"
	svc := notifications.NewService(&cfg)
	ctx := context.Background()

	if err := svc.NotifyConversionCompleted(ctx, "Llama2_7b", "Q4", "/work/outputs/Llama2_7b-q4_0.bin", 90*time.Second); err != nil {
		t.Fatalf("NotifyConversionCompleted: %v", err)
	}
	if err := svc.NotifyConversionFailed(ctx, "Llama2Chat7b", "Q8", errors.New("convert: ConversionFailed")); err != nil {
		t.Fatalf("NotifyConversionFailed: %v", err)
	}
	if err := svc.TestNotification(ctx); err != nil {
		t.Fatalf("TestNotification: %v", err)
	}

	got := requests()
	if len(got) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(got))
	}
	if got[0].title != "ggmlforge - Conversion Complete" || got[0].tags != "ggmlforge,convert,completed" {
		t.Fatalf("unexpected completion headers %+v", got[0])
	}
	if !strings.Contains(got[0].body, "Llama2_7b quantized to Q4") || !strings.Contains(got[0].body, "Took: 1m30s") {
		t.Fatalf("unexpected completion body %q", got[0].body)
	}
	if got[1].priority != "high" || !strings.Contains(got[1].body, "Llama2Chat7b (Q8) failed: convert: ConversionFailed") {
		t.Fatalf("unexpected failure payload %+v", got[1])
	}
	if got[2].priority != "low" || got[2].title != "ggmlforge - Test" {
		t.Fatalf("unexpected test payload %+v", got[2])
	}
}

func TestNtfyServiceHonorsToggles(t *testing.T) {
	srv, requests := newCaptureServer(t, http.StatusOK)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL
	cfg.Notifications.Completions = false
	cfg.Notifications.Errors = false
	svc := notifications.NewService(&cfg)

	_ = svc.NotifyConversionCompleted(context.Background(), "a", "Q4", "", 0)
	_ = svc.NotifyConversionFailed(context.Background(), "a", "Q4", nil)
	if n := len(requests()); n != 0 {
		t.Fatalf("expected disabled notifications to be skipped, got %d", n)
	}
}

func TestNtfyServiceReportsHTTPErrors(t *testing.T) {
	srv, _ := newCaptureServer(t, http.StatusTooManyRequests)
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = srv.URL
	svc := notifications.NewService(&cfg)

	err := svc.TestNotification(context.Background())
	if err == nil || !strings.Contains(err.Error(), "429") {
		t.Fatalf("expected status error, got %v", err)
	}
}
