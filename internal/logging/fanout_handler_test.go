package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestNewFanoutHandlerCollapses(t *testing.T) {
	if _, ok := newFanoutHandler(nil, nil).(NoopHandler); !ok {
		t.Fatal("expected NoopHandler when every handler is nil")
	}
	var buf bytes.Buffer
	inner := slog.NewJSONHandler(&buf, nil)
	if h := newFanoutHandler(nil, inner); h != inner {
		t.Fatal("expected single non-nil handler to be returned unwrapped")
	}
}

func TestFanoutHandlerRespectsPerHandlerLevel(t *testing.T) {
	var console, file bytes.Buffer
	h := newFanoutHandler(
		slog.NewTextHandler(&console, &slog.HandlerOptions{Level: slog.LevelWarn}),
		slog.NewJSONHandler(&file, &slog.HandlerOptions{Level: slog.LevelDebug}),
	)
	if !h.Enabled(context.Background(), slog.LevelDebug) {
		t.Fatal("expected debug enabled because one handler accepts it")
	}

	logger := slog.New(h)
	logger.Debug("clone attempt", String("source", "Llama2_7b"))
	logger.Warn("clone retry")

	if strings.Contains(console.String(), "clone attempt") {
		t.Fatalf("warn-level handler received debug record: %q", console.String())
	}
	if !strings.Contains(console.String(), "clone retry") {
		t.Fatalf("warn-level handler missed warn record: %q", console.String())
	}
	if strings.Count(file.String(), "\n") != 2 {
		t.Fatalf("debug-level handler expected both records, got %q", file.String())
	}
}

func TestFanoutHandlerPropagatesAttrsAndGroups(t *testing.T) {
	var a, b bytes.Buffer
	h := newFanoutHandler(slog.NewJSONHandler(&a, nil), slog.NewJSONHandler(&b, nil))
	slog.New(h).With(String("stage", "reduce")).WithGroup("artifact").Info("done", String("profile", "q4_0"))

	for _, out := range []string{a.String(), b.String()} {
		if !strings.Contains(out, `"stage":"reduce"`) || !strings.Contains(out, `"artifact":{"profile":"q4_0"}`) {
			t.Fatalf("attrs or group missing: %q", out)
		}
	}
}
