package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in   string
		want zerolog.Level
	}{
		{"trace", zerolog.TraceLevel},
		{"debug", zerolog.DebugLevel},
		{"info", zerolog.InfoLevel},
		{"warn", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
		{"disabled", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"bogus", zerolog.InfoLevel},
	}
	for _, c := range cases {
		if got := parseLevel(c.in); got != c.want {
			t.Errorf("parseLevel(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestInitJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Str("provider", "queue").Msg("started")

	out := buf.String()
	if !strings.Contains(out, `"message":"started"`) {
		t.Errorf("expected JSON message field, got %s", out)
	}
	if !strings.Contains(out, `"provider":"queue"`) {
		t.Errorf("expected provider field, got %s", out)
	}
}

func TestInitConsoleOutput(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "info", Format: "console", Output: &buf})
	defer Init(DefaultConfig())

	Info().Msg("hello")

	if !strings.Contains(buf.String(), "hello") {
		t.Errorf("expected console output to contain message, got %s", buf.String())
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	Init(Config{Level: "warn", Format: "json", Output: &buf})
	defer Init(DefaultConfig())

	Info().Msg("should not appear")
	Warn().Msg("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Errorf("info-level message was not filtered: %s", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Errorf("warn-level message missing: %s", out)
	}
}

func TestSetLoggerAndLogger(t *testing.T) {
	var buf bytes.Buffer
	custom := NewTestLogger(&buf)
	SetLogger(custom)
	defer Init(DefaultConfig())

	l := Logger()
	l.Info().Msg("via custom logger")
	if !strings.Contains(buf.String(), "via custom logger") {
		t.Error("expected message logged through custom logger")
	}
}
