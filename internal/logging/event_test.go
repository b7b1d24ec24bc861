package logging

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestEventSourceLoggerFields(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	defer Init(DefaultConfig())

	l := NewEventSourceLogger("orders-queue")
	l.LogRecordReceived(context.Background(), "rec-1")

	out := buf.String()
	if !strings.Contains(out, `"source":"orders-queue"`) {
		t.Errorf("expected source field, got %s", out)
	}
	if !strings.Contains(out, `"record_id":"rec-1"`) {
		t.Errorf("expected record_id field, got %s", out)
	}
}

func TestEventSourceLoggerDeadLettered(t *testing.T) {
	var buf bytes.Buffer
	SetLogger(NewTestLogger(&buf))
	defer Init(DefaultConfig())

	l := NewEventSourceLogger("orders-queue")
	l.LogDeadLettered(context.Background(), "rec-2", 5, errors.New("handler timeout"))

	out := buf.String()
	if !strings.Contains(out, `"receive_count":5`) {
		t.Errorf("expected receive_count field, got %s", out)
	}
	if !strings.Contains(out, "record dead-lettered") {
		t.Errorf("expected dead-lettered message, got %s", out)
	}
}
