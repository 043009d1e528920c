package logging

import (
	"context"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestBufferedLoggerMirrorsMessages(t *testing.T) {
	buffer := NewBuffer(10)
	logger, err := NewBufferedLogger("info", buffer)
	if err != nil {
		t.Fatalf("failed to build logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	subscription := buffer.Subscribe(ctx)

	logger.Debug("hidden")
	logger.Info("replication paused", zap.String("direction", "pull"))

	messages := buffer.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected one buffered message, got %d: %v", len(messages), messages)
	}
	if !strings.Contains(messages[0], "replication paused") {
		t.Fatalf("unexpected message %q", messages[0])
	}

	select {
	case line := <-subscription.C():
		if !strings.Contains(line, "direction") {
			t.Fatalf("expected structured field in %q", line)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected subscriber to receive the line")
	}

	buffer.Clear()
	if len(buffer.Messages()) != 0 {
		t.Fatal("expected cleared buffer")
	}
}

func TestBufferKeepsMostRecentLines(t *testing.T) {
	buffer := NewBuffer(2)
	for _, line := range []string{"one\n", "two\n", "three\n"} {
		if _, err := buffer.Write([]byte(line)); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	messages := buffer.Messages()
	if len(messages) != 2 || messages[0] != "two" || messages[1] != "three" {
		t.Fatalf("unexpected retained lines %v", messages)
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if parseLevel("bogus").String() != "info" {
		t.Fatalf("expected info fallback")
	}
	if parseLevel("WARNING").String() != "warn" {
		t.Fatalf("expected warn level")
	}
}
