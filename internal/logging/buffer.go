package logging

import (
	"context"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
)

const defaultBufferCapacity = 500

// Buffer keeps the most recent log lines in order and republishes each new
// line to subscribers. It satisfies zapcore.WriteSyncer.
type Buffer struct {
	mu       sync.Mutex
	messages []string
	capacity int
	feed     *pubsub.Dispatcher[string]
}

// NewBuffer constructs a buffer retaining up to capacity lines.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = defaultBufferCapacity
	}
	return &Buffer{
		capacity: capacity,
		feed:     pubsub.NewDispatcher[string](capacity),
	}
}

func (b *Buffer) Write(p []byte) (int, error) {
	lines := strings.Split(strings.TrimRight(string(p), "\n"), "\n")
	b.mu.Lock()
	for _, line := range lines {
		if line == "" {
			continue
		}
		b.messages = append(b.messages, line)
	}
	if overflow := len(b.messages) - b.capacity; overflow > 0 {
		b.messages = append([]string(nil), b.messages[overflow:]...)
	}
	b.mu.Unlock()
	for _, line := range lines {
		if line != "" {
			b.feed.Publish(line)
		}
	}
	return len(p), nil
}

func (b *Buffer) Sync() error {
	return nil
}

// Messages returns a copy of the retained lines, oldest first.
func (b *Buffer) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.messages...)
}

// Clear drops every retained line.
func (b *Buffer) Clear() {
	b.mu.Lock()
	b.messages = nil
	b.mu.Unlock()
}

// Subscribe streams lines written after the call.
func (b *Buffer) Subscribe(ctx context.Context) *pubsub.Subscription[string] {
	return b.feed.Subscribe(ctx)
}
