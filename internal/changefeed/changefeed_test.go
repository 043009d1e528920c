package changefeed

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/timetracker/internal/pubsub"
	"github.com/MarcoPoloResearchLab/timetracker/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	assert.Equal(t, ScopeRecurring, Classify("LT-1700000000000"))
	assert.Equal(t, ScopeRecurring, Classify("LT-TS-1700000000001"))
	assert.Equal(t, ScopeStopwatch, Classify("SW-1700000000000"))
	assert.Equal(t, ScopeStopwatch, Classify("SW-TS-1700000000001"))
	assert.Equal(t, ScopeAll, Classify("settings"))
	assert.Equal(t, ScopeAll, Classify("LTX-1"))
}

func TestMerge(t *testing.T) {
	assert.Equal(t, ScopeRecurring, Merge(ScopeRecurring, ScopeRecurring))
	assert.Equal(t, ScopeAll, Merge(ScopeRecurring, ScopeStopwatch))
	assert.Equal(t, ScopeAll, Merge(ScopeAll, ScopeStopwatch))
	assert.True(t, ScopeAll.Includes(ScopeStopwatch))
	assert.False(t, ScopeRecurring.Includes(ScopeStopwatch))
}

func TestDebounceCoalescesBursts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	in := make(chan int)
	out := Debounce(ctx, in, 50*time.Millisecond, func(a, b int) int { return a + b })

	for i := 1; i <= 5; i++ {
		in <- i
	}
	select {
	case total := <-out:
		assert.Equal(t, 15, total)
	case <-time.After(time.Second):
		t.Fatal("debounced value was not emitted")
	}

	select {
	case extra := <-out:
		t.Fatalf("unexpected second emission %d", extra)
	case <-time.After(120 * time.Millisecond):
	}
}

func TestDebounceFlushesOnClose(t *testing.T) {
	in := make(chan int, 2)
	in <- 1
	in <- 2
	close(in)
	out := Debounce(context.Background(), in, time.Hour, func(a, b int) int { return a + b })

	select {
	case total := <-out:
		assert.Equal(t, 3, total)
	case <-time.After(time.Second):
		t.Fatal("pending value was not flushed")
	}
	_, open := <-out
	assert.False(t, open)
}

func startNotifier(t *testing.T, bufferSize int) (*Notifier, *pubsub.Dispatcher[store.Change], *pubsub.Subscription[Scope]) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	changes := pubsub.NewDispatcher[store.Change](bufferSize)
	notifier := NewNotifier(NotifierConfig{Window: 40 * time.Millisecond})
	notifications := notifier.Subscribe(ctx)
	subscription := changes.Subscribe(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = notifier.Run(ctx, subscription)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return notifier, changes, notifications
}

func receive(t *testing.T, notifications *pubsub.Subscription[Scope]) Scope {
	t.Helper()
	select {
	case scope, ok := <-notifications.C():
		require.True(t, ok)
		return scope
	case <-time.After(2 * time.Second):
		t.Fatal("no notification received")
		return ""
	}
}

func TestNotifierEmitsOneScopedNotificationPerBurst(t *testing.T) {
	_, changes, notifications := startNotifier(t, 64)

	for i := 0; i < 20; i++ {
		changes.Publish(store.Change{ID: "LT-TS-1", Origin: store.OriginRemote})
	}
	assert.Equal(t, ScopeRecurring, receive(t, notifications))

	changes.Publish(store.Change{ID: "SW-1"})
	changes.Publish(store.Change{ID: "LT-1"})
	assert.Equal(t, ScopeAll, receive(t, notifications))
}

func TestNotifierTriggerSharesTheWindow(t *testing.T) {
	notifier, changes, notifications := startNotifier(t, 64)

	notifier.Trigger(ScopeStopwatch)
	changes.Publish(store.Change{ID: "SW-TS-5"})
	assert.Equal(t, ScopeStopwatch, receive(t, notifications))
}

func TestNotifierWidensScopeAfterDroppedChanges(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes := pubsub.NewDispatcher[store.Change](1)
	subscription := changes.Subscribe(ctx)
	changes.Publish(store.Change{ID: "LT-1"})
	changes.Publish(store.Change{ID: "LT-2"})

	notifier := NewNotifier(NotifierConfig{Window: 20 * time.Millisecond})
	notifications := notifier.Subscribe(ctx)
	go func() { _ = notifier.Run(ctx, subscription) }()

	assert.Equal(t, ScopeAll, receive(t, notifications))
}
