package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/production-workflow/types"
)

func testEvent() Event {
	return Event{
		ID:         "evt-1",
		Type:       TransitionApplied,
		Ref:        types.EntityRef{Type: types.EntityEpisode, ID: "e1"},
		Transition: "submit_script",
		From:       "draft",
		To:         "script_review",
	}
}

func TestEventBus_Subscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(TransitionApplied, &mockHandler{})

	eb.mu.RLock()
	handlers, ok := eb.handlers[TransitionApplied]
	eb.mu.RUnlock()

	if !ok {
		t.Fatal("Expected handlers for transition.applied, but none found")
	}
	if len(handlers) != 1 {
		t.Fatalf("Expected 1 handler, got %d", len(handlers))
	}
}

func TestEventBus_Unsubscribe(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	sub1 := eb.Subscribe(TransitionApplied, &mockHandler{})
	eb.Subscribe(TransitionApplied, &mockHandler{})

	if !eb.Unsubscribe(sub1) {
		t.Fatal("Unsubscribe should return true for existing subscription")
	}

	eb.mu.RLock()
	remaining := len(eb.handlers[TransitionApplied])
	eb.mu.RUnlock()
	if remaining != 1 {
		t.Fatalf("Expected 1 handler after unsubscribe, got %d", remaining)
	}

	if eb.Unsubscribe(sub1) {
		t.Fatal("Unsubscribe should return false for a removed subscription")
	}
}

func TestEventBus_UnsubscribeFuncHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	noop := func(ctx context.Context, event Event) error { return nil }
	first := eb.SubscribeFunc(TransitionApplied, noop)
	second := eb.SubscribeFunc(TransitionApplied, noop)

	if !eb.Unsubscribe(second) || !eb.Unsubscribe(first) {
		t.Fatal("func subscriptions should be removable independently")
	}
	if eb.HasSubscribers(TransitionApplied) {
		t.Fatal("HasSubscribers should return false after removing every subscription")
	}
}

func TestEventBus_Publish(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	var wg sync.WaitGroup
	wg.Add(1)

	eb.Subscribe(TransitionApplied, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			defer wg.Done()
			if event.Ref.ID != "e1" {
				t.Errorf("Expected entity e1, got %s", event.Ref.ID)
			}
			return nil
		},
	})

	if err := eb.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if !waitWithTimeout(&wg, time.Second) {
		t.Fatal("handler was not called")
	}
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(TransitionApplied, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	errs := eb.PublishSync(context.Background(), testEvent())
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
	if errs[0].Error() != "test error" {
		t.Errorf("Expected 'test error', got '%v'", errs[0])
	}
}

func TestEventBus_PublishSyncRecoversPanics(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.SubscribeFunc(TransitionApplied, func(ctx context.Context, event Event) error {
		panic("boom")
	})
	delivered := false
	eb.SubscribeFunc(TransitionApplied, func(ctx context.Context, event Event) error {
		delivered = true
		return nil
	})

	errs := eb.PublishSync(context.Background(), testEvent())
	if len(errs) != 1 {
		t.Fatalf("Expected 1 error, got %d", len(errs))
	}
	var pe *PanicError
	if !errors.As(errs[0], &pe) {
		t.Fatalf("Expected PanicError, got %T", errs[0])
	}
	if !delivered {
		t.Fatal("other handlers must still run")
	}
}

func TestEventBus_PublishNoHandlers(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	if err := eb.Publish(context.Background(), Event{Type: "unknown_event"}); err != ErrNoHandler {
		t.Fatalf("Expected ErrNoHandler, got %v", err)
	}
}

func TestEventBus_PublishAfterStop(t *testing.T) {
	eb := NewEventBus()
	eb.Subscribe(TransitionApplied, &mockHandler{})
	eb.Stop()

	if err := eb.Publish(context.Background(), testEvent()); err != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed, got %v", err)
	}
	if errs := eb.PublishSync(context.Background(), testEvent()); len(errs) != 1 || errs[0] != ErrBusClosed {
		t.Fatalf("Expected ErrBusClosed from PublishSync, got %v", errs)
	}
}

func TestEventBus_StopDeliversQueuedEvents(t *testing.T) {
	eb := NewEventBus()

	var mu sync.Mutex
	count := 0
	eb.SubscribeFunc(TransitionApplied, func(ctx context.Context, event Event) error {
		mu.Lock()
		count++
		mu.Unlock()
		return nil
	})
	for i := 0; i < 5; i++ {
		if err := eb.Publish(context.Background(), testEvent()); err != nil {
			t.Fatalf("Publish failed: %v", err)
		}
	}
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	if count != 5 {
		t.Fatalf("Expected 5 deliveries, got %d", count)
	}
}

func TestEventBus_WithOptions(t *testing.T) {
	var customErrorCalled bool
	var customErrorMu sync.Mutex

	eb := NewEventBus(
		WithBufferSize(200),
		WithSyncTimeout(time.Second),
		WithErrorHandler(func(event Event, err error) {
			customErrorMu.Lock()
			customErrorCalled = true
			customErrorMu.Unlock()
		}),
	)

	if cap(eb.eventCh) != 200 {
		t.Fatalf("Expected buffer size 200, got %d", cap(eb.eventCh))
	}
	if eb.syncTimeout != time.Second {
		t.Fatalf("Expected sync timeout 1s, got %s", eb.syncTimeout)
	}

	eb.Subscribe(TransitionApplied, &mockHandler{
		handleFunc: func(ctx context.Context, event Event) error {
			return errors.New("test error")
		},
	})

	if err := eb.Publish(context.Background(), testEvent()); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	eb.Stop()

	customErrorMu.Lock()
	defer customErrorMu.Unlock()
	if !customErrorCalled {
		t.Fatal("Custom error handler was not called")
	}
}

func TestEventBus_CancelledContext(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	eb.Subscribe(TransitionApplied, &mockHandler{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := eb.Publish(ctx, testEvent())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled error, got %v", err)
	}
}

func TestNewTransitionEvent(t *testing.T) {
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	rule := types.TransitionRule{
		Name:      "complete_broadcast",
		OnSuccess: []types.Effect{{Kind: types.EffectNotify}, {Kind: types.EffectExternal, Target: "website.publish"}},
	}
	rec := types.TransitionRecord{
		EntityType: types.EntityEpisode, EntityID: "e9", Transition: "complete_broadcast",
		FromState: "ready_to_air", ToState: "aired", ActorID: "u-bc", ActorRole: types.RoleBroadcasting, OccurredAt: at,
	}

	e := NewTransitionEvent(rule, rec, map[string]any{"youtube_url": "https://youtu.be/e9"})
	if e.ID == "" || e.Type != TransitionApplied {
		t.Fatalf("unexpected identity: %+v", e)
	}
	if e.Ref.String() != "episode/e9" || e.To != "aired" || !e.OccurredAt.Equal(at) {
		t.Fatalf("unexpected event: %+v", e)
	}
	if !e.HasEffect(types.EffectExternal) {
		t.Fatal("expected external effect")
	}
}

// Helper types and functions

type mockHandler struct {
	handleFunc func(ctx context.Context, event Event) error
}

func (m *mockHandler) Handle(ctx context.Context, event Event) error {
	if m.handleFunc != nil {
		return m.handleFunc(ctx, event)
	}
	return nil
}

func waitWithTimeout(wg *sync.WaitGroup, timeout time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
