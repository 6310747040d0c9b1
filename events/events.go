package events

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/production-workflow/types"
)

var (
	// ErrBusClosed indicates the event bus has been closed.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrChannelFull indicates the event channel is full and cannot accept more events.
	ErrChannelFull = errors.New("event channel is full")
	// ErrNoHandler indicates no handlers are registered for the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types published by the production workflow.
const (
	TransitionApplied = "transition.applied"
	DeadlineOverdue   = "deadline.overdue"
)

// Event describes something that happened to a workflow entity.
type Event struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Ref        types.EntityRef `json:"ref"`
	Transition string          `json:"transition,omitempty"`
	From       types.State     `json:"from,omitempty"`
	To         types.State     `json:"to,omitempty"`
	ActorID    string          `json:"actor_id,omitempty"`
	ActorRole  types.Role      `json:"actor_role,omitempty"`
	OccurredAt time.Time       `json:"occurred_at"`
	Notes      string          `json:"notes,omitempty"`
	Effects    []types.Effect  `json:"effects,omitempty"`
	Payload    map[string]any  `json:"payload,omitempty"`
}

// NewTransitionEvent builds the event emitted after a transition commits.
func NewTransitionEvent(rule types.TransitionRule, record types.TransitionRecord, payload map[string]any) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       TransitionApplied,
		Ref:        types.EntityRef{Type: record.EntityType, ID: record.EntityID},
		Transition: record.Transition,
		From:       record.FromState,
		To:         record.ToState,
		ActorID:    record.ActorID,
		ActorRole:  record.ActorRole,
		OccurredAt: record.OccurredAt,
		Notes:      record.Notes,
		Effects:    rule.OnSuccess,
		Payload:    payload,
	}
}

// NewDeadlineOverdueEvent builds the event emitted when a reminder sweep finds d overdue.
func NewDeadlineOverdueEvent(d types.Deadline, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       DeadlineOverdue,
		Ref:        d.Ref(),
		ActorRole:  d.Role,
		OccurredAt: at,
		Notes:      d.Notes,
		Payload: map[string]any{
			"deadline_id":   d.ID,
			"deadline_date": d.DeadlineDate,
			"role":          string(d.Role),
		},
	}
}

// HasEffect reports whether the event carries an effect of kind.
func (e Event) HasEffect(kind types.EffectKind) bool {
	for _, eff := range e.Effects {
		if eff.Kind == kind {
			return true
		}
	}
	return false
}

// EventHandler defines the interface for handling events.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc is a function adapter for EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle implements the EventHandler interface.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription identifies a registered handler.
type Subscription struct {
	eventType string
	id        uint64
}

type subscriber struct {
	id      uint64
	handler EventHandler
}

// EventBus fans events out to subscribers, either inline (PublishSync) or on a
// background goroutine (Publish). Handler failures never reach the publisher's
// caller on the async path; they go to the error handler.
type EventBus struct {
	handlers     map[string][]subscriber
	nextID       uint64
	mu           sync.RWMutex
	eventCh      chan Event
	errHandler   func(event Event, err error)
	errHandlerMu sync.RWMutex
	syncTimeout  time.Duration
	logger       *slog.Logger
	wg           sync.WaitGroup
	closed       bool
	closeMu      sync.RWMutex
}

// EventBusOption defines functional options for configuring EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets the event channel buffer size.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		eb.eventCh = make(chan Event, size)
	}
}

// WithErrorHandler sets a custom error handler function.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		eb.errHandlerMu.Lock()
		defer eb.errHandlerMu.Unlock()
		eb.errHandler = handler
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(logger *slog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.logger = logger
	}
}

// WithSyncTimeout bounds PublishSync handler execution.
func WithSyncTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		eb.syncTimeout = d
	}
}

// NewEventBus creates a new EventBus instance with async processing.
// The default buffer size is 100 and handler errors are logged.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		handlers:    make(map[string][]subscriber),
		eventCh:     make(chan Event, 100),
		syncTimeout: 5 * time.Second,
		logger:      slog.Default(),
	}
	eb.errHandler = eb.logError

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.processEvents()

	return eb
}

// Subscribe subscribes a handler to an event type.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.handlers[eventType] = append(eb.handlers[eventType], subscriber{id: eb.nextID, handler: handler})
	return Subscription{eventType: eventType, id: eb.nextID}
}

// SubscribeFunc subscribes a function as a handler to an event type.
func (eb *EventBus) SubscribeFunc(eventType string, handlerFunc func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(handlerFunc))
}

// Unsubscribe removes a subscription. It returns false if it was already removed.
func (eb *EventBus) Unsubscribe(sub Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	subs := eb.handlers[sub.eventType]
	for i, s := range subs {
		if s.id != sub.id {
			continue
		}
		rest := make([]subscriber, 0, len(subs)-1)
		rest = append(rest, subs[:i]...)
		rest = append(rest, subs[i+1:]...)
		if len(rest) == 0 {
			delete(eb.handlers, sub.eventType)
		} else {
			eb.handlers[sub.eventType] = rest
		}
		return true
	}
	return false
}

// HasSubscribers checks if there are any subscribers for a given event type.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType]) > 0
}

func (eb *EventBus) snapshot(eventType string) []EventHandler {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	subs := eb.handlers[eventType]
	out := make([]EventHandler, len(subs))
	for i, s := range subs {
		out[i] = s.handler
	}
	return out
}

// Publish publishes an event asynchronously to all subscribed handlers.
// Returns an error if the context is canceled, the bus is closed, or the channel is full.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return ErrNoHandler
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case eb.eventCh <- event:
		return nil
	default:
		return ErrChannelFull
	}
}

// PublishSync runs every handler before returning and reports their errors.
// Execution is bounded by the sync timeout unless ctx expires first.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	handlers := eb.snapshot(event.Type)
	if len(handlers) == 0 {
		return []error{ErrNoHandler}
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, eb.syncTimeout)
	defer cancel()

	return eb.executeHandlers(timeoutCtx, handlers, event)
}

// Stop stops the event processing goroutine and waits for queued events to finish.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.eventCh)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) processEvents() {
	defer eb.wg.Done()

	for event := range eb.eventCh {
		handlers := eb.snapshot(event.Type)
		if len(handlers) == 0 {
			continue
		}

		errs := eb.executeHandlers(context.Background(), handlers, event)

		eb.errHandlerMu.RLock()
		handler := eb.errHandler
		eb.errHandlerMu.RUnlock()

		for _, err := range errs {
			handler(event, err)
		}
	}
}

// executeHandlers runs handlers concurrently and collects their errors.
// A panicking handler is reported as an error instead of crashing the process.
func (eb *EventBus) executeHandlers(ctx context.Context, handlers []EventHandler, event Event) []error {
	var wg sync.WaitGroup
	errCh := make(chan error, len(handlers))

	for _, handler := range handlers {
		wg.Add(1)
		go func(h EventHandler) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					eb.logger.Error("event handler panicked", "event_type", event.Type, "ref", event.Ref.String(), "panic", r, "stack", string(debug.Stack()))
					errCh <- &PanicError{Value: r}
				}
			}()
			if err := h.Handle(ctx, event); err != nil {
				errCh <- err
			}
		}(handler)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	return errs
}

func (eb *EventBus) logError(event Event, err error) {
	eb.logger.Error("event handler failed",
		"event_id", event.ID, "event_type", event.Type, "ref", event.Ref.String(), "error", err)
}

// PanicError wraps a value recovered from a handler panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "event handler panic"
}
