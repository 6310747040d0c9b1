package external

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/songzhibin97/production-workflow/events"
	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/metrics"
	"github.com/songzhibin97/production-workflow/types"
)

// ErrActionNotRegistered is returned when an effect names an unknown target.
var ErrActionNotRegistered = errors.New("action not registered")

// Runner consumes forwarded events and executes their external effects. Failed
// actions are retried, then logged; the message is always acked because the
// transition that caused it has already committed.
type Runner struct {
	subscriber message.Subscriber
	topic      string
	actions    map[string]Action
	mu         sync.RWMutex
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRetry sets how many times a failed action is retried and the delay between attempts.
func WithRetry(maxRetries int, delay time.Duration) RunnerOption {
	return func(r *Runner) {
		if maxRetries >= 0 {
			r.maxRetries = maxRetries
		}
		if delay >= 0 {
			r.retryDelay = delay
		}
	}
}

// WithLogger sets the logger for effect attempts.
func WithLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records effect outcomes on m.
func WithMetrics(m *metrics.Metrics) RunnerOption {
	return func(r *Runner) {
		r.metrics = m
	}
}

// WithTopic overrides the subscribed topic.
func WithTopic(topic string) RunnerOption {
	return func(r *Runner) {
		if topic != "" {
			r.topic = topic
		}
	}
}

// NewRunner creates a runner reading from subscriber.
func NewRunner(subscriber message.Subscriber, options ...RunnerOption) *Runner {
	r := &Runner{
		subscriber: subscriber,
		topic:      events.Topic,
		actions:    make(map[string]Action),
		maxRetries: 2,
		retryDelay: 500 * time.Millisecond,
		logger:     log.WithModule("external"),
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// RegisterAction registers an action for an effect target.
func (r *Runner) RegisterAction(target string, action Action) error {
	if target == "" || action == nil {
		return errors.New("target and action are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[target] = action
	return nil
}

// RegisterActions registers every action of the map.
func (r *Runner) RegisterActions(actions map[string]Action) error {
	for target, action := range actions {
		if err := r.RegisterAction(target, action); err != nil {
			return err
		}
	}
	return nil
}

// Run subscribes to the topic and processes messages until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	messages, err := r.subscriber.Subscribe(ctx, r.topic)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", r.topic, err)
	}
	r.logger.Info("External effect runner started", "topic", r.topic)

	for msg := range messages {
		event, err := events.Decode(msg)
		if err != nil {
			r.logger.Error("Dropping undecodable message", "message_id", msg.UUID, "error", err)
			msg.Ack()
			continue
		}
		if err := r.Process(msg.Context(), event); err != nil {
			r.logger.Error("External effects failed", "event_id", event.ID, "ref", event.Ref.String(), "error", err)
		}
		msg.Ack()
	}
	r.logger.Info("External effect runner stopped", "topic", r.topic)
	return nil
}

// Process executes the external effects of one event.
func (r *Runner) Process(ctx context.Context, event events.Event) error {
	var errs []error
	for _, target := range targetsOf(event) {
		r.mu.RLock()
		action, ok := r.actions[target]
		r.mu.RUnlock()
		if !ok {
			errs = append(errs, fmt.Errorf("%w: %s", ErrActionNotRegistered, target))
			continue
		}
		if err := r.executeWithRetry(ctx, action, event); err != nil {
			r.metrics.RecordEffectFailure(target)
			errs = append(errs, fmt.Errorf("%s: %w", target, err))
			continue
		}
		r.logger.Debug("External effect executed", "target", target, "event_id", event.ID)
	}
	return errors.Join(errs...)
}

// executeWithRetry executes an action with retry logic.
func (r *Runner) executeWithRetry(ctx context.Context, action Action, event events.Event) error {
	var lastErr error
	for i := 0; i <= r.maxRetries; i++ { // Total attempts = 1 initial + maxRetries
		err := action.Execute(ctx, event)
		if err == nil {
			return nil
		}
		lastErr = err
		if i < r.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.retryDelay):
			}
		}
	}
	return fmt.Errorf("action failed after %d retries: %w", r.maxRetries, lastErr)
}

func targetsOf(event events.Event) []string {
	if event.Type == events.DeadlineOverdue {
		return []string{TargetDeadlineEscalate}
	}
	var out []string
	for _, eff := range event.Effects {
		if eff.Kind == types.EffectExternal && eff.Target != "" {
			out = append(out, eff.Target)
		}
	}
	return out
}
