// Package deadlines tracks per-role due dates of pipeline stages.
package deadlines

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/production-workflow/events"
	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/metrics"
	"github.com/songzhibin97/production-workflow/storage"
	"github.com/songzhibin97/production-workflow/types"
	"github.com/songzhibin97/production-workflow/workflow"
)

var (
	// ErrAlreadyCompleted is returned when the role's deadlines are all completed.
	ErrAlreadyCompleted = storage.ErrDeadlineCompleted
	// ErrDeadlineNotFound is returned when the role has no deadline on the entity.
	ErrDeadlineNotFound = storage.ErrDeadlineNotFound
	// ErrAlreadyOpen is returned when scheduling over an open deadline of the same role.
	ErrAlreadyOpen = storage.ErrDeadlineOpen
	// ErrInvalidDeadline is returned for incomplete schedule requests.
	ErrInvalidDeadline = errors.New("invalid deadline")
)

// Deadline actions recorded in metrics.
const (
	ActionScheduled = "scheduled"
	ActionCompleted = "completed"
	ActionReminded  = "reminded"
)

// RemindInterval is the minimum gap between two reminders for one deadline.
const RemindInterval = 24 * time.Hour

// StagePolicy gives Role a deadline of Within whenever an entity enters State.
type StagePolicy struct {
	EntityType types.EntityType
	State      types.State
	Role       types.Role
	Within     time.Duration
}

const day = 24 * time.Hour

// DefaultPolicy is the deadline policy of the production pipelines.
func DefaultPolicy() []StagePolicy {
	return []StagePolicy{
		{types.EntityEpisode, workflow.EpisodeScriptReview, types.RoleProducer, 2 * day},
		{types.EntityEpisode, workflow.EpisodeRundownApproved, types.RoleProduksi, 7 * day},
		{types.EntityEpisode, workflow.EpisodeInProduction, types.RoleEditor, 3 * day},
		{types.EntityEpisode, workflow.EpisodePostProduction, types.RoleQualityControl, 2 * day},
		{types.EntityEpisode, workflow.EpisodeReadyToAir, types.RoleBroadcasting, 1 * day},
		{types.EntityEpisode, workflow.EpisodeAired, types.RolePromotion, 3 * day},
		{types.EntityEpisode, workflow.EpisodeAired, types.RoleGraphicDesign, 3 * day},
		{types.EntityMusicSubmission, workflow.MusicArranging, types.RoleMusicArranger, 7 * day},
		{types.EntityMusicSubmission, workflow.MusicArrangementReview, types.RoleProducer, 3 * day},
		{types.EntityMusicSubmission, workflow.MusicSoundEngineering, types.RoleSoundEngineer, 5 * day},
	}
}

// Reminder creates the notifications of an overdue deadline.
type Reminder interface {
	RemindOverdue(ctx context.Context, d types.Deadline) ([]types.Notification, error)
}

// Tracker schedules and completes deadlines. It reacts to transition events and
// never touches entity state.
type Tracker struct {
	store    storage.DeadlineStore
	generate generator.Generator
	policy   []StagePolicy
	clock    clockwork.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
	bus      *events.EventBus
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithClock sets the clock used for creation, completion and overdue checks.
func WithClock(clock clockwork.Clock) Option {
	return func(t *Tracker) {
		if clock != nil {
			t.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracker) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithMetrics records scheduled, completed and reminded deadlines.
func WithMetrics(m *metrics.Metrics) Option {
	return func(t *Tracker) {
		t.metrics = m
	}
}

// WithEventBus publishes deadline.overdue events during reminder sweeps.
func WithEventBus(bus *events.EventBus) Option {
	return func(t *Tracker) {
		t.bus = bus
	}
}

// NewTracker creates a tracker. A nil policy means DefaultPolicy.
func NewTracker(generate generator.Generator, store storage.DeadlineStore, policy []StagePolicy, options ...Option) (*Tracker, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		return nil, errors.New("deadline store is required")
	}
	if policy == nil {
		policy = DefaultPolicy()
	}
	for _, p := range policy {
		if p.Within <= 0 {
			return nil, fmt.Errorf("policy %s.%s/%s: within must be positive", p.EntityType, p.State, p.Role)
		}
	}

	t := &Tracker{
		store:    store,
		generate: generate,
		policy:   append([]StagePolicy(nil), policy...),
		clock:    clockwork.NewRealClock(),
		logger:   log.WithModule("deadlines"),
	}
	for _, opt := range options {
		opt(t)
	}
	return t, nil
}

// Policy returns a copy of the stage policy.
func (t *Tracker) Policy() []StagePolicy {
	return append([]StagePolicy(nil), t.policy...)
}

// Now returns the tracker clock's current time.
func (t *Tracker) Now() time.Time {
	return t.clock.Now()
}

// IsOverdue reports whether d is past due at now and not completed.
func IsOverdue(d types.Deadline, now time.Time) bool {
	return !d.Completed() && now.After(d.DeadlineDate)
}

// Schedule creates a deadline for role on ref. The store rejects it with
// ErrAlreadyOpen while the role still has an open deadline on ref.
func (t *Tracker) Schedule(ctx context.Context, ref types.EntityRef, role types.Role, date time.Time, notes string) (types.Deadline, error) {
	if ref.ID == "" || role == "" {
		return types.Deadline{}, fmt.Errorf("%w: entity and role are required", ErrInvalidDeadline)
	}
	if date.IsZero() {
		return types.Deadline{}, fmt.Errorf("%w: deadline date is required", ErrInvalidDeadline)
	}

	id, err := t.generate.NextID()
	if err != nil {
		return types.Deadline{}, fmt.Errorf("generate deadline id: %w", err)
	}
	d := types.Deadline{
		ID:           id,
		EntityType:   ref.Type,
		EntityID:     ref.ID,
		Role:         role,
		DeadlineDate: date,
		Notes:        notes,
		CreatedAt:    t.clock.Now(),
	}
	if err := t.store.CreateDeadline(ctx, d); err != nil {
		return types.Deadline{}, err
	}
	t.metrics.RecordDeadline(string(role), ActionScheduled)
	t.logger.Info("Deadline scheduled", "ref", ref.String(), "role", role, "deadline_date", date)
	return d, nil
}

// Complete records completion of role's open deadline on ref. Completion is set at
// most once: ErrAlreadyCompleted when nothing is left open.
func (t *Tracker) Complete(ctx context.Context, ref types.EntityRef, role types.Role, actorID, notes string) (types.Deadline, error) {
	d, err := t.store.CompleteDeadline(ctx, ref, role, t.clock.Now(), actorID, notes)
	if err != nil {
		return types.Deadline{}, err
	}
	t.metrics.RecordDeadline(string(role), ActionCompleted)
	t.logger.Info("Deadline completed", "ref", ref.String(), "role", role, "completed_by", actorID)
	return d, nil
}

// List returns every deadline of ref.
func (t *Tracker) List(ctx context.Context, ref types.EntityRef) ([]types.Deadline, error) {
	return t.store.ListDeadlines(ctx, ref)
}

// Open returns every uncompleted deadline across entities.
func (t *Tracker) Open(ctx context.Context) ([]types.Deadline, error) {
	return t.store.ListOpenDeadlines(ctx)
}

// Overdue returns the open deadlines already past due.
func (t *Tracker) Overdue(ctx context.Context) ([]types.Deadline, error) {
	open, err := t.store.ListOpenDeadlines(ctx)
	if err != nil {
		return nil, err
	}
	now := t.clock.Now()
	out := make([]types.Deadline, 0, len(open))
	for _, d := range open {
		if IsOverdue(d, now) {
			out = append(out, d)
		}
	}
	return out, nil
}

// Handle implements events.EventHandler. Leaving a policy stage completes the
// role's open deadline; entering one schedules a new deadline.
func (t *Tracker) Handle(ctx context.Context, event events.Event) error {
	if event.Type != events.TransitionApplied {
		return nil
	}

	var errs []error
	for _, p := range t.policy {
		if p.EntityType != event.Ref.Type || p.State != event.From {
			continue
		}
		_, err := t.Complete(ctx, event.Ref, p.Role, event.ActorID, "closed by "+event.Transition)
		if err != nil && !errors.Is(err, ErrDeadlineNotFound) && !errors.Is(err, ErrAlreadyCompleted) {
			errs = append(errs, fmt.Errorf("complete %s deadline: %w", p.Role, err))
		}
	}
	for _, p := range t.policy {
		if p.EntityType != event.Ref.Type || p.State != event.To {
			continue
		}
		_, err := t.Schedule(ctx, event.Ref, p.Role, event.OccurredAt.Add(p.Within), "")
		if err != nil && !errors.Is(err, ErrAlreadyOpen) {
			errs = append(errs, fmt.Errorf("schedule %s deadline: %w", p.Role, err))
		}
	}
	return errors.Join(errs...)
}

// RemindOverdue sends a reminder for every overdue deadline not reminded within
// RemindInterval and returns how many were reminded.
func (t *Tracker) RemindOverdue(ctx context.Context, reminder Reminder) (int, error) {
	overdue, err := t.Overdue(ctx)
	if err != nil {
		return 0, err
	}
	t.metrics.SetOverdue(len(overdue))

	now := t.clock.Now()
	reminded := 0
	var errs []error
	for _, d := range overdue {
		if d.RemindedAt != nil && now.Sub(*d.RemindedAt) < RemindInterval {
			continue
		}
		if reminder != nil {
			if _, err := reminder.RemindOverdue(ctx, d); err != nil {
				errs = append(errs, fmt.Errorf("remind deadline %d: %w", d.ID, err))
				continue
			}
		}
		if err := t.store.MarkDeadlineReminded(ctx, d.ID, now); err != nil {
			errs = append(errs, fmt.Errorf("mark deadline %d reminded: %w", d.ID, err))
			continue
		}
		reminded++
		t.metrics.RecordDeadline(string(d.Role), ActionReminded)
		if t.bus != nil {
			if err := t.bus.Publish(ctx, events.NewDeadlineOverdueEvent(d, now)); err != nil && !errors.Is(err, events.ErrNoHandler) {
				t.logger.Warn("Failed to publish overdue event", "deadline_id", d.ID, "error", err)
			}
		}
	}
	if reminded > 0 {
		t.logger.Info("Overdue deadlines reminded", "count", reminded, "overdue", len(overdue))
	}
	return reminded, errors.Join(errs...)
}
