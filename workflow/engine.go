package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/songzhibin97/gkit/generator"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/songzhibin97/production-workflow/events"
	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/metrics"
	"github.com/songzhibin97/production-workflow/rules"
	"github.com/songzhibin97/production-workflow/storage"
	"github.com/songzhibin97/production-workflow/telemetry"
	"github.com/songzhibin97/production-workflow/types"
)

// Guard env keys added on top of entity fields and payload.
const (
	EnvCurrentState  = "current_state"
	EnvNotes         = "notes"
	EnvOpenDeadlines = "open_deadlines"
)

// Outcome labels recorded per Execute call.
const (
	OutcomeApplied           = "applied"
	OutcomeAlreadyInState    = "already_in_state"
	OutcomeIllegalTransition = "illegal_transition"
	OutcomeUnauthorized      = "unauthorized"
	OutcomeGuardFailed       = "guard_failed"
	OutcomeNotFound          = "not_found"
	OutcomeInvalid           = "invalid"
	OutcomePersistence       = "persistence_error"
)

// Notifier creates the notifications of a committed transition.
type Notifier interface {
	Dispatch(ctx context.Context, entityType types.EntityType, entityID, transition string, details map[string]any) ([]types.Notification, error)
}

// Request is one transition attempt by an explicit actor.
type Request struct {
	Ref        types.EntityRef
	ActorID    string
	ActorRole  types.Role
	Transition string
	Payload    map[string]any
	Notes      string
}

// TransitionResult is returned by a successful Execute.
type TransitionResult struct {
	Ref           types.EntityRef        `json:"ref"`
	Transition    string                 `json:"transition"`
	From          types.State            `json:"from"`
	To            types.State            `json:"to"`
	Record        types.TransitionRecord `json:"record"`
	Entity        types.WorkflowEntity   `json:"entity"`
	Notifications []types.Notification   `json:"notifications"`
	Recipients    []string               `json:"recipients"`
}

// AvailableTransition describes a rule the actor may attempt from the current state.
type AvailableTransition struct {
	Name   string      `json:"name"`
	To     types.State `json:"to"`
	Guard  string      `json:"guard,omitempty"`
	Ready  bool        `json:"ready"`
	Reason string      `json:"reason,omitempty"`
}

// Engine is the transition executor. It is the only writer of an entity's current state.
type Engine struct {
	table       *Table
	guards      *rules.Library
	storage     storage.Storage
	generate    generator.Generator
	clock       clockwork.Clock
	notifier    Notifier
	eventBus    *events.EventBus
	asyncEvents bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	status      *Aggregator
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the clock used for stamps and records.
func WithClock(clock clockwork.Clock) Option {
	return func(e *Engine) {
		if clock != nil {
			e.clock = clock
		}
	}
}

// WithNotifier sets the dispatcher invoked for notify effects.
func WithNotifier(n Notifier) Option {
	return func(e *Engine) {
		e.notifier = n
	}
}

// WithEventBus publishes transition events on bus after commit.
func WithEventBus(bus *events.EventBus) Option {
	return func(e *Engine) {
		e.eventBus = bus
	}
}

// WithAsyncEvents publishes transition events without waiting for subscribers.
func WithAsyncEvents() Option {
	return func(e *Engine) {
		e.asyncEvents = true
	}
}

// WithLogger sets the logger for transition outcomes.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics records transition outcomes and latencies on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer for workflow.execute spans.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// NewEngine creates an Engine. A nil store means in-memory storage, a nil table the
// default production pipelines and a nil guard library the default guards. The table
// is frozen against the guard library.
func NewEngine(generate generator.Generator, store storage.Storage, table *Table, guards *rules.Library, options ...Option) (*Engine, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil {
		store = storage.NewMemoryStorage()
	}
	if table == nil {
		table = DefaultTable()
	}
	if guards == nil {
		guards = rules.DefaultLibrary(nil)
	}
	if err := table.Freeze(guards); err != nil {
		return nil, fmt.Errorf("invalid state table: %w", err)
	}

	e := &Engine{
		table:    table,
		guards:   guards,
		storage:  store,
		generate: generate,
		clock:    clockwork.NewRealClock(),
		logger:   log.WithModule("workflow"),
		tracer:   telemetry.Tracer("production-workflow/workflow"),
	}
	for _, opt := range options {
		opt(e)
	}
	e.status = NewAggregator(table, e.clock)
	return e, nil
}

// Table returns the frozen state table.
func (e *Engine) Table() *Table {
	return e.table
}

// Storage returns the underlying store.
func (e *Engine) Storage() storage.Storage {
	return e.storage
}

// GenerateID generates a unique ID using the configured generator.
func (e *Engine) GenerateID() (uint64, error) {
	return e.generate.NextID()
}

// CreateEntity registers a new entity in the initial state of its type.
func (e *Engine) CreateEntity(ctx context.Context, ref types.EntityRef, fields map[string]any, airDate *time.Time) (types.WorkflowEntity, error) {
	if ref.ID == "" {
		return types.WorkflowEntity{}, invalid(ref, "entity id is required")
	}
	initial, err := e.table.Initial(ref.Type)
	if err != nil {
		return types.WorkflowEntity{}, invalid(ref, err.Error())
	}
	if _, ok := fields[EnvCurrentState]; ok {
		return types.WorkflowEntity{}, invalid(ref, "current_state is managed by the workflow executor")
	}

	now := e.clock.Now()
	entity := types.WorkflowEntity{
		Type:         ref.Type,
		ID:           ref.ID,
		CurrentState: initial,
		Fields:       make(map[string]any, len(fields)),
		Timestamps:   map[string]time.Time{},
		Counters:     map[string]int{},
		AirDate:      airDate,
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	for k, v := range fields {
		entity.Fields[k] = v
	}

	if err := e.persist(ctx, func() error { return e.storage.CreateEntity(ctx, entity) }); err != nil {
		if errors.Is(err, storage.ErrEntityExists) {
			return types.WorkflowEntity{}, err
		}
		return types.WorkflowEntity{}, e.persistenceError(ref, "", err)
	}
	e.logger.Info("Entity created", "ref", ref.String(), "state", initial)
	return entity, nil
}

// Entity loads an entity snapshot.
func (e *Engine) Entity(ctx context.Context, ref types.EntityRef) (types.WorkflowEntity, error) {
	var entity types.WorkflowEntity
	err := e.persist(ctx, func() error {
		var err error
		entity, err = e.storage.GetEntity(ctx, ref)
		return err
	})
	if err != nil {
		return types.WorkflowEntity{}, e.mapStorageError(ref, "", err)
	}
	return entity, nil
}

// History returns the transition records of an entity, oldest first.
func (e *Engine) History(ctx context.Context, ref types.EntityRef) ([]types.TransitionRecord, error) {
	if _, err := e.Entity(ctx, ref); err != nil {
		return nil, err
	}
	var records []types.TransitionRecord
	err := e.persist(ctx, func() error {
		var err error
		records, err = e.storage.ListTransitions(ctx, ref)
		return err
	})
	if err != nil {
		return nil, e.mapStorageError(ref, "", err)
	}
	return records, nil
}

// SetFields stores department data used by guards. It never changes the state.
func (e *Engine) SetFields(ctx context.Context, ref types.EntityRef, fields map[string]any) (types.WorkflowEntity, error) {
	if len(fields) == 0 {
		return types.WorkflowEntity{}, invalid(ref, "no fields given")
	}
	if _, ok := fields[EnvCurrentState]; ok {
		return types.WorkflowEntity{}, invalid(ref, "current_state is managed by the workflow executor")
	}
	var entity types.WorkflowEntity
	err := e.persist(ctx, func() error {
		var err error
		entity, err = e.storage.SetFields(ctx, ref, fields, e.clock.Now())
		return err
	})
	if err != nil {
		return types.WorkflowEntity{}, e.mapStorageError(ref, "", err)
	}
	return entity, nil
}

// Status returns the read-only progress view of an entity.
func (e *Engine) Status(ctx context.Context, ref types.EntityRef) (Status, error) {
	entity, err := e.Entity(ctx, ref)
	if err != nil {
		return Status{}, err
	}
	return e.status.StatusOf(entity), nil
}

// AvailableTransitions lists the rules role may attempt from the entity's current
// state, each with the verdict of its guard against the stored fields.
func (e *Engine) AvailableTransitions(ctx context.Context, ref types.EntityRef, role types.Role) ([]AvailableTransition, error) {
	entity, err := e.Entity(ctx, ref)
	if err != nil {
		return nil, err
	}
	open, err := e.openDeadlines(ctx, ref)
	if err != nil {
		return nil, err
	}

	env := guardEnv(entity, nil, "", open)
	out := []AvailableTransition{}
	for _, r := range e.table.Available(entity.Type, entity.CurrentState, role) {
		at := AvailableTransition{Name: r.Name, To: r.To, Guard: r.Guard, Ready: true}
		if r.Guard != "" {
			verdict, err := e.checkGuard(r.Guard, env)
			if err != nil {
				at.Ready, at.Reason = false, err.Error()
			} else if !verdict.Passed {
				at.Ready, at.Reason = false, verdict.Reason
			}
		}
		out = append(out, at)
	}
	return out, nil
}

// Execute validates and applies one transition. Steps from loading the snapshot to
// appending the record run under the entity's exclusive lock; notifications and
// events run after commit and never fail the call.
func (e *Engine) Execute(ctx context.Context, req Request) (*TransitionResult, error) {
	start := time.Now()
	ctx, span := telemetry.StartSpan(ctx, e.tracer, "workflow.execute",
		attribute.String(telemetry.EntityTypeKey, string(req.Ref.Type)),
		attribute.String(telemetry.EntityIDKey, req.Ref.ID),
		attribute.String(telemetry.TransitionKey, req.Transition),
		attribute.String(telemetry.ActorRoleKey, string(req.ActorRole)),
	)
	defer span.End()

	result, err := e.execute(ctx, req)
	outcome := outcomeOf(err)
	e.metrics.RecordTransition(string(req.Ref.Type), req.Transition, outcome, time.Since(start))

	if err != nil {
		if !IsAlreadyInState(err) {
			telemetry.SetError(span, err, attribute.String("outcome", outcome))
		}
		e.logger.Debug("Transition rejected", "ref", req.Ref.String(), "transition", req.Transition,
			"role", req.ActorRole, "outcome", outcome, "error", err)
		return nil, err
	}
	span.SetAttributes(
		attribute.String(telemetry.FromStateKey, string(result.From)),
		attribute.String(telemetry.ToStateKey, string(result.To)),
	)
	return result, nil
}

func (e *Engine) execute(ctx context.Context, req Request) (*TransitionResult, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if !req.Ref.Type.Valid() {
		return nil, &TransitionError{Kind: ErrEntityNotFound, Ref: req.Ref, Transition: req.Transition}
	}

	var (
		rule      types.TransitionRule
		record    types.TransitionRecord
		committed types.WorkflowEntity
	)
	apply := func(entity *types.WorkflowEntity, deadlines []types.Deadline) (*types.TransitionRecord, error) {
		r, err := e.resolve(entity, req, countOpen(deadlines))
		if err != nil {
			return nil, err
		}

		id, err := e.generate.NextID()
		if err != nil {
			return nil, fmt.Errorf("generate record id: %w", err)
		}
		now := e.clock.Now()
		from := entity.CurrentState
		mutate(entity, r, req.Payload, now)

		rule = r
		record = types.TransitionRecord{
			ID:         id,
			EntityType: entity.Type,
			EntityID:   entity.ID,
			Transition: r.Name,
			FromState:  from,
			ToState:    r.To,
			ActorID:    req.ActorID,
			ActorRole:  req.ActorRole,
			OccurredAt: now,
			Notes:      req.Notes,
		}
		committed = entity.Clone()
		return &record, nil
	}

	if err := e.persist(ctx, func() error { return e.storage.UpdateEntity(ctx, req.Ref, apply) }); err != nil {
		return nil, e.mapStorageError(req.Ref, req.Transition, err)
	}
	committed.Version++

	e.logger.Info("Transition applied", "ref", req.Ref.String(), "transition", rule.Name,
		"from", record.FromState, "to", record.ToState, "actor_id", req.ActorID, "role", req.ActorRole)

	notifications := e.afterCommit(context.WithoutCancel(ctx), rule, record, eventPayload(committed.Fields, req.Payload))
	return &TransitionResult{
		Ref:           req.Ref,
		Transition:    rule.Name,
		From:          record.FromState,
		To:            record.ToState,
		Record:        record,
		Entity:        committed,
		Notifications: notifications,
		Recipients:    recipientsOf(notifications),
	}, nil
}

// resolve runs the checks of a transition against the locked snapshot in order:
// target, idempotence, rule, role, guard.
func (e *Engine) resolve(entity *types.WorkflowEntity, req Request, open int) (types.TransitionRule, error) {
	base := TransitionError{
		Ref:          req.Ref,
		Transition:   req.Transition,
		CurrentState: entity.CurrentState,
		Role:         req.ActorRole,
	}
	fail := func(kind error, mod func(*TransitionError)) error {
		te := base
		te.Kind = kind
		if mod != nil {
			mod(&te)
		}
		return &te
	}

	target, err := e.table.TargetOf(entity.Type, req.Transition)
	if err != nil {
		return types.TransitionRule{}, fail(ErrIllegalTransition, func(te *TransitionError) {
			te.Reason = fmt.Sprintf("unknown transition %q for %s", req.Transition, entity.Type)
			te.Err = err
		})
	}
	base.TargetState = target

	if entity.CurrentState == target {
		if allowed, ok := e.rolesFor(entity.Type, req.Transition, req.ActorRole); !ok {
			return types.TransitionRule{}, fail(ErrUnauthorized, func(te *TransitionError) { te.AllowedRoles = allowed })
		}
		return types.TransitionRule{}, fail(ErrAlreadyInState, nil)
	}

	r, err := e.table.RuleFor(entity.Type, entity.CurrentState, target)
	if err != nil {
		return types.TransitionRule{}, fail(ErrIllegalTransition, func(te *TransitionError) { te.Err = err })
	}

	if !r.Allows(req.ActorRole) {
		return types.TransitionRule{}, fail(ErrUnauthorized, func(te *TransitionError) {
			te.AllowedRoles = append([]types.Role(nil), r.AllowedRoles...)
		})
	}

	if r.Guard != "" {
		verdict, err := e.checkGuard(r.Guard, guardEnv(*entity, capturedPayload(r, req.Payload), req.Notes, open))
		if err != nil {
			return types.TransitionRule{}, fail(ErrGuardFailed, func(te *TransitionError) {
				te.Reason = err.Error()
				te.Err = err
			})
		}
		if !verdict.Passed {
			return types.TransitionRule{}, fail(ErrGuardFailed, func(te *TransitionError) { te.Reason = verdict.Reason })
		}
	}
	return r, nil
}

// rolesFor reports whether role may fire any rule named transition, together with
// the union of the roles those rules allow.
func (e *Engine) rolesFor(entityType types.EntityType, transition string, role types.Role) ([]types.Role, bool) {
	var allowed []types.Role
	seen := map[types.Role]bool{}
	for _, r := range e.table.RulesFor(entityType) {
		if r.Name != transition {
			continue
		}
		if r.Allows(role) {
			return nil, true
		}
		for _, a := range r.AllowedRoles {
			if !seen[a] {
				seen[a] = true
				allowed = append(allowed, a)
			}
		}
	}
	return allowed, false
}

func (e *Engine) checkGuard(name string, env map[string]any) (rules.Verdict, error) {
	g, err := e.guards.Lookup(name)
	if err != nil {
		return rules.Verdict{}, err
	}
	return g.Check(env)
}

// mutate applies a validated rule to the locked copy.
func mutate(entity *types.WorkflowEntity, r types.TransitionRule, payload map[string]any, now time.Time) {
	if entity.Fields == nil {
		entity.Fields = map[string]any{}
	}
	if entity.Timestamps == nil {
		entity.Timestamps = map[string]time.Time{}
	}
	if entity.Counters == nil {
		entity.Counters = map[string]int{}
	}

	entity.CurrentState = r.To
	for _, s := range r.Stamps {
		entity.Timestamps[s] = now
	}
	if r.Counter != "" {
		entity.Counters[r.Counter]++
	}
	for _, k := range r.Captures {
		if v, ok := payload[k]; ok {
			entity.Fields[k] = v
		}
	}
	for k, v := range r.Sets {
		entity.Fields[k] = v
	}
	entity.UpdatedAt = now
}

// capturedPayload keeps the payload keys the rule captures. Only those can reach
// the stored fields, so only those may stand in for them in the guard.
func capturedPayload(r types.TransitionRule, payload map[string]any) map[string]any {
	if len(payload) == 0 || len(r.Captures) == 0 {
		return nil
	}
	out := make(map[string]any, len(r.Captures))
	for _, k := range r.Captures {
		if v, ok := payload[k]; ok {
			out[k] = v
		}
	}
	return out
}

// guardEnv merges the snapshot and payload into the guard environment. Payload
// values win over stored fields but never over counters or the reserved keys.
func guardEnv(entity types.WorkflowEntity, payload map[string]any, notes string, open int) map[string]any {
	env := make(map[string]any, len(entity.Fields)+len(entity.Counters)+len(payload)+3)
	for k, v := range entity.Fields {
		env[k] = v
	}
	for k, v := range payload {
		if _, counter := entity.Counters[k]; counter || reservedEnvKey(k) {
			continue
		}
		env[k] = v
	}
	for k, v := range entity.Counters {
		env[k] = v
	}
	env[EnvCurrentState] = string(entity.CurrentState)
	env[EnvOpenDeadlines] = open
	if notes != "" {
		env[EnvNotes] = notes
	}
	return env
}

func reservedEnvKey(k string) bool {
	return k == EnvCurrentState || k == EnvNotes || k == EnvOpenDeadlines
}

func (e *Engine) openDeadlines(ctx context.Context, ref types.EntityRef) (int, error) {
	var ds []types.Deadline
	err := e.persist(ctx, func() error {
		var err error
		ds, err = e.storage.ListDeadlines(ctx, ref)
		return err
	})
	if err != nil {
		return 0, e.persistenceError(ref, "", err)
	}
	return countOpen(ds), nil
}

func countOpen(ds []types.Deadline) int {
	open := 0
	for _, d := range ds {
		if !d.Completed() {
			open++
		}
	}
	return open
}

// afterCommit runs the notify effects and publishes the transition event.
// Failures are logged and counted, never returned.
func (e *Engine) afterCommit(ctx context.Context, rule types.TransitionRule, record types.TransitionRecord, payload map[string]any) []types.Notification {
	var notifications []types.Notification
	if e.notifier != nil && hasEffect(rule, types.EffectNotify) {
		ns, err := e.notifier.Dispatch(ctx, record.EntityType, record.EntityID, record.Transition, map[string]any{
			"from":        string(record.FromState),
			"to":          string(record.ToState),
			"actor_id":    record.ActorID,
			"actor_role":  string(record.ActorRole),
			"notes":       record.Notes,
			"occurred_at": record.OccurredAt,
		})
		if err != nil {
			e.metrics.RecordEffectFailure(string(types.EffectNotify))
			e.logger.Error("Notification dispatch failed", "ref", record.EntityType, "entity_id", record.EntityID,
				"transition", record.Transition, "error", err)
		}
		notifications = ns
	}

	if e.eventBus == nil {
		return notifications
	}
	event := events.NewTransitionEvent(rule, record, payload)
	if e.asyncEvents {
		if err := e.eventBus.Publish(ctx, event); err != nil && !errors.Is(err, events.ErrNoHandler) {
			e.metrics.RecordEffectFailure("event")
			e.logger.Error("Failed to publish transition event", "event_id", event.ID, "error", err)
		}
		return notifications
	}
	for _, err := range e.eventBus.PublishSync(ctx, event) {
		if errors.Is(err, events.ErrNoHandler) {
			continue
		}
		e.metrics.RecordEffectFailure("event")
		e.logger.Error("Transition event handler failed", "event_id", event.ID, "transition", event.Transition, "error", err)
	}
	return notifications
}

// persist runs op and retries it once when storage failed for a non-domain reason.
func (e *Engine) persist(ctx context.Context, op func() error) error {
	err := op()
	if err == nil || !retryable(err) || ctx.Err() != nil {
		return err
	}
	e.logger.Warn("Storage operation failed, retrying once", "error", err)
	return op()
}

func retryable(err error) bool {
	var te *TransitionError
	switch {
	case errors.As(err, &te),
		errors.Is(err, storage.ErrEntityNotFound),
		errors.Is(err, storage.ErrEntityExists),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (e *Engine) mapStorageError(ref types.EntityRef, transition string, err error) error {
	var te *TransitionError
	switch {
	case errors.As(err, &te):
		return te
	case errors.Is(err, storage.ErrEntityNotFound):
		return &TransitionError{Kind: ErrEntityNotFound, Ref: ref, Transition: transition, Err: err}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	}
	if !retryable(err) {
		return err
	}
	return e.persistenceError(ref, transition, err)
}

func (e *Engine) persistenceError(ref types.EntityRef, transition string, err error) error {
	if !retryable(err) {
		return err
	}
	e.logger.Error("Storage operation failed after retry", "ref", ref.String(), "error", err)
	return &TransitionError{Kind: ErrPersistence, Ref: ref, Transition: transition, Err: err}
}

func validateRequest(req Request) error {
	switch {
	case req.Ref.ID == "":
		return invalid(req.Ref, "entity id is required")
	case req.Transition == "":
		return invalid(req.Ref, "transition is required")
	case req.ActorID == "":
		return invalid(req.Ref, "actor id is required")
	case req.ActorRole == "":
		return invalid(req.Ref, "actor role is required")
	}
	return nil
}

func invalid(ref types.EntityRef, reason string) error {
	return &TransitionError{Kind: ErrInvalidRequest, Ref: ref, Reason: reason}
}

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeApplied
	case IsAlreadyInState(err):
		return OutcomeAlreadyInState
	case IsIllegalTransition(err):
		return OutcomeIllegalTransition
	case IsUnauthorized(err):
		return OutcomeUnauthorized
	case IsGuardFailed(err):
		return OutcomeGuardFailed
	case IsEntityNotFound(err):
		return OutcomeNotFound
	case kindOf(err, ErrInvalidRequest):
		return OutcomeInvalid
	}
	return OutcomePersistence
}

// eventPayload overlays the request payload on the committed fields so that
// subscribers see values stored earlier through SetFields.
func eventPayload(fields, payload map[string]any) map[string]any {
	out := make(map[string]any, len(fields)+len(payload))
	for k, v := range fields {
		out[k] = v
	}
	for k, v := range payload {
		out[k] = v
	}
	return out
}

func hasEffect(r types.TransitionRule, kind types.EffectKind) bool {
	for _, eff := range r.OnSuccess {
		if eff.Kind == kind {
			return true
		}
	}
	return false
}

func recipientsOf(ns []types.Notification) []string {
	seen := make(map[string]bool, len(ns))
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		if !seen[n.RecipientUserID] {
			seen[n.RecipientUserID] = true
			out = append(out, n.RecipientUserID)
		}
	}
	return out
}
