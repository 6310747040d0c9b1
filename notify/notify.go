// Package notify fans transition events out to the users holding the target roles.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/songzhibin97/gkit/generator"

	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/metrics"
	"github.com/songzhibin97/production-workflow/storage"
	"github.com/songzhibin97/production-workflow/types"
	"github.com/songzhibin97/production-workflow/workflow"
)

// KindDeadlineOverdue is the notification kind of overdue reminders.
const KindDeadlineOverdue = "deadline_overdue"

// Directory resolves the active users holding a role.
type Directory interface {
	UsersWithRole(ctx context.Context, role types.Role) ([]string, error)
}

// User is a directory entry.
type User struct {
	ID     string
	Name   string
	Roles  []types.Role
	Active bool
}

// StaticDirectory is an in-memory Directory loaded from configuration.
type StaticDirectory struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewStaticDirectory(users ...User) *StaticDirectory {
	d := &StaticDirectory{users: make(map[string]User, len(users))}
	for _, u := range users {
		d.users[u.ID] = u
	}
	return d
}

// Put adds or replaces a user.
func (d *StaticDirectory) Put(u User) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[u.ID] = u
}

// SetActive toggles a user; it reports false for unknown users.
func (d *StaticDirectory) SetActive(id string, active bool) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.users[id]
	if !ok {
		return false
	}
	u.Active = active
	d.users[id] = u
	return true
}

// UsersWithRole returns the active users with role, sorted by ID.
func (d *StaticDirectory) UsersWithRole(ctx context.Context, role types.Role) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []string
	for _, u := range d.users {
		if !u.Active {
			continue
		}
		for _, r := range u.Roles {
			if r == role {
				out = append(out, u.ID)
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

// Route maps a transition of an entity type to the roles that must know about it.
type Route struct {
	EntityType types.EntityType
	Transition string
	Roles      []types.Role
}

// Mapping is the (entity type, transition) → roles table.
type Mapping struct {
	routes map[string][]types.Role
}

func routeKey(entityType types.EntityType, transition string) string {
	return string(entityType) + "." + transition
}

// NewMapping builds a mapping; routes for the same pair are merged.
func NewMapping(routes ...Route) *Mapping {
	m := &Mapping{routes: make(map[string][]types.Role, len(routes))}
	for _, r := range routes {
		key := routeKey(r.EntityType, r.Transition)
		for _, role := range r.Roles {
			if !containsRole(m.routes[key], role) {
				m.routes[key] = append(m.routes[key], role)
			}
		}
	}
	return m
}

// Roles returns the target roles of a transition.
func (m *Mapping) Roles(entityType types.EntityType, transition string) []types.Role {
	return append([]types.Role(nil), m.routes[routeKey(entityType, transition)]...)
}

// DefaultRoutes is the notification mapping of the production pipelines.
func DefaultRoutes() []Route {
	ep := types.EntityEpisode
	music := types.EntityMusicSubmission
	return []Route{
		{ep, workflow.TransitionSubmitScript, []types.Role{types.RoleProducer}},
		{ep, workflow.TransitionApproveRundown, []types.Role{types.RoleCreative, types.RoleProduksi}},
		{ep, workflow.TransitionRejectRundown, []types.Role{types.RoleCreative}},
		{ep, workflow.TransitionCompleteShooting, []types.Role{types.RoleQualityControl}},
		{ep, workflow.TransitionSubmitEdit, []types.Role{types.RoleQualityControl}},
		{ep, workflow.TransitionQCApproved, []types.Role{types.RoleBroadcasting, types.RoleDistributionManager}},
		{ep, workflow.TransitionQCRevisionNeeded, []types.Role{types.RoleEditor}},
		{ep, workflow.TransitionCompleteBroadcast, []types.Role{types.RolePromotion, types.RoleGraphicDesign, types.RoleDistributionManager}},
		{ep, workflow.TransitionCancel, []types.Role{types.RoleProducer, types.RoleProgramManager}},
		{types.EntityProgram, "activate", []types.Role{types.RoleProducer}},
		{types.EntityProgram, "complete", []types.Role{types.RoleProducer}},
		{types.EntityProgram, workflow.TransitionCancel, []types.Role{types.RoleProducer}},
		{types.EntitySchedule, "confirm", []types.Role{types.RoleBroadcasting, types.RolePromotion}},
		{types.EntitySchedule, "reschedule", []types.Role{types.RoleBroadcasting, types.RolePromotion}},
		{types.EntitySchedule, workflow.TransitionCancel, []types.Role{types.RoleBroadcasting}},
		{music, "submit", []types.Role{types.RoleProducer}},
		{music, "approve_song", []types.Role{types.RoleMusicArranger}},
		{music, "reject_song", []types.Role{types.RoleMusicArranger}},
		{music, "submit_arrangement", []types.Role{types.RoleProducer}},
		{music, "approve_arrangement", []types.Role{types.RoleSoundEngineer}},
		{music, "request_arrangement_revision", []types.Role{types.RoleMusicArranger}},
		{music, "complete_sound_engineering", []types.Role{types.RoleProducer, types.RoleMusicArranger}},
	}
}

// Dispatcher creates and stores notifications. It implements workflow.Notifier.
type Dispatcher struct {
	mapping   *Mapping
	directory Directory
	store     storage.NotificationStore
	generate  generator.Generator
	clock     clockwork.Clock
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithClock sets the clock used to stamp notifications.
func WithClock(clock clockwork.Clock) Option {
	return func(d *Dispatcher) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// WithLogger sets the logger for routing and delivery failures.
func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMetrics counts created notifications on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher creates a dispatcher. A nil mapping means DefaultRoutes.
func NewDispatcher(generate generator.Generator, store storage.NotificationStore, directory Directory, mapping *Mapping, options ...Option) (*Dispatcher, error) {
	if generate == nil {
		return nil, errors.New("generator is required")
	}
	if store == nil || directory == nil {
		return nil, errors.New("notification store and directory are required")
	}
	if mapping == nil {
		mapping = NewMapping(DefaultRoutes()...)
	}
	d := &Dispatcher{
		mapping:   mapping,
		directory: directory,
		store:     store,
		generate:  generate,
		clock:     clockwork.NewRealClock(),
		logger:    log.WithModule("notify"),
	}
	for _, opt := range options {
		opt(d)
	}
	return d, nil
}

// Dispatch creates one notification per active user holding any role mapped to
// (entityType, transition). A user holding several target roles is notified once.
// Roles whose lookup fails are skipped and reported in the joined error.
func (d *Dispatcher) Dispatch(ctx context.Context, entityType types.EntityType, entityID, transition string, details map[string]any) ([]types.Notification, error) {
	roles := d.mapping.Roles(entityType, transition)
	if len(roles) == 0 {
		return nil, nil
	}
	payload := make(map[string]any, len(details)+1)
	for k, v := range details {
		payload[k] = v
	}
	payload["transition"] = transition
	return d.fanOut(ctx, roles, entityType, entityID, transition, payload)
}

// RemindOverdue notifies the users holding the deadline's role.
func (d *Dispatcher) RemindOverdue(ctx context.Context, dl types.Deadline) ([]types.Notification, error) {
	return d.fanOut(ctx, []types.Role{dl.Role}, dl.EntityType, dl.EntityID, KindDeadlineOverdue, map[string]any{
		"deadline_id":   dl.ID,
		"deadline_date": dl.DeadlineDate,
		"role":          string(dl.Role),
	})
}

func (d *Dispatcher) fanOut(ctx context.Context, roles []types.Role, entityType types.EntityType, entityID, kind string, payload map[string]any) ([]types.Notification, error) {
	var (
		errs []error
		seen = map[string]bool{}
		ns   []types.Notification
		now  = d.clock.Now()
	)
	for _, role := range roles {
		users, err := d.directory.UsersWithRole(ctx, role)
		if err != nil {
			errs = append(errs, fmt.Errorf("users with role %q: %w", role, err))
			continue
		}
		for _, u := range users {
			if seen[u] {
				continue
			}
			seen[u] = true
			id, err := d.generate.NextID()
			if err != nil {
				return nil, fmt.Errorf("generate notification id: %w", err)
			}
			ns = append(ns, types.Notification{
				ID:              id,
				RecipientUserID: u,
				EntityType:      entityType,
				EntityID:        entityID,
				Kind:            kind,
				Payload:         payload,
				CreatedAt:       now,
			})
		}
	}

	if len(ns) > 0 {
		if err := d.store.SaveNotifications(ctx, ns); err != nil {
			d.logger.Error("Failed to store notifications", "entity_type", entityType, "entity_id", entityID, "kind", kind, "error", err)
			return nil, errors.Join(append(errs, fmt.Errorf("save notifications: %w", err))...)
		}
		d.metrics.RecordNotifications(string(entityType), kind, len(ns))
		d.logger.Debug("Notifications dispatched", "entity_type", entityType, "entity_id", entityID, "kind", kind, "count", len(ns))
	}
	return ns, errors.Join(errs...)
}

// Inbox returns a user's notifications, newest first.
func (d *Dispatcher) Inbox(ctx context.Context, userID string, unreadOnly bool) ([]types.Notification, error) {
	return d.store.ListNotifications(ctx, userID, unreadOnly)
}

// MarkRead flags one of the user's notifications as read.
func (d *Dispatcher) MarkRead(ctx context.Context, userID string, id uint64) error {
	return d.store.MarkNotificationRead(ctx, userID, id)
}

func containsRole(rs []types.Role, role types.Role) bool {
	for _, r := range rs {
		if r == role {
			return true
		}
	}
	return false
}
