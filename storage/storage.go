package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/songzhibin97/production-workflow/types"
)

// Errors shared by every Storage implementation.
var (
	ErrEntityNotFound      = errors.New("entity not found")
	ErrEntityExists        = errors.New("entity already exists")
	ErrDeadlineNotFound    = errors.New("deadline not found")
	ErrDeadlineCompleted   = errors.New("deadline already completed")
	ErrDeadlineOpen        = errors.New("an open deadline already exists for this role")
	ErrNotificationMissing = errors.New("notification not found")
	ErrConflict            = errors.New("concurrent update conflict")
)

// UpdateFunc receives a private copy of the locked entity and the entity's
// deadlines read under the same lock. It mutates the copy and returns the record
// to append. Returning a nil record leaves storage untouched; returning an error
// aborts the update without any write.
type UpdateFunc func(entity *types.WorkflowEntity, deadlines []types.Deadline) (*types.TransitionRecord, error)

// EntityStore persists workflow entities and their transition history.
type EntityStore interface {
	// CreateEntity inserts a new entity; ErrEntityExists if the ref is taken.
	CreateEntity(ctx context.Context, entity types.WorkflowEntity) error

	// GetEntity retrieves an entity; ErrEntityNotFound if absent.
	GetEntity(ctx context.Context, ref types.EntityRef) (types.WorkflowEntity, error)

	// UpdateEntity runs fn while holding an exclusive per-entity lock and commits the
	// mutated entity together with the returned record as one atomic unit.
	UpdateEntity(ctx context.Context, ref types.EntityRef, fn UpdateFunc) error

	// SetFields merges department fields into the entity without touching its state.
	SetFields(ctx context.Context, ref types.EntityRef, fields map[string]any, at time.Time) (types.WorkflowEntity, error)

	// ListTransitions returns the entity's records in the order they occurred.
	ListTransitions(ctx context.Context, ref types.EntityRef) ([]types.TransitionRecord, error)
}

// DeadlineStore persists per-role deadlines.
type DeadlineStore interface {
	// CreateDeadline inserts d unless its (ref, role) already has an open deadline,
	// in which case it returns ErrDeadlineOpen. It serializes with UpdateEntity on
	// the same entity.
	CreateDeadline(ctx context.Context, d types.Deadline) error
	ListDeadlines(ctx context.Context, ref types.EntityRef) ([]types.Deadline, error)
	// ListOpenDeadlines returns every deadline without a completion, across entities.
	ListOpenDeadlines(ctx context.Context) ([]types.Deadline, error)
	// CompleteDeadline sets completed_at on the open deadline of (ref, role) exactly once.
	// ErrDeadlineCompleted when only completed deadlines exist; ErrDeadlineNotFound when none.
	CompleteDeadline(ctx context.Context, ref types.EntityRef, role types.Role, at time.Time, by, notes string) (types.Deadline, error)
	MarkDeadlineReminded(ctx context.Context, id uint64, at time.Time) error
}

// NotificationStore persists dispatched notifications.
type NotificationStore interface {
	SaveNotifications(ctx context.Context, ns []types.Notification) error
	ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]types.Notification, error)
	MarkNotificationRead(ctx context.Context, userID string, id uint64) error
}

// Storage defines the interface for persisting entities, history, deadlines and notifications.
type Storage interface {
	EntityStore
	DeadlineStore
	NotificationStore

	Ping(ctx context.Context) error
	Close() error
}

// withContext is a standalone generic helper function.
func withContext[T any](ctx context.Context, fn func() (T, error)) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	default:
		return fn()
	}
}

// withContextError handles context cancellation for operations that only return an error.
func withContextError(ctx context.Context, fn func() error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fn()
	}
}

// applyFields merges fields into entity, rejecting keys that would shadow the canonical state.
func applyFields(entity *types.WorkflowEntity, fields map[string]any, at time.Time) error {
	if entity.Fields == nil {
		entity.Fields = make(map[string]any, len(fields))
	}
	for k, v := range fields {
		if k == "current_state" {
			return fmt.Errorf("field %q is managed by the workflow executor", k)
		}
		entity.Fields[k] = v
	}
	entity.UpdatedAt = at
	return nil
}

func hasOpenDeadline(all []types.Deadline, role types.Role) bool {
	for _, d := range all {
		if d.Role == role && !d.Completed() {
			return true
		}
	}
	return false
}

// pickOpenDeadline finds the deadline of role that can be completed.
func pickOpenDeadline(all []types.Deadline, role types.Role) (int, error) {
	found := false
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Role != role {
			continue
		}
		found = true
		if !all[i].Completed() {
			return i, nil
		}
	}
	if found {
		return -1, ErrDeadlineCompleted
	}
	return -1, ErrDeadlineNotFound
}

// normalizeEntity makes sure maps are usable after decoding.
func normalizeEntity(e *types.WorkflowEntity) {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	if e.Timestamps == nil {
		e.Timestamps = map[string]time.Time{}
	}
	if e.Counters == nil {
		e.Counters = map[string]int{}
	}
}
