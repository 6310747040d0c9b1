package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/songzhibin97/production-workflow/types"
)

// MemoryStorage is an in-memory implementation of the Storage interface.
// Entity updates serialize on a per-entity mutex so unrelated entities never contend.
type MemoryStorage struct {
	entities      map[types.EntityRef]types.WorkflowEntity
	transitions   map[types.EntityRef][]types.TransitionRecord
	deadlines     map[types.EntityRef][]types.Deadline
	notifications map[string][]types.Notification
	locks         map[types.EntityRef]*sync.Mutex
	mu            sync.RWMutex
}

// NewMemoryStorage creates a new MemoryStorage instance.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		entities:      make(map[types.EntityRef]types.WorkflowEntity),
		transitions:   make(map[types.EntityRef][]types.TransitionRecord),
		deadlines:     make(map[types.EntityRef][]types.Deadline),
		notifications: make(map[string][]types.Notification),
		locks:         make(map[types.EntityRef]*sync.Mutex),
	}
}

func (s *MemoryStorage) entityLock(ref types.EntityRef) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[ref]
	if !ok {
		l = &sync.Mutex{}
		s.locks[ref] = l
	}
	return l
}

// getItem is a standalone generic helper function.
func getItem[K comparable, T any](ctx context.Context, mu *sync.RWMutex, m map[K]T, key K, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		mu.RLock()
		defer mu.RUnlock()
		item, ok := m[key]
		if !ok {
			var zero T
			return zero, fmt.Errorf("%w: %v", errNotFound, key)
		}
		return item, nil
	})
}

// CreateEntity stores a new entity.
func (s *MemoryStorage) CreateEntity(ctx context.Context, entity types.WorkflowEntity) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		ref := entity.Ref()
		if _, ok := s.entities[ref]; ok {
			return fmt.Errorf("%w: %s", ErrEntityExists, ref)
		}
		normalizeEntity(&entity)
		s.entities[ref] = entity.Clone()
		return nil
	})
}

// GetEntity retrieves an entity from memory.
func (s *MemoryStorage) GetEntity(ctx context.Context, ref types.EntityRef) (types.WorkflowEntity, error) {
	e, err := getItem(ctx, &s.mu, s.entities, ref, ErrEntityNotFound)
	if err != nil {
		return types.WorkflowEntity{}, err
	}
	return e.Clone(), nil
}

// UpdateEntity applies fn under the entity's lock.
func (s *MemoryStorage) UpdateEntity(ctx context.Context, ref types.EntityRef, fn UpdateFunc) error {
	lock := s.entityLock(ref)
	lock.Lock()
	defer lock.Unlock()

	return withContextError(ctx, func() error {
		current, err := getItem(ctx, &s.mu, s.entities, ref, ErrEntityNotFound)
		if err != nil {
			return err
		}
		s.mu.RLock()
		deadlines := append([]types.Deadline(nil), s.deadlines[ref]...)
		s.mu.RUnlock()

		working := current.Clone()
		record, err := fn(&working, deadlines)
		if err != nil {
			return err
		}
		if record == nil {
			return nil
		}
		working.Version = current.Version + 1

		s.mu.Lock()
		defer s.mu.Unlock()
		s.entities[ref] = working
		s.transitions[ref] = append(s.transitions[ref], *record)
		return nil
	})
}

// SetFields merges fields into an entity.
func (s *MemoryStorage) SetFields(ctx context.Context, ref types.EntityRef, fields map[string]any, at time.Time) (types.WorkflowEntity, error) {
	lock := s.entityLock(ref)
	lock.Lock()
	defer lock.Unlock()

	return withContext(ctx, func() (types.WorkflowEntity, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		current, ok := s.entities[ref]
		if !ok {
			return types.WorkflowEntity{}, fmt.Errorf("%w: %s", ErrEntityNotFound, ref)
		}
		working := current.Clone()
		if err := applyFields(&working, fields, at); err != nil {
			return types.WorkflowEntity{}, err
		}
		working.Version++
		s.entities[ref] = working
		return working.Clone(), nil
	})
}

// ListTransitions returns the entity's history.
func (s *MemoryStorage) ListTransitions(ctx context.Context, ref types.EntityRef) ([]types.TransitionRecord, error) {
	return withContext(ctx, func() ([]types.TransitionRecord, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		if _, ok := s.entities[ref]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, ref)
		}
		return append([]types.TransitionRecord(nil), s.transitions[ref]...), nil
	})
}

// CreateDeadline stores a deadline under the entity's lock.
func (s *MemoryStorage) CreateDeadline(ctx context.Context, d types.Deadline) error {
	ref := d.Ref()
	lock := s.entityLock(ref)
	lock.Lock()
	defer lock.Unlock()

	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		if hasOpenDeadline(s.deadlines[ref], d.Role) {
			return fmt.Errorf("%w: %s role=%s", ErrDeadlineOpen, ref, d.Role)
		}
		s.deadlines[ref] = append(s.deadlines[ref], d)
		return nil
	})
}

// ListDeadlines returns the deadlines of one entity in creation order.
func (s *MemoryStorage) ListDeadlines(ctx context.Context, ref types.EntityRef) ([]types.Deadline, error) {
	return withContext(ctx, func() ([]types.Deadline, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]types.Deadline(nil), s.deadlines[ref]...), nil
	})
}

// ListOpenDeadlines returns every uncompleted deadline ordered by due date.
func (s *MemoryStorage) ListOpenDeadlines(ctx context.Context) ([]types.Deadline, error) {
	return withContext(ctx, func() ([]types.Deadline, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		var open []types.Deadline
		for _, ds := range s.deadlines {
			for _, d := range ds {
				if !d.Completed() {
					open = append(open, d)
				}
			}
		}
		sort.Slice(open, func(i, j int) bool {
			if open[i].DeadlineDate.Equal(open[j].DeadlineDate) {
				return open[i].ID < open[j].ID
			}
			return open[i].DeadlineDate.Before(open[j].DeadlineDate)
		})
		return open, nil
	})
}

// CompleteDeadline marks the open deadline of role completed.
func (s *MemoryStorage) CompleteDeadline(ctx context.Context, ref types.EntityRef, role types.Role, at time.Time, by, notes string) (types.Deadline, error) {
	return withContext(ctx, func() (types.Deadline, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		ds := s.deadlines[ref]
		i, err := pickOpenDeadline(ds, role)
		if err != nil {
			return types.Deadline{}, fmt.Errorf("%w: %s role=%s", err, ref, role)
		}
		completed := at
		ds[i].CompletedAt = &completed
		ds[i].CompletedBy = by
		if notes != "" {
			ds[i].Notes = notes
		}
		return ds[i], nil
	})
}

// MarkDeadlineReminded records that an overdue reminder went out.
func (s *MemoryStorage) MarkDeadlineReminded(ctx context.Context, id uint64, at time.Time) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, ds := range s.deadlines {
			for i := range ds {
				if ds[i].ID == id {
					reminded := at
					ds[i].RemindedAt = &reminded
					return nil
				}
			}
		}
		return fmt.Errorf("%w: id=%d", ErrDeadlineNotFound, id)
	})
}

// SaveNotifications stores notifications in a single lock.
func (s *MemoryStorage) SaveNotifications(ctx context.Context, ns []types.Notification) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		for _, n := range ns {
			s.notifications[n.RecipientUserID] = append(s.notifications[n.RecipientUserID], n)
		}
		return nil
	})
}

// ListNotifications returns a user's notifications, newest first.
func (s *MemoryStorage) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]types.Notification, error) {
	return withContext(ctx, func() ([]types.Notification, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		all := s.notifications[userID]
		out := make([]types.Notification, 0, len(all))
		for i := len(all) - 1; i >= 0; i-- {
			if unreadOnly && all[i].IsRead {
				continue
			}
			out = append(out, all[i])
		}
		return out, nil
	})
}

// MarkNotificationRead flags one of the user's notifications as read.
func (s *MemoryStorage) MarkNotificationRead(ctx context.Context, userID string, id uint64) error {
	return withContextError(ctx, func() error {
		s.mu.Lock()
		defer s.mu.Unlock()
		ns := s.notifications[userID]
		for i := range ns {
			if ns[i].ID == id {
				ns[i].IsRead = true
				return nil
			}
		}
		return fmt.Errorf("%w: id=%d", ErrNotificationMissing, id)
	})
}

func (s *MemoryStorage) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *MemoryStorage) Close() error {
	return nil
}
