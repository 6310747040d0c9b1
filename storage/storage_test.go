package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/songzhibin97/production-workflow/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

// Helper function to create a sample entity
func newEntity(id string) types.WorkflowEntity {
	return types.WorkflowEntity{
		Type:         types.EntityEpisode,
		ID:           id,
		CurrentState: "draft",
		Fields:       map[string]any{"title": "Episode " + id},
		Timestamps:   map[string]time.Time{},
		Counters:     map[string]int{},
		CreatedAt:    baseTime,
		UpdatedAt:    baseTime,
	}
}

func newRecord(id uint64, e types.WorkflowEntity, from, to types.State) *types.TransitionRecord {
	return &types.TransitionRecord{
		ID:         id,
		EntityType: e.Type,
		EntityID:   e.ID,
		Transition: "submit_script",
		FromState:  from,
		ToState:    to,
		ActorID:    "u-creative",
		ActorRole:  types.RoleCreative,
		OccurredAt: baseTime.Add(time.Duration(id) * time.Minute),
	}
}

// runStorageSuite exercises behaviour every backend must share.
func runStorageSuite(t *testing.T, newStore func(t *testing.T) Storage) {
	ctx := context.Background()

	t.Run("CreateAndGetEntity", func(t *testing.T) {
		store := newStore(t)
		e := newEntity("e-create")
		require.NoError(t, store.CreateEntity(ctx, e))

		got, err := store.GetEntity(ctx, e.Ref())
		require.NoError(t, err)
		assert.Equal(t, types.State("draft"), got.CurrentState)
		assert.Equal(t, "Episode e-create", got.Fields["title"])
		assert.True(t, got.CreatedAt.Equal(baseTime))

		err = store.CreateEntity(ctx, e)
		assert.ErrorIs(t, err, ErrEntityExists)

		_, err = store.GetEntity(ctx, types.EntityRef{Type: types.EntityEpisode, ID: "missing"})
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("UpdateEntityCommitsRecord", func(t *testing.T) {
		store := newStore(t)
		e := newEntity("e-update")
		require.NoError(t, store.CreateEntity(ctx, e))

		err := store.UpdateEntity(ctx, e.Ref(), func(w *types.WorkflowEntity, _ []types.Deadline) (*types.TransitionRecord, error) {
			w.CurrentState = "script_review"
			w.Timestamps["submitted_at"] = baseTime
			w.Counters["script_revision_count"]++
			return newRecord(1, *w, "draft", "script_review"), nil
		})
		require.NoError(t, err)

		got, err := store.GetEntity(ctx, e.Ref())
		require.NoError(t, err)
		assert.Equal(t, types.State("script_review"), got.CurrentState)
		assert.Equal(t, int64(1), got.Version)
		assert.Equal(t, 1, got.Counters["script_revision_count"])
		assert.True(t, got.Timestamps["submitted_at"].Equal(baseTime))

		history, err := store.ListTransitions(ctx, e.Ref())
		require.NoError(t, err)
		require.Len(t, history, 1)
		assert.Equal(t, types.State("draft"), history[0].FromState)
		assert.Equal(t, types.State("script_review"), history[0].ToState)
	})

	t.Run("UpdateEntityErrorLeavesNoTrace", func(t *testing.T) {
		store := newStore(t)
		e := newEntity("e-abort")
		require.NoError(t, store.CreateEntity(ctx, e))

		boom := errors.New("guard failed")
		err := store.UpdateEntity(ctx, e.Ref(), func(w *types.WorkflowEntity, _ []types.Deadline) (*types.TransitionRecord, error) {
			w.CurrentState = "script_review"
			return nil, boom
		})
		assert.ErrorIs(t, err, boom)

		err = store.UpdateEntity(ctx, e.Ref(), func(w *types.WorkflowEntity, _ []types.Deadline) (*types.TransitionRecord, error) {
			w.CurrentState = "ignored"
			return nil, nil
		})
		require.NoError(t, err)

		got, err := store.GetEntity(ctx, e.Ref())
		require.NoError(t, err)
		assert.Equal(t, types.State("draft"), got.CurrentState)
		assert.Equal(t, int64(0), got.Version)

		history, err := store.ListTransitions(ctx, e.Ref())
		require.NoError(t, err)
		assert.Empty(t, history)

		err = store.UpdateEntity(ctx, types.EntityRef{Type: types.EntityEpisode, ID: "missing"}, func(w *types.WorkflowEntity, _ []types.Deadline) (*types.TransitionRecord, error) {
			return nil, nil
		})
		assert.ErrorIs(t, err, ErrEntityNotFound)
	})

	t.Run("ConcurrentUpdatesSerialize", func(t *testing.T) {
		store := newStore(t)
		e := newEntity("e-race")
		require.NoError(t, store.CreateEntity(ctx, e))

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.UpdateEntity(ctx, e.Ref(), func(w *types.WorkflowEntity, _ []types.Deadline) (*types.TransitionRecord, error) {
					if w.CurrentState != "draft" {
						return nil, nil
					}
					w.CurrentState = "script_review"
					return newRecord(uint64(100+i), *w, "draft", "script_review"), nil
				})
				if err == nil {
					mu.Lock()
					applied++
					mu.Unlock()
				}
			}(i)
		}
		wg.Wait()

		history, err := store.ListTransitions(ctx, e.Ref())
		require.NoError(t, err)
		assert.Len(t, history, 1)
		assert.Equal(t, workers, applied)
	})

	t.Run("SetFields", func(t *testing.T) {
		store := newStore(t)
		e := newEntity("e-fields")
		require.NoError(t, store.CreateEntity(ctx, e))

		got, err := store.SetFields(ctx, e.Ref(), map[string]any{"youtube_url": "https://youtu.be/x"}, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, "https://youtu.be/x", got.Fields["youtube_url"])
		assert.Equal(t, "Episode e-fields", got.Fields["title"])

		_, err = store.SetFields(ctx, e.Ref(), map[string]any{"current_state": "aired"}, baseTime)
		assert.Error(t, err)

		reloaded, err := store.GetEntity(ctx, e.Ref())
		require.NoError(t, err)
		assert.Equal(t, types.State("draft"), reloaded.CurrentState)
	})

	t.Run("Deadlines", func(t *testing.T) {
		store := newStore(t)
		ref := types.EntityRef{Type: types.EntityEpisode, ID: "e-deadline"}
		require.NoError(t, store.CreateDeadline(ctx, types.Deadline{
			ID: 1, EntityType: ref.Type, EntityID: ref.ID, Role: types.RoleEditor,
			DeadlineDate: baseTime.Add(72 * time.Hour), CreatedAt: baseTime,
		}))
		require.NoError(t, store.CreateDeadline(ctx, types.Deadline{
			ID: 2, EntityType: ref.Type, EntityID: ref.ID, Role: types.RoleProducer,
			DeadlineDate: baseTime.Add(24 * time.Hour), CreatedAt: baseTime,
		}))

		open, err := store.ListOpenDeadlines(ctx)
		require.NoError(t, err)
		require.Len(t, open, 2)
		assert.Equal(t, uint64(2), open[0].ID)

		done, err := store.CompleteDeadline(ctx, ref, types.RoleEditor, baseTime.Add(time.Hour), "u-editor", "done")
		require.NoError(t, err)
		assert.Equal(t, uint64(1), done.ID)
		require.NotNil(t, done.CompletedAt)
		assert.Equal(t, "u-editor", done.CompletedBy)

		_, err = store.CompleteDeadline(ctx, ref, types.RoleEditor, baseTime.Add(2*time.Hour), "u-editor", "")
		assert.ErrorIs(t, err, ErrDeadlineCompleted)

		_, err = store.CompleteDeadline(ctx, ref, types.RoleSoundEngineer, baseTime, "u", "")
		assert.ErrorIs(t, err, ErrDeadlineNotFound)

		require.NoError(t, store.MarkDeadlineReminded(ctx, 2, baseTime.Add(25*time.Hour)))
		assert.ErrorIs(t, store.MarkDeadlineReminded(ctx, 99, baseTime), ErrDeadlineNotFound)

		all, err := store.ListDeadlines(ctx, ref)
		require.NoError(t, err)
		require.Len(t, all, 2)
		for _, d := range all {
			if d.ID == 2 {
				require.NotNil(t, d.RemindedAt)
			}
		}
	})

	t.Run("OneOpenDeadlinePerRole", func(t *testing.T) {
		store := newStore(t)
		e := newEntity("e-one-open")
		require.NoError(t, store.CreateEntity(ctx, e))
		ref := e.Ref()
		deadline := func(id uint64, role types.Role) types.Deadline {
			return types.Deadline{
				ID: id, EntityType: ref.Type, EntityID: ref.ID, Role: role,
				DeadlineDate: baseTime.Add(48 * time.Hour), CreatedAt: baseTime.Add(time.Duration(id) * time.Second),
			}
		}

		const workers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
			refused int
		)
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				err := store.CreateDeadline(ctx, deadline(uint64(10+i), types.RoleQualityControl))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					created++
				case errors.Is(err, ErrDeadlineOpen):
					refused++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()
		assert.Equal(t, 1, created)
		assert.Equal(t, workers-1, refused)

		require.NoError(t, store.CreateDeadline(ctx, deadline(30, types.RoleEditor)))

		_, err := store.CompleteDeadline(ctx, ref, types.RoleQualityControl, baseTime.Add(time.Hour), "u-qc", "")
		require.NoError(t, err)
		require.NoError(t, store.CreateDeadline(ctx, deadline(31, types.RoleQualityControl)))

		all, err := store.ListDeadlines(ctx, ref)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("UpdateEntitySeesDeadlines", func(t *testing.T) {
		store := newStore(t)
		e := newEntity("e-locked-deadlines")
		require.NoError(t, store.CreateEntity(ctx, e))
		require.NoError(t, store.CreateDeadline(ctx, types.Deadline{
			ID: 40, EntityType: e.Type, EntityID: e.ID, Role: types.RoleProducer,
			DeadlineDate: baseTime.Add(time.Hour), CreatedAt: baseTime,
		}))

		var seen []types.Deadline
		err := store.UpdateEntity(ctx, e.Ref(), func(w *types.WorkflowEntity, ds []types.Deadline) (*types.TransitionRecord, error) {
			seen = ds
			return nil, nil
		})
		require.NoError(t, err)
		require.Len(t, seen, 1)
		assert.Equal(t, uint64(40), seen[0].ID)
		assert.False(t, seen[0].Completed())
	})

	t.Run("Notifications", func(t *testing.T) {
		store := newStore(t)
		var ns []types.Notification
		for i := 1; i <= 3; i++ {
			ns = append(ns, types.Notification{
				ID: uint64(i), RecipientUserID: "u-qc", EntityType: types.EntityEpisode, EntityID: "e1",
				Kind: "transition", Payload: map[string]any{"n": fmt.Sprint(i)}, CreatedAt: baseTime.Add(time.Duration(i) * time.Minute),
			})
		}
		require.NoError(t, store.SaveNotifications(ctx, ns))
		require.NoError(t, store.MarkNotificationRead(ctx, "u-qc", 2))
		assert.ErrorIs(t, store.MarkNotificationRead(ctx, "u-other", 2), ErrNotificationMissing)

		all, err := store.ListNotifications(ctx, "u-qc", false)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, uint64(3), all[0].ID)

		unread, err := store.ListNotifications(ctx, "u-qc", true)
		require.NoError(t, err)
		require.Len(t, unread, 2)
		for _, n := range unread {
			assert.NotEqual(t, uint64(2), n.ID)
		}
	})
}
