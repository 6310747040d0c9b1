package notify

import (
	"context"
	"errors"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/storage"
	"github.com/songzhibin97/production-workflow/types"
	"github.com/songzhibin97/production-workflow/workflow"
)

type MockGenerator struct {
	id uint64
}

func (g *MockGenerator) NextID() (uint64, error) {
	return atomic.AddUint64(&g.id, 1), nil
}

type failingDirectory struct {
	Directory
	fail types.Role
}

func (d failingDirectory) UsersWithRole(ctx context.Context, role types.Role) ([]string, error) {
	if role == d.fail {
		return nil, errors.New("directory timeout")
	}
	return d.Directory.UsersWithRole(ctx, role)
}

var epoch = time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)

func crew() *StaticDirectory {
	return NewStaticDirectory(
		User{ID: "bc-1", Roles: []types.Role{types.RoleBroadcasting}, Active: true},
		User{ID: "bc-2", Roles: []types.Role{types.RoleBroadcasting}, Active: true},
		User{ID: "bc-3", Roles: []types.Role{types.RoleBroadcasting}, Active: false},
		User{ID: "dm-1", Roles: []types.Role{types.RoleDistributionManager}, Active: true},
		User{ID: "both", Roles: []types.Role{types.RoleBroadcasting, types.RoleDistributionManager}, Active: true},
		User{ID: "ed-1", Roles: []types.Role{types.RoleEditor}, Active: true},
		User{ID: "qc-1", Roles: []types.Role{types.RoleQualityControl}, Active: true},
		User{ID: "cr-1", Roles: []types.Role{types.RoleCreative}, Active: true},
		User{ID: "pr-1", Roles: []types.Role{types.RoleProducer}, Active: true},
		User{ID: "ps-1", Roles: []types.Role{types.RoleProduksi}, Active: true},
	)
}

func newDispatcher(t *testing.T, dir Directory) (*Dispatcher, storage.Storage) {
	t.Helper()
	store := storage.NewMemoryStorage()
	d, err := NewDispatcher(&MockGenerator{}, store, dir, nil,
		WithClock(clockwork.NewFakeClockAt(epoch)), WithLogger(log.Discard()))
	require.NoError(t, err)
	return d, store
}

func recipients(ns []types.Notification) []string {
	out := make([]string, 0, len(ns))
	for _, n := range ns {
		out = append(out, n.RecipientUserID)
	}
	sort.Strings(out)
	return out
}

func TestStaticDirectory(t *testing.T) {
	dir := crew()
	ctx := context.Background()

	users, err := dir.UsersWithRole(ctx, types.RoleBroadcasting)
	require.NoError(t, err)
	assert.Equal(t, []string{"bc-1", "bc-2", "both"}, users)

	assert.True(t, dir.SetActive("bc-3", true))
	assert.False(t, dir.SetActive("nobody", true))
	users, err = dir.UsersWithRole(ctx, types.RoleBroadcasting)
	require.NoError(t, err)
	assert.Equal(t, []string{"bc-1", "bc-2", "bc-3", "both"}, users)

	dir.Put(User{ID: "gd-1", Roles: []types.Role{types.RoleGraphicDesign}, Active: true})
	users, err = dir.UsersWithRole(ctx, types.RoleGraphicDesign)
	require.NoError(t, err)
	assert.Equal(t, []string{"gd-1"}, users)

	users, err = dir.UsersWithRole(ctx, types.RoleSoundEngineer)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestMapping(t *testing.T) {
	m := NewMapping(DefaultRoutes()...)
	assert.Equal(t, []types.Role{types.RoleBroadcasting, types.RoleDistributionManager},
		m.Roles(types.EntityEpisode, workflow.TransitionQCApproved))
	assert.Equal(t, []types.Role{types.RoleEditor}, m.Roles(types.EntityEpisode, workflow.TransitionQCRevisionNeeded))
	assert.Empty(t, m.Roles(types.EntityEpisode, "unknown"))

	merged := NewMapping(
		Route{types.EntityEpisode, "x", []types.Role{types.RoleEditor}},
		Route{types.EntityEpisode, "x", []types.Role{types.RoleEditor, types.RolePromotion}},
	)
	assert.Equal(t, []types.Role{types.RoleEditor, types.RolePromotion}, merged.Roles(types.EntityEpisode, "x"))
}

func TestDefaultRoutesReferenceDeclaredTransitions(t *testing.T) {
	table := workflow.DefaultTable()
	for _, r := range DefaultRoutes() {
		_, err := table.TargetOf(r.EntityType, r.Transition)
		assert.NoError(t, err, "%s.%s", r.EntityType, r.Transition)
	}
}

func TestDispatchFanOut(t *testing.T) {
	d, store := newDispatcher(t, crew())
	ctx := context.Background()

	ns, err := d.Dispatch(ctx, types.EntityEpisode, "e1", workflow.TransitionQCApproved, map[string]any{"to": "ready_to_air"})
	require.NoError(t, err)
	// One per active Broadcasting or Distribution Manager user; "both" only once.
	assert.Equal(t, []string{"bc-1", "bc-2", "both", "dm-1"}, recipients(ns))
	for _, n := range ns {
		assert.Equal(t, workflow.TransitionQCApproved, n.Kind)
		assert.Equal(t, "e1", n.EntityID)
		assert.Equal(t, epoch, n.CreatedAt)
		assert.False(t, n.IsRead)
		assert.Equal(t, "ready_to_air", n.Payload["to"])
	}

	inbox, err := d.Inbox(ctx, "both", false)
	require.NoError(t, err)
	assert.Len(t, inbox, 1)
	for _, other := range []string{"ed-1", "qc-1", "bc-3"} {
		got, err := store.ListNotifications(ctx, other, false)
		require.NoError(t, err)
		assert.Empty(t, got, other)
	}

	ns, err = d.Dispatch(ctx, types.EntityEpisode, "e1", "no_route", nil)
	require.NoError(t, err)
	assert.Empty(t, ns)
}

func TestDispatchSkipsFailedRoles(t *testing.T) {
	d, _ := newDispatcher(t, failingDirectory{Directory: crew(), fail: types.RoleDistributionManager})

	ns, err := d.Dispatch(context.Background(), types.EntityEpisode, "e1", workflow.TransitionQCApproved, nil)
	assert.Error(t, err)
	assert.Equal(t, []string{"bc-1", "bc-2", "both"}, recipients(ns))
}

func TestInboxMarkRead(t *testing.T) {
	d, _ := newDispatcher(t, crew())
	ctx := context.Background()

	ns, err := d.Dispatch(ctx, types.EntityEpisode, "e1", workflow.TransitionQCRevisionNeeded, nil)
	require.NoError(t, err)
	require.Len(t, ns, 1)

	require.NoError(t, d.MarkRead(ctx, "ed-1", ns[0].ID))
	unread, err := d.Inbox(ctx, "ed-1", true)
	require.NoError(t, err)
	assert.Empty(t, unread)

	err = d.MarkRead(ctx, "bc-1", ns[0].ID)
	assert.ErrorIs(t, err, storage.ErrNotificationMissing)
}

func TestRemindOverdue(t *testing.T) {
	d, _ := newDispatcher(t, crew())
	dl := types.Deadline{ID: 7, EntityType: types.EntityEpisode, EntityID: "e1", Role: types.RoleQualityControl, DeadlineDate: epoch}

	ns, err := d.RemindOverdue(context.Background(), dl)
	require.NoError(t, err)
	require.Len(t, ns, 1)
	assert.Equal(t, "qc-1", ns[0].RecipientUserID)
	assert.Equal(t, KindDeadlineOverdue, ns[0].Kind)
	assert.Equal(t, uint64(7), ns[0].Payload["deadline_id"])
}

// QC approval reaches Broadcasting and Distribution Manager only; a revision
// reaches the Editor only.
func TestEngineFanOut(t *testing.T) {
	ctx := context.Background()
	dir := crew()
	dispatcher, store := newDispatcher(t, dir)
	engine, err := workflow.NewEngine(&MockGenerator{}, store, nil, nil,
		workflow.WithNotifier(dispatcher), workflow.WithLogger(log.Discard()))
	require.NoError(t, err)

	run := func(id string, qc string, notes string, payload map[string]any) *workflow.TransitionResult {
		ref := types.EntityRef{Type: types.EntityEpisode, ID: id}
		_, err := engine.CreateEntity(ctx, ref, nil, nil)
		require.NoError(t, err)
		steps := []struct {
			role       types.Role
			transition string
			payload    map[string]any
		}{
			{types.RoleCreative, workflow.TransitionSubmitScript, map[string]any{"script_content": "s"}},
			{types.RoleProducer, workflow.TransitionApproveRundown, map[string]any{"rundown": "r"}},
			{types.RoleProduksi, workflow.TransitionCompleteShooting, nil},
		}
		for _, s := range steps {
			_, err := engine.Execute(ctx, workflow.Request{Ref: ref, ActorID: "u", ActorRole: s.role, Transition: s.transition, Payload: s.payload})
			require.NoError(t, err)
		}
		res, err := engine.Execute(ctx, workflow.Request{Ref: ref, ActorID: "qc-1", ActorRole: types.RoleQualityControl, Transition: qc, Payload: payload, Notes: notes})
		require.NoError(t, err)
		return res
	}

	res := run("e1", workflow.TransitionQCApproved, "", map[string]any{"quality_score": 8})
	assert.Equal(t, []string{"bc-1", "bc-2", "both", "dm-1"}, recipients(res.Notifications))
	got := append([]string(nil), res.Recipients...)
	sort.Strings(got)
	assert.Equal(t, []string{"bc-1", "bc-2", "both", "dm-1"}, got)

	res = run("e2", workflow.TransitionQCRevisionNeeded, "color grading off", map[string]any{"quality_score": 4})
	assert.Equal(t, []string{"ed-1"}, res.Recipients)
	assert.Equal(t, 1, res.Entity.Counters["qc_revision_count"])
	bc, err := store.ListNotifications(ctx, "bc-1", false)
	require.NoError(t, err)
	for _, n := range bc {
		assert.NotEqual(t, "e2", n.EntityID)
	}
}
