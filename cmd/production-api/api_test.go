package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songzhibin97/production-workflow/config"
	"github.com/songzhibin97/production-workflow/log"
	"github.com/songzhibin97/production-workflow/rules"
	"github.com/songzhibin97/production-workflow/storage"
	"github.com/songzhibin97/production-workflow/types"
	"github.com/songzhibin97/production-workflow/web"
)

func TestNewStorage(t *testing.T) {
	ctx := context.Background()
	logger := log.Discard()

	store, err := NewStorage(ctx, logger, "memory://")
	require.NoError(t, err)
	assert.IsType(t, &storage.MemoryStorage{}, store)
	assert.NoError(t, store.Close())

	_, err = NewStorage(ctx, logger, "localhost:6379")
	assert.ErrorContains(t, err, "no scheme")

	_, err = NewStorage(ctx, logger, "mongodb://localhost")
	assert.ErrorContains(t, err, "unsupported storage scheme")
}

func TestBuildTable(t *testing.T) {
	cfg, err := config.Default()
	require.NoError(t, err)

	table, err := BuildTable(cfg, rules.DefaultLibrary(nil))
	require.NoError(t, err)
	assert.True(t, table.Frozen())
	assert.Len(t, table.Types(), 4)

	bad, err := config.Parse([]byte(`
grants:
  - entity_type: episode
    transition: teleport
    roles: [Producer]
`))
	require.NoError(t, err)
	_, err = BuildTable(bad, rules.DefaultLibrary(nil))
	assert.Error(t, err)
}

func newTestServices(t *testing.T, opts ServicesOptions) *Services {
	t.Helper()
	if opts.StorageURL == "" {
		opts.StorageURL = "memory://"
	}
	if opts.NodeID == 0 {
		opts.NodeID = 1
	}
	services, err := NewServices(context.Background(), log.Discard(), opts)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := services.Close(); err != nil {
			t.Errorf("close services: %v", err)
		}
	})
	return services
}

func TestNewServicesRejectsBadReminderSchedule(t *testing.T) {
	_, err := NewServices(context.Background(), log.Discard(), ServicesOptions{
		StorageURL:       "memory://",
		NodeID:           1,
		ReminderSchedule: "every now and then",
	})
	assert.ErrorContains(t, err, "reminder job")
}

func TestNewServicesLoadsConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "workflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - id: pm-7
    roles: ["Program Manager"]
`), 0o600))

	services := newTestServices(t, ServicesOptions{ConfigPath: path})
	require.Len(t, services.Config.Users, 1)

	ids, err := services.Config.Directory().UsersWithRole(context.Background(), types.RoleProgramManager)
	require.NoError(t, err)
	assert.Equal(t, []string{"pm-7"}, ids)
}

func send(t *testing.T, api *API, method, path, body string, userID string, role types.Role) (int, string) {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set(web.HeaderUserID, userID)
		req.Header.Set(web.HeaderUserRole, string(role))
	}
	resp, err := api.App().Test(req)
	require.NoError(t, err)
	defer func() {
		if err := resp.Body.Close(); err != nil {
			t.Errorf("close body: %v", err)
		}
	}()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func TestAppRoutes(t *testing.T) {
	services := newTestServices(t, ServicesOptions{})
	api := NewAPI(log.Discard(), services)

	status, body := send(t, api, http.MethodGet, "/", "", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Production Workflow API", body)

	status, _ = send(t, api, http.MethodGet, "/livez", "", "", "")
	assert.Equal(t, http.StatusOK, status)

	status, body = send(t, api, http.MethodGet, "/health", "", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "healthy")

	status, _ = send(t, api, http.MethodPost, "/workflow/entities",
		`{"entity_type":"episode","entity_id":"ep-1"}`, "cr-1", types.RoleCreative)
	require.Equal(t, http.StatusCreated, status)

	status, body = send(t, api, http.MethodPost, "/episodes/ep-1/script",
		`{"script_content":"Opening monologue"}`, "creative-1", types.RoleCreative)
	require.Equal(t, http.StatusOK, status, body)

	status, body = send(t, api, http.MethodGet, "/notifications?unread=true", "", "producer-1", types.RoleProducer)
	require.Equal(t, http.StatusOK, status)
	var inbox struct {
		Data []types.Notification `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &inbox))
	require.Len(t, inbox.Data, 1)
	assert.Equal(t, "ep-1", inbox.Data[0].EntityID)

	status, body = send(t, api, http.MethodGet, "/metrics", "", "", "")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `production_workflow_transitions_total{entity_type="episode",outcome="applied",transition="submit_script"} 1`)
}
