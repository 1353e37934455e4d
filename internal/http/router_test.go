package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relioncluster/pipeline-orchestrator/internal/cluster/clustertest"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/jobs"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/sessions"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/testutil"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	httpapi "github.com/relioncluster/pipeline-orchestrator/internal/http"
	"github.com/relioncluster/pipeline-orchestrator/internal/http/handlers"
	"github.com/relioncluster/pipeline-orchestrator/internal/notifier"
	"github.com/relioncluster/pipeline-orchestrator/internal/orchestrator"
	"github.com/relioncluster/pipeline-orchestrator/internal/realtime/bus"
	"github.com/relioncluster/pipeline-orchestrator/internal/watcher"
)

// newTestRouter wires the Control API exactly the way internal/app
// would, against a real sqlite DB and a FakeDriver, and runs the
// engine's event loop in the background for the life of the test.
func newTestRouter(t *testing.T) (*httptest.Server, *clustertest.FakeDriver) {
	t.Helper()
	db := testutil.DB(t)
	log := testutil.Logger(t)

	sessionRepo := sessions.NewSessionRepo(db, log)
	jobRepo := jobs.NewJobRunRepo(db, log)
	driver := clustertest.New()
	watcherMgr := watcher.NewManager(log)
	notify := notifier.New(sessionRepo, bus.NewMemoryBus(), log)
	paths := orchestrator.Paths{BaseDir: t.TempDir()}
	engine := orchestrator.NewEngine(sessionRepo, jobRepo, driver, watcherMgr, notify, paths, log)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(cancel)

	router := httpapi.NewRouter(httpapi.RouterConfig{
		SessionHandler: handlers.NewSessionHandler(sessionRepo, jobRepo, engine, watcherMgr, domain.SlurmConfig{Partition: "gpu", GPUCount: 1, Threads: 4}),
		HealthHandler:  handlers.NewHealthHandler(),
		Log:            log,
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv, driver
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, out any) {
	t.Helper()
	defer resp.Body.Close()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
}

func TestControlAPI_HealthcheckOK(t *testing.T) {
	srv, _ := newTestRouter(t)
	resp, err := http.Get(srv.URL + "/healthcheck")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestControlAPI_FullSessionLifecycle(t *testing.T) {
	srv, driver := newTestRouter(t)

	watchDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(watchDir, "movie_0001.mrc"), []byte("data"), 0o644))

	createBody := map[string]any{
		"project_id":      "3fa85f64-5717-4562-b3fc-2c963f66afa6",
		"user_id":         "3fa85f64-5717-4562-b3fc-2c963f66afa7",
		"session_name":    "grid1",
		"input_mode":      "existing",
		"watch_directory": watchDir,
		"file_pattern":    "*.mrc",
		"optics":          map[string]any{"pixel_size_a": 1.0, "voltage_kv": 300},
	}
	resp := postJSON(t, srv.URL+"/sessions", createBody)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
	}
	decodeJSON(t, resp, &created)
	require.NotEmpty(t, created.Session.ID)
	sessionID := created.Session.ID

	startResp, err := http.Post(srv.URL+"/sessions/"+sessionID+"/start", "application/json", nil)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, startResp.StatusCode)
	startResp.Body.Close()

	var jobID string
	var clusterJobID string
	require.Eventually(t, func() bool {
		statsResp, err := http.Get(srv.URL + "/sessions/" + sessionID + "/stats")
		require.NoError(t, err)
		defer statsResp.Body.Close()
		var stats struct {
			Jobs []struct {
				ID           string `json:"id"`
				ClusterJobID string `json:"cluster_job_id"`
			} `json:"jobs"`
		}
		require.NoError(t, json.NewDecoder(statsResp.Body).Decode(&stats))
		if len(stats.Jobs) == 0 || stats.Jobs[0].ClusterJobID == "" {
			return false
		}
		jobID = stats.Jobs[0].ID
		clusterJobID = stats.Jobs[0].ClusterJobID
		return true
	}, 3*time.Second, 10*time.Millisecond, "expected import job to be submitted")
	require.NotEmpty(t, jobID)

	healthResp, err := http.Get(srv.URL + "/sessions/" + sessionID + "/health")
	require.NoError(t, err)
	var health struct {
		Tracked bool `json:"tracked"`
		Running bool `json:"running"`
	}
	decodeJSON(t, healthResp, &health)
	require.True(t, health.Tracked)
	require.True(t, health.Running)

	exposuresResp, err := http.Get(srv.URL + "/sessions/" + sessionID + "/exposures")
	require.NoError(t, err)
	var exposures struct {
		Exposures []string `json:"exposures"`
		Count     int      `json:"count"`
	}
	decodeJSON(t, exposuresResp, &exposures)
	require.Equal(t, 1, exposures.Count)

	driver.Fail(clusterJobID)

	require.Eventually(t, func() bool {
		getResp, err := http.Get(srv.URL + "/sessions/" + sessionID)
		require.NoError(t, err)
		defer getResp.Body.Close()
		var got struct {
			Session struct {
				Status string `json:"status"`
			} `json:"session"`
		}
		require.NoError(t, json.NewDecoder(getResp.Body).Decode(&got))
		return got.Session.Status == "paused"
	}, 2*time.Second, 10*time.Millisecond, "a failed stage should pause the session")

	activityResp, err := http.Get(srv.URL + "/sessions/" + sessionID + "/activity?level=error")
	require.NoError(t, err)
	var activity struct {
		Activity []map[string]any `json:"activity"`
	}
	decodeJSON(t, activityResp, &activity)
	require.NotEmpty(t, activity.Activity)

	listResp, err := http.Get(fmt.Sprintf("%s/projects/%s/sessions", srv.URL, createBody["project_id"]))
	require.NoError(t, err)
	var listed struct {
		Count int `json:"count"`
	}
	decodeJSON(t, listResp, &listed)
	require.Equal(t, 1, listed.Count)

	deleteReq, err := http.NewRequest(http.MethodDelete, srv.URL+"/sessions/"+sessionID, nil)
	require.NoError(t, err)
	deleteResp, err := http.DefaultClient.Do(deleteReq)
	require.NoError(t, err)
	require.Equal(t, http.StatusNoContent, deleteResp.StatusCode)

	getResp, err := http.Get(srv.URL + "/sessions/" + sessionID)
	require.NoError(t, err)
	require.Equal(t, http.StatusNotFound, getResp.StatusCode)
}
