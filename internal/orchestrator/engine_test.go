package orchestrator_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/relioncluster/pipeline-orchestrator/internal/cluster/clustertest"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/jobs"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/sessions"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/testutil"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/notifier"
	"github.com/relioncluster/pipeline-orchestrator/internal/orchestrator"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
	"github.com/relioncluster/pipeline-orchestrator/internal/realtime/bus"
	"github.com/relioncluster/pipeline-orchestrator/internal/watcher"
)

// harness bundles everything one orchestrator test needs: a real sqlite
// DB, a FakeDriver, a live watcher.Manager rooted at a temp dir, and an
// Engine wired exactly like internal/app would wire one in production.
type harness struct {
	engine     *orchestrator.Engine
	driver     *clustertest.FakeDriver
	sessionsDB sessions.SessionRepo
	jobsDB     jobs.JobRunRepo
	dbc        dbctx.Context
	paths      orchestrator.Paths
}

func newHarness(t *testing.T) *harness {
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

	return &harness{
		engine:     engine,
		driver:     driver,
		sessionsDB: sessionRepo,
		jobsDB:     jobRepo,
		dbc:        dbctx.Context{Ctx: context.Background()},
		paths:      paths,
	}
}

// importOnlySession builds a session with every downstream stage
// disabled, so one pass is exactly one job: Import. It runs in
// existing-mode with one movie file already sitting in the watch
// directory, so Start's initial scan finds it deterministically
// instead of waiting on fsnotify create+debounce timers.
func importOnlySession(t *testing.T, h *harness) *domain.Session {
	t.Helper()
	watchDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(watchDir, "movie_0001.mrc"), []byte("fake-movie"), 0o644))

	session := &domain.Session{
		ID:               uuid.New(),
		ProjectID:        uuid.New(),
		UserID:           uuid.New(),
		SessionName:      "test",
		InputMode:        domain.InputModeExisting,
		WatchDirectory:   watchDir,
		FilePattern:      "*.mrc",
		Status:           domain.SessionPending,
		Optics:           datatypes.NewJSONType(domain.OpticsConfig{PixelSizeA: 1.0, VoltageKV: 300, SphericalAberr: 2.7, AmplitudeContr: 0.1}),
		MotionConfig:     datatypes.NewJSONType(domain.MotionConfig{}),
		CTFConfig:        datatypes.NewJSONType(domain.CTFConfig{}),
		PickingConfig:    datatypes.NewJSONType(domain.PickingConfig{}),
		ExtractionConfig: datatypes.NewJSONType(domain.ExtractionConfig{}),
		Class2DConfig:    datatypes.NewJSONType(domain.Class2DConfig{}),
		Thresholds:       datatypes.NewJSONType(domain.Thresholds{}),
		SlurmConfig:      datatypes.NewJSONType(domain.SlurmConfig{Threads: 4}),
		State:            datatypes.NewJSONType(domain.SessionState{}),
		Jobs:             datatypes.NewJSONType(domain.SessionJobs{}),
	}
	created, err := h.sessionsDB.Create(h.dbc, session)
	require.NoError(t, err)
	return created
}

// liveJob waits for a session's job record for the given stage to be
// submitted (cluster job id assigned) and returns the full record.
func (h *harness) liveJob(t *testing.T, session *domain.Session, stage domain.StageKey) *domain.JobRun {
	t.Helper()
	var job *domain.JobRun
	require.Eventually(t, func() bool {
		reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
		require.NoError(t, err)
		id := reloaded.Jobs.Data().Get(stage)
		if id == nil {
			return false
		}
		var err2 error
		job, err2 = h.jobsDB.GetByID(h.dbc, *id)
		require.NoError(t, err2)
		return job.ClusterJobID != ""
	}, 3*time.Second, 10*time.Millisecond, "expected %s job to be submitted with a cluster job id", stage)
	return job
}

// writeStarFile drops a minimal single-data-row RELION STAR file,
// exercising collectStageStats's loop_ row counter the way a real
// completed Import job's movies.star would.
func writeStarFile(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	content := "data_movies\n\nloop_\n_rlnMicrographMovieName #1\nMovies/movie_0001.mrc\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestEngine_ImportOnlyPassCompletesAndCompletesExistingModeSession(t *testing.T) {
	h := newHarness(t)
	session := importOnlySession(t, h)

	require.NoError(t, h.engine.Start(context.Background(), session.ID))

	job := h.liveJob(t, session, domain.StageImport)
	writeStarFile(t, job.OutputFilePath, "movies.star")
	h.driver.Succeed(job.ClusterJobID)

	require.Eventually(t, func() bool {
		reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
		require.NoError(t, err)
		return reloaded.Status == domain.SessionCompleted
	}, 2*time.Second, 10*time.Millisecond, "existing-mode session should auto-complete once its only stage succeeds")

	reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.State.Data().MoviesImported)
	require.NotEmpty(t, reloaded.ActivityLog)
}

func TestEngine_StageFailurePausesSessionWithResumeFrom(t *testing.T) {
	h := newHarness(t)
	session := importOnlySession(t, h)
	require.NoError(t, h.engine.Start(context.Background(), session.ID))

	job := h.liveJob(t, session, domain.StageImport)
	h.driver.Fail(job.ClusterJobID)

	require.Eventually(t, func() bool {
		reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
		require.NoError(t, err)
		return reloaded.Status == domain.SessionPaused
	}, 2*time.Second, 10*time.Millisecond, "a failed stage should pause the session")

	reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
	require.NoError(t, err)
	require.Equal(t, string(domain.StageImport), reloaded.State.Data().ResumeFrom)

	jobID := reloaded.Jobs.Data().Get(domain.StageImport)
	require.NotNil(t, jobID)
	job, err := h.jobsDB.GetByID(h.dbc, *jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobFailed, job.Status)
}

func TestEngine_ResumeResubmitsFromResumeFrom(t *testing.T) {
	h := newHarness(t)
	session := importOnlySession(t, h)
	require.NoError(t, h.engine.Start(context.Background(), session.ID))

	firstJob := h.liveJob(t, session, domain.StageImport)
	firstClusterJobID := firstJob.ClusterJobID
	h.driver.Fail(firstClusterJobID)

	require.Eventually(t, func() bool {
		reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
		require.NoError(t, err)
		return reloaded.Status == domain.SessionPaused
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Resume(context.Background(), session.ID))

	require.Eventually(t, func() bool {
		reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
		require.NoError(t, err)
		id := reloaded.Jobs.Data().Get(domain.StageImport)
		if id == nil {
			return false
		}
		job, err := h.jobsDB.GetByID(h.dbc, *id)
		require.NoError(t, err)
		return job.Status == domain.JobRunning && job.ClusterJobID != firstClusterJobID
	}, 2*time.Second, 10*time.Millisecond, "resume should re-submit the same job record under a fresh cluster job id")

	reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionRunning, reloaded.Status)
	require.Empty(t, reloaded.State.Data().ResumeFrom)
}

func TestEngine_Stop_CancelsLiveJobAndRemovesSymlink(t *testing.T) {
	h := newHarness(t)
	session := importOnlySession(t, h)
	require.NoError(t, h.engine.Start(context.Background(), session.ID))
	h.liveJob(t, session, domain.StageImport)

	require.NoError(t, h.engine.Stop(context.Background(), session.ID))

	reloaded, err := h.sessionsDB.GetByID(h.dbc, session.ID)
	require.NoError(t, err)
	require.Equal(t, domain.SessionStopped, reloaded.Status)

	jobID := reloaded.Jobs.Data().Get(domain.StageImport)
	require.NotNil(t, jobID)
	job, err := h.jobsDB.GetByID(h.dbc, *jobID)
	require.NoError(t, err)
	require.Equal(t, domain.JobCancelled, job.Status)

	_, err = os.Lstat(h.paths.SymlinkPath(session.ProjectID))
	require.True(t, os.IsNotExist(err), "stop should remove the project symlink")
}
