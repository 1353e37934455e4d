package sessions_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/sessions"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/testutil"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
)

func newSession(t *testing.T, repo sessions.SessionRepo) *domain.Session {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}
	session := &domain.Session{
		ID:             uuid.New(),
		ProjectID:      uuid.New(),
		UserID:         uuid.New(),
		SessionName:    "test-session",
		InputMode:      domain.InputModeWatch,
		WatchDirectory: "/data/watch",
		FilePattern:    "*.mrc",
		Status:         domain.SessionRunning,
		Optics:         datatypes.NewJSONType(domain.OpticsConfig{PixelSizeA: 1.0, VoltageKV: 300}),
		MotionConfig:   datatypes.NewJSONType(domain.MotionConfig{}),
		CTFConfig:      datatypes.NewJSONType(domain.CTFConfig{}),
		PickingConfig:  datatypes.NewJSONType(domain.PickingConfig{}),
		ExtractionConfig: datatypes.NewJSONType(domain.ExtractionConfig{}),
		Class2DConfig:  datatypes.NewJSONType(domain.Class2DConfig{}),
		Thresholds:     datatypes.NewJSONType(domain.Thresholds{}),
		SlurmConfig:    datatypes.NewJSONType(domain.SlurmConfig{}),
		State:          datatypes.NewJSONType(domain.SessionState{}),
		Jobs:           datatypes.NewJSONType(domain.SessionJobs{}),
	}
	created, err := repo.Create(dbc, session)
	require.NoError(t, err)
	return created
}

func TestRaiseMoviesFound_NeverRegresses(t *testing.T) {
	db := testutil.DB(t)
	repo := sessions.NewSessionRepo(db, testutil.Logger(t))
	session := newSession(t, repo)
	dbc := dbctx.Context{Ctx: context.Background()}

	got, err := repo.RaiseMoviesFound(dbc, session.ID, 10)
	require.NoError(t, err)
	require.Equal(t, 10, got)

	got, err = repo.RaiseMoviesFound(dbc, session.ID, 4)
	require.NoError(t, err)
	require.Equal(t, 10, got, "a lower candidate must never regress the stored count")

	got, err = repo.RaiseMoviesFound(dbc, session.ID, 25)
	require.NoError(t, err)
	require.Equal(t, 25, got)
}

func TestSetStageJobID_ThenFindBySessionJobID(t *testing.T) {
	db := testutil.DB(t)
	repo := sessions.NewSessionRepo(db, testutil.Logger(t))
	session := newSession(t, repo)
	dbc := dbctx.Context{Ctx: context.Background()}

	jobID := uuid.New()
	require.NoError(t, repo.SetStageJobID(dbc, session.ID, domain.StageMotion, jobID))

	found, err := repo.FindBySessionJobID(dbc, jobID)
	require.NoError(t, err)
	require.NotNil(t, found)
	require.Equal(t, session.ID, found.ID)

	reloaded, err := repo.GetByID(dbc, session.ID)
	require.NoError(t, err)
	got := reloaded.Jobs.Data().Get(domain.StageMotion)
	require.NotNil(t, got)
	require.Equal(t, jobID, *got)
}

func TestAppendClass2DJobID_Accumulates(t *testing.T) {
	db := testutil.DB(t)
	repo := sessions.NewSessionRepo(db, testutil.Logger(t))
	session := newSession(t, repo)
	dbc := dbctx.Context{Ctx: context.Background()}

	first := uuid.New()
	second := uuid.New()
	require.NoError(t, repo.AppendClass2DJobID(dbc, session.ID, first))
	require.NoError(t, repo.AppendClass2DJobID(dbc, session.ID, second))

	reloaded, err := repo.GetByID(dbc, session.ID)
	require.NoError(t, err)
	ids := reloaded.Jobs.Data().Class2DIDs
	require.Equal(t, []uuid.UUID{first, second}, ids)
}

func TestMutateState_AppliesMutationUnderLock(t *testing.T) {
	db := testutil.DB(t)
	repo := sessions.NewSessionRepo(db, testutil.Logger(t))
	session := newSession(t, repo)
	dbc := dbctx.Context{Ctx: context.Background()}

	require.NoError(t, repo.MutateState(dbc, session.ID, func(s *domain.SessionState) {
		s.CurrentStage = "motion"
		s.PassCount = 1
	}))

	reloaded, err := repo.GetByID(dbc, session.ID)
	require.NoError(t, err)
	require.Equal(t, "motion", reloaded.State.Data().CurrentStage)
	require.Equal(t, 1, reloaded.State.Data().PassCount)

	require.NoError(t, repo.MutateState(dbc, session.ID, func(s *domain.SessionState) {
		s.ResumeFrom = "ctf"
	}))
	reloaded, err = repo.GetByID(dbc, session.ID)
	require.NoError(t, err)
	require.Equal(t, "ctf", reloaded.State.Data().ResumeFrom)
	require.Equal(t, "motion", reloaded.State.Data().CurrentStage, "an unrelated MutateState call must not clobber a field it did not touch")
}

func TestAppendActivity_IsAppendOnly(t *testing.T) {
	db := testutil.DB(t)
	repo := sessions.NewSessionRepo(db, testutil.Logger(t))
	session := newSession(t, repo)
	dbc := dbctx.Context{Ctx: context.Background()}

	require.NoError(t, repo.AppendActivity(dbc, session.ID, domain.ActivityEntry{Event: "session_started", Level: domain.LevelInfo}))
	require.NoError(t, repo.AppendActivity(dbc, session.ID, domain.ActivityEntry{Event: "new_files", Level: domain.LevelInfo}))

	reloaded, err := repo.GetByID(dbc, session.ID)
	require.NoError(t, err)
	require.Len(t, reloaded.ActivityLog, 2)
	require.Equal(t, "session_started", reloaded.ActivityLog[0].Event)
	require.Equal(t, "new_files", reloaded.ActivityLog[1].Event)
}

func TestFilterActivity(t *testing.T) {
	entries := []domain.ActivityEntry{
		{Event: "session_started", Message: "started", Level: domain.LevelInfo, Stage: ""},
		{Event: "stage_submitted", Message: "submitted motion", Level: domain.LevelInfo, Stage: "motion"},
		{Event: "error", Message: "segmentation fault", Level: domain.LevelError, Stage: "ctf"},
	}

	errorsOnly := sessions.FilterActivity(entries, sessions.ActivityFilter{Level: domain.LevelError})
	require.Len(t, errorsOnly, 1)
	require.Equal(t, "error", errorsOnly[0].Event)

	byStage := sessions.FilterActivity(entries, sessions.ActivityFilter{Stage: "motion"})
	require.Len(t, byStage, 1)

	bySubstring := sessions.FilterActivity(entries, sessions.ActivityFilter{Substring: "SEGMENTATION"})
	require.Len(t, bySubstring, 1)
	require.Equal(t, "error", bySubstring[0].Event)
}
