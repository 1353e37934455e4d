package notifier_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"

	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/sessions"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/testutil"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/notifier"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
	"github.com/relioncluster/pipeline-orchestrator/internal/realtime/bus"
)

func newSession(t *testing.T, repo sessions.SessionRepo) *domain.Session {
	t.Helper()
	dbc := dbctx.Context{Ctx: context.Background()}
	session := &domain.Session{
		ID:               uuid.New(),
		ProjectID:        uuid.New(),
		UserID:           uuid.New(),
		SessionName:      "test-session",
		InputMode:        domain.InputModeWatch,
		WatchDirectory:   "/data/watch",
		FilePattern:      "*.mrc",
		Status:           domain.SessionRunning,
		Optics:           datatypes.NewJSONType(domain.OpticsConfig{PixelSizeA: 1.0, VoltageKV: 300}),
		MotionConfig:     datatypes.NewJSONType(domain.MotionConfig{}),
		CTFConfig:        datatypes.NewJSONType(domain.CTFConfig{}),
		PickingConfig:    datatypes.NewJSONType(domain.PickingConfig{}),
		ExtractionConfig: datatypes.NewJSONType(domain.ExtractionConfig{}),
		Class2DConfig:    datatypes.NewJSONType(domain.Class2DConfig{}),
		Thresholds:       datatypes.NewJSONType(domain.Thresholds{}),
		SlurmConfig:      datatypes.NewJSONType(domain.SlurmConfig{}),
		State:            datatypes.NewJSONType(domain.SessionState{}),
		Jobs:             datatypes.NewJSONType(domain.SessionJobs{}),
	}
	created, err := repo.Create(dbc, session)
	require.NoError(t, err)
	return created
}

func TestNotify_AppendsActivityAndBroadcasts(t *testing.T) {
	db := testutil.DB(t)
	repo := sessions.NewSessionRepo(db, testutil.Logger(t))
	session := newSession(t, repo)

	memBus := bus.NewMemoryBus()
	var received []bus.Message
	require.NoError(t, memBus.StartForwarder(context.Background(), func(m bus.Message) {
		received = append(received, m)
	}))

	n := notifier.New(repo, memBus, testutil.Logger(t))
	entry := domain.ActivityEntry{
		Event:   "job.submitted",
		Message: "submitted job001",
		Level:   domain.LevelInfo,
		Stage:   "import",
		JobName: "job001",
	}
	require.NoError(t, n.Notify(context.Background(), session.ID, entry))

	require.Len(t, received, 1)
	require.Equal(t, "live_session_update", received[0].Channel)
	require.Equal(t, session.ID, received[0].SessionID)
	require.Equal(t, "job.submitted", received[0].Event)

	dbc := dbctx.Context{Ctx: context.Background()}
	got, err := repo.GetByID(dbc, session.ID)
	require.NoError(t, err)
	log := got.ActivityLog
	require.Len(t, log, 1)
	require.Equal(t, "job.submitted", log[0].Event)
	require.False(t, log[0].Timestamp.IsZero())
}

func TestNotify_PreservesExplicitTimestamp(t *testing.T) {
	db := testutil.DB(t)
	repo := sessions.NewSessionRepo(db, testutil.Logger(t))
	session := newSession(t, repo)

	memBus := bus.NewMemoryBus()
	n := notifier.New(repo, memBus, testutil.Logger(t))

	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	entry := domain.ActivityEntry{Timestamp: ts, Event: "pass.complete", Level: domain.LevelSuccess}
	require.NoError(t, n.Notify(context.Background(), session.ID, entry))

	dbc := dbctx.Context{Ctx: context.Background()}
	got, err := repo.GetByID(dbc, session.ID)
	require.NoError(t, err)
	require.True(t, ts.Equal(got.ActivityLog[0].Timestamp))
}

func TestNotify_ClosedBusDoesNotFailCall(t *testing.T) {
	db := testutil.DB(t)
	repo := sessions.NewSessionRepo(db, testutil.Logger(t))
	session := newSession(t, repo)

	memBus := bus.NewMemoryBus()
	require.NoError(t, memBus.Close())

	n := notifier.New(repo, memBus, testutil.Logger(t))
	err := n.Notify(context.Background(), session.ID, domain.ActivityEntry{Event: "x", Level: domain.LevelInfo})
	require.NoError(t, err)

	dbc := dbctx.Context{Ctx: context.Background()}
	got, err := repo.GetByID(dbc, session.ID)
	require.NoError(t, err)
	require.Len(t, got.ActivityLog, 1, "activity is persisted even when broadcast is a no-op")
}
