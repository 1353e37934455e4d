package jobs_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/jobs"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/testutil"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
)

func TestNextJobName_IsSequentialPerProject(t *testing.T) {
	db := testutil.DB(t)
	repo := jobs.NewJobRunRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	projectID := uuid.New()

	name, err := repo.NextJobName(dbc, projectID)
	require.NoError(t, err)
	require.Equal(t, "job001", name)

	_, err = repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: projectID, UserID: uuid.New(), SessionID: uuid.New(),
		JobName: name, JobType: "import", Status: domain.JobPending,
	})
	require.NoError(t, err)

	name2, err := repo.NextJobName(dbc, projectID)
	require.NoError(t, err)
	require.Equal(t, "job002", name2)

	otherProject, err := repo.NextJobName(dbc, uuid.New())
	require.NoError(t, err)
	require.Equal(t, "job001", otherProject)
}

func TestUpdateFieldsUnlessStatus_BlocksOnDisallowedStatus(t *testing.T) {
	db := testutil.DB(t)
	repo := jobs.NewJobRunRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	job, err := repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), SessionID: uuid.New(),
		JobName: "job001", JobType: "motion", Status: domain.JobSucceeded,
	})
	require.NoError(t, err)

	matched, err := repo.UpdateFieldsUnlessStatus(dbc, job.ID, []domain.JobStatus{domain.JobSucceeded, domain.JobFailed}, map[string]interface{}{
		"status": domain.JobCancelled,
	})
	require.NoError(t, err)
	require.False(t, matched, "a terminal job must not be overwritten by a stray cancel")

	reloaded, err := repo.GetByID(dbc, job.ID)
	require.NoError(t, err)
	require.Equal(t, domain.JobSucceeded, reloaded.Status)
}

func TestGetByClusterJobID(t *testing.T) {
	db := testutil.DB(t)
	repo := jobs.NewJobRunRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}

	job, err := repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), SessionID: uuid.New(),
		JobName: "job001", JobType: "ctf", Status: domain.JobRunning, ClusterJobID: "fake-7",
	})
	require.NoError(t, err)

	found, err := repo.GetByClusterJobID(dbc, "fake-7")
	require.NoError(t, err)
	require.Equal(t, job.ID, found.ID)
}

func TestGetByProjectAndJobName(t *testing.T) {
	db := testutil.DB(t)
	repo := jobs.NewJobRunRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	projectID := uuid.New()

	job, err := repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: projectID, UserID: uuid.New(), SessionID: uuid.New(),
		JobName: "job002", JobType: "motion", Status: domain.JobSucceeded,
	})
	require.NoError(t, err)

	found, err := repo.GetByProjectAndJobName(dbc, projectID, "job002")
	require.NoError(t, err)
	require.Equal(t, job.ID, found.ID)

	_, err = repo.GetByProjectAndJobName(dbc, projectID, "job999")
	require.Error(t, err, "a job name not belonging to the project must not resolve")

	_, err = repo.GetByProjectAndJobName(dbc, uuid.New(), "job002")
	require.Error(t, err, "the same job name under a different project must not resolve")
}

func TestListBySession_OrdersOldestFirst(t *testing.T) {
	db := testutil.DB(t)
	repo := jobs.NewJobRunRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	sessionID := uuid.New()

	first, err := repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), SessionID: sessionID,
		JobName: "job001", JobType: "import", Status: domain.JobSucceeded,
	})
	require.NoError(t, err)
	second, err := repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), SessionID: sessionID,
		JobName: "job002", JobType: "motion", Status: domain.JobRunning,
	})
	require.NoError(t, err)
	_, err = repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), SessionID: uuid.New(),
		JobName: "job001", JobType: "import", Status: domain.JobSucceeded,
	})
	require.NoError(t, err)

	found, err := repo.ListBySession(dbc, sessionID)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, first.ID, found[0].ID)
	require.Equal(t, second.ID, found[1].ID)
}

func TestDeleteBySession_RemovesOnlyThatSessionsJobs(t *testing.T) {
	db := testutil.DB(t)
	repo := jobs.NewJobRunRepo(db, testutil.Logger(t))
	dbc := dbctx.Context{Ctx: context.Background()}
	sessionID := uuid.New()
	otherSessionID := uuid.New()

	job, err := repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), SessionID: sessionID,
		JobName: "job001", JobType: "import", Status: domain.JobSucceeded,
	})
	require.NoError(t, err)
	otherJob, err := repo.Create(dbc, &domain.JobRun{
		ID: uuid.New(), ProjectID: uuid.New(), UserID: uuid.New(), SessionID: otherSessionID,
		JobName: "job001", JobType: "import", Status: domain.JobSucceeded,
	})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteBySession(dbc, sessionID))

	_, err = repo.GetByID(dbc, job.ID)
	require.Error(t, err, "a deleted session's jobs must not resolve")

	found, err := repo.GetByID(dbc, otherJob.ID)
	require.NoError(t, err)
	require.Equal(t, otherJob.ID, found.ID)
}
