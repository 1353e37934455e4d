// Package jobs is the JobRun repository, grounded on the teacher's
// internal/data/repos/jobs/job_run.go (Create/GetByIDs/UpdateFields/
// UpdateFieldsUnlessStatus), adapted from a generic async-tool-call job
// queue to one record per (session, stage) plus one per Class2D firing.
package jobs

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
)

type JobRunRepo interface {
	Create(dbc dbctx.Context, job *domain.JobRun) (*domain.JobRun, error)
	GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.JobRun, error)
	GetByClusterJobID(dbc dbctx.Context, clusterJobID string) (*domain.JobRun, error)
	UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error
	// UpdateFieldsUnlessStatus applies updates only if the row's current
	// status is not in disallowedStatuses; returns whether it matched,
	// guarding against racing a cancel against a completion event.
	UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []domain.JobStatus, updates map[string]interface{}) (bool, error)
	// NextJobName allocates the next project-unique sequential job name
	// ("job001", "job002", ...), counting existing rows for the project
	// (including soft-deleted ones, so names are never reused).
	NextJobName(dbc dbctx.Context, projectID uuid.UUID) (string, error)
	ListLiveForSession(dbc dbctx.Context, sessionID uuid.UUID) ([]*domain.JobRun, error)
	// GetByProjectAndJobName resolves a declared input job name to its
	// id within a project (spec §4.1 step 4's input-chaining lookup).
	GetByProjectAndJobName(dbc dbctx.Context, projectID uuid.UUID, jobName string) (*domain.JobRun, error)
	// ListBySession returns every job record (any status) for a session,
	// oldest first, for the Control API's stats view.
	ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*domain.JobRun, error)
	// DeleteBySession soft-deletes every job record for a session, used
	// by the Control API's delete verb cascade (spec §6).
	DeleteBySession(dbc dbctx.Context, sessionID uuid.UUID) error
}

type jobRunRepo struct {
	db  *gorm.DB
	log *logger.Logger
}

func NewJobRunRepo(db *gorm.DB, baseLog *logger.Logger) JobRunRepo {
	return &jobRunRepo{db: db, log: baseLog.With("repo", "JobRunRepo")}
}

func (r *jobRunRepo) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return r.db
}

func (r *jobRunRepo) Create(dbc dbctx.Context, job *domain.JobRun) (*domain.JobRun, error) {
	if err := r.tx(dbc).WithContext(dbc.Ctx).Create(job).Error; err != nil {
		return nil, err
	}
	return job, nil
}

func (r *jobRunRepo) GetByID(dbc dbctx.Context, id uuid.UUID) (*domain.JobRun, error) {
	var job domain.JobRun
	if err := r.tx(dbc).WithContext(dbc.Ctx).Where("id = ?", id).First(&job).Error; err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRunRepo) GetByClusterJobID(dbc dbctx.Context, clusterJobID string) (*domain.JobRun, error) {
	if clusterJobID == "" {
		return nil, nil
	}
	var job domain.JobRun
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("cluster_job_id = ?", clusterJobID).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRunRepo) UpdateFields(dbc dbctx.Context, id uuid.UUID, updates map[string]interface{}) error {
	if id == uuid.Nil {
		return nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.tx(dbc).WithContext(dbc.Ctx).
		Model(&domain.JobRun{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (r *jobRunRepo) UpdateFieldsUnlessStatus(dbc dbctx.Context, id uuid.UUID, disallowedStatuses []domain.JobStatus, updates map[string]interface{}) (bool, error) {
	if id == uuid.Nil {
		return false, nil
	}
	if updates == nil {
		updates = map[string]interface{}{}
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}

	q := r.tx(dbc).WithContext(dbc.Ctx).Model(&domain.JobRun{}).Where("id = ?", id)
	if len(disallowedStatuses) == 1 {
		q = q.Where("status <> ?", disallowedStatuses[0])
	} else if len(disallowedStatuses) > 1 {
		q = q.Where("status NOT IN ?", disallowedStatuses)
	}

	res := q.Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *jobRunRepo) NextJobName(dbc dbctx.Context, projectID uuid.UUID) (string, error) {
	var count int64
	if err := r.tx(dbc).WithContext(dbc.Ctx).
		Unscoped().
		Model(&domain.JobRun{}).
		Where("project_id = ?", projectID).
		Count(&count).Error; err != nil {
		return "", err
	}
	return fmt.Sprintf("job%03d", count+1), nil
}

func (r *jobRunRepo) GetByProjectAndJobName(dbc dbctx.Context, projectID uuid.UUID, jobName string) (*domain.JobRun, error) {
	var job domain.JobRun
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("project_id = ? AND job_name = ?", projectID, jobName).
		First(&job).Error
	if err != nil {
		return nil, err
	}
	return &job, nil
}

func (r *jobRunRepo) ListLiveForSession(dbc dbctx.Context, sessionID uuid.UUID) ([]*domain.JobRun, error) {
	var out []*domain.JobRun
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("session_id = ? AND status IN ?", sessionID, []domain.JobStatus{domain.JobPending, domain.JobRunning}).
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRunRepo) ListBySession(dbc dbctx.Context, sessionID uuid.UUID) ([]*domain.JobRun, error) {
	var out []*domain.JobRun
	err := r.tx(dbc).WithContext(dbc.Ctx).
		Where("session_id = ?", sessionID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (r *jobRunRepo) DeleteBySession(dbc dbctx.Context, sessionID uuid.UUID) error {
	return r.tx(dbc).WithContext(dbc.Ctx).
		Where("session_id = ?", sessionID).
		Delete(&domain.JobRun{}).Error
}
