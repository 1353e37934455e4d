package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.Session{},
		&domain.JobRun{},
	)
}

// EnsureIndexes adds indexes AutoMigrate's tag-driven inference can't
// express (partial indexes, expression indexes), matching the teacher's
// EnsureAuthIndexes/EnsureChatIndexes/EnsureLearningIndexes split.
func EnsureIndexes(db *gorm.DB) error {
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_job_run_project_job_name
		ON job_run (project_id, job_name)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_run_project_job_name: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_run_session_status
		ON job_run (session_id, status)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_run_session_status: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_job_run_cluster_job_id
		ON job_run (cluster_job_id)
		WHERE deleted_at IS NULL AND cluster_job_id <> '';
	`).Error; err != nil {
		return fmt.Errorf("create idx_job_run_cluster_job_id: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_session_project_status
		ON session (project_id, status)
		WHERE deleted_at IS NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_session_project_status: %w", err)
	}

	return nil
}
