package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// JobStatus is the lifecycle of a single cluster-backed job record.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceeded JobStatus = "success"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// PipelineStats is the small set of scalar counters a stage tool emits.
// The orchestrator reads these (never deeper scientific output, per
// spec §1's non-goals) to advance movie/particle counters.
type PipelineStats struct {
	PixelSizeA       float64 `json:"pixel_size_a,omitempty"`
	MicrographCount  int     `json:"micrograph_count,omitempty"`
	ParticleCount    int     `json:"particle_count,omitempty"`
	BoxSize          int     `json:"box_size,omitempty"`
	ResolutionA      float64 `json:"resolution_a,omitempty"`
	ClassCount       int     `json:"class_count,omitempty"`
	IterationCount   int     `json:"iteration_count,omitempty"`
}

// JobParameters is the rendered, typed view of whatever a stage builder
// validated; kept as free-form JSON so each stage kind can carry its own
// shape without a sum type spanning every stage's config struct.
type JobParameters map[string]any

// JobRun is one record per (session, stage), plus one per Class2D firing.
type JobRun struct {
	ID          uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID   uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	UserID      uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	SessionID   uuid.UUID `gorm:"type:uuid;not null;index" json:"session_id"`
	JobName     string    `gorm:"column:job_name;not null;index" json:"job_name"`
	JobType     string    `gorm:"column:job_type;not null;index" json:"job_type"`
	Status      JobStatus `gorm:"column:status;not null;index" json:"status"`

	OutputFilePath string   `gorm:"column:output_file_path" json:"output_file_path"`
	Command        []string `gorm:"column:command;serializer:json" json:"command"`

	Parameters   datatypes.JSONType[JobParameters]   `gorm:"column:parameters" json:"parameters"`
	InputJobIDs  datatypes.JSONSlice[uuid.UUID]       `gorm:"column:input_job_ids" json:"input_job_ids"`
	ExecutionMode string                              `gorm:"column:execution_mode;default:cluster" json:"execution_mode"`

	ClusterJobID string `gorm:"column:cluster_job_id" json:"cluster_job_id,omitempty"`

	StartTime    *time.Time `gorm:"column:start_time" json:"start_time,omitempty"`
	EndTime      *time.Time `gorm:"column:end_time" json:"end_time,omitempty"`
	ErrorMessage string     `gorm:"column:error_message" json:"error_message,omitempty"`

	PipelineStats datatypes.JSONType[PipelineStats] `gorm:"column:pipeline_stats" json:"pipeline_stats"`

	CreatedAt time.Time      `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (JobRun) TableName() string { return "job_run" }

// IsTerminal reports whether the job has reached a state the cluster
// driver will not transition out of on its own.
func (j *JobRun) IsTerminal() bool {
	return j.Status == JobSucceeded || j.Status == JobFailed || j.Status == JobCancelled
}

// IsLive reports whether a job is still pending or running — the guard
// used before a re-run is allowed to reuse its id (spec §4.1 step 4).
func (j *JobRun) IsLive() bool {
	return j.Status == JobPending || j.Status == JobRunning
}
