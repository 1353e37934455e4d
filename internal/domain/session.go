package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// InputMode selects whether a session watches a directory indefinitely or
// snapshots it once and completes when the pipeline catches up.
type InputMode string

const (
	InputModeWatch    InputMode = "watch"
	InputModeExisting InputMode = "existing"
)

// SessionStatus is the externally observable lifecycle of a session.
// Transitions form a DAG with terminal sinks Stopped and Completed.
type SessionStatus string

const (
	SessionPending   SessionStatus = "pending"
	SessionRunning   SessionStatus = "running"
	SessionPaused    SessionStatus = "paused"
	SessionStopped   SessionStatus = "stopped"
	SessionCompleted SessionStatus = "completed"
)

// StageKey is the internal identifier of a pipeline step.
type StageKey string

const (
	StageImport  StageKey = "import"
	StageMotion  StageKey = "motion"
	StageCTF     StageKey = "ctf"
	StagePick    StageKey = "pick"
	StageExtract StageKey = "extract"
	StageClass2D StageKey = "class2d"
)

// StageOrder is the fixed, strictly-sequential order of the main pipeline.
// Class2D is not part of it: it fires as a side branch after a pass
// completes, never re-runs, and is never "next" after another stage.
var StageOrder = []StageKey{StageImport, StageMotion, StageCTF, StagePick, StageExtract}

// StageConfig is the shared shape of every per-stage configuration
// sub-record. Concrete stage configs (MotionConfig, CTFConfig, ...) embed
// it so the orchestrator can uniformly check Enabled without a type switch.
type StageConfig struct {
	Enabled bool `json:"enabled"`
}

type OpticsConfig struct {
	VoltageKV      float64 `json:"voltage_kv"`
	SphericalAberr float64 `json:"spherical_aberration_mm"`
	AmplitudeContr float64 `json:"amplitude_contrast"`
	PixelSizeA     float64 `json:"pixel_size_a"`
}

type MotionConfig struct {
	StageConfig
	GPU         bool    `json:"gpu"`
	PatchX      int     `json:"patch_x"`
	PatchY      int     `json:"patch_y"`
	DoseFrame   float64 `json:"dose_per_frame"`
	BinFactor   float64 `json:"bin_factor"`
	MPI         int     `json:"mpi"`
	GPUCount    int     `json:"gpu_count"`
}

type CTFConfig struct {
	StageConfig
	DefocusMinA float64 `json:"defocus_min_a"`
	DefocusMaxA float64 `json:"defocus_max_a"`
	DefocusStep float64 `json:"defocus_step_a"`
	MPI         int     `json:"mpi"`
}

type PickingConfig struct {
	StageConfig
	UseLoG      bool    `json:"use_log"`
	UseTemplate bool    `json:"use_template"`
	DiameterMin float64 `json:"diameter_min_a"`
	DiameterMax float64 `json:"diameter_max_a"`
	Threshold   float64 `json:"threshold"`
	MPI         int     `json:"mpi"`
}

type ExtractionConfig struct {
	StageConfig
	BoxSize        int  `json:"box_size"`
	Rescale        bool `json:"rescale"`
	RescaledSize   int  `json:"rescaled_size"`
	Normalize      bool `json:"normalize"`
	InvertContrast bool `json:"invert_contrast"`
	MPI            int  `json:"mpi"`
}

type Class2DConfig struct {
	StageConfig
	ParticleThreshold int   `json:"particle_threshold"`
	BatchIntervalMS   int64 `json:"batch_interval_ms"`
	FastVariant       bool  `json:"fast_variant"`
	NumClasses        int   `json:"num_classes"`
	Iterations        int   `json:"iterations"`
	MPI               int   `json:"mpi"`
}

type Thresholds struct {
	MinMicrographsPerBatch int `json:"min_micrographs_per_batch"`
}

type SlurmConfig struct {
	Partition string `json:"partition"`
	GPUCount  int    `json:"gpu_count"`
	Threads   int    `json:"threads"`
}

// SessionState is the mutable pipeline progress snapshot, persisted as
// jsonb on the session row. Everything here must be enough to resume a
// session with no other in-memory assumptions (spec §9).
type SessionState struct {
	CurrentStage       string     `json:"current_stage"`
	PassCount          int        `json:"pass_count"`
	LastPipelinePass   *time.Time `json:"last_pipeline_pass,omitempty"`
	MoviesFound        int        `json:"movies_found"`
	MoviesImported     int        `json:"movies_imported"`
	MoviesMotion       int        `json:"movies_motion"`
	MoviesCTF          int        `json:"movies_ctf"`
	MoviesPicked       int        `json:"movies_picked"`
	ParticlesExtracted int        `json:"particles_extracted"`
	ResumeFrom         string     `json:"resume_from,omitempty"`
	LastBatch2D        *time.Time `json:"last_batch_2d,omitempty"`
	MoviesAtPassStart  int        `json:"movies_at_pass_start"`
}

// SessionJobs maps each main stage to the single job id driving it, plus
// the monotonically-growing list of Class2D firings.
type SessionJobs struct {
	ImportID   *uuid.UUID  `json:"import_id,omitempty"`
	MotionID   *uuid.UUID  `json:"motion_id,omitempty"`
	CTFID      *uuid.UUID  `json:"ctf_id,omitempty"`
	PickID     *uuid.UUID  `json:"pick_id,omitempty"`
	ExtractID  *uuid.UUID  `json:"extract_id,omitempty"`
	Class2DIDs []uuid.UUID `json:"class2d_ids,omitempty"`
}

func (j *SessionJobs) Get(stage StageKey) *uuid.UUID {
	switch stage {
	case StageImport:
		return j.ImportID
	case StageMotion:
		return j.MotionID
	case StageCTF:
		return j.CTFID
	case StagePick:
		return j.PickID
	case StageExtract:
		return j.ExtractID
	default:
		return nil
	}
}

// Set assigns the job id for a stage. It is write-once by convention: the
// orchestrator must never call this for a stage key that already has a
// non-nil id (re-runs reuse the existing id instead).
func (j *SessionJobs) Set(stage StageKey, id uuid.UUID) {
	switch stage {
	case StageImport:
		j.ImportID = &id
	case StageMotion:
		j.MotionID = &id
	case StageCTF:
		j.CTFID = &id
	case StagePick:
		j.PickID = &id
	case StageExtract:
		j.ExtractID = &id
	}
}

// PassSnapshot is one entry of the append-only pass_history list.
type PassSnapshot struct {
	PassNumber         int       `json:"pass_number"`
	StartedAt          time.Time `json:"started_at"`
	FinishedAt         time.Time `json:"finished_at"`
	MoviesAtPassStart  int       `json:"movies_at_pass_start"`
	MoviesImported     int       `json:"movies_imported"`
	MoviesMotion       int       `json:"movies_motion"`
	MoviesCTF          int       `json:"movies_ctf"`
	MoviesPicked       int       `json:"movies_picked"`
	ParticlesExtracted int       `json:"particles_extracted"`
}

// ActivityLevel classifies an ActivityEntry for filtering.
type ActivityLevel string

const (
	LevelInfo    ActivityLevel = "info"
	LevelSuccess ActivityLevel = "success"
	LevelWarning ActivityLevel = "warning"
	LevelError   ActivityLevel = "error"
)

// ActivityEntry is one row of a session's searchable activity log.
// Context is an open-ended map[string]any carried through to persistence
// as-is (serialized as part of the entry's JSON); its keys vary by event.
type ActivityEntry struct {
	Timestamp  time.Time      `json:"timestamp"`
	Event      string         `json:"event"`
	Message    string         `json:"message"`
	Level      ActivityLevel  `json:"level"`
	Stage      string         `json:"stage,omitempty"`
	JobName    string         `json:"job_name,omitempty"`
	PassNumber int            `json:"pass_number,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// Session is the central durable entity. The orchestrator owns mutation
// of State, Status, Jobs, PassHistory, ActivityLog, StartTime, EndTime;
// everything else is set once at creation by the (out-of-scope) API layer.
type Session struct {
	ID         uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primaryKey" json:"id"`
	ProjectID  uuid.UUID `gorm:"type:uuid;not null;index" json:"project_id"`
	UserID     uuid.UUID `gorm:"type:uuid;not null;index" json:"user_id"`
	SessionName string   `gorm:"column:session_name;not null" json:"session_name"`

	InputMode      InputMode `gorm:"column:input_mode;not null" json:"input_mode"`
	WatchDirectory string    `gorm:"column:watch_directory;not null" json:"watch_directory"`
	FilePattern    string    `gorm:"column:file_pattern;not null" json:"file_pattern"`

	Optics           datatypes.JSONType[OpticsConfig]     `gorm:"column:optics" json:"optics"`
	MotionConfig     datatypes.JSONType[MotionConfig]     `gorm:"column:motion_config" json:"motion_config"`
	CTFConfig        datatypes.JSONType[CTFConfig]        `gorm:"column:ctf_config" json:"ctf_config"`
	PickingConfig    datatypes.JSONType[PickingConfig]    `gorm:"column:picking_config" json:"picking_config"`
	ExtractionConfig datatypes.JSONType[ExtractionConfig] `gorm:"column:extraction_config" json:"extraction_config"`
	Class2DConfig    datatypes.JSONType[Class2DConfig]    `gorm:"column:class2d_config" json:"class2d_config"`
	Thresholds       datatypes.JSONType[Thresholds]       `gorm:"column:thresholds" json:"thresholds"`
	SlurmConfig      datatypes.JSONType[SlurmConfig]      `gorm:"column:slurm_config" json:"slurm_config"`

	Status SessionStatus `gorm:"column:status;not null;index" json:"status"`

	State       datatypes.JSONType[SessionState]   `gorm:"column:state" json:"state"`
	Jobs        datatypes.JSONType[SessionJobs]     `gorm:"column:jobs" json:"jobs"`
	PassHistory datatypes.JSONSlice[PassSnapshot]   `gorm:"column:pass_history" json:"pass_history"`
	ActivityLog datatypes.JSONSlice[ActivityEntry]  `gorm:"column:activity_log" json:"activity_log"`

	StartTime *time.Time `gorm:"column:start_time" json:"start_time,omitempty"`
	EndTime   *time.Time `gorm:"column:end_time" json:"end_time,omitempty"`
	CreatedAt time.Time  `gorm:"not null;default:now()" json:"created_at"`
	UpdatedAt time.Time  `gorm:"not null;default:now()" json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (Session) TableName() string { return "session" }

// EnabledStages returns the main pipeline stages in fixed order, filtered
// to those whose config has Enabled=true. Import has no StageConfig (it
// is always on per spec §3) so it is always included.
func (s *Session) EnabledStages() []StageKey {
	out := make([]StageKey, 0, len(StageOrder))
	for _, key := range StageOrder {
		if key == StageImport {
			out = append(out, key)
			continue
		}
		if s.stageEnabled(key) {
			out = append(out, key)
		}
	}
	return out
}

func (s *Session) stageEnabled(key StageKey) bool {
	switch key {
	case StageMotion:
		return s.MotionConfig.Data().Enabled
	case StageCTF:
		return s.CTFConfig.Data().Enabled
	case StagePick:
		return s.PickingConfig.Data().Enabled
	case StageExtract:
		return s.ExtractionConfig.Data().Enabled
	default:
		return true
	}
}
