package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/jobs"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/sessions"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/http/response"
	"github.com/relioncluster/pipeline-orchestrator/internal/orchestrator"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
	"github.com/relioncluster/pipeline-orchestrator/internal/watcher"
)

// SessionHandler is the Control API's one handler, grounded on the
// teacher's handlers.JobHandler (thin gin handlers, uuid param parsing,
// response.RespondOK/RespondError) and generalized from a single
// resource's CRUD+lifecycle verbs to spec.md §6's full list:
// create/start/pause/resume/stop/delete/get/stats/exposures/activity/
// list-by-project, plus the supplemented health endpoint.
type SessionHandler struct {
	sessions          sessions.SessionRepo
	jobs              jobs.JobRunRepo
	engine            *orchestrator.Engine
	watcher           *watcher.Manager
	partitionDefaults domain.SlurmConfig
}

func NewSessionHandler(sessionRepo sessions.SessionRepo, jobRepo jobs.JobRunRepo, engine *orchestrator.Engine, watcherMgr *watcher.Manager, partitionDefaults domain.SlurmConfig) *SessionHandler {
	return &SessionHandler{sessions: sessionRepo, jobs: jobRepo, engine: engine, watcher: watcherMgr, partitionDefaults: partitionDefaults}
}

// withPartitionDefaults fills any zero-valued SlurmConfig field a
// caller left unset with the operator's configured partition defaults,
// so a minimal create request still gets a schedulable job.
func (h *SessionHandler) withPartitionDefaults(cfg domain.SlurmConfig) domain.SlurmConfig {
	if cfg.Partition == "" {
		cfg.Partition = h.partitionDefaults.Partition
	}
	if cfg.GPUCount == 0 {
		cfg.GPUCount = h.partitionDefaults.GPUCount
	}
	if cfg.Threads == 0 {
		cfg.Threads = h.partitionDefaults.Threads
	}
	return cfg
}

func (h *SessionHandler) dbc(c *gin.Context) dbctx.Context {
	return dbctx.Context{Ctx: c.Request.Context()}
}

func sessionIDParam(c *gin.Context) (uuid.UUID, error) {
	return uuid.Parse(c.Param("id"))
}

// createSessionRequest is the wire shape for POST /sessions. Every
// per-stage config is accepted as-submitted; the caller decides which
// stages are enabled (spec.md §3's per-stage Enabled flag).
type createSessionRequest struct {
	ProjectID        uuid.UUID               `json:"project_id" binding:"required"`
	UserID           uuid.UUID               `json:"user_id" binding:"required"`
	SessionName      string                  `json:"session_name" binding:"required"`
	InputMode        domain.InputMode        `json:"input_mode" binding:"required"`
	WatchDirectory   string                  `json:"watch_directory" binding:"required"`
	FilePattern      string                  `json:"file_pattern" binding:"required"`
	Optics           domain.OpticsConfig     `json:"optics"`
	MotionConfig     domain.MotionConfig     `json:"motion_config"`
	CTFConfig        domain.CTFConfig        `json:"ctf_config"`
	PickingConfig    domain.PickingConfig    `json:"picking_config"`
	ExtractionConfig domain.ExtractionConfig `json:"extraction_config"`
	Class2DConfig    domain.Class2DConfig    `json:"class2d_config"`
	Thresholds       domain.Thresholds       `json:"thresholds"`
	SlurmConfig      domain.SlurmConfig      `json:"slurm_config"`
}

// POST /sessions
func (h *SessionHandler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	session := &domain.Session{
		ID:               uuid.New(),
		ProjectID:        req.ProjectID,
		UserID:           req.UserID,
		SessionName:      req.SessionName,
		InputMode:        req.InputMode,
		WatchDirectory:   req.WatchDirectory,
		FilePattern:      req.FilePattern,
		Status:           domain.SessionPending,
		Optics:           datatypes.NewJSONType(req.Optics),
		MotionConfig:     datatypes.NewJSONType(req.MotionConfig),
		CTFConfig:        datatypes.NewJSONType(req.CTFConfig),
		PickingConfig:    datatypes.NewJSONType(req.PickingConfig),
		ExtractionConfig: datatypes.NewJSONType(req.ExtractionConfig),
		Class2DConfig:    datatypes.NewJSONType(req.Class2DConfig),
		Thresholds:       datatypes.NewJSONType(req.Thresholds),
		SlurmConfig:      datatypes.NewJSONType(h.withPartitionDefaults(req.SlurmConfig)),
		State:            datatypes.NewJSONType(domain.SessionState{}),
		Jobs:             datatypes.NewJSONType(domain.SessionJobs{}),
	}

	created, err := h.sessions.Create(h.dbc(c), session)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "create_session_failed", err)
		return
	}
	response.RespondCreated(c, gin.H{"session": created})
}

// POST /sessions/:id/start
func (h *SessionHandler) StartSession(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	if err := h.engine.Start(c.Request.Context(), id); err != nil {
		response.RespondError(c, http.StatusConflict, "start_failed", err)
		return
	}
	h.respondSession(c, id)
}

// POST /sessions/:id/pause
func (h *SessionHandler) PauseSession(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	if err := h.engine.Pause(c.Request.Context(), id); err != nil {
		response.RespondError(c, http.StatusConflict, "pause_failed", err)
		return
	}
	h.respondSession(c, id)
}

// POST /sessions/:id/resume
func (h *SessionHandler) ResumeSession(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	if err := h.engine.Resume(c.Request.Context(), id); err != nil {
		response.RespondError(c, http.StatusConflict, "resume_failed", err)
		return
	}
	h.respondSession(c, id)
}

// POST /sessions/:id/stop
func (h *SessionHandler) StopSession(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	if err := h.engine.Stop(c.Request.Context(), id); err != nil {
		response.RespondError(c, http.StatusConflict, "stop_failed", err)
		return
	}
	h.respondSession(c, id)
}

// DELETE /sessions/:id
// Delete stops a running/paused session first and cascades-deletes its
// job records (spec.md §6).
func (h *SessionHandler) DeleteSession(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}

	dbc := h.dbc(c)
	session, err := h.sessions.GetByID(dbc, id)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "session_not_found", err)
		return
	}

	if session.Status == domain.SessionRunning || session.Status == domain.SessionPaused {
		if err := h.engine.Stop(c.Request.Context(), id); err != nil {
			response.RespondError(c, http.StatusConflict, "stop_before_delete_failed", err)
			return
		}
	}

	if err := h.jobs.DeleteBySession(dbc, id); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "delete_jobs_failed", err)
		return
	}
	if err := h.sessions.Delete(dbc, id); err != nil {
		response.RespondError(c, http.StatusInternalServerError, "delete_session_failed", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	h.respondSession(c, id)
}

func (h *SessionHandler) respondSession(c *gin.Context, id uuid.UUID) {
	session, err := h.sessions.GetByID(h.dbc(c), id)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "session_not_found", err)
		return
	}
	response.RespondOK(c, gin.H{"session": session})
}

// GET /sessions/:id/stats
// Returns state.* counters plus every job record for the session, so a
// caller can see both the aggregate progress and the per-stage detail
// pipeline_stats contribute.
func (h *SessionHandler) GetStats(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	dbc := h.dbc(c)
	session, err := h.sessions.GetByID(dbc, id)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "session_not_found", err)
		return
	}
	jobRows, err := h.jobs.ListBySession(dbc, id)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_jobs_failed", err)
		return
	}
	response.RespondOK(c, gin.H{
		"state":        session.State.Data(),
		"pass_history": session.PassHistory,
		"jobs":         jobRows,
	})
}

// GET /sessions/:id/exposures
// Lists the raw movie files the watcher has discovered for this session.
// spec.md names "exposures" as a Control API verb but never defines its
// shape; this is the natural reading given the rest of the spec (the
// watcher's known-file set is the only per-session file listing the
// system maintains) — see DESIGN.md.
func (h *SessionHandler) GetExposures(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	files := h.watcher.KnownFiles(id)
	response.RespondOK(c, gin.H{"exposures": files, "count": len(files)})
}

// GET /sessions/:id/activity?level=&stage=&q=
func (h *SessionHandler) GetActivity(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	session, err := h.sessions.GetByID(h.dbc(c), id)
	if err != nil {
		response.RespondError(c, http.StatusNotFound, "session_not_found", err)
		return
	}

	filter := sessions.ActivityFilter{
		Level:     domain.ActivityLevel(strings.TrimSpace(c.Query("level"))),
		Stage:     strings.TrimSpace(c.Query("stage")),
		Substring: strings.TrimSpace(c.Query("q")),
	}
	filtered := sessions.FilterActivity(session.ActivityLog, filter)
	response.RespondOK(c, gin.H{"activity": filtered, "count": len(filtered)})
}

// GET /projects/:project_id/sessions
func (h *SessionHandler) ListByProject(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("project_id"))
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_project_id", err)
		return
	}
	found, err := h.sessions.ListByProject(h.dbc(c), projectID)
	if err != nil {
		response.RespondError(c, http.StatusInternalServerError, "list_sessions_failed", err)
		return
	}
	response.RespondOK(c, gin.H{"sessions": found, "count": len(found)})
}

// GET /sessions/:id/health
// Read-only view of the orchestrator's live registry entry (spec.md
// §8 supplemented feature).
func (h *SessionHandler) GetHealth(c *gin.Context) {
	id, err := sessionIDParam(c)
	if err != nil {
		response.RespondError(c, http.StatusBadRequest, "invalid_session_id", err)
		return
	}
	health := h.engine.Health(id)
	response.RespondOK(c, gin.H{
		"tracked": health.Tracked,
		"running": health.Running,
		"busy":    health.Busy,
	})
}
