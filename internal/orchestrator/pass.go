package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"

	"github.com/relioncluster/pipeline-orchestrator/internal/cluster"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
	"github.com/relioncluster/pipeline-orchestrator/internal/stages"
)

// RunPipelinePass implements spec §4.1 "Pipeline pass": a fresh pass
// always starts at the first enabled stage, since new files only ever
// land ahead of Import.
func (e *Engine) RunPipelinePass(ctx context.Context, sessionID uuid.UUID) {
	e.runPipelinePassFrom(ctx, sessionID, "")
}

// runPipelinePassFrom is RunPipelinePass generalized with an explicit
// starting stage, used by the count-mismatch re-run path (spec §8 E2)
// to resume at the stage that fell behind rather than resubmitting
// every stage ahead of it. Guarded by busy: a second caller while one
// pass is in flight only records pendingRerun.
func (e *Engine) runPipelinePassFrom(ctx context.Context, sessionID uuid.UUID, startStage domain.StageKey) {
	if !e.reg.tryAcquireBusy(sessionID) {
		return
	}
	// Any path out of this function below MUST release busy, directly
	// or by handing off to SubmitStage/onPipelinePassComplete (spec §5:
	// a suspension must never drop busy without releasing it).
	dbc := dbctx.Context{Ctx: ctx}
	session, err := e.sessions.GetByID(dbc, sessionID)
	if err != nil {
		e.log.Error("run_pipeline_pass: load session failed", "session_id", sessionID, "error", err)
		e.reg.releaseBusy(sessionID)
		return
	}

	if err := e.sessions.MutateState(dbc, sessionID, func(s *domain.SessionState) {
		s.PassCount++
		s.MoviesAtPassStart = s.MoviesFound
	}); err != nil {
		e.log.Error("run_pipeline_pass: persist pass start failed", "session_id", sessionID, "error", err)
		e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
			Event: "error", Message: fmt.Sprintf("failed to start pipeline pass: %v", err), Level: domain.LevelError,
		})
		e.reg.releaseBusy(sessionID)
		return
	}

	enabled := session.EnabledStages()
	if len(enabled) == 0 {
		e.onPipelinePassComplete(ctx, sessionID)
		return
	}
	start := startStage
	if start == "" {
		start = enabled[0]
	}
	e.SubmitStage(ctx, sessionID, start)
}

// SubmitStage implements spec §4.1 "Stage submission". It always either
// submits to the cluster driver (leaving busy held until the stage's
// completion event arrives) or releases busy itself before returning.
func (e *Engine) SubmitStage(ctx context.Context, sessionID uuid.UUID, stage domain.StageKey) {
	dbc := dbctx.Context{Ctx: ctx}
	session, err := e.sessions.GetByID(dbc, sessionID)
	if err != nil {
		e.log.Error("submit_stage: load session failed", "session_id", sessionID, "stage", stage, "error", err)
		e.reg.releaseBusy(sessionID)
		return
	}
	if session.Status != domain.SessionRunning {
		e.reg.releaseBusy(sessionID)
		return
	}

	enabledSet := map[domain.StageKey]bool{}
	for _, key := range session.EnabledStages() {
		enabledSet[key] = true
	}
	if !enabledSet[stage] {
		if nxt := nextStage(stage); nxt != "" {
			e.SubmitStage(ctx, sessionID, nxt)
			return
		}
		e.onPipelinePassComplete(ctx, sessionID)
		return
	}

	jobName, existing, err := e.resolveJobIdentity(ctx, session, stage)
	if err != nil {
		e.skipStage(ctx, sessionID, stage, fmt.Errorf("resolve job identity: %w", err))
		return
	}

	builder, err := e.buildStageBuilder(ctx, session, stage, jobName)
	if err != nil {
		e.skipStage(ctx, sessionID, stage, err)
		return
	}
	if err := builder.Validate(); err != nil {
		e.skipStage(ctx, sessionID, stage, err)
		return
	}

	partition := session.SlurmConfig.Data().Partition
	threads := session.SlurmConfig.Data().Threads
	mpi := resolveMPIForStage(session, stage)
	gpuCount := stages.ResolveGPUCount(builder, session.SlurmConfig.Data().GPUCount)
	cmd := builder.BuildCommand(mpi, gpuCount, threads)
	projectDir := e.paths.ProjectDir(session.ProjectID)
	outputDirAbs := filepath.Join(projectDir, builder.OutputDir())

	parameters := datatypes.NewJSONType(domain.JobParameters{
		"mpi": mpi, "gpu_count": gpuCount, "threads": threads, "partition": partition,
	})

	var jobID uuid.UUID
	if existing != nil {
		if existing.IsLive() {
			e.log.Error("submit_stage: refusing re-run of live job", "session_id", sessionID, "stage", stage, "job_id", existing.ID)
			e.reg.releaseBusy(sessionID)
			return
		}
		jobID = existing.ID
		if err := os.MkdirAll(outputDirAbs, 0o755); err != nil {
			e.skipStage(ctx, sessionID, stage, fmt.Errorf("recreate output dir: %w", err))
			return
		}
		if existing.ClusterJobID != "" {
			if err := e.driver.Cancel(ctx, existing.ClusterJobID); err != nil {
				e.log.Warn("submit_stage: best-effort cancel of stale cluster id failed", "job_id", jobID, "error", err)
			}
		}
		if err := e.jobs.UpdateFields(dbc, jobID, map[string]interface{}{
			"status":         domain.JobPending,
			"command":        cmd,
			"parameters":     parameters,
			"cluster_job_id": "",
		}); err != nil {
			e.skipStage(ctx, sessionID, stage, fmt.Errorf("update job record: %w", err))
			return
		}
	} else {
		jobID = uuid.New()
		if err := os.MkdirAll(outputDirAbs, 0o755); err != nil {
			e.skipStage(ctx, sessionID, stage, fmt.Errorf("create output dir: %w", err))
			return
		}
		inputIDs, err := e.resolveInputJobIDs(ctx, session.ProjectID, builder.InputJobNames())
		if err != nil {
			e.skipStage(ctx, sessionID, stage, fmt.Errorf("resolve input job ids: %w", err))
			return
		}
		job := &domain.JobRun{
			ID:             jobID,
			ProjectID:      session.ProjectID,
			UserID:         session.UserID,
			SessionID:      session.ID,
			JobName:        jobName,
			JobType:        string(stage),
			Status:         domain.JobPending,
			OutputFilePath: outputDirAbs,
			Command:        cmd,
			Parameters:     parameters,
			InputJobIDs:    datatypes.JSONSlice[uuid.UUID](inputIDs),
		}
		if _, err := e.jobs.Create(dbc, job); err != nil {
			e.skipStage(ctx, sessionID, stage, fmt.Errorf("create job record: %w", err))
			return
		}
		if stage == domain.StageClass2D {
			if err := e.sessions.AppendClass2DJobID(dbc, sessionID, jobID); err != nil {
				e.log.Error("submit_stage: failed to append class2d job id", "session_id", sessionID, "error", err)
			}
		} else if err := e.sessions.SetStageJobID(dbc, sessionID, stage, jobID); err != nil {
			e.log.Error("submit_stage: failed to set stage job id", "session_id", sessionID, "stage", stage, "error", err)
		}
	}

	if err := e.sessions.MutateState(dbc, sessionID, func(s *domain.SessionState) {
		s.CurrentStage = string(stage)
	}); err != nil {
		e.log.Warn("submit_stage: failed to persist current_stage", "session_id", sessionID, "error", err)
	}

	result, submitErr := e.driver.Submit(ctx, cluster.SubmitSpec{
		Command:     cmd,
		JobID:       jobID,
		JobName:     jobName,
		Stage:       string(stage),
		ProjectPath: projectDir,
		OutputDir:   outputDirAbs,
		Partition:   partition,
		MPI:         mpi,
		Threads:     threads,
		GPUCount:    gpuCount,
		PostCommand: builder.PostCommand(),
	})
	if submitErr != nil || !result.Success {
		msg := result.Error
		if submitErr != nil {
			msg = submitErr.Error()
		}
		e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
			Event: "error", Message: fmt.Sprintf("submission failed: %s", msg), Level: domain.LevelError,
			Stage: string(stage), JobName: jobName,
		})
		e.stageErrorHandler(ctx, sessionID, stage, jobID, msg, nil)
		return
	}

	now := time.Now().UTC()
	if err := e.jobs.UpdateFields(dbc, jobID, map[string]interface{}{
		"status":         domain.JobRunning,
		"cluster_job_id": result.ClusterJobID,
		"start_time":     &now,
	}); err != nil {
		e.log.Error("submit_stage: failed to persist running status", "job_id", jobID, "error", err)
	}
	// Submit succeeded: this is the only point resume_from may be cleared
	// (spec §4.1 E5), and only when it still names the stage just submitted.
	if err := e.sessions.MutateState(dbc, sessionID, func(s *domain.SessionState) {
		if s.ResumeFrom == string(stage) {
			s.ResumeFrom = ""
		}
	}); err != nil {
		e.log.Warn("submit_stage: failed to clear resume_from", "session_id", sessionID, "error", err)
	}
	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
		Event:   "stage_submitted",
		Message: fmt.Sprintf("submitted %s (%s)", jobName, stage),
		Level:   domain.LevelInfo,
		Stage:   string(stage),
		JobName: jobName,
		Context: map[string]any{
			"command_preview": previewCommand(cmd, 120),
			"cluster_job_id":  result.ClusterJobID,
			"mpi":             mpi,
			"gpu_count":       gpuCount,
			"threads":         threads,
			"partition":       partition,
		},
	})
}

// skipStage implements the validation-failure path of spec §4.1 step 3:
// a bad config for one stage doesn't fail the session, it just skips
// the rest of this pass.
func (e *Engine) skipStage(ctx context.Context, sessionID uuid.UUID, stage domain.StageKey, cause error) {
	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
		Event:   "stage_skipped",
		Message: cause.Error(),
		Level:   domain.LevelWarning,
		Stage:   string(stage),
	})
	e.reg.releaseBusy(sessionID)
}

// resolveJobIdentity returns the job name to submit under and, for a
// re-run, the existing JobRun record to reuse (spec §4.1 step 4).
// Class2D never reuses a prior record: every firing is a fresh job.
func (e *Engine) resolveJobIdentity(ctx context.Context, session *domain.Session, stage domain.StageKey) (string, *domain.JobRun, error) {
	dbc := dbctx.Context{Ctx: ctx}
	if stage != domain.StageClass2D {
		if id := session.Jobs.Data().Get(stage); id != nil {
			job, err := e.jobs.GetByID(dbc, *id)
			if err != nil {
				return "", nil, err
			}
			return job.JobName, job, nil
		}
	}
	name, err := e.jobs.NextJobName(dbc, session.ProjectID)
	if err != nil {
		return "", nil, err
	}
	return name, nil, nil
}

func (e *Engine) resolveInputJobIDs(ctx context.Context, projectID uuid.UUID, names []string) ([]uuid.UUID, error) {
	if len(names) == 0 {
		return nil, nil
	}
	dbc := dbctx.Context{Ctx: ctx}
	ids := make([]uuid.UUID, 0, len(names))
	for _, name := range names {
		job, err := e.jobs.GetByProjectAndJobName(dbc, projectID, name)
		if err != nil {
			return nil, fmt.Errorf("lookup input job %q: %w", name, err)
		}
		ids = append(ids, job.ID)
	}
	return ids, nil
}

// stageErrorHandler implements spec §4.1 step 5 / §7's "runtime
// failure"/"submission error" handling: pause the session with
// resume_from set to the failed stage, and record the enrichment.
func (e *Engine) stageErrorHandler(ctx context.Context, sessionID uuid.UUID, stage domain.StageKey, jobID uuid.UUID, errMsg string, enrichment map[string]any) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()
	if _, err := e.jobs.UpdateFieldsUnlessStatus(dbc, jobID, []domain.JobStatus{domain.JobFailed, domain.JobSucceeded, domain.JobCancelled}, map[string]interface{}{
		"status":        domain.JobFailed,
		"end_time":      &now,
		"error_message": errMsg,
	}); err != nil {
		e.log.Error("stage_error_handler: failed to persist job failure", "job_id", jobID, "error", err)
	}

	if err := e.sessions.UpdateFields(dbc, sessionID, map[string]interface{}{"status": domain.SessionPaused}); err != nil {
		e.log.Error("stage_error_handler: failed to pause session", "session_id", sessionID, "error", err)
	}
	if err := e.sessions.MutateState(dbc, sessionID, func(s *domain.SessionState) {
		s.CurrentStage = string(stage) + "_error"
		s.ResumeFrom = string(stage)
	}); err != nil {
		e.log.Error("stage_error_handler: failed to persist error state", "session_id", sessionID, "error", err)
	}

	ctxData := map[string]any{"error_message": errMsg}
	for k, v := range enrichment {
		ctxData[k] = v
	}
	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
		Event:   "error",
		Message: fmt.Sprintf("%s failed: %s", stage, errMsg),
		Level:   domain.LevelError,
		Stage:   string(stage),
		Context: ctxData,
	})
	e.reg.releaseBusy(sessionID)
}

// onPipelinePassComplete implements spec §4.1 "Pass complete".
func (e *Engine) onPipelinePassComplete(ctx context.Context, sessionID uuid.UUID) {
	dbc := dbctx.Context{Ctx: ctx}
	pendingRerun := e.reg.releaseBusy(sessionID)
	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{Event: "pipeline_complete", Message: "pipeline pass complete", Level: domain.LevelSuccess})

	session, err := e.sessions.GetByID(dbc, sessionID)
	if err != nil {
		e.log.Error("on_pipeline_pass_complete: load session failed", "session_id", sessionID, "error", err)
		return
	}
	state := session.State.Data()
	if err := e.sessions.AppendPassSnapshot(dbc, sessionID, domain.PassSnapshot{
		PassNumber:         state.PassCount,
		StartedAt:          time.Now().UTC(),
		FinishedAt:         time.Now().UTC(),
		MoviesAtPassStart:  state.MoviesAtPassStart,
		MoviesImported:     state.MoviesImported,
		MoviesMotion:       state.MoviesMotion,
		MoviesCTF:          state.MoviesCTF,
		MoviesPicked:       state.MoviesPicked,
		ParticlesExtracted: state.ParticlesExtracted,
	}); err != nil {
		e.log.Error("on_pipeline_pass_complete: failed to append pass snapshot", "session_id", sessionID, "error", err)
	}

	class2dSubmitted := false
	if session.Class2DConfig.Data().Enabled {
		cfg := session.Class2DConfig.Data()
		lastBatchMillis := (*int64)(nil)
		if state.LastBatch2D != nil {
			ms := state.LastBatch2D.UnixMilli()
			lastBatchMillis = &ms
		}
		if stages.Class2DShouldFire(state.ParticlesExtracted, cfg.ParticleThreshold, lastBatchMillis, time.Now().UnixMilli(), cfg.BatchIntervalMS) {
			class2dSubmitted = true
			now := time.Now().UTC()
			if err := e.sessions.MutateState(dbc, sessionID, func(s *domain.SessionState) {
				s.LastBatch2D = &now
			}); err != nil {
				e.log.Error("on_pipeline_pass_complete: failed to persist last_batch_2d", "session_id", sessionID, "error", err)
			}
			go e.SubmitClass2D(context.Background(), sessionID)
		}
	}

	// Refetch for up-to-date counters before deciding on a re-run.
	session, err = e.sessions.GetByID(dbc, sessionID)
	if err != nil {
		e.log.Error("on_pipeline_pass_complete: refetch session failed", "session_id", sessionID, "error", err)
		return
	}
	state = session.State.Data()

	if pendingRerun && state.MoviesFound > state.MoviesImported {
		go e.RunPipelinePass(context.Background(), sessionID)
		return
	}

	if mismatchStage, gap, found := firstMismatchedStage(session); found {
		e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
			Event: "pipeline_rerun", Message: fmt.Sprintf("count mismatch detected, re-running from %s", mismatchStage),
			Level: domain.LevelInfo, Stage: string(mismatchStage), Context: map[string]any{"gap": gap},
		})
		go e.runPipelinePassFrom(context.Background(), sessionID, mismatchStage)
		return
	}

	if session.InputMode == domain.InputModeExisting && !class2dSubmitted && !e.hasLiveClass2D(ctx, session) {
		e.completeSession(ctx, sessionID)
	}
}

func (e *Engine) hasLiveClass2D(ctx context.Context, session *domain.Session) bool {
	dbc := dbctx.Context{Ctx: ctx}
	for _, id := range session.Jobs.Data().Class2DIDs {
		job, err := e.jobs.GetByID(dbc, id)
		if err != nil {
			continue
		}
		if job.IsLive() {
			return true
		}
	}
	return false
}

func (e *Engine) completeSession(ctx context.Context, sessionID uuid.UUID) {
	dbc := dbctx.Context{Ctx: ctx}
	now := time.Now().UTC()
	if err := e.sessions.UpdateFields(dbc, sessionID, map[string]interface{}{
		"status":   domain.SessionCompleted,
		"end_time": &now,
	}); err != nil {
		e.log.Error("complete_session: failed to persist completion", "session_id", sessionID, "error", err)
		return
	}
	e.reg.remove(sessionID)
	e.watcher.Stop(sessionID)
	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{Event: "session_completed", Message: "session completed", Level: domain.LevelSuccess})
}

// SubmitClass2D fires a Class2D batch job outside the normal busy lock:
// it is a side branch, not a stage in the main pipeline pass, so it
// must not block the next pass from starting (spec §4.4).
func (e *Engine) SubmitClass2D(ctx context.Context, sessionID uuid.UUID) {
	dbc := dbctx.Context{Ctx: ctx}
	session, err := e.sessions.GetByID(dbc, sessionID)
	if err != nil {
		e.log.Error("submit_class2d: load session failed", "session_id", sessionID, "error", err)
		return
	}
	if session.Status != domain.SessionRunning {
		return
	}

	jobName, err := e.jobs.NextJobName(dbc, session.ProjectID)
	if err != nil {
		e.log.Error("submit_class2d: allocate job name failed", "session_id", sessionID, "error", err)
		return
	}
	builder, err := e.buildStageBuilder(ctx, session, domain.StageClass2D, jobName)
	if err != nil {
		e.notifyActivity(ctx, sessionID, domain.ActivityEntry{Event: "stage_skipped", Message: err.Error(), Level: domain.LevelWarning, Stage: string(domain.StageClass2D)})
		return
	}
	if err := builder.Validate(); err != nil {
		e.notifyActivity(ctx, sessionID, domain.ActivityEntry{Event: "stage_skipped", Message: err.Error(), Level: domain.LevelWarning, Stage: string(domain.StageClass2D)})
		return
	}

	threads := session.SlurmConfig.Data().Threads
	mpi := resolveMPIForStage(session, domain.StageClass2D)
	gpuCount := stages.ResolveGPUCount(builder, session.SlurmConfig.Data().GPUCount)
	cmd := builder.BuildCommand(mpi, gpuCount, threads)
	projectDir := e.paths.ProjectDir(session.ProjectID)
	outputDirAbs := filepath.Join(projectDir, builder.OutputDir())
	if err := os.MkdirAll(outputDirAbs, 0o755); err != nil {
		e.log.Error("submit_class2d: create output dir failed", "session_id", sessionID, "error", err)
		return
	}

	inputIDs, err := e.resolveInputJobIDs(ctx, session.ProjectID, builder.InputJobNames())
	if err != nil {
		e.log.Error("submit_class2d: resolve input job ids failed", "session_id", sessionID, "error", err)
		return
	}

	jobID := uuid.New()
	job := &domain.JobRun{
		ID:             jobID,
		ProjectID:      session.ProjectID,
		UserID:         session.UserID,
		SessionID:      session.ID,
		JobName:        jobName,
		JobType:        string(domain.StageClass2D),
		Status:         domain.JobPending,
		OutputFilePath: outputDirAbs,
		Command:        cmd,
		Parameters: datatypes.NewJSONType(domain.JobParameters{
			"mpi": mpi, "gpu_count": gpuCount, "threads": threads,
		}),
		InputJobIDs: datatypes.JSONSlice[uuid.UUID](inputIDs),
	}
	if _, err := e.jobs.Create(dbc, job); err != nil {
		e.log.Error("submit_class2d: create job record failed", "session_id", sessionID, "error", err)
		return
	}
	if err := e.sessions.AppendClass2DJobID(dbc, sessionID, jobID); err != nil {
		e.log.Error("submit_class2d: append class2d job id failed", "session_id", sessionID, "error", err)
	}

	result, err := e.driver.Submit(ctx, cluster.SubmitSpec{
		Command: cmd, JobID: jobID, JobName: jobName, Stage: string(domain.StageClass2D),
		ProjectPath: projectDir, OutputDir: outputDirAbs, MPI: mpi, Threads: threads,
		GPUCount: gpuCount, PostCommand: builder.PostCommand(),
	})
	if err != nil || !result.Success {
		msg := result.Error
		if err != nil {
			msg = err.Error()
		}
		now := time.Now().UTC()
		_, _ = e.jobs.UpdateFieldsUnlessStatus(dbc, jobID, nil, map[string]interface{}{
			"status": domain.JobFailed, "end_time": &now, "error_message": msg,
		})
		e.notifyActivity(ctx, sessionID, domain.ActivityEntry{Event: "error", Message: fmt.Sprintf("class2d submission failed: %s", msg), Level: domain.LevelError, Stage: string(domain.StageClass2D), JobName: jobName})
		return
	}

	now := time.Now().UTC()
	_ = e.jobs.UpdateFields(dbc, jobID, map[string]interface{}{
		"status": domain.JobRunning, "cluster_job_id": result.ClusterJobID, "start_time": &now,
	})
	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
		Event: "stage_submitted", Message: fmt.Sprintf("submitted class2d batch %s", jobName), Level: domain.LevelInfo,
		Stage: string(domain.StageClass2D), JobName: jobName,
		Context: map[string]any{"command_preview": previewCommand(cmd, 120), "cluster_job_id": result.ClusterJobID},
	})
}
