package orchestrator

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"gorm.io/datatypes"

	"github.com/relioncluster/pipeline-orchestrator/internal/cluster"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
	"github.com/relioncluster/pipeline-orchestrator/internal/watcher"
)

// stderrTailBudget and stdoutTailBudget bound how much of a failed job's
// stderr/stdout get pulled into an activity entry's context (spec §4.1
// step 5, §8 property 11): stderr is usually short and dense, stdout can
// carry a lot of per-micrograph logging before the actual error surfaces.
const (
	stderrTailBudget = 8 * 1024
	stdoutTailBudget = 32 * 1024
)

// handleStatusChange implements spec §4.1 step 5, "on job completion".
// A StatusChange carries no session id: it is resolved through the
// JobRun the cluster job id belongs to, then through FindBySessionJobID.
func (e *Engine) handleStatusChange(ctx context.Context, change cluster.StatusChange) {
	dbc := dbctx.Context{Ctx: ctx}
	job, err := e.jobs.GetByClusterJobID(dbc, change.ClusterJobID)
	if err != nil || job == nil {
		e.log.Warn("handle_status_change: unknown cluster job id", "cluster_job_id", change.ClusterJobID, "error", err)
		return
	}
	session, err := e.sessions.FindBySessionJobID(dbc, job.ID)
	if err != nil || session == nil {
		e.log.Warn("handle_status_change: no live session owns job", "job_id", job.ID, "error", err)
		return
	}
	stage := domain.StageKey(job.JobType)

	if change.NewStatus != "success" {
		enrichment := e.buildFailureEnrichment(ctx, job)
		now := time.Now().UTC()
		_, _ = e.jobs.UpdateFieldsUnlessStatus(dbc, job.ID, []domain.JobStatus{domain.JobFailed, domain.JobSucceeded, domain.JobCancelled}, map[string]interface{}{
			"status":   domain.JobFailed,
			"end_time": &now,
		})
		e.stageErrorHandler(ctx, session.ID, stage, job.ID, "cluster job reported failure", enrichment)
		return
	}

	details, err := e.driver.GetJobDetails(ctx, change.ClusterJobID)
	if err != nil {
		e.log.Warn("handle_status_change: get job details failed", "cluster_job_id", change.ClusterJobID, "error", err)
	}
	stats := collectStageStats(stage, job.OutputFilePath, session)
	now := time.Now().UTC()
	_, _ = e.jobs.UpdateFieldsUnlessStatus(dbc, job.ID, []domain.JobStatus{domain.JobFailed, domain.JobSucceeded, domain.JobCancelled}, map[string]interface{}{
		"status":         domain.JobSucceeded,
		"end_time":       &now,
		"pipeline_stats": datatypes.NewJSONType(stats),
	})

	count := counterFromStats(stage, stats)
	if err := e.sessions.MutateState(dbc, session.ID, func(s *domain.SessionState) {
		applyStageCounter(s, stage, count)
	}); err != nil {
		e.log.Error("handle_status_change: failed to persist counter", "session_id", session.ID, "stage", stage, "error", err)
	}

	e.notifyActivity(ctx, session.ID, domain.ActivityEntry{
		Event:   "stage_completed",
		Message: fmt.Sprintf("%s completed (%s)", job.JobName, stage),
		Level:   domain.LevelSuccess,
		Stage:   string(stage),
		JobName: job.JobName,
		Context: map[string]any{"elapsed_seconds": details.Elapsed.Seconds(), "exit_code": details.ExitCode},
	})

	if session.Status != domain.SessionRunning {
		// Paused mid-pass: record where to resume and stop advancing.
		if err := e.sessions.MutateState(dbc, session.ID, func(s *domain.SessionState) {
			s.ResumeFrom = string(stage)
		}); err != nil {
			e.log.Error("handle_status_change: failed to persist resume_from on pause", "session_id", session.ID, "error", err)
		}
		e.reg.releaseBusy(session.ID)
		return
	}

	if stage == domain.StageClass2D {
		// A Class2D batch is a side branch: its completion never drives
		// the main pipeline pass forward.
		return
	}

	if nxt := nextEnabledStage(session, stage); nxt != "" {
		e.SubmitStage(ctx, session.ID, nxt)
		return
	}
	e.onPipelinePassComplete(ctx, session.ID)
}

// buildFailureEnrichment pulls a bounded amount of stderr/stdout plus an
// error-line scan for a failed job's activity entry (spec §4.1 step 5).
// Prefers the driver's own tailing if it implements StderrStdoutReader,
// falling back to reading slurm-<id>.{err,out} next to the job's output
// when it does not, or when its tail call returns an error.
func (e *Engine) buildFailureEnrichment(ctx context.Context, job *domain.JobRun) map[string]any {
	details, detailsErr := e.driver.GetJobDetails(ctx, job.ClusterJobID)
	out := map[string]any{}
	if detailsErr == nil {
		out["cluster_state"] = details.State
		out["exit_code"] = details.ExitCode
		out["elapsed_seconds"] = details.Elapsed.Seconds()
	}

	var stderr, stdout string
	var stderrErr, stdoutErr error
	reader, hasReader := e.driver.(cluster.StderrStdoutReader)
	if hasReader {
		stderr, stderrErr = reader.TailStderr(ctx, job.ClusterJobID, stderrTailBudget)
		stdout, stdoutErr = reader.TailStdout(ctx, job.ClusterJobID, stdoutTailBudget)
	}
	if !hasReader || stderrErr != nil {
		stderr, _ = cluster.TailFile(filepath.Join(job.OutputFilePath, fmt.Sprintf("slurm-%s.err", job.ClusterJobID)), stderrTailBudget)
	}
	if !hasReader || stdoutErr != nil {
		stdout, _ = cluster.TailFile(filepath.Join(job.OutputFilePath, fmt.Sprintf("slurm-%s.out", job.ClusterJobID)), stdoutTailBudget)
	}
	if stderr != "" {
		out["stderr_preview"] = cluster.LastNLines(stderr, 20)
	}
	if matches := cluster.ScanErrorLines(stdout, 10); len(matches) > 0 {
		out["relion_errors"] = matches
	}
	return out
}

// handleWatcherEvent implements spec §4.2's handoff into the orchestrator.
func (e *Engine) handleWatcherEvent(ctx context.Context, ev watcher.Event) {
	dbc := dbctx.Context{Ctx: ctx}
	if !e.reg.isRunning(ev.SessionID) {
		return
	}

	switch ev.Kind {
	case watcher.EventFilesAdded:
		total, err := e.sessions.RaiseMoviesFound(dbc, ev.SessionID, e.watcher.FileCount(ev.SessionID))
		if err != nil {
			e.log.Error("handle_watcher_event: raise movies found failed", "session_id", ev.SessionID, "error", err)
			return
		}
		sample := ev.Files
		if len(sample) > 3 {
			sample = sample[:3]
		}
		e.notifyActivity(ctx, ev.SessionID, domain.ActivityEntry{
			Event:   "new_files",
			Message: fmt.Sprintf("%d new file(s) detected", len(ev.Files)),
			Level:   domain.LevelInfo,
			Context: map[string]any{"sample": sample, "movies_found": total},
		})
		go e.RunPipelinePass(context.Background(), ev.SessionID)

	case watcher.EventNoFiles:
		session, err := e.sessions.GetByID(dbc, ev.SessionID)
		if err != nil {
			e.log.Error("handle_watcher_event: load session failed", "session_id", ev.SessionID, "error", err)
			return
		}
		if session.InputMode != domain.InputModeExisting {
			return
		}
		e.notifyActivity(ctx, ev.SessionID, domain.ActivityEntry{
			Event: "no_files_found", Message: "no files found in watch directory", Level: domain.LevelWarning,
		})
		e.completeSession(ctx, ev.SessionID)
	}
}
