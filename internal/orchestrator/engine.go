// Package orchestrator is the core engine described by spec §4.1: it
// advances each session through the fixed stage pipeline in response to
// watcher and cluster-driver events, persists all mutable state through
// the Session/JobRun repos, and keeps a small in-memory live registry
// per running/paused session. Grounded in shape on the teacher's
// internal/jobs/orchestrator package (Engine type, stage submission,
// stage-error handling, SaveState-style persist-then-continue style),
// restructured from a poll-and-resume DAG runner into an event-driven
// one since this domain's "jobs" are long-running external cluster
// submissions, not resumable in-process steps.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/relioncluster/pipeline-orchestrator/internal/cluster"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/jobs"
	"github.com/relioncluster/pipeline-orchestrator/internal/data/repos/sessions"
	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/notifier"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
	"github.com/relioncluster/pipeline-orchestrator/internal/watcher"
)

type Engine struct {
	log      *logger.Logger
	sessions sessions.SessionRepo
	jobs     jobs.JobRunRepo
	driver   cluster.Driver
	watcher  *watcher.Manager
	notify   notifier.Notifier
	paths    Paths

	reg *registry
}

func NewEngine(
	sessionRepo sessions.SessionRepo,
	jobRepo jobs.JobRunRepo,
	driver cluster.Driver,
	watcherManager *watcher.Manager,
	notify notifier.Notifier,
	paths Paths,
	baseLog *logger.Logger,
) *Engine {
	return &Engine{
		log:      baseLog.With("component", "Engine"),
		sessions: sessionRepo,
		jobs:     jobRepo,
		driver:   driver,
		watcher:  watcherManager,
		notify:   notify,
		paths:    paths,
		reg:      newRegistry(),
	}
}

// Run is the engine's dispatch loop over its two event sources: watcher
// file events and cluster status-change events. It blocks until ctx is
// cancelled or either source's channel is closed.
func (e *Engine) Run(ctx context.Context) {
	statusCh := e.driver.Subscribe(ctx)
	fileCh := e.watcher.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-statusCh:
			if !ok {
				return
			}
			e.handleStatusChange(ctx, ev)
		case ev, ok := <-fileCh:
			if !ok {
				return
			}
			e.handleWatcherEvent(ctx, ev)
		}
	}
}

// Start implements spec §4.1 start(). Returns after persistence, before
// the first pipeline pass completes.
func (e *Engine) Start(ctx context.Context, sessionID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	session, err := e.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return fmt.Errorf("start: load session: %w", err)
	}
	if session.Status == domain.SessionStopped || session.Status == domain.SessionCompleted {
		return fmt.Errorf("start: session %s is %s, cannot start", sessionID, session.Status)
	}

	if err := e.ensureSymlink(session); err != nil {
		return fmt.Errorf("start: create project symlink: %w", err)
	}

	now := time.Now().UTC()
	if err := e.sessions.UpdateFields(dbc, sessionID, map[string]interface{}{
		"status":     domain.SessionRunning,
		"start_time": &now,
	}); err != nil {
		return fmt.Errorf("start: persist session: %w", err)
	}
	if err := e.sessions.MutateState(dbc, sessionID, func(s *domain.SessionState) {
		s.CurrentStage = "starting"
	}); err != nil {
		return fmt.Errorf("start: persist state: %w", err)
	}
	e.reg.register(sessionID)

	if err := e.watcher.Start(sessionID, session.WatchDirectory, session.FilePattern, session.InputMode); err != nil {
		return fmt.Errorf("start: start watcher: %w", err)
	}

	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
		Event:   "session_started",
		Message: "session started",
		Level:   domain.LevelInfo,
	})
	return nil
}

// Pause implements spec §4.1 pause(). Cooperative: in-flight cluster
// jobs keep running and their completions still land.
func (e *Engine) Pause(ctx context.Context, sessionID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	if err := e.sessions.UpdateFields(dbc, sessionID, map[string]interface{}{
		"status": domain.SessionPaused,
	}); err != nil {
		return fmt.Errorf("pause: persist session: %w", err)
	}
	e.reg.setRunning(sessionID, false)
	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
		Event: "session_paused", Message: "session paused", Level: domain.LevelInfo,
	})
	return nil
}

// Resume implements spec §4.1 resume().
func (e *Engine) Resume(ctx context.Context, sessionID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	session, err := e.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return fmt.Errorf("resume: load session: %w", err)
	}
	if session.Status != domain.SessionPaused {
		return fmt.Errorf("resume: session %s is %s, not paused", sessionID, session.Status)
	}

	if err := e.sessions.UpdateFields(dbc, sessionID, map[string]interface{}{
		"status": domain.SessionRunning,
	}); err != nil {
		return fmt.Errorf("resume: persist session: %w", err)
	}
	e.reg.setRunning(sessionID, true)

	if session.InputMode == domain.InputModeWatch && !e.watcher.IsActive(sessionID) {
		if err := e.watcher.Start(sessionID, session.WatchDirectory, session.FilePattern, session.InputMode); err != nil {
			e.log.Warn("resume: failed to restart watcher", "session_id", sessionID, "error", err)
		}
	}

	resumeFrom := session.State.Data().ResumeFrom
	if resumeFrom != "" {
		// resume_from is cleared only once SubmitStage's driver.Submit call
		// actually succeeds (spec §4.1 E5), never here: a crash between
		// acquiring busy and that submit must still find the right stage
		// to resume into on the next boot.
		if e.reg.tryAcquireBusy(sessionID) {
			stage := domain.StageKey(resumeFrom)
			go e.SubmitStage(context.Background(), sessionID, stage)
		}
		return nil
	}

	go e.RunPipelinePass(context.Background(), sessionID)
	return nil
}

// Stop implements spec §4.1 stop(): hard cancellation of the watcher and
// every live job, removal of the project symlink.
func (e *Engine) Stop(ctx context.Context, sessionID uuid.UUID) error {
	dbc := dbctx.Context{Ctx: ctx}
	session, err := e.sessions.GetByID(dbc, sessionID)
	if err != nil {
		return fmt.Errorf("stop: load session: %w", err)
	}

	e.watcher.Stop(sessionID)
	e.reg.remove(sessionID)

	live, err := e.jobs.ListLiveForSession(dbc, sessionID)
	if err != nil {
		return fmt.Errorf("stop: list live jobs: %w", err)
	}
	cancelled := make([]string, 0, len(live))
	for _, job := range live {
		if job.ClusterJobID != "" {
			if err := e.driver.Cancel(ctx, job.ClusterJobID); err != nil {
				e.log.Warn("stop: best-effort cancel failed", "cluster_job_id", job.ClusterJobID, "error", err)
			}
		}
		now := time.Now().UTC()
		if err := e.jobs.UpdateFields(dbc, job.ID, map[string]interface{}{
			"status":   domain.JobCancelled,
			"end_time": &now,
		}); err != nil {
			e.log.Warn("stop: failed to mark job cancelled", "job_id", job.ID, "error", err)
			continue
		}
		cancelled = append(cancelled, job.JobName)
	}

	if err := os.Remove(e.paths.SymlinkPath(session.ProjectID)); err != nil && !os.IsNotExist(err) {
		e.log.Warn("stop: failed to remove project symlink", "session_id", sessionID, "error", err)
	}

	now := time.Now().UTC()
	if err := e.sessions.UpdateFields(dbc, sessionID, map[string]interface{}{
		"status":   domain.SessionStopped,
		"end_time": &now,
	}); err != nil {
		return fmt.Errorf("stop: persist session: %w", err)
	}

	state := session.State.Data()
	e.notifyActivity(ctx, sessionID, domain.ActivityEntry{
		Event:   "session_stopped",
		Message: "session stopped",
		Level:   domain.LevelInfo,
		Context: map[string]any{
			"movies_found":        state.MoviesFound,
			"particles_extracted": state.ParticlesExtracted,
			"cancelled_jobs":      cancelled,
		},
	})
	return nil
}

// resumeRestartFanOut bounds how many sessions are recovered concurrently
// at boot: each one cancels orphaned jobs and restarts its watcher, work
// independent across sessions but still worth capping against the
// cluster driver and the watch directories all being touched at once.
const resumeRestartFanOut = 8

// ResumeRunningAfterRestart implements spec §4.1
// resume_running_after_restart(), invoked once at process boot. Each
// session's recovery is independent, so they fan out concurrently
// instead of serializing boot time behind however many sessions were
// left running.
func (e *Engine) ResumeRunningAfterRestart(ctx context.Context) error {
	dbc := dbctx.Context{Ctx: ctx}
	running, err := e.sessions.ListByStatus(dbc, domain.SessionRunning)
	if err != nil {
		return fmt.Errorf("resume_running_after_restart: list running sessions: %w", err)
	}

	var g errgroup.Group
	g.SetLimit(resumeRestartFanOut)
	for _, session := range running {
		session := session
		g.Go(func() error {
			e.resumeOneAfterRestart(ctx, session)
			return nil
		})
	}
	return g.Wait()
}

func (e *Engine) resumeOneAfterRestart(ctx context.Context, session *domain.Session) {
	dbc := dbctx.Context{Ctx: ctx}
	live, err := e.jobs.ListLiveForSession(dbc, session.ID)
	if err != nil {
		e.log.Error("resume_running_after_restart: list live jobs failed", "session_id", session.ID, "error", err)
	}
	for _, job := range live {
		if job.ClusterJobID != "" {
			if err := e.driver.Cancel(ctx, job.ClusterJobID); err != nil {
				e.log.Warn("resume_running_after_restart: cancel orphaned job failed", "job_id", job.ID, "error", err)
			}
		}
		now := time.Now().UTC()
		_ = e.jobs.UpdateFields(dbc, job.ID, map[string]interface{}{
			"status":   domain.JobCancelled,
			"end_time": &now,
		})
	}

	if err := e.Start(ctx, session.ID); err != nil {
		e.log.Error("resume_running_after_restart: start failed, demoting to paused", "session_id", session.ID, "error", err)
		_ = e.sessions.UpdateFields(dbc, session.ID, map[string]interface{}{"status": domain.SessionPaused})
		_ = e.sessions.MutateState(dbc, session.ID, func(s *domain.SessionState) {
			s.ResumeFrom = string(domain.StageImport)
		})
	}
}

func (e *Engine) ensureSymlink(session *domain.Session) error {
	projectDir := e.paths.ProjectDir(session.ProjectID)
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return err
	}
	link := e.paths.SymlinkPath(session.ProjectID)
	if existing, err := os.Lstat(link); err == nil {
		if existing.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		return fmt.Errorf("path %s exists and is not a symlink", link)
	}
	return os.Symlink(session.WatchDirectory, link)
}

// Health is the live registry's read-only view of a session, backing
// the supplemented GET /sessions/:id/health endpoint.
type Health struct {
	Tracked bool
	Running bool
	Busy    bool
}

func (e *Engine) Health(sessionID uuid.UUID) Health {
	entry, tracked := e.reg.snapshot(sessionID)
	if !tracked {
		return Health{}
	}
	return Health{Tracked: true, Running: entry.running, Busy: entry.busy}
}

func (e *Engine) notifyActivity(ctx context.Context, sessionID uuid.UUID, entry domain.ActivityEntry) {
	if err := e.notify.Notify(ctx, sessionID, entry); err != nil {
		e.log.Debug("notify failed", "session_id", sessionID, "error", err)
	}
}
