package orchestrator

import (
	"context"
	"fmt"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/dbctx"
	"github.com/relioncluster/pipeline-orchestrator/internal/stages"
)

// prevEnabledStage walks the main pipeline order backwards from stage,
// returning the nearest enabled stage before it, or "" for Import.
func prevEnabledStage(session *domain.Session, stage domain.StageKey) domain.StageKey {
	enabled := map[domain.StageKey]bool{}
	for _, key := range session.EnabledStages() {
		enabled[key] = true
	}
	idx := -1
	for i, key := range domain.StageOrder {
		if key == stage {
			idx = i
			break
		}
	}
	for i := idx - 1; i >= 0; i-- {
		if enabled[domain.StageOrder[i]] {
			return domain.StageOrder[i]
		}
	}
	return ""
}

func (e *Engine) jobNameForStage(ctx context.Context, session *domain.Session, stage domain.StageKey) (string, error) {
	id := session.Jobs.Data().Get(stage)
	if id == nil {
		return "", fmt.Errorf("no job recorded yet for stage %s", stage)
	}
	job, err := e.jobs.GetByID(dbctx.Context{Ctx: ctx}, *id)
	if err != nil {
		return "", fmt.Errorf("load job for stage %s: %w", stage, err)
	}
	return job.JobName, nil
}

// buildStageBuilder constructs and returns the Builder for stage, with
// the upstream job name it resolved (if any) set on the builder, mirroring
// spec §4.3's input-chaining rule.
func (e *Engine) buildStageBuilder(ctx context.Context, session *domain.Session, stage domain.StageKey, jobName string) (stages.Builder, error) {
	outputDir := e.paths.StageOutputDir(session.ProjectID, stage, jobName)
	params := stages.Params{JobName: jobName, OutputDir: outputDir}

	switch stage {
	case domain.StageImport:
		return &stages.ImportBuilder{
			WatchDirectory: session.WatchDirectory,
			FilePattern:    session.FilePattern,
			Optics:         session.Optics.Data(),
			Params:         params,
		}, nil

	case domain.StageMotion:
		prev, err := e.jobNameForStage(ctx, session, prevEnabledStage(session, stage))
		if err != nil {
			return nil, err
		}
		params.PreviousJobName = prev
		return &stages.MotionBuilder{Config: session.MotionConfig.Data(), PreviousJobName: prev, Params: params}, nil

	case domain.StageCTF:
		prev, err := e.jobNameForStage(ctx, session, prevEnabledStage(session, stage))
		if err != nil {
			return nil, err
		}
		params.PreviousJobName = prev
		return &stages.CTFBuilder{Config: session.CTFConfig.Data(), PreviousJobName: prev, Params: params}, nil

	case domain.StagePick:
		prev, err := e.jobNameForStage(ctx, session, prevEnabledStage(session, stage))
		if err != nil {
			return nil, err
		}
		params.PreviousJobName = prev
		return &stages.PickBuilder{Config: session.PickingConfig.Data(), PreviousJobName: prev, Params: params}, nil

	case domain.StageExtract:
		prev, err := e.jobNameForStage(ctx, session, prevEnabledStage(session, stage))
		if err != nil {
			return nil, err
		}
		params.PreviousJobName = prev
		return &stages.ExtractBuilder{Config: session.ExtractionConfig.Data(), PreviousJobName: prev, Params: params}, nil

	case domain.StageClass2D:
		prev, err := e.jobNameForStage(ctx, session, domain.StageExtract)
		if err != nil {
			return nil, err
		}
		params.PreviousJobName = prev
		cfg := session.Class2DConfig.Data()
		if cfg.Iterations <= 0 {
			cfg.Iterations = stages.DefaultClass2DIterations(cfg.FastVariant)
		}
		return &stages.Class2DBuilder{Config: cfg, PreviousJobName: prev, Params: params}, nil

	default:
		return nil, fmt.Errorf("unknown stage key %q", stage)
	}
}

// resolveMPIForStage applies spec §4.3's auto-MPI policy, reading the
// operator's per-stage configured value off the session.
func resolveMPIForStage(session *domain.Session, stage domain.StageKey) int {
	var operatorValue int
	switch stage {
	case domain.StageMotion:
		operatorValue = session.MotionConfig.Data().MPI
	case domain.StageCTF:
		operatorValue = session.CTFConfig.Data().MPI
	case domain.StagePick:
		operatorValue = session.PickingConfig.Data().MPI
	case domain.StageExtract:
		operatorValue = session.ExtractionConfig.Data().MPI
	case domain.StageClass2D:
		cfg := session.Class2DConfig.Data()
		if cfg.FastVariant {
			// spec §4.4: the fast variant forces MPI to 1 regardless of
			// any operator override.
			return 1
		}
		operatorValue = cfg.MPI
	}
	return stages.ResolveMPI(stage, operatorValue)
}
