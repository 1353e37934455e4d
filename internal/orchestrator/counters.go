package orchestrator

import "github.com/relioncluster/pipeline-orchestrator/internal/domain"

// counterFromStats reads the single scalar counter a stage's pipeline_stats
// contribute (spec §4.1 step 5's counter-advancement table): micrograph_count
// for import/motion/ctf/pick and particle_count for extract. No other field
// is consulted, so a stage whose stats leave its field at zero yields 0.
func counterFromStats(stage domain.StageKey, stats domain.PipelineStats) int {
	switch stage {
	case domain.StageImport, domain.StageMotion, domain.StageCTF, domain.StagePick:
		return stats.MicrographCount
	case domain.StageExtract:
		return stats.ParticleCount
	default:
		return 0
	}
}

// micrographChain is the subset of the main pipeline whose counters are
// all "micrographs processed so far" in the same unit, used to detect
// spec §8 E2's count-mismatch condition. Extract is excluded: its
// counter is particles, a different unit entirely.
var micrographChain = []domain.StageKey{domain.StageImport, domain.StageMotion, domain.StageCTF, domain.StagePick}

func micrographCounter(state domain.SessionState, stage domain.StageKey) int {
	switch stage {
	case domain.StageImport:
		return state.MoviesImported
	case domain.StageMotion:
		return state.MoviesMotion
	case domain.StageCTF:
		return state.MoviesCTF
	case domain.StagePick:
		return state.MoviesPicked
	default:
		return 0
	}
}

// firstMismatchedStage walks the enabled micrograph-counting stages in
// pipeline order and returns the first one whose counter lags behind the
// nearest enabled stage before it (spec §8 E2: "Import reports
// micrograph_count=10, motion reports micrograph_count=4... re-run of
// motion"). Returns ok=false once every enabled stage has caught up.
func firstMismatchedStage(session *domain.Session) (stage domain.StageKey, gap int, ok bool) {
	enabled := map[domain.StageKey]bool{}
	for _, key := range session.EnabledStages() {
		enabled[key] = true
	}
	state := session.State.Data()
	prev := -1
	for _, key := range micrographChain {
		if !enabled[key] {
			continue
		}
		count := micrographCounter(state, key)
		if prev >= 0 && count < prev {
			return key, prev - count, true
		}
		prev = count
	}
	return "", 0, false
}

// applyStageCounter writes a stage's completion counter into the matching
// state.* field. Counters only ever move forward: a stray duplicate or
// out-of-order terminal event can never lower one.
func applyStageCounter(s *domain.SessionState, stage domain.StageKey, count int) {
	switch stage {
	case domain.StageImport:
		if count > s.MoviesImported {
			s.MoviesImported = count
		}
	case domain.StageMotion:
		if count > s.MoviesMotion {
			s.MoviesMotion = count
		}
	case domain.StageCTF:
		if count > s.MoviesCTF {
			s.MoviesCTF = count
		}
	case domain.StagePick:
		if count > s.MoviesPicked {
			s.MoviesPicked = count
		}
	case domain.StageExtract:
		if count > s.ParticlesExtracted {
			s.ParticlesExtracted = count
		}
	}
}
