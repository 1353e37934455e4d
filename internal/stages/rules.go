package stages

import "github.com/relioncluster/pipeline-orchestrator/internal/domain"

// DefaultMPI implements spec §4.3's auto MPI policy: used whenever the
// operator leaves a stage config's mpi setting at 0 or 1 (see ResolveMPI).
func DefaultMPI(stage domain.StageKey) int {
	switch stage {
	case domain.StageImport:
		return 1
	case domain.StageMotion, domain.StageCTF, domain.StagePick, domain.StageExtract:
		return 4
	case domain.StageClass2D:
		return 1 // the fast variant does not support MPI
	default:
		return 1
	}
}

// ResolveMPI applies the operator override rule: any value greater than
// one wins outright, otherwise fall back to the per-stage default.
func ResolveMPI(stage domain.StageKey, operatorValue int) int {
	if operatorValue > 1 {
		return operatorValue
	}
	return DefaultMPI(stage)
}

// ResolveGPUCount implements spec §4.3's GPU allocation rule.
func ResolveGPUCount(b Builder, configuredGPUCount int) int {
	if !b.SupportsGPU() {
		return 0
	}
	if configuredGPUCount > 0 {
		return configuredGPUCount
	}
	return 1
}

// DerivePixelSize implements spec §4.3's pixel-size tracking table.
// stage is the stage whose output pixel size is being computed.
func DerivePixelSize(stage domain.StageKey, rawPixelSize, binFactor float64, boxSize, rescaledSize int, rescale bool) float64 {
	switch stage {
	case domain.StageImport:
		return rawPixelSize
	case domain.StageMotion, domain.StageCTF, domain.StagePick:
		return rawPixelSize * binFactor
	case domain.StageExtract, domain.StageClass2D:
		motionPixelSize := rawPixelSize * binFactor
		if rescale && rescaledSize > 0 && boxSize > 0 {
			return motionPixelSize * (float64(boxSize) / float64(rescaledSize))
		}
		return motionPixelSize
	default:
		return rawPixelSize
	}
}

// DefaultClass2DIterations implements spec §4.4: when the operator
// leaves iterations unset, the fast variant's default iteration count
// is higher than the slow variant's (the fast variant does less work
// per iteration, so it needs more of them to converge).
func DefaultClass2DIterations(fastVariant bool) int {
	if fastVariant {
		return 200
	}
	return 25
}

// Class2DShouldFire implements spec §4.4's trigger predicate.
func Class2DShouldFire(particlesExtracted, particleThreshold int, lastBatch2D *int64, nowUnixMillis, batchIntervalMS int64) bool {
	if particlesExtracted < particleThreshold {
		return false
	}
	if lastBatch2D == nil {
		return true
	}
	return nowUnixMillis-*lastBatch2D > batchIntervalMS
}
