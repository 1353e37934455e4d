package orchestrator

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/stages"
)

// stageOutputStarFile names the STAR file a stage writes in its own
// output directory, matching the filenames the next stage's Builder
// already reads back via inputStarPath (stages/*_stage.go).
func stageOutputStarFile(stage domain.StageKey) string {
	switch stage {
	case domain.StageImport:
		return "movies.star"
	case domain.StageMotion:
		return "corrected_micrographs.star"
	case domain.StageCTF:
		return "micrographs_ctf.star"
	case domain.StagePick:
		return "coords_suffix_autopick.star"
	case domain.StageExtract:
		return "particles.star"
	default:
		return ""
	}
}

// collectStageStats counts a completed stage's output STAR file rows and
// fills in the micrograph/particle counter pipeline_stats carries (spec
// §3's job.pipeline_stats, §4.1 step 5's "map pipeline stats"), plus the
// stage's derived pixel size (spec §4.3's pixel-size tracking table).
// Returns a zero PipelineStats, not an error, when the file can't be
// read: a missing or malformed output file should not fail an otherwise
// successful stage completion.
func collectStageStats(stage domain.StageKey, outputDirAbs string, session *domain.Session) domain.PipelineStats {
	optics := session.Optics.Data()
	motion := session.MotionConfig.Data()
	extract := session.ExtractionConfig.Data()
	pixelSize := stages.DerivePixelSize(stage, optics.PixelSizeA, motion.BinFactor, extract.BoxSize, extract.RescaledSize, extract.Rescale)

	name := stageOutputStarFile(stage)
	if name == "" {
		return domain.PipelineStats{PixelSizeA: pixelSize}
	}
	count, err := countStarDataRows(filepath.Join(outputDirAbs, name))
	if err != nil {
		return domain.PipelineStats{PixelSizeA: pixelSize}
	}
	switch stage {
	case domain.StageExtract:
		return domain.PipelineStats{PixelSizeA: pixelSize, ParticleCount: count}
	default:
		return domain.PipelineStats{PixelSizeA: pixelSize, MicrographCount: count}
	}
}

// countStarDataRows counts the data rows of a RELION-style STAR file's
// single loop_ block: the lines after the last "_rln*" column header,
// up to the next blank line or "#"/"data_" boundary.
func countStarDataRows(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	inLoop := false
	inHeader := false
	count := 0
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "loop_":
			inLoop = true
			inHeader = true
		case !inLoop:
			continue
		case strings.HasPrefix(line, "_rln"):
			inHeader = true
		case line == "":
			if inHeader {
				continue
			}
			inLoop = false
		case strings.HasPrefix(line, "#"), strings.HasPrefix(line, "data_"):
			inLoop = false
		default:
			inHeader = false
			count++
		}
	}
	return count, scanner.Err()
}
