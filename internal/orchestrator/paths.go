package orchestrator

import (
	"path/filepath"

	"github.com/google/uuid"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

// Paths resolves the on-disk project layout. One directory per project
// holds a symlink to the session's watch directory plus one
// subdirectory per pipeline stage, matching RELION's own "job type
// directory / job name directory" convention.
type Paths struct {
	BaseDir string
}

func (p Paths) ProjectDir(projectID uuid.UUID) string {
	return filepath.Join(p.BaseDir, projectID.String())
}

// SymlinkPath is the stable, project-relative path downstream tools use
// in place of the session's absolute watch directory (spec §4.1 step 1).
func (p Paths) SymlinkPath(projectID uuid.UUID) string {
	return filepath.Join(p.ProjectDir(projectID), "Movies")
}

// stageDirName maps a stage key to the RELION job-type directory name
// every Builder's input/output paths are rooted under.
func stageDirName(stage domain.StageKey) string {
	switch stage {
	case domain.StageImport:
		return "Import"
	case domain.StageMotion:
		return "MotionCorr"
	case domain.StageCTF:
		return "CtfFind"
	case domain.StagePick:
		return "AutoPick"
	case domain.StageExtract:
		return "Extract"
	case domain.StageClass2D:
		return "Class2D"
	default:
		return string(stage)
	}
}

func (p Paths) StageOutputDir(projectID uuid.UUID, stage domain.StageKey, jobName string) string {
	return filepath.Join(stageDirName(stage), jobName)
}
