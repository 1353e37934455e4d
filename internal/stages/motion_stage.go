package stages

import (
	"fmt"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

// MotionBuilder renders a motion-correction job. GPU mode switches
// between the GPU MotionCor2 wrapper (relion_motioncor2_gpu) and relion's
// own CPU implementation (relion_motioncor_own), per spec §4.3.
type MotionBuilder struct {
	Config          domain.MotionConfig
	PreviousJobName string
	Params          Params
}

func (b *MotionBuilder) Validate() error {
	if err := requirePositiveInt("motion.patch_x", b.Config.PatchX); err != nil {
		return err
	}
	if err := requirePositiveInt("motion.patch_y", b.Config.PatchY); err != nil {
		return err
	}
	if err := requirePositive("motion.bin_factor", b.Config.BinFactor); err != nil {
		return err
	}
	if b.Config.DoseFrame < 0 {
		return fmt.Errorf("motion.dose_per_frame must be non-negative")
	}
	if b.PreviousJobName == "" {
		return fmt.Errorf("motion: no upstream import job name resolved")
	}
	return nil
}

func (b *MotionBuilder) OutputDir() string { return b.Params.OutputDir }

func (b *MotionBuilder) InputJobNames() []string { return []string{b.PreviousJobName} }

func (b *MotionBuilder) BuildCommand(mpi, gpuCount, threads int) []string {
	tool := "relion_motioncor_own"
	if b.Config.GPU {
		tool = "relion_motioncor2_gpu"
	}
	cmd := []string{
		tool,
		"--i", inputStarPath("Import", b.PreviousJobName, "movies.star"),
		"--o", b.Params.OutputDir,
		"--patch_x", fmt.Sprintf("%d", b.Config.PatchX),
		"--patch_y", fmt.Sprintf("%d", b.Config.PatchY),
		"--dose_per_frame", fmt.Sprintf("%v", b.Config.DoseFrame),
		"--bin_factor", fmt.Sprintf("%v", b.Config.BinFactor),
		"--j", fmt.Sprintf("%d", threads),
	}
	if mpi > 1 {
		cmd = append(cmd, "--mpi", fmt.Sprintf("%d", mpi))
	}
	if b.Config.GPU {
		cmd = append(cmd, "--gpu", fmt.Sprintf("%d", gpuCount))
	}
	return cmd
}

func (b *MotionBuilder) SupportsGPU() bool   { return b.Config.GPU }
func (b *MotionBuilder) SupportsMPI() bool   { return true }
func (b *MotionBuilder) PostCommand() string { return "" }
