package stages

import (
	"fmt"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

// Class2DBuilder renders a 2D classification batch job. Unlike the main
// pipeline stages, each firing is a brand-new job: there is no re-run
// path, so Class2DBuilder never reuses an output directory across calls.
type Class2DBuilder struct {
	Config          domain.Class2DConfig
	PreviousJobName string // the extraction job feeding particles in
	Params          Params
}

func (b *Class2DBuilder) Validate() error {
	if err := requirePositiveInt("class2d.num_classes", b.Config.NumClasses); err != nil {
		return err
	}
	if err := requirePositiveInt("class2d.iterations", b.Config.Iterations); err != nil {
		return err
	}
	if err := requirePositiveInt("class2d.particle_threshold", b.Config.ParticleThreshold); err != nil {
		return err
	}
	if b.PreviousJobName == "" {
		return fmt.Errorf("class2d: no upstream extraction job name resolved")
	}
	return nil
}

func (b *Class2DBuilder) OutputDir() string { return b.Params.OutputDir }

func (b *Class2DBuilder) InputJobNames() []string { return []string{b.PreviousJobName} }

func (b *Class2DBuilder) BuildCommand(mpi, gpuCount, threads int) []string {
	tool := "relion_refine"
	cmd := []string{
		tool,
		"--i", inputStarPath("Extract", b.PreviousJobName, "particles.star"),
		"--o", b.Params.OutputDir + "/run",
		"--K", fmt.Sprintf("%d", b.Config.NumClasses),
		"--iter", fmt.Sprintf("%d", b.Config.Iterations),
		"--j", fmt.Sprintf("%d", threads),
	}
	if b.Config.FastVariant {
		cmd = append(cmd, "--fast_subsets")
	} else if mpi > 1 {
		cmd = append(cmd, "--mpi", fmt.Sprintf("%d", mpi))
	}
	if gpuCount > 0 {
		cmd = append(cmd, "--gpu", fmt.Sprintf("%d", gpuCount))
	}
	return cmd
}

func (b *Class2DBuilder) SupportsGPU() bool { return true }

// SupportsMPI is false for the fast variant (spec §4.4): Class2DBuilder
// alone can't express that since it varies with config, so ResolveMPI's
// caller must special-case class2d's fast flag before calling BuildCommand.
func (b *Class2DBuilder) SupportsMPI() bool   { return !b.Config.FastVariant }
func (b *Class2DBuilder) PostCommand() string { return "" }
