package stages

import (
	"fmt"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

type CTFBuilder struct {
	Config          domain.CTFConfig
	PreviousJobName string
	Params          Params
}

func (b *CTFBuilder) Validate() error {
	if err := requirePositive("ctf.defocus_min_a", b.Config.DefocusMinA); err != nil {
		return err
	}
	if err := requirePositive("ctf.defocus_max_a", b.Config.DefocusMaxA); err != nil {
		return err
	}
	if b.Config.DefocusMaxA <= b.Config.DefocusMinA {
		return fmt.Errorf("ctf.defocus_max_a must exceed defocus_min_a")
	}
	if err := requirePositive("ctf.defocus_step_a", b.Config.DefocusStep); err != nil {
		return err
	}
	if b.PreviousJobName == "" {
		return fmt.Errorf("ctf: no upstream motion-correction job name resolved")
	}
	return nil
}

func (b *CTFBuilder) OutputDir() string { return b.Params.OutputDir }

func (b *CTFBuilder) InputJobNames() []string { return []string{b.PreviousJobName} }

func (b *CTFBuilder) BuildCommand(mpi, gpuCount, threads int) []string {
	cmd := []string{
		"relion_run_ctffind",
		"--i", inputStarPath("MotionCorr", b.PreviousJobName, "corrected_micrographs.star"),
		"--o", b.Params.OutputDir,
		"--DefocusMin", fmt.Sprintf("%v", b.Config.DefocusMinA),
		"--DefocusMax", fmt.Sprintf("%v", b.Config.DefocusMaxA),
		"--DefocusStep", fmt.Sprintf("%v", b.Config.DefocusStep),
		"--j", fmt.Sprintf("%d", threads),
	}
	if mpi > 1 {
		cmd = append(cmd, "--mpi", fmt.Sprintf("%d", mpi))
	}
	return cmd
}

func (b *CTFBuilder) SupportsGPU() bool   { return false }
func (b *CTFBuilder) SupportsMPI() bool   { return true }
func (b *CTFBuilder) PostCommand() string { return "" }
