package stages

import (
	"fmt"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

type PickBuilder struct {
	Config          domain.PickingConfig
	PreviousJobName string
	Params          Params
}

func (b *PickBuilder) Validate() error {
	if b.Config.UseLoG == b.Config.UseTemplate {
		return fmt.Errorf("pick: exactly one of use_log/use_template must be set")
	}
	if err := requirePositive("pick.diameter_min_a", b.Config.DiameterMin); err != nil {
		return err
	}
	if err := requirePositive("pick.diameter_max_a", b.Config.DiameterMax); err != nil {
		return err
	}
	if b.Config.DiameterMax <= b.Config.DiameterMin {
		return fmt.Errorf("pick.diameter_max_a must exceed diameter_min_a")
	}
	if b.PreviousJobName == "" {
		return fmt.Errorf("pick: no upstream CTF job name resolved")
	}
	return nil
}

func (b *PickBuilder) OutputDir() string { return b.Params.OutputDir }

func (b *PickBuilder) InputJobNames() []string { return []string{b.PreviousJobName} }

func (b *PickBuilder) BuildCommand(mpi, gpuCount, threads int) []string {
	method := "--LoG"
	if b.Config.UseTemplate {
		method = "--Topaz"
	}
	cmd := []string{
		"relion_autopick",
		"--i", inputStarPath("CtfFind", b.PreviousJobName, "micrographs_ctf.star"),
		"--o", b.Params.OutputDir,
		method,
		"--LoG_diam_min", fmt.Sprintf("%v", b.Config.DiameterMin),
		"--LoG_diam_max", fmt.Sprintf("%v", b.Config.DiameterMax),
		"--threshold", fmt.Sprintf("%v", b.Config.Threshold),
		"--j", fmt.Sprintf("%d", threads),
	}
	if mpi > 1 {
		cmd = append(cmd, "--mpi", fmt.Sprintf("%d", mpi))
	}
	return cmd
}

func (b *PickBuilder) SupportsGPU() bool   { return false }
func (b *PickBuilder) SupportsMPI() bool   { return true }
func (b *PickBuilder) PostCommand() string { return "" }
