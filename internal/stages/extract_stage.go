package stages

import (
	"fmt"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

type ExtractBuilder struct {
	Config          domain.ExtractionConfig
	PreviousJobName string
	Params          Params
}

func (b *ExtractBuilder) Validate() error {
	if err := requirePositiveInt("extract.box_size", b.Config.BoxSize); err != nil {
		return err
	}
	if b.Config.Rescale {
		if err := requirePositiveInt("extract.rescaled_size", b.Config.RescaledSize); err != nil {
			return err
		}
		if b.Config.RescaledSize >= b.Config.BoxSize {
			return fmt.Errorf("extract.rescaled_size must be smaller than box_size when rescaling")
		}
	}
	if b.PreviousJobName == "" {
		return fmt.Errorf("extract: no upstream auto-picking job name resolved")
	}
	return nil
}

func (b *ExtractBuilder) OutputDir() string { return b.Params.OutputDir }

func (b *ExtractBuilder) InputJobNames() []string { return []string{b.PreviousJobName} }

func (b *ExtractBuilder) BuildCommand(mpi, gpuCount, threads int) []string {
	cmd := []string{
		"relion_extract_particles",
		"--i", inputStarPath("AutoPick", b.PreviousJobName, "coords_suffix_autopick.star"),
		"--o", b.Params.OutputDir,
		"--extract_size", fmt.Sprintf("%d", b.Config.BoxSize),
		"--j", fmt.Sprintf("%d", threads),
	}
	if b.Config.Rescale {
		cmd = append(cmd, "--rescale", fmt.Sprintf("%d", b.Config.RescaledSize))
	}
	if b.Config.Normalize {
		cmd = append(cmd, "--norm")
	}
	if b.Config.InvertContrast {
		cmd = append(cmd, "--invert_contrast")
	}
	if mpi > 1 {
		cmd = append(cmd, "--mpi", fmt.Sprintf("%d", mpi))
	}
	return cmd
}

func (b *ExtractBuilder) SupportsGPU() bool   { return false }
func (b *ExtractBuilder) SupportsMPI() bool   { return true }
func (b *ExtractBuilder) PostCommand() string { return "" }
