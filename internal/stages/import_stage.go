package stages

import (
	"fmt"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
)

// ImportBuilder renders relion_import's command line. Import has no
// upstream job: its input is the watcher's accumulated file set, passed
// in as a glob against the watch directory.
type ImportBuilder struct {
	WatchDirectory string
	FilePattern    string
	Optics         domain.OpticsConfig
	Params         Params
}

func (b *ImportBuilder) Validate() error {
	if b.WatchDirectory == "" {
		return fmt.Errorf("import: watch directory is required")
	}
	if b.FilePattern == "" {
		return fmt.Errorf("import: file pattern is required")
	}
	if err := requirePositive("optics.pixel_size_a", b.Optics.PixelSizeA); err != nil {
		return err
	}
	if err := requirePositive("optics.voltage_kv", b.Optics.VoltageKV); err != nil {
		return err
	}
	return nil
}

func (b *ImportBuilder) OutputDir() string { return b.Params.OutputDir }

func (b *ImportBuilder) InputJobNames() []string { return nil }

func (b *ImportBuilder) BuildCommand(mpi, gpuCount, threads int) []string {
	return []string{
		"relion_import",
		"--i", fmt.Sprintf("%s/%s", b.WatchDirectory, b.FilePattern),
		"--odir", b.Params.OutputDir,
		"--ofile", "movies.star",
		"--kV", fmt.Sprintf("%v", b.Optics.VoltageKV),
		"--Cs", fmt.Sprintf("%v", b.Optics.SphericalAberr),
		"--Q0", fmt.Sprintf("%v", b.Optics.AmplitudeContr),
		"--angpix", fmt.Sprintf("%v", b.Optics.PixelSizeA),
		"--j", fmt.Sprintf("%d", threads),
	}
}

func (b *ImportBuilder) SupportsGPU() bool { return false }
func (b *ImportBuilder) SupportsMPI() bool { return false }
func (b *ImportBuilder) PostCommand() string { return "" }
