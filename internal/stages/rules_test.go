package stages_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relioncluster/pipeline-orchestrator/internal/domain"
	"github.com/relioncluster/pipeline-orchestrator/internal/stages"
)

func TestResolveMPI_OperatorOverrideWins(t *testing.T) {
	assert.Equal(t, 8, stages.ResolveMPI(domain.StageMotion, 8))
}

func TestResolveMPI_DefaultsPerStage(t *testing.T) {
	assert.Equal(t, 1, stages.ResolveMPI(domain.StageImport, 1))
	assert.Equal(t, 4, stages.ResolveMPI(domain.StageMotion, 1))
	assert.Equal(t, 4, stages.ResolveMPI(domain.StageCTF, 0))
	assert.Equal(t, 1, stages.ResolveMPI(domain.StageClass2D, 1))
}

func TestResolveGPUCount(t *testing.T) {
	gpuBuilder := &stages.MotionBuilder{Config: domain.MotionConfig{GPU: true}}
	cpuBuilder := &stages.MotionBuilder{Config: domain.MotionConfig{GPU: false}}

	assert.Equal(t, 0, stages.ResolveGPUCount(cpuBuilder, 3))
	assert.Equal(t, 1, stages.ResolveGPUCount(gpuBuilder, 0))
	assert.Equal(t, 3, stages.ResolveGPUCount(gpuBuilder, 3))
}

func TestDerivePixelSize(t *testing.T) {
	raw := 1.0
	bin := 2.0

	assert.Equal(t, 1.0, stages.DerivePixelSize(domain.StageImport, raw, bin, 0, 0, false))
	assert.Equal(t, 2.0, stages.DerivePixelSize(domain.StageMotion, raw, bin, 0, 0, false))
	assert.Equal(t, 2.0, stages.DerivePixelSize(domain.StageExtract, raw, bin, 256, 256, true))
	assert.Equal(t, 4.0, stages.DerivePixelSize(domain.StageExtract, raw, bin, 256, 128, true))
	assert.Equal(t, 2.0, stages.DerivePixelSize(domain.StageExtract, raw, bin, 256, 128, false))
}

func TestClass2DShouldFire(t *testing.T) {
	assert.False(t, stages.Class2DShouldFire(100, 500, nil, 0, 1000))
	assert.True(t, stages.Class2DShouldFire(500, 500, nil, 0, 1000))

	last := int64(1000)
	assert.False(t, stages.Class2DShouldFire(500, 500, &last, 1500, 1000))
	assert.True(t, stages.Class2DShouldFire(500, 500, &last, 3000, 1000))
}

func TestPickBuilder_ValidateRejectsBothMethods(t *testing.T) {
	b := &stages.PickBuilder{
		Config: domain.PickingConfig{
			UseLoG:      true,
			UseTemplate: true,
			DiameterMin: 100,
			DiameterMax: 200,
		},
		PreviousJobName: "job002",
	}
	require.Error(t, b.Validate())
}

func TestExtractBuilder_RescaleRequiresSmallerSize(t *testing.T) {
	b := &stages.ExtractBuilder{
		Config: domain.ExtractionConfig{
			BoxSize:      256,
			Rescale:      true,
			RescaledSize: 256,
		},
		PreviousJobName: "job003",
	}
	require.Error(t, b.Validate())
}

func TestClass2DBuilder_BuildCommandOmitsMPIForFastVariant(t *testing.T) {
	b := &stages.Class2DBuilder{
		Config: domain.Class2DConfig{
			NumClasses:        50,
			Iterations:        20,
			ParticleThreshold: 1000,
			FastVariant:       true,
		},
		PreviousJobName: "job004",
		Params:          stages.Params{JobName: "job005", OutputDir: "Class2D/job005"},
	}
	require.NoError(t, b.Validate())
	cmd := b.BuildCommand(4, 1, 8)
	assert.Contains(t, cmd, "--fast_subsets")
	assert.NotContains(t, cmd, "--mpi")
}
