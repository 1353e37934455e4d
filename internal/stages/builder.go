// Package stages turns a session's per-stage configuration into a
// validated, renderable command line for the cluster driver. One file
// per stage kind implements the shared Builder interface, mirroring the
// teacher's one-package-per-pipeline-stage layout under its own
// jobs/pipeline tree, generalized from LLM tool invocations to Relion
// cluster tool invocations.
package stages

import "fmt"

// Params is the context a Builder needs to render its command: names are
// resolved by the orchestrator (project-unique job naming, previous-stage
// lookup) before the builder ever sees them.
type Params struct {
	JobName         string // this stage's own job name, e.g. "job003"
	PreviousJobName string // empty for Import, which has no upstream job
	OutputDir       string // "<Stage>/<JobName>/"
}

// Builder is implemented once per stage kind (import, motion, ctf, pick,
// extract, class2d). Validate must run before BuildCommand so invalid
// configuration never reaches the cluster driver (spec §4.1 step 3).
type Builder interface {
	Validate() error
	OutputDir() string
	// InputJobNames names the upstream jobs this stage consumes, in the
	// order the orchestrator should resolve them to ids. Import returns
	// nil: its input is the watched directory, not a prior job.
	InputJobNames() []string
	BuildCommand(mpi, gpuCount, threads int) []string
	SupportsGPU() bool
	SupportsMPI() bool
	// PostCommand is a shell fragment run after the main tool invocation
	// completes successfully (e.g. a RELION "node export" step); empty
	// when the stage needs none.
	PostCommand() string
}

func inputStarPath(stageDirName, previousJobName, file string) string {
	return fmt.Sprintf("%s/%s/%s", stageDirName, previousJobName, file)
}

func requirePositive(name string, v float64) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %v", name, v)
	}
	return nil
}

func requirePositiveInt(name string, v int) error {
	if v <= 0 {
		return fmt.Errorf("%s must be positive, got %d", name, v)
	}
	return nil
}
