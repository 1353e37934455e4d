// Package cluster defines the orchestrator's view of the external compute
// cluster scheduler. The scheduler itself (Slurm, or any batch scheduler)
// is an external collaborator per spec §1; this package only fixes the
// contract the orchestrator programs against (spec §6).
package cluster

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SubmitSpec is everything the driver needs to launch one stage's job.
type SubmitSpec struct {
	Command       []string
	JobID         uuid.UUID
	JobName       string
	Stage         string
	ProjectPath   string
	OutputDir     string
	Partition     string
	MPI           int
	Threads       int
	GPUCount      int
	PostCommand   string
}

// SubmitResult is the driver's response to a submission attempt.
type SubmitResult struct {
	Success      bool
	ClusterJobID string
	Error        string
}

// JobDetails is queried only for error enrichment (spec §4.1 step 5); the
// orchestrator never polls it for routine progress.
type JobDetails struct {
	State    string
	ExitCode int
	Elapsed  time.Duration
}

// StatusChange is emitted by the driver whenever a submitted job makes a
// terminal transition. Cancellation is surfaced separately and is not a
// StatusChange.
type StatusChange struct {
	ClusterJobID string
	ProjectID    uuid.UUID
	OldStatus    string
	NewStatus    string // "success" | "failed"
}

// Driver is the orchestrator's sole integration point with the scheduler.
// Implementations MUST deliver terminal transitions at-least-once (spec §6).
type Driver interface {
	Submit(ctx context.Context, spec SubmitSpec) (SubmitResult, error)
	Cancel(ctx context.Context, clusterJobID string) error
	GetJobDetails(ctx context.Context, clusterJobID string) (JobDetails, error)
	// Subscribe returns a channel of terminal status-change events. The
	// channel is closed when ctx is cancelled.
	Subscribe(ctx context.Context) <-chan StatusChange
}

// StderrStdoutReader bounds how much of a job's captured output the driver
// will hand back, so error enrichment never loads an unbounded log file
// into memory (spec §4.1 step 5, §9 design note, §8 property 11).
type StderrStdoutReader interface {
	TailStderr(ctx context.Context, clusterJobID string, budgetBytes int64) (string, error)
	TailStdout(ctx context.Context, clusterJobID string, budgetBytes int64) (string, error)
}
