// Package clustertest provides an in-memory cluster.Driver for exercising
// the orchestrator without a real scheduler, grounded on the teacher's
// pattern of small in-memory fakes behind the same interface as the real
// integration (e.g. internal/jobs/orchestrator.ChildEnqueuer in tests).
package clustertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/relioncluster/pipeline-orchestrator/internal/cluster"
)

// FakeDriver is a deterministic, in-process cluster.Driver double. Tests
// drive job completion explicitly via Succeed/Fail instead of waiting on
// a real scheduler.
type FakeDriver struct {
	mu       sync.Mutex
	jobs     map[string]*fakeJob
	nextID   int
	events   chan cluster.StatusChange
	stderr   map[string]string
	stdout   map[string]string
}

type fakeJob struct {
	spec      cluster.SubmitSpec
	projectID uuid.UUID
	status    string
	cancelled bool
}

func New() *FakeDriver {
	return &FakeDriver{
		jobs:   map[string]*fakeJob{},
		events: make(chan cluster.StatusChange, 64),
		stderr: map[string]string{},
		stdout: map[string]string{},
	}
}

// SubmitWithProject is like Submit but lets tests attach a project id to
// the synthetic job, since real SubmitSpec has no project field (jobs
// submitted through Submit report uuid.Nil as their project id).
func (d *FakeDriver) SubmitWithProject(projectID uuid.UUID, spec cluster.SubmitSpec) (cluster.SubmitResult, error) {
	return d.submit(projectID, spec)
}

func (d *FakeDriver) Submit(_ context.Context, spec cluster.SubmitSpec) (cluster.SubmitResult, error) {
	return d.submit(uuid.Nil, spec)
}

func (d *FakeDriver) submit(projectID uuid.UUID, spec cluster.SubmitSpec) (cluster.SubmitResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := fmt.Sprintf("fake-%d", d.nextID)
	d.jobs[id] = &fakeJob{spec: spec, projectID: projectID, status: "running"}
	return cluster.SubmitResult{Success: true, ClusterJobID: id}, nil
}

func (d *FakeDriver) Cancel(_ context.Context, clusterJobID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if j, ok := d.jobs[clusterJobID]; ok {
		j.cancelled = true
	}
	return nil
}

func (d *FakeDriver) GetJobDetails(_ context.Context, clusterJobID string) (cluster.JobDetails, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	j, ok := d.jobs[clusterJobID]
	if !ok {
		return cluster.JobDetails{}, fmt.Errorf("unknown cluster job %q", clusterJobID)
	}
	exit := 0
	if j.status == "failed" {
		exit = 139
	}
	return cluster.JobDetails{State: j.status, ExitCode: exit}, nil
}

func (d *FakeDriver) Subscribe(ctx context.Context) <-chan cluster.StatusChange {
	go func() {
		<-ctx.Done()
		close(d.events)
	}()
	return d.events
}

// SetOutput preloads the stderr/stdout the driver will report for a given
// cluster job id, for stage-failure enrichment tests.
func (d *FakeDriver) SetOutput(clusterJobID, stderr, stdout string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stderr[clusterJobID] = stderr
	d.stdout[clusterJobID] = stdout
}

func (d *FakeDriver) TailStderr(_ context.Context, clusterJobID string, budgetBytes int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return tailString(d.stderr[clusterJobID], budgetBytes), nil
}

func (d *FakeDriver) TailStdout(_ context.Context, clusterJobID string, budgetBytes int64) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return tailString(d.stdout[clusterJobID], budgetBytes), nil
}

func tailString(s string, budget int64) string {
	if int64(len(s)) <= budget {
		return s
	}
	return s[int64(len(s))-budget:]
}

// Succeed marks a fake job successful and emits the terminal StatusChange.
func (d *FakeDriver) Succeed(clusterJobID string) {
	d.transition(clusterJobID, "success")
}

// Fail marks a fake job failed and emits the terminal StatusChange.
func (d *FakeDriver) Fail(clusterJobID string) {
	d.transition(clusterJobID, "failed")
}

func (d *FakeDriver) transition(clusterJobID, newStatus string) {
	d.mu.Lock()
	j, ok := d.jobs[clusterJobID]
	if !ok {
		d.mu.Unlock()
		return
	}
	old := j.status
	j.status = newStatus
	projectID := j.projectID
	d.mu.Unlock()

	d.events <- cluster.StatusChange{
		ClusterJobID: clusterJobID,
		ProjectID:    projectID,
		OldStatus:    old,
		NewStatus:    newStatus,
	}
}
