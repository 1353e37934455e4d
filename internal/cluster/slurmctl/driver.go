// Package slurmctl is a thin cluster.Driver over the Slurm command-line
// tools (sbatch/scancel/sacct). It shells out rather than talking to a
// scheduler HTTP API; the command surface mirrors what a Slurm REST
// client (as sketched in the retrieval pack's slurm-client manifest)
// would expose, adapted to a CLI-invoking driver since this module ships
// without network access to a live cluster.
package slurmctl

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/relioncluster/pipeline-orchestrator/internal/cluster"
	"github.com/relioncluster/pipeline-orchestrator/internal/platform/logger"
)

type Driver struct {
	log      *logger.Logger
	pollEvery time.Duration

	mu      sync.Mutex
	tracked map[string]trackedJob // clusterJobID -> last known state
	events  chan cluster.StatusChange
}

type trackedJob struct {
	projectID uuid.UUID
	status    string
}

func New(log *logger.Logger) *Driver {
	return &Driver{
		log:       log.With("component", "SlurmDriver"),
		pollEvery: 5 * time.Second,
		tracked:   map[string]trackedJob{},
		events:    make(chan cluster.StatusChange, 256),
	}
}

// Submit renders spec.Command into an sbatch invocation and returns the
// allocated cluster job id parsed from sbatch's stdout ("Submitted batch
// job <id>").
func (d *Driver) Submit(ctx context.Context, spec cluster.SubmitSpec) (cluster.SubmitResult, error) {
	args := d.sbatchArgs(spec)
	cmd := exec.CommandContext(ctx, "sbatch", args...)
	out, err := cmd.Output()
	if err != nil {
		return cluster.SubmitResult{Success: false, Error: err.Error()}, nil
	}
	id, perr := parseSbatchOutput(string(out))
	if perr != nil {
		return cluster.SubmitResult{Success: false, Error: perr.Error()}, nil
	}
	d.mu.Lock()
	d.tracked[id] = trackedJob{status: "running"}
	d.mu.Unlock()
	return cluster.SubmitResult{Success: true, ClusterJobID: id}, nil
}

func (d *Driver) sbatchArgs(spec cluster.SubmitSpec) []string {
	args := []string{
		"--job-name", spec.JobName,
		"--chdir", spec.ProjectPath,
		"--output", spec.OutputDir + "/slurm-%j.out",
		"--error", spec.OutputDir + "/slurm-%j.err",
	}
	if spec.Partition != "" {
		args = append(args, "--partition", spec.Partition)
	}
	if spec.MPI > 1 {
		args = append(args, "--ntasks", strconv.Itoa(spec.MPI))
	}
	if spec.Threads > 0 {
		args = append(args, "--cpus-per-task", strconv.Itoa(spec.Threads))
	}
	if spec.GPUCount > 0 {
		args = append(args, "--gres", fmt.Sprintf("gpu:%d", spec.GPUCount))
	}
	args = append(args, "--wrap", strings.Join(spec.Command, " "))
	return args
}

func parseSbatchOutput(out string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		const prefix = "Submitted batch job "
		if strings.HasPrefix(line, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(line, prefix)), nil
		}
	}
	return "", fmt.Errorf("could not parse sbatch output: %q", out)
}

func (d *Driver) Cancel(ctx context.Context, clusterJobID string) error {
	if clusterJobID == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "scancel", clusterJobID)
	if err := cmd.Run(); err != nil {
		d.log.Warn("scancel failed", "cluster_job_id", clusterJobID, "error", err)
		return err
	}
	return nil
}

func (d *Driver) GetJobDetails(ctx context.Context, clusterJobID string) (cluster.JobDetails, error) {
	cmd := exec.CommandContext(ctx, "sacct", "-j", clusterJobID, "--format=State,ExitCode,Elapsed", "--noheader", "--parsable2")
	out, err := cmd.Output()
	if err != nil {
		return cluster.JobDetails{}, err
	}
	return parseSacctOutput(string(out)), nil
}

func parseSacctOutput(out string) cluster.JobDetails {
	line := strings.TrimSpace(strings.SplitN(out, "\n", 2)[0])
	fields := strings.Split(line, "|")
	details := cluster.JobDetails{}
	if len(fields) > 0 {
		details.State = strings.TrimSpace(fields[0])
	}
	if len(fields) > 1 {
		exitCode := strings.SplitN(fields[1], ":", 2)[0]
		if n, err := strconv.Atoi(strings.TrimSpace(exitCode)); err == nil {
			details.ExitCode = n
		}
	}
	if len(fields) > 2 {
		details.Elapsed, _ = parseSlurmElapsed(strings.TrimSpace(fields[2]))
	}
	return details
}

// parseSlurmElapsed parses sacct's "[D-]HH:MM:SS" elapsed format.
func parseSlurmElapsed(s string) (time.Duration, error) {
	days := 0
	if idx := strings.Index(s, "-"); idx >= 0 {
		d, err := strconv.Atoi(s[:idx])
		if err != nil {
			return 0, err
		}
		days = d
		s = s[idx+1:]
	}
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("unexpected elapsed format %q", s)
	}
	h, _ := strconv.Atoi(parts[0])
	m, _ := strconv.Atoi(parts[1])
	sec, _ := strconv.Atoi(parts[2])
	return time.Duration(days)*24*time.Hour +
		time.Duration(h)*time.Hour +
		time.Duration(m)*time.Minute +
		time.Duration(sec)*time.Second, nil
}

func (d *Driver) TailStderr(ctx context.Context, clusterJobID string, budgetBytes int64) (string, error) {
	return "", fmt.Errorf("stderr path resolution requires the submitting session's output dir; use cluster.TailFile directly")
}

func (d *Driver) TailStdout(ctx context.Context, clusterJobID string, budgetBytes int64) (string, error) {
	return "", fmt.Errorf("stdout path resolution requires the submitting session's output dir; use cluster.TailFile directly")
}

// Subscribe starts a background poller over sacct for all tracked jobs and
// emits a StatusChange the first time a job is observed in a terminal
// state. Real deployments would instead consume Slurm's epilog/webhook
// notifications; polling is the least-infrastructure way to satisfy the
// at-least-once delivery contract (spec §6) without one.
func (d *Driver) Subscribe(ctx context.Context) <-chan cluster.StatusChange {
	go d.pollLoop(ctx)
	return d.events
}

func (d *Driver) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(d.pollEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			close(d.events)
			return
		case <-ticker.C:
			d.pollOnce(ctx)
		}
	}
}

func (d *Driver) pollOnce(ctx context.Context) {
	d.mu.Lock()
	ids := make([]string, 0, len(d.tracked))
	for id, job := range d.tracked {
		if job.status == "running" {
			ids = append(ids, id)
		}
	}
	d.mu.Unlock()

	for _, id := range ids {
		details, err := d.GetJobDetails(ctx, id)
		if err != nil {
			continue
		}
		newStatus := classifySlurmState(details.State)
		if newStatus == "" {
			continue
		}
		d.mu.Lock()
		job := d.tracked[id]
		old := job.status
		job.status = newStatus
		d.tracked[id] = job
		d.mu.Unlock()

		d.events <- cluster.StatusChange{
			ClusterJobID: id,
			ProjectID:    job.projectID,
			OldStatus:    old,
			NewStatus:    newStatus,
		}
	}
}

func classifySlurmState(state string) string {
	switch strings.ToUpper(strings.TrimSpace(state)) {
	case "COMPLETED":
		return "success"
	case "FAILED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY":
		return "failed"
	default:
		return ""
	}
}
