package backend

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dagrunner/internal/models"
	"github.com/rs/zerolog/log"
)

const slurmAckPrefix = "Submitted Batch Session "

// SlurmConfig names the tools of a SLURM-like cluster (ccc_msub / sacct / ccc_mdel on CCRT machines)
type SlurmConfig struct {
	SubmitCmd string `mapstructure:"submit_cmd"`
	StatusCmd string `mapstructure:"status_cmd"`
	KillCmd   string `mapstructure:"kill_cmd"`
	Queue     string `mapstructure:"queue"`
}

// Slurm submits tasks with #MSUB directives and follows them through the accounting database
type Slurm struct {
	commander
	conf SlurmConfig
	now  func() time.Time
}

func NewSlurm(workDir string, conf SlurmConfig) *Slurm {
	if conf.SubmitCmd == "" {
		conf.SubmitCmd = "ccc_msub"
	}
	if conf.StatusCmd == "" {
		conf.StatusCmd = "sacct"
	}
	if conf.KillCmd == "" {
		conf.KillCmd = "ccc_mdel"
	}
	if conf.Queue == "" {
		conf.Queue = "large"
	}

	return &Slurm{commander: newCommander(workDir), conf: conf, now: time.Now}
}

func (s *Slurm) Name() string {
	return KindSlurm
}

func (s *Slurm) Submit(ctx context.Context, task *models.Task, baseDir string) (*Submission, error) {
	sub, err := createArtifacts(s.dir, task)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrSubmit, err)
	}

	script := newWrapperScript("#MSUB", baseDir, task.Script)
	if script.hasFlag("-o") {
		sub.StdoutFile = ""
	}
	if script.hasFlag("-e") {
		sub.StderrFile = ""
	}

	script.addDefault("-c", strconv.Itoa(countProcessors(task.Script)))
	script.addDefault("-q", s.conf.Queue)
	script.addDefault("-o", sub.StdoutFile)
	script.addDefault("-e", sub.StderrFile)
	script.addDefault("-r", task.Fingerprint())

	if err := writeScript(sub.ScriptFile, script.render(s.now())); err != nil {
		removeArtifacts(sub)
		return nil, fmt.Errorf("%w: %w", models.ErrSubmit, err)
	}

	out, err := s.run(ctx, s.conf.SubmitCmd, sub.ScriptFile)
	if err == nil {
		sub.JobHandle, err = parseSlurmAck(out)
	}
	if err != nil {
		removeArtifacts(sub)
		return nil, fmt.Errorf("%w: task %q: %w", models.ErrSubmit, task.Name, err)
	}

	log.Info().
		Str("task", task.Name).
		Str("job_id", sub.JobHandle).
		Str("script", sub.ScriptFile).
		Msg("Submitted task")
	return sub, nil
}

// parseSlurmAck extracts the session id from "Submitted Batch Session <id>"
func parseSlurmAck(out []byte) (string, error) {
	var handle string
	for _, line := range lines(out) {
		if !strings.HasPrefix(line, slurmAckPrefix) {
			return "", fmt.Errorf("expected %q to start with %q", line, slurmAckPrefix)
		}
		handle = strings.TrimSpace(strings.TrimPrefix(line, slurmAckPrefix))
		id, err := strconv.ParseInt(handle, 10, 64)
		if err != nil || id <= 0 {
			return "", fmt.Errorf("bad job id in %q", line)
		}
	}

	if handle == "" {
		return "", fmt.Errorf("no job id in submission output")
	}
	return handle, nil
}

func (s *Slurm) Poll(ctx context.Context, task *models.Task) (models.TaskStatus, error) {
	out, err := s.run(ctx, s.conf.StatusCmd, "-p", "-j", task.JobHandle.String)
	if err != nil {
		return "", fmt.Errorf("%w: task %q: %w", models.ErrPoll, task.Name, err)
	}

	status, err := parseSacct(out, task.JobHandle.String)
	if err != nil {
		return "", fmt.Errorf("%w: task %q: %w", models.ErrPoll, task.Name, err)
	}
	return status, nil
}

// parseSacct reads the pipe separated output of `sacct -p -j <id>`:
//
//	JobID|JobName|Partition|Account|AllocCPUS|State|ExitCode|
//	1234|drctl.sh|large|proj|4|COMPLETED|0:0|
//
// A job that is not in the accounting yet is still considered running.
func parseSacct(out []byte, jobID string) (models.TaskStatus, error) {
	for _, line := range lines(out) {
		if strings.HasPrefix(line, "JobID|") {
			continue
		}

		tokens := strings.Split(line, "|")
		if len(tokens) < 7 {
			return "", fmt.Errorf("expected 7 columns in %q", line)
		}
		if tokens[0] != jobID {
			// job steps such as 1234.batch
			continue
		}
		return slurmState(tokens[5])
	}

	return models.StatusRunning, nil
}

func slurmState(state string) (models.TaskStatus, error) {
	// "CANCELLED by 1000"
	if fields := strings.Fields(state); len(fields) > 0 {
		state = fields[0]
	}
	state = strings.TrimSuffix(state, "+")

	switch state {
	case "PENDING", "RUNNING", "CONFIGURING", "SUSPENDED", "PREEMPTED", "REQUEUED", "RESIZING", "COMPLETING":
		return models.StatusRunning, nil
	case "COMPLETED":
		return models.StatusCompleted, nil
	case "CANCELLED", "FAILED", "TIMEOUT", "NODE_FAIL", "OUT_OF_MEMORY", "BOOT_FAIL", "DEADLINE":
		return models.StatusError, nil
	default:
		return "", fmt.Errorf("unknown job state %q", state)
	}
}

func (s *Slurm) Kill(ctx context.Context, task *models.Task) error {
	log.Warn().Str("task", task.Name).Str("job_id", task.JobHandle.String).Msg("Killing job")
	_, err := s.run(ctx, s.conf.KillCmd, task.JobHandle.String)
	return err
}
