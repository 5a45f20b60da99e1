package backend

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dagrunner/internal/models"
	"github.com/rs/zerolog/log"
)

// SGEConfig names the tools of a Sun Grid Engine cluster
type SGEConfig struct {
	SubmitCmd     string `mapstructure:"submit_cmd"`
	StatusCmd     string `mapstructure:"status_cmd"`
	AccountingCmd string `mapstructure:"accounting_cmd"`
	KillCmd       string `mapstructure:"kill_cmd"`
	Shell         string `mapstructure:"shell"`
}

type SGE struct {
	commander
	conf SGEConfig
	now  func() time.Time
}

func NewSGE(workDir string, conf SGEConfig) *SGE {
	if conf.SubmitCmd == "" {
		conf.SubmitCmd = "qsub"
	}
	if conf.StatusCmd == "" {
		conf.StatusCmd = "qstat"
	}
	if conf.AccountingCmd == "" {
		conf.AccountingCmd = "qacct"
	}
	if conf.KillCmd == "" {
		conf.KillCmd = "qdel"
	}
	if conf.Shell == "" {
		conf.Shell = "/bin/bash"
	}

	return &SGE{commander: newCommander(workDir), conf: conf, now: time.Now}
}

func (s *SGE) Name() string {
	return KindSGE
}

func (s *SGE) Submit(ctx context.Context, task *models.Task, baseDir string) (*Submission, error) {
	sub, err := createArtifacts(s.dir, task)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", models.ErrSubmit, err)
	}

	script := newWrapperScript("#$", baseDir, task.Script)
	if script.hasFlag("-o") {
		sub.StdoutFile = ""
	}
	if script.hasFlag("-e") {
		sub.StderrFile = ""
	}

	script.addDefault("-N", fmt.Sprintf("n%d", task.NodeID))
	script.addDefault("-o", sub.StdoutFile)
	script.addDefault("-e", sub.StderrFile)
	script.addDefault("-cwd", "")
	script.addDefault("-S", s.conf.Shell)

	if err := writeScript(sub.ScriptFile, script.render(s.now())); err != nil {
		removeArtifacts(sub)
		return nil, fmt.Errorf("%w: %w", models.ErrSubmit, err)
	}

	out, err := s.run(ctx, s.conf.SubmitCmd, sub.ScriptFile)
	if err == nil {
		sub.JobHandle, err = parseSGEAck(out)
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

var sgeAck = regexp.MustCompile(`^Your job (\S+) \(.*\) has been submitted$`)

// parseSGEAck extracts the job id from `Your job 123 ("n4") has been submitted`
func parseSGEAck(out []byte) (string, error) {
	var handle string
	for _, line := range lines(out) {
		m := sgeAck.FindStringSubmatch(strings.TrimSpace(line))
		if m == nil {
			return "", fmt.Errorf("unexpected submission output %q", line)
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || id <= 0 {
			return "", fmt.Errorf("bad job id in %q", line)
		}
		handle = m[1]
	}

	if handle == "" {
		return "", fmt.Errorf("no job id in submission output")
	}
	return handle, nil
}

// Poll asks qstat first. Jobs that left the queue are looked up in the accounting file.
func (s *SGE) Poll(ctx context.Context, task *models.Task) (models.TaskStatus, error) {
	jobID := task.JobHandle.String

	out, err := s.run(ctx, s.conf.StatusCmd, "-j", jobID)
	if err == nil && qstatKnows(out, jobID) {
		return models.StatusRunning, nil
	}
	var exitErr *ExitError
	if err != nil && !errors.As(err, &exitErr) {
		// cancelled or missing tool, the accounting would not do better
		return "", fmt.Errorf("%w: task %q: %w", models.ErrPoll, task.Name, err)
	}

	out, err = s.run(ctx, s.conf.AccountingCmd, "-j", jobID)
	if err != nil {
		return "", fmt.Errorf("%w: task %q: %w", models.ErrPoll, task.Name, err)
	}

	status, err := parseQacct(out)
	if err != nil {
		return "", fmt.Errorf("%w: task %q: %w", models.ErrPoll, task.Name, err)
	}
	return status, nil
}

// qstatKnows looks for the "job_number: <id>" line of `qstat -j <id>`
func qstatKnows(out []byte, jobID string) bool {
	for _, line := range lines(out) {
		key, value, ok := strings.Cut(line, ":")
		if ok && strings.TrimSpace(key) == "job_number" && strings.TrimSpace(value) == jobID {
			return true
		}
	}
	return false
}

// parseQacct reads the exit_status and failed lines of `qacct -j <id>`. A job re-run several times
// has several records, any failure among them makes the task fail.
func parseQacct(out []byte) (models.TaskStatus, error) {
	found := false
	for _, line := range lines(out) {
		fields := strings.Fields(line)
		if len(fields) < 2 || (fields[0] != "exit_status" && fields[0] != "failed") {
			continue
		}

		code, err := strconv.Atoi(fields[1])
		if err != nil {
			return "", fmt.Errorf("bad %s in %q", fields[0], line)
		}
		if code != 0 {
			return models.StatusError, nil
		}
		found = true
	}

	if !found {
		return "", fmt.Errorf("job is unknown to the accounting")
	}
	return models.StatusCompleted, nil
}

func (s *SGE) Kill(ctx context.Context, task *models.Task) error {
	log.Warn().Str("task", task.Name).Str("job_id", task.JobHandle.String).Msg("Killing job")
	_, err := s.run(ctx, s.conf.KillCmd, task.JobHandle.String)
	return err
}
