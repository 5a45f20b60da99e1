// Package backend talks to the batch systems that run the tasks. Each batch system implements Backend
// by driving its own command line tools.
package backend

import (
	"context"
	"fmt"
	"os"
	"strings"

	"dagrunner/internal/models"
)

const (
	KindSlurm = "slurm"
	KindSGE   = "sge"
)

// Kinds lists the supported batch systems
var Kinds = []string{KindSlurm, KindSGE}

// Submission is what a batch system hands back when it accepts a task
type Submission struct {
	JobHandle  string
	ScriptFile string
	StdoutFile string
	StderrFile string
}

// Backend defines the operations the scheduler needs from a batch system
type Backend interface {
	Name() string
	// Submit writes the wrapper script for the task and hands it to the batch system. The task itself
	// is not modified.
	Submit(ctx context.Context, task *models.Task, baseDir string) (*Submission, error)
	// Poll asks the batch system about a submitted task. The result is one of StatusRunning,
	// StatusCompleted or StatusError.
	Poll(ctx context.Context, task *models.Task) (models.TaskStatus, error)
	// Kill asks the batch system to cancel the task. It is advisory.
	Kill(ctx context.Context, task *models.Task) error
}

// Config holds the settings of every backend, only the selected one is used
type Config struct {
	Slurm SlurmConfig `mapstructure:"slurm"`
	SGE   SGEConfig   `mapstructure:"sge"`
}

// New creates the backend of the given kind, generating its scripts in workDir
func New(kind, workDir string, conf Config) (Backend, error) {
	switch strings.ToLower(kind) {
	case KindSlurm:
		return NewSlurm(workDir, conf.Slurm), nil
	case KindSGE:
		return NewSGE(workDir, conf.SGE), nil
	default:
		return nil, fmt.Errorf("unknown backend %q, expected one of %s", kind, strings.Join(Kinds, ", "))
	}
}

func removeArtifacts(sub *Submission) {
	for _, path := range []string{sub.ScriptFile, sub.StdoutFile, sub.StderrFile} {
		if path != "" {
			_ = os.Remove(path)
		}
	}
}
