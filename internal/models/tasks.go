package models

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/guregu/null/v6"
)

// This file contains the persisted task record and its state machine

// TaskStatus is the execution status of a single target
type TaskStatus string

const (
	StatusPending   TaskStatus = "PENDING"
	StatusRunning   TaskStatus = "RUNNING"
	StatusCompleted TaskStatus = "COMPLETED"
	StatusError     TaskStatus = "ERROR"
)

// RootMarker is the character that identifies the synthetic root node of an extracted graph, e.g. "<ROOT>"
const RootMarker = "<"

// Valid reports whether the status is one of the four known values
func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusError:
		return true
	default:
		return false
	}
}

// ValidateTransition checks that a task may move from one status to another. ERROR -> PENDING is only
// ever requested by an explicit operator reset.
func ValidateTransition(from, to TaskStatus) error {
	allowed := false
	switch from {
	case StatusPending:
		allowed = to == StatusRunning || to == StatusCompleted
	case StatusRunning:
		allowed = to == StatusCompleted || to == StatusError
	case StatusError:
		allowed = to == StatusPending
	}

	if !allowed {
		return fmt.Errorf("%w: transition %s -> %s is not allowed", ErrInconsistent, from, to)
	}
	return nil
}

// Task is the persisted record of one node of the dependency graph
type Task struct {
	Name          string      `json:"name"`
	Script        string      `json:"script"`
	Prerequisites []string    `json:"prerequisites"`
	Status        TaskStatus  `json:"status"`
	NodeID        int64       `json:"node_id"`
	JobHandle     null.String `json:"job_handle"`
	ScriptFile    null.String `json:"script_file"`
	StdoutFile    null.String `json:"stdout_file"`
	StderrFile    null.String `json:"stderr_file"`
	StartTime     null.Time   `json:"start_time"`
	EndTime       null.Time   `json:"end_time"`
}

// NewTask creates a PENDING task. Duplicate prerequisites are dropped, keeping the first occurrence.
// A task with nothing to run and nothing to wait for is COMPLETED straight away.
func NewTask(name string, nodeID int64, script string, prerequisites []string) *Task {
	seen := make(map[string]struct{}, len(prerequisites))
	prereqs := make([]string, 0, len(prerequisites))
	for _, p := range prerequisites {
		if _, exists := seen[p]; exists {
			continue
		}
		seen[p] = struct{}{}
		prereqs = append(prereqs, p)
	}

	task := &Task{
		Name:          name,
		Script:        script,
		Prerequisites: prereqs,
		Status:        StatusPending,
		NodeID:        nodeID,
	}
	if task.IsPhony() && len(prereqs) == 0 {
		task.Status = StatusCompleted
	}
	return task
}

// IsRoot reports whether this is the synthetic root node, which never takes part in scheduling
func (t *Task) IsRoot() bool {
	return IsRootName(t.Name)
}

// IsRootName reports whether name denotes the synthetic root node
func IsRootName(name string) bool {
	return strings.Contains(name, RootMarker)
}

// IsPhony returns true when the task has no commands to run
func (t *Task) IsPhony() bool {
	return strings.TrimSpace(t.Script) == ""
}

// Transition moves the task to a new status, refusing anything outside the state machine
func (t *Task) Transition(to TaskStatus) error {
	if err := ValidateTransition(t.Status, to); err != nil {
		return fmt.Errorf("task %q: %w", t.Name, err)
	}
	if to == StatusRunning && !t.JobHandle.Valid {
		return fmt.Errorf("%w: task %q cannot be RUNNING without a job handle", ErrInconsistent, t.Name)
	}
	t.Status = to
	return nil
}

// ClearArtifacts forgets the generated script and output files
func (t *Task) ClearArtifacts() {
	t.ScriptFile = null.String{}
	t.StdoutFile = null.String{}
	t.StderrFile = null.String{}
}

// Artifacts returns the paths of the generated files that are currently recorded
func (t *Task) Artifacts() (paths []string) {
	for _, f := range []null.String{t.ScriptFile, t.StdoutFile, t.StderrFile} {
		if f.Valid && f.String != "" {
			paths = append(paths, f.String)
		}
	}
	return
}

// Fingerprint is the hex MD5 of the task name. It is stable across runs and safe to use in job names.
func (t *Task) Fingerprint() string {
	sum := md5.Sum([]byte(t.Name))
	return hex.EncodeToString(sum[:])
}

// Duration formats the elapsed time of the task as "<m>m-<s>s". Tasks that never started return "*"
// and tasks that have not ended are measured up to now.
func (t *Task) Duration(now time.Time) string {
	if !t.StartTime.Valid {
		return "*"
	}
	end := now
	if t.EndTime.Valid {
		end = t.EndTime.Time
	}

	elapsed := end.Sub(t.StartTime.Time)
	if elapsed < 0 {
		elapsed = 0
	}
	minutes := int64(elapsed / time.Minute)
	seconds := int64((elapsed % time.Minute) / time.Second)
	return fmt.Sprintf("%dm-%ds", minutes, seconds)
}

// Path resolves the target name against the base directory unless it is already absolute
func (t *Task) Path(baseDir string) string {
	if filepath.IsAbs(t.Name) {
		return t.Name
	}
	return filepath.Join(baseDir, t.Name)
}

func (t *Task) String() string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%q status:%s", t.Name, t.Status))
	if t.JobHandle.Valid {
		sb.WriteString(" handle:" + t.JobHandle.String)
	}
	if t.ScriptFile.Valid {
		sb.WriteString(" script:" + t.ScriptFile.String)
	}
	return sb.String()
}
