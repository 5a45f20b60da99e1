// Package queue publishes the status transitions of tasks so that dashboards and chat bots can
// follow a workflow without opening its store.
package queue

import (
	"context"
	"time"

	"dagrunner/internal/models"
)

// TaskEvent is published every time a task record changes status
type TaskEvent struct {
	RunID     string            `json:"run_id"`
	WorkDir   string            `json:"workdir"`
	Task      string            `json:"task"`
	From      models.TaskStatus `json:"from"`
	To        models.TaskStatus `json:"to"`
	JobHandle string            `json:"job_handle,omitempty"`
	At        time.Time         `json:"at"`
}

// NewTaskEvent describes the transition of task from the given status to its current one
func NewTaskEvent(runID, workDir string, task *models.Task, from models.TaskStatus, at time.Time) TaskEvent {
	return TaskEvent{
		RunID:     runID,
		WorkDir:   workDir,
		Task:      task.Name,
		From:      from,
		To:        task.Status,
		JobHandle: task.JobHandle.String,
		At:        at.UTC(),
	}
}

// Client defines the interface for task event operations
type Client interface {
	Publish(ctx context.Context, event TaskEvent) error
	Close() error
}

// NopClient drops every event. It is used when no event list is configured.
type NopClient struct{}

func (NopClient) Publish(context.Context, TaskEvent) error { return nil }

func (NopClient) Close() error { return nil }
