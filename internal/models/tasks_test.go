package models_test

import (
	"testing"
	"time"

	"dagrunner/internal/models"
	"github.com/guregu/null/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateTransition(t *testing.T) {
	statuses := []models.TaskStatus{
		models.StatusPending,
		models.StatusRunning,
		models.StatusCompleted,
		models.StatusError,
	}
	allowed := map[[2]models.TaskStatus]bool{
		{models.StatusPending, models.StatusRunning}:   true,
		{models.StatusPending, models.StatusCompleted}: true,
		{models.StatusRunning, models.StatusCompleted}: true,
		{models.StatusRunning, models.StatusError}:     true,
		{models.StatusError, models.StatusPending}:     true,
	}

	for _, from := range statuses {
		for _, to := range statuses {
			err := models.ValidateTransition(from, to)
			if allowed[[2]models.TaskStatus{from, to}] {
				assert.NoError(t, err, "%s -> %s should be allowed", from, to)
			} else {
				assert.ErrorIs(t, err, models.ErrInconsistent, "%s -> %s should be rejected", from, to)
			}
		}
	}

	assert.ErrorIs(t, models.ValidateTransition("BOGUS", models.StatusPending), models.ErrInconsistent)
}

func TestNewTask(t *testing.T) {
	t.Run("phony leaf is completed", func(t *testing.T) {
		task := models.NewTask("Makefile", 1, "  \n", nil)
		assert.Equal(t, models.StatusCompleted, task.Status)
	})

	t.Run("phony node with prerequisites stays pending", func(t *testing.T) {
		task := models.NewTask("all", 2, "", []string{"a.o"})
		assert.Equal(t, models.StatusPending, task.Status)
	})

	t.Run("script without prerequisites stays pending", func(t *testing.T) {
		task := models.NewTask("a.o", 3, "cc -c a.c\n", nil)
		assert.Equal(t, models.StatusPending, task.Status)
	})

	t.Run("duplicate prerequisites are dropped", func(t *testing.T) {
		task := models.NewTask("app", 4, "ld", []string{"a.o", "b.o", "a.o"})
		assert.Equal(t, []string{"a.o", "b.o"}, task.Prerequisites)
	})
}

func TestTask_Transition(t *testing.T) {
	task := models.NewTask("a.o", 1, "cc -c a.c", nil)

	err := task.Transition(models.StatusRunning)
	assert.ErrorIs(t, err, models.ErrInconsistent, "RUNNING requires a job handle")
	assert.Equal(t, models.StatusPending, task.Status)

	task.JobHandle = null.StringFrom("42")
	require.NoError(t, task.Transition(models.StatusRunning))
	require.NoError(t, task.Transition(models.StatusError))
	assert.ErrorIs(t, task.Transition(models.StatusCompleted), models.ErrInconsistent)
	require.NoError(t, task.Transition(models.StatusPending))
}

func TestTask_IsRoot(t *testing.T) {
	assert.True(t, models.NewTask("<ROOT>", 0, "", nil).IsRoot())
	assert.False(t, models.NewTask("all", 0, "", nil).IsRoot())
}

func TestTask_Fingerprint(t *testing.T) {
	task := models.NewTask("hello", 0, "", nil)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", task.Fingerprint())
}

func TestTask_Duration(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	task := models.NewTask("a.o", 0, "cc", nil)

	assert.Equal(t, "*", task.Duration(start))

	task.StartTime = null.TimeFrom(start)
	assert.Equal(t, "2m-5s", task.Duration(start.Add(2*time.Minute+5*time.Second)))

	task.EndTime = null.TimeFrom(start.Add(75 * time.Minute))
	assert.Equal(t, "75m-0s", task.Duration(start.Add(10*time.Hour)))
}

func TestTask_Path(t *testing.T) {
	assert.Equal(t, "/data/out/a.o", models.NewTask("out/a.o", 0, "", nil).Path("/data"))
	assert.Equal(t, "/tmp/x", models.NewTask("/tmp/x", 0, "", nil).Path("/data"))
}

func TestTask_Artifacts(t *testing.T) {
	task := models.NewTask("a.o", 0, "cc", nil)
	assert.Empty(t, task.Artifacts())

	task.ScriptFile = null.StringFrom("/w/a.sh")
	task.StdoutFile = null.StringFrom("")
	task.StderrFile = null.StringFrom("/w/a.sh.stderr")
	assert.Equal(t, []string{"/w/a.sh", "/w/a.sh.stderr"}, task.Artifacts())

	task.ClearArtifacts()
	assert.False(t, task.ScriptFile.Valid)
	assert.False(t, task.StdoutFile.Valid)
	assert.False(t, task.StderrFile.Valid)
}
