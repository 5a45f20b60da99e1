package metrics_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"dagrunner/internal/metrics"
	"dagrunner/internal/models"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics(t *testing.T) {
	m := metrics.New()

	m.ObserveTransition(models.StatusRunning)
	m.ObserveTransition(models.StatusRunning)
	m.ObserveTransition(models.StatusCompleted)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("RUNNING")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.TransitionsTotal.WithLabelValues("COMPLETED")))

	m.ObserveBatchCommand("slurm", "poll", 20*time.Millisecond, nil)
	m.ObserveBatchCommand("slurm", "poll", 30*time.Millisecond, errors.New("boom"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.BatchCommandFailures.WithLabelValues("slurm", "poll")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.BatchCommandDuration))

	m.SetTaskCounts(map[models.TaskStatus]int{models.StatusPending: 3, models.StatusError: 1})
	m.SetTaskCounts(map[models.TaskStatus]int{models.StatusPending: 2})
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Tasks.WithLabelValues("PENDING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Tasks.WithLabelValues("ERROR")))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := metrics.New()
	m.MarkRun(time.Unix(1700000000, 0))

	path := filepath.Join(t.TempDir(), "drctl.prom")
	require.NoError(t, m.WriteTextfile(path))

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(content), "dagrunner_last_run_timestamp_seconds 1.7e+09"))

	expected := `
# HELP dagrunner_last_run_timestamp_seconds Unix time at which the last scheduler step finished
# TYPE dagrunner_last_run_timestamp_seconds gauge
dagrunner_last_run_timestamp_seconds 1.7e+09
`
	assert.NoError(t, testutil.CollectAndCompare(m.LastRunTimestamp, strings.NewReader(expected)))
}
