package scheduler_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"dagrunner/internal/backend"
	"dagrunner/internal/dag"
	"dagrunner/internal/models"
	"dagrunner/internal/queue"
	"dagrunner/internal/scheduler"
	"dagrunner/internal/store"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

type MockQueueClient struct {
	mock.Mock
}

func (m *MockQueueClient) Publish(ctx context.Context, event queue.TaskEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockQueueClient) Close() error {
	args := m.Called()
	return args.Error(0)
}

type MockBackend struct {
	mock.Mock
}

func (m *MockBackend) Name() string {
	return "mock"
}

func (m *MockBackend) Submit(ctx context.Context, task *models.Task, baseDir string) (*backend.Submission, error) {
	args := m.Called(ctx, task, baseDir)
	sub, _ := args.Get(0).(*backend.Submission)
	return sub, args.Error(1)
}

func (m *MockBackend) Poll(ctx context.Context, task *models.Task) (models.TaskStatus, error) {
	args := m.Called(ctx, task)
	return args.Get(0).(models.TaskStatus), args.Error(1)
}

func (m *MockBackend) Kill(ctx context.Context, task *models.Task) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

// fakeBackend is an in-memory batch system. Jobs stay RUNNING until finish is called, unless
// autoComplete is set.
type fakeBackend struct {
	mu           sync.Mutex
	dir          string
	next         int
	handles      map[string]string // task name -> job handle
	states       map[string]models.TaskStatus
	submitted    []string
	killed       []string
	autoComplete bool
	submitErr    map[string]error
	afterSubmit  func(task *models.Task)
	pollDelay    time.Duration
}

func newFakeBackend(t *testing.T) *fakeBackend {
	return &fakeBackend{
		dir:       t.TempDir(),
		handles:   make(map[string]string),
		states:    make(map[string]models.TaskStatus),
		submitErr: make(map[string]error),
	}
}

func (f *fakeBackend) Name() string {
	return "fake"
}

func (f *fakeBackend) Submit(_ context.Context, task *models.Task, _ string) (*backend.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.submitErr[task.Name]; err != nil {
		return nil, err
	}

	f.next++
	handle := fmt.Sprint(1000 + f.next)
	script := filepath.Join(f.dir, fmt.Sprintf("drctl.%d.sh", f.next))
	for _, path := range []string{script, script + ".stdout", script + ".stderr"} {
		if err := os.WriteFile(path, []byte(task.Script), 0o644); err != nil {
			return nil, err
		}
	}

	f.handles[task.Name] = handle
	f.states[handle] = models.StatusRunning
	f.submitted = append(f.submitted, task.Name)
	if f.afterSubmit != nil {
		f.afterSubmit(task)
	}

	return &backend.Submission{
		JobHandle:  handle,
		ScriptFile: script,
		StdoutFile: script + ".stdout",
		StderrFile: script + ".stderr",
	}, nil
}

func (f *fakeBackend) Poll(_ context.Context, task *models.Task) (models.TaskStatus, error) {
	if f.pollDelay > 0 {
		time.Sleep(f.pollDelay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	state, ok := f.states[task.JobHandle.String]
	if !ok {
		return "", fmt.Errorf("%w: unknown job %s", models.ErrPoll, task.JobHandle.String)
	}
	if f.autoComplete && state == models.StatusRunning {
		f.states[task.JobHandle.String] = models.StatusCompleted
	}
	return state, nil
}

func (f *fakeBackend) Kill(_ context.Context, task *models.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.killed = append(f.killed, task.Name)
	f.states[task.JobHandle.String] = models.StatusError
	return nil
}

// finish makes the batch system report the job of the task with the given final status
func (f *fakeBackend) finish(t *testing.T, name string, status models.TaskStatus) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()

	handle, ok := f.handles[name]
	require.True(t, ok, "task %q was never submitted", name)
	f.states[handle] = status
}

func (f *fakeBackend) submissions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.submitted...)
}

// target is a shorthand for a graph node
func target(name, script string, prerequisites ...string) dag.Node {
	n := dag.Node{Name: name, Prerequisites: prerequisites}
	if script != "" {
		n.Shell = []string{script}
	}
	return n
}

// newWorkflow builds the given targets into a fresh working directory
func newWorkflow(t *testing.T, b backend.Backend, opts scheduler.Options, targets ...dag.Node) *scheduler.TaskScheduler {
	t.Helper()

	if opts.Now == nil {
		opts.Now = func() time.Time { return testNow }
	}
	s := scheduler.New(t.TempDir(), b, opts)

	g := &dag.Graph{BaseDir: "/data/project", Targets: targets}
	for i := range g.Targets {
		g.Targets[i].ID = int64(i + 1)
	}
	require.NoError(t, g.Validate())
	require.NoError(t, s.Build(context.Background(), g))
	return s
}

// snapshot reads the statuses of all tasks
func snapshot(t *testing.T, s *scheduler.TaskScheduler) map[string]*models.Task {
	t.Helper()

	st, err := store.Open(s.WorkDir(), store.Options{ReadOnly: true})
	require.NoError(t, err)
	defer func() {
		require.NoError(t, st.Close())
	}()

	tasks := make(map[string]*models.Task)
	require.NoError(t, st.Scan(func(task *models.Task) error {
		tasks[task.Name] = task
		return nil
	}))
	return tasks
}

func statuses(t *testing.T, s *scheduler.TaskScheduler) map[string]models.TaskStatus {
	t.Helper()

	result := make(map[string]models.TaskStatus)
	for name, task := range snapshot(t, s) {
		result[name] = task.Status
	}
	return result
}
