package scheduler

import (
	"errors"
	"fmt"

	"dagrunner/internal/models"
	"dagrunner/internal/store"
)

// readyTasks collects, in store order, the PENDING tasks whose prerequisites are all COMPLETED. At most
// budget of them need a batch slot; tasks with nothing to run are collected without using one.
func readyTasks(st *store.Store, budget int) ([]*models.Task, error) {
	var ready []*models.Task

	slots := budget
	err := st.Scan(func(task *models.Task) error {
		if task.IsRoot() || task.Status != models.StatusPending {
			return nil
		}
		if slots <= 0 && !task.IsPhony() {
			return nil
		}

		met, err := CheckDependencies(st, task.Prerequisites)
		if err != nil {
			return fmt.Errorf("task %q: %w", task.Name, err)
		}
		if !met {
			return nil
		}

		ready = append(ready, task)
		if !task.IsPhony() {
			slots--
		}
		return nil
	})
	return ready, err
}

// CheckDependencies verifies that every prerequisite is COMPLETED. The synthetic root counts as done. A
// prerequisite missing from the store means the graph and the store disagree, which is fatal.
func CheckDependencies(st *store.Store, prerequisites []string) (bool, error) {
	for _, name := range prerequisites {
		if models.IsRootName(name) {
			continue
		}

		parent, err := st.Get(name)
		if errors.Is(err, models.ErrNotFound) {
			return false, fmt.Errorf("%w: prerequisite %q is not in the store", models.ErrInconsistent, name)
		} else if err != nil {
			return false, err
		}

		if parent.Status != models.StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}
