package download

import (
	"fmt"

	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/model"
)

// registry tracks every non-terminal task, at most one per series. It is not
// safe for concurrent use; the scheduler mutates it under the same lock as
// the pending heap.
type registry struct {
	tasks map[model.NodeID]*Task
}

func newRegistry() registry {
	return registry{tasks: make(map[model.NodeID]*Task)}
}

func (r registry) register(task *Task) error {
	if existing, ok := r.tasks[task.Series]; ok {
		return fmt.Errorf("%w: series %s (task %s)", dferrors.ErrTaskExists, task.SeriesUID, existing.ID)
	}
	r.tasks[task.Series] = task
	return nil
}

func (r registry) lookup(series model.NodeID) (*Task, bool) {
	task, ok := r.tasks[series]
	return task, ok
}

// remove drops task only if it is still the registered one for its series.
func (r registry) remove(task *Task) bool {
	if current, ok := r.tasks[task.Series]; !ok || current != task {
		return false
	}
	delete(r.tasks, task.Series)
	return true
}

func (r registry) len() int {
	return len(r.tasks)
}

func (r registry) snapshot() []*Task {
	tasks := make([]*Task, 0, len(r.tasks))
	for _, task := range r.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}
