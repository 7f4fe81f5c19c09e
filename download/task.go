// Package download schedules series retrieval through a bounded worker pool
// fed by a priority queue, with one active task per series.
package download

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caio-sobreiro/dicomfetch/model"
)

// State is the lifecycle state of a task.
type State int

const (
	StateQueued State = iota
	StateRunning
	StateDone
	StateCancelled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateRunning:
		return "running"
	case StateDone:
		return "done"
	case StateCancelled:
		return "cancelled"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateCancelled || s == StateFailed
}

// Task is the retrieval of one series.
type Task struct {
	ID          uuid.UUID
	Series      model.NodeID
	StudyUID    string
	SeriesUID   string
	Concurrency int // max simultaneous instance downloads

	mu       sync.Mutex
	priority Priority
	state    State
	err      error
	done     chan struct{}

	// guarded by the owning scheduler's lock
	index      int
	cancel     context.CancelFunc
	started    time.Time
	outbox     []State // transitions not yet delivered to listeners
	delivering bool
}

// NewTask creates a queued task for a series.
func NewTask(series model.NodeID, studyUID, seriesUID string, priority Priority, concurrency int) *Task {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Task{
		ID:          uuid.New(),
		Series:      series,
		StudyUID:    studyUID,
		SeriesUID:   seriesUID,
		Concurrency: concurrency,
		priority:    priority,
		state:       StateQueued,
		done:        make(chan struct{}),
		index:       -1,
	}
}

// Priority returns the current ordering key of the task.
func (t *Task) Priority() Priority {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Err returns the failure cause once the task is terminal.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

// Done is closed when the task reaches a terminal state, including when it
// is cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the task is terminal or ctx is done.
func (t *Task) Wait(ctx context.Context) (State, error) {
	select {
	case <-t.done:
		return t.State(), t.Err()
	case <-ctx.Done():
		return t.State(), ctx.Err()
	}
}

func (t *Task) setPriority(p Priority) {
	t.mu.Lock()
	t.priority = p
	t.mu.Unlock()
}

func (t *Task) markRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateQueued {
		return false
	}
	t.state = StateRunning
	return true
}

// finish moves the task to a terminal state. Only the first call wins.
func (t *Task) finish(state State, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state.Terminal() {
		return false
	}
	t.state = state
	t.err = err
	close(t.done)
	return true
}
