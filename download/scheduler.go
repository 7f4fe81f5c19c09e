package download

import (
	"container/heap"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	dferrors "github.com/caio-sobreiro/dicomfetch/errors"
	"github.com/caio-sobreiro/dicomfetch/model"
)

// DefaultWorkers is the pool size used when WithWorkers is not given.
const DefaultWorkers = 3

// SeriesLoader performs the retrieval of one series. Implementations must
// return promptly once ctx is cancelled, checking it between instances.
type SeriesLoader interface {
	Load(ctx context.Context, task *Task) error
}

// LoaderFunc adapts a function to SeriesLoader.
type LoaderFunc func(ctx context.Context, task *Task) error

func (f LoaderFunc) Load(ctx context.Context, task *Task) error {
	return f(ctx, task)
}

// Listener observes task transitions. It is called synchronously, outside
// the scheduler lock, so it may call back into the scheduler. Transitions of
// one task are delivered in the order they happened, one at a time.
type Listener interface {
	TaskChanged(task *Task, state State)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(task *Task, state State)

func (f ListenerFunc) TaskChanged(task *Task, state State) {
	f(task, state)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithWorkers sets the number of concurrently running tasks.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.workers = n
		}
	}
}

// WithLogger overrides the logger used by the scheduler.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithMetrics records queue and task metrics.
func WithMetrics(m *Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

// WithListener adds a task transition listener.
func WithListener(l Listener) Option {
	return func(s *Scheduler) {
		s.listeners = append(s.listeners, l)
	}
}

// Scheduler runs series download tasks on a bounded pool of workers in
// priority order. The pending heap and the task registry are only mutated
// together under mu.
type Scheduler struct {
	loader  SeriesLoader
	workers int
	logger  *slog.Logger
	metrics *Metrics

	listenerMu sync.RWMutex
	listeners  []Listener

	mu        sync.Mutex
	cond      *sync.Cond
	queue     taskHeap
	registry  registry
	running   int
	notifying int // recorded transitions whose listeners have not returned
	started   bool
	closed    bool
	idle      chan struct{}
	ctx       context.Context
	stop      context.CancelFunc

	wg sync.WaitGroup
}

// New creates a scheduler. Call Start to launch the workers.
func New(loader SeriesLoader, opts ...Option) *Scheduler {
	s := &Scheduler{
		loader:   loader,
		workers:  DefaultWorkers,
		registry: newRegistry(),
		idle:     make(chan struct{}),
	}
	close(s.idle)
	s.cond = sync.NewCond(&s.mu)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// Subscribe adds a listener after construction.
func (s *Scheduler) Subscribe(l Listener) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, l)
	s.listenerMu.Unlock()
}

// Start launches all workers at once; they park until work arrives. Tasks
// submitted before Start stay queued until then. Cancelling ctx stops the
// workers and interrupts running tasks.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.loader == nil {
		return fmt.Errorf("series loader is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return dferrors.ErrSchedulerClosed
	}
	if s.started {
		return nil
	}
	s.started = true
	s.ctx, s.stop = context.WithCancel(ctx)

	context.AfterFunc(s.ctx, func() {
		_ = s.Shutdown(context.Background())
	})

	s.wg.Add(s.workers)
	for i := 0; i < s.workers; i++ {
		go s.worker(i)
	}

	s.logger.Info("Download scheduler started", "workers", s.workers)
	return nil
}

// Submit registers and enqueues a task without blocking. It fails when the
// series already has a task, when the task has no sub-series UID, or after
// Shutdown.
func (s *Scheduler) Submit(task *Task) error {
	if task == nil {
		return dferrors.IllegalInput("task")
	}
	if task.Priority().SubseriesUID == "" {
		return fmt.Errorf("%w: series %s", dferrors.ErrMissingSubseries, task.SeriesUID)
	}
	if task.State() != StateQueued {
		return fmt.Errorf("task %s is %s and cannot be submitted", task.ID, task.State())
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return dferrors.ErrSchedulerClosed
	}
	if err := s.registry.register(task); err != nil {
		s.mu.Unlock()
		return err
	}
	s.recordLocked(task, StateQueued)
	heap.Push(&s.queue, task)
	s.updateLocked()
	s.cond.Signal()
	s.mu.Unlock()

	s.logger.Debug("Download task queued",
		"task_id", task.ID,
		"series_uid", task.SeriesUID,
		"priority", task.Priority().String())
	s.deliver(task)
	return nil
}

// Cancel removes the task of a series from the registry and the queue. A
// running task has its context cancelled; either way the task is resolved
// as cancelled before Cancel returns. It reports false when the series has
// no task.
func (s *Scheduler) Cancel(series model.NodeID) bool {
	s.mu.Lock()
	task, ok := s.registry.lookup(series)
	if !ok {
		s.mu.Unlock()
		return false
	}
	cancel := s.cancelLocked(task)
	s.updateLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.logger.Info("Download task cancelled",
		"task_id", task.ID,
		"series_uid", task.SeriesUID)
	s.deliver(task)
	return true
}

// cancelLocked resolves task as cancelled. A running task keeps its worker
// slot until the loader returns.
func (s *Scheduler) cancelLocked(task *Task) context.CancelFunc {
	s.registry.remove(task)
	if task.index >= 0 {
		heap.Remove(&s.queue, task.index)
	}
	cancel := task.cancel
	task.cancel = nil
	if task.finish(StateCancelled, dferrors.ErrOperationCanceled) {
		s.metrics.observeFinished(StateCancelled, task.started)
		s.recordLocked(task, StateCancelled)
	}
	return cancel
}

// Promote changes the tier of a queued task and reorders the queue. It
// reports false when the series has no queued task.
func (s *Scheduler) Promote(series model.NodeID, tier int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.registry.lookup(series)
	if !ok || task.index < 0 {
		return false
	}
	p := task.priority
	p.Tier = tier
	task.setPriority(p)
	heap.Fix(&s.queue, task.index)
	return true
}

// Lookup returns the active task of a series.
func (s *Scheduler) Lookup(series model.NodeID) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.lookup(series)
}

// Tasks returns the active tasks in priority order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	tasks := s.registry.snapshot()
	s.mu.Unlock()

	slices.SortFunc(tasks, func(a, b *Task) int {
		c, err := Compare(a.Priority(), b.Priority())
		if err != nil {
			return 0
		}
		return c
	})
	return tasks
}

// Len returns the number of active tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry.len()
}

// Wait blocks until no task is queued or running and every listener has
// seen the final transitions.
func (s *Scheduler) Wait(ctx context.Context) error {
	for {
		s.mu.Lock()
		idle := s.idle
		empty := s.emptyLocked()
		s.mu.Unlock()
		if empty {
			return nil
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Shutdown cancels every task, stops the workers and waits for them to exit
// or for ctx to be done.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true

	type cancelled struct {
		task   *Task
		cancel context.CancelFunc
	}
	var pending []cancelled
	for _, task := range s.registry.snapshot() {
		pending = append(pending, cancelled{task: task, cancel: s.cancelLocked(task)})
	}
	s.updateLocked()
	s.cond.Broadcast()
	stop := s.stop
	s.mu.Unlock()

	for _, c := range pending {
		if c.cancel != nil {
			c.cancel()
		}
		s.deliver(c.task)
	}
	if stop != nil {
		stop()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("Download scheduler stopped", "cancelled_tasks", len(pending))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) worker(id int) {
	defer s.wg.Done()

	for {
		task, ctx, ok := s.next()
		if !ok {
			return
		}

		s.logger.Debug("Download task started",
			"worker", id,
			"task_id", task.ID,
			"series_uid", task.SeriesUID)
		s.deliver(task)

		err := s.load(ctx, task)
		s.complete(ctx, task, err)
	}
}

// next parks until a task is queued and hands it out as running.
func (s *Scheduler) next() (*Task, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		for s.queue.Len() == 0 && !s.closed && s.ctx.Err() == nil {
			s.cond.Wait()
		}
		if s.closed || s.ctx.Err() != nil {
			return nil, nil, false
		}

		task := heap.Pop(&s.queue).(*Task)
		if !task.markRunning() {
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		task.cancel = cancel
		task.started = time.Now()
		s.running++
		s.recordLocked(task, StateRunning)
		s.updateLocked()
		return task, ctx, true
	}
}

func (s *Scheduler) load(ctx context.Context, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Series loader panicked",
				"task_id", task.ID,
				"series_uid", task.SeriesUID,
				"panic", r)
			err = fmt.Errorf("series loader panicked: %v", r)
		}
	}()
	return s.loader.Load(ctx, task)
}

func (s *Scheduler) complete(ctx context.Context, task *Task, err error) {
	state := StateDone
	switch {
	case ctx.Err() != nil:
		state = StateCancelled
		if err == nil {
			err = dferrors.ErrOperationCanceled
		}
	case err != nil:
		state = StateFailed
	}

	s.mu.Lock()
	cancel := task.cancel
	task.cancel = nil
	s.running--
	s.registry.remove(task)
	finished := task.finish(state, err)
	if finished {
		s.metrics.observeFinished(state, task.started)
		s.recordLocked(task, state)
	}
	s.updateLocked()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if !finished {
		s.deliver(task)
		return
	}

	if state == StateFailed {
		s.logger.Warn("Download task failed",
			"task_id", task.ID,
			"series_uid", task.SeriesUID,
			"error", err)
	} else {
		s.logger.Debug("Download task finished",
			"task_id", task.ID,
			"series_uid", task.SeriesUID,
			"state", state.String(),
			"duration", time.Since(task.started))
	}
	s.deliver(task)
}

// updateLocked refreshes gauges and the idle channel.
func (s *Scheduler) updateLocked() {
	s.metrics.setQueued(s.queue.Len())
	s.metrics.setRunning(s.running)

	empty := s.emptyLocked()
	select {
	case <-s.idle:
		if !empty {
			s.idle = make(chan struct{})
		}
	default:
		if empty {
			close(s.idle)
		}
	}
}

func (s *Scheduler) emptyLocked() bool {
	return s.registry.len() == 0 && s.notifying == 0
}

// recordLocked appends a transition to the task outbox. It must be called
// under mu at the point the transition happens.
func (s *Scheduler) recordLocked(task *Task, state State) {
	task.outbox = append(task.outbox, state)
	s.notifying++
}

// deliver drains the task outbox in order. Only one goroutine drains a task
// at a time; a caller that finds a drain in progress leaves its transitions
// to that goroutine.
func (s *Scheduler) deliver(task *Task) {
	s.mu.Lock()
	if task.delivering {
		s.mu.Unlock()
		return
	}
	task.delivering = true
	for len(task.outbox) > 0 {
		state := task.outbox[0]
		task.outbox = task.outbox[1:]
		s.mu.Unlock()

		s.notify(task, state)

		s.mu.Lock()
		s.notifying--
		s.updateLocked()
	}
	task.delivering = false
	s.mu.Unlock()
}

func (s *Scheduler) notify(task *Task, state State) {
	s.listenerMu.RLock()
	listeners := slices.Clone(s.listeners)
	s.listenerMu.RUnlock()

	for _, l := range listeners {
		l.TaskChanged(task, state)
	}
}
