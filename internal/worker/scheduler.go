package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/martinsuchenak/vnetd/internal/log"
)

// DefaultReconcileSchedule is used when no schedule is configured
const DefaultReconcileSchedule = "@every 5m"

// Task status values
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// TaskHandler is the function executed by a task
type TaskHandler func(ctx context.Context) error

// Task is a recurring job registered with the scheduler
type Task struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	Status    string     `json:"status"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`

	handler TaskHandler
	entry   cron.EntryID
}

// Scheduler runs registered tasks on cron schedules. A task whose previous
// run is still in progress is skipped.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	tasks   map[string]*Task
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a stopped scheduler
func NewScheduler() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron:   cron.New(),
		tasks:  make(map[string]*Task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// RegisterTask adds a task; schedule is any robfig/cron spec such as
// "@every 5m" or "*/10 * * * *"
func (s *Scheduler) RegisterTask(id, name, schedule string, handler TaskHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[id]; exists {
		return fmt.Errorf("task %s already registered", id)
	}

	task := &Task{
		ID:       id,
		Name:     name,
		Schedule: schedule,
		Status:   TaskPending,
		handler:  handler,
	}

	entry, err := s.cron.AddFunc(schedule, func() { s.runTask(task) })
	if err != nil {
		return fmt.Errorf("parsing schedule %q: %w", schedule, err)
	}
	task.entry = entry
	s.tasks[id] = task

	log.Info("Task registered", "task_id", id, "schedule", schedule)
	return nil
}

// RunNow executes a registered task immediately and waits for it
func (s *Scheduler) RunNow(id string) error {
	s.mu.Lock()
	task, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s not registered", id)
	}
	return s.runTask(task)
}

// Tasks returns a snapshot of the registered tasks
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, *t)
	}
	return tasks
}

// Start begins firing tasks on their schedules
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true
	s.cron.Start()
	log.Info("Starting background scheduler", "tasks", len(s.tasks))
}

// Stop halts scheduling, cancels running tasks and waits for them
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Info("Stopping background scheduler")
	<-s.cron.Stop().Done()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) runTask(task *Task) error {
	s.mu.Lock()
	if task.Status == TaskRunning {
		s.mu.Unlock()
		log.Debug("Task still running, skipping", "task_id", task.ID)
		return nil
	}
	task.Status = TaskRunning
	now := time.Now()
	task.LastRun = &now
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	log.Debug("Running task", "task_id", task.ID, "name", task.Name)
	err := task.handler(s.ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		task.Status = TaskFailed
		task.LastError = err.Error()
		log.Error("Task failed", "task_id", task.ID, "error", err)
	} else {
		task.Status = TaskCompleted
		task.LastError = ""
		log.Debug("Task completed", "task_id", task.ID)
	}
	return err
}

// ReconcileTask adapts a reconciler to a scheduler task
func ReconcileTask(r *Reconciler) TaskHandler {
	return func(ctx context.Context) error {
		_, err := r.Run(ctx)
		return err
	}
}
