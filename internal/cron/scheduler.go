package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/user/scout/internal/types"
)

var (
	ErrTaskExists      = errors.New("cron task already exists")
	ErrTaskNotFound    = errors.New("cron task not found")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrMissingAction   = errors.New("missing cron action handler")
	ErrMissingMessage  = errors.New("missing message")
)

// scheduleParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var scheduleParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

var taskIDPattern = regexp.MustCompile(`^task-(\d+)$`)

// MessageFunc receives the text of a firing task that has no action.
type MessageFunc func(ctx context.Context, msg types.ConnectorMessage, mctx types.MessageContext, task Task)

// Action handles a firing task whose Action field names it.
type Action func(ctx context.Context, task Task, mctx types.MessageContext) error

// ErrorFunc is told about tasks that could not be armed or dispatched.
type ErrorFunc func(err error, task Task)

type Options struct {
	Tasks     []Task
	OnMessage MessageFunc
	Actions   map[string]Action
	OnError   ErrorFunc
	Clock     clockwork.Clock
	Logger    *slog.Logger
}

// Scheduler arms one timer per enabled task. It runs at most once: after
// Stop it never dispatches again and Start is a no-op.
type Scheduler struct {
	mu      sync.Mutex
	tasks   []Task
	timers  map[string]clockwork.Timer
	started bool
	stopped bool
	counter int

	onMessage MessageFunc
	actions   map[string]Action
	onError   ErrorFunc
	clock     clockwork.Clock
	logger    *slog.Logger
	ctx       context.Context
	cancel    context.CancelFunc
}

// New creates a scheduler. Tasks without an id are named task-1, task-2...
// by position.
func New(opts Options) *Scheduler {
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	actions := make(map[string]Action, len(opts.Actions))
	for name, fn := range opts.Actions {
		actions[name] = fn
	}
	ctx, cancel := context.WithCancel(context.Background())

	tasks := make([]Task, 0, len(opts.Tasks))
	for i, task := range opts.Tasks {
		task = task.clone()
		if task.ID == "" {
			task.ID = fmt.Sprintf("task-%d", i+1)
		}
		tasks = append(tasks, task)
	}

	return &Scheduler{
		tasks:     tasks,
		timers:    make(map[string]clockwork.Timer),
		counter:   seedCounter(tasks),
		onMessage: opts.OnMessage,
		actions:   actions,
		onError:   opts.OnError,
		clock:     clock,
		logger:    logger.With("component", "cron"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start arms every enabled task.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.started = true

	var failed []armFailure
	for _, task := range s.tasks {
		if !task.IsEnabled() {
			continue
		}
		if err := s.armLocked(task); err != nil {
			failed = append(failed, armFailure{task: task, err: err})
		}
	}
	count := len(s.timers)
	s.mu.Unlock()

	s.logger.Info("cron started", "tasks", len(s.tasks), "armed", count)
	for _, f := range failed {
		s.reportError(f.err, f.task)
	}
}

// Stop disarms all timers. It is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.cancel()
}

// AddTask registers a task, assigning the next free task-N id when none is
// given. The task is armed immediately if the scheduler is running.
func (s *Scheduler) AddTask(task Task) (Task, error) {
	task = task.clone()

	s.mu.Lock()
	if task.ID == "" {
		task.ID = s.nextIDLocked()
	}
	for _, existing := range s.tasks {
		if existing.ID == task.ID {
			s.mu.Unlock()
			return Task{}, fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
	}
	s.tasks = append(s.tasks, task)

	var armErr error
	if s.started && !s.stopped && task.IsEnabled() {
		armErr = s.armLocked(task)
	}
	s.mu.Unlock()

	if armErr != nil {
		s.reportError(armErr, task)
	}
	s.logger.Info("cron task added", "task_id", task.ID, "every_ms", task.EveryMs, "schedule", task.Schedule, "once", task.Once)
	return task.clone(), nil
}

// RemoveTask disarms and forgets a task.
func (s *Scheduler) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, task := range s.tasks {
		if task.ID != id {
			continue
		}
		s.tasks = append(s.tasks[:i], s.tasks[i+1:]...)
		if timer, ok := s.timers[id]; ok {
			timer.Stop()
			delete(s.timers, id)
		}
		return nil
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

// ListTasks returns a copy of every known task, armed or not.
func (s *Scheduler) ListTasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, len(s.tasks))
	for i, task := range s.tasks {
		out[i] = task.clone()
	}
	return out
}

// Running reports whether Start has been called and Stop has not.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped
}

type armFailure struct {
	task Task
	err  error
}

// armLocked validates a task and arms its first timer. A run-on-start
// dispatch happens right away; a one-shot task that ran on start gets no
// timer.
func (s *Scheduler) armLocked(task Task) error {
	var next func(now time.Time) time.Duration

	if task.Schedule != "" {
		sched, err := scheduleParser.Parse(task.Schedule)
		if err != nil {
			return fmt.Errorf("%w for task %s: %w", ErrInvalidSchedule, task.ID, err)
		}
		next = func(now time.Time) time.Duration {
			return sched.Next(now).Sub(now)
		}
	} else {
		if task.EveryMs <= 0 || task.EveryMs > MaxEveryMs {
			return fmt.Errorf("%w for task %s", ErrInvalidInterval, task.ID)
		}
		interval := task.Interval()
		next = func(time.Time) time.Duration {
			return interval
		}
	}

	if task.RunOnStart {
		go s.dispatch(task)
		if task.Once {
			return nil
		}
	}

	s.armNextLocked(task, next)
	return nil
}

func (s *Scheduler) armNextLocked(task Task, next func(time.Time) time.Duration) {
	var timer clockwork.Timer
	timer = s.clock.AfterFunc(next(s.clock.Now()), func() {
		s.mu.Lock()
		if s.stopped || s.timers[task.ID] != timer {
			s.mu.Unlock()
			return
		}
		if task.Once {
			delete(s.timers, task.ID)
		} else {
			s.armNextLocked(task, next)
		}
		s.mu.Unlock()

		s.dispatch(task)
	})
	s.timers[task.ID] = timer
}

func (s *Scheduler) dispatch(task Task) {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return
	}

	mctx := task.MessageContext()
	s.logger.Debug("cron firing task", "task_id", task.ID, "action", task.Action, "channel_id", mctx.ChannelID)

	if task.Action != "" {
		action, ok := s.actions[task.Action]
		if !ok {
			s.reportError(fmt.Errorf("%w: %s", ErrMissingAction, task.Action), task)
			return
		}
		if err := action(s.ctx, task, mctx); err != nil {
			s.reportError(fmt.Errorf("cron action %s: %w", task.Action, err), task)
		}
		return
	}

	if task.Message == nil {
		s.reportError(fmt.Errorf("%w for cron task %s", ErrMissingMessage, task.ID), task)
		return
	}
	if s.onMessage == nil {
		return
	}
	s.onMessage(s.ctx, types.ConnectorMessage{Text: types.Ptr(*task.Message)}, mctx, task)
}

func (s *Scheduler) reportError(err error, task Task) {
	s.logger.Warn("cron task error", "task_id", task.ID, "error", err)
	if s.onError != nil {
		s.onError(err, task)
	}
}

func (s *Scheduler) nextIDLocked() string {
	candidate := s.counter + 1
	for {
		id := fmt.Sprintf("task-%d", candidate)
		taken := false
		for _, task := range s.tasks {
			if task.ID == id {
				taken = true
				break
			}
		}
		if !taken {
			s.counter = candidate
			return id
		}
		candidate++
	}
}

// seedCounter starts id generation past the highest task-N already in use
// and past the number of configured tasks.
func seedCounter(tasks []Task) int {
	highest := 0
	for _, task := range tasks {
		m := taskIDPattern.FindStringSubmatch(task.ID)
		if m == nil {
			continue
		}
		if n, err := strconv.Atoi(m[1]); err == nil && n > highest {
			highest = n
		}
	}
	return max(highest, len(tasks))
}

// ValidateSchedule reports whether expr parses as a cron expression.
func ValidateSchedule(expr string) error {
	if _, err := scheduleParser.Parse(expr); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSchedule, err)
	}
	return nil
}
