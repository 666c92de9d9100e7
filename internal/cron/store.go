package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/user/scout/internal/fsutil"
)

// TaskStore is a JSON-file-backed list of tasks added at runtime, so they
// survive a restart.
type TaskStore struct {
	path string
	mu   sync.RWMutex
}

// NewTaskStore creates a new file-backed TaskStore at the given file path.
func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path}
}

// Path returns the file path used by this store.
func (s *TaskStore) Path() string {
	return s.path
}

// List returns all stored tasks. Returns an empty slice if the file doesn't exist.
func (s *TaskStore) List() ([]Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		return []Task{}, nil
	}
	return tasks, nil
}

// Add appends a task. Returns an error if a task with the same id already exists.
func (s *TaskStore) Add(task Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range tasks {
		if existing.ID == task.ID {
			return fmt.Errorf("%w: %s", ErrTaskExists, task.ID)
		}
	}
	return s.save(append(tasks, task))
}

// Remove deletes a task by id. Returns ErrTaskNotFound if it is not stored.
func (s *TaskStore) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return err
	}
	for i, task := range tasks {
		if task.ID == id {
			tasks = append(tasks[:i], tasks[i+1:]...)
			return s.save(tasks)
		}
	}
	return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
}

func (s *TaskStore) load() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks file: %w", err)
	}

	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("unmarshal tasks: %w", err)
	}
	return tasks, nil
}

func (s *TaskStore) save(tasks []Task) error {
	if err := fsutil.WriteJSONAtomic(s.path, tasks, 0o644); err != nil {
		return fmt.Errorf("save tasks: %w", err)
	}
	return nil
}
