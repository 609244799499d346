// Package taskqueue schedules handler invocations for a time in the future
// and runs them one at a time.
package taskqueue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Task is one scheduled handler invocation. A task is unique per handler and
// args: scheduling it again moves its due time.
type Task struct {
	ID        int64     `json:"id"`
	Handler   string    `json:"handler"`
	Args      string    `json:"args"`
	NotBefore time.Time `json:"notBefore"`
	Attempts  int       `json:"attempts"`

	version int64
}

// Queue is the task store
type Queue interface {
	// Schedule arranges for handler to run with args at or after notBefore
	Schedule(ctx context.Context, handler, args string, notBefore time.Time) error
	// Claim leases the earliest due task. It returns nil when nothing is due.
	Claim(ctx context.Context, now time.Time, lease time.Duration) (*Task, error)
	// Complete removes a claimed task unless it was scheduled again while it ran
	Complete(ctx context.Context, task *Task) error
	// Retry releases a claimed task that failed so it runs again at notBefore.
	// Its attempt count is kept. A task scheduled again while it ran keeps
	// that schedule instead.
	Retry(ctx context.Context, task *Task, notBefore time.Time) error
}

type memoryTask struct {
	Task
	leaseUntil time.Time
}

// MemoryQueue keeps tasks in process. Tasks are lost on restart.
type MemoryQueue struct {
	mu     sync.Mutex
	tasks  map[string]*memoryTask
	nextID int64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{tasks: map[string]*memoryTask{}}
}

func taskKey(handler, args string) string { return handler + "\x00" + args }

func (q *MemoryQueue) Schedule(ctx context.Context, handler, args string, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := taskKey(handler, args)
	if t, ok := q.tasks[key]; ok {
		t.NotBefore = notBefore
		t.version++
		return nil
	}
	q.nextID++
	q.tasks[key] = &memoryTask{Task: Task{ID: q.nextID, Handler: handler, Args: args, NotBefore: notBefore}}
	return nil
}

func (q *MemoryQueue) Claim(ctx context.Context, now time.Time, lease time.Duration) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*memoryTask
	for _, t := range q.tasks {
		if !t.NotBefore.After(now) && t.leaseUntil.Before(now) {
			due = append(due, t)
		}
	}
	if len(due) == 0 {
		return nil, nil
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].NotBefore.Equal(due[j].NotBefore) {
			return due[i].ID < due[j].ID
		}
		return due[i].NotBefore.Before(due[j].NotBefore)
	})
	t := due[0]
	t.leaseUntil = now.Add(lease)
	t.Attempts++
	claimed := t.Task
	return &claimed, nil
}

func (q *MemoryQueue) Complete(ctx context.Context, task *Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	key := taskKey(task.Handler, task.Args)
	t, ok := q.tasks[key]
	if !ok || t.ID != task.ID {
		return nil
	}
	if t.version != task.version {
		t.leaseUntil = time.Time{}
		t.Attempts = 0
		return nil
	}
	delete(q.tasks, key)
	return nil
}

func (q *MemoryQueue) Retry(ctx context.Context, task *Task, notBefore time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[taskKey(task.Handler, task.Args)]
	if !ok || t.ID != task.ID {
		return nil
	}
	t.leaseUntil = time.Time{}
	if t.version != task.version {
		t.Attempts = 0
		return nil
	}
	t.NotBefore = notBefore
	return nil
}

// Pending lists queued tasks by due time
func (q *MemoryQueue) Pending() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.Task)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NotBefore.Before(out[j].NotBefore) })
	return out
}

var _ Queue = (*MemoryQueue)(nil)
