package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a handle to a periodic function started by a Scheduler
type Task struct {
	name   string
	cancel context.CancelFunc
	done   chan struct{}
}

// Cancel stops the task and waits for a running invocation to return
func (t *Task) Cancel() {
	t.cancel()
	<-t.done
}

// Scheduler owns the periodic tasks of a client. CancelAll stops every task
// deterministically.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[*Task]struct{}
	log    *zap.Logger
	closed bool
}

func newScheduler(log *zap.Logger) *Scheduler {
	return &Scheduler{tasks: make(map[*Task]struct{}), log: log}
}

// Every runs fn each interval until the task is cancelled. It returns nil
// after CancelAll.
func (s *Scheduler) Every(name string, interval time.Duration, fn func(ctx context.Context)) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || interval <= 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{name: name, cancel: cancel, done: make(chan struct{})}
	s.tasks[t] = struct{}{}

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.run(ctx, t, fn)
			}
		}
	}()

	s.log.Debug("scheduled task started", zap.String("task", name), zap.Duration("interval", interval))
	return t
}

func (s *Scheduler) run(ctx context.Context, t *Task, fn func(ctx context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("scheduled task panicked", zap.String("task", t.name), zap.String("panic", fmt.Sprint(r)))
		}
	}()
	fn(ctx)
}

// Len returns the number of running tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// CancelAll stops every task and rejects new ones
func (s *Scheduler) CancelAll() {
	s.mu.Lock()
	s.closed = true
	tasks := s.tasks
	s.tasks = make(map[*Task]struct{})
	s.mu.Unlock()

	for t := range tasks {
		t.Cancel()
	}
}
