// Package queue is the in-process admission queue: a FIFO backlog with a
// maximum depth, drained by at most Concurrency tasks at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/voxnote/bot/internal/model"
)

var (
	// ErrQueueFull means the backlog is at maxDepth; nothing was enqueued.
	ErrQueueFull = errors.New("queue is full")
	// ErrQueueClosed is returned after Drain has been called.
	ErrQueueClosed = errors.New("queue is closed")
)

// Task is one unit of admitted work. Its error is logged, never propagated.
type Task func(ctx context.Context) error

type entry struct {
	name string
	task Task
}

type Queue struct {
	concurrency int
	maxDepth    int
	log         *logrus.Entry

	mu      sync.Mutex
	running int
	backlog []entry
	closed  bool
	wg      sync.WaitGroup
}

// New creates a queue. concurrency below 1 is treated as 1; maxDepth 0
// disables the depth check.
func New(concurrency, maxDepth int, log *logrus.Entry) *Queue {
	if concurrency < 1 {
		concurrency = 1
	}
	if maxDepth < 0 {
		maxDepth = 0
	}
	return &Queue{
		concurrency: concurrency,
		maxDepth:    maxDepth,
		log:         log,
	}
}

// Submit admits a task. It returns the task's 1-based position in the
// backlog, or 0 when the task started straight away.
func (q *Queue) Submit(name string, task Task) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}
	if q.maxDepth > 0 && len(q.backlog) >= q.maxDepth {
		return 0, ErrQueueFull
	}

	q.wg.Add(1)
	q.backlog = append(q.backlog, entry{name: name, task: task})
	q.pumpLocked()

	// the pump only pops from the head, so a task still waiting is the tail
	return len(q.backlog), nil
}

// pumpLocked starts backlog heads while there is spare capacity.
func (q *Queue) pumpLocked() {
	for q.running < q.concurrency && len(q.backlog) > 0 {
		next := q.backlog[0]
		q.backlog[0] = entry{}
		q.backlog = q.backlog[1:]
		q.running++
		go q.run(next)
	}
}

func (q *Queue) run(e entry) {
	defer func() {
		q.mu.Lock()
		q.running--
		q.pumpLocked()
		q.mu.Unlock()
		q.wg.Done()
	}()

	if err := q.execute(e); err != nil {
		q.log.WithError(err).WithField("task", e.name).Warn("Queued task failed")
	}
}

func (q *Queue) execute(e entry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return e.task(context.Background())
}

// Stats returns a snapshot of the queue.
func (q *Queue) Stats() model.QueueStatus {
	q.mu.Lock()
	defer q.mu.Unlock()
	return model.QueueStatus{
		Running:     q.running,
		Pending:     len(q.backlog),
		Concurrency: q.concurrency,
		MaxDepth:    q.maxDepth,
	}
}

// Drain stops admission and waits for running and queued tasks to finish,
// or for ctx to expire.
func (q *Queue) Drain(ctx context.Context) error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
