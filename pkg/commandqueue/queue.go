package commandqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/harun/syncd/internal/observability"
	"github.com/harun/syncd/internal/tracing"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var (
	// ErrQueueFull is returned by Submit when the lane is at capacity.
	ErrQueueFull = errors.New("lane queue full")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("queue closed")
)

// DefaultCapacity bounds each lane when Config.Capacity is zero.
const DefaultCapacity = 1024

// Task is a unit of lane work.
type Task func(ctx context.Context) error

// Config configures a Queue.
type Config struct {
	// Capacity is the maximum number of pending tasks per lane.
	Capacity int
	Logger   zerolog.Logger
}

// taskRecord tracks a task's execution state
type taskRecord struct {
	id         string
	task       Task
	ctx        context.Context
	enqueuedAt time.Time
	done       chan error // nil for fire-and-forget submissions
}

// laneState holds the pending tasks of one lane. At most one drain
// goroutine exists per lane.
type laneState struct {
	name    string
	queue   []*taskRecord
	running bool
	active  string
}

// Queue provides lane-based task serialization.
type Queue struct {
	mu        sync.Mutex
	lanes     map[string]*laneState
	taskIDSeq uint64
	capacity  int
	closed    bool

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger
}

// New creates an empty Queue. Lanes are created on first use.
func New(cfg Config) *Queue {
	observability.EnsureRegistered()

	if cfg.Capacity <= 0 {
		cfg.Capacity = DefaultCapacity
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Queue{
		lanes:    make(map[string]*laneState),
		capacity: cfg.Capacity,
		ctx:      ctx,
		cancel:   cancel,
		logger:   cfg.Logger.With().Str("component", "commandqueue").Logger(),
	}
}

// Submit appends task to lane and returns without waiting for it to run.
func (q *Queue) Submit(ctx context.Context, lane string, task Task) error {
	_, err := q.push(ctx, lane, task, false)
	return err
}

// Enqueue appends task to lane and waits for its result. Cancelling ctx
// stops the wait, not the task.
func (q *Queue) Enqueue(ctx context.Context, lane string, task Task) error {
	record, err := q.push(ctx, lane, task, true)
	if err != nil {
		return err
	}

	select {
	case err := <-record.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *Queue) push(ctx context.Context, lane string, task Task, wait bool) (*taskRecord, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if task == nil {
		return nil, fmt.Errorf("nil task")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrClosed
	}

	ls, exists := q.lanes[lane]
	if !exists {
		ls = &laneState{name: lane}
		q.lanes[lane] = ls
		q.logger.Debug().Str("lane", lane).Msg("Lane initialized")
	}

	if len(ls.queue) >= q.capacity {
		q.logger.Warn().Str("lane", lane).Int("capacity", q.capacity).Msg("Lane full, task rejected")
		return nil, fmt.Errorf("%w: %s", ErrQueueFull, lane)
	}

	q.taskIDSeq++
	record := &taskRecord{
		id:         fmt.Sprintf("%s-%d", lane, q.taskIDSeq),
		task:       task,
		ctx:        ctx,
		enqueuedAt: time.Now(),
	}
	if wait {
		record.done = make(chan error, 1)
	}

	ls.queue = append(ls.queue, record)
	observability.SetQueueSize(lane, len(ls.queue))

	if !ls.running {
		ls.running = true
		q.wg.Add(1)
		go q.drain(ls)
	}

	return record, nil
}

// drain runs the lane's tasks in order until the lane is empty.
func (q *Queue) drain(ls *laneState) {
	defer q.wg.Done()

	for {
		q.mu.Lock()
		if len(ls.queue) == 0 {
			ls.running = false
			ls.active = ""
			q.mu.Unlock()
			return
		}
		record := ls.queue[0]
		ls.queue[0] = nil
		ls.queue = ls.queue[1:]
		ls.active = record.id
		remaining := len(ls.queue)
		q.mu.Unlock()

		q.executeTask(ls.name, record, remaining)
	}
}

// executeTask executes a single task
func (q *Queue) executeTask(lane string, record *taskRecord, remaining int) {
	taskCtx, span := tracing.StartSpan(
		record.ctx,
		"syncd.commandqueue",
		"commandqueue.execute_task",
		attribute.String("lane", lane),
		attribute.String("task_id", record.id),
	)
	defer span.End()

	logger := tracing.LoggerFromContext(taskCtx, q.logger)

	runCtx, cancel := context.WithCancel(taskCtx)
	stopCancel := context.AfterFunc(q.ctx, cancel)
	defer func() {
		stopCancel()
		cancel()
	}()

	startTime := time.Now()
	err := q.run(runCtx, record.task)
	duration := time.Since(startTime)

	if record.done != nil {
		record.done <- err
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Error().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Err(err).
			Msg("Task failed")
	} else {
		logger.Debug().
			Str("lane", lane).
			Str("taskId", record.id).
			Dur("duration", duration).
			Dur("waited", startTime.Sub(record.enqueuedAt)).
			Msg("Task completed")
	}

	observability.RecordTaskCompletion(lane, duration, remaining)
}

func (q *Queue) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panic: %v", r)
		}
	}()
	return task(ctx)
}

// GetQueueSize returns the number of pending tasks for a lane
func (q *Queue) GetQueueSize(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	if ls, ok := q.lanes[lane]; ok {
		return len(ls.queue)
	}
	return 0
}

// GetStats returns pending and running counts for every lane
func (q *Queue) GetStats() map[string]map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := make(map[string]map[string]int, len(q.lanes))
	for lane, ls := range q.lanes {
		running := 0
		if ls.running {
			running = 1
		}
		stats[lane] = map[string]int{
			"queued":  len(ls.queue),
			"running": running,
		}
	}
	return stats
}

// ClearLane drops every pending task of a lane. A running task finishes.
func (q *Queue) ClearLane(lane string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	ls, exists := q.lanes[lane]
	if !exists {
		return 0
	}

	count := len(ls.queue)
	for _, record := range ls.queue {
		if record.done != nil {
			record.done <- fmt.Errorf("lane cleared")
		}
	}
	ls.queue = nil

	q.logger.Info().Str("lane", lane).Int("cleared", count).Msg("Lane cleared")
	observability.SetQueueSize(lane, 0)

	return count
}

// WaitForIdle waits until every lane is empty and idle, or the timeout expires.
func (q *Queue) WaitForIdle(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if q.idle() {
			return true
		}
		if time.Now().After(deadline) {
			q.logger.Warn().Dur("timeout", timeout).Msg("Timeout waiting for lanes to drain")
			return false
		}
		<-ticker.C
	}
}

func (q *Queue) idle() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ls := range q.lanes {
		if ls.running || len(ls.queue) > 0 {
			return false
		}
	}
	return true
}

// Close stops accepting tasks and waits for pending ones to finish. When ctx
// expires first, running tasks see their context cancelled.
func (q *Queue) Close(ctx context.Context) error {
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
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-done
		return ctx.Err()
	}
}
