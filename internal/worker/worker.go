package worker

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"TupleMR/internal/logger"
	"TupleMR/internal/mapreduce"
	"TupleMR/internal/tuplespace"
)

type Config struct {
	ID       string
	Logger   *logger.Logger
	Registry *mapreduce.Registry
	// Backoff is the pause after a queue error before taking again.
	Backoff time.Duration
}

// Worker repeatedly takes any task from the queue, runs it and publishes
// the result under the task's owner.
type Worker struct {
	id       string
	queue    tuplespace.Queue
	registry *mapreduce.Registry
	logger   *logger.Logger
	backoff  time.Duration

	completed atomic.Int64
	failed    atomic.Int64
}

type Stats struct {
	ID        string
	Completed int64
	Failed    int64
}

func New(queue tuplespace.Queue, cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = "worker-" + uuid.New().String()[:8]
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.New("INFO")
	}
	if cfg.Registry == nil {
		cfg.Registry = mapreduce.NewRegistry()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 500 * time.Millisecond
	}

	return &Worker{
		id:       cfg.ID,
		queue:    queue,
		registry: cfg.Registry,
		logger:   cfg.Logger.Named(cfg.ID),
		backoff:  cfg.Backoff,
	}
}

func (w *Worker) ID() string { return w.id }

// Run loops until ctx ends, which is its only exit.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("Worker started: functions=%v", w.registry.Names())
	defer w.logger.Info("Worker stopped: completed=%d failed=%d", w.completed.Load(), w.failed.Load())

	for {
		if err := w.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warn("Queue error, backing off: err=%v backoff=%s", err, w.backoff)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.backoff):
			}
		}
	}
}

// RunOnce takes a single task, executes it and writes its result. A task
// that fails is answered with an error tuple so its owner does not hang.
func (w *Worker) RunOnce(ctx context.Context) error {
	tuple, err := w.queue.Take(ctx, tuplespace.Pattern{Kind: tuplespace.KindTask})
	if err != nil {
		return err
	}
	if tuple.Task == nil {
		w.logger.Warn("Discarding task tuple without task: tuple=%s", tuple)
		return nil
	}

	task := *tuple.Task
	w.logger.Debug("Task taken: owner=%s task_id=%d function=%s items=%d", tuple.Owner, task.ID, task.Function, len(task.Data))

	start := time.Now()
	result, execErr := mapreduce.Execute(task, w.registry)

	reply := tuplespace.ResultTuple(tuple.Owner, task.ID, result)
	if execErr != nil {
		w.failed.Add(1)
		w.logger.Error("Task failed: owner=%s task_id=%d err=%v", tuple.Owner, task.ID, execErr)
		reply = tuplespace.ErrorTuple(tuple.Owner, task.ID, execErr)
	} else {
		w.completed.Add(1)
		w.logger.Debug("Task done: owner=%s task_id=%d duration=%s", tuple.Owner, task.ID, time.Since(start))
	}

	// Publishing must not be cut short by the loop's own cancellation once
	// the task has been consumed.
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := w.queue.Write(wctx, reply); err != nil {
		return fmt.Errorf("failed to publish result for task %d: %w", task.ID, err)
	}
	return nil
}

func (w *Worker) Stats() Stats {
	return Stats{
		ID:        w.id,
		Completed: w.completed.Load(),
		Failed:    w.failed.Load(),
	}
}
