package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"TupleMR/internal/logger"
	"TupleMR/internal/partition"
	"TupleMR/internal/tuplespace"
	"TupleMR/internal/types"
)

const (
	PhaseMap    = "map"
	PhaseReduce = "reduce"
)

// purgeWait bounds each take of the cleanup after a failed run.
const purgeWait = 250 * time.Millisecond

// Job drives one MapReduce computation through a shared queue. Callers set
// Data, Map, Reduce and Partition, then call Run.
type Job struct {
	Data      []any
	Map       types.Transform
	Reduce    types.Transform
	Partition partition.Partitioner

	queue       tuplespace.Queue
	mapTasks    int
	reduceTasks int
	takeTimeout time.Duration
	logger      *logger.Logger
}

// NewJob creates a job that splits its input into mapTasks map tasks and its
// map output into reduceTasks reduce tasks.
func NewJob(queue tuplespace.Queue, mapTasks, reduceTasks int) *Job {
	return &Job{
		queue:       queue,
		mapTasks:    mapTasks,
		reduceTasks: reduceTasks,
		logger:      logger.New("INFO").Named("job"),
	}
}

// SetTakeTimeout bounds the wait for each task's result. Zero waits until
// the context passed to Run ends.
func (j *Job) SetTakeTimeout(d time.Duration) {
	j.takeTimeout = d
}

func (j *Job) SetLogger(lg *logger.Logger) {
	j.logger = lg.Named("job")
}

func (j *Job) MapTasks() int    { return j.mapTasks }
func (j *Job) ReduceTasks() int { return j.reduceTasks }

func (j *Job) validate() error {
	if j.Map == nil || j.Reduce == nil || j.Partition == nil {
		return fmt.Errorf("%w: map, reduce and partition must all be assigned", ErrConfiguration)
	}
	if j.mapTasks < 1 || j.reduceTasks < 1 {
		return fmt.Errorf("%w: task counts must be at least 1 (map=%d reduce=%d)", ErrConfiguration, j.mapTasks, j.reduceTasks)
	}
	if j.queue == nil {
		return fmt.Errorf("%w: no task queue", ErrConfiguration)
	}
	return nil
}

// Run executes the map phase, re-partitions its results and executes the
// reduce phase. The returned slice holds one result per reduce task, in task
// order. Each call is an independent run with its own owner id.
func (j *Job) Run(ctx context.Context) ([]any, error) {
	if err := j.validate(); err != nil {
		j.logger.Error("Job rejected: %v", err)
		return nil, err
	}

	owner := "job-" + uuid.New().String()
	start := time.Now()
	j.logger.Info("Job started: owner=%s items=%d map_tasks=%d reduce_tasks=%d",
		owner, len(j.Data), j.mapTasks, j.reduceTasks)

	results, err := j.run(ctx, owner)
	if err != nil {
		removed := j.purge(ctx, owner)
		j.logger.Warn("Job abandoned: owner=%s purged=%d err=%v", owner, removed, err)
		return nil, err
	}

	j.logger.Info("Job finished: %s", logger.Fields(map[string]interface{}{
		"owner":    owner,
		"results":  len(results),
		"duration": time.Since(start).Round(time.Millisecond),
	}))
	return results, nil
}

func (j *Job) run(ctx context.Context, owner string) ([]any, error) {
	mapTasks := buildTasks(partition.Simple(j.Data, j.mapTasks), j.Map)
	mapResults, err := j.submitAndCollect(ctx, PhaseMap, owner, mapTasks)
	if err != nil {
		return nil, err
	}

	reduceData, err := j.Partition.Partition(mapResults, j.reduceTasks)
	if err != nil {
		j.logger.Error("Partition failed: owner=%s err=%v", owner, err)
		return nil, fmt.Errorf("failed to partition map results: %w", err)
	}
	if len(reduceData) != j.reduceTasks {
		return nil, fmt.Errorf("partitioner returned %d partitions, want %d", len(reduceData), j.reduceTasks)
	}

	reduceTasks := buildTasks(reduceData, j.Reduce)
	return j.submitAndCollect(ctx, PhaseReduce, owner, reduceTasks)
}

// purge removes the unclaimed tasks and uncollected results a failed run
// left under owner. Results of tasks still executing arrive afterwards and
// are not removed.
func (j *Job) purge(ctx context.Context, owner string) int {
	base := context.WithoutCancel(ctx)
	removed := 0
	for {
		pctx, cancel := context.WithTimeout(base, purgeWait)
		_, err := j.queue.Take(pctx, tuplespace.Pattern{Owner: owner})
		cancel()
		if err != nil {
			return removed
		}
		removed++
	}
}

func buildTasks(parts [][]any, fn types.Transform) []types.Task {
	tasks := make([]types.Task, len(parts))
	for i, data := range parts {
		tasks[i] = types.NewTask(i+1, data, fn)
	}
	return tasks
}

// submitAndCollect publishes every task, then takes results strictly in
// submission order, matching on (owner, task id). results[i] always belongs
// to tasks[i] whatever order workers finish in.
func (j *Job) submitAndCollect(ctx context.Context, phase, owner string, tasks []types.Task) ([]any, error) {
	for _, task := range tasks {
		if err := j.queue.Write(ctx, tuplespace.TaskTuple(owner, task)); err != nil {
			j.logger.Error("Failed to submit task: phase=%s task_id=%d err=%v", phase, task.ID, err)
			return nil, fmt.Errorf("failed to submit %s task %d: %w", phase, task.ID, err)
		}
		j.logger.Debug("Task submitted: phase=%s task_id=%d items=%d", phase, task.ID, len(task.Data))
	}
	j.logger.Info("Phase submitted: phase=%s owner=%s tasks=%d", phase, owner, len(tasks))

	results := make([]any, len(tasks))
	for i, task := range tasks {
		tuple, err := j.take(ctx, phase, tuplespace.Pattern{
			Kind:   tuplespace.KindResult,
			Owner:  owner,
			TaskID: task.ID,
		})
		if err != nil {
			return nil, err
		}
		if tuple.Err != "" {
			j.logger.Error("Task failed: phase=%s task_id=%d err=%s", phase, task.ID, tuple.Err)
			return nil, &TaskFailedError{Phase: phase, TaskID: task.ID, Message: tuple.Err}
		}
		results[i] = tuple.Result
		j.logger.Debug("Result collected: phase=%s task_id=%d", phase, task.ID)
	}

	j.logger.Info("Phase complete: phase=%s owner=%s results=%d", phase, owner, len(results))
	return results, nil
}

func (j *Job) take(ctx context.Context, phase string, p tuplespace.Pattern) (tuplespace.Tuple, error) {
	if j.takeTimeout <= 0 {
		t, err := j.queue.Take(ctx, p)
		if err != nil {
			return t, fmt.Errorf("failed to collect %s task %d: %w", phase, p.TaskID, err)
		}
		return t, nil
	}

	tctx, cancel := context.WithTimeout(ctx, j.takeTimeout)
	defer cancel()

	t, err := j.queue.Take(tctx, p)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			j.logger.Warn("Task timed out: phase=%s task_id=%d timeout=%s", phase, p.TaskID, j.takeTimeout)
			return t, &TaskTimeoutError{Phase: phase, TaskID: p.TaskID, Timeout: j.takeTimeout}
		}
		return t, fmt.Errorf("failed to collect %s task %d: %w", phase, p.TaskID, err)
	}
	return t, nil
}
