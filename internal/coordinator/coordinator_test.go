package coordinator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"regexp"
	"sort"
	"sync"
	"testing"
	"time"

	"TupleMR/internal/logger"
	"TupleMR/internal/partition"
	"TupleMR/internal/tuplespace"
	"TupleMR/internal/types"
	"TupleMR/internal/worker"
)

func quietLogger() *logger.Logger {
	return logger.NewWithWriter("ERROR", io.Discard)
}

// recordingQueue counts writes and never yields a tuple.
type recordingQueue struct {
	mu     sync.Mutex
	writes []tuplespace.Tuple
}

func (q *recordingQueue) Write(ctx context.Context, t tuplespace.Tuple) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.writes = append(q.writes, t)
	return nil
}

func (q *recordingQueue) Take(ctx context.Context, p tuplespace.Pattern) (tuplespace.Tuple, error) {
	<-ctx.Done()
	return tuplespace.Tuple{}, ctx.Err()
}

// countingQueue counts the task tuples written through it.
type countingQueue struct {
	tuplespace.Queue
	mu    sync.Mutex
	tasks int
}

func (q *countingQueue) Write(ctx context.Context, t tuplespace.Tuple) error {
	if t.Kind == tuplespace.KindTask {
		q.mu.Lock()
		q.tasks++
		q.mu.Unlock()
	}
	return q.Queue.Write(ctx, t)
}

func identity(data []any) (any, error) {
	return data, nil
}

func sum(data []any) (any, error) {
	total := 0
	for _, v := range data {
		n, ok := types.AsInt(v)
		if !ok {
			return nil, fmt.Errorf("not a number: %v", v)
		}
		total += n
	}
	return total, nil
}

func intData(n int) []any {
	data := make([]any, n)
	for i := range data {
		data[i] = i + 1
	}
	return data
}

func newTestJob(q tuplespace.Queue, mapTasks, reduceTasks int) *Job {
	job := NewJob(q, mapTasks, reduceTasks)
	job.SetLogger(quietLogger())
	return job
}

func startWorkers(t *testing.T, ctx context.Context, q tuplespace.Queue, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		w := worker.New(q, worker.Config{
			ID:     fmt.Sprintf("worker-%d", i),
			Logger: quietLogger(),
		})
		go w.Run(ctx)
	}
}

func TestRunRequiresFunctions(t *testing.T) {
	fn := types.TransformFunc(identity)
	cases := []struct {
		name      string
		mapFn     types.Transform
		reduceFn  types.Transform
		partition partition.Partitioner
	}{
		{"missing map", nil, fn, partition.RecombineAndSplit},
		{"missing reduce", fn, nil, partition.RecombineAndSplit},
		{"missing partition", fn, fn, nil},
		{"missing everything", nil, nil, nil},
	}

	for _, tc := range cases {
		q := &recordingQueue{}
		job := newTestJob(q, 2, 2)
		job.Data = intData(4)
		job.Map, job.Reduce, job.Partition = tc.mapFn, tc.reduceFn, tc.partition

		_, err := job.Run(context.Background())
		if !errors.Is(err, ErrConfiguration) {
			t.Fatalf("%s: expected ErrConfiguration, got %v", tc.name, err)
		}
		if len(q.writes) != 0 {
			t.Fatalf("%s: %d tuples published before validation", tc.name, len(q.writes))
		}
	}
}

func TestRunRejectsBadTaskCounts(t *testing.T) {
	for _, counts := range [][2]int{{0, 1}, {1, 0}, {-1, 2}} {
		q := &recordingQueue{}
		job := newTestJob(q, counts[0], counts[1])
		job.Map = types.TransformFunc(identity)
		job.Reduce = types.TransformFunc(identity)
		job.Partition = partition.RecombineAndSplit

		if job.MapTasks() != counts[0] || job.ReduceTasks() != counts[1] {
			t.Fatalf("counts %v: accessors report %d/%d", counts, job.MapTasks(), job.ReduceTasks())
		}
		if _, err := job.Run(context.Background()); !errors.Is(err, ErrConfiguration) {
			t.Fatalf("counts %v: expected ErrConfiguration, got %v", counts, err)
		}
		if len(q.writes) != 0 {
			t.Fatalf("counts %v: tuples published for invalid job", counts)
		}
	}
}

// reverseWorker takes every task of a phase before answering any, then
// publishes results from the last task to the first.
func reverseWorker(ctx context.Context, q tuplespace.Queue, batches ...int) error {
	for _, n := range batches {
		taken := make([]tuplespace.Tuple, 0, n)
		for len(taken) < n {
			tup, err := q.Take(ctx, tuplespace.Pattern{Kind: tuplespace.KindTask})
			if err != nil {
				return err
			}
			taken = append(taken, tup)
		}
		for i := len(taken) - 1; i >= 0; i-- {
			task := *taken[i].Task
			out, err := task.Transform().Apply(task.Data)
			if err != nil {
				return err
			}
			if err := q.Write(ctx, tuplespace.ResultTuple(taken[i].Owner, task.ID, out)); err != nil {
				return err
			}
		}
	}
	return nil
}

func TestResultsAlignUnderReverseCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	space := tuplespace.NewSpace(quietLogger())
	job := newTestJob(space, 4, 3)
	job.Data = intData(12)
	job.Map = types.TransformFunc(identity)
	job.Reduce = types.TransformFunc(sum)
	job.Partition = partition.RecombineAndSplit

	errc := make(chan error, 1)
	go func() { errc <- reverseWorker(ctx, space, 4, 3) }()

	results, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("reverse worker failed: %v", err)
	}

	// Map results recombined in task order give 1..12, split into blocks of 4.
	want := []any{10, 26, 42}
	if fmt.Sprint(results) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, results)
	}
	if space.Len() != 0 {
		t.Fatalf("expected empty space after run, got %d tuples", space.Len())
	}
}

func TestResultsAlignUnderRandomCompletion(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	space := tuplespace.NewSpace(quietLogger())
	startWorkers(t, ctx, space, 6)

	var mu sync.Mutex
	rng := rand.New(rand.NewSource(7))
	jitter := func() time.Duration {
		mu.Lock()
		defer mu.Unlock()
		return time.Duration(rng.Intn(20)) * time.Millisecond
	}

	job := newTestJob(space, 8, 5)
	job.Data = intData(40)
	job.Map = types.TransformFunc(func(data []any) (any, error) {
		time.Sleep(jitter())
		return data, nil
	})
	job.Reduce = types.TransformFunc(func(data []any) (any, error) {
		time.Sleep(jitter())
		return data, nil
	})
	job.Partition = partition.RecombineAndSplit

	results, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	expected := partition.Simple(intData(40), 5)
	for i, r := range results {
		if fmt.Sprint(r) != fmt.Sprint(expected[i]) {
			t.Fatalf("reduce result %d: expected %v, got %v", i, expected[i], r)
		}
	}
}

var wordRe = regexp.MustCompile(`\w+`)

func TestEndToEndWordCount(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	space := tuplespace.NewSpace(quietLogger())
	startWorkers(t, ctx, space, 3)

	job := newTestJob(space, 2, 2)
	job.Data = []any{"dog cat", "dog"}
	job.Map = types.TransformFunc(func(lines []any) (any, error) {
		var out []any
		for _, l := range lines {
			for _, w := range wordRe.FindAllString(l.(string), -1) {
				out = append(out, []any{w, 1})
			}
		}
		return out, nil
	})
	job.Reduce = types.TransformFunc(func(pairs []any) (any, error) {
		counts := make(map[string]int)
		for _, p := range pairs {
			kv, _ := types.AsKeyValue(p)
			n, _ := types.AsInt(kv.Value)
			counts[kv.Key] += n
		}
		return counts, nil
	})
	job.Partition = partition.ByFirstField

	results, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 reduce results, got %d", len(results))
	}

	merged := make(map[string]int)
	for _, r := range results {
		for k, v := range r.(map[string]int) {
			merged[k] = v
		}
	}
	if len(merged) != 2 || merged["dog"] != 2 || merged["cat"] != 1 {
		t.Fatalf("expected {dog:2 cat:1}, got %v", merged)
	}
	t.Logf("✓ Word count merged: %v", merged)
}

func TestEndToEndInvertedIndex(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	space := tuplespace.NewSpace(quietLogger())
	startWorkers(t, ctx, space, 2)

	job := newTestJob(space, 2, 2)
	job.Data = []any{[]any{"A", "dog cat"}, []any{"B", "dog"}}
	job.Map = types.TransformFunc(func(docs []any) (any, error) {
		var out []any
		for _, d := range docs {
			doc := d.([]any)
			for _, w := range wordRe.FindAllString(doc[1].(string), -1) {
				out = append(out, []any{w, doc[0]})
			}
		}
		return out, nil
	})
	job.Reduce = types.TransformFunc(func(pairs []any) (any, error) {
		index := make(map[string][]string)
		for _, p := range pairs {
			pair := p.([]any)
			word := pair[0].(string)
			index[word] = append(index[word], pair[1].(string))
		}
		return index, nil
	})
	job.Partition = partition.ByFirstField

	results, err := job.Run(ctx)
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}

	index := make(map[string][]string)
	for _, r := range results {
		for k, v := range r.(map[string][]string) {
			index[k] = v
		}
	}
	dog := append([]string(nil), index["dog"]...)
	sort.Strings(dog)
	if fmt.Sprint(dog) != "[A B]" {
		t.Fatalf("expected dog in [A B], got %v", dog)
	}
	if fmt.Sprint(index["cat"]) != "[A]" {
		t.Fatalf("expected cat in [A], got %v", index["cat"])
	}
}

func TestTakeTimeoutReportsTask(t *testing.T) {
	space := tuplespace.NewSpace(quietLogger())
	q := &countingQueue{Queue: space}
	job := newTestJob(q, 3, 1)
	job.Data = intData(3)
	job.Map = types.TransformFunc(identity)
	job.Reduce = types.TransformFunc(identity)
	job.Partition = partition.RecombineAndSplit
	job.SetTakeTimeout(50 * time.Millisecond)

	_, err := job.Run(context.Background())

	var timeout *TaskTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected TaskTimeoutError, got %v", err)
	}
	if timeout.Phase != PhaseMap || timeout.TaskID != 1 {
		t.Fatalf("expected map task 1 to time out, got %s task %d", timeout.Phase, timeout.TaskID)
	}
	if q.tasks != 3 {
		t.Fatalf("expected all 3 map tasks to have been published, got %d", q.tasks)
	}
	if space.Len() != 0 {
		t.Fatalf("unclaimed tasks of a timed out run must be purged, %d left", space.Len())
	}
}

func TestFailedRunPurgesOwnTuples(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	space := tuplespace.NewSpace(quietLogger())
	other := tuplespace.ResultTuple("job-other", 1, 99)
	space.Write(ctx, other)

	// Fail the first map task and leave the rest unclaimed.
	go func() {
		tup, err := space.Take(ctx, tuplespace.Pattern{Kind: tuplespace.KindTask, TaskID: 1})
		if err != nil {
			return
		}
		space.Write(ctx, tuplespace.ErrorTuple(tup.Owner, 1, errors.New("bad input")))
	}()

	job := newTestJob(space, 3, 1)
	job.Data = intData(6)
	job.Map = types.TransformFunc(identity)
	job.Reduce = types.TransformFunc(identity)
	job.Partition = partition.RecombineAndSplit

	_, err := job.Run(ctx)
	var failed *TaskFailedError
	if !errors.As(err, &failed) || failed.Phase != PhaseMap || failed.TaskID != 1 {
		t.Fatalf("expected map task 1 failure, got %v", err)
	}

	if space.Len() != 1 {
		t.Fatalf("expected only the other job's tuple to remain, got %d", space.Len())
	}
	got, err := space.Take(ctx, tuplespace.Pattern{Owner: "job-other"})
	if err != nil || got.Result != 99 {
		t.Fatalf("other job's result disturbed: %v %v", got, err)
	}
}

func TestContextCancelStopsCollection(t *testing.T) {
	space := tuplespace.NewSpace(quietLogger())
	job := newTestJob(space, 1, 1)
	job.Data = intData(1)
	job.Map = types.TransformFunc(identity)
	job.Reduce = types.TransformFunc(identity)
	job.Partition = partition.RecombineAndSplit
	job.SetTakeTimeout(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	_, err := job.Run(ctx)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	var timeout *TaskTimeoutError
	if errors.As(err, &timeout) {
		t.Fatalf("cancellation must not be reported as a timeout")
	}
}

func TestWorkerFailureSurfaces(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	space := tuplespace.NewSpace(quietLogger())
	startWorkers(t, ctx, space, 2)

	job := newTestJob(space, 2, 1)
	job.Data = intData(4)
	job.Map = types.TransformFunc(identity)
	job.Reduce = types.TransformFunc(func(data []any) (any, error) {
		return nil, errors.New("disk full")
	})
	job.Partition = partition.RecombineAndSplit

	_, err := job.Run(ctx)
	var failed *TaskFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("expected TaskFailedError, got %v", err)
	}
	if failed.Phase != PhaseReduce || failed.TaskID != 1 || failed.Message != "disk full" {
		t.Fatalf("unexpected failure details: %+v", failed)
	}
}

func TestPartitionCountMismatch(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	space := tuplespace.NewSpace(quietLogger())
	startWorkers(t, ctx, space, 1)

	job := newTestJob(space, 1, 3)
	job.Data = intData(2)
	job.Map = types.TransformFunc(identity)
	job.Reduce = types.TransformFunc(identity)
	job.Partition = partition.PartitionerFunc(func(results []any, n int) ([][]any, error) {
		return [][]any{{}}, nil
	})

	if _, err := job.Run(ctx); err == nil {
		t.Fatalf("expected error for short partition list")
	}
}

func TestRepeatedAndConcurrentRuns(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	space := tuplespace.NewSpace(quietLogger())
	startWorkers(t, ctx, space, 4)

	newSumJob := func(n int) *Job {
		job := newTestJob(space, 3, 2)
		job.Data = intData(n)
		job.Map = types.TransformFunc(sum)
		job.Reduce = types.TransformFunc(sum)
		job.Partition = partition.PartitionerFunc(func(results []any, parts int) ([][]any, error) {
			return partition.Simple(results, parts), nil
		})
		return job
	}

	total := func(results []any) int {
		s := 0
		for _, r := range results {
			s += r.(int)
		}
		return s
	}

	job := newSumJob(10)
	for run := 0; run < 2; run++ {
		results, err := job.Run(ctx)
		if err != nil {
			t.Fatalf("run %d failed: %v", run, err)
		}
		if total(results) != 55 {
			t.Fatalf("run %d: expected 55, got %d", run, total(results))
		}
	}

	var wg sync.WaitGroup
	for _, n := range []int{20, 30, 40} {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results, err := newSumJob(n).Run(ctx)
			if err != nil {
				t.Errorf("job n=%d failed: %v", n, err)
				return
			}
			if got, want := total(results), n*(n+1)/2; got != want {
				t.Errorf("job n=%d: expected %d, got %d", n, want, got)
			}
		}(n)
	}
	wg.Wait()
}
