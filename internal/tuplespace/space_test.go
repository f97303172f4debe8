package tuplespace

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"TupleMR/internal/logger"
	"TupleMR/internal/types"
)

func quietLogger() *logger.Logger {
	return logger.NewWithWriter("ERROR", io.Discard)
}

func TestPatternMatch(t *testing.T) {
	task := TaskTuple("job-1", types.NewTask(3, []any{"a"}, nil))
	result := ResultTuple("job-1", 3, 42)

	cases := []struct {
		name    string
		pattern Pattern
		tuple   Tuple
		want    bool
	}{
		{"wildcard matches task", Pattern{}, task, true},
		{"worker pattern matches task", Pattern{Kind: KindTask}, task, true},
		{"worker pattern skips result", Pattern{Kind: KindTask}, result, false},
		{"exact result", Pattern{Kind: KindResult, Owner: "job-1", TaskID: 3}, result, true},
		{"other owner", Pattern{Kind: KindResult, Owner: "job-2", TaskID: 3}, result, false},
		{"other task id", Pattern{Kind: KindResult, Owner: "job-1", TaskID: 4}, result, false},
	}

	for _, tc := range cases {
		if got := tc.pattern.Match(tc.tuple); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestPatternString(t *testing.T) {
	if s := (Pattern{Kind: KindResult, TaskID: 2}).String(); s != "(result, *, 2)" {
		t.Fatalf("unexpected pattern string %q", s)
	}
}

func TestStoreRemovesOldestMatch(t *testing.T) {
	s := NewStore()
	s.Put(ResultTuple("a", 1, "first"))
	s.Put(ResultTuple("b", 1, "other"))
	s.Put(ResultTuple("a", 1, "second"))

	got, ok := s.Remove(Pattern{Owner: "a"})
	if !ok || got.Result != "first" {
		t.Fatalf("expected first tuple, got %v ok=%v", got.Result, ok)
	}
	got, ok = s.Remove(Pattern{Owner: "a"})
	if !ok || got.Result != "second" {
		t.Fatalf("expected second tuple, got %v ok=%v", got.Result, ok)
	}
	if _, ok := s.Remove(Pattern{Owner: "a"}); ok {
		t.Fatalf("store should have no more tuples for owner a")
	}
	if s.Len() != 1 {
		t.Fatalf("expected 1 tuple left, got %d", s.Len())
	}
}

func TestStoreChangedClosesOnPut(t *testing.T) {
	s := NewStore()
	ch := s.Changed()

	select {
	case <-ch:
		t.Fatalf("changed channel closed before any put")
	default:
	}

	s.Put(ResultTuple("a", 1, nil))

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatalf("changed channel not closed after put")
	}
}

func TestStoreSnapshotRestore(t *testing.T) {
	s := NewStore()
	s.Put(ResultTuple("a", 1, "x"))
	s.Put(ResultTuple("a", 2, "y"))

	snap := s.Snapshot()
	other := NewStore()
	other.Restore(snap, s.Version())

	if other.Len() != 2 || other.Version() != s.Version() {
		t.Fatalf("restore mismatch: len=%d version=%d", other.Len(), other.Version())
	}
	got, _ := other.Remove(Pattern{TaskID: 2})
	if got.Result != "y" {
		t.Fatalf("expected y, got %v", got.Result)
	}
	if s.Len() != 2 {
		t.Fatalf("snapshot should not alias the source store")
	}
}

func TestSpaceTakeBlocksUntilWrite(t *testing.T) {
	space := NewSpace(quietLogger())
	ctx := context.Background()

	done := make(chan Tuple, 1)
	go func() {
		tup, err := space.Take(ctx, Pattern{Kind: KindResult, Owner: "job", TaskID: 7})
		if err != nil {
			t.Errorf("take failed: %v", err)
			return
		}
		done <- tup
	}()

	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatalf("take returned before a matching write")
	default:
	}

	if err := space.Write(ctx, ResultTuple("job", 6, "wrong")); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	if err := space.Write(ctx, ResultTuple("job", 7, "right")); err != nil {
		t.Fatalf("write failed: %v", err)
	}

	select {
	case tup := <-done:
		if tup.Result != "right" {
			t.Fatalf("expected right, got %v", tup.Result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("take never returned")
	}

	if space.Count(Pattern{TaskID: 6}) != 1 {
		t.Fatalf("non-matching tuple should remain in the space")
	}
}

func TestSpaceTakeHonoursContext(t *testing.T) {
	space := NewSpace(quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := space.Take(ctx, Pattern{Kind: KindResult})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestSpaceEachTupleTakenOnce(t *testing.T) {
	space := NewSpace(quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 200
	var (
		mu   sync.Mutex
		seen = make(map[int]int)
		wg   sync.WaitGroup
	)

	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				mu.Lock()
				total := 0
				for _, c := range seen {
					total += c
				}
				mu.Unlock()
				if total >= n {
					return
				}

				tctx, tcancel := context.WithTimeout(ctx, 100*time.Millisecond)
				tup, err := space.Take(tctx, Pattern{Kind: KindTask})
				tcancel()
				if err != nil {
					continue
				}
				mu.Lock()
				seen[tup.TaskID]++
				mu.Unlock()
			}
		}()
	}

	for i := 1; i <= n; i++ {
		if err := space.Write(ctx, TaskTuple("job", types.NewTask(i, nil, nil))); err != nil {
			t.Fatalf("write failed: %v", err)
		}
	}
	wg.Wait()

	for i := 1; i <= n; i++ {
		if seen[i] != 1 {
			t.Fatalf("task %d taken %d times", i, seen[i])
		}
	}
	if space.Len() != 0 {
		t.Fatalf("expected empty space, got %d tuples", space.Len())
	}
}

func TestSpaceStats(t *testing.T) {
	space := NewSpace(quietLogger())
	_ = space.Write(context.Background(), TaskTuple("job", types.NewTask(1, nil, nil)))
	_ = space.Write(context.Background(), ResultTuple("job", 1, 1))

	stats := space.Stats()
	if stats["pending"] != "2" || stats["tasks"] != "1" || stats["results"] != "1" {
		t.Fatalf("unexpected stats: %v", stats)
	}
}
